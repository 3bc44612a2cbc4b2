// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package groupstore is the SQLite-backed persistence for groups,
// memberships, invitations, and wrapped keys. It implements
// group.Store and groupkey.KeyStore over a lib/sqlitepool connection
// pool; raw key material never appears here, only wrapped ciphertext.
package groupstore

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/conclave-im/conclave/group"
	"github.com/conclave-im/conclave/groupkey"
	"github.com/conclave-im/conclave/lib/ref"
	"github.com/conclave-im/conclave/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS groups (
	group_id             TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	creator_fp           TEXT NOT NULL,
	created_at           INTEGER NOT NULL,
	private              INTEGER NOT NULL DEFAULT 0,
	max_members          INTEGER NOT NULL,
	allow_member_invites INTEGER NOT NULL DEFAULT 0,
	current_version      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS memberships (
	group_id   TEXT NOT NULL REFERENCES groups(group_id) ON DELETE CASCADE,
	member_fp  TEXT NOT NULL,
	name       TEXT NOT NULL,
	role       TEXT NOT NULL,
	joined_at  INTEGER NOT NULL,
	invited_by TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (group_id, member_fp)
);

CREATE TABLE IF NOT EXISTS invitations (
	invitation_id TEXT PRIMARY KEY,
	group_id      TEXT NOT NULL REFERENCES groups(group_id) ON DELETE CASCADE,
	group_name    TEXT NOT NULL,
	inviter_fp    TEXT NOT NULL,
	inviter_name  TEXT NOT NULL,
	invitee_fp    TEXT NOT NULL,
	invitee_name  TEXT NOT NULL,
	message       TEXT NOT NULL DEFAULT '',
	grants_admin  INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL,
	responded_at  INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS invitations_by_group
	ON invitations (group_id, status);
CREATE INDEX IF NOT EXISTS invitations_by_invitee
	ON invitations (invitee_fp, status);

CREATE TABLE IF NOT EXISTS wrapped_keys (
	group_id     TEXT NOT NULL REFERENCES groups(group_id) ON DELETE CASCADE,
	version      INTEGER NOT NULL,
	recipient_fp TEXT NOT NULL,
	wrapped_key  TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	PRIMARY KEY (group_id, version, recipient_fp)
);
`

// Store persists access-control state in SQLite.
type Store struct {
	pool *sqlitepool.Pool
}

// Open creates the store, applying the schema to every pooled
// connection. The caller must Close the store when done.
func Open(cfg sqlitepool.Config) (*Store, error) {
	onConnect := cfg.OnConnect
	cfg.OnConnect = func(conn *sqlite.Conn) error {
		if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
		if onConnect != nil {
			return onConnect(conn)
		}
		return nil
	}

	pool, err := sqlitepool.Open(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) CreateGroup(g group.Group, creator group.Membership) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("groupstore: begin transaction: %w", err)
	}
	defer endTx(&err)

	exists := false
	err = sqlitex.Execute(conn, "SELECT 1 FROM groups WHERE group_id = ?", &sqlitex.ExecOptions{
		Args:       []any{g.ID.String()},
		ResultFunc: func(*sqlite.Stmt) error { exists = true; return nil },
	})
	if err != nil {
		return fmt.Errorf("groupstore: checking group: %w", err)
	}
	if exists {
		err = &group.Error{
			Code:    group.CodeDuplicateGroup,
			Op:      "create group",
			Message: fmt.Sprintf("group %q already exists", g.ID),
		}
		return err
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO groups (group_id, name, creator_fp, created_at, private, max_members, allow_member_invites, current_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			g.ID.String(), g.Name, g.Creator.String(), g.CreatedAt.UnixMilli(),
			boolToInt(g.Policy.Private), g.Policy.MaxMembers,
			boolToInt(g.Policy.AllowMemberInvites), int64(g.CurrentVersion),
		},
	})
	if err != nil {
		return fmt.Errorf("groupstore: inserting group: %w", err)
	}
	if err = s.insertMembership(conn, creator); err != nil {
		return err
	}
	return nil
}

func (s *Store) Group(id ref.GroupID) (group.Group, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return group.Group{}, err
	}
	defer s.pool.Put(conn)

	var g group.Group
	found := false
	err = sqlitex.Execute(conn, `
		SELECT group_id, name, creator_fp, created_at, private, max_members, allow_member_invites, current_version
		FROM groups WHERE group_id = ?`, &sqlitex.ExecOptions{
		Args: []any{id.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			var err error
			g, err = readGroup(stmt)
			return err
		},
	})
	if err != nil {
		return group.Group{}, fmt.Errorf("groupstore: loading group: %w", err)
	}
	if !found {
		return group.Group{}, &group.Error{
			Code:    group.CodeGroupNotFound,
			Op:      "load group",
			Message: fmt.Sprintf("group %q does not exist", id),
		}
	}
	return g, nil
}

func (s *Store) UpdateGroup(g group.Group) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		UPDATE groups SET name = ?, private = ?, max_members = ?, allow_member_invites = ?, current_version = ?
		WHERE group_id = ?`, &sqlitex.ExecOptions{
		Args: []any{
			g.Name, boolToInt(g.Policy.Private), g.Policy.MaxMembers,
			boolToInt(g.Policy.AllowMemberInvites), int64(g.CurrentVersion),
			g.ID.String(),
		},
	})
	if err != nil {
		return fmt.Errorf("groupstore: updating group: %w", err)
	}
	if conn.Changes() == 0 {
		return &group.Error{
			Code:    group.CodeGroupNotFound,
			Op:      "update group",
			Message: fmt.Sprintf("group %q does not exist", g.ID),
		}
	}
	return nil
}

func (s *Store) DeleteGroup(id ref.GroupID) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	// Memberships, invitations, and wrapped keys cascade.
	err = sqlitex.Execute(conn, "DELETE FROM groups WHERE group_id = ?", &sqlitex.ExecOptions{
		Args: []any{id.String()},
	})
	if err != nil {
		return fmt.Errorf("groupstore: deleting group: %w", err)
	}
	return nil
}

func (s *Store) Membership(g ref.GroupID, member ref.Fingerprint) (group.Membership, bool, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return group.Membership{}, false, err
	}
	defer s.pool.Put(conn)

	var m group.Membership
	found := false
	err = sqlitex.Execute(conn, `
		SELECT group_id, member_fp, name, role, joined_at, invited_by
		FROM memberships WHERE group_id = ? AND member_fp = ?`, &sqlitex.ExecOptions{
		Args: []any{g.String(), member.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			var err error
			m, err = readMembership(stmt)
			return err
		},
	})
	if err != nil {
		return group.Membership{}, false, fmt.Errorf("groupstore: loading membership: %w", err)
	}
	return m, found, nil
}

func (s *Store) Memberships(g ref.GroupID) ([]group.Membership, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var memberships []group.Membership
	err = sqlitex.Execute(conn, `
		SELECT group_id, member_fp, name, role, joined_at, invited_by
		FROM memberships WHERE group_id = ? ORDER BY joined_at, member_fp`, &sqlitex.ExecOptions{
		Args: []any{g.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			m, err := readMembership(stmt)
			if err != nil {
				return err
			}
			memberships = append(memberships, m)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("groupstore: listing memberships: %w", err)
	}
	return memberships, nil
}

func (s *Store) PutMembership(m group.Membership) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return s.insertMembership(conn, m)
}

func (s *Store) insertMembership(conn *sqlite.Conn, m group.Membership) error {
	err := sqlitex.Execute(conn, `
		INSERT INTO memberships (group_id, member_fp, name, role, joined_at, invited_by)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (group_id, member_fp) DO UPDATE SET name = excluded.name, role = excluded.role`, &sqlitex.ExecOptions{
		Args: []any{
			m.Group.String(), m.Member.String(), m.Name, m.Role.String(),
			m.JoinedAt.UnixMilli(), m.InvitedBy.String(),
		},
	})
	if err != nil {
		return fmt.Errorf("groupstore: writing membership: %w", err)
	}
	return nil
}

func (s *Store) DeleteMembership(g ref.GroupID, member ref.Fingerprint) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM memberships WHERE group_id = ? AND member_fp = ?", &sqlitex.ExecOptions{
		Args: []any{g.String(), member.String()},
	})
	if err != nil {
		return fmt.Errorf("groupstore: deleting membership: %w", err)
	}
	return nil
}

func (s *Store) PutInvitation(inv group.Invitation) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return s.writeInvitation(conn, inv)
}

func (s *Store) writeInvitation(conn *sqlite.Conn, inv group.Invitation) error {
	err := sqlitex.Execute(conn, `
		INSERT INTO invitations (invitation_id, group_id, group_name, inviter_fp, inviter_name,
			invitee_fp, invitee_name, message, grants_admin, created_at, expires_at, responded_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (invitation_id) DO UPDATE SET status = excluded.status, responded_at = excluded.responded_at`, &sqlitex.ExecOptions{
		Args: []any{
			inv.ID.String(), inv.Group.String(), inv.GroupName,
			inv.Inviter.String(), inv.InviterName,
			inv.Invitee.String(), inv.InviteeName,
			inv.Message, boolToInt(inv.GrantsAdmin),
			inv.CreatedAt.UnixMilli(), inv.ExpiresAt.UnixMilli(),
			timeToMilli(inv.RespondedAt), string(inv.Status),
		},
	})
	if err != nil {
		return fmt.Errorf("groupstore: writing invitation: %w", err)
	}
	return nil
}

func (s *Store) Invitation(id ref.InvitationID) (group.Invitation, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return group.Invitation{}, err
	}
	defer s.pool.Put(conn)
	return s.loadInvitation(conn, id)
}

func (s *Store) loadInvitation(conn *sqlite.Conn, id ref.InvitationID) (group.Invitation, error) {
	var inv group.Invitation
	found := false
	err := sqlitex.Execute(conn, selectInvitation+" WHERE invitation_id = ?", &sqlitex.ExecOptions{
		Args: []any{id.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			var err error
			inv, err = readInvitation(stmt)
			return err
		},
	})
	if err != nil {
		return group.Invitation{}, fmt.Errorf("groupstore: loading invitation: %w", err)
	}
	if !found {
		return group.Invitation{}, &group.Error{
			Code:    group.CodeInvitationNotFound,
			Op:      "load invitation",
			Message: fmt.Sprintf("invitation %s does not exist", id),
		}
	}
	return inv, nil
}

func (s *Store) ResolveInvitation(inv group.Invitation, membership *group.Membership) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("groupstore: begin transaction: %w", err)
	}
	defer endTx(&err)

	if _, err = s.loadInvitation(conn, inv.ID); err != nil {
		return err
	}
	if err = s.writeInvitation(conn, inv); err != nil {
		return err
	}
	if membership != nil {
		if err = s.insertMembership(conn, *membership); err != nil {
			return err
		}
	}
	return nil
}

const selectInvitation = `
	SELECT invitation_id, group_id, group_name, inviter_fp, inviter_name,
		invitee_fp, invitee_name, message, grants_admin, created_at, expires_at, responded_at, status
	FROM invitations`

func (s *Store) PendingInvitations(g ref.GroupID) ([]group.Invitation, error) {
	return s.queryInvitations(selectInvitation+` WHERE group_id = ? AND status = ? ORDER BY created_at, invitation_id`,
		g.String(), string(group.StatusPending))
}

func (s *Store) PendingInvitationsFor(invitee ref.Fingerprint) ([]group.Invitation, error) {
	return s.queryInvitations(selectInvitation+` WHERE invitee_fp = ? AND status = ? ORDER BY created_at, invitation_id`,
		invitee.String(), string(group.StatusPending))
}

func (s *Store) queryInvitations(query string, args ...any) ([]group.Invitation, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var invitations []group.Invitation
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			inv, err := readInvitation(stmt)
			if err != nil {
				return err
			}
			invitations = append(invitations, inv)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("groupstore: querying invitations: %w", err)
	}
	return invitations, nil
}

func (s *Store) SweepExpired(now time.Time) (int, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		UPDATE invitations SET status = ?, responded_at = ?
		WHERE status = ? AND expires_at < ?`, &sqlitex.ExecOptions{
		Args: []any{
			string(group.StatusExpired), now.UnixMilli(),
			string(group.StatusPending), now.UnixMilli(),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("groupstore: sweeping invitations: %w", err)
	}
	return conn.Changes(), nil
}

// PutWrappedKey implements groupkey.KeyStore.
func (s *Store) PutWrappedKey(wk groupkey.WrappedKey) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO wrapped_keys (group_id, version, recipient_fp, wrapped_key, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (group_id, version, recipient_fp) DO UPDATE SET wrapped_key = excluded.wrapped_key`, &sqlitex.ExecOptions{
		Args: []any{
			wk.Group.String(), int64(wk.Version), wk.Recipient.String(),
			wk.Ciphertext, wk.CreatedAt.UnixMilli(),
		},
	})
	if err != nil {
		return fmt.Errorf("groupstore: writing wrapped key: %w", err)
	}
	return nil
}

// WrappedKeysFor implements groupkey.KeyStore.
func (s *Store) WrappedKeysFor(g ref.GroupID, recipient ref.Fingerprint) ([]groupkey.WrappedKey, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var keys []groupkey.WrappedKey
	err = sqlitex.Execute(conn, `
		SELECT group_id, version, recipient_fp, wrapped_key, created_at
		FROM wrapped_keys WHERE group_id = ? AND recipient_fp = ? ORDER BY version`, &sqlitex.ExecOptions{
		Args: []any{g.String(), recipient.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			groupID, err := ref.NewGroupID(stmt.ColumnText(0))
			if err != nil {
				return err
			}
			recipientFP, err := ref.ParseFingerprint(stmt.ColumnText(2))
			if err != nil {
				return err
			}
			keys = append(keys, groupkey.WrappedKey{
				Group:      groupID,
				Version:    ref.KeyVersion(stmt.ColumnInt64(1)),
				Recipient:  recipientFP,
				Ciphertext: stmt.ColumnText(3),
				CreatedAt:  milliToTime(stmt.ColumnInt64(4)),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("groupstore: querying wrapped keys: %w", err)
	}
	return keys, nil
}

func readGroup(stmt *sqlite.Stmt) (group.Group, error) {
	id, err := ref.NewGroupID(stmt.ColumnText(0))
	if err != nil {
		return group.Group{}, fmt.Errorf("stored group_id: %w", err)
	}
	creator, err := ref.ParseFingerprint(stmt.ColumnText(2))
	if err != nil {
		return group.Group{}, fmt.Errorf("stored creator_fp: %w", err)
	}
	return group.Group{
		ID:        id,
		Name:      stmt.ColumnText(1),
		Creator:   creator,
		CreatedAt: milliToTime(stmt.ColumnInt64(3)),
		Policy: group.Policy{
			Private:            stmt.ColumnInt64(4) != 0,
			MaxMembers:         int(stmt.ColumnInt64(5)),
			AllowMemberInvites: stmt.ColumnInt64(6) != 0,
		},
		CurrentVersion: ref.KeyVersion(stmt.ColumnInt64(7)),
	}, nil
}

func readMembership(stmt *sqlite.Stmt) (group.Membership, error) {
	groupID, err := ref.NewGroupID(stmt.ColumnText(0))
	if err != nil {
		return group.Membership{}, fmt.Errorf("stored group_id: %w", err)
	}
	member, err := ref.ParseFingerprint(stmt.ColumnText(1))
	if err != nil {
		return group.Membership{}, fmt.Errorf("stored member_fp: %w", err)
	}
	role, err := group.ParseRole(stmt.ColumnText(3))
	if err != nil {
		return group.Membership{}, fmt.Errorf("stored role: %w", err)
	}
	var invitedBy ref.Fingerprint
	if text := stmt.ColumnText(5); text != "" {
		invitedBy, err = ref.ParseFingerprint(text)
		if err != nil {
			return group.Membership{}, fmt.Errorf("stored invited_by: %w", err)
		}
	}
	return group.Membership{
		Group:     groupID,
		Member:    member,
		Name:      stmt.ColumnText(2),
		Role:      role,
		JoinedAt:  milliToTime(stmt.ColumnInt64(4)),
		InvitedBy: invitedBy,
	}, nil
}

func readInvitation(stmt *sqlite.Stmt) (group.Invitation, error) {
	id, err := ref.ParseInvitationID(stmt.ColumnText(0))
	if err != nil {
		return group.Invitation{}, fmt.Errorf("stored invitation_id: %w", err)
	}
	groupID, err := ref.NewGroupID(stmt.ColumnText(1))
	if err != nil {
		return group.Invitation{}, fmt.Errorf("stored group_id: %w", err)
	}
	inviter, err := ref.ParseFingerprint(stmt.ColumnText(3))
	if err != nil {
		return group.Invitation{}, fmt.Errorf("stored inviter_fp: %w", err)
	}
	invitee, err := ref.ParseFingerprint(stmt.ColumnText(5))
	if err != nil {
		return group.Invitation{}, fmt.Errorf("stored invitee_fp: %w", err)
	}
	return group.Invitation{
		ID:          id,
		Group:       groupID,
		GroupName:   stmt.ColumnText(2),
		Inviter:     inviter,
		InviterName: stmt.ColumnText(4),
		Invitee:     invitee,
		InviteeName: stmt.ColumnText(6),
		Message:     stmt.ColumnText(7),
		GrantsAdmin: stmt.ColumnInt64(8) != 0,
		CreatedAt:   milliToTime(stmt.ColumnInt64(9)),
		ExpiresAt:   milliToTime(stmt.ColumnInt64(10)),
		RespondedAt: milliToTime(stmt.ColumnInt64(11)),
		Status:      group.InvitationStatus(stmt.ColumnText(12)),
	}, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func timeToMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func milliToTime(milli int64) time.Time {
	if milli == 0 {
		return time.Time{}
	}
	return time.UnixMilli(milli).UTC()
}
