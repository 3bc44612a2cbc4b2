// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

package group

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conclave-im/conclave/lib/clock"
	"github.com/conclave-im/conclave/lib/ref"
)

// Options configures a Controller. The zero value selects the real
// clock, a discard logger, the default invitation lifetime, and the
// historical default policy (50 members, member invites allowed).
type Options struct {
	Clock         clock.Clock
	Logger        *slog.Logger
	InvitationTTL time.Duration
	DefaultPolicy Policy
}

// Controller is the sole authority over group existence, membership,
// roles, and the invitation life cycle. All state changes go through
// it; every mutation for one group runs under that group's lock.
type Controller struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
	ttl    time.Duration

	defaultPolicy Policy

	mu         sync.Mutex
	groupLocks map[ref.GroupID]*sync.Mutex
}

// NewController creates a controller over the given store.
func NewController(store Store, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.InvitationTTL <= 0 {
		opts.InvitationTTL = DefaultInvitationTTL
	}
	if opts.DefaultPolicy.MaxMembers < 1 {
		opts.DefaultPolicy = Policy{MaxMembers: 50, AllowMemberInvites: true}
	}
	return &Controller{
		store:         store,
		clock:         opts.Clock,
		logger:        opts.Logger,
		ttl:           opts.InvitationTTL,
		defaultPolicy: opts.DefaultPolicy,
		groupLocks:    make(map[ref.GroupID]*sync.Mutex),
	}
}

// lockGroup serializes mutations for one group. Locks are never
// discarded; the per-group cost is one mutex.
func (c *Controller) lockGroup(id ref.GroupID) func() {
	c.mu.Lock()
	lock, ok := c.groupLocks[id]
	if !ok {
		lock = new(sync.Mutex)
		c.groupLocks[id] = lock
	}
	c.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// CreateGroup registers a new group with the creator as its sole
// member. A zero-valued policy selects the configured defaults.
func (c *Controller) CreateGroup(id ref.GroupID, name string, creator ref.Fingerprint, creatorName string, policy Policy) (Group, error) {
	if policy.MaxMembers == 0 {
		policy = c.defaultPolicy
	}
	if policy.MaxMembers < 1 {
		return Group{}, &Error{
			Code:    CodePermissionDenied,
			Op:      "create group",
			Message: fmt.Sprintf("max_members must be at least 1, got %d", policy.MaxMembers),
		}
	}

	unlock := c.lockGroup(id)
	defer unlock()

	now := c.clock.Now()
	g := Group{
		ID:        id,
		Name:      name,
		Creator:   creator,
		CreatedAt: now,
		Policy:    policy,
	}
	creatorMembership := Membership{
		Group:    id,
		Member:   creator,
		Name:     creatorName,
		Role:     RoleCreator,
		JoinedAt: now,
	}
	if err := c.store.CreateGroup(g, creatorMembership); err != nil {
		return Group{}, err
	}

	c.logger.Info("group created",
		"group", id, "creator", creator.Short(), "max_members", policy.MaxMembers)
	return g, nil
}

// InviteRequest carries the parameters of an invitation.
type InviteRequest struct {
	Group       ref.GroupID
	Inviter     ref.Fingerprint
	Invitee     ref.Fingerprint
	InviteeName string
	Message     string

	// GrantsAdmin installs the invitee as admin on acceptance.
	// Creator and admin inviters only.
	GrantsAdmin bool
}

// Invite creates a pending invitation. The inviter must hold the
// invite capability; the invitee must not already be a member or hold
// an open invitation; members plus open invitations must stay within
// the group's cap. The caller encrypts and delivers the invitation
// payload — the controller only records it.
func (c *Controller) Invite(req InviteRequest) (Invitation, error) {
	unlock := c.lockGroup(req.Group)
	defer unlock()

	g, err := c.store.Group(req.Group)
	if err != nil {
		return Invitation{}, err
	}

	inviter, found, err := c.store.Membership(req.Group, req.Inviter)
	if err != nil {
		return Invitation{}, err
	}
	if !found || !inviter.Role.Allows(CapabilityInvite, g.Policy) {
		return Invitation{}, &Error{
			Code:    CodePermissionDenied,
			Op:      "invite",
			Message: fmt.Sprintf("%s may not invite to %q", req.Inviter.Short(), req.Group),
		}
	}
	if req.GrantsAdmin && !inviter.Role.Allows(CapabilityGrantAdmin, g.Policy) {
		return Invitation{}, &Error{
			Code:    CodePermissionDenied,
			Op:      "invite",
			Message: fmt.Sprintf("%s may not grant admin in %q", req.Inviter.Short(), req.Group),
		}
	}

	if _, isMember, err := c.store.Membership(req.Group, req.Invitee); err != nil {
		return Invitation{}, err
	} else if isMember {
		return Invitation{}, &Error{
			Code:    CodeAlreadyMember,
			Op:      "invite",
			Message: fmt.Sprintf("%s is already a member of %q", req.Invitee.Short(), req.Group),
		}
	}

	now := c.clock.Now()
	pending, err := c.store.PendingInvitations(req.Group)
	if err != nil {
		return Invitation{}, err
	}
	openCount := 0
	for _, inv := range pending {
		if inv.EffectiveStatus(now) != StatusPending {
			continue
		}
		if inv.Invitee == req.Invitee {
			return Invitation{}, &Error{
				Code:    CodeDuplicateInvitation,
				Op:      "invite",
				Message: fmt.Sprintf("a pending invitation for %s to %q already exists", req.Invitee.Short(), req.Group),
			}
		}
		openCount++
	}

	memberships, err := c.store.Memberships(req.Group)
	if err != nil {
		return Invitation{}, err
	}
	if len(memberships)+openCount >= g.Policy.MaxMembers {
		return Invitation{}, &Error{
			Code:    CodeGroupFull,
			Op:      "invite",
			Message: fmt.Sprintf("group %q is at capacity (%d members, %d open invitations, cap %d)", req.Group, len(memberships), openCount, g.Policy.MaxMembers),
		}
	}

	inv := Invitation{
		ID:          ref.NewInvitationID(),
		Group:       req.Group,
		GroupName:   g.Name,
		Inviter:     req.Inviter,
		InviterName: inviter.Name,
		Invitee:     req.Invitee,
		InviteeName: req.InviteeName,
		Message:     req.Message,
		GrantsAdmin: req.GrantsAdmin,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.ttl),
		Status:      StatusPending,
	}
	if err := c.store.PutInvitation(inv); err != nil {
		return Invitation{}, err
	}

	c.logger.Info("invitation created",
		"group", req.Group, "invitation_id", inv.ID,
		"inviter", req.Inviter.Short(), "invitee", req.Invitee.Short())
	return inv, nil
}

// Accept transitions a pending invitation to accepted and inserts the
// new membership in one step. The accepter must be the invitation's
// addressee; expiry is evaluated against the current time, and an
// invitation found expired here is persisted as such.
func (c *Controller) Accept(id ref.InvitationID, accepter ref.Fingerprint) (Membership, error) {
	inv, err := c.store.Invitation(id)
	if err != nil {
		return Membership{}, err
	}

	unlock := c.lockGroup(inv.Group)
	defer unlock()

	// Re-read under the group lock: the invitation may have been
	// resolved between the lookup and the lock.
	inv, err = c.store.Invitation(id)
	if err != nil {
		return Membership{}, err
	}

	now := c.clock.Now()
	if err := c.checkPending(inv, now, "accept"); err != nil {
		return Membership{}, err
	}
	if accepter != inv.Invitee {
		return Membership{}, &Error{
			Code:    CodeFingerprintMismatch,
			Op:      "accept",
			Message: fmt.Sprintf("invitation %s is addressed to %s, not %s", id, inv.Invitee.Short(), accepter.Short()),
		}
	}

	g, err := c.store.Group(inv.Group)
	if err != nil {
		return Membership{}, err
	}
	memberships, err := c.store.Memberships(inv.Group)
	if err != nil {
		return Membership{}, err
	}
	// The invitation reserved a slot, but the cap may have been
	// lowered since it was issued.
	if len(memberships) >= g.Policy.MaxMembers {
		return Membership{}, &Error{
			Code:    CodeGroupFull,
			Op:      "accept",
			Message: fmt.Sprintf("group %q is at capacity (%d, cap %d)", inv.Group, len(memberships), g.Policy.MaxMembers),
		}
	}

	role := RoleMember
	if inv.GrantsAdmin {
		role = RoleAdmin
	}
	membership := Membership{
		Group:     inv.Group,
		Member:    inv.Invitee,
		Name:      inv.InviteeName,
		Role:      role,
		JoinedAt:  now,
		InvitedBy: inv.Inviter,
	}

	inv.Status = StatusAccepted
	inv.RespondedAt = now
	if err := c.store.ResolveInvitation(inv, &membership); err != nil {
		return Membership{}, err
	}

	c.logger.Info("invitation accepted",
		"group", inv.Group, "invitation_id", id,
		"member", inv.Invitee.Short(), "role", role)
	return membership, nil
}

// Decline transitions a pending invitation to declined. Only the
// addressee may decline.
func (c *Controller) Decline(id ref.InvitationID, decliner ref.Fingerprint) error {
	inv, err := c.store.Invitation(id)
	if err != nil {
		return err
	}

	unlock := c.lockGroup(inv.Group)
	defer unlock()

	inv, err = c.store.Invitation(id)
	if err != nil {
		return err
	}

	now := c.clock.Now()
	if err := c.checkPending(inv, now, "decline"); err != nil {
		return err
	}
	if decliner != inv.Invitee {
		return &Error{
			Code:    CodeFingerprintMismatch,
			Op:      "decline",
			Message: fmt.Sprintf("invitation %s is addressed to %s, not %s", id, inv.Invitee.Short(), decliner.Short()),
		}
	}

	inv.Status = StatusDeclined
	inv.RespondedAt = now
	if err := c.store.ResolveInvitation(inv, nil); err != nil {
		return err
	}

	c.logger.Info("invitation declined", "group", inv.Group, "invitation_id", id)
	return nil
}

// Revoke withdraws a pending invitation. The revoker must be the
// group's creator, an admin, or the original inviter.
func (c *Controller) Revoke(id ref.InvitationID, revoker ref.Fingerprint) error {
	inv, err := c.store.Invitation(id)
	if err != nil {
		return err
	}

	unlock := c.lockGroup(inv.Group)
	defer unlock()

	inv, err = c.store.Invitation(id)
	if err != nil {
		return err
	}

	now := c.clock.Now()
	if err := c.checkPending(inv, now, "revoke"); err != nil {
		return err
	}

	if revoker != inv.Inviter {
		m, found, err := c.store.Membership(inv.Group, revoker)
		if err != nil {
			return err
		}
		if !found || (m.Role != RoleCreator && m.Role != RoleAdmin) {
			return &Error{
				Code:    CodePermissionDenied,
				Op:      "revoke",
				Message: fmt.Sprintf("%s may not revoke invitation %s", revoker.Short(), id),
			}
		}
	}

	inv.Status = StatusRevoked
	inv.RespondedAt = now
	if err := c.store.ResolveInvitation(inv, nil); err != nil {
		return err
	}

	c.logger.Info("invitation revoked",
		"group", inv.Group, "invitation_id", id, "revoker", revoker.Short())
	return nil
}

// checkPending rejects operations on invitations that already left the
// pending state. An invitation found expired here is persisted as
// expired before the error is returned, so later reads agree.
func (c *Controller) checkPending(inv Invitation, now time.Time, op string) error {
	switch inv.EffectiveStatus(now) {
	case StatusPending:
		return nil
	case StatusExpired:
		if inv.Status == StatusPending {
			inv.Status = StatusExpired
			inv.RespondedAt = now
			if err := c.store.ResolveInvitation(inv, nil); err != nil {
				c.logger.Warn("persisting lazy expiry failed",
					"invitation_id", inv.ID, "error", err)
			}
		}
		return &Error{
			Code:    CodeInvitationExpired,
			Op:      op,
			Message: fmt.Sprintf("invitation %s expired at %s", inv.ID, inv.ExpiresAt.Format(time.RFC3339)),
		}
	default:
		return &Error{
			Code:    CodeInvitationAlreadyResolved,
			Op:      op,
			Message: fmt.Sprintf("invitation %s is already %s", inv.ID, inv.Status),
		}
	}
}

// RemoveMember removes target from the group. The creator may remove
// anyone but itself; admins may remove plain members only. Removal
// revokes nothing retroactively — cryptographic exclusion requires a
// subsequent key rotation.
func (c *Controller) RemoveMember(g ref.GroupID, actor, target ref.Fingerprint) error {
	unlock := c.lockGroup(g)
	defer unlock()

	if _, err := c.store.Group(g); err != nil {
		return err
	}

	actorMembership, found, err := c.store.Membership(g, actor)
	if err != nil {
		return err
	}
	if !found {
		return &Error{
			Code:    CodePermissionDenied,
			Op:      "remove member",
			Message: fmt.Sprintf("%s is not a member of %q", actor.Short(), g),
		}
	}

	targetMembership, found, err := c.store.Membership(g, target)
	if err != nil {
		return err
	}
	if !found {
		return &Error{
			Code:    CodeTargetNotMember,
			Op:      "remove member",
			Message: fmt.Sprintf("%s is not a member of %q", target.Short(), g),
		}
	}

	if actor == target || !actorMembership.Role.CanRemove(targetMembership.Role) {
		return &Error{
			Code:    CodePermissionDenied,
			Op:      "remove member",
			Message: fmt.Sprintf("%s (%s) may not remove %s (%s)", actor.Short(), actorMembership.Role, target.Short(), targetMembership.Role),
		}
	}

	if err := c.store.DeleteMembership(g, target); err != nil {
		return err
	}

	c.logger.Info("member removed",
		"group", g, "actor", actor.Short(), "member", target.Short())
	return nil
}

// SetRole changes target's role to member or admin. Creator only; the
// creator role itself is never assigned or revoked.
func (c *Controller) SetRole(g ref.GroupID, actor, target ref.Fingerprint, newRole Role) error {
	unlock := c.lockGroup(g)
	defer unlock()

	grp, err := c.store.Group(g)
	if err != nil {
		return err
	}

	actorMembership, found, err := c.store.Membership(g, actor)
	if err != nil {
		return err
	}
	if !found || !actorMembership.Role.Allows(CapabilityChangeSettings, grp.Policy) {
		return &Error{
			Code:    CodePermissionDenied,
			Op:      "set role",
			Message: fmt.Sprintf("%s may not change roles in %q", actor.Short(), g),
		}
	}
	if newRole != RoleMember && newRole != RoleAdmin {
		return &Error{
			Code:    CodePermissionDenied,
			Op:      "set role",
			Message: fmt.Sprintf("role %s cannot be assigned", newRole),
		}
	}
	if target == grp.Creator {
		return &Error{
			Code:    CodePermissionDenied,
			Op:      "set role",
			Message: "the creator's role cannot be changed",
		}
	}

	targetMembership, found, err := c.store.Membership(g, target)
	if err != nil {
		return err
	}
	if !found {
		return &Error{
			Code:    CodeTargetNotMember,
			Op:      "set role",
			Message: fmt.Sprintf("%s is not a member of %q", target.Short(), g),
		}
	}

	targetMembership.Role = newRole
	if err := c.store.PutMembership(targetMembership); err != nil {
		return err
	}

	c.logger.Info("role changed",
		"group", g, "member", target.Short(), "role", newRole)
	return nil
}

// UpdatePolicy replaces the group's policy. Creator only.
func (c *Controller) UpdatePolicy(g ref.GroupID, actor ref.Fingerprint, policy Policy) (Group, error) {
	unlock := c.lockGroup(g)
	defer unlock()

	grp, err := c.store.Group(g)
	if err != nil {
		return Group{}, err
	}

	actorMembership, found, err := c.store.Membership(g, actor)
	if err != nil {
		return Group{}, err
	}
	if !found || !actorMembership.Role.Allows(CapabilityChangeSettings, grp.Policy) {
		return Group{}, &Error{
			Code:    CodePermissionDenied,
			Op:      "update policy",
			Message: fmt.Sprintf("%s may not change settings of %q", actor.Short(), g),
		}
	}
	if policy.MaxMembers < 1 {
		return Group{}, &Error{
			Code:    CodePermissionDenied,
			Op:      "update policy",
			Message: fmt.Sprintf("max_members must be at least 1, got %d", policy.MaxMembers),
		}
	}

	grp.Policy = policy
	if err := c.store.UpdateGroup(grp); err != nil {
		return Group{}, err
	}

	c.logger.Info("policy updated", "group", g, "max_members", policy.MaxMembers)
	return grp, nil
}

// DeleteGroup removes the group with all memberships and invitations.
// Creator only.
func (c *Controller) DeleteGroup(g ref.GroupID, actor ref.Fingerprint) error {
	unlock := c.lockGroup(g)
	defer unlock()

	grp, err := c.store.Group(g)
	if err != nil {
		return err
	}
	if actor != grp.Creator {
		return &Error{
			Code:    CodePermissionDenied,
			Op:      "delete group",
			Message: fmt.Sprintf("%s is not the creator of %q", actor.Short(), g),
		}
	}

	if err := c.store.DeleteGroup(g); err != nil {
		return err
	}

	c.logger.Info("group deleted", "group", g)
	return nil
}

// RecordKeyVersion records that a new key version was minted for the
// group. The actor must hold a role that may rotate (creator or
// admin), and versions only move forward.
func (c *Controller) RecordKeyVersion(g ref.GroupID, actor ref.Fingerprint, version ref.KeyVersion) error {
	unlock := c.lockGroup(g)
	defer unlock()

	grp, err := c.store.Group(g)
	if err != nil {
		return err
	}

	actorMembership, found, err := c.store.Membership(g, actor)
	if err != nil {
		return err
	}
	if !found || (actorMembership.Role != RoleCreator && actorMembership.Role != RoleAdmin) {
		return &Error{
			Code:    CodePermissionDenied,
			Op:      "record key version",
			Message: fmt.Sprintf("%s may not rotate keys for %q", actor.Short(), g),
		}
	}
	if version <= grp.CurrentVersion {
		return &Error{
			Code:    CodePermissionDenied,
			Op:      "record key version",
			Message: fmt.Sprintf("version %s does not advance current %s", version, grp.CurrentVersion),
		}
	}

	grp.CurrentVersion = version
	return c.store.UpdateGroup(grp)
}

// CanAccess is the pure authorization predicate the receive path uses
// to gate decryption attempts: whether fp currently holds any
// membership in the group. Errors read as no access.
func (c *Controller) CanAccess(g ref.GroupID, fp ref.Fingerprint) bool {
	_, found, err := c.store.Membership(g, fp)
	return err == nil && found
}

// Group returns a group's metadata record.
func (c *Controller) Group(id ref.GroupID) (Group, error) {
	return c.store.Group(id)
}

// Membership returns fp's membership in the group, failing with
// CodeTargetNotMember when there is none.
func (c *Controller) Membership(g ref.GroupID, fp ref.Fingerprint) (Membership, error) {
	m, found, err := c.store.Membership(g, fp)
	if err != nil {
		return Membership{}, err
	}
	if !found {
		return Membership{}, &Error{
			Code:    CodeTargetNotMember,
			Op:      "membership",
			Message: fmt.Sprintf("%s is not a member of %q", fp.Short(), g),
		}
	}
	return m, nil
}

// Members lists a group's memberships. The caller must itself be a
// member.
func (c *Controller) Members(g ref.GroupID, caller ref.Fingerprint) ([]Membership, error) {
	if _, err := c.store.Group(g); err != nil {
		return nil, err
	}
	if !c.CanAccess(g, caller) {
		return nil, &Error{
			Code:    CodePermissionDenied,
			Op:      "members",
			Message: fmt.Sprintf("%s is not a member of %q", caller.Short(), g),
		}
	}
	return c.store.Memberships(g)
}

// Invitation returns an invitation with lazy expiry applied to the
// reported status.
func (c *Controller) Invitation(id ref.InvitationID) (Invitation, error) {
	inv, err := c.store.Invitation(id)
	if err != nil {
		return Invitation{}, err
	}
	inv.Status = inv.EffectiveStatus(c.clock.Now())
	return inv, nil
}

// PendingInvitations lists a group's open invitations. The caller
// must be its creator or an admin.
func (c *Controller) PendingInvitations(g ref.GroupID, caller ref.Fingerprint) ([]Invitation, error) {
	if _, err := c.store.Group(g); err != nil {
		return nil, err
	}
	m, found, err := c.store.Membership(g, caller)
	if err != nil {
		return nil, err
	}
	if !found || (m.Role != RoleCreator && m.Role != RoleAdmin) {
		return nil, &Error{
			Code:    CodePermissionDenied,
			Op:      "pending invitations",
			Message: fmt.Sprintf("%s may not list invitations of %q", caller.Short(), g),
		}
	}

	pending, err := c.store.PendingInvitations(g)
	if err != nil {
		return nil, err
	}
	return c.filterOpen(pending), nil
}

// PendingInvitationsFor lists the open invitations addressed to one
// identity across all groups.
func (c *Controller) PendingInvitationsFor(invitee ref.Fingerprint) ([]Invitation, error) {
	pending, err := c.store.PendingInvitationsFor(invitee)
	if err != nil {
		return nil, err
	}
	return c.filterOpen(pending), nil
}

// filterOpen drops invitations that read as expired under lazy
// evaluation without persisting the flip (that is the sweep's job).
func (c *Controller) filterOpen(invitations []Invitation) []Invitation {
	now := c.clock.Now()
	open := invitations[:0]
	for _, inv := range invitations {
		if inv.EffectiveStatus(now) == StatusPending {
			open = append(open, inv)
		}
	}
	return open
}

// SweepExpired flips every overdue pending invitation to expired.
// Optional housekeeping — lazy evaluation already treats them as
// expired everywhere it matters.
func (c *Controller) SweepExpired() (int, error) {
	flipped, err := c.store.SweepExpired(c.clock.Now())
	if err != nil {
		return 0, err
	}
	if flipped > 0 {
		c.logger.Info("expired invitations swept", "count", flipped)
	}
	return flipped, nil
}
