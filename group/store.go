// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

package group

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/conclave-im/conclave/lib/ref"
)

// Store persists group, membership, and invitation records. The
// Controller is the only writer; implementations provide atomicity per
// call (a multi-record method commits fully or not at all) and leave
// all permission and state-machine checks to the Controller.
//
// Lookups that miss return typed errors (CodeGroupNotFound,
// CodeInvitationNotFound); Membership instead reports absence through
// its found flag because absence is an ordinary outcome there.
type Store interface {
	// CreateGroup inserts a group and its creator membership in one
	// transaction. Fails with CodeDuplicateGroup on an ID collision.
	CreateGroup(g Group, creator Membership) error

	// Group returns a group by ID.
	Group(id ref.GroupID) (Group, error)

	// UpdateGroup overwrites a group's mutable fields (policy and
	// current key version).
	UpdateGroup(g Group) error

	// DeleteGroup removes the group with all its memberships and
	// invitations.
	DeleteGroup(id ref.GroupID) error

	// Membership returns the membership for (group, member). The
	// found flag is false when no such membership exists.
	Membership(g ref.GroupID, member ref.Fingerprint) (Membership, bool, error)

	// Memberships returns all memberships of a group, ordered by join
	// time.
	Memberships(g ref.GroupID) ([]Membership, error)

	// PutMembership inserts or overwrites a membership.
	PutMembership(m Membership) error

	// DeleteMembership removes one membership.
	DeleteMembership(g ref.GroupID, member ref.Fingerprint) error

	// PutInvitation inserts a new invitation.
	PutInvitation(inv Invitation) error

	// Invitation returns an invitation by ID.
	Invitation(id ref.InvitationID) (Invitation, error)

	// ResolveInvitation overwrites the invitation (now in a terminal
	// status) and, when membership is non-nil, inserts the membership
	// in the same transaction.
	ResolveInvitation(inv Invitation, membership *Membership) error

	// PendingInvitations returns a group's pending invitations. The
	// stored status is returned as-is; expiry is the caller's lazy
	// evaluation.
	PendingInvitations(g ref.GroupID) ([]Invitation, error)

	// PendingInvitationsFor returns pending invitations addressed to
	// one invitee across all groups.
	PendingInvitationsFor(invitee ref.Fingerprint) ([]Invitation, error)

	// SweepExpired flips every pending invitation whose deadline has
	// passed to expired, stamping respondedAt = now. Returns the
	// number of rows flipped.
	SweepExpired(now time.Time) (int, error)
}

// MemoryStore is the in-process Store, used when no storage path is
// configured and throughout the tests. Safe for concurrent use.
type MemoryStore struct {
	mu          sync.Mutex
	groups      map[ref.GroupID]Group
	members     map[ref.GroupID]map[ref.Fingerprint]Membership
	invitations map[ref.InvitationID]Invitation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups:      make(map[ref.GroupID]Group),
		members:     make(map[ref.GroupID]map[ref.Fingerprint]Membership),
		invitations: make(map[ref.InvitationID]Invitation),
	}
}

func (s *MemoryStore) CreateGroup(g Group, creator Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groups[g.ID]; exists {
		return &Error{
			Code:    CodeDuplicateGroup,
			Op:      "create group",
			Message: fmt.Sprintf("group %q already exists", g.ID),
		}
	}
	s.groups[g.ID] = g
	s.members[g.ID] = map[ref.Fingerprint]Membership{creator.Member: creator}
	return nil
}

func (s *MemoryStore) Group(id ref.GroupID) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]
	if !ok {
		return Group{}, &Error{
			Code:    CodeGroupNotFound,
			Op:      "load group",
			Message: fmt.Sprintf("group %q does not exist", id),
		}
	}
	return g, nil
}

func (s *MemoryStore) UpdateGroup(g Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[g.ID]; !ok {
		return &Error{
			Code:    CodeGroupNotFound,
			Op:      "update group",
			Message: fmt.Sprintf("group %q does not exist", g.ID),
		}
	}
	s.groups[g.ID] = g
	return nil
}

func (s *MemoryStore) DeleteGroup(id ref.GroupID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.groups, id)
	delete(s.members, id)
	for invitationID, inv := range s.invitations {
		if inv.Group == id {
			delete(s.invitations, invitationID)
		}
	}
	return nil
}

func (s *MemoryStore) Membership(g ref.GroupID, member ref.Fingerprint) (Membership, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[g][member]
	return m, ok, nil
}

func (s *MemoryStore) Memberships(g ref.GroupID) ([]Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	memberships := make([]Membership, 0, len(s.members[g]))
	for _, m := range s.members[g] {
		memberships = append(memberships, m)
	}
	sort.Slice(memberships, func(i, j int) bool {
		if !memberships[i].JoinedAt.Equal(memberships[j].JoinedAt) {
			return memberships[i].JoinedAt.Before(memberships[j].JoinedAt)
		}
		return memberships[i].Member.String() < memberships[j].Member.String()
	})
	return memberships, nil
}

func (s *MemoryStore) PutMembership(m Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.members[m.Group] == nil {
		s.members[m.Group] = make(map[ref.Fingerprint]Membership)
	}
	s.members[m.Group][m.Member] = m
	return nil
}

func (s *MemoryStore) DeleteMembership(g ref.GroupID, member ref.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.members[g], member)
	return nil
}

func (s *MemoryStore) PutInvitation(inv Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invitations[inv.ID] = inv
	return nil
}

func (s *MemoryStore) Invitation(id ref.InvitationID) (Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invitations[id]
	if !ok {
		return Invitation{}, &Error{
			Code:    CodeInvitationNotFound,
			Op:      "load invitation",
			Message: fmt.Sprintf("invitation %s does not exist", id),
		}
	}
	return inv, nil
}

func (s *MemoryStore) ResolveInvitation(inv Invitation, membership *Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.invitations[inv.ID]; !ok {
		return &Error{
			Code:    CodeInvitationNotFound,
			Op:      "resolve invitation",
			Message: fmt.Sprintf("invitation %s does not exist", inv.ID),
		}
	}
	s.invitations[inv.ID] = inv
	if membership != nil {
		if s.members[membership.Group] == nil {
			s.members[membership.Group] = make(map[ref.Fingerprint]Membership)
		}
		s.members[membership.Group][membership.Member] = *membership
	}
	return nil
}

func (s *MemoryStore) PendingInvitations(g ref.GroupID) ([]Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []Invitation
	for _, inv := range s.invitations {
		if inv.Group == g && inv.Status == StatusPending {
			pending = append(pending, inv)
		}
	}
	sortInvitations(pending)
	return pending, nil
}

func (s *MemoryStore) PendingInvitationsFor(invitee ref.Fingerprint) ([]Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []Invitation
	for _, inv := range s.invitations {
		if inv.Invitee == invitee && inv.Status == StatusPending {
			pending = append(pending, inv)
		}
	}
	sortInvitations(pending)
	return pending, nil
}

func (s *MemoryStore) SweepExpired(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flipped := 0
	for id, inv := range s.invitations {
		if inv.Status == StatusPending && now.After(inv.ExpiresAt) {
			inv.Status = StatusExpired
			inv.RespondedAt = now
			s.invitations[id] = inv
			flipped++
		}
	}
	return flipped, nil
}

func sortInvitations(invitations []Invitation) {
	sort.Slice(invitations, func(i, j int) bool {
		if !invitations[i].CreatedAt.Equal(invitations[j].CreatedAt) {
			return invitations[i].CreatedAt.Before(invitations[j].CreatedAt)
		}
		return invitations[i].ID.String() < invitations[j].ID.String()
	})
}
