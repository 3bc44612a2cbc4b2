// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

package group

import (
	"testing"
	"time"

	"github.com/conclave-im/conclave/lib/clock"
	"github.com/conclave-im/conclave/lib/ref"
)

func fp(t *testing.T, tag byte) ref.Fingerprint {
	t.Helper()
	var digest [ref.FingerprintSize]byte
	digest[0] = tag
	return ref.NewFingerprint(digest)
}

func gid(t *testing.T, id string) ref.GroupID {
	t.Helper()
	groupID, err := ref.NewGroupID(id)
	if err != nil {
		t.Fatalf("NewGroupID(%q) error: %v", id, err)
	}
	return groupID
}

type fixture struct {
	controller *Controller
	clock      *clock.FakeClock
	group      ref.GroupID
	creator    ref.Fingerprint
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	fakeClock := clock.Fake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	controller := NewController(NewMemoryStore(), Options{Clock: fakeClock})

	f := &fixture{
		controller: controller,
		clock:      fakeClock,
		group:      gid(t, "alpha"),
		creator:    fp(t, 0xc0),
	}
	if _, err := controller.CreateGroup(f.group, "Alpha", f.creator, "creator", policy); err != nil {
		t.Fatalf("CreateGroup() error: %v", err)
	}
	return f
}

// join shortcuts the invite/accept handshake for test setup.
func (f *fixture) join(t *testing.T, member ref.Fingerprint, name string, admin bool) {
	t.Helper()
	inv, err := f.controller.Invite(InviteRequest{
		Group:       f.group,
		Inviter:     f.creator,
		Invitee:     member,
		InviteeName: name,
		GrantsAdmin: admin,
	})
	if err != nil {
		t.Fatalf("Invite(%s) error: %v", name, err)
	}
	if _, err := f.controller.Accept(inv.ID, member); err != nil {
		t.Fatalf("Accept(%s) error: %v", name, err)
	}
}

func TestCreateGroup_Duplicate(t *testing.T) {
	f := newFixture(t, Policy{MaxMembers: 5})
	_, err := f.controller.CreateGroup(f.group, "Alpha again", fp(t, 0x01), "other", Policy{MaxMembers: 5})
	if !IsCode(err, CodeDuplicateGroup) {
		t.Errorf("err = %v, want CodeDuplicateGroup", err)
	}
}

func TestInvite_PermissionMatrix(t *testing.T) {
	f := newFixture(t, Policy{MaxMembers: 10, AllowMemberInvites: false})
	member := fp(t, 0x01)
	f.join(t, member, "m1", false)

	// Non-member cannot invite.
	_, err := f.controller.Invite(InviteRequest{Group: f.group, Inviter: fp(t, 0x99), Invitee: fp(t, 0x02)})
	if !IsCode(err, CodePermissionDenied) {
		t.Errorf("non-member invite: err = %v, want CodePermissionDenied", err)
	}

	// Member cannot invite under a closed policy.
	_, err = f.controller.Invite(InviteRequest{Group: f.group, Inviter: member, Invitee: fp(t, 0x02)})
	if !IsCode(err, CodePermissionDenied) {
		t.Errorf("member invite: err = %v, want CodePermissionDenied", err)
	}

	// Opening the policy lets the member invite.
	if _, err := f.controller.UpdatePolicy(f.group, f.creator, Policy{MaxMembers: 10, AllowMemberInvites: true}); err != nil {
		t.Fatalf("UpdatePolicy() error: %v", err)
	}
	if _, err := f.controller.Invite(InviteRequest{Group: f.group, Inviter: member, Invitee: fp(t, 0x02)}); err != nil {
		t.Errorf("member invite under open policy: %v", err)
	}

	// But still cannot grant admin.
	_, err = f.controller.Invite(InviteRequest{Group: f.group, Inviter: member, Invitee: fp(t, 0x03), GrantsAdmin: true})
	if !IsCode(err, CodePermissionDenied) {
		t.Errorf("member grants admin: err = %v, want CodePermissionDenied", err)
	}
}

func TestInvite_DuplicatePending(t *testing.T) {
	f := newFixture(t, Policy{MaxMembers: 10})
	invitee := fp(t, 0x01)

	if _, err := f.controller.Invite(InviteRequest{Group: f.group, Inviter: f.creator, Invitee: invitee}); err != nil {
		t.Fatalf("first Invite() error: %v", err)
	}
	_, err := f.controller.Invite(InviteRequest{Group: f.group, Inviter: f.creator, Invitee: invitee})
	if !IsCode(err, CodeDuplicateInvitation) {
		t.Errorf("err = %v, want CodeDuplicateInvitation", err)
	}

	// An expired invitation no longer blocks a fresh one.
	f.clock.Advance(DefaultInvitationTTL + time.Minute)
	if _, err := f.controller.Invite(InviteRequest{Group: f.group, Inviter: f.creator, Invitee: invitee}); err != nil {
		t.Errorf("invite after expiry: %v", err)
	}
}

func TestInvite_AlreadyMember(t *testing.T) {
	f := newFixture(t, Policy{MaxMembers: 10})
	member := fp(t, 0x01)
	f.join(t, member, "m1", false)

	_, err := f.controller.Invite(InviteRequest{Group: f.group, Inviter: f.creator, Invitee: member})
	if !IsCode(err, CodeAlreadyMember) {
		t.Errorf("err = %v, want CodeAlreadyMember", err)
	}
}

func TestInvite_Capacity(t *testing.T) {
	f := newFixture(t, Policy{MaxMembers: 3})
	f.join(t, fp(t, 0x01), "m1", false)

	// Two members plus one open invitation fill the cap of three.
	if _, err := f.controller.Invite(InviteRequest{Group: f.group, Inviter: f.creator, Invitee: fp(t, 0x02)}); err != nil {
		t.Fatalf("Invite() error: %v", err)
	}
	_, err := f.controller.Invite(InviteRequest{Group: f.group, Inviter: f.creator, Invitee: fp(t, 0x03)})
	if !IsCode(err, CodeGroupFull) {
		t.Errorf("err = %v, want CodeGroupFull", err)
	}
}

func TestAccept(t *testing.T) {
	f := newFixture(t, Policy{MaxMembers: 10})
	invitee := fp(t, 0x01)
	inv, err := f.controller.Invite(InviteRequest{
		Group: f.group, Inviter: f.creator, Invitee: invitee, InviteeName: "m1",
	})
	if err != nil {
		t.Fatalf("Invite() error: %v", err)
	}

	// The wrong fingerprint is rejected and the invitation stays open.
	if _, err := f.controller.Accept(inv.ID, fp(t, 0x99)); !IsCode(err, CodeFingerprintMismatch) {
		t.Errorf("err = %v, want CodeFingerprintMismatch", err)
	}
	stored, err := f.controller.Invitation(inv.ID)
	if err != nil {
		t.Fatalf("Invitation() error: %v", err)
	}
	if stored.Status != StatusPending {
		t.Errorf("status after mismatch = %s, want pending", stored.Status)
	}

	membership, err := f.controller.Accept(inv.ID, invitee)
	if err != nil {
		t.Fatalf("Accept() error: %v", err)
	}
	if membership.Role != RoleMember {
		t.Errorf("role = %s, want member", membership.Role)
	}
	if membership.InvitedBy != f.creator {
		t.Errorf("invited_by = %s, want creator", membership.InvitedBy.Short())
	}
	if !f.controller.CanAccess(f.group, invitee) {
		t.Error("accepted member should have access")
	}

	// Terminal: a second accept fails.
	if _, err := f.controller.Accept(inv.ID, invitee); !IsCode(err, CodeInvitationAlreadyResolved) {
		t.Errorf("second accept: err = %v, want CodeInvitationAlreadyResolved", err)
	}
}

func TestAccept_Expired(t *testing.T) {
	f := newFixture(t, Policy{MaxMembers: 10})
	invitee := fp(t, 0x01)
	inv, err := f.controller.Invite(InviteRequest{Group: f.group, Inviter: f.creator, Invitee: invitee})
	if err != nil {
		t.Fatalf("Invite() error: %v", err)
	}

	f.clock.Advance(DefaultInvitationTTL + time.Second)

	if _, err := f.controller.Accept(inv.ID, invitee); !IsCode(err, CodeInvitationExpired) {
		t.Errorf("err = %v, want CodeInvitationExpired", err)
	}
	if f.controller.CanAccess(f.group, invitee) {
		t.Error("expired invitation must not grant membership")
	}
	// The lazy flip was persisted.
	stored, err := f.controller.Invitation(inv.ID)
	if err != nil {
		t.Fatalf("Invitation() error: %v", err)
	}
	if stored.Status != StatusExpired {
		t.Errorf("stored status = %s, want expired", stored.Status)
	}
}

func TestAccept_GrantsAdmin(t *testing.T) {
	f := newFixture(t, Policy{MaxMembers: 10})
	invitee := fp(t, 0x01)
	inv, err := f.controller.Invite(InviteRequest{
		Group: f.group, Inviter: f.creator, Invitee: invitee, GrantsAdmin: true,
	})
	if err != nil {
		t.Fatalf("Invite() error: %v", err)
	}
	membership, err := f.controller.Accept(inv.ID, invitee)
	if err != nil {
		t.Fatalf("Accept() error: %v", err)
	}
	if membership.Role != RoleAdmin {
		t.Errorf("role = %s, want admin", membership.Role)
	}
}

func TestAccept_NotFound(t *testing.T) {
	f := newFixture(t, Policy{MaxMembers: 10})
	if _, err := f.controller.Accept(ref.NewInvitationID(), f.creator); !IsCode(err, CodeInvitationNotFound) {
		t.Errorf("err = %v, want CodeInvitationNotFound", err)
	}
}

func TestDecline(t *testing.T) {
	f := newFixture(t, Policy{MaxMembers: 10})
	invitee := fp(t, 0x01)
	inv, err := f.controller.Invite(InviteRequest{Group: f.group, Inviter: f.creator, Invitee: invitee})
	if err != nil {
		t.Fatalf("Invite() error: %v", err)
	}

	if err := f.controller.Decline(inv.ID, fp(t, 0x99)); !IsCode(err, CodeFingerprintMismatch) {
		t.Errorf("wrong decliner: err = %v, want CodeFingerprintMismatch", err)
	}
	if err := f.controller.Decline(inv.ID, invitee); err != nil {
		t.Fatalf("Decline() error: %v", err)
	}
	if f.controller.CanAccess(f.group, invitee) {
		t.Error("declined invitee must not be a member")
	}
	if _, err := f.controller.Accept(inv.ID, invitee); !IsCode(err, CodeInvitationAlreadyResolved) {
		t.Errorf("accept after decline: err = %v, want CodeInvitationAlreadyResolved", err)
	}
}

func TestRevoke(t *testing.T) {
	f := newFixture(t, Policy{MaxMembers: 10, AllowMemberInvites: true})
	member := fp(t, 0x01)
	admin := fp(t, 0x02)
	f.join(t, member, "m1", false)
	f.join(t, admin, "a1", true)

	inv, err := f.controller.Invite(InviteRequest{Group: f.group, Inviter: member, Invitee: fp(t, 0x03)})
	if err != nil {
		t.Fatalf("Invite() error: %v", err)
	}

	// An unrelated member may not revoke.
	other := fp(t, 0x04)
	f.join(t, other, "m2", false)
	if err := f.controller.Revoke(inv.ID, other); !IsCode(err, CodePermissionDenied) {
		t.Errorf("member revoke: err = %v, want CodePermissionDenied", err)
	}

	// An admin may.
	if err := f.controller.Revoke(inv.ID, admin); err != nil {
		t.Fatalf("admin Revoke() error: %v", err)
	}

	// The original inviter may revoke their own invitation.
	inv2, err := f.controller.Invite(InviteRequest{Group: f.group, Inviter: member, Invitee: fp(t, 0x05)})
	if err != nil {
		t.Fatalf("Invite() error: %v", err)
	}
	if err := f.controller.Revoke(inv2.ID, member); err != nil {
		t.Errorf("inviter Revoke() error: %v", err)
	}
}

func TestRemoveMember(t *testing.T) {
	f := newFixture(t, Policy{MaxMembers: 10})
	admin := fp(t, 0x01)
	admin2 := fp(t, 0x02)
	member := fp(t, 0x03)
	f.join(t, admin, "a1", true)
	f.join(t, admin2, "a2", true)
	f.join(t, member, "m1", false)

	// Member cannot remove anyone.
	if err := f.controller.RemoveMember(f.group, member, admin); !IsCode(err, CodePermissionDenied) {
		t.Errorf("member removes admin: err = %v, want CodePermissionDenied", err)
	}
	// Admin cannot remove another admin or the creator.
	if err := f.controller.RemoveMember(f.group, admin, admin2); !IsCode(err, CodePermissionDenied) {
		t.Errorf("admin removes admin: err = %v, want CodePermissionDenied", err)
	}
	if err := f.controller.RemoveMember(f.group, admin, f.creator); !IsCode(err, CodePermissionDenied) {
		t.Errorf("admin removes creator: err = %v, want CodePermissionDenied", err)
	}
	// Admin removes a plain member.
	if err := f.controller.RemoveMember(f.group, admin, member); err != nil {
		t.Fatalf("admin RemoveMember() error: %v", err)
	}
	if f.controller.CanAccess(f.group, member) {
		t.Error("removed member retains access")
	}
	// Creator removes an admin, but never itself.
	if err := f.controller.RemoveMember(f.group, f.creator, admin2); err != nil {
		t.Fatalf("creator RemoveMember() error: %v", err)
	}
	if err := f.controller.RemoveMember(f.group, f.creator, f.creator); !IsCode(err, CodePermissionDenied) {
		t.Errorf("creator removes self: err = %v, want CodePermissionDenied", err)
	}
	// Absent target.
	if err := f.controller.RemoveMember(f.group, f.creator, fp(t, 0x77)); !IsCode(err, CodeTargetNotMember) {
		t.Errorf("err = %v, want CodeTargetNotMember", err)
	}
}

func TestSetRole(t *testing.T) {
	f := newFixture(t, Policy{MaxMembers: 10})
	admin := fp(t, 0x01)
	member := fp(t, 0x02)
	f.join(t, admin, "a1", true)
	f.join(t, member, "m1", false)

	// Creator promotes a member.
	if err := f.controller.SetRole(f.group, f.creator, member, RoleAdmin); err != nil {
		t.Fatalf("SetRole() error: %v", err)
	}
	m, err := f.controller.Membership(f.group, member)
	if err != nil {
		t.Fatalf("Membership() error: %v", err)
	}
	if m.Role != RoleAdmin {
		t.Errorf("role = %s, want admin", m.Role)
	}

	// Admins may not change roles.
	if err := f.controller.SetRole(f.group, admin, member, RoleMember); !IsCode(err, CodePermissionDenied) {
		t.Errorf("admin SetRole: err = %v, want CodePermissionDenied", err)
	}
	// The creator role is never assigned or revoked.
	if err := f.controller.SetRole(f.group, f.creator, member, RoleCreator); !IsCode(err, CodePermissionDenied) {
		t.Errorf("assign creator: err = %v, want CodePermissionDenied", err)
	}
	if err := f.controller.SetRole(f.group, f.creator, f.creator, RoleAdmin); !IsCode(err, CodePermissionDenied) {
		t.Errorf("demote creator: err = %v, want CodePermissionDenied", err)
	}
}

// TestSingleCreatorInvariant drives a mixed sequence of role changes
// and removals and checks the one-creator invariant after each step.
func TestSingleCreatorInvariant(t *testing.T) {
	f := newFixture(t, Policy{MaxMembers: 10})
	a := fp(t, 0x01)
	b := fp(t, 0x02)
	f.join(t, a, "a", true)
	f.join(t, b, "b", false)

	countCreators := func() int {
		members, err := f.controller.Members(f.group, f.creator)
		if err != nil {
			t.Fatalf("Members() error: %v", err)
		}
		creators := 0
		for _, m := range members {
			if m.Role == RoleCreator {
				creators++
			}
		}
		return creators
	}

	steps := []func() error{
		func() error { return f.controller.SetRole(f.group, f.creator, b, RoleAdmin) },
		func() error { return f.controller.SetRole(f.group, f.creator, a, RoleMember) },
		func() error { return f.controller.RemoveMember(f.group, f.creator, a) },
		func() error { return f.controller.SetRole(f.group, f.creator, b, RoleMember) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d error: %v", i, err)
		}
		if creators := countCreators(); creators != 1 {
			t.Fatalf("step %d: %d creators, want exactly 1", i, creators)
		}
	}
}

func TestPendingInvitations(t *testing.T) {
	f := newFixture(t, Policy{MaxMembers: 10})
	member := fp(t, 0x01)
	f.join(t, member, "m1", false)

	invitee := fp(t, 0x02)
	if _, err := f.controller.Invite(InviteRequest{Group: f.group, Inviter: f.creator, Invitee: invitee}); err != nil {
		t.Fatalf("Invite() error: %v", err)
	}

	pending, err := f.controller.PendingInvitations(f.group, f.creator)
	if err != nil {
		t.Fatalf("PendingInvitations() error: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("len(pending) = %d, want 1", len(pending))
	}
	if _, err := f.controller.PendingInvitations(f.group, member); !IsCode(err, CodePermissionDenied) {
		t.Errorf("member listing: err = %v, want CodePermissionDenied", err)
	}

	forInvitee, err := f.controller.PendingInvitationsFor(invitee)
	if err != nil {
		t.Fatalf("PendingInvitationsFor() error: %v", err)
	}
	if len(forInvitee) != 1 {
		t.Fatalf("len(forInvitee) = %d, want 1", len(forInvitee))
	}

	// Expired invitations drop out of the listings.
	f.clock.Advance(DefaultInvitationTTL + time.Second)
	pending, err = f.controller.PendingInvitations(f.group, f.creator)
	if err != nil {
		t.Fatalf("PendingInvitations() error: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("len(pending) after expiry = %d, want 0", len(pending))
	}
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t, Policy{MaxMembers: 10})
	if _, err := f.controller.Invite(InviteRequest{Group: f.group, Inviter: f.creator, Invitee: fp(t, 0x01)}); err != nil {
		t.Fatalf("Invite() error: %v", err)
	}
	f.clock.Advance(time.Hour)
	fresh, err := f.controller.Invite(InviteRequest{Group: f.group, Inviter: f.creator, Invitee: fp(t, 0x02)})
	if err != nil {
		t.Fatalf("Invite() error: %v", err)
	}

	// Only the first invitation crosses its deadline.
	f.clock.Advance(DefaultInvitationTTL - 30*time.Minute)
	flipped, err := f.controller.SweepExpired()
	if err != nil {
		t.Fatalf("SweepExpired() error: %v", err)
	}
	if flipped != 1 {
		t.Errorf("flipped = %d, want 1", flipped)
	}
	stored, err := f.controller.Invitation(fresh.ID)
	if err != nil {
		t.Fatalf("Invitation() error: %v", err)
	}
	if stored.Status != StatusPending {
		t.Errorf("fresh invitation status = %s, want pending", stored.Status)
	}
}

func TestDeleteGroup(t *testing.T) {
	f := newFixture(t, Policy{MaxMembers: 10})
	member := fp(t, 0x01)
	f.join(t, member, "m1", false)

	if err := f.controller.DeleteGroup(f.group, member); !IsCode(err, CodePermissionDenied) {
		t.Errorf("member delete: err = %v, want CodePermissionDenied", err)
	}
	if err := f.controller.DeleteGroup(f.group, f.creator); err != nil {
		t.Fatalf("DeleteGroup() error: %v", err)
	}
	if _, err := f.controller.Group(f.group); !IsCode(err, CodeGroupNotFound) {
		t.Errorf("err = %v, want CodeGroupNotFound", err)
	}
	if f.controller.CanAccess(f.group, member) {
		t.Error("deleted group must grant no access")
	}
}

func TestRecordKeyVersion(t *testing.T) {
	f := newFixture(t, Policy{MaxMembers: 10})
	member := fp(t, 0x01)
	f.join(t, member, "m1", false)

	if err := f.controller.RecordKeyVersion(f.group, f.creator, ref.FirstKeyVersion); err != nil {
		t.Fatalf("RecordKeyVersion() error: %v", err)
	}
	g, err := f.controller.Group(f.group)
	if err != nil {
		t.Fatalf("Group() error: %v", err)
	}
	if g.CurrentVersion != ref.FirstKeyVersion {
		t.Errorf("current version = %s, want v1", g.CurrentVersion)
	}

	// Versions only advance, and members may not rotate.
	if err := f.controller.RecordKeyVersion(f.group, f.creator, ref.FirstKeyVersion); !IsCode(err, CodePermissionDenied) {
		t.Errorf("stale version: err = %v, want CodePermissionDenied", err)
	}
	if err := f.controller.RecordKeyVersion(f.group, member, 2); !IsCode(err, CodePermissionDenied) {
		t.Errorf("member rotate: err = %v, want CodePermissionDenied", err)
	}
}
