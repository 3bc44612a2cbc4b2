// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

package group

import "testing"

func TestPermissionMatrix(t *testing.T) {
	open := Policy{MaxMembers: 10, AllowMemberInvites: true}
	closed := Policy{MaxMembers: 10, AllowMemberInvites: false}

	cases := []struct {
		name   string
		role   Role
		cap    Capability
		policy Policy
		want   bool
	}{
		{"creator invites", RoleCreator, CapabilityInvite, closed, true},
		{"admin invites", RoleAdmin, CapabilityInvite, closed, true},
		{"member invites when allowed", RoleMember, CapabilityInvite, open, true},
		{"member blocked when disallowed", RoleMember, CapabilityInvite, closed, false},
		{"creator grants admin", RoleCreator, CapabilityGrantAdmin, open, true},
		{"admin grants admin", RoleAdmin, CapabilityGrantAdmin, open, true},
		{"member never grants admin", RoleMember, CapabilityGrantAdmin, open, false},
		{"creator changes settings", RoleCreator, CapabilityChangeSettings, open, true},
		{"admin cannot change settings", RoleAdmin, CapabilityChangeSettings, open, false},
		{"member cannot change settings", RoleMember, CapabilityChangeSettings, open, false},
		{"creator messages", RoleCreator, CapabilityMessage, closed, true},
		{"admin messages", RoleAdmin, CapabilityMessage, closed, true},
		{"member messages", RoleMember, CapabilityMessage, closed, true},
		{"zero role has nothing", Role(0), CapabilityMessage, open, false},
	}
	for _, tc := range cases {
		if got := tc.role.Allows(tc.cap, tc.policy); got != tc.want {
			t.Errorf("%s: Allows = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCanRemove(t *testing.T) {
	cases := []struct {
		actor  Role
		target Role
		want   bool
	}{
		{RoleCreator, RoleAdmin, true},
		{RoleCreator, RoleMember, true},
		{RoleAdmin, RoleMember, true},
		{RoleAdmin, RoleAdmin, false},
		{RoleAdmin, RoleCreator, false},
		{RoleMember, RoleMember, false},
	}
	for _, tc := range cases {
		if got := tc.actor.CanRemove(tc.target); got != tc.want {
			t.Errorf("%s removes %s = %v, want %v", tc.actor, tc.target, got, tc.want)
		}
	}
}

func TestRoleTextRoundTrip(t *testing.T) {
	for _, role := range []Role{RoleMember, RoleAdmin, RoleCreator} {
		text, err := role.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%s) error: %v", role, err)
		}
		var parsed Role
		if err := parsed.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%q) error: %v", text, err)
		}
		if parsed != role {
			t.Errorf("round trip %s -> %q -> %s", role, text, parsed)
		}
	}

	var invalid Role
	if err := invalid.UnmarshalText([]byte("owner")); err == nil {
		t.Error("UnmarshalText(owner) should fail")
	}
}
