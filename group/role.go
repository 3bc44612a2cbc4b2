// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

package group

import "fmt"

// Role is a member's standing within a group. The three roles form a
// closed set with no inheritance; every permission decision goes
// through the matrix functions below so the rules live in one place.
type Role uint8

const (
	// RoleMember is the baseline role granted on invitation acceptance.
	RoleMember Role = iota + 1

	// RoleAdmin can invite and remove plain members.
	RoleAdmin

	// RoleCreator is held by exactly one member per group, assigned at
	// creation and never transferred or removed while the group exists.
	RoleCreator
)

// Capability names an action the permission matrix gates.
type Capability uint8

const (
	// CapabilityInvite is sending invitations. Members hold it only
	// when the group policy allows member invites.
	CapabilityInvite Capability = iota

	// CapabilityGrantAdmin is issuing invitations that install the
	// invitee as admin on acceptance.
	CapabilityGrantAdmin

	// CapabilityChangeSettings is changing group policy and member
	// roles. Creator only.
	CapabilityChangeSettings

	// CapabilityMessage is encrypting and decrypting group traffic.
	CapabilityMessage
)

// Allows is the permission matrix: whether a holder of r may exercise
// cap under the given policy. Removal is the one decision that also
// depends on the target's role; see CanRemove.
func (r Role) Allows(cap Capability, policy Policy) bool {
	switch cap {
	case CapabilityInvite:
		return r == RoleCreator || r == RoleAdmin ||
			(r == RoleMember && policy.AllowMemberInvites)
	case CapabilityGrantAdmin:
		return r == RoleCreator || r == RoleAdmin
	case CapabilityChangeSettings:
		return r == RoleCreator
	case CapabilityMessage:
		return r == RoleMember || r == RoleAdmin || r == RoleCreator
	default:
		return false
	}
}

// CanRemove reports whether a holder of r may remove a member holding
// target: the creator removes anyone, admins remove plain members
// only. Self-removal is rejected separately by the controller.
func (r Role) CanRemove(target Role) bool {
	switch r {
	case RoleCreator:
		return true
	case RoleAdmin:
		return target == RoleMember
	default:
		return false
	}
}

// String returns the lower-case role name.
func (r Role) String() string {
	switch r {
	case RoleMember:
		return "member"
	case RoleAdmin:
		return "admin"
	case RoleCreator:
		return "creator"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// ParseRole parses a lower-case role name.
func ParseRole(text string) (Role, error) {
	switch text {
	case "member":
		return RoleMember, nil
	case "admin":
		return RoleAdmin, nil
	case "creator":
		return RoleCreator, nil
	default:
		return 0, fmt.Errorf("unknown role %q", text)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(data []byte) error {
	parsed, err := ParseRole(string(data))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
