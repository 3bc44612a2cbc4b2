// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package group implements Conclave's access control: group records,
// role-based membership, and the invitation life cycle.
//
// The Controller is the sole writer of group, membership, and
// invitation state. All mutations for one group are serialized behind
// a per-group lock so that duplicate-invitation and capacity checks
// are atomic; operations on different groups proceed in parallel.
// Every transition either commits fully or leaves state untouched.
//
// Invitation expiry is lazy: an invitation whose expires_at has passed
// is treated as expired wherever it is observed, whether or not the
// stored status has been flipped. SweepExpired is housekeeping, not a
// correctness dependency.
package group

import (
	"time"

	"github.com/conclave-im/conclave/lib/ref"
)

// Policy holds the per-group settings the creator controls.
type Policy struct {
	// Private excludes the group from any listing surface. The core
	// never discloses private groups to non-members regardless; the
	// flag exists for integration layers that publish directories.
	Private bool `cbor:"private" yaml:"private"`

	// MaxMembers caps the member count. Open invitations reserve
	// capacity: members + pending invitations never exceed this.
	MaxMembers int `cbor:"max_members" yaml:"max_members"`

	// AllowMemberInvites lets plain members send invitations.
	AllowMemberInvites bool `cbor:"allow_member_invites" yaml:"allow_member_invites"`
}

// Group is the per-group metadata record.
type Group struct {
	ID        ref.GroupID     `cbor:"group_id"`
	Name      string          `cbor:"name"`
	Creator   ref.Fingerprint `cbor:"creator_fp"`
	CreatedAt time.Time       `cbor:"created_at"`
	Policy    Policy          `cbor:"policy"`

	// CurrentVersion is the newest key version minted for this group,
	// recorded so late joiners learn which version to expect. Zero
	// until the first key is minted.
	CurrentVersion ref.KeyVersion `cbor:"current_version"`
}

// Membership binds a fingerprint to a role within a group. A
// fingerprint appears at most once per group.
type Membership struct {
	Group    ref.GroupID     `cbor:"group_id"`
	Member   ref.Fingerprint `cbor:"member_fp"`
	Name     string          `cbor:"name"`
	Role     Role            `cbor:"role"`
	JoinedAt time.Time       `cbor:"joined_at"`

	// InvitedBy is the inviter's fingerprint, zero for the creator's
	// own membership.
	InvitedBy ref.Fingerprint `cbor:"invited_by"`
}

// InvitationStatus is the invitation state. Only pending invitations
// transition; every other status is terminal.
type InvitationStatus string

const (
	StatusPending  InvitationStatus = "pending"
	StatusAccepted InvitationStatus = "accepted"
	StatusDeclined InvitationStatus = "declined"
	StatusExpired  InvitationStatus = "expired"
	StatusRevoked  InvitationStatus = "revoked"
)

// DefaultInvitationTTL is how long an invitation stays open.
const DefaultInvitationTTL = 7 * 24 * time.Hour

// Invitation is a time-bounded offer of membership. GroupName and
// InviterName are denormalized so the invitee can render the offer
// without access to group state they are not yet a member of.
type Invitation struct {
	ID          ref.InvitationID `cbor:"invitation_id"`
	Group       ref.GroupID      `cbor:"group_id"`
	GroupName   string           `cbor:"group_name"`
	Inviter     ref.Fingerprint  `cbor:"inviter_fp"`
	InviterName string           `cbor:"inviter_name"`
	Invitee     ref.Fingerprint  `cbor:"invitee_fp"`
	InviteeName string           `cbor:"invitee_name"`
	Message     string           `cbor:"message,omitempty"`

	// GrantsAdmin installs the invitee as admin on acceptance. Only
	// creators and admins may issue such invitations.
	GrantsAdmin bool `cbor:"grants_admin,omitempty"`

	CreatedAt time.Time        `cbor:"created_at"`
	ExpiresAt time.Time        `cbor:"expires_at"`
	Status    InvitationStatus `cbor:"status"`

	// RespondedAt is when the invitation left the pending state; zero
	// while pending.
	RespondedAt time.Time `cbor:"responded_at,omitempty"`
}

// EffectiveStatus evaluates expiry lazily: a pending invitation whose
// deadline has passed reads as expired even before any sweep has
// flipped the stored row.
func (inv Invitation) EffectiveStatus(now time.Time) InvitationStatus {
	if inv.Status == StatusPending && now.After(inv.ExpiresAt) {
		return StatusExpired
	}
	return inv.Status
}
