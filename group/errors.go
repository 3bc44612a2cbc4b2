// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

package group

import (
	"errors"
	"fmt"
)

// Code classifies access-control failures. Callers branch on the code
// with IsCode, never on message text.
type Code string

const (
	// CodePermissionDenied means the acting identity's role does not
	// allow the operation.
	CodePermissionDenied Code = "permission_denied"

	// CodeDuplicateGroup means a group with the given ID already exists.
	CodeDuplicateGroup Code = "duplicate_group"

	// CodeGroupNotFound means the named group does not exist.
	CodeGroupNotFound Code = "group_not_found"

	// CodeDuplicateInvitation means a pending invitation already exists
	// for the same (group, invitee) pair.
	CodeDuplicateInvitation Code = "duplicate_invitation"

	// CodeGroupFull means the group's member count plus open
	// invitations has reached its member cap.
	CodeGroupFull Code = "group_full"

	// CodeInvitationNotFound means no invitation with the given ID
	// exists.
	CodeInvitationNotFound Code = "invitation_not_found"

	// CodeInvitationExpired means the invitation's expiry time has
	// passed.
	CodeInvitationExpired Code = "invitation_expired"

	// CodeInvitationAlreadyResolved means the invitation already left
	// the pending state (accepted, declined, expired, or revoked).
	CodeInvitationAlreadyResolved Code = "invitation_already_resolved"

	// CodeFingerprintMismatch means the acting identity is not the
	// invitation's addressee.
	CodeFingerprintMismatch Code = "fingerprint_mismatch"

	// CodeTargetNotMember means the operation's target fingerprint has
	// no membership in the group.
	CodeTargetNotMember Code = "target_not_member"

	// CodeAlreadyMember means the invitee already holds a membership
	// in the group.
	CodeAlreadyMember Code = "already_member"
)

// Error is a structured access-control error.
type Error struct {
	Code    Code
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("group: %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("group: %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsCode reports whether err is (or wraps) a group Error with the
// given code.
func IsCode(err error, code Code) bool {
	var groupErr *Error
	return errors.As(err, &groupErr) && groupErr.Code == code
}
