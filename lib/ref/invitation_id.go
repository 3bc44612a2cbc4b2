// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"

	"github.com/google/uuid"
)

// InvitationID identifies a single invitation. IDs are random UUIDs,
// minted by NewInvitationID when the access controller creates an
// invitation and parsed back from envelopes with ParseInvitationID.
type InvitationID struct {
	id string
}

// NewInvitationID mints a fresh random invitation ID.
func NewInvitationID() InvitationID {
	return InvitationID{id: uuid.NewString()}
}

// ParseInvitationID parses the textual UUID form of an invitation ID.
func ParseInvitationID(text string) (InvitationID, error) {
	parsed, err := uuid.Parse(text)
	if err != nil {
		return InvitationID{}, fmt.Errorf("invalid invitation ID %q: %w", text, err)
	}
	return InvitationID{id: parsed.String()}, nil
}

// String returns the canonical UUID form.
func (i InvitationID) String() string { return i.id }

// IsZero reports whether this is an uninitialized zero-value ID.
func (i InvitationID) IsZero() bool { return i.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (i InvitationID) MarshalText() ([]byte, error) {
	return []byte(i.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *InvitationID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = InvitationID{}
		return nil
	}
	parsed, err := ParseInvitationID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal InvitationID: %w", err)
	}
	*i = parsed
	return nil
}
