// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// maxGroupIDLength bounds group IDs so they stay usable as SQLite keys
// and log fields.
const maxGroupIDLength = 128

// GroupID identifies a group. IDs are caller-chosen tokens: 1-128
// characters from [a-z0-9._-], no leading dot or dash. They are
// identifiers, not display names — the human-readable name lives on
// the Group record.
type GroupID struct {
	id string
}

// NewGroupID validates and constructs a GroupID.
func NewGroupID(id string) (GroupID, error) {
	if id == "" {
		return GroupID{}, fmt.Errorf("invalid group ID: empty")
	}
	if len(id) > maxGroupIDLength {
		return GroupID{}, fmt.Errorf("invalid group ID: length %d exceeds %d", len(id), maxGroupIDLength)
	}
	if id[0] == '.' || id[0] == '-' {
		return GroupID{}, fmt.Errorf("invalid group ID %q: must not start with %q", id, id[0])
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		valid := (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '.' || c == '_' || c == '-'
		if !valid {
			return GroupID{}, fmt.Errorf("invalid group ID %q: byte %d is %q, want [a-z0-9._-]", id, i, c)
		}
	}
	return GroupID{id: id}, nil
}

// String returns the ID token.
func (g GroupID) String() string { return g.id }

// IsZero reports whether this is an uninitialized zero-value GroupID.
func (g GroupID) IsZero() bool { return g.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (g GroupID) MarshalText() ([]byte, error) {
	return []byte(g.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *GroupID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*g = GroupID{}
		return nil
	}
	parsed, err := NewGroupID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal GroupID: %w", err)
	}
	*g = parsed
	return nil
}
