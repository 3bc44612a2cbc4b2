// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strconv"
)

// KeyVersion identifies a symmetric key generation within a group.
// Versions are strictly increasing integers starting at 1; zero means
// "no key". Messages carry the version used to encrypt them so that
// receivers can locate the matching unwrapped key.
type KeyVersion uint32

// FirstKeyVersion is the version assigned when a group's key is minted.
const FirstKeyVersion KeyVersion = 1

// Next returns the successor version.
func (v KeyVersion) Next() KeyVersion { return v + 1 }

// IsZero reports whether no key version is set.
func (v KeyVersion) IsZero() bool { return v == 0 }

// String formats as "v<n>", e.g. "v3".
func (v KeyVersion) String() string {
	return "v" + strconv.FormatUint(uint64(v), 10)
}

// ParseKeyVersion parses the decimal form (with or without the "v"
// prefix) of a key version. Zero is rejected.
func ParseKeyVersion(text string) (KeyVersion, error) {
	trimmed := text
	if len(trimmed) > 0 && trimmed[0] == 'v' {
		trimmed = trimmed[1:]
	}
	n, err := strconv.ParseUint(trimmed, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid key version %q: %w", text, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("invalid key version %q: versions start at 1", text)
	}
	return KeyVersion(n), nil
}
