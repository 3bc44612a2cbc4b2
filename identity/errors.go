// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"errors"
	"fmt"
)

// Code classifies identity failures so callers can branch on the
// category without matching message text.
type Code string

const (
	// CodeUnknownIdentity means no identity or contact with the given
	// fingerprint is known to the provider.
	CodeUnknownIdentity Code = "unknown_identity"

	// CodeFingerprintMismatch means a contact card's fingerprint does
	// not match the hash of its public key material.
	CodeFingerprintMismatch Code = "fingerprint_mismatch"

	// CodeCryptoFailure covers encryption, decryption, and signature
	// failures. Deliberately coarse: callers must not learn which
	// stage of a decryption failed.
	CodeCryptoFailure Code = "crypto_failure"
)

// Error is a structured identity error carrying a machine-readable
// code alongside the operation that failed.
type Error struct {
	Code    Code
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("identity: %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("identity: %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsCode reports whether err is (or wraps) an identity Error with the
// given code.
func IsCode(err error, code Code) bool {
	var identityErr *Error
	return errors.As(err, &identityErr) && identityErr.Code == code
}
