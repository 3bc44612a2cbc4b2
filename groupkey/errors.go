// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

package groupkey

import (
	"errors"
	"fmt"
)

// Code classifies key-management failures.
type Code string

const (
	// CodeGroupAlreadyKeyed means CreateKey was called for a group
	// that already has a key; rotation is the way forward.
	CodeGroupAlreadyKeyed Code = "group_already_keyed"

	// CodeUnknownKeyVersion means the requested version is not held
	// unwrapped in this process.
	CodeUnknownKeyVersion Code = "unknown_key_version"

	// CodeUnknownRecipientKey means the identity provider cannot
	// resolve the wrap recipient.
	CodeUnknownRecipientKey Code = "unknown_recipient_key"

	// CodeDecryptionFailure means a wrapped key could not be
	// unwrapped (bad ciphertext or wrong recipient).
	CodeDecryptionFailure Code = "decryption_failure"

	// CodeNoKeyAvailable means encryption was attempted with no key
	// held for the group at all.
	CodeNoKeyAvailable Code = "no_key_available"

	// CodeKeyVersionMismatch means a message references a version
	// never unwrapped locally.
	CodeKeyVersionMismatch Code = "key_version_mismatch"

	// CodeAuthenticationFailure means an envelope's integrity check
	// failed: tampering, corruption, or the wrong key.
	CodeAuthenticationFailure Code = "authentication_failure"
)

// Error is a structured key-management error.
type Error struct {
	Code    Code
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("groupkey: %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("groupkey: %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsCode reports whether err is (or wraps) a groupkey Error with the
// given code.
func IsCode(err error, code Code) bool {
	var keyErr *Error
	return errors.As(err, &keyErr) && keyErr.Code == code
}
