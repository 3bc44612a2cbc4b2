// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// FingerprintSize is the length of the raw fingerprint digest in bytes.
// Fingerprints are 256-bit hashes of an identity's public key material;
// the textual form is the lower-case hex encoding (64 characters).
const FingerprintSize = 32

// Fingerprint is the stable identifier for a cryptographic identity.
// It keys membership and invitation records and addresses transport
// deliveries. Construction goes through NewFingerprint (from a raw
// digest) or ParseFingerprint (from the hex form) — the zero value is
// invalid.
type Fingerprint struct {
	hexdigest string
}

// NewFingerprint constructs a Fingerprint from a raw 256-bit digest.
func NewFingerprint(digest [FingerprintSize]byte) Fingerprint {
	const hextable = "0123456789abcdef"
	buf := make([]byte, FingerprintSize*2)
	for i, b := range digest {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return Fingerprint{hexdigest: string(buf)}
}

// ParseFingerprint parses the textual (lower-case hex) form of a
// fingerprint. The input must be exactly 64 lower-case hex characters.
func ParseFingerprint(text string) (Fingerprint, error) {
	if len(text) != FingerprintSize*2 {
		return Fingerprint{}, fmt.Errorf("invalid fingerprint: length %d, want %d", len(text), FingerprintSize*2)
	}
	for i := 0; i < len(text); i++ {
		c := text[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return Fingerprint{}, fmt.Errorf("invalid fingerprint: byte %d is %q, want lower-case hex", i, c)
		}
	}
	return Fingerprint{hexdigest: text}, nil
}

// String returns the 64-character hex form.
func (f Fingerprint) String() string { return f.hexdigest }

// Short returns the first 16 hex characters, for logs and display.
// The full fingerprint remains the only authoritative identifier.
func (f Fingerprint) Short() string {
	if len(f.hexdigest) < 16 {
		return f.hexdigest
	}
	return f.hexdigest[:16]
}

// IsZero reports whether this is an uninitialized zero-value fingerprint.
func (f Fingerprint) IsZero() bool { return f.hexdigest == "" }

// MarshalText implements encoding.TextMarshaler. A zero fingerprint
// marshals as the empty string (used for "nobody" fields such as a
// membership with no inviter).
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.hexdigest), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input
// produces a zero value, the symmetric counterpart to MarshalText.
func (f *Fingerprint) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*f = Fingerprint{}
		return nil
	}
	parsed, err := ParseFingerprint(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal Fingerprint: %w", err)
	}
	*f = parsed
	return nil
}
