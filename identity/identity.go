// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity manages the cryptographic identities behind every
// Conclave participant: an age x25519 keypair for key wrapping and an
// Ed25519 keypair for signatures, bound together by a fingerprint.
//
// The fingerprint is the BLAKE3-256 hash of the public key material
// (age public key followed by the Ed25519 public key) and is the only
// identifier the rest of the system uses — membership records,
// invitations, and wrapped keys all reference participants by
// fingerprint, never by key.
//
// Private keys are held in mmap-backed secret buffers (locked against
// swap, excluded from core dumps, zeroed on close). Decrypted
// plaintext comes back the same way.
package identity

import (
	"crypto/ed25519"
	"fmt"

	"filippo.io/age"
	"github.com/zeebo/blake3"

	"github.com/conclave-im/conclave/lib/ref"
	"github.com/conclave-im/conclave/lib/secret"
)

// ContactCard is the public half of an identity: everything a peer
// needs to encrypt to and verify signatures from its holder. Cards are
// exchanged out of band before any invitation can be sent — possession
// of a card is the precondition for naming its fingerprint anywhere.
type ContactCard struct {
	// Fingerprint is the BLAKE3-256 hash of EncryptionKey followed by
	// SigningKey, hex encoded. AddContact recomputes and checks it.
	Fingerprint ref.Fingerprint `cbor:"fingerprint"`

	// Name is a human-readable label chosen by the card's holder.
	// Display only — it carries no authority.
	Name string `cbor:"name"`

	// EncryptionKey is the age x25519 public key (age1... format).
	EncryptionKey string `cbor:"encryption_key"`

	// SigningKey is the raw 32-byte Ed25519 public key.
	SigningKey []byte `cbor:"signing_key"`
}

// Validate checks that the card's key material is well formed and that
// the fingerprint matches the keys.
func (c ContactCard) Validate() error {
	if _, err := age.ParseX25519Recipient(c.EncryptionKey); err != nil {
		return &Error{Code: CodeCryptoFailure, Op: "validate card", Message: "invalid age public key", Err: err}
	}
	if len(c.SigningKey) != ed25519.PublicKeySize {
		return &Error{
			Code:    CodeCryptoFailure,
			Op:      "validate card",
			Message: fmt.Sprintf("signing key is %d bytes, want %d", len(c.SigningKey), ed25519.PublicKeySize),
		}
	}
	if computed := FingerprintOf(c.EncryptionKey, c.SigningKey); computed != c.Fingerprint {
		return &Error{
			Code:    CodeFingerprintMismatch,
			Op:      "validate card",
			Message: fmt.Sprintf("card claims %s but keys hash to %s", c.Fingerprint.Short(), computed.Short()),
		}
	}
	return nil
}

// FingerprintOf computes the fingerprint for a pair of public keys:
// the BLAKE3-256 hash of the age public key string concatenated with
// the raw Ed25519 public key.
func FingerprintOf(encryptionKey string, signingKey []byte) ref.Fingerprint {
	hasher := blake3.New()
	hasher.Write([]byte(encryptionKey))
	hasher.Write(signingKey)
	var digest [ref.FingerprintSize]byte
	hasher.Sum(digest[:0])
	return ref.NewFingerprint(digest)
}

// Provider is the identity surface the rest of Conclave builds on.
// Implementations hold private key material for local identities and
// public contact cards for peers; all operations address identities by
// fingerprint.
//
// Encrypt and Verify need only a contact card. Decrypt and Sign need
// the private keys of a local identity and fail with
// CodeUnknownIdentity for fingerprints the provider does not hold
// private material for.
type Provider interface {
	// Contact returns the contact card for a known fingerprint.
	Contact(fp ref.Fingerprint) (ContactCard, error)

	// Encrypt encrypts plaintext to the identified recipient and
	// returns base64 ciphertext suitable for embedding in envelopes.
	Encrypt(recipient ref.Fingerprint, plaintext []byte) (string, error)

	// Decrypt decrypts base64 ciphertext addressed to a local
	// identity. The plaintext comes back in a secret buffer the
	// caller must Close.
	Decrypt(owner ref.Fingerprint, ciphertext string) (*secret.Buffer, error)

	// Sign signs message with a local identity's Ed25519 key.
	Sign(signer ref.Fingerprint, message []byte) ([]byte, error)

	// Verify checks an Ed25519 signature against the identified
	// signer's public key. Returns nil only for a valid signature.
	Verify(signer ref.Fingerprint, message, signature []byte) error
}
