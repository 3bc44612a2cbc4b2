// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"bytes"
	"testing"

	"github.com/conclave-im/conclave/lib/ref"
)

func TestGenerateIdentity(t *testing.T) {
	keyring := NewKeyring()
	defer keyring.Close()

	card, err := keyring.GenerateIdentity("alice")
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}
	if card.Name != "alice" {
		t.Errorf("Name = %q, want alice", card.Name)
	}
	if card.Fingerprint.IsZero() {
		t.Error("fingerprint is zero")
	}
	if err := card.Validate(); err != nil {
		t.Errorf("generated card does not validate: %v", err)
	}

	// The holder can look up its own card.
	got, err := keyring.Contact(card.Fingerprint)
	if err != nil {
		t.Fatalf("Contact() error: %v", err)
	}
	if got.EncryptionKey != card.EncryptionKey {
		t.Error("Contact() returned a different card")
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	alice := NewKeyring()
	defer alice.Close()
	bob := NewKeyring()
	defer bob.Close()

	aliceCard, err := alice.GenerateIdentity("alice")
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}
	bobCard, err := bob.GenerateIdentity("bob")
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}
	if err := alice.AddContact(bobCard); err != nil {
		t.Fatalf("AddContact() error: %v", err)
	}

	plaintext := []byte("the meeting is at dawn")
	ciphertext, err := alice.Encrypt(bobCard.Fingerprint, plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	decrypted, err := bob.Decrypt(bobCard.Fingerprint, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	defer decrypted.Close()
	if !bytes.Equal(decrypted.Bytes(), plaintext) {
		t.Errorf("plaintext = %q, want %q", decrypted.Bytes(), plaintext)
	}

	// Alice cannot decrypt a message addressed to Bob.
	if _, err := alice.Decrypt(aliceCard.Fingerprint, ciphertext); err == nil {
		t.Error("Decrypt() with the wrong identity should fail")
	}
}

func TestEncrypt_UnknownRecipient(t *testing.T) {
	keyring := NewKeyring()
	defer keyring.Close()

	var digest [ref.FingerprintSize]byte
	digest[0] = 0xab
	_, err := keyring.Encrypt(ref.NewFingerprint(digest), []byte("hello"))
	if !IsCode(err, CodeUnknownIdentity) {
		t.Errorf("err = %v, want CodeUnknownIdentity", err)
	}
}

func TestDecrypt_NoPrivateKeys(t *testing.T) {
	alice := NewKeyring()
	defer alice.Close()
	bob := NewKeyring()
	defer bob.Close()

	bobCard, err := bob.GenerateIdentity("bob")
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}
	if err := alice.AddContact(bobCard); err != nil {
		t.Fatalf("AddContact() error: %v", err)
	}

	// Alice knows Bob's card but holds no private keys for it.
	_, err = alice.Decrypt(bobCard.Fingerprint, "aGVsbG8=")
	if !IsCode(err, CodeUnknownIdentity) {
		t.Errorf("err = %v, want CodeUnknownIdentity", err)
	}
}

func TestSignVerify(t *testing.T) {
	alice := NewKeyring()
	defer alice.Close()
	bob := NewKeyring()
	defer bob.Close()

	aliceCard, err := alice.GenerateIdentity("alice")
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}
	if err := bob.AddContact(aliceCard); err != nil {
		t.Fatalf("AddContact() error: %v", err)
	}

	message := []byte("I invite you to join")
	signature, err := alice.Sign(aliceCard.Fingerprint, message)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}

	if err := bob.Verify(aliceCard.Fingerprint, message, signature); err != nil {
		t.Errorf("Verify() error: %v", err)
	}

	tampered := append([]byte(nil), message...)
	tampered[0] ^= 0x01
	if err := bob.Verify(aliceCard.Fingerprint, tampered, signature); !IsCode(err, CodeCryptoFailure) {
		t.Errorf("Verify() on tampered message = %v, want CodeCryptoFailure", err)
	}
}

func TestAddContact_RejectsForgedFingerprint(t *testing.T) {
	alice := NewKeyring()
	defer alice.Close()
	bob := NewKeyring()
	defer bob.Close()

	bobCard, err := bob.GenerateIdentity("bob")
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}

	var digest [ref.FingerprintSize]byte
	digest[0] = 0xff
	forged := bobCard
	forged.Fingerprint = ref.NewFingerprint(digest)

	if err := alice.AddContact(forged); !IsCode(err, CodeFingerprintMismatch) {
		t.Errorf("AddContact() = %v, want CodeFingerprintMismatch", err)
	}
}

func TestAddContact_Idempotent(t *testing.T) {
	alice := NewKeyring()
	defer alice.Close()
	bob := NewKeyring()
	defer bob.Close()

	bobCard, err := bob.GenerateIdentity("bob")
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}
	if err := alice.AddContact(bobCard); err != nil {
		t.Fatalf("first AddContact() error: %v", err)
	}
	if err := alice.AddContact(bobCard); err != nil {
		t.Errorf("second AddContact() error: %v", err)
	}
}

func TestFingerprintOf_Deterministic(t *testing.T) {
	keyring := NewKeyring()
	defer keyring.Close()

	card, err := keyring.GenerateIdentity("carol")
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}

	first := FingerprintOf(card.EncryptionKey, card.SigningKey)
	second := FingerprintOf(card.EncryptionKey, card.SigningKey)
	if first != second {
		t.Error("fingerprint is not deterministic")
	}
	if first != card.Fingerprint {
		t.Error("card fingerprint does not match recomputation")
	}
}
