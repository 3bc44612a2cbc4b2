// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"filippo.io/age"

	"github.com/conclave-im/conclave/lib/ref"
	"github.com/conclave-im/conclave/lib/secret"
)

// Keyring is an in-memory Provider. It holds full keypairs for local
// identities and contact cards for peers. Safe for concurrent use.
//
// The caller must Close the keyring when done so private key buffers
// are zeroed.
type Keyring struct {
	mu        sync.Mutex
	contacts  map[ref.Fingerprint]ContactCard
	localKeys map[ref.Fingerprint]*localIdentity
}

// localIdentity holds the private half of a generated identity. The
// age key lives in a secret buffer; the Ed25519 key stays a plain
// slice because crypto/ed25519 consumes it directly.
type localIdentity struct {
	agePrivate *secret.Buffer
	signingKey ed25519.PrivateKey
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{
		contacts:  make(map[ref.Fingerprint]ContactCard),
		localKeys: make(map[ref.Fingerprint]*localIdentity),
	}
}

// GenerateIdentity mints a fresh identity: an age x25519 keypair, an
// Ed25519 keypair, and the fingerprint binding them. The private keys
// stay in the keyring; the returned card is the shareable public half.
// The new identity's own card is registered as a contact so the holder
// can encrypt to itself.
func (k *Keyring) GenerateIdentity(name string) (ContactCard, error) {
	ageIdentity, err := age.GenerateX25519Identity()
	if err != nil {
		return ContactCard{}, &Error{Code: CodeCryptoFailure, Op: "generate identity", Message: "generating age keypair", Err: err}
	}
	signingPublic, signingPrivate, err := ed25519.GenerateKey(nil)
	if err != nil {
		return ContactCard{}, &Error{Code: CodeCryptoFailure, Op: "generate identity", Message: "generating signing keypair", Err: err}
	}

	// Move the age private key into mmap-backed memory immediately.
	// The transient heap string from identity.String() will be GC'd;
	// the buffer is the durable copy.
	privateKeyBytes := []byte(ageIdentity.String())
	agePrivate, err := secret.NewFromBytes(privateKeyBytes)
	if err != nil {
		return ContactCard{}, &Error{Code: CodeCryptoFailure, Op: "generate identity", Message: "protecting private key", Err: err}
	}

	encryptionKey := ageIdentity.Recipient().String()
	card := ContactCard{
		Fingerprint:   FingerprintOf(encryptionKey, signingPublic),
		Name:          name,
		EncryptionKey: encryptionKey,
		SigningKey:    signingPublic,
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.contacts[card.Fingerprint] = card
	k.localKeys[card.Fingerprint] = &localIdentity{
		agePrivate: agePrivate,
		signingKey: signingPrivate,
	}
	return card, nil
}

// AddContact registers a peer's contact card after validating that the
// fingerprint matches the key material. Re-adding the same card is a
// no-op; a different card under the same fingerprint is rejected.
func (k *Keyring) AddContact(card ContactCard) error {
	if err := card.Validate(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if existing, ok := k.contacts[card.Fingerprint]; ok {
		if existing.EncryptionKey != card.EncryptionKey || !bytes.Equal(existing.SigningKey, card.SigningKey) {
			return &Error{
				Code:    CodeFingerprintMismatch,
				Op:      "add contact",
				Message: fmt.Sprintf("fingerprint %s already bound to different keys", card.Fingerprint.Short()),
			}
		}
		return nil
	}
	k.contacts[card.Fingerprint] = card
	return nil
}

// Contact returns the card for a known fingerprint.
func (k *Keyring) Contact(fp ref.Fingerprint) (ContactCard, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	card, ok := k.contacts[fp]
	if !ok {
		return ContactCard{}, &Error{
			Code:    CodeUnknownIdentity,
			Op:      "contact",
			Message: fmt.Sprintf("no contact card for %s", fp.Short()),
		}
	}
	return card, nil
}

// Encrypt encrypts plaintext to the identified recipient's age public
// key and returns standard base64 ciphertext.
func (k *Keyring) Encrypt(recipient ref.Fingerprint, plaintext []byte) (string, error) {
	card, err := k.Contact(recipient)
	if err != nil {
		return "", err
	}

	ageRecipient, err := age.ParseX25519Recipient(card.EncryptionKey)
	if err != nil {
		return "", &Error{Code: CodeCryptoFailure, Op: "encrypt", Message: "parsing recipient key", Err: err}
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, ageRecipient)
	if err != nil {
		return "", &Error{Code: CodeCryptoFailure, Op: "encrypt", Message: "creating age encryptor", Err: err}
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", &Error{Code: CodeCryptoFailure, Op: "encrypt", Message: "writing plaintext", Err: err}
	}
	if err := writer.Close(); err != nil {
		return "", &Error{Code: CodeCryptoFailure, Op: "encrypt", Message: "finalizing encryption", Err: err}
	}
	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// Decrypt decrypts base64 ciphertext with the named local identity's
// age private key. The plaintext is returned in a secret buffer the
// caller must Close.
func (k *Keyring) Decrypt(owner ref.Fingerprint, ciphertext string) (*secret.Buffer, error) {
	local, err := k.local(owner, "decrypt")
	if err != nil {
		return nil, err
	}

	// String conversion at the API boundary — age identity parsing
	// requires a string. The heap copy is brief and call-scoped.
	ageIdentity, err := age.ParseX25519Identity(local.agePrivate.String())
	if err != nil {
		return nil, &Error{Code: CodeCryptoFailure, Op: "decrypt", Message: "parsing private key", Err: err}
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, &Error{Code: CodeCryptoFailure, Op: "decrypt", Message: "decoding base64 ciphertext", Err: err}
	}

	reader, err := age.Decrypt(bytes.NewReader(raw), ageIdentity)
	if err != nil {
		return nil, &Error{Code: CodeCryptoFailure, Op: "decrypt", Message: "decrypting", Err: err}
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, &Error{Code: CodeCryptoFailure, Op: "decrypt", Message: "reading plaintext", Err: err}
	}
	if len(plaintext) == 0 {
		// age produces empty plaintext for an encrypted empty payload.
		buffer, err := secret.New(1)
		if err != nil {
			return nil, &Error{Code: CodeCryptoFailure, Op: "decrypt", Message: "protecting plaintext", Err: err}
		}
		return buffer, nil
	}

	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		for index := range plaintext {
			plaintext[index] = 0
		}
		return nil, &Error{Code: CodeCryptoFailure, Op: "decrypt", Message: "protecting plaintext", Err: err}
	}
	return buffer, nil
}

// Sign signs message with the named local identity's Ed25519 key.
func (k *Keyring) Sign(signer ref.Fingerprint, message []byte) ([]byte, error) {
	local, err := k.local(signer, "sign")
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(local.signingKey, message), nil
}

// Verify checks signature against the identified signer's public key.
func (k *Keyring) Verify(signer ref.Fingerprint, message, signature []byte) error {
	card, err := k.Contact(signer)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(card.SigningKey), message, signature) {
		return &Error{
			Code:    CodeCryptoFailure,
			Op:      "verify",
			Message: fmt.Sprintf("signature from %s does not verify", signer.Short()),
		}
	}
	return nil
}

// Close zeros and releases all local private key buffers. The keyring
// must not be used afterwards.
func (k *Keyring) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var firstError error
	for fp, local := range k.localKeys {
		if err := local.agePrivate.Close(); err != nil && firstError == nil {
			firstError = err
		}
		for index := range local.signingKey {
			local.signingKey[index] = 0
		}
		delete(k.localKeys, fp)
	}
	return firstError
}

func (k *Keyring) local(fp ref.Fingerprint, op string) (*localIdentity, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	local, ok := k.localKeys[fp]
	if !ok {
		return nil, &Error{
			Code:    CodeUnknownIdentity,
			Op:      op,
			Message: fmt.Sprintf("no private keys for %s", fp.Short()),
		}
	}
	return local, nil
}
