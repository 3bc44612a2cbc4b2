// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package groupkey manages symmetric group keys: minting and rotating
// key versions, wrapping them for individual recipients through the
// identity provider, and encrypting and decrypting group messages.
//
// Raw key material lives only in mmap-backed secret buffers inside the
// process that holds it. What crosses process boundaries — and what
// may be persisted — is exclusively wrapped keys: the raw key
// encrypted for one recipient's public key.
//
// Messages are sealed with XChaCha20-Poly1305 under a fresh random
// nonce per call. The group ID, key version, and compression flag are
// bound into the additional authenticated data, so an envelope
// replayed against another group or version fails authentication
// instead of decrypting.
package groupkey

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/conclave-im/conclave/identity"
	"github.com/conclave-im/conclave/lib/clock"
	"github.com/conclave-im/conclave/lib/ref"
	"github.com/conclave-im/conclave/lib/secret"
)

// KeySize is the symmetric key length in bytes.
const KeySize = chacha20poly1305.KeySize

// compressThreshold is the plaintext size above which message bodies
// are zstd-compressed before sealing.
const compressThreshold = 256

// WrappedKey is a group key version encrypted for one recipient. Safe
// to persist and transmit.
type WrappedKey struct {
	Group      ref.GroupID     `cbor:"group_id"`
	Version    ref.KeyVersion  `cbor:"version"`
	Recipient  ref.Fingerprint `cbor:"recipient_fp"`
	Ciphertext string          `cbor:"wrapped_key_b64"`
	CreatedAt  time.Time       `cbor:"created_at"`
}

// KeyStore persists wrapped keys so a process can recover its key
// material after a restart by unwrapping its own copies again.
type KeyStore interface {
	// PutWrappedKey inserts or overwrites a wrapped key record.
	PutWrappedKey(wk WrappedKey) error

	// WrappedKeysFor returns all wrapped keys held for one recipient
	// in one group, oldest version first.
	WrappedKeysFor(g ref.GroupID, recipient ref.Fingerprint) ([]WrappedKey, error)
}

// Envelope is the sealed form of one group message. Nonce, Ciphertext,
// and Tag are raw bytes; the wire codec handles their text encoding.
type Envelope struct {
	Version    ref.KeyVersion
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte

	// Compressed records whether the plaintext was zstd-compressed
	// before sealing. Authenticated via the AAD.
	Compressed bool
}

// Options configures a Manager. All fields are optional.
type Options struct {
	Logger *slog.Logger
	Clock  clock.Clock

	// Store, when set, receives every wrapped key the manager
	// produces or successfully unwraps.
	Store KeyStore
}

// Manager owns the in-memory key cache for one participant. Safe for
// concurrent use; rotation and encryption for the same group are
// mutually exclusive, so encryption never observes a half-rotated key.
type Manager struct {
	provider identity.Provider
	logger   *slog.Logger
	clock    clock.Clock
	store    KeyStore

	compressor   *zstd.Encoder
	decompressor *zstd.Decoder

	mu     sync.Mutex
	groups map[ref.GroupID]*keyState
}

// keyState holds one group's unwrapped keys. Its lock serializes all
// key operations for the group.
type keyState struct {
	mu      sync.Mutex
	keys    map[ref.KeyVersion]*secret.Buffer
	current ref.KeyVersion
}

// NewManager creates a key manager backed by the given identity
// provider.
func NewManager(provider identity.Provider, opts Options) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	compressor, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("groupkey: creating zstd encoder: %w", err)
	}
	decompressor, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("groupkey: creating zstd decoder: %w", err)
	}

	return &Manager{
		provider:     provider,
		logger:       opts.Logger,
		clock:        opts.Clock,
		store:        opts.Store,
		compressor:   compressor,
		decompressor: decompressor,
		groups:       make(map[ref.GroupID]*keyState),
	}, nil
}

// state returns the group's key state, creating it on first use.
func (m *Manager) state(g ref.GroupID) *keyState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.groups[g]
	if !ok {
		st = &keyState{keys: make(map[ref.KeyVersion]*secret.Buffer)}
		m.groups[g] = st
	}
	return st
}

// CreateKey mints version 1 for a group that has never been keyed and
// wraps it for the creator. The creator's wrapped copy goes to the key
// store when one is configured, so the key survives a restart.
func (m *Manager) CreateKey(g ref.GroupID, creator ref.Fingerprint) (ref.KeyVersion, error) {
	st := m.state(g)
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.keys) > 0 {
		return 0, &Error{
			Code:    CodeGroupAlreadyKeyed,
			Op:      "create key",
			Message: fmt.Sprintf("group %q already holds %s; rotate instead", g, st.current),
		}
	}

	key, err := secret.Random(KeySize)
	if err != nil {
		return 0, fmt.Errorf("groupkey: minting key for %q: %w", g, err)
	}
	st.keys[ref.FirstKeyVersion] = key
	st.current = ref.FirstKeyVersion

	if _, err := m.wrapLocked(st, g, ref.FirstKeyVersion, creator); err != nil {
		key.Close()
		delete(st.keys, ref.FirstKeyVersion)
		st.current = 0
		return 0, err
	}

	m.logger.Info("group key created", "group", g, "version", ref.FirstKeyVersion)
	return ref.FirstKeyVersion, nil
}

// WrapForMember encrypts the named key version for a recipient. The
// version must be held unwrapped in this process.
func (m *Manager) WrapForMember(g ref.GroupID, version ref.KeyVersion, recipient ref.Fingerprint) (WrappedKey, error) {
	st := m.state(g)
	st.mu.Lock()
	defer st.mu.Unlock()

	return m.wrapLocked(st, g, version, recipient)
}

// wrapLocked wraps with st.mu held.
func (m *Manager) wrapLocked(st *keyState, g ref.GroupID, version ref.KeyVersion, recipient ref.Fingerprint) (WrappedKey, error) {
	key, ok := st.keys[version]
	if !ok {
		return WrappedKey{}, &Error{
			Code:    CodeUnknownKeyVersion,
			Op:      "wrap",
			Message: fmt.Sprintf("version %s of %q is not held locally", version, g),
		}
	}

	ciphertext, err := m.provider.Encrypt(recipient, key.Bytes())
	if err != nil {
		if identity.IsCode(err, identity.CodeUnknownIdentity) {
			return WrappedKey{}, &Error{
				Code:    CodeUnknownRecipientKey,
				Op:      "wrap",
				Message: fmt.Sprintf("no public key for %s", recipient.Short()),
				Err:     err,
			}
		}
		return WrappedKey{}, fmt.Errorf("groupkey: wrapping %s of %q for %s: %w", version, g, recipient.Short(), err)
	}

	wk := WrappedKey{
		Group:      g,
		Version:    version,
		Recipient:  recipient,
		Ciphertext: ciphertext,
		CreatedAt:  m.clock.Now(),
	}
	if m.store != nil {
		if err := m.store.PutWrappedKey(wk); err != nil {
			return WrappedKey{}, fmt.Errorf("groupkey: persisting wrapped key: %w", err)
		}
	}

	m.logger.Debug("key wrapped",
		"group", g, "version", version, "recipient", recipient.Short())
	return wk, nil
}

// Unwrap decrypts a wrapped key addressed to own and caches the raw
// key for its version. The highest unwrapped version becomes current.
func (m *Manager) Unwrap(g ref.GroupID, version ref.KeyVersion, wrappedKey string, own ref.Fingerprint) error {
	st := m.state(g)
	st.mu.Lock()
	defer st.mu.Unlock()

	return m.unwrapLocked(st, g, version, wrappedKey, own)
}

func (m *Manager) unwrapLocked(st *keyState, g ref.GroupID, version ref.KeyVersion, wrappedKey string, own ref.Fingerprint) error {
	if version.IsZero() {
		return &Error{
			Code:    CodeDecryptionFailure,
			Op:      "unwrap",
			Message: "wrapped key carries no version",
		}
	}
	if _, held := st.keys[version]; held {
		return nil
	}

	key, err := m.provider.Decrypt(own, wrappedKey)
	if err != nil {
		return &Error{
			Code:    CodeDecryptionFailure,
			Op:      "unwrap",
			Message: fmt.Sprintf("version %s of %q for %s", version, g, own.Short()),
			Err:     err,
		}
	}
	if key.Len() != KeySize {
		key.Close()
		return &Error{
			Code:    CodeDecryptionFailure,
			Op:      "unwrap",
			Message: fmt.Sprintf("unwrapped key is %d bytes, want %d", key.Len(), KeySize),
		}
	}

	st.keys[version] = key
	if version > st.current {
		st.current = version
	}

	if m.store != nil {
		wk := WrappedKey{
			Group:      g,
			Version:    version,
			Recipient:  own,
			Ciphertext: wrappedKey,
			CreatedAt:  m.clock.Now(),
		}
		if err := m.store.PutWrappedKey(wk); err != nil {
			m.logger.Warn("persisting unwrapped key copy failed",
				"group", g, "version", version, "error", err)
		}
	}

	m.logger.Info("group key unwrapped", "group", g, "version", version)
	return nil
}

// Restore re-unwraps every persisted wrapped key addressed to own for
// the group. Called after a restart; keys that fail to unwrap are
// logged and skipped.
func (m *Manager) Restore(g ref.GroupID, own ref.Fingerprint) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	wrapped, err := m.store.WrappedKeysFor(g, own)
	if err != nil {
		return 0, fmt.Errorf("groupkey: loading wrapped keys for %q: %w", g, err)
	}

	st := m.state(g)
	st.mu.Lock()
	defer st.mu.Unlock()

	restored := 0
	for _, wk := range wrapped {
		if err := m.unwrapLocked(st, g, wk.Version, wk.Ciphertext, own); err != nil {
			m.logger.Warn("restoring wrapped key failed",
				"group", g, "version", wk.Version, "error", err)
			continue
		}
		restored++
	}
	return restored, nil
}

// RotateKey mints the next key version. Nothing is wrapped
// automatically: the caller wraps for each retained member, which is
// how removed members are excluded from future traffic.
func (m *Manager) RotateKey(g ref.GroupID) (ref.KeyVersion, error) {
	st := m.state(g)
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.keys) == 0 {
		return 0, &Error{
			Code:    CodeNoKeyAvailable,
			Op:      "rotate",
			Message: fmt.Sprintf("group %q has no key to rotate from", g),
		}
	}

	next := st.current.Next()
	key, err := secret.Random(KeySize)
	if err != nil {
		return 0, fmt.Errorf("groupkey: minting key for %q: %w", g, err)
	}
	st.keys[next] = key
	st.current = next

	m.logger.Info("group key rotated", "group", g, "version", next)
	return next, nil
}

// CurrentVersion returns the newest version held for the group, zero
// when none is.
func (m *Manager) CurrentVersion(g ref.GroupID) ref.KeyVersion {
	st := m.state(g)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current
}

// HasVersion reports whether the given version is held unwrapped.
func (m *Manager) HasVersion(g ref.GroupID, version ref.KeyVersion) bool {
	st := m.state(g)
	st.mu.Lock()
	defer st.mu.Unlock()
	_, held := st.keys[version]
	return held
}

// Encrypt seals plaintext under the group's current key with a fresh
// random nonce. Large bodies are zstd-compressed first; the flag is
// bound into the AAD along with the group ID and version.
func (m *Manager) Encrypt(g ref.GroupID, plaintext []byte) (Envelope, error) {
	st := m.state(g)
	st.mu.Lock()
	defer st.mu.Unlock()

	key, ok := st.keys[st.current]
	if !ok {
		return Envelope{}, &Error{
			Code:    CodeNoKeyAvailable,
			Op:      "encrypt",
			Message: fmt.Sprintf("no key held for group %q", g),
		}
	}

	body := plaintext
	compressed := false
	if len(plaintext) >= compressThreshold {
		body = m.compressor.EncodeAll(plaintext, nil)
		compressed = true
	}

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return Envelope{}, fmt.Errorf("groupkey: creating cipher for %q: %w", g, err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("groupkey: reading nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, body, additionalData(g, st.current, compressed))
	boundary := len(sealed) - chacha20poly1305.Overhead

	return Envelope{
		Version:    st.current,
		Nonce:      nonce,
		Ciphertext: sealed[:boundary],
		Tag:        sealed[boundary:],
		Compressed: compressed,
	}, nil
}

// Decrypt opens an envelope with the key for its version. Fails with
// CodeKeyVersionMismatch when that version was never unwrapped locally
// and CodeAuthenticationFailure when the integrity check fails —
// corrupted plaintext is never returned.
func (m *Manager) Decrypt(g ref.GroupID, env Envelope) ([]byte, error) {
	st := m.state(g)
	st.mu.Lock()
	defer st.mu.Unlock()

	key, ok := st.keys[env.Version]
	if !ok {
		return nil, &Error{
			Code:    CodeKeyVersionMismatch,
			Op:      "decrypt",
			Message: fmt.Sprintf("version %s of %q was never unwrapped here", env.Version, g),
		}
	}

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("groupkey: creating cipher for %q: %w", g, err)
	}
	if len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, &Error{
			Code:    CodeAuthenticationFailure,
			Op:      "decrypt",
			Message: fmt.Sprintf("nonce is %d bytes, want %d", len(env.Nonce), chacha20poly1305.NonceSizeX),
		}
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	body, err := aead.Open(nil, env.Nonce, sealed, additionalData(g, env.Version, env.Compressed))
	if err != nil {
		return nil, &Error{
			Code:    CodeAuthenticationFailure,
			Op:      "decrypt",
			Message: fmt.Sprintf("envelope for %q version %s failed authentication", g, env.Version),
			Err:     err,
		}
	}

	if env.Compressed {
		plaintext, err := m.decompressor.DecodeAll(body, nil)
		if err != nil {
			return nil, &Error{
				Code:    CodeAuthenticationFailure,
				Op:      "decrypt",
				Message: "authenticated body failed to decompress",
				Err:     err,
			}
		}
		return plaintext, nil
	}
	return body, nil
}

// Forget drops all key material held for the group, zeroing the
// buffers.
func (m *Manager) Forget(g ref.GroupID) {
	m.mu.Lock()
	st, ok := m.groups[g]
	if ok {
		delete(m.groups, g)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for version, key := range st.keys {
		key.Close()
		delete(st.keys, version)
	}
	st.current = 0
}

// Close zeros and releases all keys for all groups.
func (m *Manager) Close() error {
	m.mu.Lock()
	states := make([]*keyState, 0, len(m.groups))
	for id, st := range m.groups {
		states = append(states, st)
		delete(m.groups, id)
	}
	m.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		for version, key := range st.keys {
			key.Close()
			delete(st.keys, version)
		}
		st.mu.Unlock()
	}
	m.compressor.Close()
	m.decompressor.Close()
	return nil
}

// additionalData binds group, version, and compression flag into the
// AEAD so envelopes cannot be replayed across groups or versions.
func additionalData(g ref.GroupID, version ref.KeyVersion, compressed bool) []byte {
	flag := byte(0)
	if compressed {
		flag = 1
	}
	return append([]byte(fmt.Sprintf("%s:%s:", g, version)), flag)
}
