// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the envelopes exchanged over the transport and
// the codec that frames them. Envelopes are deterministic CBOR maps
// demultiplexed by their "type" field; the transport treats them as
// opaque blobs.
//
// Confidential payloads (invitations) travel inside a sealed carrier:
// the inner envelope is CBOR-encoded, encrypted for the recipient via
// the identity provider, and the resulting ciphertext rides in a
// SealedEnvelope. Observers see only the recipient fingerprint.
package wire

import (
	"fmt"
	"time"

	"github.com/conclave-im/conclave/lib/codec"
	"github.com/conclave-im/conclave/lib/ref"
)

// Envelope type tags.
const (
	// TypeSealed is the outer carrier for end-to-end encrypted
	// payloads.
	TypeSealed = "sealed"

	// TypeInvitation is a group invitation, always carried sealed.
	TypeInvitation = "group_invitation"

	// TypeGroupKey delivers a wrapped group key to one recipient.
	TypeGroupKey = "group_key"

	// TypeGroupJoin notifies the inviter that an invitation was
	// accepted and key delivery is due.
	TypeGroupJoin = "group_join"

	// TypeGroupMessage is encrypted group traffic.
	TypeGroupMessage = "group_message"
)

// SealedEnvelope wraps an end-to-end encrypted inner envelope. The
// ciphertext is the identity provider's base64 output over the inner
// envelope's CBOR encoding.
type SealedEnvelope struct {
	Type          string          `cbor:"type"`
	RecipientFP   ref.Fingerprint `cbor:"recipient_fp"`
	CiphertextB64 string          `cbor:"ciphertext_b64"`
}

// InvitationEnvelope is the invitation payload, sealed for the
// invitee before transport.
type InvitationEnvelope struct {
	Type         string           `cbor:"type"`
	InvitationID ref.InvitationID `cbor:"invitation_id"`
	GroupID      ref.GroupID      `cbor:"group_id"`
	GroupName    string           `cbor:"group_name"`
	InviterFP    ref.Fingerprint  `cbor:"inviter_fp"`
	InviterName  string           `cbor:"inviter_name"`
	InviteeFP    ref.Fingerprint  `cbor:"invitee_fp"`
	CreatedAt    time.Time        `cbor:"created_at"`
	ExpiresAt    time.Time        `cbor:"expires_at"`
	Message      string           `cbor:"message,omitempty"`
	GrantsAdmin  bool             `cbor:"grants_admin,omitempty"`
}

// KeyEnvelope delivers one wrapped key version to one recipient. The
// wrapped key is already ciphertext for that recipient, so the
// envelope travels unsealed.
type KeyEnvelope struct {
	Type          string          `cbor:"type"`
	GroupID       ref.GroupID     `cbor:"group_id"`
	Version       ref.KeyVersion  `cbor:"version"`
	RecipientFP   ref.Fingerprint `cbor:"recipient_fp"`
	WrappedKeyB64 string          `cbor:"wrapped_key_b64"`
}

// JoinEnvelope tells the inviter that their invitation was accepted.
// It is signed by the new member so the inviter does not wrap the
// group key for an impostor.
type JoinEnvelope struct {
	Type         string           `cbor:"type"`
	GroupID      ref.GroupID      `cbor:"group_id"`
	InvitationID ref.InvitationID `cbor:"invitation_id"`
	MemberFP     ref.Fingerprint  `cbor:"member_fp"`
	MemberName   string           `cbor:"member_name"`
	SignatureB64 string           `cbor:"signature_b64"`
}

// SignedPayload is the byte string the join signature covers.
func (e JoinEnvelope) SignedPayload() []byte {
	return []byte(fmt.Sprintf("group_join|%s|%s|%s", e.GroupID, e.InvitationID, e.MemberFP))
}

// MessageEnvelope is one encrypted group message. Nonce, ciphertext,
// and tag are standard base64.
type MessageEnvelope struct {
	Type          string          `cbor:"type"`
	GroupID       ref.GroupID     `cbor:"group_id"`
	Version       ref.KeyVersion  `cbor:"version"`
	SenderFP      ref.Fingerprint `cbor:"sender_fp"`
	NonceB64      string          `cbor:"nonce_b64"`
	CiphertextB64 string          `cbor:"ciphertext_b64"`
	TagB64        string          `cbor:"tag_b64"`
	Compressed    bool            `cbor:"compressed,omitempty"`
}

// Marshal frames an envelope as deterministic CBOR.
func Marshal(envelope any) ([]byte, error) {
	blob, err := codec.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding envelope: %w", err)
	}
	return blob, nil
}

// Unmarshal decodes an envelope blob into the given struct.
func Unmarshal(blob []byte, envelope any) error {
	if err := codec.Unmarshal(blob, envelope); err != nil {
		return fmt.Errorf("wire: decoding envelope: %w", err)
	}
	return nil
}

// PeekType reads only the type tag of an envelope blob, for routing.
func PeekType(blob []byte) (string, error) {
	var head struct {
		Type string `cbor:"type"`
	}
	if err := codec.Unmarshal(blob, &head); err != nil {
		return "", fmt.Errorf("wire: reading envelope type: %w", err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("wire: envelope has no type tag")
	}
	return head.Type, nil
}
