// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package client wires the access controller, key manager, identity
// provider, and transport into one group-messaging participant.
//
// The client owns the envelope flows: invitations go out sealed for
// the invitee, acceptance comes back as a signed join notice, the
// inviter answers with a wrapped-key delivery, and message traffic is
// encrypted under the group's current key and fanned out to every
// member. Incoming envelopes are routed by type; a failure in one
// envelope is logged and never stalls the rest of the pipeline.
package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/conclave-im/conclave/group"
	"github.com/conclave-im/conclave/groupkey"
	"github.com/conclave-im/conclave/identity"
	"github.com/conclave-im/conclave/lib/ref"
	"github.com/conclave-im/conclave/wire"
)

// Message is one decrypted incoming group message.
type Message struct {
	Group     ref.GroupID
	Sender    ref.Fingerprint
	Version   ref.KeyVersion
	Plaintext []byte
}

// Options configures a Client. The callbacks run synchronously on the
// receive path and must not block.
type Options struct {
	Logger *slog.Logger

	// OnInvitation is invoked when a sealed invitation addressed to
	// this client arrives.
	OnInvitation func(inv group.Invitation)

	// OnMessage is invoked for every received message that decrypted
	// and authenticated successfully.
	OnMessage func(msg Message)
}

// Client is one participant: an identity plus its view of groups and
// keys, attached to a transport.
type Client struct {
	self       identity.ContactCard
	provider   identity.Provider
	controller *group.Controller
	keys       *groupkey.Manager
	transport  wire.Transport
	router     *wire.Router
	logger     *slog.Logger

	onInvitation func(group.Invitation)
	onMessage    func(Message)
}

// New creates a client and binds its envelope handlers to the
// transport. The controller (and its store) is shared by every
// participant of a deployment; provider, key manager, and transport
// endpoint are this participant's own.
func New(self identity.ContactCard, provider identity.Provider, controller *group.Controller,
	keys *groupkey.Manager, transport wire.Transport, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	c := &Client{
		self:         self,
		provider:     provider,
		controller:   controller,
		keys:         keys,
		transport:    transport,
		router:       wire.NewRouter(opts.Logger),
		logger:       opts.Logger.With("self", self.Fingerprint.Short()),
		onInvitation: opts.OnInvitation,
		onMessage:    opts.OnMessage,
	}

	c.router.Handle(wire.TypeSealed, c.handleSealed)
	c.router.Handle(wire.TypeInvitation, c.handleInvitation)
	c.router.Handle(wire.TypeGroupJoin, c.handleJoin)
	c.router.Handle(wire.TypeGroupKey, c.handleGroupKey)
	c.router.Handle(wire.TypeGroupMessage, c.handleMessage)
	c.router.Bind(transport)
	return c
}

// Fingerprint returns this client's identity fingerprint.
func (c *Client) Fingerprint() ref.Fingerprint { return c.self.Fingerprint }

// CreateGroup registers a new group with this client as creator,
// mints key v1, and records the version on the group.
func (c *Client) CreateGroup(id ref.GroupID, name string, policy group.Policy) (group.Group, error) {
	g, err := c.controller.CreateGroup(id, name, c.self.Fingerprint, c.self.Name, policy)
	if err != nil {
		return group.Group{}, err
	}

	version, err := c.keys.CreateKey(id, c.self.Fingerprint)
	if err != nil {
		return group.Group{}, fmt.Errorf("client: keying group %q: %w", id, err)
	}
	if err := c.controller.RecordKeyVersion(id, c.self.Fingerprint, version); err != nil {
		return group.Group{}, err
	}
	g.CurrentVersion = version
	return g, nil
}

// Invite records an invitation and delivers it sealed for the
// invitee: the payload is encrypted end to end, so a transport
// observer learns only the recipient fingerprint.
func (c *Client) Invite(ctx context.Context, req group.InviteRequest) (group.Invitation, error) {
	req.Inviter = c.self.Fingerprint
	inv, err := c.controller.Invite(req)
	if err != nil {
		return group.Invitation{}, err
	}

	payload, err := wire.Marshal(wire.InvitationEnvelope{
		Type:         wire.TypeInvitation,
		InvitationID: inv.ID,
		GroupID:      inv.Group,
		GroupName:    inv.GroupName,
		InviterFP:    inv.Inviter,
		InviterName:  inv.InviterName,
		InviteeFP:    inv.Invitee,
		CreatedAt:    inv.CreatedAt,
		ExpiresAt:    inv.ExpiresAt,
		Message:      inv.Message,
		GrantsAdmin:  inv.GrantsAdmin,
	})
	if err != nil {
		return group.Invitation{}, err
	}
	sealed, err := c.provider.Encrypt(inv.Invitee, payload)
	if err != nil {
		return group.Invitation{}, fmt.Errorf("client: sealing invitation for %s: %w", inv.Invitee.Short(), err)
	}
	blob, err := wire.Marshal(wire.SealedEnvelope{
		Type:          wire.TypeSealed,
		RecipientFP:   inv.Invitee,
		CiphertextB64: sealed,
	})
	if err != nil {
		return group.Invitation{}, err
	}
	if err := c.transport.Send(ctx, inv.Invitee, blob); err != nil {
		return group.Invitation{}, fmt.Errorf("client: delivering invitation: %w", err)
	}
	return inv, nil
}

// Accept accepts an invitation addressed to this client and notifies
// the inviter with a signed join notice so key delivery can follow.
func (c *Client) Accept(ctx context.Context, id ref.InvitationID) (group.Membership, error) {
	inv, err := c.controller.Invitation(id)
	if err != nil {
		return group.Membership{}, err
	}

	membership, err := c.controller.Accept(id, c.self.Fingerprint)
	if err != nil {
		return group.Membership{}, err
	}

	join := wire.JoinEnvelope{
		Type:         wire.TypeGroupJoin,
		GroupID:      inv.Group,
		InvitationID: id,
		MemberFP:     c.self.Fingerprint,
		MemberName:   c.self.Name,
	}
	signature, err := c.provider.Sign(c.self.Fingerprint, join.SignedPayload())
	if err != nil {
		return group.Membership{}, fmt.Errorf("client: signing join notice: %w", err)
	}
	join.SignatureB64 = base64.StdEncoding.EncodeToString(signature)

	blob, err := wire.Marshal(join)
	if err != nil {
		return group.Membership{}, err
	}
	if err := c.transport.Send(ctx, inv.Inviter, blob); err != nil {
		return group.Membership{}, fmt.Errorf("client: notifying inviter: %w", err)
	}
	return membership, nil
}

// Decline declines an invitation addressed to this client.
func (c *Client) Decline(id ref.InvitationID) error {
	return c.controller.Decline(id, c.self.Fingerprint)
}

// RevokeInvitation withdraws a pending invitation.
func (c *Client) RevokeInvitation(id ref.InvitationID) error {
	return c.controller.Revoke(id, c.self.Fingerprint)
}

// Send encrypts plaintext under the group's current key and delivers
// the envelope to every other member. Per-recipient delivery failures
// are logged and joined into the returned error; remaining recipients
// are still attempted.
func (c *Client) Send(ctx context.Context, g ref.GroupID, plaintext []byte) error {
	envelope, err := c.keys.Encrypt(g, plaintext)
	if err != nil {
		return err
	}

	blob, err := wire.Marshal(wire.MessageEnvelope{
		Type:          wire.TypeGroupMessage,
		GroupID:       g,
		Version:       envelope.Version,
		SenderFP:      c.self.Fingerprint,
		NonceB64:      base64.StdEncoding.EncodeToString(envelope.Nonce),
		CiphertextB64: base64.StdEncoding.EncodeToString(envelope.Ciphertext),
		TagB64:        base64.StdEncoding.EncodeToString(envelope.Tag),
		Compressed:    envelope.Compressed,
	})
	if err != nil {
		return err
	}

	members, err := c.controller.Members(g, c.self.Fingerprint)
	if err != nil {
		return err
	}
	var deliveryErrors []error
	for _, m := range members {
		if m.Member == c.self.Fingerprint {
			continue
		}
		if err := c.transport.Send(ctx, m.Member, blob); err != nil {
			c.logger.Warn("message delivery failed",
				"group", g, "recipient", m.Member.Short(), "error", err)
			deliveryErrors = append(deliveryErrors, err)
		}
	}
	return errors.Join(deliveryErrors...)
}

// RemoveMember removes target from the group and, when rotate is set,
// immediately rotates the key and re-wraps it for the remaining
// members. Without rotation the removed member keeps reading traffic
// until someone rotates — removal alone revokes nothing
// cryptographically.
func (c *Client) RemoveMember(ctx context.Context, g ref.GroupID, target ref.Fingerprint, rotate bool) error {
	if err := c.controller.RemoveMember(g, c.self.Fingerprint, target); err != nil {
		return err
	}
	if !rotate {
		return nil
	}
	return c.Rotate(ctx, g)
}

// Rotate mints the next key version and delivers it wrapped to every
// current member. Members removed before the rotation never see the
// new version.
func (c *Client) Rotate(ctx context.Context, g ref.GroupID) error {
	version, err := c.keys.RotateKey(g)
	if err != nil {
		return err
	}
	if err := c.controller.RecordKeyVersion(g, c.self.Fingerprint, version); err != nil {
		return err
	}

	members, err := c.controller.Members(g, c.self.Fingerprint)
	if err != nil {
		return err
	}
	var deliveryErrors []error
	for _, m := range members {
		if m.Member == c.self.Fingerprint {
			// The rotator holds the raw key; wrapping its own copy
			// keeps the key store restart-complete.
			if _, err := c.keys.WrapForMember(g, version, c.self.Fingerprint); err != nil {
				c.logger.Warn("self-wrap after rotation failed",
					"group", g, "version", version, "error", err)
			}
			continue
		}
		if err := c.deliverKey(ctx, g, version, m.Member); err != nil {
			c.logger.Warn("key delivery failed",
				"group", g, "version", version, "recipient", m.Member.Short(), "error", err)
			deliveryErrors = append(deliveryErrors, err)
		}
	}

	c.logger.Info("group key rotated and distributed",
		"group", g, "version", version, "members", len(members))
	return errors.Join(deliveryErrors...)
}

// PendingInvitations lists the open invitations addressed to this
// client.
func (c *Client) PendingInvitations() ([]group.Invitation, error) {
	return c.controller.PendingInvitationsFor(c.self.Fingerprint)
}

// deliverKey wraps one key version for a recipient and sends it.
func (c *Client) deliverKey(ctx context.Context, g ref.GroupID, version ref.KeyVersion, recipient ref.Fingerprint) error {
	wrapped, err := c.keys.WrapForMember(g, version, recipient)
	if err != nil {
		return err
	}
	blob, err := wire.Marshal(wire.KeyEnvelope{
		Type:          wire.TypeGroupKey,
		GroupID:       g,
		Version:       version,
		RecipientFP:   recipient,
		WrappedKeyB64: wrapped.Ciphertext,
	})
	if err != nil {
		return err
	}
	return c.transport.Send(ctx, recipient, blob)
}

// handleSealed unwraps an end-to-end encrypted carrier and re-routes
// the inner envelope.
func (c *Client) handleSealed(source ref.Fingerprint, blob []byte) error {
	var env wire.SealedEnvelope
	if err := wire.Unmarshal(blob, &env); err != nil {
		return err
	}
	if env.RecipientFP != c.self.Fingerprint {
		return fmt.Errorf("sealed envelope addressed to %s", env.RecipientFP.Short())
	}

	inner, err := c.provider.Decrypt(c.self.Fingerprint, env.CiphertextB64)
	if err != nil {
		return fmt.Errorf("unsealing envelope from %s: %w", source.Short(), err)
	}
	defer inner.Close()

	payload := make([]byte, len(inner.Bytes()))
	copy(payload, inner.Bytes())
	c.router.Dispatch(source, payload)
	return nil
}

// handleInvitation surfaces a received invitation.
func (c *Client) handleInvitation(source ref.Fingerprint, blob []byte) error {
	var env wire.InvitationEnvelope
	if err := wire.Unmarshal(blob, &env); err != nil {
		return err
	}
	if env.InviteeFP != c.self.Fingerprint {
		return fmt.Errorf("invitation addressed to %s", env.InviteeFP.Short())
	}

	c.logger.Info("invitation received",
		"group", env.GroupID, "invitation_id", env.InvitationID, "inviter", env.InviterFP.Short())

	if c.onInvitation != nil {
		c.onInvitation(group.Invitation{
			ID:          env.InvitationID,
			Group:       env.GroupID,
			GroupName:   env.GroupName,
			Inviter:     env.InviterFP,
			InviterName: env.InviterName,
			Invitee:     env.InviteeFP,
			Message:     env.Message,
			GrantsAdmin: env.GrantsAdmin,
			CreatedAt:   env.CreatedAt,
			ExpiresAt:   env.ExpiresAt,
			Status:      group.StatusPending,
		})
	}
	return nil
}

// handleJoin verifies a signed join notice and answers with the
// group's current key wrapped for the new member.
func (c *Client) handleJoin(source ref.Fingerprint, blob []byte) error {
	var env wire.JoinEnvelope
	if err := wire.Unmarshal(blob, &env); err != nil {
		return err
	}

	signature, err := base64.StdEncoding.DecodeString(env.SignatureB64)
	if err != nil {
		return fmt.Errorf("join signature encoding: %w", err)
	}
	if err := c.provider.Verify(env.MemberFP, env.SignedPayload(), signature); err != nil {
		return fmt.Errorf("join notice from %s does not verify: %w", env.MemberFP.Short(), err)
	}
	if !c.controller.CanAccess(env.GroupID, env.MemberFP) {
		return fmt.Errorf("join notice for non-member %s of %q", env.MemberFP.Short(), env.GroupID)
	}

	version := c.keys.CurrentVersion(env.GroupID)
	if version.IsZero() {
		return fmt.Errorf("no key held for %q to deliver", env.GroupID)
	}
	if err := c.deliverKey(context.Background(), env.GroupID, version, env.MemberFP); err != nil {
		return fmt.Errorf("delivering key to %s: %w", env.MemberFP.Short(), err)
	}

	c.logger.Info("member joined, key delivered",
		"group", env.GroupID, "member", env.MemberFP.Short(), "version", version)
	return nil
}

// handleGroupKey unwraps a delivered group key into the local cache.
func (c *Client) handleGroupKey(source ref.Fingerprint, blob []byte) error {
	var env wire.KeyEnvelope
	if err := wire.Unmarshal(blob, &env); err != nil {
		return err
	}
	if env.RecipientFP != c.self.Fingerprint {
		return fmt.Errorf("key envelope addressed to %s", env.RecipientFP.Short())
	}
	return c.keys.Unwrap(env.GroupID, env.Version, env.WrappedKeyB64, c.self.Fingerprint)
}

// handleMessage authorizes, decrypts, and surfaces one group message.
// Undecryptable and unauthorized traffic is dropped with a log line:
// corrupted relay traffic is expected and must never stall the
// pipeline.
func (c *Client) handleMessage(source ref.Fingerprint, blob []byte) error {
	var env wire.MessageEnvelope
	if err := wire.Unmarshal(blob, &env); err != nil {
		return err
	}

	// Authorization, not decryption: senders must hold membership.
	if !c.controller.CanAccess(env.GroupID, env.SenderFP) {
		c.logger.Warn("dropping message from non-member",
			"group", env.GroupID, "sender", env.SenderFP.Short())
		return nil
	}

	nonce, err := base64.StdEncoding.DecodeString(env.NonceB64)
	if err != nil {
		return fmt.Errorf("nonce encoding: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.CiphertextB64)
	if err != nil {
		return fmt.Errorf("ciphertext encoding: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.TagB64)
	if err != nil {
		return fmt.Errorf("tag encoding: %w", err)
	}

	plaintext, err := c.keys.Decrypt(env.GroupID, groupkey.Envelope{
		Version:    env.Version,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Tag:        tag,
		Compressed: env.Compressed,
	})
	if err != nil {
		if groupkey.IsCode(err, groupkey.CodeAuthenticationFailure) {
			c.logger.Warn("dropping unauthenticated message",
				"group", env.GroupID, "sender", env.SenderFP.Short(), "version", env.Version)
			return nil
		}
		return err
	}

	if c.onMessage != nil {
		c.onMessage(Message{
			Group:     env.GroupID,
			Sender:    env.SenderFP,
			Version:   env.Version,
			Plaintext: plaintext,
		})
	}
	return nil
}
