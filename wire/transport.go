// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"context"
	"fmt"
	"sync"

	"github.com/conclave-im/conclave/lib/ref"
)

// Handler consumes one received blob with the claimed source
// fingerprint. The transport authenticates nothing — envelope
// signatures and AEAD tags are the trust anchors.
type Handler func(source ref.Fingerprint, blob []byte)

// Transport moves opaque envelope blobs between participants
// addressed by fingerprint. Implementations over a real network live
// outside this module; MemoryHub covers in-process wiring and tests.
type Transport interface {
	// Send delivers blob to the destination. Delivery failures are
	// reported, content is never inspected.
	Send(ctx context.Context, destination ref.Fingerprint, blob []byte) error

	// Receive registers the handler for incoming blobs, replacing any
	// previous one.
	Receive(handler Handler)
}

// MemoryHub connects in-process endpoints. Delivery is synchronous:
// Send runs the destination's handler on the calling goroutine before
// returning, which gives tests deterministic ordering.
type MemoryHub struct {
	mu        sync.Mutex
	endpoints map[ref.Fingerprint]*Endpoint
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{endpoints: make(map[ref.Fingerprint]*Endpoint)}
}

// Endpoint attaches a participant to the hub, returning its transport.
func (h *MemoryHub) Endpoint(fp ref.Fingerprint) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	endpoint, ok := h.endpoints[fp]
	if !ok {
		endpoint = &Endpoint{hub: h, self: fp}
		h.endpoints[fp] = endpoint
	}
	return endpoint
}

func (h *MemoryHub) lookup(fp ref.Fingerprint) (*Endpoint, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	endpoint, ok := h.endpoints[fp]
	return endpoint, ok
}

// Endpoint is one participant's attachment to a MemoryHub.
type Endpoint struct {
	hub  *MemoryHub
	self ref.Fingerprint

	mu      sync.Mutex
	handler Handler
}

// Send implements Transport.
func (e *Endpoint) Send(ctx context.Context, destination ref.Fingerprint, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	destEndpoint, ok := e.hub.lookup(destination)
	if !ok {
		return fmt.Errorf("wire: no endpoint for %s", destination.Short())
	}

	destEndpoint.mu.Lock()
	handler := destEndpoint.handler
	destEndpoint.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("wire: endpoint %s has no receive handler", destination.Short())
	}

	// Copy so the receiver cannot observe later mutations by the
	// sender.
	delivered := make([]byte, len(blob))
	copy(delivered, blob)
	handler(e.self, delivered)
	return nil
}

// Receive implements Transport.
func (e *Endpoint) Receive(handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}
