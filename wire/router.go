// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"log/slog"
	"sync"

	"github.com/conclave-im/conclave/lib/ref"
)

// EnvelopeHandler processes one routed envelope blob. A returned
// error is logged and the pipeline continues — one bad envelope never
// stalls the others.
type EnvelopeHandler func(source ref.Fingerprint, blob []byte) error

// Router demultiplexes received blobs by envelope type. Unknown and
// malformed envelopes are logged and dropped: spurious relay traffic
// is expected, not exceptional.
type Router struct {
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]EnvelopeHandler
}

// NewRouter creates a router. A nil logger discards.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Router{
		logger:   logger,
		handlers: make(map[string]EnvelopeHandler),
	}
}

// Handle registers the handler for one envelope type, replacing any
// previous registration.
func (r *Router) Handle(envelopeType string, handler EnvelopeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[envelopeType] = handler
}

// Dispatch routes one blob. Usable directly as a Transport Handler.
func (r *Router) Dispatch(source ref.Fingerprint, blob []byte) {
	envelopeType, err := PeekType(blob)
	if err != nil {
		r.logger.Warn("dropping unreadable envelope",
			"source", source.Short(), "error", err)
		return
	}

	r.mu.Lock()
	handler, ok := r.handlers[envelopeType]
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("dropping envelope of unknown type",
			"source", source.Short(), "type", envelopeType)
		return
	}

	if err := handler(source, blob); err != nil {
		r.logger.Warn("envelope handler failed",
			"source", source.Short(), "type", envelopeType, "error", err)
	}
}

// Bind registers the router as the transport's receive handler.
func (r *Router) Bind(t Transport) {
	t.Receive(r.Dispatch)
}
