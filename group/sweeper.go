// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

package group

import (
	"context"
	"time"
)

// Sweeper runs SweepExpired at a fixed interval. Housekeeping only:
// lazy expiry evaluation keeps the controller correct whether or not
// a sweeper is running.
type Sweeper struct {
	controller *Controller
	interval   time.Duration
	swept      chan int
}

// NewSweeper creates a sweeper over the controller. The interval must
// be positive.
func NewSweeper(controller *Controller, interval time.Duration) *Sweeper {
	return &Sweeper{
		controller: controller,
		interval:   interval,
		swept:      make(chan int, 1),
	}
}

// Swept receives the flip count after each completed pass. The send
// is non-blocking, so a slow reader misses counts rather than
// stalling the sweep.
func (s *Sweeper) Swept() <-chan int {
	return s.swept
}

// Run sweeps every interval until ctx is cancelled. Sweep failures
// are logged and the loop continues; the next pass retries naturally.
func (s *Sweeper) Run(ctx context.Context) error {
	logger := s.controller.logger
	logger.Info("invitation sweeper started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("invitation sweeper stopped")
			return ctx.Err()
		case <-s.controller.clock.After(s.interval):
		}

		flipped, err := s.controller.SweepExpired()
		if err != nil {
			logger.Error("invitation sweep failed", "error", err)
			continue
		}
		select {
		case s.swept <- flipped:
		default:
		}
	}
}
