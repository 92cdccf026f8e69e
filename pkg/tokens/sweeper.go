// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"time"

	"github.com/keyfold/keyfold/pkg/logger"
	"github.com/keyfold/keyfold/pkg/storage"
)

// Sweeper drives periodic cleanup: rotating refresh tokens whose grace
// window elapsed become revoked, and expired authorization codes and nonces
// are deleted.
type Sweeper struct {
	store    storage.Store
	interval time.Duration
}

// NewSweeper creates a sweeper over the given store.
func NewSweeper(store storage.Store, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, interval: interval}
}

// Run blocks until ctx is cancelled, sweeping every interval. Errors are
// logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now().UTC()

	if n, err := s.store.SweepRotatedTokens(ctx, now); err != nil {
		logger.Errorw("Failed to sweep rotated refresh tokens", "error", err)
	} else if n > 0 {
		logger.Debugw("Revoked rotated refresh tokens past grace", "count", n)
	}

	if n, err := s.store.DeleteExpiredAuthorizationCodes(ctx, now); err != nil {
		logger.Errorw("Failed to delete expired authorization codes", "error", err)
	} else if n > 0 {
		logger.Debugw("Deleted expired authorization codes", "count", n)
	}

	if n, err := s.store.DeleteExpiredNonces(ctx, now); err != nil {
		logger.Errorw("Failed to delete expired nonces", "error", err)
	} else if n > 0 {
		logger.Debugw("Deleted expired nonces", "count", n)
	}
}
