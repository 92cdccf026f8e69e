// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"time"

	"github.com/keyfold/keyfold/pkg/logger"
)

// checkInterval is how often the rotator re-evaluates whether the active
// key is due. Rotation intervals are measured in days, so hourly checks
// keep drift negligible.
const checkInterval = time.Hour

// Rotator drives scheduled key rotation and pruning in the background.
type Rotator struct {
	manager *Manager
}

// NewRotator creates a rotator over the given manager.
func NewRotator(manager *Manager) *Rotator {
	return &Rotator{manager: manager}
}

// Run blocks until ctx is cancelled, rotating the signing key when it is
// due and pruning keys past their verification grace. Errors are logged and
// retried on the next tick; a transient store failure must not kill the
// rotation loop.
func (r *Rotator) Run(ctx context.Context) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.manager.RotateIfDue(ctx); err != nil {
				logger.Errorw("Signing key rotation failed", "error", err)
				continue
			}
			pruned, err := r.manager.Prune(ctx)
			if err != nil {
				logger.Errorw("Signing key pruning failed", "error", err)
				continue
			}
			if pruned > 0 {
				logger.Infow("Pruned expired signing keys", "count", pruned)
			}
		}
	}
}
