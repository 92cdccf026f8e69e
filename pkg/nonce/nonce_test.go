// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

package nonce

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/pkg/storage/sqlite"
)

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return NewGuard(store)
}

func TestConsumeOnce(t *testing.T) {
	t.Parallel()
	guard := newTestGuard(t)
	ctx := context.Background()

	require.NoError(t, guard.Store(ctx, "n-abc", "c1", "u1", 10*time.Minute))

	require.NoError(t, guard.Consume(ctx, "n-abc", "c1"))

	// A second presentation fails.
	assert.ErrorIs(t, guard.Consume(ctx, "n-abc", "c1"), ErrInvalidNonce)
}

func TestConsumeWrongClient(t *testing.T) {
	t.Parallel()
	guard := newTestGuard(t)
	ctx := context.Background()

	require.NoError(t, guard.Store(ctx, "n-abc", "c1", "u1", 10*time.Minute))

	assert.ErrorIs(t, guard.Consume(ctx, "n-abc", "c2"), ErrInvalidNonce)

	// The rightful client can still consume it.
	assert.NoError(t, guard.Consume(ctx, "n-abc", "c1"))
}

func TestConsumeUnknownNonce(t *testing.T) {
	t.Parallel()
	guard := newTestGuard(t)

	assert.ErrorIs(t, guard.Consume(context.Background(), "never-stored", "c1"), ErrInvalidNonce)
}

func TestConsumeExpiredNonce(t *testing.T) {
	t.Parallel()
	guard := newTestGuard(t)
	ctx := context.Background()

	require.NoError(t, guard.Store(ctx, "n-abc", "c1", "u1", -time.Minute))

	assert.ErrorIs(t, guard.Consume(ctx, "n-abc", "c1"), ErrInvalidNonce)
}

func TestPrune(t *testing.T) {
	t.Parallel()
	guard := newTestGuard(t)
	ctx := context.Background()

	require.NoError(t, guard.Store(ctx, "stale", "c1", "u1", -time.Minute))
	require.NoError(t, guard.Store(ctx, "fresh", "c1", "u1", 10*time.Minute))

	n, err := guard.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.NoError(t, guard.Consume(ctx, "fresh", "c1"))
}
