// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failing(_ context.Context) error { return errBoom }

func succeeding(_ context.Context) error { return nil }

func testSettings() Settings {
	return Settings{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  100 * time.Millisecond,
		CallTimeout:      time.Second,
	}
}

func TestBreaker_InitialState(t *testing.T) {
	t.Parallel()

	b := New("db_read", testSettings())

	assert.Equal(t, StateClosed, b.CurrentState())
	require.NoError(t, b.Do(context.Background(), succeeding))
}

func TestBreaker_ClosedToOpen(t *testing.T) {
	t.Parallel()

	b := New("db_read", testSettings())
	ctx := context.Background()

	// Failures below threshold keep the circuit closed.
	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Do(ctx, failing), errBoom)
		assert.Equal(t, StateClosed, b.CurrentState())
	}

	// The third consecutive failure opens it.
	require.ErrorIs(t, b.Do(ctx, failing), errBoom)
	assert.Equal(t, StateOpen, b.CurrentState())
}

func TestBreaker_OpenFailsFastWithoutInvoking(t *testing.T) {
	t.Parallel()

	b := New("db_read", testSettings())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, failing)
	}
	require.Equal(t, StateOpen, b.CurrentState())

	var invoked atomic.Bool
	err := b.Do(ctx, func(context.Context) error {
		invoked.Store(true)
		return nil
	})

	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked.Load(), "dependency must not be touched while open")

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Positive(t, openErr.RetryAfter)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := New("db_read", testSettings())
	ctx := context.Background()

	_ = b.Do(ctx, failing)
	_ = b.Do(ctx, failing)
	require.NoError(t, b.Do(ctx, succeeding))

	// Two more failures are again below threshold.
	_ = b.Do(ctx, failing)
	_ = b.Do(ctx, failing)
	assert.Equal(t, StateClosed, b.CurrentState())
}

func TestBreaker_HalfOpenToClosed(t *testing.T) {
	t.Parallel()

	b := New("db_read", testSettings())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, failing)
	}

	time.Sleep(150 * time.Millisecond)

	// First probe succeeds: still half-open, success threshold is 2.
	require.NoError(t, b.Do(ctx, succeeding))
	assert.Equal(t, StateHalfOpen, b.CurrentState())

	// Second consecutive success closes the circuit.
	require.NoError(t, b.Do(ctx, succeeding))
	assert.Equal(t, StateClosed, b.CurrentState())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b := New("db_read", testSettings())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, failing)
	}

	time.Sleep(150 * time.Millisecond)

	require.ErrorIs(t, b.Do(ctx, failing), errBoom)
	assert.Equal(t, StateOpen, b.CurrentState())

	// And it fails fast again without waiting out a fresh recovery timeout.
	require.ErrorIs(t, b.Do(ctx, succeeding), ErrOpen)
}

func TestBreaker_HalfOpenAllowsSingleProbe(t *testing.T) {
	t.Parallel()

	b := New("db_read", testSettings())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, failing)
	}
	time.Sleep(150 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Do(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	// While the probe is in flight, other calls are rejected.
	require.ErrorIs(t, b.Do(ctx, succeeding), ErrOpen)
	close(release)
	wg.Wait()
}

func TestBreaker_TimeoutCountsAsFailure(t *testing.T) {
	t.Parallel()

	settings := testSettings()
	settings.CallTimeout = 20 * time.Millisecond
	b := New("db_read", settings)
	ctx := context.Background()

	slow := func(callCtx context.Context) error {
		select {
		case <-callCtx.Done():
			return callCtx.Err()
		case <-time.After(time.Second):
			return nil
		}
	}

	for i := 0; i < 3; i++ {
		err := b.Do(ctx, slow)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
	assert.Equal(t, StateOpen, b.CurrentState())
}

func TestBreaker_CancelledProbeReleasesSlot(t *testing.T) {
	t.Parallel()

	b := New("db_read", testSettings())
	for i := 0; i < 3; i++ {
		_ = b.Do(context.Background(), failing)
	}
	require.Equal(t, StateOpen, b.CurrentState())

	time.Sleep(150 * time.Millisecond)

	// The probe's caller disconnects mid-flight. The outcome must not count
	// against the circuit, but the probe slot has to come back.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = b.Do(ctx, func(callCtx context.Context) error {
		cancel()
		return callCtx.Err()
	})
	assert.Equal(t, StateHalfOpen, b.CurrentState())

	// A healthy dependency finishes recovery: success threshold is 2.
	require.NoError(t, b.Do(context.Background(), succeeding))
	require.NoError(t, b.Do(context.Background(), succeeding))
	assert.Equal(t, StateClosed, b.CurrentState())
}

func TestBreaker_CallerCancellationNotCounted(t *testing.T) {
	t.Parallel()

	b := New("db_read", testSettings())

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = b.Do(ctx, func(callCtx context.Context) error {
			return callCtx.Err()
		})
	}
	assert.Equal(t, StateClosed, b.CurrentState())
}

func TestRegistry_OneBreakerPerName(t *testing.T) {
	t.Parallel()

	r := NewRegistry(func(string) Settings { return testSettings() }, nil)

	a := r.Get("db_read")
	b := r.Get("db_write")
	assert.NotSame(t, a, b)
	assert.Same(t, a, r.Get("db_read"))

	snaps := r.Snapshots()
	assert.Len(t, snaps, 2)
}

func TestRegistry_SettingsPerName(t *testing.T) {
	t.Parallel()

	r := NewRegistry(func(name string) Settings {
		s := testSettings()
		if name == "db_list" {
			s.FailureThreshold = 5
		}
		return s
	}, nil)

	ctx := context.Background()
	lb := r.Get("db_list")
	for i := 0; i < 4; i++ {
		_ = lb.Do(ctx, failing)
	}
	assert.Equal(t, StateClosed, lb.CurrentState())
	_ = lb.Do(ctx, failing)
	assert.Equal(t, StateOpen, lb.CurrentState())
}
