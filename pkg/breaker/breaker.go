// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package breaker implements the circuit breaker protecting calls to the
// durable store. Breaker state is per-process only; cross-process facts live
// in the shared coordination store, never in process memory.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/keyfold/keyfold/pkg/logger"
)

// State represents the state of a circuit breaker.
type State string

const (
	// StateClosed indicates normal operation - calls pass through.
	StateClosed State = "closed"
	// StateOpen indicates failing state - calls fail immediately.
	StateOpen State = "open"
	// StateHalfOpen indicates recovery testing - limited calls allowed.
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned when the breaker rejects a call without invoking the
// dependency. Use RetryAfter on the wrapping *OpenError for the retry hint.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError wraps ErrOpen with the time until the next attempt is allowed.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

// Error returns the error message.
func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, retry after %s", e.Name, e.RetryAfter)
}

// Unwrap lets errors.Is(err, ErrOpen) work.
func (*OpenError) Unwrap() error {
	return ErrOpen
}

// Settings configures a Breaker.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that opens a
	// closed circuit.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes that closes a
	// half-open circuit.
	SuccessThreshold int

	// RecoveryTimeout is how long an open circuit waits before allowing a
	// probe call (half-open).
	RecoveryTimeout time.Duration

	// CallTimeout bounds every call; a timeout counts as a failure.
	CallTimeout time.Duration
}

// Breaker manages circuit state for a single named dependency.
// It transitions Closed → Open after FailureThreshold consecutive failures,
// Open → HalfOpen after RecoveryTimeout, HalfOpen → Closed after
// SuccessThreshold consecutive successes, and HalfOpen → Open on any failure.
type Breaker struct {
	mu sync.Mutex

	// name identifies the protected dependency, used for logging and metrics.
	name     string
	settings Settings

	state           State
	failureCount    int
	successCount    int
	lastStateChange time.Time

	// Only one probe call runs at a time while half-open.
	halfOpenProbeInProgress bool

	metrics *metrics
}

// New creates a breaker for the named dependency.
func New(name string, settings Settings) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 3
	}
	if settings.SuccessThreshold <= 0 {
		settings.SuccessThreshold = 1
	}
	if settings.RecoveryTimeout <= 0 {
		settings.RecoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		name:            name,
		settings:        settings,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Do runs fn under the breaker. When the circuit is open the call fails
// immediately with *OpenError and fn is never invoked. Otherwise fn runs
// under a hard timeout; exceeding it counts as a failure.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if retryAfter, ok := b.allow(); !ok {
		b.metrics.rejected()
		return &OpenError{Name: b.name, RetryAfter: retryAfter}
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.settings.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.settings.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(callCtx)
	elapsed := time.Since(start)
	b.metrics.observe(elapsed, err)

	// A caller-side cancellation is not the dependency's fault; only count
	// the call against the breaker when the hard timeout fired or the
	// dependency itself failed.
	if err != nil && (ctx.Err() == nil || errors.Is(err, context.DeadlineExceeded)) {
		b.recordFailure()
		return err
	}
	if err != nil {
		// Caller cancellation: the call does not count against the breaker,
		// but a probe slot claimed while half-open must be returned so the
		// next call can run the probe instead.
		b.releaseProbe()
		return err
	}

	b.recordSuccess()
	return nil
}

// releaseProbe frees a half-open probe slot without recording an outcome.
func (b *Breaker) releaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.halfOpenProbeInProgress = false
}

// allow reports whether a call may proceed, returning the retry hint when it
// may not. It performs the Open → HalfOpen transition when the recovery
// timeout has elapsed.
func (b *Breaker) allow() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return 0, true

	case StateOpen:
		elapsed := time.Since(b.lastStateChange)
		if elapsed >= b.settings.RecoveryTimeout {
			b.transition(StateHalfOpen)
			b.halfOpenProbeInProgress = true
			return 0, true
		}
		return b.settings.RecoveryTimeout - elapsed, false

	case StateHalfOpen:
		if b.halfOpenProbeInProgress {
			return b.settings.RecoveryTimeout, false
		}
		b.halfOpenProbeInProgress = true
		return 0, true

	default:
		return b.settings.RecoveryTimeout, false
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.halfOpenProbeInProgress = false

	if b.state == StateHalfOpen {
		b.successCount++
		if b.successCount >= b.settings.SuccessThreshold {
			b.transition(StateClosed)
			logger.Infof("circuit breaker %q closed (recovery successful)", b.name)
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.successCount = 0
	b.halfOpenProbeInProgress = false

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.settings.FailureThreshold {
			b.transition(StateOpen)
			logger.Warnf("circuit breaker %q opened (failure threshold %d reached)",
				b.name, b.settings.FailureThreshold)
		}
	case StateHalfOpen:
		// One failure while probing sends the circuit straight back to open.
		b.transition(StateOpen)
		logger.Warnf("circuit breaker %q reopened (probe failed)", b.name)
	case StateOpen:
		// Nothing to do, already open.
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	b.state = to
	b.lastStateChange = time.Now()
	b.successCount = 0
	if to != StateHalfOpen {
		b.halfOpenProbeInProgress = false
	}
	b.metrics.setState(to)
}

// CurrentState returns the current state of the circuit breaker.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is an immutable view of breaker state.
type Snapshot struct {
	Name            string
	State           State
	FailureCount    int
	SuccessCount    int
	LastStateChange time.Time
}

// GetSnapshot returns an immutable snapshot of the breaker state.
func (b *Breaker) GetSnapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastStateChange: b.lastStateChange,
	}
}
