// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package audit records every authorization decision as an append-only
// stream of structured log lines. Recording is best-effort and must never
// block or fail the primary operation: events flow through a bounded buffer
// to a single writer goroutine, and a full buffer drops the event rather
// than stalling a token request.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/keyfold/keyfold/pkg/logger"
)

// Action names recorded in the audit stream.
const (
	ActionAuthorize         = "authorize"
	ActionExchangeCode      = "exchange_code"
	ActionRefresh           = "refresh"
	ActionClientCredentials = "client_credentials"
	ActionRevoke            = "revoke"
	ActionIntrospect        = "introspect"
	ActionValidate          = "validate"
)

// Event is one authorization decision.
type Event struct {
	Action    string
	ClientID  string
	UserID    string
	Success   bool
	ErrorCode string
	At        time.Time
}

const bufferSize = 1024

// Logger fans audit events into the structured log through a single writer
// goroutine.
type Logger struct {
	events chan Event
	log    *zap.SugaredLogger

	stopOnce sync.Once
	done     chan struct{}
}

// NewLogger creates an audit logger and starts its writer.
func NewLogger() *Logger {
	l := &Logger{
		events: make(chan Event, bufferSize),
		log:    logger.Get().Named("audit"),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Record enqueues an event without blocking. Events are dropped when the
// buffer is full; an audit gap is preferable to a stalled token endpoint.
func (l *Logger) Record(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	select {
	case l.events <- event:
	default:
		logger.Warnw("Audit buffer full; dropping event", "action", event.Action)
	}
}

// run is the single writer. It drains the buffer on shutdown.
func (l *Logger) run() {
	for event := range l.events {
		l.log.Infow("authorization decision",
			"action", event.Action,
			"client_id", event.ClientID,
			"user_id", event.UserID,
			"success", event.Success,
			"error_code", event.ErrorCode,
			"at", event.At.Format(time.RFC3339Nano),
		)
	}
	close(l.done)
}

// Close stops accepting events and waits for the writer to drain.
func (l *Logger) Close(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.events) })
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
