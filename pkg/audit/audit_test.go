// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordNeverBlocks(t *testing.T) {
	t.Parallel()
	l := NewLogger()

	// Flood well past the buffer size; overflow is dropped, not blocked on.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < bufferSize*4; i++ {
			l.Record(Event{Action: ActionValidate, ClientID: "c1", Success: true})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked on a full buffer")
	}
	assert.NoError(t, l.Close(context.Background()))
}

func TestCloseDrainsAndIsIdempotent(t *testing.T) {
	t.Parallel()
	l := NewLogger()

	for i := 0; i < 10; i++ {
		l.Record(Event{Action: ActionRefresh, ClientID: "c1", UserID: "u1", Success: true})
	}

	assert.NoError(t, l.Close(context.Background()))
	assert.NoError(t, l.Close(context.Background()), "second close is a no-op")
}
