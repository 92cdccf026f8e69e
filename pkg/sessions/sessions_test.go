// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/pkg/cache"
)

func newTestMirror(t *testing.T, ttl time.Duration) (*Mirror, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return New(cache.NewWithClient(client, "keyfold:"), ttl), mr
}

func testSession(id, userID string, tokenTTL time.Duration) *Session {
	now := time.Now().UTC()
	return &Session{
		SessionID:      id,
		UserID:         userID,
		ClientID:       "c1",
		Username:       "alice",
		Scopes:         []string{"openid", "profile"},
		AuthTime:       now,
		TokenExpiresAt: now.Add(tokenTTL),
	}
}

func TestPutAndLookup(t *testing.T) {
	t.Parallel()
	m, _ := newTestMirror(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, testSession("s1", "u1", 2*time.Hour)))

	got, err := m.Lookup(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, []string{"openid", "profile"}, got.Scopes)
	assert.False(t, got.LastAccessedAt.IsZero())
}

func TestLookupMissIsNotAnError(t *testing.T) {
	t.Parallel()
	m, _ := newTestMirror(t, time.Hour)

	got, err := m.Lookup(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTTLBoundedByTokenLifetime(t *testing.T) {
	t.Parallel()
	m, mr := newTestMirror(t, time.Hour)
	ctx := context.Background()

	// Token expires well before the sliding window would.
	require.NoError(t, m.Put(ctx, testSession("s1", "u1", time.Minute)))

	ttl := mr.TTL("keyfold:session:s1")
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestLookupExtendsTTL(t *testing.T) {
	t.Parallel()
	m, mr := newTestMirror(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, testSession("s1", "u1", 24*time.Hour)))

	mr.FastForward(45 * time.Second)
	got, err := m.Lookup(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)

	// The lookup slid the window forward.
	ttl := mr.TTL("keyfold:session:s1")
	assert.Greater(t, ttl, 45*time.Second)
}

func TestInvalidateRemovesAllUserSessions(t *testing.T) {
	t.Parallel()
	m, _ := newTestMirror(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, testSession("s1", "u1", time.Hour)))
	require.NoError(t, m.Put(ctx, testSession("s2", "u1", time.Hour)))
	require.NoError(t, m.Put(ctx, testSession("s3", "u2", time.Hour)))

	require.NoError(t, m.Invalidate(ctx, "u1"))

	for _, id := range []string{"s1", "s2"} {
		got, err := m.Lookup(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, got, id)
	}

	got, err := m.Lookup(ctx, "s3")
	require.NoError(t, err)
	assert.NotNil(t, got, "other users' sessions survive")
}

func TestInvalidateSession(t *testing.T) {
	t.Parallel()
	m, _ := newTestMirror(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, testSession("s1", "u1", time.Hour)))
	require.NoError(t, m.Put(ctx, testSession("s2", "u1", time.Hour)))

	require.NoError(t, m.InvalidateSession(ctx, "u1", "s1"))

	got, err := m.Lookup(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = m.Lookup(ctx, "s2")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestReconstruct(t *testing.T) {
	t.Parallel()
	m, _ := newTestMirror(t, time.Hour)
	ctx := context.Background()

	sess, err := m.Reconstruct(ctx, testSession("s1", "u1", time.Hour))
	require.NoError(t, err)
	require.NotNil(t, sess)

	got, err := m.Lookup(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.UserID)
}
