// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sessions provides the session mirror: a TTL-bound, cache-backed
// record of who is currently authenticated, keyed by session id and indexed
// per user.
//
// The mirror is a consistency and performance aid, never a source of truth.
// A signed access token remains authoritative; when the mirror has no entry
// for a valid token (evicted, or a fresh worker), the caller reconstructs
// the entry from the token's claims and a durable user lookup.
package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keyfold/keyfold/pkg/cache"
)

// Session is the mirrored identity record for one authenticated principal
// on one client.
type Session struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	ClientID       string    `json:"client_id"`
	Username       string    `json:"username,omitempty"`
	Email          string    `json:"email,omitempty"`
	Scopes         []string  `json:"scopes,omitempty"`
	AuthTime       time.Time `json:"auth_time"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Mirror stores sessions in the shared cache with a per-user index so all
// of a user's sessions can be invalidated together.
type Mirror struct {
	cache   *cache.Cache
	client  redis.UniversalClient
	ttl     time.Duration
}

// New creates a session mirror. ttl is the sliding idle window; entries are
// additionally capped by the backing token's remaining lifetime.
func New(c *cache.Cache, ttl time.Duration) *Mirror {
	return &Mirror{cache: c, client: c.Client(), ttl: ttl}
}

// boundedTTL caps the sliding window at the token's remaining lifetime so a
// mirror entry never outlives the token it mirrors.
func (m *Mirror) boundedTTL(sess *Session, now time.Time) time.Duration {
	ttl := m.ttl
	if remaining := sess.TokenExpiresAt.Sub(now); remaining < ttl {
		ttl = remaining
	}
	return ttl
}

// Put upserts a session record and adds its id to the owning user's index.
func (m *Mirror) Put(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	sess.LastAccessedAt = now
	ttl := m.boundedTTL(sess, now)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := m.cache.SetJSON(ctx, m.cache.Key(cache.KeyTypeSession, sess.SessionID), data, ttl); err != nil {
		return err
	}

	indexKey := m.cache.Key(cache.KeyTypeSessionIndex, sess.UserID)
	pipe := m.client.Pipeline()
	pipe.SAdd(ctx, indexKey, sess.SessionID)
	// The index only needs to live as long as its longest session; pushing
	// the sliding window out on every Put is a safe over-approximation.
	pipe.Expire(ctx, indexKey, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

// Lookup returns the mirrored session, refreshing its last-accessed
// timestamp and sliding its TTL forward, bounded by the token's remaining
// lifetime. A missing entry returns (nil, nil).
func (m *Mirror) Lookup(ctx context.Context, sessionID string) (*Session, error) {
	key := m.cache.Key(cache.KeyTypeSession, sessionID)
	data, err := m.cache.GetJSON(ctx, key)
	if err != nil || data == nil {
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	now := time.Now().UTC()
	sess.LastAccessedAt = now
	ttl := m.boundedTTL(&sess, now)
	if ttl <= 0 {
		// Token already expired; drop the stale entry.
		_ = m.client.Del(ctx, key).Err()
		return nil, nil
	}
	refreshed, err := json.Marshal(&sess)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := m.cache.SetJSON(ctx, key, refreshed, ttl); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Reconstruct rebuilds a mirror entry from authoritative token claims after
// an eviction or on a worker that has never seen this session.
func (m *Mirror) Reconstruct(ctx context.Context, sess *Session) (*Session, error) {
	if err := m.Put(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Invalidate removes every mirror entry belonging to a user. Called on
// logout and on forced re-authentication.
func (m *Mirror) Invalidate(ctx context.Context, userID string) error {
	indexKey := m.cache.Key(cache.KeyTypeSessionIndex, userID)
	ids, err := m.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list user sessions: %w", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, m.cache.Key(cache.KeyTypeSession, id))
	}
	keys = append(keys, indexKey)
	if err := m.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate user sessions: %w", err)
	}
	return nil
}

// InvalidateSession removes a single mirror entry and its index membership.
func (m *Mirror) InvalidateSession(ctx context.Context, userID, sessionID string) error {
	if err := m.client.Del(ctx, m.cache.Key(cache.KeyTypeSession, sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate session: %w", err)
	}
	if err := m.client.SRem(ctx, m.cache.Key(cache.KeyTypeSessionIndex, userID), sessionID).Err(); err != nil {
		return fmt.Errorf("failed to unindex session: %w", err)
	}
	return nil
}
