// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package blacklist implements the instant-invalidation overlay for bearer
// tokens. TTL expiry handles the common case; the blacklist exists so a
// revoked token stops working on every worker immediately, without waiting
// for the durable store to be consulted or the token to expire.
//
// The blacklist is an overlay, not a source of truth: every blacklisted
// token is also revoked in the durable store, so losing the cache degrades
// to the durable check rather than to incorrect authorization.
package blacklist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/keyfold/keyfold/pkg/cache"
)

// Entry is the stored blacklist record.
type Entry struct {
	UserID        string    `json:"user_id,omitempty"`
	Reason        string    `json:"reason"`
	BlacklistedAt time.Time `json:"blacklisted_at"`
}

// Blacklist tracks invalidated token hashes in the shared cache.
type Blacklist struct {
	cache *cache.Cache
}

// New creates a blacklist over the shared cache.
func New(c *cache.Cache) *Blacklist {
	return &Blacklist{cache: c}
}

// Add blacklists a token hash. The entry's TTL is bounded by the token's own
// natural expiry so the blacklist never outlives the token it invalidates.
// Tokens already past expiry are skipped.
func (b *Blacklist) Add(ctx context.Context, tokenHash, userID, reason string, naturalExpiry time.Time) error {
	ttl := time.Until(naturalExpiry)
	if ttl <= 0 {
		return nil
	}

	entry := Entry{
		UserID:        userID,
		Reason:        reason,
		BlacklistedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal blacklist entry: %w", err)
	}
	return b.cache.SetJSON(ctx, b.cache.Key(cache.KeyTypeBlacklist, tokenHash), data, ttl)
}

// Contains reports whether the token hash is blacklisted. On cache failure
// it returns (false, err): the caller falls through to the durable
// revocation check instead of deciding on cache data alone.
func (b *Blacklist) Contains(ctx context.Context, tokenHash string) (bool, error) {
	data, err := b.cache.GetJSON(ctx, b.cache.Key(cache.KeyTypeBlacklist, tokenHash))
	if err != nil {
		return false, err
	}
	return data != nil, nil
}

// Get returns the entry for a blacklisted token hash, or nil.
func (b *Blacklist) Get(ctx context.Context, tokenHash string) (*Entry, error) {
	data, err := b.cache.GetJSON(ctx, b.cache.Key(cache.KeyTypeBlacklist, tokenHash))
	if err != nil || data == nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal blacklist entry: %w", err)
	}
	return &entry, nil
}
