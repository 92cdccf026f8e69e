// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ResultCache is the short-lived fan-in cache for the refresh coordinator:
// the rotation winner stores its token pair here so concurrent losers can
// return the identical result instead of attempting a second rotation.
type ResultCache struct {
	cache *Cache
	ttl   time.Duration
}

// NewResultCache creates a result cache with the given TTL.
func NewResultCache(c *Cache, ttl time.Duration) *ResultCache {
	return &ResultCache{cache: c, ttl: ttl}
}

// Put stores value (JSON-encoded) under the coordination key.
func (r *ResultCache) Put(ctx context.Context, id string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cached result: %w", err)
	}
	return r.cache.SetJSON(ctx, r.cache.Key(KeyTypeResult, id), data, r.ttl)
}

// Get loads the cached result into out. Returns (false, nil) on a miss.
func (r *ResultCache) Get(ctx context.Context, id string, out any) (bool, error) {
	data, err := r.cache.GetJSON(ctx, r.cache.Key(KeyTypeResult, id))
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached result: %w", err)
	}
	return true, nil
}
