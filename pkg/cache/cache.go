// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cache provides the shared, low-latency coordination store used by
// all worker processes: distributed locks, short-lived result caches, the
// session mirror, and the token blacklist all live here. Everything in this
// store is ephemeral and disposable — losing it degrades to durable-store
// behavior, never to incorrect authorization.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keyfold/keyfold/pkg/config"
)

// Key type segments, combined as "{prefix}{type}:{id}".
const (
	KeyTypeLock         = "lock"
	KeyTypeResult       = "cache"
	KeyTypeSession      = "session"
	KeyTypeSessionIndex = "session_index"
	KeyTypeBlacklist    = "blacklist"
)

// Cache wraps a Redis client with the configured key prefix.
type Cache struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New creates a cache backed by the configured Redis instance. The connection
// is verified with a ping before use.
func New(ctx context.Context, cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Cache{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewWithClient creates a Cache with a pre-configured client.
// This is useful for testing with miniredis.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Cache {
	return &Cache{client: client, keyPrefix: keyPrefix}
}

// Key builds a namespaced key: "{prefix}{keyType}:{id}".
func (c *Cache) Key(keyType, id string) string {
	return fmt.Sprintf("%s%s:%s", c.keyPrefix, keyType, id)
}

// Client exposes the underlying redis client to sibling packages.
func (c *Cache) Client() redis.UniversalClient {
	return c.client
}

// Ping checks connectivity (health endpoint).
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// SetJSON stores data under key with a TTL. TTLs at or below zero are
// rejected: nothing in the coordination store may live forever.
func (c *Cache) SetJSON(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("refusing to store %q without a TTL", key)
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

// GetJSON retrieves the raw bytes under key. Returns (nil, nil) on a miss.
func (c *Cache) GetJSON(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
