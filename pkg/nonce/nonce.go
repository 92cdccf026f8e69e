// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package nonce implements single-use replay protection for ID token
// issuance. A nonce binds an ID token to the authorization request that
// asked for it: storing records the nonce hash with a TTL, consuming
// succeeds exactly once, and a second presentation fails.
package nonce

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/keyfold/keyfold/pkg/storage"
)

// ErrInvalidNonce is returned when a nonce is unknown, expired, or already
// consumed. Callers cannot distinguish the three cases, which is deliberate.
var ErrInvalidNonce = errors.New("nonce is invalid, expired, or already used")

// Guard persists nonce hashes in the durable store.
type Guard struct {
	store storage.Store
}

// NewGuard creates a nonce guard over the given store.
func NewGuard(store storage.Store) *Guard {
	return &Guard{store: store}
}

// hashNonce hashes the raw nonce value; only the hash is ever stored.
func hashNonce(nonce string) string {
	sum := sha256.Sum256([]byte(nonce))
	return hex.EncodeToString(sum[:])
}

// Store records a nonce for the given client and user with a TTL.
func (g *Guard) Store(ctx context.Context, nonce, clientID, userID string, ttl time.Duration) error {
	now := time.Now().UTC()
	return g.store.CreateNonce(ctx, &storage.Nonce{
		NonceHash: hashNonce(nonce),
		ClientID:  clientID,
		UserID:    userID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	})
}

// Consume validates and uses up a nonce. It succeeds exactly once per
// stored nonce, only for the client that stored it, and only before its TTL
// elapses.
func (g *Guard) Consume(ctx context.Context, nonce, clientID string) error {
	err := g.store.ConsumeNonce(ctx, hashNonce(nonce), clientID, time.Now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		return ErrInvalidNonce
	}
	return err
}

// Prune deletes expired nonces; called from the background sweeper.
func (g *Guard) Prune(ctx context.Context) (int64, error) {
	return g.store.DeleteExpiredNonces(ctx, time.Now().UTC())
}
