// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keyfold/keyfold/pkg/cache"
	"github.com/keyfold/keyfold/pkg/config"
	"github.com/keyfold/keyfold/pkg/logger"
	"github.com/keyfold/keyfold/pkg/oautherr"
	"github.com/keyfold/keyfold/pkg/storage"
)

// Coordinator serializes refresh rotations per (user, client) so that any
// number of concurrent callers presenting the same refresh token advance
// the token family by exactly one step.
//
// The winner of the lock rotates and caches the result; everyone else
// returns the cached result unchanged. A token that was just rotated keeps
// answering with its cached successor until its grace window lapses, which
// tolerates duplicate client retries and parallel tabs.
type Coordinator struct {
	engine  *Engine
	store   storage.Store
	hasher  *Hasher
	cache   *cache.Cache
	results *cache.ResultCache
	cfg     config.RotationConfig
}

// NewCoordinator creates a refresh coordinator. The engine back-reference
// is wired by NewEngine.
func NewCoordinator(store storage.Store, hasher *Hasher, c *cache.Cache, cfg config.RotationConfig) *Coordinator {
	return &Coordinator{
		store:   store,
		hasher:  hasher,
		cache:   c,
		results: cache.NewResultCache(c, cfg.ResultCacheTTL),
		cfg:     cfg,
	}
}

// coordKey is the shared identifier for the rotation lock and its result
// cache: all callers presenting tokens of one (user, client) pair contend
// on the same key.
func coordKey(userID, clientID string) string {
	return fmt.Sprintf("%s:%s", userID, clientID)
}

// Refresh rotates the presented refresh token, or returns the result of a
// rotation that another caller already performed. Returns the new issue and
// the owning user id for auditing.
func (c *Coordinator) Refresh(ctx context.Context, refreshToken string, client *storage.Client) (*Issue, string, error) {
	hash := c.hasher.Hash(refreshToken)
	now := time.Now().UTC()

	rec, err := c.store.GetRefreshToken(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", oautherr.NewInvalidGrant(err)
		}
		return nil, "", storeErr(err)
	}
	if rec.ClientID != client.ID {
		return nil, rec.UserID, oautherr.NewInvalidGrant(errors.New("token was issued to a different client"))
	}
	if !rec.UsableAt(now) {
		return nil, rec.UserID, oautherr.NewInvalidGrant(errors.New("token is expired, revoked, or past its rotation grace"))
	}

	key := coordKey(rec.UserID, rec.ClientID)
	lock, err := c.cache.AcquireWait(ctx, key, c.cfg.LockTTL, c.cfg.LockWait)
	if err != nil {
		if errors.Is(err, cache.ErrLockNotAcquired) {
			// Someone else is rotating. Their result is as good as ours.
			return c.cachedResult(ctx, key, rec.UserID)
		}
		return nil, rec.UserID, oautherr.NewServiceUnavailable("temporarily unavailable", c.cfg.LockWait, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warnw("Failed to release rotation lock", "key", key, "error", err)
		}
	}()

	// Re-read under the lock: the token may have been rotated while we
	// waited.
	userID := rec.UserID
	rec, err = c.store.GetRefreshToken(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, userID, oautherr.NewInvalidGrant(err)
		}
		return nil, userID, storeErr(err)
	}

	switch rec.Status {
	case storage.RefreshTokenActive:
		if now.After(rec.ExpiresAt) {
			return nil, rec.UserID, oautherr.NewInvalidGrant(errors.New("token is expired"))
		}
		issue, err := c.rotate(ctx, rec, client, key, now)
		return issue, rec.UserID, err

	case storage.RefreshTokenRotating:
		// The caller is retrying its own just-rotated token. Hand back the
		// cached successor while the grace window lasts.
		if rec.RotationGraceExpiresAt == nil || now.After(*rec.RotationGraceExpiresAt) {
			return nil, rec.UserID, oautherr.NewInvalidGrant(errors.New("rotation grace elapsed"))
		}
		return c.cachedResult(ctx, key, rec.UserID)

	default:
		return nil, rec.UserID, oautherr.NewInvalidGrant(errors.New("token is revoked"))
	}
}

// rotate performs one family advance under the lock: mark the predecessor
// rotating with a grace deadline, mint the successor with rotation_count+1,
// revoke the predecessor's access tokens, and cache the result for fan-in.
func (c *Coordinator) rotate(ctx context.Context, rec *storage.RefreshToken, client *storage.Client, key string, now time.Time) (*Issue, error) {
	graceDeadline := now.Add(c.cfg.GraceWindow)
	if err := c.store.MarkRefreshTokenRotating(ctx, rec.TokenHash, graceDeadline); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Lost a race the lock should have prevented; treat the token
			// as no longer active.
			return nil, oautherr.NewInvalidGrant(err)
		}
		return nil, storeErr(err)
	}

	var user *storage.User
	if rec.UserID != "" {
		u, err := c.engine.store.GetUser(ctx, rec.UserID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, oautherr.NewInvalidGrant(err)
			}
			return nil, storeErr(err)
		}
		user = u
	}

	minted, err := c.engine.mint(ctx, mintSpec{
		client:        client,
		user:          user,
		scope:         rec.Scope,
		accessTTL:     c.engine.cfg.AccessTokenTTL,
		withRefresh:   true,
		rotationCount: rec.RotationCount + 1,
		parentHash:    rec.TokenHash,
	})
	if err != nil {
		return nil, err
	}

	// The predecessor pair stops working now, not at the grace deadline:
	// grace applies to the refresh token only.
	if err := c.store.RevokeAccessTokensByRefreshHash(ctx, rec.TokenHash, now); err != nil {
		logger.Warnw("Failed to revoke predecessor access tokens", "error", err)
	}

	if err := c.results.Put(ctx, key, minted.issue); err != nil {
		// Fan-in callers will fall back to service_unavailable; the winner
		// still gets its tokens.
		logger.Warnw("Failed to cache rotation result", "key", key, "error", err)
	}
	return minted.issue, nil
}

// cachedResult returns the fan-in result of a concurrent rotation, or a
// retryable unavailability when the cache has nothing (evicted, or the
// winner has not finished yet).
func (c *Coordinator) cachedResult(ctx context.Context, key, userID string) (*Issue, string, error) {
	var issue Issue
	found, err := c.results.Get(ctx, key, &issue)
	if err != nil {
		return nil, userID, oautherr.NewServiceUnavailable("temporarily unavailable", c.cfg.ResultCacheTTL, err)
	}
	if !found {
		return nil, userID, oautherr.NewServiceUnavailable("rotation in progress, retry shortly", c.cfg.ResultCacheTTL, nil)
	}
	return &issue, userID, nil
}
