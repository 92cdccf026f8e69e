// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"time"

	"github.com/keyfold/keyfold/pkg/breaker"
)

// Breaker names, one per dependency class. Single-row reads and writes trip
// faster than list queries.
const (
	BreakerDBRead  = "db_read"
	BreakerDBWrite = "db_write"
	BreakerDBList  = "db_list"
)

// Guarded wraps a Store so every call runs through a circuit breaker with a
// hard timeout. The token lifecycle engine only ever talks to the durable
// store through this wrapper.
type Guarded struct {
	store    Store
	breakers *breaker.Registry
}

var _ Store = (*Guarded)(nil)

// NewGuarded wraps store with the given breaker registry.
func NewGuarded(store Store, breakers *breaker.Registry) *Guarded {
	return &Guarded{store: store, breakers: breakers}
}

// do runs fn through the named breaker.
func (g *Guarded) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return g.breakers.Get(name).Do(ctx, fn)
}

// GetClient implements Store.
func (g *Guarded) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var out *Client
	err := g.do(ctx, BreakerDBRead, func(ctx context.Context) error {
		var err error
		out, err = g.store.GetClient(ctx, clientID)
		return err
	})
	return out, err
}

// CreateClient implements Store.
func (g *Guarded) CreateClient(ctx context.Context, client *Client) error {
	return g.do(ctx, BreakerDBWrite, func(ctx context.Context) error {
		return g.store.CreateClient(ctx, client)
	})
}

// GetUser implements Store.
func (g *Guarded) GetUser(ctx context.Context, userID string) (*User, error) {
	var out *User
	err := g.do(ctx, BreakerDBRead, func(ctx context.Context) error {
		var err error
		out, err = g.store.GetUser(ctx, userID)
		return err
	})
	return out, err
}

// GetUserByUsername implements Store.
func (g *Guarded) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var out *User
	err := g.do(ctx, BreakerDBRead, func(ctx context.Context) error {
		var err error
		out, err = g.store.GetUserByUsername(ctx, username)
		return err
	})
	return out, err
}

// CreateUser implements Store.
func (g *Guarded) CreateUser(ctx context.Context, user *User) error {
	return g.do(ctx, BreakerDBWrite, func(ctx context.Context) error {
		return g.store.CreateUser(ctx, user)
	})
}

// CreateAuthorizationCode implements Store.
func (g *Guarded) CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	return g.do(ctx, BreakerDBWrite, func(ctx context.Context) error {
		return g.store.CreateAuthorizationCode(ctx, code)
	})
}

// ConsumeAuthorizationCode implements Store.
func (g *Guarded) ConsumeAuthorizationCode(ctx context.Context, codeHash string, now time.Time) (*AuthorizationCode, error) {
	var out *AuthorizationCode
	err := g.do(ctx, BreakerDBWrite, func(ctx context.Context) error {
		var err error
		out, err = g.store.ConsumeAuthorizationCode(ctx, codeHash, now)
		return err
	})
	return out, err
}

// DeleteExpiredAuthorizationCodes implements Store.
func (g *Guarded) DeleteExpiredAuthorizationCodes(ctx context.Context, now time.Time) (int64, error) {
	var out int64
	err := g.do(ctx, BreakerDBList, func(ctx context.Context) error {
		var err error
		out, err = g.store.DeleteExpiredAuthorizationCodes(ctx, now)
		return err
	})
	return out, err
}

// CreateAccessToken implements Store.
func (g *Guarded) CreateAccessToken(ctx context.Context, token *AccessToken) error {
	return g.do(ctx, BreakerDBWrite, func(ctx context.Context) error {
		return g.store.CreateAccessToken(ctx, token)
	})
}

// GetAccessToken implements Store.
func (g *Guarded) GetAccessToken(ctx context.Context, tokenHash string) (*AccessToken, error) {
	var out *AccessToken
	err := g.do(ctx, BreakerDBRead, func(ctx context.Context) error {
		var err error
		out, err = g.store.GetAccessToken(ctx, tokenHash)
		return err
	})
	return out, err
}

// RevokeAccessToken implements Store.
func (g *Guarded) RevokeAccessToken(ctx context.Context, tokenHash string, now time.Time) error {
	return g.do(ctx, BreakerDBWrite, func(ctx context.Context) error {
		return g.store.RevokeAccessToken(ctx, tokenHash, now)
	})
}

// RevokeAccessTokensByRefreshHash implements Store.
func (g *Guarded) RevokeAccessTokensByRefreshHash(ctx context.Context, refreshHash string, now time.Time) error {
	return g.do(ctx, BreakerDBWrite, func(ctx context.Context) error {
		return g.store.RevokeAccessTokensByRefreshHash(ctx, refreshHash, now)
	})
}

// CreateRefreshToken implements Store.
func (g *Guarded) CreateRefreshToken(ctx context.Context, token *RefreshToken) error {
	return g.do(ctx, BreakerDBWrite, func(ctx context.Context) error {
		return g.store.CreateRefreshToken(ctx, token)
	})
}

// GetRefreshToken implements Store.
func (g *Guarded) GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	var out *RefreshToken
	err := g.do(ctx, BreakerDBRead, func(ctx context.Context) error {
		var err error
		out, err = g.store.GetRefreshToken(ctx, tokenHash)
		return err
	})
	return out, err
}

// MarkRefreshTokenRotating implements Store.
func (g *Guarded) MarkRefreshTokenRotating(ctx context.Context, tokenHash string, graceDeadline time.Time) error {
	return g.do(ctx, BreakerDBWrite, func(ctx context.Context) error {
		return g.store.MarkRefreshTokenRotating(ctx, tokenHash, graceDeadline)
	})
}

// RevokeRefreshToken implements Store.
func (g *Guarded) RevokeRefreshToken(ctx context.Context, tokenHash string, now time.Time) error {
	return g.do(ctx, BreakerDBWrite, func(ctx context.Context) error {
		return g.store.RevokeRefreshToken(ctx, tokenHash, now)
	})
}

// SweepRotatedTokens implements Store.
func (g *Guarded) SweepRotatedTokens(ctx context.Context, now time.Time) (int64, error) {
	var out int64
	err := g.do(ctx, BreakerDBList, func(ctx context.Context) error {
		var err error
		out, err = g.store.SweepRotatedTokens(ctx, now)
		return err
	})
	return out, err
}

// UpsertOAuthSession implements Store.
func (g *Guarded) UpsertOAuthSession(ctx context.Context, userID, clientID string, scopes []string, now time.Time) error {
	return g.do(ctx, BreakerDBWrite, func(ctx context.Context) error {
		return g.store.UpsertOAuthSession(ctx, userID, clientID, scopes, now)
	})
}

// GetOAuthSession implements Store.
func (g *Guarded) GetOAuthSession(ctx context.Context, userID, clientID string) (*OAuthSession, error) {
	var out *OAuthSession
	err := g.do(ctx, BreakerDBRead, func(ctx context.Context) error {
		var err error
		out, err = g.store.GetOAuthSession(ctx, userID, clientID)
		return err
	})
	return out, err
}

// CreateSigningKey implements Store.
func (g *Guarded) CreateSigningKey(ctx context.Context, key *SigningKey) error {
	return g.do(ctx, BreakerDBWrite, func(ctx context.Context) error {
		return g.store.CreateSigningKey(ctx, key)
	})
}

// GetActiveSigningKey implements Store.
func (g *Guarded) GetActiveSigningKey(ctx context.Context, now time.Time) (*SigningKey, error) {
	var out *SigningKey
	err := g.do(ctx, BreakerDBRead, func(ctx context.Context) error {
		var err error
		out, err = g.store.GetActiveSigningKey(ctx, now)
		return err
	})
	return out, err
}

// ListVerificationKeys implements Store.
func (g *Guarded) ListVerificationKeys(ctx context.Context, now time.Time) ([]*SigningKey, error) {
	var out []*SigningKey
	err := g.do(ctx, BreakerDBList, func(ctx context.Context) error {
		var err error
		out, err = g.store.ListVerificationKeys(ctx, now)
		return err
	})
	return out, err
}

// DeleteExpiredSigningKeys implements Store.
func (g *Guarded) DeleteExpiredSigningKeys(ctx context.Context, now time.Time) (int64, error) {
	var out int64
	err := g.do(ctx, BreakerDBList, func(ctx context.Context) error {
		var err error
		out, err = g.store.DeleteExpiredSigningKeys(ctx, now)
		return err
	})
	return out, err
}

// CreateNonce implements Store.
func (g *Guarded) CreateNonce(ctx context.Context, nonce *Nonce) error {
	return g.do(ctx, BreakerDBWrite, func(ctx context.Context) error {
		return g.store.CreateNonce(ctx, nonce)
	})
}

// ConsumeNonce implements Store.
func (g *Guarded) ConsumeNonce(ctx context.Context, nonceHash, clientID string, now time.Time) error {
	return g.do(ctx, BreakerDBWrite, func(ctx context.Context) error {
		return g.store.ConsumeNonce(ctx, nonceHash, clientID, now)
	})
}

// DeleteExpiredNonces implements Store.
func (g *Guarded) DeleteExpiredNonces(ctx context.Context, now time.Time) (int64, error) {
	var out int64
	err := g.do(ctx, BreakerDBList, func(ctx context.Context) error {
		var err error
		out, err = g.store.DeleteExpiredNonces(ctx, now)
		return err
	})
	return out, err
}

// Close implements Store. Closing is not guarded.
func (g *Guarded) Close() error {
	return g.store.Close()
}
