// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the durable store entities and interface for the
// authorization server. The durable relational store is the single source of
// truth; everything ephemeral (locks, caches, the session mirror, the
// blacklist) lives in the shared coordination store instead.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist or a guarded update
// matched no row (e.g. consuming an already-used authorization code).
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert collides with an existing row
// (e.g. storing a nonce that was already presented).
var ErrConflict = errors.New("already exists")

// RefreshTokenStatus is the lifecycle state of a refresh token.
type RefreshTokenStatus string

const (
	// RefreshTokenActive is the single usable token of a family.
	RefreshTokenActive RefreshTokenStatus = "active"
	// RefreshTokenRotating marks a token superseded by rotation but still
	// honored until its grace deadline.
	RefreshTokenRotating RefreshTokenStatus = "rotating"
	// RefreshTokenRevoked is terminal.
	RefreshTokenRevoked RefreshTokenStatus = "revoked"
)

// Client is a registered OAuth client. Read-heavy; mutated only by admin
// action outside this subsystem.
type Client struct {
	ID string

	// SecretHash is the bcrypt hash of the client secret. Empty for public
	// clients.
	SecretHash string

	RedirectURIs  []string
	AllowedScopes []string

	IsConfidential bool
	IsActive       bool

	CreatedAt time.Time
}

// HasScope reports whether scope is within the client's allowed scopes.
func (c *Client) HasScope(scope string) bool {
	for _, s := range c.AllowedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// User is the minimal profile needed for userinfo and ID token claims.
type User struct {
	ID            string
	Username      string
	PasswordHash  string
	Email         string
	EmailVerified bool
	Name          string
	UpdatedAt     time.Time
}

// AuthorizationCode is a single-use grant created at /authorize and consumed
// exactly once at /token. Only the hash of the opaque value is stored.
type AuthorizationCode struct {
	CodeHash    string
	ClientID    string
	UserID      string
	RedirectURI string
	Scope       string

	// CodeChallenge and CodeChallengeMethod are set when the client used PKCE.
	CodeChallenge       string
	CodeChallengeMethod string

	// Nonce binds an eventual ID token to the authorization request.
	Nonce string

	AuthTime  time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// AccessToken is stored only as a keyed hash of the bearer value.
type AccessToken struct {
	TokenHash string
	ClientID  string

	// UserID is empty for client-credentials (service) tokens.
	UserID string

	Scope string

	// RefreshTokenHash links the access token to the refresh token minted in
	// the same exchange, so rotation can revoke the predecessor pair.
	RefreshTokenHash string

	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

// RefreshToken is one link in a rotation chain ("token family").
type RefreshToken struct {
	TokenHash string
	ClientID  string
	UserID    string
	Scope     string

	Status        RefreshTokenStatus
	RotationCount int

	// ParentTokenHash links to the predecessor in the family; empty for the
	// first token of a family.
	ParentTokenHash string

	// RotationGraceExpiresAt is set when the token enters the rotating state.
	RotationGraceExpiresAt *time.Time

	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

// UsableAt reports whether the token may still anchor a refresh grant at the
// given instant: active, or rotating within its grace window.
func (t *RefreshToken) UsableAt(now time.Time) bool {
	if now.After(t.ExpiresAt) {
		return false
	}
	switch t.Status {
	case RefreshTokenActive:
		return true
	case RefreshTokenRotating:
		return t.RotationGraceExpiresAt != nil && now.Before(*t.RotationGraceExpiresAt)
	default:
		return false
	}
}

// OAuthSession records the scopes a user has granted to a client, used to
// skip re-consent on later authorization requests.
type OAuthSession struct {
	UserID        string
	ClientID      string
	GrantedScopes []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SigningKey is an asymmetric key pair used for token signatures. Exactly one
// key is active at a time; retired keys stay publishable for verification
// until their grace window elapses.
type SigningKey struct {
	KID string

	// PrivateKeyEnc is the PEM private key encrypted at rest (AES-256-GCM).
	PrivateKeyEnc []byte

	// PublicKeyPEM is the PEM public key, published via JWKS.
	PublicKeyPEM []byte

	Algorithm string
	IsActive  bool

	// ExpiresAt is when the key leaves the published verification set.
	ExpiresAt time.Time

	RotatedAt *time.Time
	CreatedAt time.Time
}

// Nonce is a single-use replay-protection value; only its hash is stored.
type Nonce struct {
	NonceHash string
	ClientID  string
	UserID    string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Store is the durable store interface. Implementations must make every
// mutation a single-row statement guarded by status/TTL predicates so that
// concurrent workers cannot double-apply a transition.
type Store interface {
	// Clients

	GetClient(ctx context.Context, clientID string) (*Client, error)
	CreateClient(ctx context.Context, client *Client) error

	// Users

	GetUser(ctx context.Context, userID string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	CreateUser(ctx context.Context, user *User) error

	// Authorization codes

	CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically marks the code used and returns it.
	// Returns ErrNotFound if the code is unknown, already used, or expired;
	// at most one concurrent caller can succeed for a given code.
	ConsumeAuthorizationCode(ctx context.Context, codeHash string, now time.Time) (*AuthorizationCode, error)

	DeleteExpiredAuthorizationCodes(ctx context.Context, now time.Time) (int64, error)

	// Access tokens

	CreateAccessToken(ctx context.Context, token *AccessToken) error
	GetAccessToken(ctx context.Context, tokenHash string) (*AccessToken, error)

	// RevokeAccessToken is idempotent: revoking an already-revoked token is
	// not an error.
	RevokeAccessToken(ctx context.Context, tokenHash string, now time.Time) error

	// RevokeAccessTokensByRefreshHash revokes the access tokens minted
	// alongside the given refresh token.
	RevokeAccessTokensByRefreshHash(ctx context.Context, refreshHash string, now time.Time) error

	// Refresh tokens

	CreateRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// MarkRefreshTokenRotating transitions active → rotating with the given
	// grace deadline. Returns ErrNotFound unless the token was active.
	MarkRefreshTokenRotating(ctx context.Context, tokenHash string, graceDeadline time.Time) error

	// RevokeRefreshToken is idempotent and terminal.
	RevokeRefreshToken(ctx context.Context, tokenHash string, now time.Time) error

	// SweepRotatedTokens revokes rotating tokens whose grace window elapsed.
	SweepRotatedTokens(ctx context.Context, now time.Time) (int64, error)

	// OAuth sessions

	// UpsertOAuthSession stores the union of previously and newly granted
	// scopes for the (user, client) pair.
	UpsertOAuthSession(ctx context.Context, userID, clientID string, scopes []string, now time.Time) error
	GetOAuthSession(ctx context.Context, userID, clientID string) (*OAuthSession, error)

	// Signing keys

	// CreateSigningKey inserts the key and, in the same transaction, makes it
	// the single active key.
	CreateSigningKey(ctx context.Context, key *SigningKey) error
	GetActiveSigningKey(ctx context.Context, now time.Time) (*SigningKey, error)

	// ListVerificationKeys returns every unexpired key, active or not.
	ListVerificationKeys(ctx context.Context, now time.Time) ([]*SigningKey, error)

	DeleteExpiredSigningKeys(ctx context.Context, now time.Time) (int64, error)

	// Nonces

	CreateNonce(ctx context.Context, nonce *Nonce) error

	// ConsumeNonce succeeds exactly once per stored nonce, before its TTL.
	ConsumeNonce(ctx context.Context, nonceHash, clientID string, now time.Time) error

	DeleteExpiredNonces(ctx context.Context, now time.Time) (int64, error)

	// Close releases the underlying connection.
	Close() error
}
