// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens implements the token lifecycle engine: authorization code
// issuance and exchange, PKCE verification, access and refresh token
// minting, graceful refresh rotation, revocation, introspection, and bearer
// validation.
//
// Bearer values are never stored directly; every stored token is a keyed
// hash of the value handed to the client. Access tokens are signed JWTs so
// resource servers can verify them offline, and are additionally stored
// hashed so revocation is enforceable before expiry.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyfold/keyfold/pkg/audit"
	"github.com/keyfold/keyfold/pkg/blacklist"
	"github.com/keyfold/keyfold/pkg/breaker"
	"github.com/keyfold/keyfold/pkg/config"
	"github.com/keyfold/keyfold/pkg/idtoken"
	"github.com/keyfold/keyfold/pkg/keys"
	"github.com/keyfold/keyfold/pkg/logger"
	"github.com/keyfold/keyfold/pkg/nonce"
	"github.com/keyfold/keyfold/pkg/oautherr"
	"github.com/keyfold/keyfold/pkg/sessions"
	"github.com/keyfold/keyfold/pkg/storage"
)

// ScopeOpenID triggers ID token issuance when granted.
const ScopeOpenID = "openid"

// Issue is the token endpoint response payload.
type Issue struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// BearerClaims is the validated identity behind a presented access token.
type BearerClaims struct {
	UserID    string
	ClientID  string
	SessionID string
	Scopes    []string
	ExpiresAt time.Time
	AuthTime  time.Time
}

// Introspection is the RFC 7662 response shape.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

// EngineParams collects the engine's dependencies.
type EngineParams struct {
	Store     storage.Store
	Hasher    *Hasher
	Keys      *keys.Manager
	IDTokens  *idtoken.Issuer
	Nonces    *nonce.Guard
	Blacklist *blacklist.Blacklist
	Mirror    *sessions.Mirror
	Audit     *audit.Logger
	Issuer    string
	Tokens    config.TokenConfig
}

// Engine is the token lifecycle engine. All durable-store access goes
// through the circuit-breaker-guarded store handed in at construction.
type Engine struct {
	store     storage.Store
	hasher    *Hasher
	keys      *keys.Manager
	idTokens  *idtoken.Issuer
	nonces    *nonce.Guard
	blacklist *blacklist.Blacklist
	mirror    *sessions.Mirror
	audit     *audit.Logger
	issuer    string
	cfg       config.TokenConfig

	coordinator *Coordinator
}

// NewEngine creates the engine and its refresh coordinator.
func NewEngine(p EngineParams, coord *Coordinator) *Engine {
	e := &Engine{
		store:       p.Store,
		hasher:      p.Hasher,
		keys:        p.Keys,
		idTokens:    p.IDTokens,
		nonces:      p.Nonces,
		blacklist:   p.Blacklist,
		mirror:      p.Mirror,
		audit:       p.Audit,
		issuer:      p.Issuer,
		cfg:         p.Tokens,
		coordinator: coord,
	}
	coord.engine = e
	return e
}

// AuthorizeRequest carries a validated /authorize request for an
// authenticated user.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	User                *storage.User
	AuthTime            time.Time
}

// Authorize validates the client and redirect URI, records the grant, and
// returns a single-use authorization code bound to the request.
func (e *Engine) Authorize(ctx context.Context, req *AuthorizeRequest) (string, error) {
	code, err := e.authorize(ctx, req)
	e.audit.Record(audit.Event{
		Action:    audit.ActionAuthorize,
		ClientID:  req.ClientID,
		UserID:    req.User.ID,
		Success:   err == nil,
		ErrorCode: errorCode(err),
	})
	return code, err
}

func (e *Engine) authorize(ctx context.Context, req *AuthorizeRequest) (string, error) {
	client, err := e.getActiveClient(ctx, req.ClientID)
	if err != nil {
		return "", err
	}
	if !redirectURIMatches(client, req.RedirectURI) {
		return "", oautherr.NewInvalidRedirectURI(fmt.Errorf("redirect URI not registered for client %s", client.ID))
	}

	scopes := strings.Fields(req.Scope)
	for _, scope := range scopes {
		if !client.HasScope(scope) {
			return "", oautherr.NewInvalidScope(fmt.Sprintf("scope %q is not allowed for this client", scope), nil)
		}
	}

	if req.CodeChallenge != "" {
		method := req.CodeChallengeMethod
		if method == "" {
			method = PKCEMethodPlain
		}
		if method != PKCEMethodS256 && method != PKCEMethodPlain {
			return "", oautherr.NewInvalidRequest("unsupported code_challenge_method", nil)
		}
		req.CodeChallengeMethod = method
	}

	value, err := generateOpaque()
	if err != nil {
		return "", oautherr.NewServerError(err)
	}

	now := time.Now().UTC()
	authTime := req.AuthTime
	if authTime.IsZero() {
		authTime = now
	}
	rec := &storage.AuthorizationCode{
		CodeHash:            e.hasher.Hash(value),
		ClientID:            client.ID,
		UserID:              req.User.ID,
		RedirectURI:         req.RedirectURI,
		Scope:               strings.Join(scopes, " "),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		AuthTime:            authTime,
		ExpiresAt:           now.Add(e.cfg.AuthorizationCodeTTL),
		CreatedAt:           now,
	}
	if err := e.store.CreateAuthorizationCode(ctx, rec); err != nil {
		return "", storeErr(err)
	}

	// Remember the union of granted scopes so the user is not re-prompted
	// for consent they already gave.
	if err := e.store.UpsertOAuthSession(ctx, req.User.ID, client.ID, scopes, now); err != nil {
		return "", storeErr(err)
	}

	if req.Nonce != "" {
		if err := e.nonces.Store(ctx, req.Nonce, client.ID, req.User.ID, e.cfg.NonceTTL); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return "", oautherr.NewInvalidRequest("nonce has already been used", err)
			}
			return "", storeErr(err)
		}
	}
	return value, nil
}

// ExchangeRequest carries an authorization_code grant.
type ExchangeRequest struct {
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
}

// ExchangeCode redeems an authorization code for a token pair. The code is
// consumed atomically so exactly one concurrent exchange can succeed.
func (e *Engine) ExchangeCode(ctx context.Context, req *ExchangeRequest) (*Issue, error) {
	issue, userID, err := e.exchangeCode(ctx, req)
	e.audit.Record(audit.Event{
		Action:    audit.ActionExchangeCode,
		ClientID:  req.ClientID,
		UserID:    userID,
		Success:   err == nil,
		ErrorCode: errorCode(err),
	})
	return issue, err
}

func (e *Engine) exchangeCode(ctx context.Context, req *ExchangeRequest) (*Issue, string, error) {
	client, err := e.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, "", err
	}

	rec, err := e.store.ConsumeAuthorizationCode(ctx, e.hasher.Hash(req.Code), time.Now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", oautherr.NewInvalidGrant(err)
		}
		return nil, "", storeErr(err)
	}

	// Everything below collapses to invalid_grant: a stolen code must not
	// learn which check it failed.
	if rec.ClientID != client.ID {
		return nil, rec.UserID, oautherr.NewInvalidGrant(errors.New("code was issued to a different client"))
	}
	if rec.RedirectURI != req.RedirectURI {
		return nil, rec.UserID, oautherr.NewInvalidGrant(errors.New("redirect_uri does not match the authorization request"))
	}
	if rec.CodeChallenge != "" {
		if req.CodeVerifier == "" || !verifyPKCE(rec.CodeChallenge, rec.CodeChallengeMethod, req.CodeVerifier) {
			return nil, rec.UserID, oautherr.NewInvalidGrant(errors.New("PKCE verification failed"))
		}
	}

	user, err := e.store.GetUser(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, rec.UserID, oautherr.NewInvalidGrant(err)
		}
		return nil, rec.UserID, storeErr(err)
	}

	minted, err := e.mint(ctx, mintSpec{
		client:        client,
		user:          user,
		scope:         rec.Scope,
		accessTTL:     e.cfg.AccessTokenTTL,
		withRefresh:   true,
		rotationCount: 0,
		authTime:      rec.AuthTime,
	})
	if err != nil {
		return nil, rec.UserID, err
	}

	scopes := strings.Fields(rec.Scope)
	if containsScope(scopes, ScopeOpenID) {
		if rec.Nonce != "" {
			if err := e.nonces.Consume(ctx, rec.Nonce, client.ID); err != nil {
				if errors.Is(err, nonce.ErrInvalidNonce) {
					return nil, rec.UserID, oautherr.NewInvalidGrant(err)
				}
				return nil, rec.UserID, storeErr(err)
			}
		}
		idTok, err := e.idTokens.Issue(ctx, &idtoken.Request{
			User:        user,
			ClientID:    client.ID,
			Scopes:      scopes,
			AuthTime:    rec.AuthTime,
			Nonce:       rec.Nonce,
			AccessToken: minted.issue.AccessToken,
			Code:        req.Code,
		})
		if err != nil {
			return nil, rec.UserID, oautherr.FromInternal(err)
		}
		minted.issue.IDToken = idTok
	}
	return minted.issue, rec.UserID, nil
}

// RefreshGrant rotates a refresh token through the coordinator; the engine
// never rotates directly.
func (e *Engine) RefreshGrant(ctx context.Context, refreshToken, clientID, clientSecret string) (*Issue, error) {
	client, err := e.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		e.audit.Record(audit.Event{
			Action:    audit.ActionRefresh,
			ClientID:  clientID,
			Success:   false,
			ErrorCode: errorCode(err),
		})
		return nil, err
	}
	issue, userID, err := e.coordinator.Refresh(ctx, refreshToken, client)
	e.audit.Record(audit.Event{
		Action:    audit.ActionRefresh,
		ClientID:  clientID,
		UserID:    userID,
		Success:   err == nil,
		ErrorCode: errorCode(err),
	})
	return issue, err
}

// ClientCredentialsGrant issues a user-less service token to a confidential
// client.
func (e *Engine) ClientCredentialsGrant(ctx context.Context, clientID, clientSecret, scope string) (*Issue, error) {
	issue, err := e.clientCredentials(ctx, clientID, clientSecret, scope)
	e.audit.Record(audit.Event{
		Action:    audit.ActionClientCredentials,
		ClientID:  clientID,
		Success:   err == nil,
		ErrorCode: errorCode(err),
	})
	return issue, err
}

func (e *Engine) clientCredentials(ctx context.Context, clientID, clientSecret, scope string) (*Issue, error) {
	client, err := e.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	if !client.IsConfidential {
		return nil, oautherr.NewUnauthorizedClient("client_credentials requires a confidential client", nil)
	}

	scopes := strings.Fields(scope)
	if len(scopes) == 0 {
		scopes = client.AllowedScopes
	}
	for _, s := range scopes {
		if !client.HasScope(s) {
			return nil, oautherr.NewInvalidScope(fmt.Sprintf("scope %q is not allowed for this client", s), nil)
		}
	}

	minted, err := e.mint(ctx, mintSpec{
		client:      client,
		scope:       strings.Join(scopes, " "),
		accessTTL:   e.cfg.ClientCredentialsTTL,
		withRefresh: false,
	})
	if err != nil {
		return nil, err
	}
	return minted.issue, nil
}

// Revoke invalidates a token. Per RFC 7009 semantics it always reports
// success to the caller: internal failures are logged and swallowed, and
// unknown tokens are not an error.
func (e *Engine) Revoke(ctx context.Context, token, clientID string) {
	hash := e.hasher.Hash(token)
	now := time.Now().UTC()
	revokedAny := false

	if rt, err := e.store.GetRefreshToken(ctx, hash); err == nil && rt.ClientID == clientID {
		revokedAny = true
		if err := e.store.RevokeRefreshToken(ctx, hash, now); err != nil {
			logger.Errorw("Failed to revoke refresh token", "error", err)
		}
		if err := e.store.RevokeAccessTokensByRefreshHash(ctx, hash, now); err != nil {
			logger.Errorw("Failed to revoke linked access tokens", "error", err)
		}
		if err := e.blacklist.Add(ctx, hash, rt.UserID, "revoked", rt.ExpiresAt); err != nil {
			logger.Errorw("Failed to blacklist refresh token", "error", err)
		}
	}

	if at, err := e.store.GetAccessToken(ctx, hash); err == nil && at.ClientID == clientID {
		revokedAny = true
		if err := e.store.RevokeAccessToken(ctx, hash, now); err != nil {
			logger.Errorw("Failed to revoke access token", "error", err)
		}
		if err := e.blacklist.Add(ctx, hash, at.UserID, "revoked", at.ExpiresAt); err != nil {
			logger.Errorw("Failed to blacklist access token", "error", err)
		}
	}

	// Callers never see the difference; the audit trail does.
	errCode := ""
	if !revokedAny {
		errCode = "token_not_found"
	}
	e.audit.Record(audit.Event{
		Action:    audit.ActionRevoke,
		ClientID:  clientID,
		Success:   true,
		ErrorCode: errCode,
	})
}

// Introspect reports whether a token is active, per RFC 7662. Unknown,
// expired, revoked, and blacklisted tokens all yield active=false.
func (e *Engine) Introspect(ctx context.Context, token string) (*Introspection, error) {
	hash := e.hasher.Hash(token)
	now := time.Now().UTC()

	if listed, err := e.blacklist.Contains(ctx, hash); err == nil && listed {
		return &Introspection{Active: false}, nil
	}

	if at, err := e.store.GetAccessToken(ctx, hash); err == nil {
		active := at.RevokedAt == nil && now.Before(at.ExpiresAt)
		if !active {
			return &Introspection{Active: false}, nil
		}
		return &Introspection{
			Active:    true,
			Scope:     at.Scope,
			ClientID:  at.ClientID,
			Subject:   at.UserID,
			TokenType: "access_token",
			ExpiresAt: at.ExpiresAt.Unix(),
			IssuedAt:  at.CreatedAt.Unix(),
		}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, storeErr(err)
	}

	if rt, err := e.store.GetRefreshToken(ctx, hash); err == nil {
		if !rt.UsableAt(now) {
			return &Introspection{Active: false}, nil
		}
		return &Introspection{
			Active:    true,
			Scope:     rt.Scope,
			ClientID:  rt.ClientID,
			Subject:   rt.UserID,
			TokenType: "refresh_token",
			ExpiresAt: rt.ExpiresAt.Unix(),
			IssuedAt:  rt.CreatedAt.Unix(),
		}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, storeErr(err)
	}

	return &Introspection{Active: false}, nil
}

// ValidateBearer authenticates a presented access token: signature and
// expiry first, then the blacklist, then the durable revocation record.
// Every failure collapses to the same unauthorized error so callers cannot
// probe which check rejected them.
func (e *Engine) ValidateBearer(ctx context.Context, token string) (*BearerClaims, error) {
	claims, err := e.parseAccessToken(ctx, token)
	if err != nil {
		return nil, oautherr.NewUnauthorized(err)
	}

	hash := e.hasher.Hash(token)
	listed, err := e.blacklist.Contains(ctx, hash)
	if err != nil {
		// Blacklist reads are an overlay; on cache failure fall through to
		// the durable revocation check below.
		logger.Warnw("Blacklist check failed; falling back to durable store", "error", err)
	} else if listed {
		return nil, oautherr.NewUnauthorized(errors.New("token is blacklisted"))
	}

	rec, err := e.store.GetAccessToken(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oautherr.NewUnauthorized(err)
		}
		return nil, storeErr(err)
	}
	if rec.RevokedAt != nil {
		return nil, oautherr.NewUnauthorized(errors.New("token is revoked"))
	}

	// Refresh the session mirror, rebuilding it if it was evicted. The
	// signed token stays authoritative; mirror failures are not fatal.
	if claims.SessionID != "" && claims.UserID != "" {
		e.touchMirror(ctx, claims)
	}
	return claims, nil
}

// touchMirror refreshes or lazily reconstructs the session mirror entry for
// a validated token.
func (e *Engine) touchMirror(ctx context.Context, claims *BearerClaims) {
	sess, err := e.mirror.Lookup(ctx, claims.SessionID)
	if err != nil {
		logger.Warnw("Session mirror lookup failed", "error", err)
		return
	}
	if sess != nil {
		return
	}
	user, err := e.store.GetUser(ctx, claims.UserID)
	if err != nil {
		logger.Warnw("Session mirror reconstruction failed", "error", err)
		return
	}
	_, err = e.mirror.Reconstruct(ctx, &sessions.Session{
		SessionID:      claims.SessionID,
		UserID:         user.ID,
		ClientID:       claims.ClientID,
		Username:       user.Username,
		Email:          user.Email,
		Scopes:         claims.Scopes,
		AuthTime:       claims.AuthTime,
		TokenExpiresAt: claims.ExpiresAt,
	})
	if err != nil {
		logger.Warnw("Session mirror reconstruction failed", "error", err)
	}
}

// parseAccessToken verifies the JWT signature against the published
// verification set, selecting the key by the kid header.
func (e *Engine) parseAccessToken(ctx context.Context, token string) (*BearerClaims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		vk, err := e.keys.PublicKeyByKID(ctx, kid)
		if err != nil {
			return nil, err
		}
		if t.Method.Alg() != vk.Algorithm {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return vk.PublicKey, nil
	}, jwt.WithIssuer(e.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	claims := &BearerClaims{}
	claims.UserID, _ = mc["sub"].(string)
	claims.ClientID, _ = mc["client_id"].(string)
	claims.SessionID, _ = mc["sid"].(string)
	if scope, ok := mc["scope"].(string); ok {
		claims.Scopes = strings.Fields(scope)
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	if at, ok := mc["auth_time"].(float64); ok {
		claims.AuthTime = time.Unix(int64(at), 0).UTC()
	}
	return claims, nil
}

// mintSpec describes one token pair to create.
type mintSpec struct {
	client    *storage.Client
	user      *storage.User // nil for service tokens
	scope     string
	accessTTL time.Duration

	withRefresh   bool
	rotationCount int
	parentHash    string
	authTime      time.Time
}

// minted is the outcome of mint, including the hashes later needed to link
// and revoke the pair.
type minted struct {
	issue       *Issue
	refreshHash string
	sessionID   string
}

// mint creates an access token (and optionally a refresh token), persists
// their hashes, and mirrors the session.
func (e *Engine) mint(ctx context.Context, spec mintSpec) (*minted, error) {
	now := time.Now().UTC()
	out := &minted{}

	var refreshValue string
	if spec.withRefresh {
		v, err := generateOpaque()
		if err != nil {
			return nil, oautherr.NewServerError(err)
		}
		refreshValue = v
		out.refreshHash = e.hasher.Hash(v)
	}

	userID := ""
	if spec.user != nil {
		userID = spec.user.ID
		out.sessionID = uuid.NewString()
	}

	accessValue, err := e.signAccessToken(ctx, spec, userID, out.sessionID, now)
	if err != nil {
		return nil, oautherr.FromInternal(err)
	}

	if spec.withRefresh {
		err := e.store.CreateRefreshToken(ctx, &storage.RefreshToken{
			TokenHash:       out.refreshHash,
			ClientID:        spec.client.ID,
			UserID:          userID,
			Scope:           spec.scope,
			Status:          storage.RefreshTokenActive,
			RotationCount:   spec.rotationCount,
			ParentTokenHash: spec.parentHash,
			ExpiresAt:       now.Add(e.cfg.RefreshTokenTTL),
			CreatedAt:       now,
		})
		if err != nil {
			return nil, storeErr(err)
		}
	}

	err = e.store.CreateAccessToken(ctx, &storage.AccessToken{
		TokenHash:        e.hasher.Hash(accessValue),
		ClientID:         spec.client.ID,
		UserID:           userID,
		Scope:            spec.scope,
		RefreshTokenHash: out.refreshHash,
		ExpiresAt:        now.Add(spec.accessTTL),
		CreatedAt:        now,
	})
	if err != nil {
		// The refresh row minted above would otherwise sit active until its
		// TTL even though its bearer value is never handed out.
		if spec.withRefresh {
			if revokeErr := e.store.RevokeRefreshToken(ctx, out.refreshHash, now); revokeErr != nil {
				logger.Warnw("Failed to revoke orphaned refresh token", "error", revokeErr)
			}
		}
		return nil, storeErr(err)
	}

	if spec.user != nil {
		authTime := spec.authTime
		if authTime.IsZero() {
			authTime = now
		}
		sess := &sessions.Session{
			SessionID:      out.sessionID,
			UserID:         spec.user.ID,
			ClientID:       spec.client.ID,
			Username:       spec.user.Username,
			Email:          spec.user.Email,
			Scopes:         strings.Fields(spec.scope),
			AuthTime:       authTime,
			TokenExpiresAt: now.Add(spec.accessTTL),
		}
		if err := e.mirror.Put(ctx, sess); err != nil {
			// The mirror is a performance aid; issuance proceeds without it.
			logger.Warnw("Failed to mirror session", "error", err)
		}
	}

	out.issue = &Issue{
		AccessToken:  accessValue,
		TokenType:    "Bearer",
		ExpiresIn:    int64(spec.accessTTL.Seconds()),
		Scope:        spec.scope,
		RefreshToken: refreshValue,
	}
	return out, nil
}

// signAccessToken builds and signs the access token JWT with the active key.
func (e *Engine) signAccessToken(ctx context.Context, spec mintSpec, userID, sessionID string, now time.Time) (string, error) {
	signingKey, err := e.keys.Active(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load signing key: %w", err)
	}

	sub := userID
	if sub == "" {
		// Service tokens assert the client itself as the subject.
		sub = spec.client.ID
	}
	claims := jwt.MapClaims{
		"iss":       e.issuer,
		"sub":       sub,
		"client_id": spec.client.ID,
		"scope":     spec.scope,
		"jti":       uuid.NewString(),
		"iat":       now.Unix(),
		"exp":       now.Add(spec.accessTTL).Unix(),
	}
	if sessionID != "" {
		claims["sid"] = sessionID
	}
	if !spec.authTime.IsZero() {
		claims["auth_time"] = spec.authTime.Unix()
	}

	method := jwt.GetSigningMethod(signingKey.Algorithm)
	if method == nil {
		return "", fmt.Errorf("unsupported signing algorithm: %s", signingKey.Algorithm)
	}
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = signingKey.KID
	return token.SignedString(signingKey.Signer)
}

// ResolveRedirect checks that the client exists, is active, and has the
// presented redirect URI registered. Callers must not bounce the browser
// anywhere until this succeeds.
func (e *Engine) ResolveRedirect(ctx context.Context, clientID, redirectURI string) (*storage.Client, error) {
	client, err := e.getActiveClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !redirectURIMatches(client, redirectURI) {
		return nil, oautherr.NewInvalidRedirectURI(fmt.Errorf("redirect URI not registered for client %s", client.ID))
	}
	return client, nil
}

// AuthenticateClient authenticates a client for endpoints that require
// client credentials outside of a grant (revocation, introspection).
func (e *Engine) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	return e.authenticateClient(ctx, clientID, clientSecret)
}

// authenticateClient resolves and authenticates a client. All failures are
// the same invalid_client so callers cannot enumerate client ids.
func (e *Engine) authenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	client, err := e.getActiveClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.IsConfidential {
		if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)); err != nil {
			return nil, oautherr.NewInvalidClient("client authentication failed", err)
		}
	} else if clientSecret != "" {
		return nil, oautherr.NewInvalidClient("client authentication failed", errors.New("public client must not send a secret"))
	}
	return client, nil
}

func (e *Engine) getActiveClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := e.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oautherr.NewInvalidClient("client authentication failed", err)
		}
		return nil, storeErr(err)
	}
	if !client.IsActive {
		return nil, oautherr.NewInvalidClient("client authentication failed", errors.New("client is deactivated"))
	}
	return client, nil
}

// redirectURIMatches checks the presented redirect URI against the client's
// registered URIs: exact match first, then a query-stripped match.
func redirectURIMatches(client *storage.Client, redirectURI string) bool {
	for _, registered := range client.RedirectURIs {
		if registered == redirectURI {
			return true
		}
	}
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	parsed.RawQuery = ""
	stripped := parsed.String()
	for _, registered := range client.RedirectURIs {
		if registered == stripped {
			return true
		}
	}
	return false
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

func errorCode(err error) string {
	if err == nil {
		return ""
	}
	return oautherr.FromInternal(err).Type
}

// storeErr converts a durable-store failure into a client-safe error.
// Breaker rejections and timeouts become retryable service_unavailable;
// everything else is server_error.
func storeErr(err error) error {
	var open *breaker.OpenError
	if errors.As(err, &open) {
		return oautherr.NewServiceUnavailable("temporarily unavailable", open.RetryAfter, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return oautherr.NewServiceUnavailable("temporarily unavailable", 0, err)
	}
	return oautherr.NewServerError(err)
}
