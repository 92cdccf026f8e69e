// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/keyfold/keyfold/pkg/audit"
	"github.com/keyfold/keyfold/pkg/blacklist"
	"github.com/keyfold/keyfold/pkg/cache"
	"github.com/keyfold/keyfold/pkg/config"
	"github.com/keyfold/keyfold/pkg/idtoken"
	"github.com/keyfold/keyfold/pkg/keys"
	"github.com/keyfold/keyfold/pkg/nonce"
	"github.com/keyfold/keyfold/pkg/oautherr"
	"github.com/keyfold/keyfold/pkg/sessions"
	"github.com/keyfold/keyfold/pkg/storage"
	"github.com/keyfold/keyfold/pkg/storage/sqlite"
)

const (
	testIssuer       = "https://auth.example.com"
	testClientSecret = "s3cret"
	testUserPassword = "correct horse"
	testRedirectURI  = "https://app.example.com/cb"
)

type testHarness struct {
	engine *Engine
	store  *sqlite.Store
	mr     *miniredis.Miniredis
	hasher *Hasher
	tokens config.TokenConfig

	// Kept so tests can rebuild an engine with a wrapped store.
	params      EngineParams
	coordinator *Coordinator
}

func newTestHarness(t *testing.T) *testHarness {
	return newTestHarnessRotation(t, config.RotationConfig{
		GraceWindow:    2 * time.Second,
		LockTTL:        5 * time.Second,
		LockWait:       2 * time.Second,
		ResultCacheTTL: 10 * time.Second,
		SweepInterval:  30 * time.Second,
	})
}

func newTestHarnessRotation(t *testing.T, rotationCfg config.RotationConfig) *testHarness {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	kv := cache.NewWithClient(client, "keyfold:")

	keyManager, err := keys.NewManager(store, config.KeyConfig{
		Algorithm:         "ES256",
		RotationInterval:  720 * time.Hour,
		VerificationGrace: 72 * time.Hour,
		EncryptionKey:     "0123456789abcdef0123456789abcdef",
	})
	require.NoError(t, err)
	require.NoError(t, keyManager.EnsureActive(ctx))

	tokenCfg := config.TokenConfig{
		Pepper:               "test-pepper",
		AuthorizationCodeTTL: 5 * time.Minute,
		AccessTokenTTL:       time.Hour,
		ClientCredentialsTTL: 4 * time.Hour,
		RefreshTokenTTL:      30 * 24 * time.Hour,
		IDTokenTTL:           10 * time.Minute,
		NonceTTL:             10 * time.Minute,
	}
	auditLog := audit.NewLogger()
	t.Cleanup(func() {
		_ = auditLog.Close(context.Background())
	})

	hasher := NewHasher(tokenCfg.Pepper)
	mirror := sessions.New(kv, tokenCfg.AccessTokenTTL)
	coordinator := NewCoordinator(store, hasher, kv, rotationCfg)
	params := EngineParams{
		Store:     store,
		Hasher:    hasher,
		Keys:      keyManager,
		IDTokens:  idtoken.NewIssuer(keyManager, testIssuer, tokenCfg.IDTokenTTL),
		Nonces:    nonce.NewGuard(store),
		Blacklist: blacklist.New(kv),
		Mirror:    mirror,
		Audit:     auditLog,
		Issuer:    testIssuer,
		Tokens:    tokenCfg,
	}

	return &testHarness{
		engine:      NewEngine(params, coordinator),
		store:       store,
		mr:          mr,
		hasher:      hasher,
		tokens:      tokenCfg,
		params:      params,
		coordinator: coordinator,
	}
}

func (h *testHarness) seedPublicClient(t *testing.T, id string) *storage.Client {
	t.Helper()
	client := &storage.Client{
		ID:            id,
		RedirectURIs:  []string{testRedirectURI},
		AllowedScopes: []string{"openid", "profile", "email"},
		IsActive:      true,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, h.store.CreateClient(context.Background(), client))
	return client
}

func (h *testHarness) seedConfidentialClient(t *testing.T, id string) *storage.Client {
	t.Helper()
	secretHash, err := bcrypt.GenerateFromPassword([]byte(testClientSecret), bcrypt.MinCost)
	require.NoError(t, err)
	client := &storage.Client{
		ID:             id,
		SecretHash:     string(secretHash),
		RedirectURIs:   []string{testRedirectURI},
		AllowedScopes:  []string{"openid", "profile", "api:read"},
		IsConfidential: true,
		IsActive:       true,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, h.store.CreateClient(context.Background(), client))
	return client
}

func (h *testHarness) seedUser(t *testing.T, id string) *storage.User {
	t.Helper()
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(testUserPassword), bcrypt.MinCost)
	require.NoError(t, err)
	user := &storage.User{
		ID:            id,
		Username:      id + "-name",
		PasswordHash:  string(passwordHash),
		Email:         id + "@example.com",
		EmailVerified: true,
		Name:          "Test User",
	}
	require.NoError(t, h.store.CreateUser(context.Background(), user))
	return user
}

// authorizeCode runs a full Authorize for the given client/user with PKCE
// and returns the code plus the verifier.
func (h *testHarness) authorizeCode(t *testing.T, clientID string, user *storage.User, scope string) (string, string) {
	t.Helper()
	verifier := oauth2.GenerateVerifier()
	code, err := h.engine.Authorize(context.Background(), &AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         testRedirectURI,
		Scope:               scope,
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: PKCEMethodS256,
		User:                user,
	})
	require.NoError(t, err)
	return code, verifier
}

func TestAuthorizeValidation(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	ctx := context.Background()

	h.seedPublicClient(t, "c1")
	user := h.seedUser(t, "u1")

	t.Run("unknown client", func(t *testing.T) {
		_, err := h.engine.Authorize(ctx, &AuthorizeRequest{
			ClientID:    "ghost",
			RedirectURI: testRedirectURI,
			Scope:       "openid",
			User:        user,
		})
		assert.True(t, oautherr.IsInvalidClient(err))
	})

	t.Run("unregistered redirect URI", func(t *testing.T) {
		_, err := h.engine.Authorize(ctx, &AuthorizeRequest{
			ClientID:    "c1",
			RedirectURI: "https://evil.example.com/cb",
			Scope:       "openid",
			User:        user,
		})
		assert.True(t, oautherr.IsType(err, oautherr.ErrInvalidRedirectURI))
	})

	t.Run("query-stripped redirect URI matches", func(t *testing.T) {
		code, err := h.engine.Authorize(ctx, &AuthorizeRequest{
			ClientID:    "c1",
			RedirectURI: testRedirectURI + "?foo=bar",
			Scope:       "openid",
			User:        user,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, code)
	})

	t.Run("disallowed scope", func(t *testing.T) {
		_, err := h.engine.Authorize(ctx, &AuthorizeRequest{
			ClientID:    "c1",
			RedirectURI: testRedirectURI,
			Scope:       "openid admin",
			User:        user,
		})
		assert.True(t, oautherr.IsInvalidScope(err))
	})

	t.Run("replayed nonce", func(t *testing.T) {
		req := &AuthorizeRequest{
			ClientID:    "c1",
			RedirectURI: testRedirectURI,
			Scope:       "openid",
			Nonce:       "n-once",
			User:        user,
		}
		code, err := h.engine.Authorize(ctx, req)
		require.NoError(t, err)
		require.NotEmpty(t, code)

		// Presenting the same nonce again is a client mistake, not an
		// internal failure.
		_, err = h.engine.Authorize(ctx, req)
		assert.True(t, oautherr.IsType(err, oautherr.ErrInvalidRequest), "got %v", err)
	})

	t.Run("grant recorded in oauth session", func(t *testing.T) {
		_, err := h.engine.Authorize(ctx, &AuthorizeRequest{
			ClientID:    "c1",
			RedirectURI: testRedirectURI,
			Scope:       "openid profile",
			User:        user,
		})
		require.NoError(t, err)

		sess, err := h.store.GetOAuthSession(ctx, "u1", "c1")
		require.NoError(t, err)
		assert.Contains(t, sess.GrantedScopes, "profile")
	})
}

// mintFailStore fails access-token inserts and remembers the refresh-token
// hashes created through it.
type mintFailStore struct {
	storage.Store
	refreshHashes []string
}

func (s *mintFailStore) CreateRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	s.refreshHashes = append(s.refreshHashes, token.TokenHash)
	return s.Store.CreateRefreshToken(ctx, token)
}

func (s *mintFailStore) CreateAccessToken(context.Context, *storage.AccessToken) error {
	return errors.New("disk full")
}

func TestExchangeFailureLeavesNoActiveRefreshToken(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	ctx := context.Background()

	h.seedPublicClient(t, "c1")
	user := h.seedUser(t, "u1")
	code, verifier := h.authorizeCode(t, "c1", user, "openid")

	failing := &mintFailStore{Store: h.store}
	params := h.params
	params.Store = failing
	engine := NewEngine(params, h.coordinator)

	_, err := engine.ExchangeCode(ctx, &ExchangeRequest{
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     "c1",
		CodeVerifier: verifier,
	})
	require.Error(t, err)
	require.Len(t, failing.refreshHashes, 1)

	// The half-minted refresh token must not stay usable.
	rec, err := h.store.GetRefreshToken(ctx, failing.refreshHashes[0])
	require.NoError(t, err)
	assert.Equal(t, storage.RefreshTokenRevoked, rec.Status)
}

func TestResolveRedirect(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	ctx := context.Background()
	h.seedPublicClient(t, "c1")

	client, err := h.engine.ResolveRedirect(ctx, "c1", testRedirectURI)
	require.NoError(t, err)
	assert.Equal(t, "c1", client.ID)

	_, err = h.engine.ResolveRedirect(ctx, "ghost", testRedirectURI)
	assert.True(t, oautherr.IsInvalidClient(err))

	_, err = h.engine.ResolveRedirect(ctx, "c1", "https://evil.example/phish")
	assert.True(t, oautherr.IsType(err, oautherr.ErrInvalidRedirectURI))
}

func TestExchangeCodeHappyPath(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	ctx := context.Background()

	h.seedPublicClient(t, "c1")
	user := h.seedUser(t, "u1")
	code, verifier := h.authorizeCode(t, "c1", user, "openid profile")

	issue, err := h.engine.ExchangeCode(ctx, &ExchangeRequest{
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     "c1",
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, issue.AccessToken)
	assert.NotEmpty(t, issue.RefreshToken)
	assert.NotEmpty(t, issue.IDToken, "openid scope produces an ID token")
	assert.Equal(t, "Bearer", issue.TokenType)
	assert.Equal(t, int64(3600), issue.ExpiresIn)
	assert.Equal(t, "openid profile", issue.Scope)

	// The access token validates as a bearer.
	claims, err := h.engine.ValidateBearer(ctx, issue.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "c1", claims.ClientID)
	assert.ElementsMatch(t, []string{"openid", "profile"}, claims.Scopes)
}

func TestExchangeCodeSingleUse(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	ctx := context.Background()

	h.seedPublicClient(t, "c1")
	user := h.seedUser(t, "u1")
	code, verifier := h.authorizeCode(t, "c1", user, "openid")

	_, err := h.engine.ExchangeCode(ctx, &ExchangeRequest{
		Code: code, RedirectURI: testRedirectURI, ClientID: "c1", CodeVerifier: verifier,
	})
	require.NoError(t, err)

	_, err = h.engine.ExchangeCode(ctx, &ExchangeRequest{
		Code: code, RedirectURI: testRedirectURI, ClientID: "c1", CodeVerifier: verifier,
	})
	assert.True(t, oautherr.IsInvalidGrant(err), "a consumed code never exchanges again")
}

func TestExchangeCodePKCE(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	ctx := context.Background()

	h.seedPublicClient(t, "c1")
	user := h.seedUser(t, "u1")

	t.Run("wrong verifier", func(t *testing.T) {
		code, _ := h.authorizeCode(t, "c1", user, "openid")
		_, err := h.engine.ExchangeCode(ctx, &ExchangeRequest{
			Code: code, RedirectURI: testRedirectURI, ClientID: "c1",
			CodeVerifier: oauth2.GenerateVerifier(),
		})
		assert.True(t, oautherr.IsInvalidGrant(err))
	})

	t.Run("missing verifier", func(t *testing.T) {
		code, _ := h.authorizeCode(t, "c1", user, "openid")
		_, err := h.engine.ExchangeCode(ctx, &ExchangeRequest{
			Code: code, RedirectURI: testRedirectURI, ClientID: "c1",
		})
		assert.True(t, oautherr.IsInvalidGrant(err))
	})

	t.Run("redirect URI mismatch", func(t *testing.T) {
		code, verifier := h.authorizeCode(t, "c1", user, "openid")
		_, err := h.engine.ExchangeCode(ctx, &ExchangeRequest{
			Code: code, RedirectURI: "https://app.example.com/other", ClientID: "c1",
			CodeVerifier: verifier,
		})
		assert.True(t, oautherr.IsInvalidGrant(err))
	})

	t.Run("different client", func(t *testing.T) {
		h.seedPublicClient(t, "c2")
		code, verifier := h.authorizeCode(t, "c1", user, "openid")
		_, err := h.engine.ExchangeCode(ctx, &ExchangeRequest{
			Code: code, RedirectURI: testRedirectURI, ClientID: "c2",
			CodeVerifier: verifier,
		})
		assert.True(t, oautherr.IsInvalidGrant(err))
	})
}

func TestClientCredentialsGrant(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	ctx := context.Background()

	h.seedConfidentialClient(t, "svc")
	h.seedPublicClient(t, "pub")

	t.Run("happy path", func(t *testing.T) {
		issue, err := h.engine.ClientCredentialsGrant(ctx, "svc", testClientSecret, "api:read")
		require.NoError(t, err)
		assert.NotEmpty(t, issue.AccessToken)
		assert.Empty(t, issue.RefreshToken, "service tokens have no refresh token")
		assert.Equal(t, int64((4 * time.Hour).Seconds()), issue.ExpiresIn)
	})

	t.Run("bad secret", func(t *testing.T) {
		_, err := h.engine.ClientCredentialsGrant(ctx, "svc", "wrong", "api:read")
		assert.True(t, oautherr.IsInvalidClient(err))
	})

	t.Run("public client rejected", func(t *testing.T) {
		_, err := h.engine.ClientCredentialsGrant(ctx, "pub", "", "openid")
		assert.True(t, oautherr.IsType(err, oautherr.ErrUnauthorizedClient))
	})

	t.Run("disallowed scope", func(t *testing.T) {
		_, err := h.engine.ClientCredentialsGrant(ctx, "svc", testClientSecret, "api:write")
		assert.True(t, oautherr.IsInvalidScope(err))
	})
}

func TestRevokeAlwaysSucceeds(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	ctx := context.Background()

	h.seedPublicClient(t, "c1")
	user := h.seedUser(t, "u1")
	code, verifier := h.authorizeCode(t, "c1", user, "openid")

	issue, err := h.engine.ExchangeCode(ctx, &ExchangeRequest{
		Code: code, RedirectURI: testRedirectURI, ClientID: "c1", CodeVerifier: verifier,
	})
	require.NoError(t, err)

	// Revoking an unknown token is not an error.
	h.engine.Revoke(ctx, "no-such-token", "c1")

	// Revoking the refresh token kills the whole pair.
	h.engine.Revoke(ctx, issue.RefreshToken, "c1")

	_, err = h.engine.ValidateBearer(ctx, issue.AccessToken)
	assert.True(t, oautherr.IsUnauthorized(err))

	_, err = h.engine.RefreshGrant(ctx, issue.RefreshToken, "c1", "")
	assert.True(t, oautherr.IsInvalidGrant(err))
}

func TestIntrospect(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	ctx := context.Background()

	h.seedPublicClient(t, "c1")
	user := h.seedUser(t, "u1")
	code, verifier := h.authorizeCode(t, "c1", user, "openid")

	issue, err := h.engine.ExchangeCode(ctx, &ExchangeRequest{
		Code: code, RedirectURI: testRedirectURI, ClientID: "c1", CodeVerifier: verifier,
	})
	require.NoError(t, err)

	t.Run("active access token", func(t *testing.T) {
		got, err := h.engine.Introspect(ctx, issue.AccessToken)
		require.NoError(t, err)
		assert.True(t, got.Active)
		assert.Equal(t, "u1", got.Subject)
		assert.Equal(t, "c1", got.ClientID)
		assert.Equal(t, "access_token", got.TokenType)
	})

	t.Run("active refresh token", func(t *testing.T) {
		got, err := h.engine.Introspect(ctx, issue.RefreshToken)
		require.NoError(t, err)
		assert.True(t, got.Active)
		assert.Equal(t, "refresh_token", got.TokenType)
	})

	t.Run("unknown token", func(t *testing.T) {
		got, err := h.engine.Introspect(ctx, "garbage")
		require.NoError(t, err)
		assert.False(t, got.Active)
	})

	t.Run("revoked token", func(t *testing.T) {
		h.engine.Revoke(ctx, issue.AccessToken, "c1")
		got, err := h.engine.Introspect(ctx, issue.AccessToken)
		require.NoError(t, err)
		assert.False(t, got.Active)
	})
}

func TestValidateBearerRejectsForgeries(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	ctx := context.Background()

	t.Run("garbage token", func(t *testing.T) {
		_, err := h.engine.ValidateBearer(ctx, "not-a-jwt")
		assert.True(t, oautherr.IsUnauthorized(err))
	})

	t.Run("token signed by a foreign key", func(t *testing.T) {
		foreign := newTestHarness(t)
		foreign.seedPublicClient(t, "c1")
		user := foreign.seedUser(t, "u1")
		code, verifier := foreign.authorizeCode(t, "c1", user, "openid")
		issue, err := foreign.engine.ExchangeCode(ctx, &ExchangeRequest{
			Code: code, RedirectURI: testRedirectURI, ClientID: "c1", CodeVerifier: verifier,
		})
		require.NoError(t, err)

		_, err = h.engine.ValidateBearer(ctx, issue.AccessToken)
		assert.True(t, oautherr.IsUnauthorized(err))
	})
}

func TestBlacklistSupersedesTTL(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	ctx := context.Background()

	h.seedPublicClient(t, "c1")
	user := h.seedUser(t, "u1")
	code, verifier := h.authorizeCode(t, "c1", user, "openid")

	issue, err := h.engine.ExchangeCode(ctx, &ExchangeRequest{
		Code: code, RedirectURI: testRedirectURI, ClientID: "c1", CodeVerifier: verifier,
	})
	require.NoError(t, err)

	_, err = h.engine.ValidateBearer(ctx, issue.AccessToken)
	require.NoError(t, err)

	h.engine.Revoke(ctx, issue.AccessToken, "c1")

	// Long before its natural expiry, the token is dead.
	_, err = h.engine.ValidateBearer(ctx, issue.AccessToken)
	assert.True(t, oautherr.IsUnauthorized(err))

	// The blacklist entry itself expires no later than the token would.
	hash := h.hasher.Hash(issue.AccessToken)
	ttl := h.mr.TTL("keyfold:blacklist:" + hash)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, h.tokens.AccessTokenTTL)
}

func TestValidateBearerSurvivesCacheLoss(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	ctx := context.Background()

	h.seedPublicClient(t, "c1")
	user := h.seedUser(t, "u1")
	code, verifier := h.authorizeCode(t, "c1", user, "openid")

	issue, err := h.engine.ExchangeCode(ctx, &ExchangeRequest{
		Code: code, RedirectURI: testRedirectURI, ClientID: "c1", CodeVerifier: verifier,
	})
	require.NoError(t, err)

	h.engine.Revoke(ctx, issue.AccessToken, "c1")

	// Losing the entire coordination store must not resurrect the token:
	// the durable revocation record still rejects it.
	h.mr.FlushAll()
	_, err = h.engine.ValidateBearer(ctx, issue.AccessToken)
	assert.True(t, oautherr.IsUnauthorized(err))
}
