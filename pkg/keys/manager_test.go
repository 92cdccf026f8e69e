// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/pkg/config"
	"github.com/keyfold/keyfold/pkg/storage/sqlite"
)

const testMasterKey = "0123456789abcdef0123456789abcdef" // 32 raw bytes

func newTestManager(t *testing.T, algorithm string) *Manager {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	manager, err := NewManager(store, config.KeyConfig{
		Algorithm:         algorithm,
		RotationInterval:  30 * 24 * time.Hour,
		VerificationGrace: 72 * time.Hour,
		EncryptionKey:     testMasterKey,
	})
	require.NoError(t, err)
	return manager
}

func TestEnsureActiveGeneratesFirstKey(t *testing.T) {
	t.Parallel()
	manager := newTestManager(t, "ES256")
	ctx := context.Background()

	require.NoError(t, manager.EnsureActive(ctx))

	active, err := manager.Active(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, active.KID)
	assert.Equal(t, "ES256", active.Algorithm)
	_, ok := active.Signer.(*ecdsa.PrivateKey)
	assert.True(t, ok)

	// Idempotent: a second call keeps the same key.
	require.NoError(t, manager.EnsureActive(ctx))
	again, err := manager.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, active.KID, again.KID)
}

func TestRotateKeepsPredecessorVerifiable(t *testing.T) {
	t.Parallel()
	manager := newTestManager(t, "ES256")
	ctx := context.Background()

	require.NoError(t, manager.Rotate(ctx))
	first, err := manager.Active(ctx)
	require.NoError(t, err)

	require.NoError(t, manager.Rotate(ctx))
	second, err := manager.Active(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.KID, second.KID)

	verification, err := manager.VerificationKeys(ctx)
	require.NoError(t, err)
	kids := make([]string, 0, len(verification))
	for _, k := range verification {
		kids = append(kids, k.KID)
	}
	assert.Contains(t, kids, first.KID, "retired key stays verifiable through its grace window")
	assert.Contains(t, kids, second.KID)
}

func TestPrivateKeyRoundTripsThroughEncryption(t *testing.T) {
	t.Parallel()
	manager := newTestManager(t, "ES256")
	ctx := context.Background()

	require.NoError(t, manager.Rotate(ctx))
	active, err := manager.Active(ctx)
	require.NoError(t, err)

	// Drop the in-process cache and force a decrypt-and-parse from the store.
	manager.mu.Lock()
	manager.active = nil
	manager.mu.Unlock()

	reloaded, err := manager.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, active.KID, reloaded.KID)

	orig := active.Signer.(*ecdsa.PrivateKey)
	got := reloaded.Signer.(*ecdsa.PrivateKey)
	assert.True(t, orig.Equal(got))
}

func TestJWKSPublishesVerificationSet(t *testing.T) {
	t.Parallel()
	manager := newTestManager(t, "ES256")
	ctx := context.Background()

	require.NoError(t, manager.Rotate(ctx))
	require.NoError(t, manager.Rotate(ctx))

	set, err := manager.JWKS(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())

	// The set must serialize as a standard JWKS document with kids.
	data, err := json.Marshal(set)
	require.NoError(t, err)
	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Len(t, doc.Keys, 2)
	for _, k := range doc.Keys {
		assert.NotEmpty(t, k["kid"])
		assert.Equal(t, "sig", k["use"])
	}
}

func TestRotateIfDue(t *testing.T) {
	t.Parallel()
	manager := newTestManager(t, "ES256")
	ctx := context.Background()

	// No key yet: rotates immediately.
	require.NoError(t, manager.RotateIfDue(ctx))
	first, err := manager.Active(ctx)
	require.NoError(t, err)

	// Fresh key: not due.
	require.NoError(t, manager.RotateIfDue(ctx))
	second, err := manager.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.KID, second.KID)
}

func TestRS256KeyGeneration(t *testing.T) {
	t.Parallel()
	manager := newTestManager(t, "RS256")
	ctx := context.Background()

	require.NoError(t, manager.Rotate(ctx))
	active, err := manager.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, "RS256", active.Algorithm)
}

func TestParseMasterKey(t *testing.T) {
	t.Parallel()

	key, err := parseMasterKey(testMasterKey)
	require.NoError(t, err)
	assert.Len(t, key, 32)

	key, err = parseMasterKey("00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	require.NoError(t, err)
	assert.Len(t, key, 32)

	_, err = parseMasterKey("too-short")
	assert.Error(t, err)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	t.Parallel()

	masterKey := []byte(testMasterKey)
	sealed, err := encryptPrivateKey(masterKey, []byte("secret material"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = decryptPrivateKey(masterKey, sealed)
	assert.Error(t, err)
}
