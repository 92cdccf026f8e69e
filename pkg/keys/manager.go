// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys manages the signing key lifecycle: scheduled generation of
// asymmetric key pairs, a single "active" key used for new signatures, and a
// published verification set that retains retired keys through a grace
// window so tokens signed just before rotation remain verifiable.
//
// Private key material is encrypted at rest with AES-256-GCM under a master
// key supplied through configuration.
package keys

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/keyfold/keyfold/pkg/config"
	"github.com/keyfold/keyfold/pkg/logger"
	"github.com/keyfold/keyfold/pkg/storage"
)

// activeCacheTTL bounds how long a worker signs with a cached key before
// re-checking the store. Workers converge on a newly rotated key within
// this window.
const activeCacheTTL = time.Minute

// SigningKeyData is a decrypted, ready-to-use signing key.
type SigningKeyData struct {
	KID       string
	Algorithm string
	Signer    crypto.Signer
	CreatedAt time.Time
}

// VerificationKey is one entry in the published verification set.
type VerificationKey struct {
	KID       string
	Algorithm string
	PublicKey crypto.PublicKey
}

// Manager provides the active signing key and the verification set, backed
// by the durable store with a short in-process cache.
type Manager struct {
	store     storage.Store
	cfg       config.KeyConfig
	masterKey []byte

	mu             sync.RWMutex
	active         *SigningKeyData
	activeCachedAt time.Time
}

// NewManager creates a key manager. The configured encryption key is parsed
// eagerly so a misconfiguration fails at startup, not at first rotation.
func NewManager(store storage.Store, cfg config.KeyConfig) (*Manager, error) {
	masterKey, err := parseMasterKey(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return &Manager{store: store, cfg: cfg, masterKey: masterKey}, nil
}

// EnsureActive guarantees an active signing key exists, generating the
// first one on a fresh deployment.
func (m *Manager) EnsureActive(ctx context.Context) error {
	_, err := m.Active(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	logger.Info("No active signing key found; generating initial key")
	return m.Rotate(ctx)
}

// Active returns the current signing key, consulting the in-process cache
// first. The cache TTL bounds how stale a worker's view of a rotation can be.
func (m *Manager) Active(ctx context.Context) (*SigningKeyData, error) {
	m.mu.RLock()
	if m.active != nil && time.Since(m.activeCachedAt) < activeCacheTTL {
		key := m.active
		m.mu.RUnlock()
		return key, nil
	}
	m.mu.RUnlock()

	rec, err := m.store.GetActiveSigningKey(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	key, err := m.decode(rec)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active = key
	m.activeCachedAt = time.Now()
	m.mu.Unlock()
	return key, nil
}

// Rotate generates a fresh key pair, encrypts the private half, and makes
// it the active key in a single transaction. The outgoing key stays in the
// verification set until its grace window lapses.
func (m *Manager) Rotate(ctx context.Context) error {
	signer, err := generateSigner(m.cfg.Algorithm)
	if err != nil {
		return err
	}
	kid, err := deriveKeyID(signer)
	if err != nil {
		return err
	}
	privatePEM, err := encodePrivateKeyPEM(signer)
	if err != nil {
		return err
	}
	publicPEM, err := encodePublicKeyPEM(signer)
	if err != nil {
		return err
	}
	sealed, err := encryptPrivateKey(m.masterKey, privatePEM)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec := &storage.SigningKey{
		KID:           kid,
		PrivateKeyEnc: sealed,
		PublicKeyPEM:  publicPEM,
		Algorithm:     m.cfg.Algorithm,
		IsActive:      true,
		// The key must remain verifiable for one full rotation interval of
		// signatures plus the grace window after it retires.
		ExpiresAt: now.Add(m.cfg.RotationInterval + m.cfg.VerificationGrace),
		CreatedAt: now,
	}
	if err := m.store.CreateSigningKey(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist signing key: %w", err)
	}

	m.mu.Lock()
	m.active = &SigningKeyData{KID: kid, Algorithm: m.cfg.Algorithm, Signer: signer, CreatedAt: now}
	m.activeCachedAt = now
	m.mu.Unlock()

	logger.Infow("Rotated signing key", "kid", kid, "algorithm", m.cfg.Algorithm)
	return nil
}

// RotateIfDue rotates when the active key is older than the configured
// rotation interval. Missing keys rotate immediately.
func (m *Manager) RotateIfDue(ctx context.Context) error {
	active, err := m.Active(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return m.Rotate(ctx)
		}
		return err
	}
	if time.Since(active.CreatedAt) < m.cfg.RotationInterval {
		return nil
	}
	return m.Rotate(ctx)
}

// Prune deletes keys whose verification grace has fully lapsed.
func (m *Manager) Prune(ctx context.Context) (int64, error) {
	return m.store.DeleteExpiredSigningKeys(ctx, time.Now().UTC())
}

// VerificationKeys returns every unexpired public key, newest first.
func (m *Manager) VerificationKeys(ctx context.Context) ([]*VerificationKey, error) {
	recs, err := m.store.ListVerificationKeys(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	out := make([]*VerificationKey, 0, len(recs))
	for _, rec := range recs {
		pub, err := parsePublicKeyPEM(rec.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key %s: %w", rec.KID, err)
		}
		out = append(out, &VerificationKey{KID: rec.KID, Algorithm: rec.Algorithm, PublicKey: pub})
	}
	return out, nil
}

// PublicKeyByKID returns the verification key with the given key id, or
// ErrNotFound if it is absent or past its grace window.
func (m *Manager) PublicKeyByKID(ctx context.Context, kid string) (*VerificationKey, error) {
	verKeys, err := m.VerificationKeys(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range verKeys {
		if k.KID == kid {
			return k, nil
		}
	}
	return nil, storage.ErrNotFound
}

// JWKS builds the published JSON Web Key Set from the verification set.
func (m *Manager) JWKS(ctx context.Context) (jwk.Set, error) {
	verKeys, err := m.VerificationKeys(ctx)
	if err != nil {
		return nil, err
	}
	set := jwk.NewSet()
	for _, vk := range verKeys {
		key, err := jwk.Import(vk.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to build JWK for %s: %w", vk.KID, err)
		}
		if err := key.Set(jwk.KeyIDKey, vk.KID); err != nil {
			return nil, err
		}
		if err := key.Set(jwk.AlgorithmKey, vk.Algorithm); err != nil {
			return nil, err
		}
		if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
			return nil, err
		}
		if err := set.AddKey(key); err != nil {
			return nil, fmt.Errorf("failed to add JWK for %s: %w", vk.KID, err)
		}
	}
	return set, nil
}

// decode decrypts and parses a stored signing key.
func (m *Manager) decode(rec *storage.SigningKey) (*SigningKeyData, error) {
	privatePEM, err := decryptPrivateKey(m.masterKey, rec.PrivateKeyEnc)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal signing key %s: %w", rec.KID, err)
	}
	signer, err := parsePrivateKeyPEM(privatePEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key %s: %w", rec.KID, err)
	}
	return &SigningKeyData{
		KID:       rec.KID,
		Algorithm: rec.Algorithm,
		Signer:    signer,
		CreatedAt: rec.CreatedAt,
	}, nil
}
