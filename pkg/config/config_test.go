// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "http://localhost:8080", cfg.Server.Issuer)
	assert.Equal(t, time.Hour, cfg.Tokens.AccessTokenTTL)
	assert.Equal(t, 5*time.Minute, cfg.Tokens.AuthorizationCodeTTL)
	assert.Equal(t, 10*time.Second, cfg.Rotation.GraceWindow)
	assert.Equal(t, "ES256", cfg.Keys.Algorithm)
	assert.Equal(t, "keyfold:", cfg.Redis.KeyPrefix)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("KEYFOLD_SERVER_ISSUER", "https://auth.example.com")
	t.Setenv("KEYFOLD_TOKENS_ACCESS_TOKEN_TTL", "15m")
	t.Setenv("KEYFOLD_KEYS_ALGORITHM", "RS256")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com", cfg.Server.Issuer)
	assert.Equal(t, 15*time.Minute, cfg.Tokens.AccessTokenTTL)
	assert.Equal(t, "RS256", cfg.Keys.Algorithm)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  issuer: https://auth.example.com
rotation:
  grace_window: 30s
breakers:
  overrides:
    db_get:
      failure_threshold: 7
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com", cfg.Server.Issuer)
	assert.Equal(t, 30*time.Second, cfg.Rotation.GraceWindow)
	assert.Equal(t, 7, cfg.Breakers.For("db_get").FailureThreshold)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	t.Run("defaults validate", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("issuer required", func(t *testing.T) {
		cfg := base()
		cfg.Server.Issuer = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("issuer must be absolute", func(t *testing.T) {
		cfg := base()
		cfg.Server.Issuer = "auth.example.com"
		assert.Error(t, cfg.Validate())
	})

	t.Run("unsupported algorithm", func(t *testing.T) {
		cfg := base()
		cfg.Keys.Algorithm = "HS256"
		assert.Error(t, cfg.Validate())
	})

	t.Run("lock wait bounded by lock ttl", func(t *testing.T) {
		cfg := base()
		cfg.Rotation.LockWait = cfg.Rotation.LockTTL + time.Second
		assert.Error(t, cfg.Validate())
	})

	t.Run("grace window must be positive", func(t *testing.T) {
		cfg := base()
		cfg.Rotation.GraceWindow = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestBreakerConfigFallback(t *testing.T) {
	t.Parallel()

	cfg := BreakerConfig{
		Default:   BreakerSettings{FailureThreshold: 3},
		Overrides: map[string]BreakerSettings{"db_list": {FailureThreshold: 5}},
	}
	assert.Equal(t, 5, cfg.For("db_list").FailureThreshold)
	assert.Equal(t, 3, cfg.For("anything_else").FailureThreshold)
}
