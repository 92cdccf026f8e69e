// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the authorization server configuration.
//
// Configuration is read from environment variables with the KEYFOLD_ prefix
// and optionally from a YAML file. Every operational tunable lives here:
// token TTLs, rotation windows, lock bounds, and per-dependency circuit
// breaker thresholds. Nothing security-relevant is hard-coded.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the authorization server.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Tokens   TokenConfig    `mapstructure:"tokens"`
	Rotation RotationConfig `mapstructure:"rotation"`
	Keys     KeyConfig      `mapstructure:"keys"`
	Breakers BreakerConfig  `mapstructure:"breakers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `mapstructure:"addr"`

	// Issuer is the external issuer URL embedded in tokens and discovery
	// documents, e.g. "https://auth.example.com".
	Issuer string `mapstructure:"issuer"`

	// LoginURL is where unauthenticated /authorize requests are redirected.
	LoginURL string `mapstructure:"login_url"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// TokenRatePerSecond bounds the request rate on the token endpoint.
	TokenRatePerSecond float64 `mapstructure:"token_rate_per_second"`
	TokenRateBurst     int     `mapstructure:"token_rate_burst"`
}

// DatabaseConfig holds durable store settings.
type DatabaseConfig struct {
	// Path is the SQLite database path. ":memory:" is valid for tests.
	Path string `mapstructure:"path"`
}

// RedisConfig holds the shared coordination store settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// KeyPrefix namespaces all keys, e.g. "keyfold:".
	KeyPrefix string `mapstructure:"key_prefix"`

	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// TokenConfig holds token lifetime settings.
type TokenConfig struct {
	// Pepper is the server-side key for HMAC hashing of opaque token values
	// before they are stored. Required in production.
	Pepper string `mapstructure:"pepper"`

	AuthorizationCodeTTL time.Duration `mapstructure:"authorization_code_ttl"`
	AccessTokenTTL       time.Duration `mapstructure:"access_token_ttl"`
	// ClientCredentialsTTL applies to user-less service tokens, which are
	// longer-lived than interactive access tokens.
	ClientCredentialsTTL time.Duration `mapstructure:"client_credentials_ttl"`
	RefreshTokenTTL      time.Duration `mapstructure:"refresh_token_ttl"`
	IDTokenTTL           time.Duration `mapstructure:"id_token_ttl"`
	NonceTTL             time.Duration `mapstructure:"nonce_ttl"`
}

// RotationConfig holds refresh rotation coordination settings.
type RotationConfig struct {
	// GraceWindow is how long a just-rotated refresh token keeps answering
	// with the cached successor before it is treated as revoked.
	GraceWindow time.Duration `mapstructure:"grace_window"`

	// LockTTL bounds how long a rotation lock can be held.
	LockTTL time.Duration `mapstructure:"lock_ttl"`

	// LockWait bounds how long a caller waits to acquire the lock.
	LockWait time.Duration `mapstructure:"lock_wait"`

	// ResultCacheTTL bounds the fan-in result cache.
	ResultCacheTTL time.Duration `mapstructure:"result_cache_ttl"`

	// SweepInterval is how often rotating tokens past grace are revoked.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// KeyConfig holds signing key lifecycle settings.
type KeyConfig struct {
	// Algorithm is the JOSE signing algorithm: ES256, ES384, or RS256.
	Algorithm string `mapstructure:"algorithm"`

	// RotationInterval is how often a fresh signing key is generated.
	RotationInterval time.Duration `mapstructure:"rotation_interval"`

	// VerificationGrace is how long a retired key stays in the published
	// verification set after rotation.
	VerificationGrace time.Duration `mapstructure:"verification_grace"`

	// EncryptionKey is the 32-byte (hex or raw) master key used to encrypt
	// private key material at rest. Required in production.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// BreakerSettings configures one named circuit breaker.
type BreakerSettings struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
}

// BreakerConfig holds per-dependency circuit breaker settings.
type BreakerConfig struct {
	// Default applies to any breaker without an explicit entry.
	Default BreakerSettings `mapstructure:"default"`

	// Overrides maps breaker name to settings, e.g. "db_list" with a higher
	// failure threshold than single-row queries.
	Overrides map[string]BreakerSettings `mapstructure:"overrides"`
}

// For returns the settings for the named breaker, falling back to Default.
func (b BreakerConfig) For(name string) BreakerSettings {
	if s, ok := b.Overrides[name]; ok {
		return s
	}
	return b.Default
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.issuer", "http://localhost:8080")
	v.SetDefault("server.login_url", "/login")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.token_rate_per_second", 50.0)
	v.SetDefault("server.token_rate_burst", 100)

	v.SetDefault("database.path", "keyfold.db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "keyfold:")
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("tokens.authorization_code_ttl", 5*time.Minute)
	v.SetDefault("tokens.access_token_ttl", time.Hour)
	v.SetDefault("tokens.client_credentials_ttl", 4*time.Hour)
	v.SetDefault("tokens.refresh_token_ttl", 30*24*time.Hour)
	v.SetDefault("tokens.id_token_ttl", time.Hour)
	v.SetDefault("tokens.nonce_ttl", 10*time.Minute)

	v.SetDefault("rotation.grace_window", 10*time.Second)
	v.SetDefault("rotation.lock_ttl", 5*time.Second)
	v.SetDefault("rotation.lock_wait", 2*time.Second)
	v.SetDefault("rotation.result_cache_ttl", 10*time.Second)
	v.SetDefault("rotation.sweep_interval", 30*time.Second)

	v.SetDefault("keys.algorithm", "ES256")
	v.SetDefault("keys.rotation_interval", 30*24*time.Hour)
	v.SetDefault("keys.verification_grace", 72*time.Hour)

	v.SetDefault("breakers.default.failure_threshold", 3)
	v.SetDefault("breakers.default.success_threshold", 2)
	v.SetDefault("breakers.default.recovery_timeout", 30*time.Second)
	v.SetDefault("breakers.default.call_timeout", 3*time.Second)
	v.SetDefault("breakers.overrides.db_list.failure_threshold", 5)
	v.SetDefault("breakers.overrides.db_list.success_threshold", 2)
	v.SetDefault("breakers.overrides.db_list.recovery_timeout", 30*time.Second)
	v.SetDefault("breakers.overrides.db_list.call_timeout", 5*time.Second)
}

// Load reads configuration from the environment and the optional file path.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KEYFOLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.Server.Issuer == "" {
		return fmt.Errorf("server.issuer is required")
	}
	if !strings.HasPrefix(c.Server.Issuer, "http://") && !strings.HasPrefix(c.Server.Issuer, "https://") {
		return fmt.Errorf("server.issuer must be an absolute URL")
	}
	switch c.Keys.Algorithm {
	case "ES256", "ES384", "RS256":
	default:
		return fmt.Errorf("keys.algorithm %q is not supported (ES256, ES384, RS256)", c.Keys.Algorithm)
	}
	if c.Rotation.LockWait > c.Rotation.LockTTL {
		return fmt.Errorf("rotation.lock_wait must not exceed rotation.lock_ttl")
	}
	if c.Rotation.GraceWindow <= 0 {
		return fmt.Errorf("rotation.grace_window must be positive")
	}
	if c.Tokens.AuthorizationCodeTTL <= 0 {
		return fmt.Errorf("tokens.authorization_code_ttl must be positive")
	}
	return nil
}
