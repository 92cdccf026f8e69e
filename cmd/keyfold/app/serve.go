// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/keyfold/keyfold/pkg/audit"
	"github.com/keyfold/keyfold/pkg/blacklist"
	"github.com/keyfold/keyfold/pkg/breaker"
	"github.com/keyfold/keyfold/pkg/cache"
	"github.com/keyfold/keyfold/pkg/config"
	"github.com/keyfold/keyfold/pkg/idtoken"
	"github.com/keyfold/keyfold/pkg/keys"
	"github.com/keyfold/keyfold/pkg/logger"
	"github.com/keyfold/keyfold/pkg/nonce"
	"github.com/keyfold/keyfold/pkg/server"
	"github.com/keyfold/keyfold/pkg/sessions"
	"github.com/keyfold/keyfold/pkg/storage"
	"github.com/keyfold/keyfold/pkg/storage/sqlite"
	"github.com/keyfold/keyfold/pkg/tokens"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the keyfold authorization server",
		Long: `Start the authorization server with the configuration from the file given
by --config, overridable through KEYFOLD_* environment variables.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(viper.GetString("config"))
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

// runServe wires the full server and runs it until the context is
// cancelled.
func runServe(ctx context.Context, cfg *config.Config) error {
	defer logger.Sync()

	db, err := sqlite.Open(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Errorw("Failed to close database", "error", err)
		}
	}()

	breakers := breaker.NewRegistry(func(name string) breaker.Settings {
		s := cfg.Breakers.For(name)
		return breaker.Settings{
			FailureThreshold: s.FailureThreshold,
			SuccessThreshold: s.SuccessThreshold,
			RecoveryTimeout:  s.RecoveryTimeout,
			CallTimeout:      s.CallTimeout,
		}
	}, prometheus.DefaultRegisterer)
	store := storage.NewGuarded(db, breakers)

	kv, err := cache.New(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to cache: %w", err)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			logger.Errorw("Failed to close cache", "error", err)
		}
	}()

	keyManager, err := keys.NewManager(store, cfg.Keys)
	if err != nil {
		return fmt.Errorf("failed to create key manager: %w", err)
	}
	if err := keyManager.EnsureActive(ctx); err != nil {
		return fmt.Errorf("failed to ensure signing key: %w", err)
	}

	auditLog := audit.NewLogger()
	defer func() {
		if err := auditLog.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Errorw("Failed to drain audit log", "error", err)
		}
	}()

	mirror := sessions.New(kv, cfg.Tokens.AccessTokenTTL)
	hasher := tokens.NewHasher(cfg.Tokens.Pepper)
	coordinator := tokens.NewCoordinator(store, hasher, kv, cfg.Rotation)
	engine := tokens.NewEngine(tokens.EngineParams{
		Store:     store,
		Hasher:    hasher,
		Keys:      keyManager,
		IDTokens:  idtoken.NewIssuer(keyManager, cfg.Server.Issuer, cfg.Tokens.IDTokenTTL),
		Nonces:    nonce.NewGuard(store),
		Blacklist: blacklist.New(kv),
		Mirror:    mirror,
		Audit:     auditLog,
		Issuer:    cfg.Server.Issuer,
		Tokens:    cfg.Tokens,
	}, coordinator)

	srv := server.New(server.Params{
		Engine:           engine,
		Keys:             keyManager,
		Mirror:           mirror,
		Store:            store,
		Cache:            kv,
		Config:           cfg.Server,
		SigningAlgorithm: cfg.Keys.Algorithm,
		LoginTTL:         cfg.Tokens.AccessTokenTTL,
	})

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.ListenAndServe(ctx)
	})
	group.Go(func() error {
		return tokens.NewSweeper(store, cfg.Rotation.SweepInterval).Run(ctx)
	})
	group.Go(func() error {
		return keys.NewRotator(keyManager).Run(ctx)
	})

	err = group.Wait()
	if err != nil && !isShutdown(err) {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
