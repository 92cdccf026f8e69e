// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keyfold/keyfold/pkg/config"
	"github.com/keyfold/keyfold/pkg/keys"
	"github.com/keyfold/keyfold/pkg/logger"
	"github.com/keyfold/keyfold/pkg/storage/sqlite"
)

// newRotateKeyCmd forces an out-of-schedule signing key rotation, e.g.
// after suspected key compromise.
func newRotateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key",
		Short: "Rotate the signing key immediately",
		Long: `Generate a fresh signing key pair and make it active. The outgoing key
stays in the published verification set until its grace window lapses.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(viper.GetString("config"))
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx := cmd.Context()
			db, err := sqlite.Open(ctx, cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer func() {
				if err := db.Close(); err != nil {
					logger.Errorw("Failed to close database", "error", err)
				}
			}()

			manager, err := keys.NewManager(db, cfg.Keys)
			if err != nil {
				return fmt.Errorf("failed to create key manager: %w", err)
			}
			if err := manager.Rotate(ctx); err != nil {
				return fmt.Errorf("failed to rotate signing key: %w", err)
			}

			active, err := manager.Active(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rotated signing key, new kid: %s\n", active.KID)
			return nil
		},
	}
}
