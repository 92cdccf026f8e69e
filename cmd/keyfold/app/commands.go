// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the keyfold command-line
// application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keyfold/keyfold/pkg/logger"
	"github.com/keyfold/keyfold/pkg/versions"
)

var rootCmd = &cobra.Command{
	Use:               "keyfold",
	DisableAutoGenTag: true,
	Short:             "Keyfold - OAuth 2.0 and OpenID Connect authorization server",
	Long: `Keyfold is a standalone OAuth 2.0 / OpenID Connect authorization server.
It provides:

- Authorization code grant with PKCE
- Refresh token rotation with a grace window for concurrent clients
- Client credentials grant for service-to-service tokens
- Token revocation, introspection, and userinfo endpoints
- Scheduled signing key rotation with published JWKS
- Circuit-breaker-guarded storage and a disposable coordination cache`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the keyfold CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to keyfold configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newRotateKeyCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the keyfold version",
		Run: func(cmd *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "keyfold %s (commit %s, built %s)\n",
				info.Version, info.Commit, info.BuildDate)
		},
	}
}
