// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/solospot/authcore/internal/auth"
	"github.com/solospot/authcore/internal/config"
)

func newSweepCmd(g *globalFlags, deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Purge expired verification records and refresh tokens once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateDatabase(); err != nil {
				return err
			}
			if cfg.Verification.Backend == config.BackendRedis && cfg.Verification.RedisURL == "" {
				return oops.Code("CONFIG_INVALID").With("key", "verification.redis_url").Errorf("is required for the redis backend")
			}
			logger := setupLogging(cfg)

			stores, err := deps.OpenStores(cmd.Context(), cfg)
			if err != nil {
				return oops.Code("SWEEP_FAILED").With("operation", "open stores").Wrap(err)
			}
			defer stores.Close()

			sweeper, err := auth.NewSweeper(stores.Verifications, stores.Tokens, cfg.Sweep.Interval, logger)
			if err != nil {
				return err
			}
			result, err := sweeper.RunOnce(cmd.Context())
			cmd.Printf("Deleted %d expired verification records and %d expired refresh tokens\n",
				result.Verifications, result.RefreshTokens)
			return err
		},
	}
}
