// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/solospot/authcore/internal/config"
	"github.com/solospot/authcore/internal/logging"
	"github.com/solospot/authcore/internal/xdg"
)

const serviceName = "authcore"

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configFile string
	envFile    string
}

// load reads configuration for cmd, letting its changed flags win. Without
// --config the per-user XDG config file is used when present.
func (g *globalFlags) load(cmd *cobra.Command) (config.Config, error) {
	file := g.configFile
	if file == "" {
		path, ok, err := xdg.ConfigFile()
		if err != nil {
			return config.Config{}, err
		}
		if ok {
			file = path
		}
	}
	return config.Load(config.Options{
		File:   file,
		DotEnv: g.envFile,
		Flags:  cmd.Flags(),
	})
}

// NewRootCmd creates the root command with default dependencies.
func NewRootCmd() *cobra.Command {
	return newRootCmdWithDeps(nil)
}

func newRootCmdWithDeps(deps *Deps) *cobra.Command {
	deps = deps.withDefaults()
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   serviceName,
		Short: "Authcore - credential and token lifecycle engine",
		Long: `Authcore manages passwords, one-time codes, TOTP second factors with
recovery codes, magic links, and JWT access/refresh tokens on PostgreSQL.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&g.configFile, "config", "", "YAML config file path (default $XDG_CONFIG_HOME/authcore/config.yaml if present)")
	cmd.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded before reading the environment (ignored if missing)")

	cmd.AddCommand(newServeCmd(g, deps))
	cmd.AddCommand(newMigrateCmd(g, deps))
	cmd.AddCommand(newSweepCmd(g, deps))
	cmd.AddCommand(newAccountCmd(g, deps))
	cmd.AddCommand(newConfigCmd(g))
	cmd.AddCommand(newKeygenCmd())

	return cmd
}

// setupLogging installs the default logger described by cfg.
func setupLogging(cfg config.Config) *slog.Logger {
	return logging.SetDefault(serviceName, version, cfg.Log.Format, logging.ParseLevel(cfg.Log.Level))
}
