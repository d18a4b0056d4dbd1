// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/solospot/authcore/internal/store"
)

func newMigrateCmd(g *globalFlags, deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long: `Apply, roll back, inspect, or force the PostgreSQL schema migrations
embedded in the binary.`,
	}
	cmd.PersistentFlags().String("database-url", "", "PostgreSQL connection URL (overrides database.url)")

	withMigrator := func(fn func(cmd *cobra.Command, m Migrator, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateDatabase(); err != nil {
				return err
			}
			m, err := deps.MigratorFactory(cfg.Database.URL)
			if err != nil {
				return oops.Code("MIGRATION_FAILED").With("operation", "create migrator").Wrap(err)
			}
			defer func() {
				if closeErr := m.Close(); closeErr != nil {
					cmd.PrintErrf("warning: failed to close migrator: %v\n", closeErr)
				}
			}()
			return fn(cmd, m, args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(cmd *cobra.Command, m Migrator, _ []string) error {
			pending, err := m.PendingMigrations()
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				cmd.Println("Database is up to date")
				return nil
			}
			cmd.Printf("Applying %d migration(s)...\n", len(pending))
			if err := m.Up(); err != nil {
				return err
			}
			return printVersion(cmd, m)
		}),
	})

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations (drops every auth table)",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(cmd *cobra.Command, m Migrator, _ []string) error {
			yes, err := cmd.Flags().GetBool("yes")
			if err != nil {
				return oops.Code("MIGRATION_FAILED").Wrap(err)
			}
			if !yes {
				return oops.Code("CONFIRMATION_REQUIRED").Errorf("down drops all data; rerun with --yes to confirm")
			}
			if err := m.Down(); err != nil {
				return err
			}
			cmd.Println("All migrations rolled back")
			return nil
		}),
	}
	down.Flags().Bool("yes", false, "confirm dropping all data")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(cmd *cobra.Command, m Migrator, _ []string) error {
			if err := printVersion(cmd, m); err != nil {
				return err
			}
			applied, err := m.AppliedMigrations()
			if err != nil {
				return err
			}
			pending, err := m.PendingMigrations()
			if err != nil {
				return err
			}
			for _, v := range applied {
				cmd.Printf("  [x] %s\n", migrationLabel(v))
			}
			for _, v := range pending {
				cmd.Printf("  [ ] %s\n", migrationLabel(v))
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force VERSION",
		Short: "Record VERSION as applied and clear the dirty flag",
		Long: `Force sets the schema version without running any migration. Use it
after repairing a migration that failed partway.`,
		Args: cobra.ExactArgs(1),
		RunE: withMigrator(func(cmd *cobra.Command, m Migrator, args []string) error {
			version, err := parseForceVersion(args[0])
			if err != nil {
				return err
			}
			if err := m.Force(version); err != nil {
				return err
			}
			return printVersion(cmd, m)
		}),
	})

	return cmd
}

func printVersion(cmd *cobra.Command, m Migrator) error {
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	state := "clean"
	if dirty {
		state = "dirty"
	}
	cmd.Printf("Schema version: %d (%s)\n", version, state)
	return nil
}

func migrationLabel(version uint) string {
	name, err := store.MigrationName(version)
	if err != nil || name == "" {
		return fmt.Sprintf("%06d", version)
	}
	return name
}

// parseForceVersion accepts a non-negative integer.
func parseForceVersion(s string) (int, error) {
	version, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, oops.Code("INVALID_VERSION").With("input", s).Wrap(err)
	}
	if version < 0 {
		return 0, oops.Code("INVALID_VERSION").With("input", s).Errorf("version must be non-negative")
	}
	return version, nil
}
