// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/solospot/authcore/internal/config"
)

func newConfigCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and check configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the YAML config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := config.GenerateSchema()
			if err != nil {
				return err
			}
			cmd.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load configuration from every source and check it",
		Long: `Load the config file, .env file, and environment exactly as serve does,
then report the first problem found. Exits non-zero when invalid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.Println("Configuration is valid")
			return nil
		},
	})

	return cmd
}
