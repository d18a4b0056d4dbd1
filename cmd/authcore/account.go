// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package main

import (
	"bufio"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/solospot/authcore/internal/auth"
)

func newAccountCmd(g *globalFlags, deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Administer accounts",
	}

	withApp := func(fn func(cmd *cobra.Command, app *App, stores *Stores, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := setupLogging(cfg)

			stores, err := deps.OpenStores(cmd.Context(), cfg)
			if err != nil {
				return oops.Code("ACCOUNT_COMMAND_FAILED").With("operation", "open stores").Wrap(err)
			}
			defer stores.Close()

			sender, err := deps.SenderFactory(cfg, logger)
			if err != nil {
				return oops.Code("ACCOUNT_COMMAND_FAILED").With("operation", "build sender").Wrap(err)
			}
			app, err := buildApp(cfg, stores, sender, logger)
			if err != nil {
				return oops.Code("ACCOUNT_COMMAND_FAILED").With("operation", "build auth engine").Wrap(err)
			}
			return fn(cmd, app, stores, args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "register EMAIL",
		Short: "Create an account, reading the password from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app *App, _ *Stores, args []string) error {
			password, err := readPassword(cmd)
			if err != nil {
				return err
			}
			account, err := app.Service.Register(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			cmd.Printf("Registered %s (%s)\n", account.Email, account.ID)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke-sessions EMAIL",
		Short: "Revoke every refresh token held by an account",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app *App, stores *Stores, args []string) error {
			email, err := auth.NormalizeEmail(args[0])
			if err != nil {
				return err
			}
			account, err := stores.Accounts.GetByEmail(cmd.Context(), email)
			if err != nil {
				return err
			}
			if err := app.Tokens.RevokeAll(cmd.Context(), account.ID); err != nil {
				return err
			}
			cmd.Printf("Revoked sessions for %s\n", account.Email)
			return nil
		}),
	})

	return cmd
}

// readPassword reads the first line of stdin without its line ending.
func readPassword(cmd *cobra.Command) (string, error) {
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", oops.Code("PASSWORD_READ_FAILED").Errorf("no password on stdin")
	}
	return strings.TrimRight(line, "\r\n"), nil
}
