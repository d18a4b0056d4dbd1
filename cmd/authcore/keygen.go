// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

// keygenBytes is the entropy of each generated secret.
const keygenBytes = 32

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print fresh secrets for the vault and token signers",
		Long: `Print a random vault master key and independent access and refresh
token secrets as environment assignments, ready for a .env file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeKeys(cmd.OutOrStdout(), rand.Reader)
		},
	}
}

func writeKeys(w io.Writer, entropy io.Reader) error {
	for _, name := range []string{
		"AUTHCORE_VAULT__MASTER_KEY",
		"AUTHCORE_TOKENS__ACCESS_SECRET",
		"AUTHCORE_TOKENS__REFRESH_SECRET",
	} {
		b := make([]byte, keygenBytes)
		if _, err := io.ReadFull(entropy, b); err != nil {
			return oops.Code("KEYGEN_FAILED").With("key", name).Wrap(err)
		}
		if _, err := fmt.Fprintf(w, "%s=%s\n", name, hex.EncodeToString(b)); err != nil {
			return oops.Code("KEYGEN_FAILED").With("operation", "write").Wrap(err)
		}
	}
	return nil
}
