// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solospot/authcore/internal/auth"
	"github.com/solospot/authcore/internal/auth/authtest"
	"github.com/solospot/authcore/internal/vault"
)

const testPassword = "correct horse battery"

func newSigner(t *testing.T) *auth.TokenSigner {
	t.Helper()
	signer, err := auth.NewTokenSigner(auth.SignerConfig{
		AccessSecret:  []byte("access-secret-for-tests"),
		RefreshSecret: []byte("refresh-secret-for-tests"),
		Issuer:        "authcore-test",
	})
	require.NoError(t, err)
	return signer
}

func newVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New("test-master-key")
	require.NoError(t, err)
	return v
}

// createAccount stores an account whose password is testPassword.
func createAccount(t *testing.T, accounts *authtest.AccountStore, email string) *auth.Account {
	t.Helper()
	hash, err := authtest.FastHasher().Hash(testPassword)
	require.NoError(t, err)
	account, err := auth.NewAccount(email, hash)
	require.NoError(t, err)
	require.NoError(t, accounts.Create(context.Background(), account))
	return account
}

// realClock starts at wall time so tokens parsed without a clock still verify.
func realClock() *authtest.Clock {
	return authtest.NewClock(time.Now())
}
