// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solospot/authcore/internal/auth"
	"github.com/solospot/authcore/internal/auth/authtest"
	"github.com/solospot/authcore/internal/config"
	"github.com/solospot/authcore/pkg/errutil"
)

func accountCmd(stores *Stores, stdin string, args ...string) (*bytes.Buffer, func() error) {
	cmd := newRootCmdWithDeps(&Deps{
		OpenStores: func(context.Context, config.Config) (*Stores, error) { return stores, nil },
		SenderFactory: func(config.Config, *slog.Logger) (auth.NotificationSender, error) {
			return &authtest.Sender{}, nil
		},
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"account"}, args...))
	return &out, cmd.Execute
}

func TestAccountRegister(t *testing.T) {
	setValidEnv(t)
	stores, closed := memoryStores()

	out, run := accountCmd(stores, "correct horse battery\n", "register", "  Ada@Example.COM ")
	require.NoError(t, run())

	account, err := stores.Accounts.GetByEmail(context.Background(), "ada@example.com")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Registered ada@example.com ("+account.ID.String()+")")
	assert.NotContains(t, account.PasswordHash, "correct horse battery")
	assert.True(t, closed.Load())

	assert.True(t, authtest.FastHasher().Verify("correct horse battery", account.PasswordHash),
		"stdin line ending must not be part of the password")
}

func TestAccountRegister_Duplicate(t *testing.T) {
	setValidEnv(t)
	stores, _ := memoryStores()

	_, run := accountCmd(stores, "correct horse battery\n", "register", "ada@example.com")
	require.NoError(t, run())

	_, run = accountCmd(stores, "another password\n", "register", "ada@example.com")
	errutil.AssertErrorIs(t, run(), auth.ErrConflict, "ACCOUNT_EXISTS")
}

func TestAccountRegister_WeakPassword(t *testing.T) {
	setValidEnv(t)
	stores, _ := memoryStores()

	_, run := accountCmd(stores, "short\n", "register", "ada@example.com")
	errutil.AssertErrorIs(t, run(), auth.ErrInvalidInput, "AUTH_WEAK_PASSWORD")
}

func TestAccountRegister_NoPassword(t *testing.T) {
	setValidEnv(t)
	stores, _ := memoryStores()

	_, run := accountCmd(stores, "", "register", "ada@example.com")
	errutil.AssertErrorCode(t, run(), "PASSWORD_READ_FAILED")
}

func TestAccountRevokeSessions(t *testing.T) {
	setValidEnv(t)
	stores, _ := memoryStores()
	ctx := context.Background()

	account, err := auth.NewAccount("ada@example.com", "hash")
	require.NoError(t, err)
	stores.Accounts.(*authtest.AccountStore).Put(account)
	require.NoError(t, stores.Tokens.UpsertRefreshToken(ctx, &auth.RefreshTokenRecord{
		ID:        ulid.Make(),
		AccountID: account.ID,
		TokenHash: "live",
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
	}))

	out, run := accountCmd(stores, "", "revoke-sessions", "ADA@example.com")
	require.NoError(t, run())

	assert.Contains(t, out.String(), "Revoked sessions for ada@example.com")
	assert.Nil(t, stores.Tokens.(*authtest.TokenStore).ForAccount(account.ID))
}

func TestAccountRevokeSessions_UnknownAccount(t *testing.T) {
	setValidEnv(t)
	stores, _ := memoryStores()

	_, run := accountCmd(stores, "", "revoke-sessions", "nobody@example.com")
	err := run()

	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrNotFound)
}
