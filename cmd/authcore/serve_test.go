// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solospot/authcore/internal/auth"
	"github.com/solospot/authcore/internal/auth/authtest"
	"github.com/solospot/authcore/internal/config"
	"github.com/solospot/authcore/internal/observability"
	"github.com/solospot/authcore/pkg/errutil"
)

// setValidEnv configures everything Validate requires, with cheap hashing.
func setValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTHCORE_DATABASE__URL", "postgres://authcore@localhost/authcore")
	t.Setenv("AUTHCORE_VAULT__MASTER_KEY", strings.Repeat("m", 32))
	t.Setenv("AUTHCORE_TOKENS__ACCESS_SECRET", strings.Repeat("a", 32))
	t.Setenv("AUTHCORE_TOKENS__REFRESH_SECRET", strings.Repeat("r", 32))
	t.Setenv("AUTHCORE_MAGIC_LINK__BASE_URL", "https://app.example.com/magic")
	t.Setenv("AUTHCORE_PASSWORD__MEMORY_KIB", "1024")
	t.Setenv("AUTHCORE_PASSWORD__ITERATIONS", "1")
	t.Setenv("AUTHCORE_PASSWORD__THREADS", "1")
	t.Setenv("AUTHCORE_LOG__LEVEL", "error")
}

// memoryStores returns Stores backed by authtest and records Close calls.
func memoryStores() (*Stores, *atomic.Bool) {
	closed := &atomic.Bool{}
	return &Stores{
		Accounts:      authtest.NewAccountStore(),
		Tokens:        authtest.NewTokenStore(),
		Verifications: authtest.NewVerificationStore(),
		Ping:          func(context.Context) error { return nil },
		Close:         func() { closed.Store(true) },
	}, closed
}

type fakeObsServer struct {
	addr    string
	started atomic.Bool
	stopped atomic.Bool
	errCh   chan error
}

func (f *fakeObsServer) Start() (<-chan error, error) {
	f.started.Store(true)
	return f.errCh, nil
}

func (f *fakeObsServer) Stop(context.Context) error {
	f.stopped.Store(true)
	return nil
}

func (f *fakeObsServer) Addr() string { return f.addr }

// syncBuffer is a bytes.Buffer safe for a writer and a concurrent reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServe_RunsUntilCancelled(t *testing.T) {
	setValidEnv(t)
	stores, closed := memoryStores()
	obs := &fakeObsServer{addr: "127.0.0.1:9100", errCh: make(chan error)}
	var gotAddr string
	var gotCollectors int

	cmd := newRootCmdWithDeps(&Deps{
		OpenStores: func(context.Context, config.Config) (*Stores, error) { return stores, nil },
		SenderFactory: func(config.Config, *slog.Logger) (auth.NotificationSender, error) {
			return &authtest.Sender{}, nil
		},
		ObservabilityServerFactory: func(addr string, ready observability.ReadinessChecker, cs ...prometheus.Collector) (ObservabilityServer, error) {
			gotAddr = addr
			gotCollectors = len(cs)
			assert.NoError(t, ready(context.Background()))
			return obs, nil
		},
	})
	out := &syncBuffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"serve", "--metrics-addr", "127.0.0.1:9100", "--sweep-interval", "1h"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "authcore started")
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}

	assert.Equal(t, "127.0.0.1:9100", gotAddr)
	assert.NotZero(t, gotCollectors)
	assert.True(t, obs.started.Load())
	assert.True(t, obs.stopped.Load())
	assert.True(t, closed.Load())
}

func TestServe_StopsOnServerError(t *testing.T) {
	setValidEnv(t)
	stores, _ := memoryStores()
	obs := &fakeObsServer{addr: "127.0.0.1:9100", errCh: make(chan error, 1)}
	obs.errCh <- errors.New("listener died")

	cmd := newRootCmdWithDeps(&Deps{
		OpenStores: func(context.Context, config.Config) (*Stores, error) { return stores, nil },
		ObservabilityServerFactory: func(string, observability.ReadinessChecker, ...prometheus.Collector) (ObservabilityServer, error) {
			return obs, nil
		},
	})
	cmd.SetOut(new(syncBuffer))
	cmd.SetErr(new(syncBuffer))
	cmd.SetArgs([]string{"serve", "--metrics-addr", "127.0.0.1:9100"})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after server error")
	}
	assert.True(t, obs.stopped.Load())
}

func TestServe_MetricsDisabled(t *testing.T) {
	setValidEnv(t)
	t.Setenv("AUTHCORE_METRICS__ADDR", "")
	stores, _ := memoryStores()
	factoryCalled := false

	cmd := newRootCmdWithDeps(&Deps{
		OpenStores: func(context.Context, config.Config) (*Stores, error) { return stores, nil },
		ObservabilityServerFactory: func(string, observability.ReadinessChecker, ...prometheus.Collector) (ObservabilityServer, error) {
			factoryCalled = true
			return nil, errors.New("unexpected")
		},
	})
	out := &syncBuffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"serve"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "authcore started")
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.False(t, factoryCalled)
}

func TestServe_InvalidConfig(t *testing.T) {
	setValidEnv(t)
	t.Setenv("AUTHCORE_VAULT__MASTER_KEY", "short")
	opened := false

	cmd := newRootCmdWithDeps(&Deps{
		OpenStores: func(context.Context, config.Config) (*Stores, error) {
			opened = true
			return nil, errors.New("unexpected")
		},
	})
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"serve"})

	err := cmd.Execute()

	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
	errutil.AssertErrorContext(t, err, "key", "vault.master_key")
	assert.False(t, opened)
}

func TestServe_OpenStoresFailure(t *testing.T) {
	setValidEnv(t)
	cmd := newRootCmdWithDeps(&Deps{
		OpenStores: func(context.Context, config.Config) (*Stores, error) {
			return nil, errors.New("connection refused")
		},
	})
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"serve"})

	err := cmd.Execute()

	errutil.AssertErrorCode(t, err, "SERVE_FAILED")
	errutil.AssertErrorContext(t, err, "operation", "open stores")
}

func TestSweepCommand(t *testing.T) {
	t.Setenv("AUTHCORE_DATABASE__URL", "postgres://authcore@localhost/authcore")
	stores, closed := memoryStores()
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	for range 2 {
		record, err := auth.NewVerificationRecord(ulid.Make(), ulid.Make().String(), "hash", auth.ReasonPasswordReset, past)
		require.NoError(t, err)
		require.NoError(t, stores.Verifications.Upsert(ctx, record))
	}
	require.NoError(t, stores.Tokens.UpsertRefreshToken(ctx, &auth.RefreshTokenRecord{
		ID:        ulid.Make(),
		AccountID: ulid.Make(),
		TokenHash: "expired",
		ExpiresAt: past,
		CreatedAt: past.Add(-time.Hour),
	}))
	require.NoError(t, stores.Tokens.UpsertRefreshToken(ctx, &auth.RefreshTokenRecord{
		ID:        ulid.Make(),
		AccountID: ulid.Make(),
		TokenHash: "live",
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
	}))

	cmd := newRootCmdWithDeps(&Deps{
		OpenStores: func(context.Context, config.Config) (*Stores, error) { return stores, nil },
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"sweep"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Deleted 2 expired verification records and 1 expired refresh tokens")
	assert.Equal(t, 1, stores.Tokens.(*authtest.TokenStore).Len())
	assert.True(t, closed.Load())
}

func TestSweepCommand_RedisBackendNeedsURL(t *testing.T) {
	t.Setenv("AUTHCORE_DATABASE__URL", "postgres://authcore@localhost/authcore")
	t.Setenv("AUTHCORE_VERIFICATION__BACKEND", "redis")
	t.Setenv("AUTHCORE_VERIFICATION__REDIS_URL", "")

	cmd := newRootCmdWithDeps(nil)
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"sweep"})

	err := cmd.Execute()

	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
	errutil.AssertErrorContext(t, err, "key", "verification.redis_url")
}

func TestSweepCommand_StoreFailure(t *testing.T) {
	t.Setenv("AUTHCORE_DATABASE__URL", "postgres://authcore@localhost/authcore")
	stores, _ := memoryStores()
	stores.Tokens.(*authtest.TokenStore).FailOn("DeleteExpired", errors.New("deadlock"))

	cmd := newRootCmdWithDeps(&Deps{
		OpenStores: func(context.Context, config.Config) (*Stores, error) { return stores, nil },
	})
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"sweep"})

	err := cmd.Execute()

	errutil.AssertErrorCode(t, err, "SWEEP_FAILED")
	errutil.AssertErrorContext(t, err, "record", "refresh_token")
}
