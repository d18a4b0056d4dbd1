// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/solospot/authcore/internal/auth"
	"github.com/solospot/authcore/internal/auth/postgres"
	"github.com/solospot/authcore/internal/auth/redis"
	"github.com/solospot/authcore/internal/config"
	"github.com/solospot/authcore/internal/mail"
	"github.com/solospot/authcore/internal/observability"
	"github.com/solospot/authcore/internal/store"
	"github.com/solospot/authcore/internal/vault"
)

// Deps contains injectable dependencies for the commands.
// Nil fields use their default implementations.
type Deps struct {
	// OpenStores connects the persistence backends.
	// Default: openStores (PostgreSQL, optionally Redis for verifications)
	OpenStores func(ctx context.Context, cfg config.Config) (*Stores, error)

	// MigratorFactory creates a schema migrator.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (Migrator, error)

	// SenderFactory builds the notification sender.
	// Default: newSender
	SenderFactory func(cfg config.Config, logger *slog.Logger) (auth.NotificationSender, error)

	// ObservabilityServerFactory creates the metrics and health server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, ready observability.ReadinessChecker, cs ...prometheus.Collector) (ObservabilityServer, error)
}

func (d *Deps) withDefaults() *Deps {
	out := Deps{}
	if d != nil {
		out = *d
	}
	if out.OpenStores == nil {
		out.OpenStores = openStores
	}
	if out.MigratorFactory == nil {
		out.MigratorFactory = func(databaseURL string) (Migrator, error) {
			return store.NewMigrator(databaseURL)
		}
	}
	if out.SenderFactory == nil {
		out.SenderFactory = newSender
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker, cs ...prometheus.Collector) (ObservabilityServer, error) {
			return observability.NewServer(addr, ready, cs...)
		}
	}
	return &out
}

// Migrator wraps the methods used from store.Migrator.
type Migrator interface {
	Up() error
	Down() error
	Version() (uint, bool, error)
	Force(version int) error
	PendingMigrations() ([]uint, error)
	AppliedMigrations() ([]uint, error)
	Close() error
}

// ObservabilityServer wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}

// Stores groups the backends the auth service runs on.
type Stores struct {
	Accounts      auth.AccountStore
	Tokens        auth.TokenStore
	Verifications auth.VerificationStore
	// Ping reports whether every backend is reachable.
	Ping func(ctx context.Context) error
	// Close releases every backend.
	Close func()
}

func openStores(ctx context.Context, cfg config.Config) (*Stores, error) {
	pool, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	stores := &Stores{
		Accounts:      postgres.NewAccountRepository(pool),
		Tokens:        postgres.NewRefreshTokenRepository(pool),
		Verifications: postgres.NewVerificationRepository(pool),
		Ping:          pool.Ping,
		Close:         pool.Close,
	}
	if cfg.Verification.Backend != config.BackendRedis {
		return stores, nil
	}

	cache, err := redis.Open(ctx, cfg.Verification.RedisURL)
	if err != nil {
		pool.Close()
		return nil, err
	}
	stores.Verifications = cache
	stores.Ping = func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		return cache.Ping(ctx)
	}
	stores.Close = func() {
		if err := cache.Close(); err != nil {
			slog.Warn("failed to close redis client", "operation", "close stores", "error", err)
		}
		pool.Close()
	}
	return stores, nil
}

func newSender(cfg config.Config, logger *slog.Logger) (auth.NotificationSender, error) {
	if cfg.Mail.Driver == config.MailDriverSMTP {
		return mail.NewSMTPSender(mail.SMTPConfig{
			Host:       cfg.Mail.SMTP.Host,
			Port:       cfg.Mail.SMTP.Port,
			Username:   cfg.Mail.SMTP.Username,
			Password:   cfg.Mail.SMTP.Password,
			From:       cfg.Mail.From,
			MaxRetries: cfg.Mail.MaxRetries,
		}, mail.WithSMTPLogger(logger))
	}
	return mail.NewConsoleSender(os.Stderr), nil
}

// App is the assembled auth engine.
type App struct {
	Service *auth.Service
	Tokens  *auth.TokenIssuer
	Sweeper *auth.Sweeper
}

// buildApp wires the managers and the orchestrator from cfg over stores.
func buildApp(cfg config.Config, stores *Stores, sender auth.NotificationSender, logger *slog.Logger) (*App, error) {
	hasher := auth.NewArgon2idHasherWithParams(auth.Argon2Params{
		Memory:  cfg.Password.MemoryKiB,
		Time:    cfg.Password.Iterations,
		Threads: cfg.Password.Threads,
	})

	cipher, err := vault.New(cfg.Vault.MasterKey)
	if err != nil {
		return nil, err
	}

	signer, err := auth.NewTokenSigner(auth.SignerConfig{
		AccessSecret:  []byte(cfg.Tokens.AccessSecret),
		RefreshSecret: []byte(cfg.Tokens.RefreshSecret),
		AccessTTL:     cfg.Tokens.AccessTTL,
		RefreshTTL:    cfg.Tokens.RefreshTTL,
		Issuer:        cfg.Tokens.Issuer,
	})
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokenIssuer(stores.Tokens, stores.Accounts, signer)
	if err != nil {
		return nil, err
	}

	credentials, err := auth.NewCredentialManager(stores.Accounts, hasher, tokens)
	if err != nil {
		return nil, err
	}
	otp, err := auth.NewOTPManager(stores.Verifications, sender, hasher,
		auth.WithOTPExpiry(cfg.OTP.Expiry),
		auth.WithMaxOTPAttempts(cfg.OTP.MaxAttempts),
		auth.WithOTPLogger(logger))
	if err != nil {
		return nil, err
	}
	twoFactor, err := auth.NewTwoFactorManager(stores.Accounts, cipher, hasher, tokens,
		auth.WithTOTPIssuer(cfg.TwoFactor.Issuer),
		auth.WithTOTPSkew(cfg.TwoFactor.Skew))
	if err != nil {
		return nil, err
	}

	service, err := auth.NewService(auth.ServiceDeps{
		Accounts:            stores.Accounts,
		Verifications:       stores.Verifications,
		Hasher:              hasher,
		Credentials:         credentials,
		OTP:                 otp,
		TwoFactor:           twoFactor,
		Tokens:              tokens,
		Sender:              sender,
		MagicLinkURL:        cfg.MagicLink.BaseURL,
		AllowedEmailDomains: cfg.Registration.AllowedDomains,
		Lockout: auth.LockoutPolicy{
			Threshold: cfg.Login.MaxFailures,
			Duration:  cfg.Login.LockoutDuration,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	sweeper, err := auth.NewSweeper(stores.Verifications, stores.Tokens, cfg.Sweep.Interval, logger)
	if err != nil {
		return nil, err
	}

	return &App{Service: service, Tokens: tokens, Sweeper: sweeper}, nil
}
