// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

// Package config loads authcore settings from defaults, a YAML file, the
// environment, and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/solospot/authcore/internal/auth"
	"github.com/solospot/authcore/internal/mail"
)

// EnvPrefix prefixes every environment variable. Nested keys use a double
// underscore, so AUTHCORE_TOKENS__ACCESS_TTL sets tokens.access_ttl.
const EnvPrefix = "AUTHCORE_"

// Mail drivers.
const (
	MailDriverSMTP    = "smtp"
	MailDriverConsole = "console"
)

// Verification store backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// MinSecretLength is the shortest accepted master key or token secret.
const MinSecretLength = 32

// Config is the complete runtime configuration.
type Config struct {
	Database     DatabaseConfig     `koanf:"database"`
	Vault        VaultConfig        `koanf:"vault"`
	Tokens       TokensConfig       `koanf:"tokens"`
	OTP          OTPConfig          `koanf:"otp"`
	Login        LoginConfig        `koanf:"login"`
	TwoFactor    TwoFactorConfig    `koanf:"two_factor"`
	MagicLink    MagicLinkConfig    `koanf:"magic_link"`
	Registration RegistrationConfig `koanf:"registration"`
	Password     PasswordConfig     `koanf:"password"`
	Mail         MailConfig         `koanf:"mail"`
	Verification VerificationConfig `koanf:"verification"`
	Log          LogConfig          `koanf:"log"`
	Metrics      MetricsConfig      `koanf:"metrics"`
	Sweep        SweepConfig        `koanf:"sweep"`
}

// DatabaseConfig locates PostgreSQL.
type DatabaseConfig struct {
	URL string `koanf:"url"`
}

// VaultConfig holds the key that encrypts TOTP secrets at rest.
type VaultConfig struct {
	MasterKey string `koanf:"master_key"`
}

// TokensConfig configures JWT signing.
type TokensConfig struct {
	AccessSecret  string        `koanf:"access_secret"`
	RefreshSecret string        `koanf:"refresh_secret"`
	AccessTTL     time.Duration `koanf:"access_ttl"`
	RefreshTTL    time.Duration `koanf:"refresh_ttl"`
	Issuer        string        `koanf:"issuer"`
}

// OTPConfig configures one-time codes and magic links.
type OTPConfig struct {
	Expiry      time.Duration `koanf:"expiry"`
	MaxAttempts int           `koanf:"max_attempts"`
}

// LoginConfig bounds consecutive failed sign-ins per account.
type LoginConfig struct {
	MaxFailures     int           `koanf:"max_failures"`
	LockoutDuration time.Duration `koanf:"lockout_duration"`
}

// TwoFactorConfig configures TOTP.
type TwoFactorConfig struct {
	Issuer string `koanf:"issuer"`
	Skew   uint   `koanf:"skew"`
}

// MagicLinkConfig configures passwordless login links.
type MagicLinkConfig struct {
	BaseURL string `koanf:"base_url"`
}

// RegistrationConfig restricts who may create accounts.
type RegistrationConfig struct {
	// AllowedDomains are email domain globs, e.g. "example.com" or "*.example.com".
	// Empty allows every domain.
	AllowedDomains []string `koanf:"allowed_domains"`
}

// PasswordConfig holds argon2id cost parameters.
type PasswordConfig struct {
	MemoryKiB  uint32 `koanf:"memory_kib"`
	Iterations uint32 `koanf:"iterations"`
	Threads    uint8  `koanf:"threads"`
}

// MailConfig selects and configures notification delivery.
type MailConfig struct {
	Driver     string     `koanf:"driver" jsonschema:"enum=smtp,enum=console"`
	From       string     `koanf:"from"`
	MaxRetries uint64     `koanf:"max_retries"`
	SMTP       SMTPConfig `koanf:"smtp"`
}

// SMTPConfig locates the SMTP relay.
type SMTPConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// VerificationConfig selects where verification records live.
type VerificationConfig struct {
	Backend  string `koanf:"backend" jsonschema:"enum=postgres,enum=redis"`
	RedisURL string `koanf:"redis_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Format string `koanf:"format" jsonschema:"enum=json,enum=text"`
	Level  string `koanf:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=warning,enum=error"`
}

// MetricsConfig configures the observability server. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// SweepConfig configures expired record cleanup.
type SweepConfig struct {
	Interval time.Duration `koanf:"interval"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Tokens: TokensConfig{
			AccessTTL:  auth.DefaultAccessTokenTTL,
			RefreshTTL: auth.DefaultRefreshTokenTTL,
			Issuer:     auth.DefaultTokenIssuer,
		},
		OTP: OTPConfig{
			Expiry:      auth.DefaultOTPExpiry,
			MaxAttempts: auth.DefaultMaxOTPAttempts,
		},
		Login: LoginConfig{
			MaxFailures:     auth.DefaultLockoutThreshold,
			LockoutDuration: auth.DefaultLockoutDuration,
		},
		TwoFactor: TwoFactorConfig{
			Issuer: auth.DefaultTOTPIssuer,
			Skew:   auth.DefaultTOTPSkew,
		},
		Password: PasswordConfig{
			MemoryKiB:  auth.DefaultArgon2Params.Memory,
			Iterations: auth.DefaultArgon2Params.Time,
			Threads:    auth.DefaultArgon2Params.Threads,
		},
		Mail: MailConfig{
			Driver:     MailDriverConsole,
			MaxRetries: mail.DefaultMaxRetries,
			SMTP:       SMTPConfig{Port: 587},
		},
		Verification: VerificationConfig{Backend: BackendPostgres},
		Log:          LogConfig{Format: "json", Level: "info"},
		Metrics:      MetricsConfig{Addr: "127.0.0.1:9100"},
		Sweep:        SweepConfig{Interval: auth.DefaultSweepInterval},
	}
}

// Options controls where Load reads from.
type Options struct {
	// File is an optional YAML file. A missing file is an error only when set.
	File string
	// DotEnv is an optional .env file loaded into the process environment
	// before the environment is read. Variables already set win. A missing
	// file is ignored.
	DotEnv string
	// Flags are applied last. Only flags the user changed override earlier
	// sources. Flag names map to keys by turning "-" into ".", so
	// --database-url sets database.url.
	Flags *pflag.FlagSet
}

// Load builds a Config from the sources in opts. It does not validate.
func Load(opts Options) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if opts.DotEnv != "" {
		if err := godotenv.Load(opts.DotEnv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, oops.Code("CONFIG_LOAD_FAILED").With("source", "dotenv").With("path", opts.DotEnv).Wrap(err)
		}
	}

	if opts.File != "" {
		provider := file.Provider(opts.File)
		if err := k.Load(provider, yaml.Parser()); err != nil {
			return cfg, oops.Code("CONFIG_LOAD_FAILED").With("source", "file").With("path", opts.File).Wrap(err)
		}
		data, err := provider.ReadBytes()
		if err != nil {
			return cfg, oops.Code("CONFIG_LOAD_FAILED").With("source", "file").With("path", opts.File).Wrap(err)
		}
		if err := ValidateDocument(data); err != nil {
			return cfg, oops.With("path", opts.File).Wrap(err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return cfg, oops.Code("CONFIG_LOAD_FAILED").With("source", "env").Wrap(err)
	}

	if opts.Flags != nil {
		provider := posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, any) {
			if f.Name == "config" || f.Name == "env-file" {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "."), posflag.FlagVal(opts.Flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return cfg, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return cfg, oops.Code("CONFIG_INVALID").With("operation", "decode").Wrap(err)
	}
	return cfg, nil
}

// envKey maps AUTHCORE_TOKENS__ACCESS_TTL to tokens.access_ttl.
func envKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), "__", ".")
}

// Validate checks everything serve and sweep depend on.
func (c Config) Validate() error {
	if err := c.ValidateDatabase(); err != nil {
		return err
	}

	invalid := func(key string, format string, args ...any) error {
		return oops.Code("CONFIG_INVALID").With("key", key).Errorf(format, args...)
	}

	if len(c.Vault.MasterKey) < MinSecretLength {
		return invalid("vault.master_key", "must be at least %d characters", MinSecretLength)
	}
	if len(c.Tokens.AccessSecret) < MinSecretLength {
		return invalid("tokens.access_secret", "must be at least %d characters", MinSecretLength)
	}
	if len(c.Tokens.RefreshSecret) < MinSecretLength {
		return invalid("tokens.refresh_secret", "must be at least %d characters", MinSecretLength)
	}
	if c.Tokens.AccessSecret == c.Tokens.RefreshSecret {
		return invalid("tokens.refresh_secret", "must differ from tokens.access_secret")
	}
	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= 0 {
		return invalid("tokens.access_ttl", "token lifetimes must be positive")
	}
	if c.Tokens.AccessTTL >= c.Tokens.RefreshTTL {
		return invalid("tokens.access_ttl", "must be shorter than tokens.refresh_ttl")
	}
	if c.OTP.Expiry < time.Minute || c.OTP.Expiry > 24*time.Hour {
		return invalid("otp.expiry", "must be between 1m and 24h, got %s", c.OTP.Expiry)
	}
	if c.OTP.MaxAttempts < 1 {
		return invalid("otp.max_attempts", "must be at least 1")
	}
	if c.Login.MaxFailures < 1 {
		return invalid("login.max_failures", "must be at least 1")
	}
	if c.Login.LockoutDuration < time.Second || c.Login.LockoutDuration > 24*time.Hour {
		return invalid("login.lockout_duration", "must be between 1s and 24h, got %s", c.Login.LockoutDuration)
	}
	if c.TwoFactor.Skew > 10 {
		return invalid("two_factor.skew", "must be at most 10 steps")
	}
	if c.MagicLink.BaseURL == "" {
		return invalid("magic_link.base_url", "is required")
	}
	if _, err := auth.NewEmailDomainPolicy(c.Registration.AllowedDomains); err != nil {
		return invalid("registration.allowed_domains", "contains an invalid pattern: %v", err)
	}
	if c.Password.MemoryKiB < 1024 || c.Password.Iterations < 1 || c.Password.Threads < 1 {
		return invalid("password", "argon2id parameters are below the minimum")
	}

	switch c.Mail.Driver {
	case MailDriverConsole:
	case MailDriverSMTP:
		if c.Mail.SMTP.Host == "" {
			return invalid("mail.smtp.host", "is required for the smtp driver")
		}
		if c.Mail.From == "" {
			return invalid("mail.from", "is required for the smtp driver")
		}
	default:
		return invalid("mail.driver", "must be %q or %q, got %q", MailDriverSMTP, MailDriverConsole, c.Mail.Driver)
	}

	switch c.Verification.Backend {
	case BackendPostgres:
	case BackendRedis:
		if c.Verification.RedisURL == "" {
			return invalid("verification.redis_url", "is required for the redis backend")
		}
	default:
		return invalid("verification.backend", "must be %q or %q, got %q", BackendPostgres, BackendRedis, c.Verification.Backend)
	}

	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", "must be 'json' or 'text', got %q", c.Log.Format)
	}
	if c.Sweep.Interval < time.Second {
		return invalid("sweep.interval", "must be at least 1s")
	}
	return nil
}

// ValidateDatabase checks only what migrate needs.
func (c Config) ValidateDatabase() error {
	if c.Database.URL == "" {
		return oops.Code("CONFIG_INVALID").With("key", "database.url").Errorf("is required")
	}
	return nil
}

// Redacted returns a copy safe to log: secrets are masked and URL passwords removed.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "****"
	}
	c.Vault.MasterKey = mask(c.Vault.MasterKey)
	c.Tokens.AccessSecret = mask(c.Tokens.AccessSecret)
	c.Tokens.RefreshSecret = mask(c.Tokens.RefreshSecret)
	c.Mail.SMTP.Password = mask(c.Mail.SMTP.Password)
	c.Database.URL = redactURL(c.Database.URL)
	c.Verification.RedisURL = redactURL(c.Verification.RedisURL)
	return c
}

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "****"
	}
	return u.Redacted()
}
