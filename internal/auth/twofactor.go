// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/samber/oops"
)

// Second-factor configuration.
const (
	RecoveryCodeCount = 5
	RecoveryCodeBytes = 4 // 4 bytes = 8 hex chars
	TOTPPeriod        = 30
	DefaultTOTPSkew   = 1
	DefaultTOTPIssuer = "Authcore"
	totpSecretSize    = 20
)

// SecretCipher encrypts secrets at rest. *vault.Vault satisfies it.
type SecretCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(blob string) (string, error)
}

// TokenMinter mints a session for an authenticated account.
type TokenMinter interface {
	Issue(ctx context.Context, account *Account) (*TokenPair, error)
}

// TwoFactorSetup is returned once from Setup. None of it is retrievable later.
type TwoFactorSetup struct {
	Secret          string
	ProvisioningURI string
	RecoveryCodes   []string
}

// TwoFactorManager provisions and checks TOTP second factors and recovery codes.
type TwoFactorManager struct {
	accounts AccountStore
	cipher   SecretCipher
	hasher   PasswordHasher
	tokens   TokenMinter
	issuer   string
	skew     uint
	now      func() time.Time
}

// TwoFactorOption configures a TwoFactorManager.
type TwoFactorOption func(*TwoFactorManager)

// WithTOTPIssuer sets the issuer shown in authenticator apps.
func WithTOTPIssuer(issuer string) TwoFactorOption {
	return func(m *TwoFactorManager) { m.issuer = issuer }
}

// WithTOTPSkew sets how many 30-second steps either side of now are accepted.
func WithTOTPSkew(steps uint) TwoFactorOption {
	return func(m *TwoFactorManager) { m.skew = steps }
}

// WithTwoFactorClock replaces the time source.
func WithTwoFactorClock(now func() time.Time) TwoFactorOption {
	return func(m *TwoFactorManager) { m.now = now }
}

// NewTwoFactorManager creates a new TwoFactorManager.
func NewTwoFactorManager(accounts AccountStore, cipher SecretCipher, hasher PasswordHasher, tokens TokenMinter, opts ...TwoFactorOption) (*TwoFactorManager, error) {
	if accounts == nil {
		return nil, oops.Code("TWO_FACTOR_INVALID_CONFIG").Errorf("account store is required")
	}
	if cipher == nil {
		return nil, oops.Code("TWO_FACTOR_INVALID_CONFIG").Errorf("secret cipher is required")
	}
	if hasher == nil {
		return nil, oops.Code("TWO_FACTOR_INVALID_CONFIG").Errorf("password hasher is required")
	}
	if tokens == nil {
		return nil, oops.Code("TWO_FACTOR_INVALID_CONFIG").Errorf("token minter is required")
	}

	m := &TwoFactorManager{
		accounts: accounts,
		cipher:   cipher,
		hasher:   hasher,
		tokens:   tokens,
		issuer:   DefaultTOTPIssuer,
		skew:     DefaultTOTPSkew,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Setup provisions a TOTP secret and recovery codes for the account. The second
// factor is not enabled until Verify succeeds.
func (m *TwoFactorManager) Setup(ctx context.Context, email string) (*TwoFactorSetup, error) {
	account, err := m.lookup(ctx, email, "TWO_FACTOR_SETUP_FAILED")
	if err != nil {
		return nil, err
	}
	if account.TwoFactorSecret != "" {
		return nil, oops.Code("TWO_FACTOR_ALREADY_PROVISIONED").
			With("account_id", account.ID.String()).
			Wrapf(ErrConflict, "two-factor authentication is already set up")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: account.Email,
		Period:      TOTPPeriod,
		SecretSize:  totpSecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, oops.Code("TWO_FACTOR_SETUP_FAILED").With("operation", "generate secret").Wrap(internal(err))
	}

	codes, hashes, err := m.generateRecoveryCodes()
	if err != nil {
		return nil, err
	}
	if err := m.accounts.SetRecoveryCodes(ctx, account.ID, hashes); err != nil {
		return nil, oops.Code("TWO_FACTOR_SETUP_FAILED").
			With("operation", "store recovery codes").
			With("account_id", account.ID.String()).
			Wrap(internal(err))
	}

	encrypted, err := m.cipher.Encrypt(key.Secret())
	if err != nil {
		return nil, oops.Code("TWO_FACTOR_SETUP_FAILED").With("operation", "encrypt secret").Wrap(internal(err))
	}
	if err := m.accounts.SetTwoFactorSecret(ctx, account.ID, encrypted); err != nil {
		return nil, oops.Code("TWO_FACTOR_SETUP_FAILED").
			With("operation", "store secret").
			With("account_id", account.ID.String()).
			Wrap(internal(err))
	}

	return &TwoFactorSetup{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		RecoveryCodes:   codes,
	}, nil
}

// Verify checks a TOTP code and enables the second factor on success.
func (m *TwoFactorManager) Verify(ctx context.Context, email, code string) error {
	account, err := m.lookup(ctx, email, "TWO_FACTOR_VERIFY_FAILED")
	if errors.Is(err, ErrNotFound) {
		return oops.Code("TWO_FACTOR_NOT_PROVISIONED").Wrap(ErrUnauthorized)
	}
	if err != nil {
		return err
	}

	if err := m.Check(account, code); err != nil {
		return err
	}

	if !account.TwoFactorEnabled {
		if err := m.accounts.SetTwoFactorEnabled(ctx, account.ID, true); err != nil {
			return oops.Code("TWO_FACTOR_VERIFY_FAILED").
				With("operation", "enable two-factor").
				With("account_id", account.ID.String()).
				Wrap(internal(err))
		}
	}
	return nil
}

// Check validates a TOTP code against an already loaded account without mutating it.
func (m *TwoFactorManager) Check(account *Account, code string) error {
	if account.TwoFactorSecret == "" {
		return oops.Code("TWO_FACTOR_NOT_PROVISIONED").
			With("account_id", account.ID.String()).
			Wrapf(ErrUnauthorized, "two-factor authentication is not set up")
	}

	secret, err := m.cipher.Decrypt(account.TwoFactorSecret)
	if err != nil {
		return oops.Code("TWO_FACTOR_SECRET_UNREADABLE").With("account_id", account.ID.String()).Wrap(err)
	}

	valid, err := totp.ValidateCustom(code, secret, m.now().UTC(), totp.ValidateOpts{
		Period:    TOTPPeriod,
		Skew:      m.skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		return oops.Code("TWO_FACTOR_INVALID_CODE").
			With("account_id", account.ID.String()).
			Wrapf(ErrUnauthorized, "invalid two-factor code")
	}
	return nil
}

// UseRecoveryCode consumes one recovery code and mints a session.
// A provisioned secret is sufficient; the factor need not be enabled yet.
func (m *TwoFactorManager) UseRecoveryCode(ctx context.Context, email, code string) (*TokenPair, error) {
	account, err := m.lookup(ctx, email, "RECOVERY_CODE_FAILED")
	if errors.Is(err, ErrNotFound) {
		return nil, oops.Code("TWO_FACTOR_NOT_PROVISIONED").Wrap(ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	if account.TwoFactorSecret == "" {
		return nil, oops.Code("TWO_FACTOR_NOT_PROVISIONED").
			With("account_id", account.ID.String()).
			Wrapf(ErrUnauthorized, "two-factor authentication is not set up")
	}

	matched := ""
	for _, hash := range account.RecoveryCodes {
		if m.hasher.Verify(code, hash) {
			matched = hash
			break
		}
	}
	if matched == "" {
		return nil, oops.Code("RECOVERY_CODE_INVALID").
			With("account_id", account.ID.String()).
			Wrapf(ErrUnauthorized, "invalid recovery code")
	}

	consumed, err := m.accounts.ConsumeRecoveryCode(ctx, account.ID, matched)
	if err != nil {
		return nil, oops.Code("RECOVERY_CODE_FAILED").
			With("operation", "consume recovery code").
			With("account_id", account.ID.String()).
			Wrap(internal(err))
	}
	if !consumed {
		return nil, oops.Code("RECOVERY_CODE_INVALID").
			With("account_id", account.ID.String()).
			Wrapf(ErrUnauthorized, "recovery code already used")
	}

	return m.tokens.Issue(ctx, account)
}

func (m *TwoFactorManager) lookup(ctx context.Context, email, failCode string) (*Account, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	account, err := m.accounts.GetByEmail(ctx, normalized)
	if errors.Is(err, ErrNotFound) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With("email", normalized).Wrap(ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code(failCode).With("operation", "get account").Wrap(internal(err))
	}
	return account, nil
}

// generateRecoveryCodes returns plaintext codes and their digests in the same order.
func (m *TwoFactorManager) generateRecoveryCodes() ([]string, []string, error) {
	codes := make([]string, RecoveryCodeCount)
	hashes := make([]string, RecoveryCodeCount)
	buf := make([]byte, RecoveryCodeBytes)
	for i := range codes {
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, oops.Code("TWO_FACTOR_SETUP_FAILED").With("operation", "generate recovery code").Wrap(internal(err))
		}
		codes[i] = hex.EncodeToString(buf)

		hash, err := m.hasher.Hash(codes[i])
		if err != nil {
			return nil, nil, oops.Code("TWO_FACTOR_SETUP_FAILED").With("operation", "hash recovery code").Wrap(internal(err))
		}
		hashes[i] = hash
	}
	return codes, hashes, nil
}
