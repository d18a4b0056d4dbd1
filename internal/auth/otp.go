// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// One-time code configuration.
const (
	DefaultOTPExpiry      = 15 * time.Minute
	DefaultMaxOTPAttempts = 5
	MagicTokenBytes       = 32 // 32 bytes = 64 hex chars

	otpMin   = 100000
	otpRange = 900000
)

// GenerateOTP returns a uniformly distributed 6-digit code in [100000, 999999].
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(otpRange))
	if err != nil {
		return "", oops.Code("OTP_GENERATE_FAILED").Wrap(err)
	}
	return fmt.Sprintf("%d", n.Int64()+otpMin), nil
}

// GenerateMagicToken returns a 64-character hex token for magic-link login.
func GenerateMagicToken() (string, error) {
	b := make([]byte, MagicTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", oops.Code("MAGIC_TOKEN_GENERATE_FAILED").Wrap(err)
	}
	return hex.EncodeToString(b), nil
}

// OTPManager issues, verifies, and delivers one-time secrets stored in a VerificationStore.
type OTPManager struct {
	store       VerificationStore
	sender      NotificationSender
	hasher      PasswordHasher
	expiry      time.Duration
	maxAttempts int
	generate    func() (string, error)
	now         func() time.Time
	logger      *slog.Logger
}

// OTPOption configures an OTPManager.
type OTPOption func(*OTPManager)

// WithOTPExpiry sets how long issued codes remain valid.
func WithOTPExpiry(d time.Duration) OTPOption {
	return func(m *OTPManager) { m.expiry = d }
}

// WithMaxOTPAttempts sets the failed-attempt budget per code.
func WithMaxOTPAttempts(n int) OTPOption {
	return func(m *OTPManager) { m.maxAttempts = n }
}

// WithOTPGenerator replaces the code generator.
func WithOTPGenerator(fn func() (string, error)) OTPOption {
	return func(m *OTPManager) { m.generate = fn }
}

// WithOTPClock replaces the time source.
func WithOTPClock(now func() time.Time) OTPOption {
	return func(m *OTPManager) { m.now = now }
}

// WithOTPLogger sets the logger used for best-effort cleanup failures.
func WithOTPLogger(logger *slog.Logger) OTPOption {
	return func(m *OTPManager) { m.logger = logger }
}

// NewOTPManager creates a new OTPManager.
func NewOTPManager(store VerificationStore, sender NotificationSender, hasher PasswordHasher, opts ...OTPOption) (*OTPManager, error) {
	if store == nil {
		return nil, oops.Code("OTP_INVALID_CONFIG").Errorf("verification store is required")
	}
	if sender == nil {
		return nil, oops.Code("OTP_INVALID_CONFIG").Errorf("notification sender is required")
	}
	if hasher == nil {
		return nil, oops.Code("OTP_INVALID_CONFIG").Errorf("password hasher is required")
	}

	m := &OTPManager{
		store:       store,
		sender:      sender,
		hasher:      hasher,
		expiry:      DefaultOTPExpiry,
		maxAttempts: DefaultMaxOTPAttempts,
		generate:    GenerateOTP,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.expiry <= 0 {
		return nil, oops.Code("OTP_INVALID_CONFIG").With("expiry", m.expiry.String()).Errorf("expiry must be positive")
	}
	if m.maxAttempts <= 0 {
		return nil, oops.Code("OTP_INVALID_CONFIG").With("max_attempts", m.maxAttempts).Errorf("max attempts must be positive")
	}
	return m, nil
}

// Expiry returns the validity window of issued secrets.
func (m *OTPManager) Expiry() time.Duration {
	return m.expiry
}

// Issue generates a 6-digit code, stores its digest for the account, and returns the plaintext.
// Any outstanding record for the account is replaced and the attempt counter resets.
func (m *OTPManager) Issue(ctx context.Context, accountID ulid.ULID, identifier string, reason Reason) (string, time.Time, error) {
	code, err := m.generate()
	if err != nil {
		return "", time.Time{}, oops.Code("OTP_ISSUE_FAILED").With("operation", "generate").Wrap(internal(err))
	}
	return m.issue(ctx, accountID, identifier, reason, code)
}

// IssueToken is Issue with a 64-character hex token in place of the 6-digit code.
func (m *OTPManager) IssueToken(ctx context.Context, accountID ulid.ULID, identifier string, reason Reason) (string, time.Time, error) {
	token, err := GenerateMagicToken()
	if err != nil {
		return "", time.Time{}, oops.Code("OTP_ISSUE_FAILED").With("operation", "generate token").Wrap(internal(err))
	}
	return m.issue(ctx, accountID, identifier, reason, token)
}

func (m *OTPManager) issue(ctx context.Context, accountID ulid.ULID, identifier string, reason Reason, secret string) (string, time.Time, error) {
	hash, err := m.hasher.Hash(secret)
	if err != nil {
		return "", time.Time{}, oops.Code("OTP_ISSUE_FAILED").With("operation", "hash").Wrap(internal(err))
	}

	expiresAt := m.now().Add(m.expiry)
	record, err := NewVerificationRecord(accountID, identifier, hash, reason, expiresAt)
	if err != nil {
		return "", time.Time{}, err
	}
	record.CreatedAt = m.now()

	if err := m.store.Upsert(ctx, record); err != nil {
		return "", time.Time{}, oops.Code("OTP_ISSUE_FAILED").
			With("operation", "upsert verification").
			With("account_id", accountID.String()).
			Wrap(internal(err))
	}
	return secret, expiresAt, nil
}

// Verify checks candidate against the account's outstanding record for reason.
// A success consumes the record. Failed attempts are counted and the record is
// deleted once the budget is exhausted.
func (m *OTPManager) Verify(ctx context.Context, accountID ulid.ULID, candidate string, reason Reason) error {
	err := m.verify(ctx, accountID, candidate, reason)
	recordOTPVerification(reason, err)
	return err
}

func (m *OTPManager) verify(ctx context.Context, accountID ulid.ULID, candidate string, reason Reason) error {
	record, err := m.store.GetByAccount(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		return oops.Code("OTP_NOT_FOUND").With("account_id", accountID.String()).Wrap(ErrNotFound)
	}
	if err != nil {
		return oops.Code("OTP_VERIFY_FAILED").
			With("operation", "get verification").
			With("account_id", accountID.String()).
			Wrap(internal(err))
	}

	// A record issued for a different flow is not visible to this one.
	if record.Reason != reason {
		return oops.Code("OTP_NOT_FOUND").
			With("account_id", accountID.String()).
			With("reason", string(reason)).
			Wrap(ErrNotFound)
	}

	if record.IsExpiredAt(m.now()) {
		m.discard(ctx, record, "delete expired verification")
		return oops.Code("OTP_EXPIRED").With("account_id", accountID.String()).Wrapf(ErrExpired, "code has expired")
	}

	if record.Attempts >= m.maxAttempts {
		m.discard(ctx, record, "delete exhausted verification")
		return oops.Code("OTP_RATE_LIMITED").With("account_id", accountID.String()).Wrapf(ErrRateLimited, "too many attempts")
	}

	// Writes below are conditioned on the digest that was read, so a record
	// consumed or re-issued in the meantime is never recreated or redeemed twice.
	if !m.hasher.Verify(candidate, record.CodeHash) {
		attempts, err := m.store.RecordFailedAttempt(ctx, accountID, record.CodeHash)
		if errors.Is(err, ErrNotFound) {
			return oops.Code("OTP_NOT_FOUND").With("account_id", accountID.String()).Wrap(ErrNotFound)
		}
		if err != nil {
			return oops.Code("OTP_VERIFY_FAILED").
				With("operation", "record failed attempt").
				With("account_id", accountID.String()).
				Wrap(internal(err))
		}
		if attempts >= m.maxAttempts {
			m.discard(ctx, record, "delete exhausted verification")
			return oops.Code("OTP_RATE_LIMITED").With("account_id", accountID.String()).Wrapf(ErrRateLimited, "too many attempts")
		}
		return oops.Code("OTP_INVALID").
			With("account_id", accountID.String()).
			With("attempts_remaining", m.maxAttempts-attempts).
			Wrapf(ErrUnauthorized, "code does not match")
	}

	err = m.store.Consume(ctx, accountID, record.CodeHash)
	if errors.Is(err, ErrNotFound) {
		return oops.Code("OTP_NOT_FOUND").With("account_id", accountID.String()).Wrap(ErrNotFound)
	}
	if err != nil {
		return oops.Code("OTP_VERIFY_FAILED").
			With("operation", "consume verification").
			With("account_id", accountID.String()).
			Wrap(internal(err))
	}
	return nil
}

// discard deletes a record that is no longer usable. The caller's outcome does not
// depend on the delete, so a failure is only logged. A record already replaced or
// consumed is left alone.
func (m *OTPManager) discard(ctx context.Context, record *VerificationRecord, operation string) {
	err := m.store.Consume(ctx, record.AccountID, record.CodeHash)
	if err != nil && !errors.Is(err, ErrNotFound) {
		m.logger.WarnContext(ctx, "best-effort verification cleanup failed",
			"operation", operation,
			"account_id", record.AccountID.String(),
			"error", err)
	}
}

// Deliver sends code to identifier with a reason-specific subject.
// The stored record is left in place when delivery fails.
func (m *OTPManager) Deliver(ctx context.Context, identifier, code string, reason Reason) error {
	body, err := renderOTP(code, m.expiry)
	if err != nil {
		return oops.Code("OTP_DELIVERY_FAILED").With("operation", "render").Wrap(internal(err))
	}
	if err := m.sender.Send(ctx, identifier, otpSubject(reason), body); err != nil {
		return oops.Code("OTP_DELIVERY_FAILED").
			With("operation", "send").
			With("reason", string(reason)).
			Wrap(internal(err))
	}
	return nil
}
