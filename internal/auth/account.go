// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package auth

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Password constraints.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 128
)

// Account roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// TwoFactorState is the lifecycle state of an account's second factor.
type TwoFactorState int

// Two-factor states. Disabled → Provisioned on setup, Provisioned → Enabled on first verify.
const (
	TwoFactorDisabled TwoFactorState = iota
	TwoFactorProvisioned
	TwoFactorEnabled
)

// String returns the state name.
func (s TwoFactorState) String() string {
	switch s {
	case TwoFactorProvisioned:
		return "provisioned"
	case TwoFactorEnabled:
		return "enabled"
	default:
		return "disabled"
	}
}

// Account is a registered identity.
type Account struct {
	ID              ulid.ULID
	Email           string
	PasswordHash    string
	EmailVerified   bool
	EmailVerifiedAt *time.Time
	Role            string
	// TwoFactorSecret is the vault-encrypted TOTP secret; empty when none is provisioned.
	TwoFactorSecret  string
	TwoFactorEnabled bool
	// RecoveryCodes holds argon2id digests in issue order.
	RecoveryCodes []string
	// FailedLogins counts consecutive failed sign-ins since the last success.
	FailedLogins int
	LockedUntil  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewAccount creates a validated Account with the default role.
func NewAccount(email, passwordHash string) (*Account, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if passwordHash == "" {
		return nil, oops.Code("ACCOUNT_INVALID_HASH").Wrapf(ErrInvalidInput, "password hash cannot be empty")
	}

	now := time.Now()
	return &Account{
		ID:           ulid.Make(),
		Email:        normalized,
		PasswordHash: passwordHash,
		Role:         RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// TwoFactor returns the account's second-factor state.
func (a *Account) TwoFactor() TwoFactorState {
	switch {
	case a.TwoFactorSecret == "":
		return TwoFactorDisabled
	case a.TwoFactorEnabled:
		return TwoFactorEnabled
	default:
		return TwoFactorProvisioned
	}
}

// IsLockedAt reports whether sign-in is locked at t.
func (a *Account) IsLockedAt(t time.Time) bool {
	return IsLockedOut(a.LockedUntil, t)
}

// NormalizeEmail trims and lowercases an address after checking it parses.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", oops.Code("ACCOUNT_INVALID_EMAIL").Wrapf(ErrInvalidInput, "email cannot be empty")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", oops.Code("ACCOUNT_INVALID_EMAIL").With("email", email).Wrapf(ErrInvalidInput, "email is not a valid address")
	}
	return email, nil
}

// ValidatePassword checks length constraints on a plaintext password.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return oops.Code("AUTH_WEAK_PASSWORD").
			With("min", MinPasswordLength).
			Wrapf(ErrInvalidInput, "password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return oops.Code("AUTH_WEAK_PASSWORD").
			With("max", MaxPasswordLength).
			Wrapf(ErrInvalidInput, "password must be at most %d characters", MaxPasswordLength)
	}
	return nil
}

// AccountStore manages account persistence.
// Lookups return an error wrapping ErrNotFound when the account does not exist.
type AccountStore interface {
	// Create stores a new account. Returns an error wrapping ErrConflict if the email is taken.
	Create(ctx context.Context, account *Account) error

	// GetByEmail retrieves an account by normalized email.
	GetByEmail(ctx context.Context, email string) (*Account, error)

	// GetByID retrieves an account by ID.
	GetByID(ctx context.Context, id ulid.ULID) (*Account, error)

	// UpdatePasswordHash replaces the stored password digest.
	UpdatePasswordHash(ctx context.Context, id ulid.ULID, hash string) error

	// SetEmailVerified sets the verified flag and stamps or clears the verification time.
	SetEmailVerified(ctx context.Context, id ulid.ULID, verified bool) error

	// SetTwoFactorSecret stores the encrypted TOTP secret.
	SetTwoFactorSecret(ctx context.Context, id ulid.ULID, encrypted string) error

	// SetTwoFactorEnabled sets the 2FA enabled flag.
	SetTwoFactorEnabled(ctx context.Context, id ulid.ULID, enabled bool) error

	// SetRecoveryCodes replaces the stored recovery code digests.
	SetRecoveryCodes(ctx context.Context, id ulid.ULID, hashes []string) error

	// ConsumeRecoveryCode atomically removes one digest from the stored set.
	// Returns false if the digest was not present, e.g. a concurrent use already removed it.
	ConsumeRecoveryCode(ctx context.Context, id ulid.ULID, hash string) (bool, error)

	// RecordLoginFailure atomically increments the failed sign-in counter and sets
	// the lockout to lockUntil once the counter reaches threshold. It returns the
	// new count and lockout.
	RecordLoginFailure(ctx context.Context, id ulid.ULID, threshold int, lockUntil time.Time) (int, *time.Time, error)

	// ResetLoginFailures clears the counter and any lockout.
	ResetLoginFailures(ctx context.Context, id ulid.ULID) error
}
