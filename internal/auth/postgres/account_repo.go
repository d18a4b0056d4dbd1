// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/solospot/authcore/internal/auth"
)

const accountColumns = `id, email, password_hash, email_verified, email_verified_at, role,
		two_factor_secret, two_factor_enabled, recovery_codes, failed_logins, locked_until,
		created_at, updated_at`

// AccountRepository implements auth.AccountStore using PostgreSQL.
type AccountRepository struct {
	pool poolIface
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(pool poolIface) *AccountRepository {
	return &AccountRepository{pool: pool}
}

// Create stores a new account. A duplicate email yields ErrConflict.
func (r *AccountRepository) Create(ctx context.Context, account *auth.Account) error {
	codes := account.RecoveryCodes
	if codes == nil {
		codes = []string{}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		account.ID.String(),
		account.Email,
		account.PasswordHash,
		account.EmailVerified,
		account.EmailVerifiedAt,
		account.Role,
		account.TwoFactorSecret,
		account.TwoFactorEnabled,
		codes,
		account.FailedLogins,
		account.LockedUntil,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return oops.Code("ACCOUNT_EMAIL_TAKEN").With("email", account.Email).Wrap(auth.ErrConflict)
	}
	if err != nil {
		return oops.Code("ACCOUNT_CREATE_FAILED").
			With("operation", "insert account").
			With("email", account.Email).
			Wrap(err)
	}
	return nil
}

// GetByEmail retrieves an account by its normalized email.
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)

	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With("email", email).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_GET_BY_EMAIL_FAILED").
			With("operation", "get account by email").
			With("email", email).
			Wrap(err)
	}
	return account, nil
}

// GetByID retrieves an account by its ID.
func (r *AccountRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id.String())

	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_GET_BY_ID_FAILED").
			With("operation", "get account by id").
			With("id", id.String()).
			Wrap(err)
	}
	return account, nil
}

// UpdatePasswordHash replaces the password digest.
func (r *AccountRepository) UpdatePasswordHash(ctx context.Context, id ulid.ULID, hash string) error {
	return r.update(ctx, id, "update password_hash",
		`UPDATE accounts SET password_hash = $2, updated_at = now() WHERE id = $1`, hash)
}

// SetEmailVerified sets the verified flag and stamps the verification time.
func (r *AccountRepository) SetEmailVerified(ctx context.Context, id ulid.ULID, verified bool) error {
	return r.update(ctx, id, "update email_verified", `
		UPDATE accounts
		SET email_verified = $2,
		    email_verified_at = CASE WHEN $2 THEN now() ELSE NULL END,
		    updated_at = now()
		WHERE id = $1`, verified)
}

// SetTwoFactorSecret stores the encrypted TOTP secret.
func (r *AccountRepository) SetTwoFactorSecret(ctx context.Context, id ulid.ULID, encrypted string) error {
	return r.update(ctx, id, "update two_factor_secret",
		`UPDATE accounts SET two_factor_secret = $2, updated_at = now() WHERE id = $1`, encrypted)
}

// SetTwoFactorEnabled sets the second-factor flag.
func (r *AccountRepository) SetTwoFactorEnabled(ctx context.Context, id ulid.ULID, enabled bool) error {
	return r.update(ctx, id, "update two_factor_enabled",
		`UPDATE accounts SET two_factor_enabled = $2, updated_at = now() WHERE id = $1`, enabled)
}

// SetRecoveryCodes replaces the stored recovery code digests.
func (r *AccountRepository) SetRecoveryCodes(ctx context.Context, id ulid.ULID, hashes []string) error {
	if hashes == nil {
		hashes = []string{}
	}
	return r.update(ctx, id, "update recovery_codes",
		`UPDATE accounts SET recovery_codes = $2, updated_at = now() WHERE id = $1`, hashes)
}

// ConsumeRecoveryCode removes hash from the account's recovery codes in a single
// statement. It reports false when the code was already gone.
func (r *AccountRepository) ConsumeRecoveryCode(ctx context.Context, id ulid.ULID, hash string) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE accounts
		SET recovery_codes = array_remove(recovery_codes, $2), updated_at = now()
		WHERE id = $1 AND $2 = ANY(recovery_codes)
	`, id.String(), hash)
	if err != nil {
		return false, oops.Code("ACCOUNT_UPDATE_FAILED").
			With("operation", "consume recovery code").
			With("id", id.String()).
			Wrap(err)
	}
	return result.RowsAffected() == 1, nil
}

// RecordLoginFailure increments failed_logins and sets locked_until once the
// new count reaches threshold, in one statement.
func (r *AccountRepository) RecordLoginFailure(ctx context.Context, id ulid.ULID, threshold int, lockUntil time.Time) (int, *time.Time, error) {
	var (
		failures    int
		lockedUntil *time.Time
	)
	err := r.pool.QueryRow(ctx, `
		UPDATE accounts
		SET failed_logins = failed_logins + 1,
		    locked_until = CASE WHEN failed_logins + 1 >= $2 THEN $3 ELSE locked_until END,
		    updated_at = now()
		WHERE id = $1
		RETURNING failed_logins, locked_until
	`, id.String(), threshold, lockUntil).Scan(&failures, &lockedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return 0, nil, oops.Code("ACCOUNT_UPDATE_FAILED").
			With("operation", "record login failure").
			With("id", id.String()).
			Wrap(err)
	}
	return failures, lockedUntil, nil
}

// ResetLoginFailures clears failed_logins and locked_until.
func (r *AccountRepository) ResetLoginFailures(ctx context.Context, id ulid.ULID) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE accounts SET failed_logins = 0, locked_until = NULL, updated_at = now() WHERE id = $1`, id.String())
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").
			With("operation", "reset login failures").
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

func (r *AccountRepository) update(ctx context.Context, id ulid.ULID, operation, sql string, value any) error {
	result, err := r.pool.Exec(ctx, sql, id.String(), value)
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").
			With("operation", operation).
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// scanAccount scans a single row into an Account.
// Callers are responsible for handling pgx.ErrNoRows.
func scanAccount(row pgx.Row) (*auth.Account, error) {
	var (
		idStr           string
		account         auth.Account
		emailVerifiedAt *time.Time
	)
	err := row.Scan(
		&idStr,
		&account.Email,
		&account.PasswordHash,
		&account.EmailVerified,
		&emailVerifiedAt,
		&account.Role,
		&account.TwoFactorSecret,
		&account.TwoFactorEnabled,
		&account.RecoveryCodes,
		&account.FailedLogins,
		&account.LockedUntil,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // callers add context
		}
		return nil, oops.Code("ACCOUNT_SCAN_FAILED").With("operation", "scan account").Wrap(err)
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("ACCOUNT_INVALID_ID").With("id", idStr).Wrap(err)
	}
	account.ID = id
	account.EmailVerifiedAt = emailVerifiedAt
	return &account, nil
}

var _ auth.AccountStore = (*AccountRepository)(nil)
