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

const verificationColumns = `account_id, identifier, code_hash, reason, expires_at, attempts, created_at`

// VerificationRepository implements auth.VerificationStore using PostgreSQL.
// Records are keyed by account, so issuing a new code replaces any outstanding one.
type VerificationRepository struct {
	pool poolIface
	now  func() time.Time
}

// NewVerificationRepository creates a new VerificationRepository.
func NewVerificationRepository(pool poolIface) *VerificationRepository {
	return &VerificationRepository{pool: pool, now: time.Now}
}

// Upsert inserts the account's record or replaces the existing one.
func (r *VerificationRepository) Upsert(ctx context.Context, record *auth.VerificationRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO verifications (`+verificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id) DO UPDATE
		SET identifier = EXCLUDED.identifier,
		    code_hash = EXCLUDED.code_hash,
		    reason = EXCLUDED.reason,
		    expires_at = EXCLUDED.expires_at,
		    attempts = EXCLUDED.attempts,
		    created_at = EXCLUDED.created_at
	`,
		record.AccountID.String(),
		record.Identifier,
		record.CodeHash,
		string(record.Reason),
		record.ExpiresAt,
		record.Attempts,
		record.CreatedAt,
	)
	if err != nil {
		return oops.Code("VERIFICATION_UPSERT_FAILED").
			With("operation", "upsert verification").
			With("account_id", record.AccountID.String()).
			Wrap(err)
	}
	return nil
}

// GetByAccount retrieves the account's outstanding record.
func (r *VerificationRepository) GetByAccount(ctx context.Context, accountID ulid.ULID) (*auth.VerificationRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+verificationColumns+` FROM verifications WHERE account_id = $1
	`, accountID.String())

	record, err := scanVerification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("VERIFICATION_NOT_FOUND").With("account_id", accountID.String()).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("VERIFICATION_GET_FAILED").
			With("operation", "get verification by account").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return record, nil
}

// GetByIdentifier retrieves the newest record addressed to identifier.
func (r *VerificationRepository) GetByIdentifier(ctx context.Context, identifier string) (*auth.VerificationRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+verificationColumns+` FROM verifications
		WHERE identifier = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, identifier)

	record, err := scanVerification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("VERIFICATION_NOT_FOUND").With("identifier", identifier).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("VERIFICATION_GET_FAILED").
			With("operation", "get verification by identifier").
			Wrap(err)
	}
	return record, nil
}

// RecordFailedAttempt increments attempts on the record holding codeHash and
// returns the new count. It never inserts.
func (r *VerificationRepository) RecordFailedAttempt(ctx context.Context, accountID ulid.ULID, codeHash string) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx, `
		UPDATE verifications SET attempts = attempts + 1
		WHERE account_id = $1 AND code_hash = $2
		RETURNING attempts
	`, accountID.String(), codeHash).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, oops.Code("VERIFICATION_NOT_FOUND").With("account_id", accountID.String()).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return 0, oops.Code("VERIFICATION_UPDATE_FAILED").
			With("operation", "record failed attempt").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return attempts, nil
}

// Consume deletes the record only while it still holds codeHash.
func (r *VerificationRepository) Consume(ctx context.Context, accountID ulid.ULID, codeHash string) error {
	result, err := r.pool.Exec(ctx, `
		DELETE FROM verifications WHERE account_id = $1 AND code_hash = $2
	`, accountID.String(), codeHash)
	if err != nil {
		return oops.Code("VERIFICATION_DELETE_FAILED").
			With("operation", "consume verification").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("VERIFICATION_NOT_FOUND").With("account_id", accountID.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// Delete removes the account's record. Deleting nothing is not an error.
func (r *VerificationRepository) Delete(ctx context.Context, accountID ulid.ULID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM verifications WHERE account_id = $1`, accountID.String())
	if err != nil {
		return oops.Code("VERIFICATION_DELETE_FAILED").
			With("operation", "delete verification").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return nil
}

// DeleteExpired removes all expired records and returns the count.
func (r *VerificationRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM verifications WHERE expires_at < $1`, r.now())
	if err != nil {
		return 0, oops.Code("VERIFICATION_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired verifications").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

func scanVerification(row pgx.Row) (*auth.VerificationRecord, error) {
	var (
		accountIDStr string
		reason       string
		record       auth.VerificationRecord
	)
	err := row.Scan(&accountIDStr, &record.Identifier, &record.CodeHash, &reason, &record.ExpiresAt, &record.Attempts, &record.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // callers add context
		}
		return nil, oops.Code("VERIFICATION_SCAN_FAILED").With("operation", "scan verification").Wrap(err)
	}

	id, err := ulid.Parse(accountIDStr)
	if err != nil {
		return nil, oops.Code("VERIFICATION_INVALID_ID").With("account_id", accountIDStr).Wrap(err)
	}
	record.AccountID = id
	record.Reason = auth.Reason(reason)
	return &record, nil
}

var _ auth.VerificationStore = (*VerificationRepository)(nil)
