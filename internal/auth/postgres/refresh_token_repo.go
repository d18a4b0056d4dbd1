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

// RefreshTokenRepository implements auth.TokenStore using PostgreSQL.
// The account_id column is unique, so each account holds at most one token.
type RefreshTokenRepository struct {
	pool poolIface
	now  func() time.Time
}

// NewRefreshTokenRepository creates a new RefreshTokenRepository.
func NewRefreshTokenRepository(pool poolIface) *RefreshTokenRepository {
	return &RefreshTokenRepository{pool: pool, now: time.Now}
}

// UpsertRefreshToken inserts the account's token or replaces the existing one.
func (r *RefreshTokenRepository) UpsertRefreshToken(ctx context.Context, record *auth.RefreshTokenRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (id, account_id, token_hash, expires_at, revoked_at, created_at)
		VALUES ($1, $2, $3, $4, NULL, $5)
		ON CONFLICT (account_id) DO UPDATE
		SET id = EXCLUDED.id,
		    token_hash = EXCLUDED.token_hash,
		    expires_at = EXCLUDED.expires_at,
		    revoked_at = NULL,
		    created_at = EXCLUDED.created_at
	`,
		record.ID.String(),
		record.AccountID.String(),
		record.TokenHash,
		record.ExpiresAt,
		record.CreatedAt,
	)
	if err != nil {
		return oops.Code("REFRESH_TOKEN_UPSERT_FAILED").
			With("operation", "upsert refresh_token").
			With("account_id", record.AccountID.String()).
			Wrap(err)
	}
	return nil
}

// GetRefreshTokenByHash retrieves a token by its digest.
func (r *RefreshTokenRepository) GetRefreshTokenByHash(ctx context.Context, hash string) (*auth.RefreshTokenRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, account_id, token_hash, expires_at, revoked_at, created_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`, hash)

	var (
		idStr, accountIDStr string
		record              auth.RefreshTokenRecord
	)
	err := row.Scan(&idStr, &accountIDStr, &record.TokenHash, &record.ExpiresAt, &record.RevokedAt, &record.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("REFRESH_TOKEN_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("REFRESH_TOKEN_GET_FAILED").
			With("operation", "get refresh_token by hash").
			Wrap(err)
	}

	if record.ID, err = ulid.Parse(idStr); err != nil {
		return nil, oops.Code("REFRESH_TOKEN_INVALID_ID").With("id", idStr).Wrap(err)
	}
	if record.AccountID, err = ulid.Parse(accountIDStr); err != nil {
		return nil, oops.Code("REFRESH_TOKEN_INVALID_ID").With("account_id", accountIDStr).Wrap(err)
	}
	return &record, nil
}

// DeleteByHash removes a token by digest. Returns ErrNotFound if no row matched,
// which is how a losing concurrent refresh learns the token is gone.
func (r *RefreshTokenRepository) DeleteByHash(ctx context.Context, hash string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE token_hash = $1`, hash)
	if err != nil {
		return oops.Code("REFRESH_TOKEN_DELETE_FAILED").
			With("operation", "delete refresh_token by hash").
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("REFRESH_TOKEN_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	return nil
}

// DeleteByAccount removes the account's token. Deleting nothing is not an error.
func (r *RefreshTokenRepository) DeleteByAccount(ctx context.Context, accountID ulid.ULID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE account_id = $1`, accountID.String())
	if err != nil {
		return oops.Code("REFRESH_TOKEN_DELETE_FAILED").
			With("operation", "delete refresh_tokens by account").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return nil
}

// DeleteExpired removes all expired tokens and returns the count.
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, r.now())
	if err != nil {
		return 0, oops.Code("REFRESH_TOKEN_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired refresh_tokens").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

var _ auth.TokenStore = (*RefreshTokenRepository)(nil)
