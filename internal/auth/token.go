// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// RefreshTokenRecord is the stored form of an account's live refresh token.
type RefreshTokenRecord struct {
	ID        ulid.ULID
	AccountID ulid.ULID
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

// IsRevoked returns true if the token has been revoked.
func (r *RefreshTokenRecord) IsRevoked() bool {
	return r.RevokedAt != nil
}

// IsExpiredAt returns true if the token would be expired at the given time.
func (r *RefreshTokenRecord) IsExpiredAt(t time.Time) bool {
	return t.After(r.ExpiresAt)
}

// HashRefreshToken returns the SHA-256 hex digest under which a refresh token is stored.
// Refresh tokens are high-entropy, so a fast unsalted digest suffices for lookup.
func HashRefreshToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// TokenStore persists refresh tokens, at most one live token per account.
// Lookups return an error wrapping ErrNotFound when no token matches.
type TokenStore interface {
	// UpsertRefreshToken atomically inserts or replaces the account's refresh token.
	UpsertRefreshToken(ctx context.Context, record *RefreshTokenRecord) error

	// GetRefreshTokenByHash retrieves a token by its digest.
	GetRefreshTokenByHash(ctx context.Context, hash string) (*RefreshTokenRecord, error)

	// DeleteByHash removes a token by digest. Returns ErrNotFound if nothing was deleted.
	DeleteByHash(ctx context.Context, hash string) error

	// DeleteByAccount removes every token for an account.
	DeleteByAccount(ctx context.Context, accountID ulid.ULID) error

	// DeleteExpired removes all tokens past their expiry and returns how many were removed.
	DeleteExpired(ctx context.Context) (int64, error)
}

// TokenIssuer mints, rotates, and revokes session tokens.
type TokenIssuer struct {
	tokens   TokenStore
	accounts AccountStore
	signer   *TokenSigner
	now      func() time.Time
}

// NewTokenIssuer creates a new TokenIssuer.
func NewTokenIssuer(tokens TokenStore, accounts AccountStore, signer *TokenSigner) (*TokenIssuer, error) {
	if tokens == nil {
		return nil, oops.Code("TOKEN_INVALID_CONFIG").Errorf("token store is required")
	}
	if accounts == nil {
		return nil, oops.Code("TOKEN_INVALID_CONFIG").Errorf("account store is required")
	}
	if signer == nil {
		return nil, oops.Code("TOKEN_INVALID_CONFIG").Errorf("token signer is required")
	}
	return &TokenIssuer{tokens: tokens, accounts: accounts, signer: signer, now: time.Now}, nil
}

// WithClock returns a copy of the issuer using now as its time source for
// minting, record expiry, and JWT expiry alike.
func (i *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	cp := *i
	cp.now = now
	cp.signer = i.signer.WithClock(now)
	return &cp
}

// Issue mints an access/refresh pair and makes the refresh token the account's only live one.
func (i *TokenIssuer) Issue(ctx context.Context, account *Account) (*TokenPair, error) {
	now := i.now()

	access, accessExp, err := i.signer.SignAccess(account, now)
	if err != nil {
		return nil, oops.Code("TOKEN_ISSUE_FAILED").With("account_id", account.ID.String()).Wrap(internal(err))
	}
	refresh, refreshExp, err := i.signer.SignRefresh(account, now)
	if err != nil {
		return nil, oops.Code("TOKEN_ISSUE_FAILED").With("account_id", account.ID.String()).Wrap(internal(err))
	}

	record := &RefreshTokenRecord{
		ID:        ulid.Make(),
		AccountID: account.ID,
		TokenHash: HashRefreshToken(refresh),
		ExpiresAt: refreshExp,
		CreatedAt: now,
	}
	if err := i.tokens.UpsertRefreshToken(ctx, record); err != nil {
		return nil, oops.Code("TOKEN_ISSUE_FAILED").
			With("operation", "upsert refresh token").
			With("account_id", account.ID.String()).
			Wrap(internal(err))
	}

	tokensIssued.WithLabelValues("access").Inc()
	tokensIssued.WithLabelValues("refresh").Inc()
	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Refresh exchanges a live refresh token for a new pair. The presented token is
// consumed, so replaying it fails.
func (i *TokenIssuer) Refresh(ctx context.Context, raw string) (*TokenPair, error) {
	if _, err := i.signer.ParseRefresh(raw); err != nil {
		return nil, err
	}

	hash := HashRefreshToken(raw)
	record, err := i.tokens.GetRefreshTokenByHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil, oops.Code("REFRESH_TOKEN_NOT_FOUND").Wrap(ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("REFRESH_FAILED").With("operation", "get refresh token").Wrap(internal(err))
	}

	if record.IsRevoked() {
		return nil, oops.Code("REFRESH_TOKEN_REVOKED").
			With("account_id", record.AccountID.String()).
			Wrapf(ErrUnauthorized, "refresh token has been revoked")
	}
	if record.IsExpiredAt(i.now()) {
		return nil, oops.Code("REFRESH_TOKEN_EXPIRED").
			With("account_id", record.AccountID.String()).
			Wrapf(ErrExpired, "refresh token has expired")
	}

	// Only one of several concurrent refreshes of the same token deletes the row.
	if err := i.tokens.DeleteByHash(ctx, hash); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("REFRESH_TOKEN_NOT_FOUND").With("account_id", record.AccountID.String()).Wrap(ErrNotFound)
		}
		return nil, oops.Code("REFRESH_FAILED").With("operation", "consume refresh token").Wrap(internal(err))
	}

	account, err := i.accounts.GetByID(ctx, record.AccountID)
	if errors.Is(err, ErrNotFound) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With("account_id", record.AccountID.String()).Wrap(ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("REFRESH_FAILED").With("operation", "get account").Wrap(internal(err))
	}

	return i.Issue(ctx, account)
}

// Revoke deletes the stored refresh token matching raw. Unknown tokens are ignored.
func (i *TokenIssuer) Revoke(ctx context.Context, raw string) error {
	if raw == "" {
		return nil
	}
	err := i.tokens.DeleteByHash(ctx, HashRefreshToken(raw))
	if err == nil || errors.Is(err, ErrNotFound) {
		return nil
	}
	return oops.Code("REVOKE_FAILED").With("operation", "delete refresh token").Wrap(internal(err))
}

// RevokeAll deletes every refresh token belonging to the account.
func (i *TokenIssuer) RevokeAll(ctx context.Context, accountID ulid.ULID) error {
	if err := i.tokens.DeleteByAccount(ctx, accountID); err != nil {
		return oops.Code("REVOKE_ALL_FAILED").
			With("operation", "delete refresh tokens").
			With("account_id", accountID.String()).
			Wrap(internal(err))
	}
	return nil
}

// ParseAccessToken verifies an access token and returns its claims.
func (i *TokenIssuer) ParseAccessToken(raw string) (*AccessClaims, error) {
	return i.signer.ParseAccess(raw)
}
