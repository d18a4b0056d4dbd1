// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Reason tags what a verification record is for.
type Reason string

// Verification reasons.
const (
	ReasonEmailVerification Reason = "email_verification"
	ReasonPasswordReset     Reason = "password_reset"
	ReasonPasswordlessLogin Reason = "passwordless_login"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonEmailVerification, ReasonPasswordReset, ReasonPasswordlessLogin:
		return true
	}
	return false
}

// VerificationRecord is the single outstanding one-time secret for an account.
type VerificationRecord struct {
	AccountID  ulid.ULID
	Identifier string
	CodeHash   string
	Reason     Reason
	ExpiresAt  time.Time
	Attempts   int
	CreatedAt  time.Time
}

// NewVerificationRecord creates a validated record with zero attempts.
func NewVerificationRecord(accountID ulid.ULID, identifier, codeHash string, reason Reason, expiresAt time.Time) (*VerificationRecord, error) {
	if accountID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("VERIFICATION_INVALID_ACCOUNT").Errorf("account ID cannot be zero")
	}
	if identifier == "" {
		return nil, oops.Code("VERIFICATION_INVALID_IDENTIFIER").Errorf("identifier cannot be empty")
	}
	if codeHash == "" {
		return nil, oops.Code("VERIFICATION_INVALID_HASH").Errorf("code hash cannot be empty")
	}
	if !reason.Valid() {
		return nil, oops.Code("VERIFICATION_INVALID_REASON").With("reason", string(reason)).Errorf("unknown verification reason")
	}
	if expiresAt.IsZero() {
		return nil, oops.Code("VERIFICATION_INVALID_EXPIRY").Errorf("expiry time cannot be zero")
	}

	return &VerificationRecord{
		AccountID:  accountID,
		Identifier: identifier,
		CodeHash:   codeHash,
		Reason:     reason,
		ExpiresAt:  expiresAt,
		CreatedAt:  time.Now(),
	}, nil
}

// IsExpiredAt returns true if the record would be expired at the given time.
func (r *VerificationRecord) IsExpiredAt(t time.Time) bool {
	return t.After(r.ExpiresAt)
}

// VerificationStore persists verification records, one per account.
// Lookups return an error wrapping ErrNotFound when no record exists.
type VerificationStore interface {
	// Upsert atomically inserts or replaces the account's record.
	Upsert(ctx context.Context, record *VerificationRecord) error

	// GetByAccount retrieves the record for an account.
	GetByAccount(ctx context.Context, accountID ulid.ULID) (*VerificationRecord, error)

	// GetByIdentifier retrieves the record addressed to identifier.
	GetByIdentifier(ctx context.Context, identifier string) (*VerificationRecord, error)

	// RecordFailedAttempt increments the attempt counter of the account's record
	// if it still holds codeHash and returns the new count. It never creates a
	// record; a missing or replaced record yields ErrNotFound.
	RecordFailedAttempt(ctx context.Context, accountID ulid.ULID, codeHash string) (int, error)

	// Consume deletes the account's record only if it still holds codeHash.
	// Exactly one of several concurrent callers succeeds; the rest get ErrNotFound.
	Consume(ctx context.Context, accountID ulid.ULID, codeHash string) error

	// Delete removes the account's record. Deleting a missing record is not an error.
	Delete(ctx context.Context, accountID ulid.ULID) error

	// DeleteExpired removes all records past their expiry and returns how many were removed.
	DeleteExpired(ctx context.Context) (int64, error)
}
