// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package auth

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// SessionRevoker ends every session of an account.
type SessionRevoker interface {
	RevokeAll(ctx context.Context, accountID ulid.ULID) error
}

// CredentialManager owns password digests and their rotation.
type CredentialManager struct {
	accounts AccountStore
	hasher   PasswordHasher
	sessions SessionRevoker
}

// NewCredentialManager creates a new CredentialManager.
func NewCredentialManager(accounts AccountStore, hasher PasswordHasher, sessions SessionRevoker) (*CredentialManager, error) {
	if accounts == nil {
		return nil, oops.Code("CREDENTIAL_INVALID_CONFIG").Errorf("account store is required")
	}
	if hasher == nil {
		return nil, oops.Code("CREDENTIAL_INVALID_CONFIG").Errorf("password hasher is required")
	}
	if sessions == nil {
		return nil, oops.Code("CREDENTIAL_INVALID_CONFIG").Errorf("session revoker is required")
	}
	return &CredentialManager{accounts: accounts, hasher: hasher, sessions: sessions}, nil
}

// Hash produces a digest of plaintext.
func (c *CredentialManager) Hash(plaintext string) (string, error) {
	return c.hasher.Hash(plaintext)
}

// Verify reports whether plaintext matches digest.
func (c *CredentialManager) Verify(plaintext, digest string) bool {
	return c.hasher.Verify(plaintext, digest)
}

// ChangePassword replaces the password after checking the current one,
// then revokes every refresh token of the account.
func (c *CredentialManager) ChangePassword(ctx context.Context, accountID ulid.ULID, oldPassword, newPassword string) error {
	account, err := c.accounts.GetByID(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		return oops.Code("ACCOUNT_NOT_FOUND").With("account_id", accountID.String()).Wrap(ErrNotFound)
	}
	if err != nil {
		return oops.Code("CHANGE_PASSWORD_FAILED").With("operation", "get account").Wrap(internal(err))
	}

	if !c.hasher.Verify(oldPassword, account.PasswordHash) {
		return oops.Code("AUTH_INVALID_CREDENTIALS").
			With("account_id", accountID.String()).
			Wrapf(ErrUnauthorized, "current password is incorrect")
	}

	return c.SetPassword(ctx, accountID, newPassword)
}

// SetPassword stores a digest of newPassword without checking the old one and
// revokes every refresh token. Callers must have authenticated the change.
func (c *CredentialManager) SetPassword(ctx context.Context, accountID ulid.ULID, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	hash, err := c.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("CHANGE_PASSWORD_FAILED").With("operation", "hash").Wrap(internal(err))
	}
	if err := c.accounts.UpdatePasswordHash(ctx, accountID, hash); err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("ACCOUNT_NOT_FOUND").With("account_id", accountID.String()).Wrap(ErrNotFound)
		}
		return oops.Code("CHANGE_PASSWORD_FAILED").
			With("operation", "update password hash").
			With("account_id", accountID.String()).
			Wrap(internal(err))
	}

	// The new hash is already stored; a revoke failure leaves old sessions alive,
	// so it is reported rather than swallowed.
	if err := c.sessions.RevokeAll(ctx, accountID); err != nil {
		return oops.Code("CHANGE_PASSWORD_FAILED").
			With("operation", "revoke sessions").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return nil
}
