// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

// Package authtest provides in-memory collaborators for testing the auth package.
package authtest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/solospot/authcore/internal/auth"
)

// faults lets tests make individual store methods fail.
type faults struct {
	mu   sync.Mutex
	errs map[string]error
}

// FailOn makes every call to method return err until cleared with a nil err.
func (f *faults) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = make(map[string]error)
	}
	if err == nil {
		delete(f.errs, method)
		return
	}
	f.errs[method] = err
}

func (f *faults) fault(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errs[method]
}

// AccountStore is an in-memory auth.AccountStore.
type AccountStore struct {
	faults
	mu       sync.Mutex
	accounts map[ulid.ULID]*auth.Account
}

// NewAccountStore creates an empty AccountStore.
func NewAccountStore() *AccountStore {
	return &AccountStore{accounts: make(map[ulid.ULID]*auth.Account)}
}

func cloneAccount(a *auth.Account) *auth.Account {
	cp := *a
	cp.RecoveryCodes = slices.Clone(a.RecoveryCodes)
	if a.EmailVerifiedAt != nil {
		t := *a.EmailVerifiedAt
		cp.EmailVerifiedAt = &t
	}
	if a.LockedUntil != nil {
		t := *a.LockedUntil
		cp.LockedUntil = &t
	}
	return &cp
}

// Create stores a new account.
func (s *AccountStore) Create(_ context.Context, account *auth.Account) error {
	if err := s.fault("Create"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Email == account.Email {
			return oops.Code("ACCOUNT_EMAIL_TAKEN").With("email", account.Email).Wrap(auth.ErrConflict)
		}
	}
	s.accounts[account.ID] = cloneAccount(account)
	return nil
}

// GetByEmail retrieves an account by email.
func (s *AccountStore) GetByEmail(_ context.Context, email string) (*auth.Account, error) {
	if err := s.fault("GetByEmail"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Email == email {
			return cloneAccount(a), nil
		}
	}
	return nil, oops.Code("ACCOUNT_NOT_FOUND").With("email", email).Wrap(auth.ErrNotFound)
}

// GetByID retrieves an account by ID.
func (s *AccountStore) GetByID(_ context.Context, id ulid.ULID) (*auth.Account, error) {
	if err := s.fault("GetByID"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return cloneAccount(a), nil
}

func (s *AccountStore) update(method string, id ulid.ULID, fn func(*auth.Account)) error {
	if err := s.fault(method); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	fn(a)
	a.UpdatedAt = time.Now()
	return nil
}

// UpdatePasswordHash replaces the password digest.
func (s *AccountStore) UpdatePasswordHash(_ context.Context, id ulid.ULID, hash string) error {
	return s.update("UpdatePasswordHash", id, func(a *auth.Account) { a.PasswordHash = hash })
}

// SetEmailVerified sets the verified flag.
func (s *AccountStore) SetEmailVerified(_ context.Context, id ulid.ULID, verified bool) error {
	return s.update("SetEmailVerified", id, func(a *auth.Account) {
		a.EmailVerified = verified
		a.EmailVerifiedAt = nil
		if verified {
			now := time.Now()
			a.EmailVerifiedAt = &now
		}
	})
}

// SetTwoFactorSecret stores the encrypted secret.
func (s *AccountStore) SetTwoFactorSecret(_ context.Context, id ulid.ULID, encrypted string) error {
	return s.update("SetTwoFactorSecret", id, func(a *auth.Account) { a.TwoFactorSecret = encrypted })
}

// SetTwoFactorEnabled sets the 2FA flag.
func (s *AccountStore) SetTwoFactorEnabled(_ context.Context, id ulid.ULID, enabled bool) error {
	return s.update("SetTwoFactorEnabled", id, func(a *auth.Account) { a.TwoFactorEnabled = enabled })
}

// SetRecoveryCodes replaces the recovery code digests.
func (s *AccountStore) SetRecoveryCodes(_ context.Context, id ulid.ULID, hashes []string) error {
	return s.update("SetRecoveryCodes", id, func(a *auth.Account) { a.RecoveryCodes = slices.Clone(hashes) })
}

// ConsumeRecoveryCode removes one digest if present.
func (s *AccountStore) ConsumeRecoveryCode(_ context.Context, id ulid.ULID, hash string) (bool, error) {
	consumed := false
	err := s.update("ConsumeRecoveryCode", id, func(a *auth.Account) {
		if i := slices.Index(a.RecoveryCodes, hash); i >= 0 {
			a.RecoveryCodes = slices.Delete(a.RecoveryCodes, i, i+1)
			consumed = true
		}
	})
	return consumed, err
}

// RecordLoginFailure increments the failure counter and locks at threshold.
func (s *AccountStore) RecordLoginFailure(_ context.Context, id ulid.ULID, threshold int, lockUntil time.Time) (int, *time.Time, error) {
	var (
		failures    int
		lockedUntil *time.Time
	)
	err := s.update("RecordLoginFailure", id, func(a *auth.Account) {
		a.FailedLogins++
		if a.FailedLogins >= threshold {
			t := lockUntil
			a.LockedUntil = &t
		}
		failures = a.FailedLogins
		if a.LockedUntil != nil {
			t := *a.LockedUntil
			lockedUntil = &t
		}
	})
	return failures, lockedUntil, err
}

// ResetLoginFailures clears the failure counter and lockout.
func (s *AccountStore) ResetLoginFailures(_ context.Context, id ulid.ULID) error {
	return s.update("ResetLoginFailures", id, func(a *auth.Account) {
		a.FailedLogins = 0
		a.LockedUntil = nil
	})
}

// Put stores an account directly, bypassing uniqueness checks.
func (s *AccountStore) Put(account *auth.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.ID] = cloneAccount(account)
}

// Get returns a copy of the stored account or nil.
func (s *AccountStore) Get(id ulid.ULID) *auth.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		return cloneAccount(a)
	}
	return nil
}

// TokenStore is an in-memory auth.TokenStore keyed by account.
type TokenStore struct {
	faults
	mu     sync.Mutex
	tokens map[ulid.ULID]*auth.RefreshTokenRecord
	now    func() time.Time
}

// NewTokenStore creates an empty TokenStore.
func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[ulid.ULID]*auth.RefreshTokenRecord), now: time.Now}
}

// UpsertRefreshToken replaces the account's token.
func (s *TokenStore) UpsertRefreshToken(_ context.Context, record *auth.RefreshTokenRecord) error {
	if err := s.fault("UpsertRefreshToken"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.tokens[record.AccountID] = &cp
	return nil
}

// GetRefreshTokenByHash retrieves a token by digest.
func (s *TokenStore) GetRefreshTokenByHash(_ context.Context, hash string) (*auth.RefreshTokenRecord, error) {
	if err := s.fault("GetRefreshTokenByHash"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.tokens {
		if r.TokenHash == hash {
			cp := *r
			return &cp, nil
		}
	}
	return nil, oops.Code("REFRESH_TOKEN_NOT_FOUND").Wrap(auth.ErrNotFound)
}

// DeleteByHash removes a token by digest.
func (s *TokenStore) DeleteByHash(_ context.Context, hash string) error {
	if err := s.fault("DeleteByHash"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.tokens {
		if r.TokenHash == hash {
			delete(s.tokens, id)
			return nil
		}
	}
	return oops.Code("REFRESH_TOKEN_NOT_FOUND").Wrap(auth.ErrNotFound)
}

// DeleteByAccount removes the account's token.
func (s *TokenStore) DeleteByAccount(_ context.Context, accountID ulid.ULID) error {
	if err := s.fault("DeleteByAccount"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, accountID)
	return nil
}

// DeleteExpired removes expired tokens.
func (s *TokenStore) DeleteExpired(_ context.Context) (int64, error) {
	if err := s.fault("DeleteExpired"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := s.now()
	for id, r := range s.tokens {
		if r.IsExpiredAt(now) {
			delete(s.tokens, id)
			n++
		}
	}
	return n, nil
}

// ForAccount returns a copy of the account's token record or nil.
func (s *TokenStore) ForAccount(accountID ulid.ULID) *auth.RefreshTokenRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.tokens[accountID]; ok {
		cp := *r
		return &cp
	}
	return nil
}

// Len returns the number of stored tokens.
func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// VerificationStore is an in-memory auth.VerificationStore keyed by account.
type VerificationStore struct {
	faults
	mu      sync.Mutex
	records map[ulid.ULID]*auth.VerificationRecord
	now     func() time.Time
}

// NewVerificationStore creates an empty VerificationStore.
func NewVerificationStore() *VerificationStore {
	return &VerificationStore{records: make(map[ulid.ULID]*auth.VerificationRecord), now: time.Now}
}

// Upsert replaces the account's record.
func (s *VerificationStore) Upsert(_ context.Context, record *auth.VerificationRecord) error {
	if err := s.fault("Upsert"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.records[record.AccountID] = &cp
	return nil
}

// GetByAccount retrieves the account's record.
func (s *VerificationStore) GetByAccount(_ context.Context, accountID ulid.ULID) (*auth.VerificationRecord, error) {
	if err := s.fault("GetByAccount"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[accountID]
	if !ok {
		return nil, oops.Code("VERIFICATION_NOT_FOUND").With("account_id", accountID.String()).Wrap(auth.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

// GetByIdentifier retrieves the record addressed to identifier.
func (s *VerificationStore) GetByIdentifier(_ context.Context, identifier string) (*auth.VerificationRecord, error) {
	if err := s.fault("GetByIdentifier"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Identifier == identifier {
			cp := *r
			return &cp, nil
		}
	}
	return nil, oops.Code("VERIFICATION_NOT_FOUND").With("identifier", identifier).Wrap(auth.ErrNotFound)
}

// RecordFailedAttempt increments the attempt counter when the record still holds codeHash.
func (s *VerificationStore) RecordFailedAttempt(_ context.Context, accountID ulid.ULID, codeHash string) (int, error) {
	if err := s.fault("RecordFailedAttempt"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[accountID]
	if !ok || r.CodeHash != codeHash {
		return 0, oops.Code("VERIFICATION_NOT_FOUND").With("account_id", accountID.String()).Wrap(auth.ErrNotFound)
	}
	r.Attempts++
	return r.Attempts, nil
}

// Consume deletes the record when it still holds codeHash.
func (s *VerificationStore) Consume(_ context.Context, accountID ulid.ULID, codeHash string) error {
	if err := s.fault("Consume"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[accountID]
	if !ok || r.CodeHash != codeHash {
		return oops.Code("VERIFICATION_NOT_FOUND").With("account_id", accountID.String()).Wrap(auth.ErrNotFound)
	}
	delete(s.records, accountID)
	return nil
}

// Delete removes the account's record.
func (s *VerificationStore) Delete(_ context.Context, accountID ulid.ULID) error {
	if err := s.fault("Delete"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, accountID)
	return nil
}

// DeleteExpired removes expired records.
func (s *VerificationStore) DeleteExpired(_ context.Context) (int64, error) {
	if err := s.fault("DeleteExpired"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := s.now()
	for id, r := range s.records {
		if r.IsExpiredAt(now) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Record returns a copy of the account's record or nil.
func (s *VerificationStore) Record(accountID ulid.ULID) *auth.VerificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[accountID]; ok {
		cp := *r
		return &cp
	}
	return nil
}

// Compile-time interface checks.
var (
	_ auth.AccountStore      = (*AccountStore)(nil)
	_ auth.TokenStore        = (*TokenStore)(nil)
	_ auth.VerificationStore = (*VerificationStore)(nil)
)
