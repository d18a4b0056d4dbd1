// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/solospot/authcore/pkg/errutil"
)

var tracer = otel.Tracer("authcore/auth")

// ServiceDeps are the collaborators of a Service.
type ServiceDeps struct {
	Accounts    AccountStore
	Hasher      PasswordHasher
	Credentials *CredentialManager
	OTP         *OTPManager
	TwoFactor   *TwoFactorManager
	Tokens      *TokenIssuer
	Sender      NotificationSender
	// MagicLinkURL is the callback page that receives token and email query parameters.
	MagicLinkURL string
	// Verifications resolves magic-link records by email.
	Verifications VerificationStore
	// AllowedEmailDomains limits registration to matching domains. Empty allows all.
	AllowedEmailDomains []string
	// Lockout bounds consecutive failed sign-ins per account.
	Lockout LockoutPolicy
	// Now is the clock for lockout decisions. Defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// Service composes the credential, code, second-factor, and token managers into
// the externally visible authentication flows.
type Service struct {
	accounts      AccountStore
	verifications VerificationStore
	hasher        PasswordHasher
	credentials   *CredentialManager
	otp           *OTPManager
	twoFactor     *TwoFactorManager
	tokens        *TokenIssuer
	sender        NotificationSender
	magicLinkURL  *url.URL
	domains       *EmailDomainPolicy
	dummyHash     string
	lockout       LockoutPolicy
	now           func() time.Time
	logger        *slog.Logger
}

// LoginRequest carries login credentials. TOTPCode is required once the
// account's second factor is enabled.
type LoginRequest struct {
	Email    string
	Password string
	TOTPCode string
}

// LoginResult is a successful login.
type LoginResult struct {
	Account *Account
	Tokens  *TokenPair
}

// NewService creates a new Service.
func NewService(deps ServiceDeps) (*Service, error) {
	switch {
	case deps.Accounts == nil:
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("account store is required")
	case deps.Verifications == nil:
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("verification store is required")
	case deps.Hasher == nil:
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("password hasher is required")
	case deps.Credentials == nil:
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("credential manager is required")
	case deps.OTP == nil:
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("otp manager is required")
	case deps.TwoFactor == nil:
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("two-factor manager is required")
	case deps.Tokens == nil:
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("token issuer is required")
	case deps.Sender == nil:
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("notification sender is required")
	}

	link, err := url.Parse(deps.MagicLinkURL)
	if err != nil || !link.IsAbs() {
		return nil, oops.Code("AUTH_INVALID_CONFIG").
			With("magic_link_url", deps.MagicLinkURL).
			Errorf("magic link URL must be absolute")
	}

	domains, err := NewEmailDomainPolicy(deps.AllowedEmailDomains)
	if err != nil {
		return nil, err
	}

	lockout, err := deps.Lockout.withDefaults()
	if err != nil {
		return nil, err
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	// Unknown accounts are checked against a digest with the same cost as real ones.
	dummy, err := deps.Hasher.Hash(ulid.Make().String())
	if err != nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").With("operation", "hash dummy password").Wrap(err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		accounts:      deps.Accounts,
		verifications: deps.Verifications,
		hasher:        deps.Hasher,
		credentials:   deps.Credentials,
		otp:           deps.OTP,
		twoFactor:     deps.TwoFactor,
		tokens:        deps.Tokens,
		sender:        deps.Sender,
		magicLinkURL:  link,
		domains:       domains,
		dummyHash:     dummy,
		lockout:       lockout,
		now:           now,
		logger:        logger,
	}, nil
}

// observe opens a span for a flow and returns the function that closes it,
// recording the outcome metric and logging infrastructure failures.
func (s *Service) observe(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, span := tracer.Start(ctx, "auth."+operation, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		err := *errp
		recordOperation(operation, err)
		if err != nil {
			kind := KindOf(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, string(kind))
			if kind == KindInternal || kind == KindTamperDetected {
				errutil.LogError(ctx, s.logger, "authentication flow failed", err, "operation", operation)
			}
		}
		span.End()
	}
}

// Register creates an account with a hashed password.
func (s *Service) Register(ctx context.Context, email, password string) (_ *Account, err error) {
	ctx, done := s.observe(ctx, "register")
	defer done(&err)

	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	email, err = NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if !s.domains.Allows(email) {
		return nil, oops.Code("REGISTER_DOMAIN_NOT_ALLOWED").
			With("email", email).
			Wrapf(ErrInvalidInput, "email domain is not accepted for registration")
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, oops.Code("REGISTER_FAILED").With("operation", "hash").Wrap(internal(err))
	}
	account, err := NewAccount(email, hash)
	if err != nil {
		return nil, err
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, oops.Code("ACCOUNT_EXISTS").With("email", account.Email).Wrap(ErrConflict)
		}
		return nil, oops.Code("REGISTER_FAILED").With("operation", "create account").Wrap(internal(err))
	}
	return account, nil
}

// Login authenticates with email and password and mints a session.
// Unknown emails and wrong passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, req LoginRequest) (_ *LoginResult, err error) {
	ctx, done := s.observe(ctx, "login")
	defer done(&err)

	email, err := NormalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}

	account, lookupErr := s.accounts.GetByEmail(ctx, email)
	targetHash := s.dummyHash
	switch {
	case lookupErr == nil:
		targetHash = account.PasswordHash
	case !errors.Is(lookupErr, ErrNotFound):
		return nil, oops.Code("AUTH_LOGIN_FAILED").With("operation", "get account by email").Wrap(internal(lookupErr))
	}

	// Always verify so response time does not reveal whether the account exists.
	valid := s.hasher.Verify(req.Password, targetHash)
	if lookupErr != nil {
		return nil, oops.Code("AUTH_INVALID_CREDENTIALS").Wrapf(ErrUnauthorized, "invalid email or password")
	}
	if !valid {
		s.recordFailure(ctx, account)
		return nil, oops.Code("AUTH_INVALID_CREDENTIALS").Wrapf(ErrUnauthorized, "invalid email or password")
	}

	// Checked after verification so a lock does not reveal that the account exists.
	if err := s.checkLockout(account); err != nil {
		return nil, err
	}

	if account.TwoFactorEnabled {
		if req.TOTPCode == "" {
			return nil, oops.Code("AUTH_TWO_FACTOR_REQUIRED").
				With("account_id", account.ID.String()).
				Wrapf(ErrUnauthorized, "two-factor code required")
		}
		if err := s.twoFactor.Check(account, req.TOTPCode); err != nil {
			if errors.Is(err, ErrUnauthorized) {
				s.recordFailure(ctx, account)
			}
			return nil, err
		}
	}
	s.resetFailures(ctx, account)

	if s.hasher.NeedsUpgrade(account.PasswordHash) {
		s.upgradeHash(ctx, account, req.Password)
	}

	pair, err := s.tokens.Issue(ctx, account)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Account: account, Tokens: pair}, nil
}

// upgradeHash rehashes the password with current parameters. Login succeeds regardless.
func (s *Service) upgradeHash(ctx context.Context, account *Account, password string) {
	hash, err := s.hasher.Hash(password)
	if err == nil {
		err = s.accounts.UpdatePasswordHash(ctx, account.ID, hash)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "best-effort password rehash failed",
			"operation", "upgrade password hash",
			"account_id", account.ID.String(),
			"error", err)
		return
	}
	account.PasswordHash = hash
}

// Refresh rotates a refresh token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (_ *TokenPair, err error) {
	ctx, done := s.observe(ctx, "refresh")
	defer done(&err)

	return s.tokens.Refresh(ctx, refreshToken)
}

// Logout revokes a refresh token. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, refreshToken string) (err error) {
	ctx, done := s.observe(ctx, "logout")
	defer done(&err)

	return s.tokens.Revoke(ctx, refreshToken)
}

// ChangePassword replaces an authenticated account's password and ends all its sessions.
func (s *Service) ChangePassword(ctx context.Context, accountID ulid.ULID, oldPassword, newPassword string) (err error) {
	ctx, done := s.observe(ctx, "change_password", attribute.String("account.id", accountID.String()))
	defer done(&err)

	return s.credentials.ChangePassword(ctx, accountID, oldPassword, newPassword)
}

// SendEmailVerification issues and delivers an email verification code.
func (s *Service) SendEmailVerification(ctx context.Context, accountID ulid.ULID) (err error) {
	ctx, done := s.observe(ctx, "send_email_verification", attribute.String("account.id", accountID.String()))
	defer done(&err)

	account, err := s.getAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account.EmailVerified {
		return oops.Code("EMAIL_ALREADY_VERIFIED").With("account_id", accountID.String()).Wrap(ErrConflict)
	}

	code, _, err := s.otp.Issue(ctx, account.ID, account.Email, ReasonEmailVerification)
	if err != nil {
		return err
	}
	return s.otp.Deliver(ctx, account.Email, code, ReasonEmailVerification)
}

// VerifyEmail checks an email verification code and marks the address verified.
func (s *Service) VerifyEmail(ctx context.Context, accountID ulid.ULID, code string) (err error) {
	ctx, done := s.observe(ctx, "verify_email", attribute.String("account.id", accountID.String()))
	defer done(&err)

	if err := s.otp.Verify(ctx, accountID, code, ReasonEmailVerification); err != nil {
		return err
	}
	if err := s.accounts.SetEmailVerified(ctx, accountID, true); err != nil {
		return oops.Code("VERIFY_EMAIL_FAILED").
			With("operation", "set email verified").
			With("account_id", accountID.String()).
			Wrap(internal(err))
	}
	return nil
}

// ForgotPassword issues and delivers a password reset code. Unknown emails
// succeed without sending anything so the response does not reveal account existence.
func (s *Service) ForgotPassword(ctx context.Context, email string) (err error) {
	ctx, done := s.observe(ctx, "forgot_password")
	defer done(&err)

	account, err := s.findByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	code, _, err := s.otp.Issue(ctx, account.ID, account.Email, ReasonPasswordReset)
	if err != nil {
		return err
	}
	return s.otp.Deliver(ctx, account.Email, code, ReasonPasswordReset)
}

// ResetPassword sets a new password after checking a password reset code.
// Every session of the account is revoked.
func (s *Service) ResetPassword(ctx context.Context, email, code, newPassword string) (err error) {
	ctx, done := s.observe(ctx, "reset_password")
	defer done(&err)

	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	account, err := s.findByEmail(ctx, email)
	if err != nil {
		return err
	}
	if err := s.otp.Verify(ctx, account.ID, code, ReasonPasswordReset); err != nil {
		return err
	}
	return s.credentials.SetPassword(ctx, account.ID, newPassword)
}

// SetupTwoFactor provisions a TOTP secret and recovery codes.
func (s *Service) SetupTwoFactor(ctx context.Context, email string) (_ *TwoFactorSetup, err error) {
	ctx, done := s.observe(ctx, "setup_two_factor")
	defer done(&err)

	return s.twoFactor.Setup(ctx, email)
}

// VerifyTwoFactor checks a TOTP code and enables the second factor.
func (s *Service) VerifyTwoFactor(ctx context.Context, email, code string) (err error) {
	ctx, done := s.observe(ctx, "verify_two_factor")
	defer done(&err)

	return s.twoFactor.Verify(ctx, email, code)
}

// RecoveryLogin signs in with a single-use recovery code.
func (s *Service) RecoveryLogin(ctx context.Context, email, code string) (_ *TokenPair, err error) {
	ctx, done := s.observe(ctx, "recovery_login")
	defer done(&err)

	account, err := s.accounts.GetByEmail(ctx, normalizeForLookup(email))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, oops.Code("RECOVERY_CODE_FAILED").With("operation", "get account by email").Wrap(internal(err))
	}
	if account != nil {
		if err := s.checkLockout(account); err != nil {
			return nil, err
		}
	}

	pair, err := s.twoFactor.UseRecoveryCode(ctx, email, code)
	if account == nil {
		return pair, err
	}
	switch {
	case err == nil:
		s.resetFailures(ctx, account)
	case errors.Is(err, ErrUnauthorized):
		s.recordFailure(ctx, account)
	}
	return pair, err
}

// normalizeForLookup returns the normalized email, or the input when it is
// malformed so the downstream manager reports the validation error.
func normalizeForLookup(email string) string {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return email
	}
	return normalized
}

func (s *Service) checkLockout(account *Account) error {
	now := s.now()
	status := s.lockout.Check(account.LockedUntil, now)
	if !status.Locked {
		return nil
	}
	return oops.Code("AUTH_ACCOUNT_LOCKED").
		With("account_id", account.ID.String()).
		With("locked_until", account.LockedUntil.UTC().Format(time.RFC3339)).
		With("retry_after", status.Remaining.Round(time.Second).String()).
		Wrapf(ErrRateLimited, "account is temporarily locked")
}

// recordFailure counts a failed sign-in. The response to the caller is the
// same whether or not the count was stored.
func (s *Service) recordFailure(ctx context.Context, account *Account) {
	failures, lockedUntil, err := s.accounts.RecordLoginFailure(ctx, account.ID,
		s.lockout.Threshold, s.lockout.LockUntil(s.now()))
	if err != nil {
		s.logger.WarnContext(ctx, "failed to record login failure",
			"account_id", account.ID.String(), "error", err)
		return
	}
	if failures >= s.lockout.Threshold && lockedUntil != nil {
		s.logger.InfoContext(ctx, "account locked after repeated sign-in failures",
			"account_id", account.ID.String(), "failures", failures,
			"locked_until", lockedUntil.UTC().Format(time.RFC3339))
	}
}

func (s *Service) resetFailures(ctx context.Context, account *Account) {
	if account.FailedLogins == 0 && account.LockedUntil == nil {
		return
	}
	if err := s.accounts.ResetLoginFailures(ctx, account.ID); err != nil {
		s.logger.WarnContext(ctx, "failed to reset login failures",
			"account_id", account.ID.String(), "error", err)
		return
	}
	account.FailedLogins = 0
	account.LockedUntil = nil
}

// RequestMagicLink issues a single-use login token and sends it as a link.
// Unknown emails succeed without sending anything.
func (s *Service) RequestMagicLink(ctx context.Context, email string) (err error) {
	ctx, done := s.observe(ctx, "request_magic_link")
	defer done(&err)

	account, err := s.findByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	token, _, err := s.otp.IssueToken(ctx, account.ID, account.Email, ReasonPasswordlessLogin)
	if err != nil {
		return err
	}

	link := *s.magicLinkURL
	q := link.Query()
	q.Set("token", token)
	q.Set("email", account.Email)
	link.RawQuery = q.Encode()

	body, err := renderMagicLink(link.String(), s.otp.Expiry())
	if err != nil {
		return oops.Code("MAGIC_LINK_FAILED").With("operation", "render").Wrap(internal(err))
	}
	if err := s.sender.Send(ctx, account.Email, SubjectMagicLink, body); err != nil {
		return oops.Code("MAGIC_LINK_DELIVERY_FAILED").
			With("operation", "send").
			With("account_id", account.ID.String()).
			Wrap(internal(err))
	}
	return nil
}

// CompleteMagicLink exchanges a magic-link token for a session. The token is
// subject to the same expiry and attempt limits as one-time codes.
func (s *Service) CompleteMagicLink(ctx context.Context, email, token string) (_ *LoginResult, err error) {
	ctx, done := s.observe(ctx, "complete_magic_link")
	defer done(&err)

	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	record, err := s.verifications.GetByIdentifier(ctx, normalized)
	if errors.Is(err, ErrNotFound) {
		return nil, oops.Code("MAGIC_LINK_NOT_FOUND").Wrap(ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("MAGIC_LINK_FAILED").With("operation", "get verification by identifier").Wrap(internal(err))
	}

	if err := s.otp.Verify(ctx, record.AccountID, token, ReasonPasswordlessLogin); err != nil {
		return nil, err
	}

	account, err := s.getAccount(ctx, record.AccountID)
	if err != nil {
		return nil, err
	}
	pair, err := s.tokens.Issue(ctx, account)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Account: account, Tokens: pair}, nil
}

func (s *Service) getAccount(ctx context.Context, id ulid.ULID) (*Account, error) {
	account, err := s.accounts.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With("account_id", id.String()).Wrap(ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("AUTH_LOOKUP_FAILED").With("operation", "get account by id").Wrap(internal(err))
	}
	return account, nil
}

func (s *Service) findByEmail(ctx context.Context, email string) (*Account, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	account, err := s.accounts.GetByEmail(ctx, normalized)
	if errors.Is(err, ErrNotFound) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With("email", normalized).Wrap(ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("AUTH_LOOKUP_FAILED").With("operation", "get account by email").Wrap(internal(err))
	}
	return account, nil
}
