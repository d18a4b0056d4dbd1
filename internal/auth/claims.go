// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Token lifetimes.
const (
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
	DefaultTokenIssuer     = "authcore"
)

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	AccountID string `json:"accountId"`
	Email     string `json:"email"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of a refresh token.
type RefreshClaims struct {
	AccountID string `json:"accountId"`
	Email     string `json:"email"`
	IsRefresh bool   `json:"isRefresh"`
	jwt.RegisteredClaims
}

// SignerConfig holds the keys and lifetimes of a TokenSigner.
type SignerConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// TokenSigner mints and parses HS256 JWTs. Access and refresh tokens use separate keys.
type TokenSigner struct {
	cfg    SignerConfig
	parser *jwt.Parser
}

// NewTokenSigner creates a signer, applying default lifetimes and issuer.
func NewTokenSigner(cfg SignerConfig) (*TokenSigner, error) {
	if len(cfg.AccessSecret) == 0 {
		return nil, oops.Code("TOKEN_INVALID_CONFIG").Errorf("access token secret is required")
	}
	if len(cfg.RefreshSecret) == 0 {
		return nil, oops.Code("TOKEN_INVALID_CONFIG").Errorf("refresh token secret is required")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTokenTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTokenTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultTokenIssuer
	}

	return newTokenSigner(cfg, time.Now), nil
}

func newTokenSigner(cfg SignerConfig, now func() time.Time) *TokenSigner {
	return &TokenSigner{
		cfg: cfg,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(now),
		),
	}
}

// WithClock returns a copy of the signer that checks expiry against now.
func (s *TokenSigner) WithClock(now func() time.Time) *TokenSigner {
	return newTokenSigner(s.cfg, now)
}

// SignAccess mints an access token for the account valid from now.
func (s *TokenSigner) SignAccess(account *Account, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(s.cfg.AccessTTL)
	claims := AccessClaims{
		AccountID:        account.ID.String(),
		Email:            account.Email,
		RegisteredClaims: s.registered(account, now, expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.AccessSecret)
	if err != nil {
		return "", time.Time{}, oops.Code("TOKEN_SIGN_FAILED").With("kind", "access").Wrap(err)
	}
	return signed, expiresAt, nil
}

// SignRefresh mints a refresh token for the account valid from now.
// Each token carries a unique ID so that two tokens minted in the same second differ.
func (s *TokenSigner) SignRefresh(account *Account, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(s.cfg.RefreshTTL)
	claims := RefreshClaims{
		AccountID:        account.ID.String(),
		Email:            account.Email,
		IsRefresh:        true,
		RegisteredClaims: s.registered(account, now, expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.RefreshSecret)
	if err != nil {
		return "", time.Time{}, oops.Code("TOKEN_SIGN_FAILED").With("kind", "refresh").Wrap(err)
	}
	return signed, expiresAt, nil
}

func (s *TokenSigner) registered(account *Account, now, expiresAt time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		ID:        ulid.Make().String(),
		Subject:   account.ID.String(),
		Issuer:    s.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
}

// ParseAccess verifies an access token and returns its claims.
func (s *TokenSigner) ParseAccess(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := s.parse(raw, claims, s.cfg.AccessSecret); err != nil {
		return nil, err
	}
	return claims, nil
}

// ParseRefresh verifies a refresh token and returns its claims.
func (s *TokenSigner) ParseRefresh(raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := s.parse(raw, claims, s.cfg.RefreshSecret); err != nil {
		return nil, err
	}
	if !claims.IsRefresh {
		return nil, oops.Code("TOKEN_INVALID").Wrapf(ErrUnauthorized, "not a refresh token")
	}
	return claims, nil
}

func (s *TokenSigner) parse(raw string, claims jwt.Claims, key []byte) error {
	_, err := s.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return key, nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return oops.Code("TOKEN_EXPIRED").Wrapf(ErrExpired, "token has expired")
	default:
		return oops.Code("TOKEN_INVALID").With("cause", err.Error()).Wrap(ErrUnauthorized)
	}
}
