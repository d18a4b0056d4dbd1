// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solospot/authcore/internal/auth"
	"github.com/solospot/authcore/internal/auth/authtest"
	"github.com/solospot/authcore/pkg/errutil"
)

type tokenFixture struct {
	accounts *authtest.AccountStore
	tokens   *authtest.TokenStore
	clock    *authtest.Clock
	signer   *auth.TokenSigner
	issuer   *auth.TokenIssuer
	account  *auth.Account
}

func newTokenFixture(t *testing.T) *tokenFixture {
	t.Helper()
	f := &tokenFixture{
		accounts: authtest.NewAccountStore(),
		tokens:   authtest.NewTokenStore(),
		clock:    realClock(),
		signer:   newSigner(t),
	}
	issuer, err := auth.NewTokenIssuer(f.tokens, f.accounts, f.signer)
	require.NoError(t, err)
	f.issuer = issuer.WithClock(f.clock.Now)
	f.account = createAccount(t, f.accounts, "a@x.com")
	return f
}

func TestNewTokenSigner_Validation(t *testing.T) {
	_, err := auth.NewTokenSigner(auth.SignerConfig{RefreshSecret: []byte("r")})
	errutil.AssertErrorCode(t, err, "TOKEN_INVALID_CONFIG")

	_, err = auth.NewTokenSigner(auth.SignerConfig{AccessSecret: []byte("a")})
	errutil.AssertErrorCode(t, err, "TOKEN_INVALID_CONFIG")
}

func TestTokenSigner_AccessClaims(t *testing.T) {
	signer := newSigner(t)
	account := &auth.Account{Email: "a@x.com"}
	now := time.Now().Truncate(time.Second)

	raw, expiresAt, err := signer.SignAccess(account, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(auth.DefaultAccessTokenTTL), expiresAt)

	claims, err := signer.ParseAccess(raw)
	require.NoError(t, err)
	assert.Equal(t, account.ID.String(), claims.AccountID)
	assert.Equal(t, account.ID.String(), claims.Subject)
	assert.Equal(t, "a@x.com", claims.Email)
	assert.Equal(t, "authcore-test", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
	assert.True(t, claims.ExpiresAt.Equal(expiresAt))
}

func TestTokenSigner_KeysAreSeparate(t *testing.T) {
	signer := newSigner(t)
	account := &auth.Account{Email: "a@x.com"}
	now := time.Now()

	access, _, err := signer.SignAccess(account, now)
	require.NoError(t, err)
	refresh, _, err := signer.SignRefresh(account, now)
	require.NoError(t, err)

	_, err = signer.ParseRefresh(access)
	errutil.AssertErrorIs(t, err, auth.ErrUnauthorized, "TOKEN_INVALID")

	_, err = signer.ParseAccess(refresh)
	errutil.AssertErrorIs(t, err, auth.ErrUnauthorized, "TOKEN_INVALID")
}

func TestTokenSigner_RefreshTokensAreUnique(t *testing.T) {
	signer := newSigner(t)
	account := &auth.Account{Email: "a@x.com"}
	now := time.Now()

	a, _, err := signer.SignRefresh(account, now)
	require.NoError(t, err)
	b, _, err := signer.SignRefresh(account, now)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestTokenSigner_ParseFailures(t *testing.T) {
	signer := newSigner(t)
	account := &auth.Account{Email: "a@x.com"}

	expired, _, err := signer.SignRefresh(account, time.Now().Add(-auth.DefaultRefreshTokenTTL-time.Minute))
	require.NoError(t, err)
	_, err = signer.ParseRefresh(expired)
	errutil.AssertErrorIs(t, err, auth.ErrExpired, "TOKEN_EXPIRED")

	other, err := auth.NewTokenSigner(auth.SignerConfig{
		AccessSecret:  []byte("other-access"),
		RefreshSecret: []byte("other-refresh"),
		Issuer:        "authcore-test",
	})
	require.NoError(t, err)
	forged, _, err := other.SignRefresh(account, time.Now())
	require.NoError(t, err)
	_, err = signer.ParseRefresh(forged)
	errutil.AssertErrorIs(t, err, auth.ErrUnauthorized, "TOKEN_INVALID")

	_, err = signer.ParseAccess("not.a.jwt")
	errutil.AssertErrorIs(t, err, auth.ErrUnauthorized, "TOKEN_INVALID")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"iss": "authcore-test",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = signer.ParseAccess(unsigned)
	errutil.AssertErrorIs(t, err, auth.ErrUnauthorized, "TOKEN_INVALID")
}

func TestTokenSigner_WithClockChecksExpiryAgainstClock(t *testing.T) {
	clock := authtest.NewClock(time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC))
	signer := newSigner(t).WithClock(clock.Now)
	account := &auth.Account{Email: "a@x.com"}

	// Expired by wall time but live by the signer's clock.
	raw, _, err := signer.SignAccess(account, clock.Now())
	require.NoError(t, err)
	_, err = signer.ParseAccess(raw)
	require.NoError(t, err)

	clock.Advance(auth.DefaultAccessTokenTTL + time.Second)
	_, err = signer.ParseAccess(raw)
	errutil.AssertErrorIs(t, err, auth.ErrExpired, "TOKEN_EXPIRED")
}

func TestTokenIssuer_WithClockExpiresTokens(t *testing.T) {
	ctx := context.Background()
	clock := authtest.NewClock(time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC))
	accounts := authtest.NewAccountStore()
	issuer, err := auth.NewTokenIssuer(authtest.NewTokenStore(), accounts, newSigner(t))
	require.NoError(t, err)
	issuer = issuer.WithClock(clock.Now)
	account := createAccount(t, accounts, "a@x.com")

	pair, err := issuer.Issue(ctx, account)
	require.NoError(t, err)
	_, err = issuer.ParseAccessToken(pair.AccessToken)
	require.NoError(t, err)

	clock.Advance(auth.DefaultAccessTokenTTL + time.Second)
	_, err = issuer.ParseAccessToken(pair.AccessToken)
	errutil.AssertErrorIs(t, err, auth.ErrExpired, "TOKEN_EXPIRED")

	clock.Advance(auth.DefaultRefreshTokenTTL)
	_, err = issuer.Refresh(ctx, pair.RefreshToken)
	errutil.AssertErrorIs(t, err, auth.ErrExpired, "TOKEN_EXPIRED")
}

func TestTokenSigner_RefreshFlagRequired(t *testing.T) {
	signer := newSigner(t)
	claims := auth.RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "authcore-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("refresh-secret-for-tests"))
	require.NoError(t, err)

	_, err = signer.ParseRefresh(raw)
	errutil.AssertErrorIs(t, err, auth.ErrUnauthorized, "TOKEN_INVALID")
}

func TestTokenIssuer_IssueStoresOneToken(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	first, err := f.issuer.Issue(ctx, f.account)
	require.NoError(t, err)
	second, err := f.issuer.Issue(ctx, f.account)
	require.NoError(t, err)

	assert.Equal(t, 1, f.tokens.Len(), "at most one live refresh token per account")
	record := f.tokens.ForAccount(f.account.ID)
	require.NotNil(t, record)
	assert.Equal(t, auth.HashRefreshToken(second.RefreshToken), record.TokenHash)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	_, err = f.issuer.Refresh(ctx, first.RefreshToken)
	errutil.AssertErrorIs(t, err, auth.ErrNotFound, "REFRESH_TOKEN_NOT_FOUND")
}

func TestTokenIssuer_RefreshRotates(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	pair, err := f.issuer.Issue(ctx, f.account)
	require.NoError(t, err)

	rotated, err := f.issuer.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	claims, err := f.issuer.ParseAccessToken(rotated.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, f.account.ID.String(), claims.AccountID)

	_, err = f.issuer.Refresh(ctx, pair.RefreshToken)
	errutil.AssertErrorIs(t, err, auth.ErrNotFound, "REFRESH_TOKEN_NOT_FOUND")

	_, err = f.issuer.Refresh(ctx, rotated.RefreshToken)
	require.NoError(t, err)
}

func TestTokenIssuer_ConcurrentRefreshHasOneWinner(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	pair, err := f.issuer.Issue(ctx, f.account)
	require.NoError(t, err)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.issuer.Refresh(ctx, pair.RefreshToken); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, auth.ErrNotFound)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestTokenIssuer_RefreshRevoked(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	pair, err := f.issuer.Issue(ctx, f.account)
	require.NoError(t, err)

	record := f.tokens.ForAccount(f.account.ID)
	revokedAt := f.clock.Now()
	record.RevokedAt = &revokedAt
	require.NoError(t, f.tokens.UpsertRefreshToken(ctx, record))

	_, err = f.issuer.Refresh(ctx, pair.RefreshToken)
	errutil.AssertErrorIs(t, err, auth.ErrUnauthorized, "REFRESH_TOKEN_REVOKED")
}

func TestTokenIssuer_RefreshExpiredRecord(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	pair, err := f.issuer.Issue(ctx, f.account)
	require.NoError(t, err)

	record := f.tokens.ForAccount(f.account.ID)
	record.ExpiresAt = f.clock.Now().Add(-time.Second)
	require.NoError(t, f.tokens.UpsertRefreshToken(ctx, record))

	_, err = f.issuer.Refresh(ctx, pair.RefreshToken)
	errutil.AssertErrorIs(t, err, auth.ErrExpired, "REFRESH_TOKEN_EXPIRED")
}

func TestTokenIssuer_RefreshDeletedAccount(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	ghost, err := auth.NewAccount("ghost@x.com", "digest")
	require.NoError(t, err)
	pair, err := f.issuer.Issue(ctx, ghost)
	require.NoError(t, err)

	_, err = f.issuer.Refresh(ctx, pair.RefreshToken)
	errutil.AssertErrorIs(t, err, auth.ErrNotFound, "ACCOUNT_NOT_FOUND")
}

func TestTokenIssuer_Revoke(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	pair, err := f.issuer.Issue(ctx, f.account)
	require.NoError(t, err)

	require.NoError(t, f.issuer.Revoke(ctx, pair.RefreshToken))
	assert.Zero(t, f.tokens.Len())

	// Revoking twice, or revoking nothing, is not an error.
	require.NoError(t, f.issuer.Revoke(ctx, pair.RefreshToken))
	require.NoError(t, f.issuer.Revoke(ctx, ""))

	_, err = f.issuer.Refresh(ctx, pair.RefreshToken)
	errutil.AssertErrorIs(t, err, auth.ErrNotFound, "REFRESH_TOKEN_NOT_FOUND")

	f.tokens.FailOn("DeleteByHash", errors.New("timeout"))
	err = f.issuer.Revoke(ctx, pair.RefreshToken)
	errutil.AssertErrorIs(t, err, auth.ErrInternal, "REVOKE_FAILED")
}

func TestTokenIssuer_RevokeAll(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	pair, err := f.issuer.Issue(ctx, f.account)
	require.NoError(t, err)

	require.NoError(t, f.issuer.RevokeAll(ctx, f.account.ID))
	_, err = f.issuer.Refresh(ctx, pair.RefreshToken)
	errutil.AssertErrorIs(t, err, auth.ErrNotFound, "REFRESH_TOKEN_NOT_FOUND")

	f.tokens.FailOn("DeleteByAccount", errors.New("timeout"))
	err = f.issuer.RevokeAll(ctx, f.account.ID)
	errutil.AssertErrorIs(t, err, auth.ErrInternal, "REVOKE_ALL_FAILED")
}

func TestTokenIssuer_IssueStoreFailure(t *testing.T) {
	f := newTokenFixture(t)
	f.tokens.FailOn("UpsertRefreshToken", errors.New("disk full"))

	_, err := f.issuer.Issue(context.Background(), f.account)
	errutil.AssertErrorIs(t, err, auth.ErrInternal, "TOKEN_ISSUE_FAILED")
}

func TestHashRefreshToken(t *testing.T) {
	assert.Equal(t, auth.HashRefreshToken("abc"), auth.HashRefreshToken("abc"))
	assert.NotEqual(t, auth.HashRefreshToken("abc"), auth.HashRefreshToken("abd"))
	assert.Len(t, auth.HashRefreshToken("abc"), 64)
}
