// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/oklog/ulid/v2"

	"github.com/solospot/authcore/internal/auth"
	"github.com/solospot/authcore/internal/auth/postgres"
)

func newAccount(ctx context.Context, repo *postgres.AccountRepository, email string) *auth.Account {
	account, err := auth.NewAccount(email, "$argon2id$v=19$m=1024,t=1,p=1$c2FsdA$aGFzaA")
	Expect(err).NotTo(HaveOccurred())
	Expect(repo.Create(ctx, account)).To(Succeed())
	return account
}

var _ = Describe("AccountRepository", func() {
	var (
		ctx      context.Context
		accounts *postgres.AccountRepository
	)

	BeforeEach(func() {
		ctx = context.Background()
		truncate(ctx)
		accounts = postgres.NewAccountRepository(pool)
	})

	It("round-trips an account", func() {
		created := newAccount(ctx, accounts, "alice@example.com")

		byEmail, err := accounts.GetByEmail(ctx, "alice@example.com")
		Expect(err).NotTo(HaveOccurred())
		Expect(byEmail.ID).To(Equal(created.ID))
		Expect(byEmail.Role).To(Equal(auth.RoleUser))
		Expect(byEmail.RecoveryCodes).To(BeEmpty())

		byID, err := accounts.GetByID(ctx, created.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(byID.Email).To(Equal("alice@example.com"))
	})

	It("rejects a duplicate email as a conflict", func() {
		newAccount(ctx, accounts, "bob@example.com")

		dup, err := auth.NewAccount("bob@example.com", "hash")
		Expect(err).NotTo(HaveOccurred())
		err = accounts.Create(ctx, dup)
		Expect(errors.Is(err, auth.ErrConflict)).To(BeTrue())
	})

	It("reports missing accounts as not found", func() {
		_, err := accounts.GetByID(ctx, ulid.Make())
		Expect(errors.Is(err, auth.ErrNotFound)).To(BeTrue())

		err = accounts.UpdatePasswordHash(ctx, ulid.Make(), "hash")
		Expect(errors.Is(err, auth.ErrNotFound)).To(BeTrue())
	})

	It("stamps and clears the verification time", func() {
		account := newAccount(ctx, accounts, "carol@example.com")

		Expect(accounts.SetEmailVerified(ctx, account.ID, true)).To(Succeed())
		got, err := accounts.GetByID(ctx, account.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.EmailVerified).To(BeTrue())
		Expect(got.EmailVerifiedAt).NotTo(BeNil())

		Expect(accounts.SetEmailVerified(ctx, account.ID, false)).To(Succeed())
		got, err = accounts.GetByID(ctx, account.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.EmailVerified).To(BeFalse())
		Expect(got.EmailVerifiedAt).To(BeNil())
	})

	It("consumes each recovery code exactly once under contention", func() {
		account := newAccount(ctx, accounts, "dave@example.com")
		Expect(accounts.SetTwoFactorSecret(ctx, account.ID, "ciphertext")).To(Succeed())
		Expect(accounts.SetRecoveryCodes(ctx, account.ID, []string{"d1", "d2", "d3"})).To(Succeed())

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer GinkgoRecover()
				ok, err := accounts.ConsumeRecoveryCode(ctx, account.ID, "d2")
				Expect(err).NotTo(HaveOccurred())
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		Expect(wins).To(Equal(1))
		got, err := accounts.GetByID(ctx, account.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.RecoveryCodes).To(Equal([]string{"d1", "d3"}))
		Expect(got.TwoFactor()).To(Equal(auth.TwoFactorProvisioned))
	})
})

var _ = Describe("RefreshTokenRepository", func() {
	var (
		ctx     context.Context
		account *auth.Account
		tokens  *postgres.RefreshTokenRepository
	)

	BeforeEach(func() {
		ctx = context.Background()
		truncate(ctx)
		account = newAccount(ctx, postgres.NewAccountRepository(pool), "erin@example.com")
		tokens = postgres.NewRefreshTokenRepository(pool)
	})

	record := func(hash string, expires time.Time) *auth.RefreshTokenRecord {
		return &auth.RefreshTokenRecord{
			ID:        ulid.Make(),
			AccountID: account.ID,
			TokenHash: hash,
			ExpiresAt: expires,
			CreatedAt: time.Now(),
		}
	}

	It("keeps one token per account", func() {
		Expect(tokens.UpsertRefreshToken(ctx, record("first", time.Now().Add(time.Hour)))).To(Succeed())
		Expect(tokens.UpsertRefreshToken(ctx, record("second", time.Now().Add(time.Hour)))).To(Succeed())

		_, err := tokens.GetRefreshTokenByHash(ctx, "first")
		Expect(errors.Is(err, auth.ErrNotFound)).To(BeTrue())

		got, err := tokens.GetRefreshTokenByHash(ctx, "second")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.AccountID).To(Equal(account.ID))
		Expect(got.IsRevoked()).To(BeFalse())
	})

	It("lets exactly one concurrent delete win", func() {
		Expect(tokens.UpsertRefreshToken(ctx, record("contested", time.Now().Add(time.Hour)))).To(Succeed())

		results := make(chan error, 4)
		for range 4 {
			go func() { results <- tokens.DeleteByHash(ctx, "contested") }()
		}

		var ok, notFound int
		for range 4 {
			err := <-results
			switch {
			case err == nil:
				ok++
			case errors.Is(err, auth.ErrNotFound):
				notFound++
			}
		}
		Expect(ok).To(Equal(1))
		Expect(notFound).To(Equal(3))
	})

	It("sweeps expired tokens and cascades account deletion", func() {
		Expect(tokens.UpsertRefreshToken(ctx, record("stale", time.Now().Add(-time.Minute)))).To(Succeed())

		n, err := tokens.DeleteExpired(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(1)))

		Expect(tokens.UpsertRefreshToken(ctx, record("live", time.Now().Add(time.Hour)))).To(Succeed())
		_, err = pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, account.ID.String())
		Expect(err).NotTo(HaveOccurred())

		_, err = tokens.GetRefreshTokenByHash(ctx, "live")
		Expect(errors.Is(err, auth.ErrNotFound)).To(BeTrue())
	})
})

var _ = Describe("VerificationRepository", func() {
	var (
		ctx     context.Context
		account *auth.Account
		repo    *postgres.VerificationRepository
	)

	BeforeEach(func() {
		ctx = context.Background()
		truncate(ctx)
		account = newAccount(ctx, postgres.NewAccountRepository(pool), "frank@example.com")
		repo = postgres.NewVerificationRepository(pool)
	})

	It("replaces the outstanding record on upsert", func() {
		first, err := auth.NewVerificationRecord(account.ID, account.Email, "h1", auth.ReasonEmailVerification, time.Now().Add(time.Hour))
		Expect(err).NotTo(HaveOccurred())
		first.Attempts = 3
		Expect(repo.Upsert(ctx, first)).To(Succeed())

		second, err := auth.NewVerificationRecord(account.ID, account.Email, "h2", auth.ReasonPasswordReset, time.Now().Add(time.Hour))
		Expect(err).NotTo(HaveOccurred())
		Expect(repo.Upsert(ctx, second)).To(Succeed())

		got, err := repo.GetByAccount(ctx, account.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.CodeHash).To(Equal("h2"))
		Expect(got.Reason).To(Equal(auth.ReasonPasswordReset))
		Expect(got.Attempts).To(BeZero())

		byIdentifier, err := repo.GetByIdentifier(ctx, account.Email)
		Expect(err).NotTo(HaveOccurred())
		Expect(byIdentifier.AccountID).To(Equal(account.ID))
	})

	It("counts failed attempts and consumes only the current digest", func() {
		record, err := auth.NewVerificationRecord(account.ID, account.Email, "h1", auth.ReasonPasswordReset, time.Now().Add(time.Hour))
		Expect(err).NotTo(HaveOccurred())
		Expect(repo.Upsert(ctx, record)).To(Succeed())

		attempts, err := repo.RecordFailedAttempt(ctx, account.ID, "h1")
		Expect(err).NotTo(HaveOccurred())
		Expect(attempts).To(Equal(1))

		_, err = repo.RecordFailedAttempt(ctx, account.ID, "other")
		Expect(errors.Is(err, auth.ErrNotFound)).To(BeTrue())
		Expect(errors.Is(repo.Consume(ctx, account.ID, "other"), auth.ErrNotFound)).To(BeTrue())

		Expect(repo.Consume(ctx, account.ID, "h1")).To(Succeed())
		Expect(errors.Is(repo.Consume(ctx, account.ID, "h1"), auth.ErrNotFound)).To(BeTrue())

		_, err = repo.RecordFailedAttempt(ctx, account.ID, "h1")
		Expect(errors.Is(err, auth.ErrNotFound)).To(BeTrue())
		_, err = repo.GetByAccount(ctx, account.ID)
		Expect(errors.Is(err, auth.ErrNotFound)).To(BeTrue(), "a failed attempt never recreates a consumed record")
	})

	It("deletes idempotently and sweeps expired records", func() {
		Expect(repo.Delete(ctx, account.ID)).To(Succeed())

		stale, err := auth.NewVerificationRecord(account.ID, account.Email, "h", auth.ReasonPasswordlessLogin, time.Now().Add(-time.Second))
		Expect(err).NotTo(HaveOccurred())
		Expect(repo.Upsert(ctx, stale)).To(Succeed())

		n, err := repo.DeleteExpired(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(1)))

		_, err = repo.GetByAccount(ctx, account.ID)
		Expect(errors.Is(err, auth.ErrNotFound)).To(BeTrue())
	})
})
