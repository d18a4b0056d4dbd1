// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

//go:build integration

package auth_test

import (
	"context"
	"html"
	"net/url"
	"regexp"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/pquerna/otp/totp"

	"github.com/solospot/authcore/internal/auth"
)

const password = "correct horse battery"

var (
	codePattern = regexp.MustCompile(`<b>([0-9]{6})</b>`)
	hrefPattern = regexp.MustCompile(`href="([^"]+)"`)
)

func lastCode(e *env) string {
	msg, ok := e.sender.Last()
	Expect(ok).To(BeTrue(), "expected a delivered message")
	m := codePattern.FindStringSubmatch(msg.Body)
	Expect(m).To(HaveLen(2), "message body has no code: %s", msg.Body)
	return m[1]
}

func lastLink(e *env) *url.URL {
	msg, ok := e.sender.Last()
	Expect(ok).To(BeTrue(), "expected a delivered message")
	m := hrefPattern.FindStringSubmatch(msg.Body)
	Expect(m).To(HaveLen(2), "message body has no link: %s", msg.Body)
	link, err := url.Parse(html.UnescapeString(m[1]))
	Expect(err).NotTo(HaveOccurred())
	return link
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

var _ = Describe("Authentication flows", func() {
	for _, backend := range []struct {
		name     string
		useRedis bool
	}{
		{"with PostgreSQL verification records", false},
		{"with Redis verification records", true},
	} {
		Context(backend.name, func() {
			var (
				ctx     context.Context
				e       *env
				account *auth.Account
			)

			BeforeEach(func() {
				ctx = context.Background()
				e = newEnv(ctx, backend.useRedis)

				var err error
				account, err = e.svc.Register(ctx, "Ada@Example.com", password)
				Expect(err).NotTo(HaveOccurred())
			})

			Describe("password sessions", func() {
				It("logs in, rotates the refresh token, and logs out", func() {
					result, err := e.svc.Login(ctx, auth.LoginRequest{Email: "ada@example.com", Password: password})
					Expect(err).NotTo(HaveOccurred())
					Expect(result.Account.ID).To(Equal(account.ID))

					claims, err := e.issuer.ParseAccessToken(result.Tokens.AccessToken)
					Expect(err).NotTo(HaveOccurred())
					Expect(claims.AccountID).To(Equal(account.ID.String()))

					rotated, err := e.svc.Refresh(ctx, result.Tokens.RefreshToken)
					Expect(err).NotTo(HaveOccurred())
					Expect(rotated.RefreshToken).NotTo(Equal(result.Tokens.RefreshToken))

					_, err = e.svc.Refresh(ctx, result.Tokens.RefreshToken)
					Expect(err).To(MatchError(auth.ErrNotFound), "a rotated token cannot be replayed")

					Expect(e.svc.Logout(ctx, rotated.RefreshToken)).To(Succeed())
					_, err = e.svc.Refresh(ctx, rotated.RefreshToken)
					Expect(err).To(MatchError(auth.ErrNotFound))
				})

				It("keeps only the newest session per account", func() {
					first, err := e.svc.Login(ctx, auth.LoginRequest{Email: "ada@example.com", Password: password})
					Expect(err).NotTo(HaveOccurred())
					second, err := e.svc.Login(ctx, auth.LoginRequest{Email: "ada@example.com", Password: password})
					Expect(err).NotTo(HaveOccurred())

					_, err = e.svc.Refresh(ctx, first.Tokens.RefreshToken)
					Expect(err).To(MatchError(auth.ErrNotFound))
					_, err = e.svc.Refresh(ctx, second.Tokens.RefreshToken)
					Expect(err).NotTo(HaveOccurred())
				})

				It("lets exactly one of many concurrent refreshes win", func() {
					result, err := e.svc.Login(ctx, auth.LoginRequest{Email: "ada@example.com", Password: password})
					Expect(err).NotTo(HaveOccurred())

					const racers = 8
					var wg sync.WaitGroup
					errs := make(chan error, racers)
					for range racers {
						wg.Add(1)
						go func() {
							defer wg.Done()
							_, err := e.svc.Refresh(ctx, result.Tokens.RefreshToken)
							errs <- err
						}()
					}
					wg.Wait()
					close(errs)

					wins := 0
					for err := range errs {
						if err == nil {
							wins++
						}
					}
					Expect(wins).To(Equal(1))
				})

				It("rejects wrong passwords and unknown accounts the same way", func() {
					_, wrongPassword := e.svc.Login(ctx, auth.LoginRequest{Email: "ada@example.com", Password: "not the password"})
					_, unknown := e.svc.Login(ctx, auth.LoginRequest{Email: "nobody@example.com", Password: password})

					Expect(wrongPassword).To(MatchError(auth.ErrUnauthorized))
					Expect(unknown).To(MatchError(auth.ErrUnauthorized))
					Expect(wrongPassword.Error()).To(Equal(unknown.Error()))
				})

				It("locks the account after repeated failures until the lockout ends", func() {
					for range auth.DefaultLockoutThreshold {
						_, err := e.svc.Login(ctx, auth.LoginRequest{Email: "ada@example.com", Password: "not the password"})
						Expect(err).To(MatchError(auth.ErrUnauthorized))
					}

					_, err := e.svc.Login(ctx, auth.LoginRequest{Email: "ada@example.com", Password: password})
					Expect(err).To(MatchError(auth.ErrRateLimited))

					stored, err := e.accounts.GetByID(ctx, account.ID)
					Expect(err).NotTo(HaveOccurred())
					Expect(stored.FailedLogins).To(Equal(auth.DefaultLockoutThreshold))
					Expect(stored.LockedUntil).NotTo(BeNil())

					// Expire the lockout in place.
					_, err = pool.Exec(ctx, `UPDATE accounts SET locked_until = now() - interval '1 second' WHERE id = $1`, account.ID.String())
					Expect(err).NotTo(HaveOccurred())

					_, err = e.svc.Login(ctx, auth.LoginRequest{Email: "ada@example.com", Password: password})
					Expect(err).NotTo(HaveOccurred())
					stored, err = e.accounts.GetByID(ctx, account.ID)
					Expect(err).NotTo(HaveOccurred())
					Expect(stored.FailedLogins).To(BeZero())
					Expect(stored.LockedUntil).To(BeNil())
				})

				It("ends every session when the password changes", func() {
					result, err := e.svc.Login(ctx, auth.LoginRequest{Email: "ada@example.com", Password: password})
					Expect(err).NotTo(HaveOccurred())

					Expect(e.svc.ChangePassword(ctx, account.ID, password, "a brand new secret")).To(Succeed())

					_, err = e.svc.Refresh(ctx, result.Tokens.RefreshToken)
					Expect(err).To(HaveOccurred())
					_, err = e.svc.Login(ctx, auth.LoginRequest{Email: "ada@example.com", Password: "a brand new secret"})
					Expect(err).NotTo(HaveOccurred())
				})
			})

			Describe("email verification", func() {
				It("verifies the address with the delivered code", func() {
					Expect(e.svc.SendEmailVerification(ctx, account.ID)).To(Succeed())
					code := lastCode(e)

					Expect(e.svc.VerifyEmail(ctx, account.ID, wrongCode(code))).To(MatchError(auth.ErrUnauthorized))
					Expect(e.svc.VerifyEmail(ctx, account.ID, code)).To(Succeed())

					stored, err := e.accounts.GetByID(ctx, account.ID)
					Expect(err).NotTo(HaveOccurred())
					Expect(stored.EmailVerified).To(BeTrue())

					Expect(e.svc.VerifyEmail(ctx, account.ID, code)).To(MatchError(auth.ErrNotFound), "codes are single use")
					Expect(e.svc.SendEmailVerification(ctx, account.ID)).To(MatchError(auth.ErrConflict))
				})

				It("burns the code after too many wrong attempts", func() {
					Expect(e.svc.SendEmailVerification(ctx, account.ID)).To(Succeed())
					code := lastCode(e)

					var err error
					for range auth.DefaultMaxOTPAttempts {
						err = e.svc.VerifyEmail(ctx, account.ID, wrongCode(code))
					}
					Expect(err).To(MatchError(auth.ErrRateLimited))
					Expect(e.svc.VerifyEmail(ctx, account.ID, code)).To(MatchError(auth.ErrNotFound))
				})

				It("replaces an outstanding code when a new one is issued", func() {
					Expect(e.svc.SendEmailVerification(ctx, account.ID)).To(Succeed())
					first := lastCode(e)
					Expect(e.svc.SendEmailVerification(ctx, account.ID)).To(Succeed())
					second := lastCode(e)

					if first != second {
						Expect(e.svc.VerifyEmail(ctx, account.ID, first)).To(MatchError(auth.ErrUnauthorized))
					}
					Expect(e.svc.VerifyEmail(ctx, account.ID, second)).To(Succeed())
				})
			})

			Describe("password reset", func() {
				It("resets the password and revokes existing sessions", func() {
					session, err := e.svc.Login(ctx, auth.LoginRequest{Email: "ada@example.com", Password: password})
					Expect(err).NotTo(HaveOccurred())

					Expect(e.svc.ForgotPassword(ctx, "ADA@example.com")).To(Succeed())
					code := lastCode(e)
					Expect(e.svc.ResetPassword(ctx, "ada@example.com", code, "reset to something else")).To(Succeed())

					_, err = e.svc.Refresh(ctx, session.Tokens.RefreshToken)
					Expect(err).To(HaveOccurred())
					_, err = e.svc.Login(ctx, auth.LoginRequest{Email: "ada@example.com", Password: password})
					Expect(err).To(MatchError(auth.ErrUnauthorized))
					_, err = e.svc.Login(ctx, auth.LoginRequest{Email: "ada@example.com", Password: "reset to something else"})
					Expect(err).NotTo(HaveOccurred())
				})

				It("reveals nothing for unknown addresses", func() {
					Expect(e.svc.ForgotPassword(ctx, "nobody@example.com")).To(Succeed())
					Expect(e.sender.Messages()).To(BeEmpty())
				})

				It("does not accept an email verification code for a reset", func() {
					Expect(e.svc.SendEmailVerification(ctx, account.ID)).To(Succeed())
					code := lastCode(e)

					err := e.svc.ResetPassword(ctx, "ada@example.com", code, "reset to something else")
					Expect(err).To(MatchError(auth.ErrNotFound))
				})
			})

			Describe("two-factor authentication", func() {
				It("requires a TOTP code once enabled and accepts each recovery code once", func() {
					setup, err := e.svc.SetupTwoFactor(ctx, "ada@example.com")
					Expect(err).NotTo(HaveOccurred())
					Expect(setup.RecoveryCodes).NotTo(BeEmpty())

					code, err := totp.GenerateCode(setup.Secret, time.Now())
					Expect(err).NotTo(HaveOccurred())
					Expect(e.svc.VerifyTwoFactor(ctx, "ada@example.com", code)).To(Succeed())

					stored, err := e.accounts.GetByID(ctx, account.ID)
					Expect(err).NotTo(HaveOccurred())
					Expect(stored.TwoFactorEnabled).To(BeTrue())
					Expect(stored.TwoFactorSecret).NotTo(ContainSubstring(setup.Secret), "secret is encrypted at rest")

					_, err = e.svc.Login(ctx, auth.LoginRequest{Email: "ada@example.com", Password: password})
					Expect(err).To(MatchError(auth.ErrUnauthorized))

					code, err = totp.GenerateCode(setup.Secret, time.Now())
					Expect(err).NotTo(HaveOccurred())
					_, err = e.svc.Login(ctx, auth.LoginRequest{Email: "ada@example.com", Password: password, TOTPCode: code})
					Expect(err).NotTo(HaveOccurred())

					recovery := setup.RecoveryCodes[0]
					pair, err := e.svc.RecoveryLogin(ctx, "ada@example.com", recovery)
					Expect(err).NotTo(HaveOccurred())
					Expect(pair.AccessToken).NotTo(BeEmpty())

					_, err = e.svc.RecoveryLogin(ctx, "ada@example.com", recovery)
					Expect(err).To(MatchError(auth.ErrUnauthorized))
				})
			})

			Describe("magic links", func() {
				It("signs in once with the emailed link", func() {
					Expect(e.svc.RequestMagicLink(ctx, "ada@example.com")).To(Succeed())
					link := lastLink(e)
					Expect(link.Host).To(Equal("app.example.com"))

					token := link.Query().Get("token")
					email := link.Query().Get("email")
					Expect(token).NotTo(BeEmpty())
					Expect(email).To(Equal("ada@example.com"))

					result, err := e.svc.CompleteMagicLink(ctx, email, token)
					Expect(err).NotTo(HaveOccurred())
					Expect(result.Account.ID).To(Equal(account.ID))

					_, err = e.svc.CompleteMagicLink(ctx, email, token)
					Expect(err).To(MatchError(auth.ErrNotFound))
				})

				It("opens one session when the link is followed concurrently", func() {
					Expect(e.svc.RequestMagicLink(ctx, "ada@example.com")).To(Succeed())
					link := lastLink(e)
					token, email := link.Query().Get("token"), link.Query().Get("email")

					const racers = 6
					var wg sync.WaitGroup
					errs := make(chan error, racers)
					for range racers {
						wg.Add(1)
						go func() {
							defer wg.Done()
							_, err := e.svc.CompleteMagicLink(ctx, email, token)
							errs <- err
						}()
					}
					wg.Wait()
					close(errs)

					wins := 0
					for err := range errs {
						if err == nil {
							wins++
						}
					}
					Expect(wins).To(Equal(1))
				})

				It("sends nothing for unknown addresses", func() {
					Expect(e.svc.RequestMagicLink(ctx, "nobody@example.com")).To(Succeed())
					Expect(e.sender.Messages()).To(BeEmpty())
				})
			})
		})
	}
})

var _ = Describe("Sweeping", func() {
	It("purges expired verification records and refresh tokens", func() {
		ctx := context.Background()
		e := newEnv(ctx, false)

		account, err := e.svc.Register(ctx, "grace@example.com", password)
		Expect(err).NotTo(HaveOccurred())
		record, err := auth.NewVerificationRecord(account.ID, account.Email, "hash", auth.ReasonPasswordReset, time.Now().Add(-time.Minute))
		Expect(err).NotTo(HaveOccurred())
		Expect(e.verifications.Upsert(ctx, record)).To(Succeed())

		sweeper, err := auth.NewSweeper(e.verifications, e.tokens, time.Hour, nil)
		Expect(err).NotTo(HaveOccurred())
		result, err := sweeper.RunOnce(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Verifications).To(Equal(int64(1)))

		_, err = e.verifications.GetByAccount(ctx, account.ID)
		Expect(err).To(MatchError(auth.ErrNotFound))
	})
})
