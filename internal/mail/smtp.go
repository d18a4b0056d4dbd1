// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

// Package mail delivers auth notifications over SMTP or to a console writer.
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/solospot/authcore/internal/auth"
)

// Default SMTP delivery settings.
const (
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 500 * time.Millisecond
)

// SendFunc delivers msg over SMTP. Implementations must stop when ctx ends.
type SendFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPConfig configures an SMTPSender.
type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	MaxRetries uint64
	// Backoff is the first retry delay; later delays double.
	Backoff time.Duration
}

// SMTPSender sends HTML messages through an SMTP relay, retrying transient
// failures with exponential backoff. 5xx replies are permanent and not retried.
type SMTPSender struct {
	cfg    SMTPConfig
	from   *mail.Address
	send   SendFunc
	now    func() time.Time
	logger *slog.Logger
}

// SMTPOption configures an SMTPSender.
type SMTPOption func(*SMTPSender)

// WithSendFunc replaces SendMail.
func WithSendFunc(fn SendFunc) SMTPOption {
	return func(s *SMTPSender) { s.send = fn }
}

// WithSMTPLogger sets the logger used for retry warnings.
func WithSMTPLogger(logger *slog.Logger) SMTPOption {
	return func(s *SMTPSender) { s.logger = logger }
}

// NewSMTPSender creates an SMTPSender.
func NewSMTPSender(cfg SMTPConfig, opts ...SMTPOption) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, oops.Code("MAIL_INVALID_CONFIG").Errorf("smtp host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, oops.Code("MAIL_INVALID_CONFIG").With("port", cfg.Port).Errorf("smtp port out of range")
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, oops.Code("MAIL_INVALID_CONFIG").With("from", cfg.From).Wrap(err)
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultRetryBackoff
	}

	s := &SMTPSender{
		cfg:    cfg,
		from:   from,
		send:   SendMail,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Send delivers an HTML message to a single recipient.
func (s *SMTPSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	rcpt, err := mail.ParseAddress(to)
	if err != nil {
		return oops.Code("MAIL_INVALID_RECIPIENT").With("to", to).Wrap(err)
	}
	if strings.ContainsAny(subject, "\r\n") {
		return oops.Code("MAIL_INVALID_SUBJECT").Errorf("subject cannot contain line breaks")
	}

	msg := s.compose(rcpt, subject, htmlBody)
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	var smtpAuth smtp.Auth
	if s.cfg.Username != "" {
		smtpAuth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	backoff := retry.WithMaxRetries(s.cfg.MaxRetries, retry.NewExponential(s.cfg.Backoff))
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		sendErr := s.send(ctx, addr, smtpAuth, s.from.Address, []string{rcpt.Address}, msg)
		if sendErr == nil {
			return nil
		}
		if isPermanent(sendErr) {
			return sendErr
		}
		s.logger.WarnContext(ctx, "smtp delivery attempt failed",
			"operation", "send mail",
			"attempt", attempt,
			"error", sendErr)
		return retry.RetryableError(sendErr)
	})
	if err != nil {
		return oops.Code("MAIL_SEND_FAILED").
			With("attempts", attempt).
			With("host", s.cfg.Host).
			Wrap(err)
	}
	return nil
}

// SendMail performs the smtp.SendMail exchange on a connection bound to ctx.
// The dial honors ctx, the connection deadline follows ctx's deadline, and the
// connection is closed on cancellation so a stalled server cannot block forever.
func SendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err //nolint:wrapcheck // wrapped by Send
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err //nolint:wrapcheck // wrapped by Send
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			_ = conn.Close() //nolint:errcheck // deadline error takes precedence
			return err       //nolint:wrapcheck // wrapped by Send
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	err = converse(conn, host, a, from, to, msg)
	if err != nil && ctx.Err() != nil {
		return errors.Join(ctx.Err(), err)
	}
	return err
}

func converse(conn net.Conn, host string, a smtp.Auth, from string, to []string, msg []byte) error {
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close() //nolint:errcheck // greeting error takes precedence
		return err       //nolint:wrapcheck // wrapped by Send
	}
	defer c.Close() //nolint:errcheck // Quit reports the meaningful error

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}); err != nil {
			return err //nolint:wrapcheck // wrapped by Send
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(a); err != nil {
				return err //nolint:wrapcheck // wrapped by Send
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return err //nolint:wrapcheck // wrapped by Send
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err //nolint:wrapcheck // wrapped by Send
		}
	}
	w, err := c.Data()
	if err != nil {
		return err //nolint:wrapcheck // wrapped by Send
	}
	if _, err := w.Write(msg); err != nil {
		return err //nolint:wrapcheck // wrapped by Send
	}
	if err := w.Close(); err != nil {
		return err //nolint:wrapcheck // wrapped by Send
	}
	return c.Quit() //nolint:wrapcheck // wrapped by Send
}

func (s *SMTPSender) compose(to *mail.Address, subject, htmlBody string) []byte {
	var b bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }

	header("From", s.from.String())
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", subject))
	header("Date", s.now().Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", `text/html; charset="UTF-8"`)
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(htmlBody, "\r\n", "\n"), "\n", "\r\n"))
	return b.Bytes()
}

// isPermanent reports whether err is an SMTP 5xx reply.
func isPermanent(err error) bool {
	var protoErr *textproto.Error
	return errors.As(err, &protoErr) && protoErr.Code >= 500 && protoErr.Code < 600
}

var _ auth.NotificationSender = (*SMTPSender)(nil)
