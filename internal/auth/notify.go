// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package auth

import (
	"bytes"
	"context"
	"html/template"
	"time"

	"github.com/samber/oops"
)

// NotificationSender delivers a message to an address.
// Implementations own delivery retries; the engine calls Send once.
type NotificationSender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Message subjects.
const (
	SubjectPasswordReset    = "Password Reset OTP"
	SubjectVerificationCode = "Your verification code"
	SubjectMagicLink        = "Your magic link"
)

const (
	otpTemplateName       = "otp"
	magicLinkTemplateName = "magic_link"
)

var messageTemplates = template.Must(template.New("messages").Parse(`
{{define "otp"}}<p>Your OTP is <b>{{.Code}}</b>. It expires in {{.Minutes}} minutes.</p>{{end}}
{{define "magic_link"}}<p>Click <a href="{{.Link}}">here</a> to sign in. The link expires in {{.Minutes}} minutes.</p>{{end}}
`))

// otpSubject picks the subject line for a one-time code.
func otpSubject(reason Reason) string {
	if reason == ReasonPasswordReset {
		return SubjectPasswordReset
	}
	return SubjectVerificationCode
}

func renderOTP(code string, ttl time.Duration) (string, error) {
	return render(otpTemplateName, map[string]any{"Code": code, "Minutes": minutes(ttl)})
}

func renderMagicLink(link string, ttl time.Duration) (string, error) {
	return render(magicLinkTemplateName, map[string]any{"Link": template.URL(link), "Minutes": minutes(ttl)})
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := messageTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", oops.Code("MESSAGE_RENDER_FAILED").With("template", name).Wrap(err)
	}
	return buf.String(), nil
}

func minutes(d time.Duration) int {
	return int(d.Round(time.Minute) / time.Minute)
}
