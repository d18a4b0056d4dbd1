// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package mail

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/samber/oops"

	"github.com/solospot/authcore/internal/auth"
)

// ConsoleSender writes messages to w instead of delivering them. It is meant
// for local development, where the code or link is read off the terminal.
type ConsoleSender struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleSender creates a ConsoleSender writing to w.
func NewConsoleSender(w io.Writer) *ConsoleSender {
	return &ConsoleSender{w: w}
}

// Send writes the message.
func (c *ConsoleSender) Send(_ context.Context, to, subject, htmlBody string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := fmt.Fprintf(c.w, "=== mail ===\nTo: %s\nSubject: %s\n\n%s\n============\n", to, subject, htmlBody)
	if err != nil {
		return oops.Code("MAIL_SEND_FAILED").With("driver", "console").Wrap(err)
	}
	return nil
}

var _ auth.NotificationSender = (*ConsoleSender)(nil)
