// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package authtest

import (
	"context"
	"sync"
	"time"

	"github.com/solospot/authcore/internal/auth"
)

// Message is a notification captured by Sender.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender records sent notifications. Set Err to make Send fail.
type Sender struct {
	mu       sync.Mutex
	Err      error
	messages []Message
}

// Send records the message or returns Err.
func (s *Sender) Send(_ context.Context, to, subject, htmlBody string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.messages = append(s.messages, Message{To: to, Subject: subject, Body: htmlBody})
	return nil
}

// Messages returns a copy of every recorded message.
func (s *Sender) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Last returns the most recent message and whether one exists.
func (s *Sender) Last() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// SetErr changes the failure returned by Send.
func (s *Sender) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

// FastHasher returns an argon2id hasher with parameters small enough for tests.
func FastHasher() auth.PasswordHasher {
	return auth.NewArgon2idHasherWithParams(auth.Argon2Params{Memory: 1024, Time: 1, Threads: 1})
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a Clock starting at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var _ auth.NotificationSender = (*Sender)(nil)
