// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package auth

import (
	"time"

	"github.com/samber/oops"
)

// Sign-in lockout defaults.
const (
	// DefaultLockoutThreshold is the number of consecutive failures that locks an account.
	DefaultLockoutThreshold = 7

	// DefaultLockoutDuration is how long a locked account refuses sign-in.
	DefaultLockoutDuration = 15 * time.Minute
)

// LockoutPolicy locks an account after Threshold consecutive failed sign-ins.
// Wrong passwords, wrong second-factor codes, and wrong recovery codes all count.
// Zero fields take the defaults.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// LockoutStatus is the sign-in lockout state of an account.
type LockoutStatus struct {
	Locked    bool
	Remaining time.Duration
}

func (p LockoutPolicy) withDefaults() (LockoutPolicy, error) {
	if p.Threshold == 0 {
		p.Threshold = DefaultLockoutThreshold
	}
	if p.Duration == 0 {
		p.Duration = DefaultLockoutDuration
	}
	if p.Threshold < 0 {
		return p, oops.Code("AUTH_INVALID_CONFIG").With("threshold", p.Threshold).Errorf("lockout threshold cannot be negative")
	}
	if p.Duration < 0 {
		return p, oops.Code("AUTH_INVALID_CONFIG").With("duration", p.Duration.String()).Errorf("lockout duration cannot be negative")
	}
	return p, nil
}

// LockUntil returns when a lockout triggered at now ends.
func (p LockoutPolicy) LockUntil(now time.Time) time.Time {
	return now.Add(p.Duration)
}

// Check evaluates the lockout state for lockedUntil at now.
func (p LockoutPolicy) Check(lockedUntil *time.Time, now time.Time) LockoutStatus {
	if !IsLockedOut(lockedUntil, now) {
		return LockoutStatus{}
	}
	return LockoutStatus{Locked: true, Remaining: lockedUntil.Sub(now)}
}

// IsLockedOut returns true if the lockout time is after t.
func IsLockedOut(lockedUntil *time.Time, t time.Time) bool {
	return lockedUntil != nil && lockedUntil.After(t)
}
