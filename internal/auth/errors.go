// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package auth

import (
	"errors"
	"fmt"

	"github.com/solospot/authcore/internal/vault"
)

// Sentinel errors identifying the kind of every failure returned by this package.
// Returned errors carry an oops code and context and wrap exactly one of these,
// so callers classify them with errors.Is or KindOf.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when a credential, code, or token does not verify.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConflict is returned when an entity already exists or is already in the target state.
	ErrConflict = errors.New("conflict")

	// ErrRateLimited is returned when the attempt budget for a code or account is exhausted.
	ErrRateLimited = errors.New("rate limited")

	// ErrExpired is returned when a code or token is past its expiry.
	ErrExpired = errors.New("expired")

	// ErrInvalidInput is returned when an argument fails validation (email format, password length).
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal marks infrastructure failures (store, sender, randomness).
	ErrInternal = errors.New("internal error")

	// ErrTamperDetected is returned when an encrypted secret fails authentication.
	ErrTamperDetected = vault.ErrTamperDetected
)

// Kind classifies an error for mapping onto a transport status.
type Kind string

// Error kinds.
const (
	KindNotFound       Kind = "not_found"
	KindUnauthorized   Kind = "unauthorized"
	KindConflict       Kind = "conflict"
	KindRateLimited    Kind = "rate_limited"
	KindExpired        Kind = "expired"
	KindTamperDetected Kind = "tamper_detected"
	KindInvalidInput   Kind = "invalid_input"
	KindInternal       Kind = "internal"
)

// kindOrder is checked first to last; ErrInternal wins over anything it wraps.
var kindOrder = []struct {
	sentinel error
	kind     Kind
}{
	{ErrInternal, KindInternal},
	{ErrTamperDetected, KindTamperDetected},
	{ErrNotFound, KindNotFound},
	{ErrUnauthorized, KindUnauthorized},
	{ErrConflict, KindConflict},
	{ErrRateLimited, KindRateLimited},
	{ErrExpired, KindExpired},
	{ErrInvalidInput, KindInvalidInput},
}

// KindOf returns the kind of err. Unclassified errors are KindInternal.
// KindOf(nil) returns the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kindOrder {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindInternal
}

// internal marks cause as an infrastructure failure while keeping it in the chain.
func internal(cause error) error {
	return fmt.Errorf("%w: %w", ErrInternal, cause)
}
