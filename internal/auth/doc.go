// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

// Package auth implements the credential and token lifecycle: password hashing,
// one-time codes, TOTP second factors with recovery codes, magic links, and
// access/refresh token issuance.
//
// # Managers
//
// Each concern has a manager built with a New* constructor that validates its
// collaborators:
//   - CredentialManager - password hashing and rotation
//   - OTPManager - issue, verify, and deliver one-time secrets
//   - TwoFactorManager - TOTP provisioning, verification, recovery codes
//   - TokenIssuer - JWT minting, refresh rotation, revocation
//
// Service composes the managers into the externally visible flows. Register
// consults an optional EmailDomainPolicy built from glob patterns.
//
// # Errors
//
// Every returned error carries an oops code and wraps one sentinel
// (ErrNotFound, ErrUnauthorized, ErrConflict, ErrRateLimited, ErrExpired,
// ErrTamperDetected, ErrInvalidInput, ErrInternal). Use errors.Is or KindOf.
//
// # Storage
//
// Persistence is behind AccountStore, TokenStore, and VerificationStore.
// Upserts must be single atomic operations keyed by account.
package auth
