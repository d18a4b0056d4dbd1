// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

// Package vault provides authenticated symmetric encryption for secrets stored at rest.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/samber/oops"
)

// Blob layout parameters.
const (
	nonceSize = 12
	tagSize   = 16
	separator = ":"
)

// ErrTamperDetected is returned when a blob is malformed or fails authentication.
var ErrTamperDetected = errors.New("tamper detected")

// ErrMissingKey is returned when the vault is constructed without a master key.
var ErrMissingKey = oops.Code("VAULT_KEY_MISSING").Errorf("vault master key is required")

// Vault encrypts and decrypts short secrets with AES-256-GCM.
// The 256-bit key is the SHA-256 digest of the master key.
// A Vault is safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New creates a Vault from the server-held master key.
func New(masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, ErrMissingKey
	}

	key := sha256.Sum256([]byte(masterKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, oops.Code("VAULT_INIT_FAILED").With("operation", "create block cipher").Wrap(err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, oops.Code("VAULT_INIT_FAILED").With("operation", "create gcm").Wrap(err)
	}

	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
// The result has the form hex(nonce):hex(tag):hex(ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", oops.Code("VAULT_NONCE_FAILED").Wrap(err)
	}

	// GCM appends the tag to the ciphertext.
	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	}, separator), nil
}

// Decrypt opens a blob produced by Encrypt.
// Any structural defect or authentication failure yields ErrTamperDetected.
func (v *Vault) Decrypt(blob string) (string, error) {
	parts := strings.Split(blob, separator)
	if len(parts) != 3 {
		return "", oops.Code("VAULT_BLOB_MALFORMED").
			With("parts", len(parts)).
			Wrapf(ErrTamperDetected, "expected nonce:tag:ciphertext")
	}

	nonce, ok := decodeHex(parts[0])
	if !ok || len(nonce) != nonceSize {
		return "", oops.Code("VAULT_BLOB_MALFORMED").With("field", "nonce").Wrap(ErrTamperDetected)
	}
	tag, ok := decodeHex(parts[1])
	if !ok || len(tag) != tagSize {
		return "", oops.Code("VAULT_BLOB_MALFORMED").With("field", "tag").Wrap(ErrTamperDetected)
	}
	ct, ok := decodeHex(parts[2])
	if !ok {
		return "", oops.Code("VAULT_BLOB_MALFORMED").With("field", "ciphertext").Wrap(ErrTamperDetected)
	}

	plaintext, err := v.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", oops.Code("VAULT_AUTH_FAILED").Wrap(ErrTamperDetected)
	}
	return string(plaintext), nil
}

// decodeHex accepts only the canonical lowercase encoding so that a case flip
// in the stored blob is reported as tampering.
func decodeHex(s string) ([]byte, bool) {
	b, err := hex.DecodeString(s)
	if err != nil || hex.EncodeToString(b) != s {
		return nil, false
	}
	return b, true
}
