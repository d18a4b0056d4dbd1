// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
)

// Argon2Params tunes the argon2id key derivation.
type Argon2Params struct {
	Memory  uint32 // KiB
	Time    uint32 // iterations
	Threads uint8
	SaltLen uint32
	KeyLen  uint32
}

// DefaultArgon2Params are the OWASP-recommended argon2id parameters.
var DefaultArgon2Params = Argon2Params{
	Memory:  64 * 1024,
	Time:    1,
	Threads: 4,
	SaltLen: 16,
	KeyLen:  32,
}

// MaxCostFactor bounds the argon2id memory and iteration costs a stored digest
// may demand, as a multiple of the larger of the hasher's parameters and
// DefaultArgon2Params.
const MaxCostFactor = 4

// ErrEmptyPassword is returned when attempting to hash an empty secret.
var ErrEmptyPassword = oops.Code("AUTH_EMPTY_PASSWORD").Errorf("password cannot be empty")

// PasswordHasher hashes and verifies low-entropy secrets: passwords, OTPs,
// recovery codes, and magic-link tokens.
type PasswordHasher interface {
	// Hash produces a self-describing digest with a fresh random salt.
	Hash(plaintext string) (string, error)

	// Verify reports whether plaintext matches digest in constant time.
	// A malformed digest yields false.
	Verify(plaintext, digest string) bool

	// NeedsUpgrade reports whether digest was produced with weaker or foreign parameters.
	NeedsUpgrade(digest string) bool
}

// Argon2idHasher implements PasswordHasher using argon2id in PHC string format.
type Argon2idHasher struct {
	params Argon2Params
}

// NewArgon2idHasher creates a hasher with DefaultArgon2Params.
func NewArgon2idHasher() *Argon2idHasher {
	return &Argon2idHasher{params: DefaultArgon2Params}
}

// NewArgon2idHasherWithParams creates a hasher with explicit parameters.
// Zero fields fall back to the defaults.
func NewArgon2idHasherWithParams(p Argon2Params) *Argon2idHasher {
	if p.Memory == 0 {
		p.Memory = DefaultArgon2Params.Memory
	}
	if p.Time == 0 {
		p.Time = DefaultArgon2Params.Time
	}
	if p.Threads == 0 {
		p.Threads = DefaultArgon2Params.Threads
	}
	if p.SaltLen == 0 {
		p.SaltLen = DefaultArgon2Params.SaltLen
	}
	if p.KeyLen == 0 {
		p.KeyLen = DefaultArgon2Params.KeyLen
	}
	return &Argon2idHasher{params: p}
}

// Hash produces an argon2id digest of plaintext.
func (h *Argon2idHasher) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPassword
	}

	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("AUTH_SALT_FAILED").Wrap(err)
	}

	key := argon2.IDKey([]byte(plaintext), salt, h.params.Time, h.params.Memory, h.params.Threads, h.params.KeyLen)

	// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory,
		h.params.Time,
		h.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify checks plaintext against an argon2id digest.
func (h *Argon2idHasher) Verify(plaintext, digest string) bool {
	d, ok := parseDigest(digest)
	if !ok || !h.withinCostLimit(d.params) {
		return false
	}
	computed := argon2.IDKey([]byte(plaintext), d.salt, d.params.Time, d.params.Memory, d.params.Threads, d.params.KeyLen)
	return subtle.ConstantTimeCompare(computed, d.key) == 1
}

// NeedsUpgrade reports whether digest is not argon2id or uses weaker cost parameters.
func (h *Argon2idHasher) NeedsUpgrade(digest string) bool {
	d, ok := parseDigest(digest)
	if !ok {
		return true
	}
	return d.params.Memory < h.params.Memory ||
		d.params.Time < h.params.Time ||
		d.params.Threads < h.params.Threads ||
		d.params.KeyLen < h.params.KeyLen
}

// withinCostLimit rejects digests whose cost would let a tampered row pin
// memory or CPU on every verification.
func (h *Argon2idHasher) withinCostLimit(p Argon2Params) bool {
	memory := max(h.params.Memory, DefaultArgon2Params.Memory)
	iterations := max(h.params.Time, DefaultArgon2Params.Time)
	return uint64(p.Memory) <= MaxCostFactor*uint64(memory) &&
		uint64(p.Time) <= MaxCostFactor*uint64(iterations)
}

type parsedDigest struct {
	params Argon2Params
	salt   []byte
	key    []byte
}

func parseDigest(digest string) (parsedDigest, bool) {
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return parsedDigest{}, false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return parsedDigest{}, false
	}

	var memory, iterations, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return parsedDigest{}, false
	}
	// Validate threads fits in uint8 to prevent silent truncation
	if threads == 0 || threads > 255 || memory == 0 || iterations == 0 {
		return parsedDigest{}, false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return parsedDigest{}, false
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 || len(key) > 1<<10 {
		return parsedDigest{}, false
	}

	return parsedDigest{
		params: Argon2Params{
			Memory:  memory,
			Time:    iterations,
			Threads: uint8(threads),
			SaltLen: uint32(len(salt)),
			KeyLen:  uint32(len(key)),
		},
		salt: salt,
		key:  key,
	}, true
}
