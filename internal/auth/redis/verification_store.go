// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

// Package redis implements auth.VerificationStore on Redis.
//
// Each record is a hash under <prefix>:v:<account>. A string key
// <prefix>:i:<identifier> points back at the account, and a sorted set
// <prefix>:expiry scores accounts by expiry in unix milliseconds so
// DeleteExpired can find them without scanning. Record keys outlive their
// logical expiry by a grace period so an expired code is reported as expired
// rather than missing.
package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/solospot/authcore/internal/auth"
)

// DefaultGrace is how long a record key survives past its expiry.
const DefaultGrace = time.Hour

const maxWatchRetries = 4

// record hash fields
const (
	fieldIdentifier = "identifier"
	fieldCodeHash   = "code_hash"
	fieldReason     = "reason"
	fieldExpiresAt  = "expires_at"
	fieldAttempts   = "attempts"
	fieldCreatedAt  = "created_at"
)

// VerificationStore implements auth.VerificationStore using Redis.
type VerificationStore struct {
	client goredis.UniversalClient
	prefix string
	grace  time.Duration
	now    func() time.Time
}

// Option configures a VerificationStore.
type Option func(*VerificationStore)

// WithKeyPrefix sets the key namespace. The default is "authcore".
func WithKeyPrefix(prefix string) Option {
	return func(s *VerificationStore) { s.prefix = prefix }
}

// WithGrace sets how long record keys outlive their expiry.
func WithGrace(d time.Duration) Option {
	return func(s *VerificationStore) { s.grace = d }
}

// WithClock overrides the time source used by DeleteExpired.
func WithClock(now func() time.Time) Option {
	return func(s *VerificationStore) { s.now = now }
}

// NewVerificationStore creates a VerificationStore on client.
func NewVerificationStore(client goredis.UniversalClient, opts ...Option) (*VerificationStore, error) {
	if client == nil {
		return nil, oops.Code("VERIFICATION_STORE_INVALID_CONFIG").Errorf("redis client is required")
	}
	s := &VerificationStore{client: client, prefix: "authcore", grace: DefaultGrace, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.prefix == "" {
		return nil, oops.Code("VERIFICATION_STORE_INVALID_CONFIG").Errorf("key prefix cannot be empty")
	}
	if s.grace < 0 {
		return nil, oops.Code("VERIFICATION_STORE_INVALID_CONFIG").With("grace", s.grace).Errorf("grace cannot be negative")
	}
	return s, nil
}

// Open parses a redis:// URL and returns a store on a new client.
// The client is closed by closing the returned store.
func Open(ctx context.Context, url string, opts ...Option) (*VerificationStore, error) {
	options, err := goredis.ParseURL(url)
	if err != nil {
		return nil, oops.Code("REDIS_CONFIG_INVALID").With("operation", "parse redis url").Wrap(err)
	}
	client := goredis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close() //nolint:errcheck // ping error takes precedence
		return nil, oops.Code("REDIS_CONNECT_FAILED").With("operation", "ping").Wrap(err)
	}
	return NewVerificationStore(client, opts...)
}

// Ping checks that Redis is reachable.
func (s *VerificationStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return oops.Code("REDIS_PING_FAILED").Wrap(err)
	}
	return nil
}

// Close closes the underlying client.
func (s *VerificationStore) Close() error {
	if err := s.client.Close(); err != nil {
		return oops.Code("REDIS_CLOSE_FAILED").Wrap(err)
	}
	return nil
}

func (s *VerificationStore) recordKey(accountID string) string { return s.prefix + ":v:" + accountID }
func (s *VerificationStore) indexKey(identifier string) string { return s.prefix + ":i:" + identifier }
func (s *VerificationStore) expiryKey() string                 { return s.prefix + ":expiry" }

// Upsert replaces the account's record and repoints the identifier index.
func (s *VerificationStore) Upsert(ctx context.Context, record *auth.VerificationRecord) error {
	id := record.AccountID.String()
	key := s.recordKey(id)
	keyExpiry := record.ExpiresAt.Add(s.grace)

	err := s.watch(ctx, func(tx *goredis.Tx) error {
		previous, err := tx.HGet(ctx, key, fieldIdentifier).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if previous != "" && previous != record.Identifier {
				pipe.Del(ctx, s.indexKey(previous))
			}
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key,
				fieldIdentifier, record.Identifier,
				fieldCodeHash, record.CodeHash,
				fieldReason, string(record.Reason),
				fieldExpiresAt, strconv.FormatInt(record.ExpiresAt.UnixNano(), 10),
				fieldAttempts, strconv.Itoa(record.Attempts),
				fieldCreatedAt, strconv.FormatInt(record.CreatedAt.UnixNano(), 10),
			)
			pipe.PExpireAt(ctx, key, keyExpiry)
			pipe.Set(ctx, s.indexKey(record.Identifier), id, 0)
			pipe.PExpireAt(ctx, s.indexKey(record.Identifier), keyExpiry)
			pipe.ZAdd(ctx, s.expiryKey(), goredis.Z{Score: float64(record.ExpiresAt.UnixMilli()), Member: id})
			return nil
		})
		return err
	}, key)
	if err != nil {
		return oops.Code("VERIFICATION_UPSERT_FAILED").
			With("operation", "upsert verification").
			With("account_id", id).
			Wrap(err)
	}
	return nil
}

// GetByAccount retrieves the record for an account.
func (s *VerificationStore) GetByAccount(ctx context.Context, accountID ulid.ULID) (*auth.VerificationRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(accountID.String())).Result()
	if err != nil {
		return nil, oops.Code("VERIFICATION_GET_FAILED").
			With("operation", "get verification by account").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	if len(fields) == 0 {
		return nil, oops.Code("VERIFICATION_NOT_FOUND").With("account_id", accountID.String()).Wrap(auth.ErrNotFound)
	}
	return decodeRecord(accountID, fields)
}

// GetByIdentifier follows the identifier index to the owning account's record.
// An index entry left behind by a replaced record resolves to not found.
func (s *VerificationStore) GetByIdentifier(ctx context.Context, identifier string) (*auth.VerificationRecord, error) {
	notFound := oops.Code("VERIFICATION_NOT_FOUND").With("identifier", identifier).Wrap(auth.ErrNotFound)

	raw, err := s.client.Get(ctx, s.indexKey(identifier)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, notFound
	}
	if err != nil {
		return nil, oops.Code("VERIFICATION_GET_FAILED").
			With("operation", "get verification by identifier").
			Wrap(err)
	}
	accountID, err := ulid.Parse(raw)
	if err != nil {
		return nil, oops.Code("VERIFICATION_INVALID_ID").With("account_id", raw).Wrap(err)
	}

	record, err := s.GetByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if record.Identifier != identifier {
		return nil, notFound
	}
	return record, nil
}

// RecordFailedAttempt increments the attempt counter while the record still
// holds codeHash. A missing or replaced record is not recreated.
func (s *VerificationStore) RecordFailedAttempt(ctx context.Context, accountID ulid.ULID, codeHash string) (int, error) {
	id := accountID.String()
	key := s.recordKey(id)
	var (
		attempts int64
		found    bool
	)

	err := s.watch(ctx, func(tx *goredis.Tx) error {
		found = false
		current, err := tx.HGet(ctx, key, fieldCodeHash).Result()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if current != codeHash {
			return nil
		}

		var incr *goredis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			incr = pipe.HIncrBy(ctx, key, fieldAttempts, 1)
			return nil
		})
		if err != nil {
			return err
		}
		attempts, found = incr.Val(), true
		return nil
	}, key)
	if err != nil {
		return 0, oops.Code("VERIFICATION_UPDATE_FAILED").
			With("operation", "record failed attempt").
			With("account_id", id).
			Wrap(err)
	}
	if !found {
		return 0, oops.Code("VERIFICATION_NOT_FOUND").With("account_id", id).Wrap(auth.ErrNotFound)
	}
	return int(attempts), nil
}

// Consume deletes the record only while it still holds codeHash.
func (s *VerificationStore) Consume(ctx context.Context, accountID ulid.ULID, codeHash string) error {
	id := accountID.String()
	removed, err := s.remove(ctx, id, func(fields map[string]string) bool {
		return fields[fieldCodeHash] == codeHash
	})
	if err != nil {
		return oops.Code("VERIFICATION_DELETE_FAILED").
			With("operation", "consume verification").
			With("account_id", id).
			Wrap(err)
	}
	if !removed {
		return oops.Code("VERIFICATION_NOT_FOUND").With("account_id", id).Wrap(auth.ErrNotFound)
	}
	return nil
}

// Delete removes the account's record. Deleting nothing is not an error.
func (s *VerificationStore) Delete(ctx context.Context, accountID ulid.ULID) error {
	id := accountID.String()
	if _, err := s.remove(ctx, id, nil); err != nil {
		return oops.Code("VERIFICATION_DELETE_FAILED").
			With("operation", "delete verification").
			With("account_id", id).
			Wrap(err)
	}
	return nil
}

// DeleteExpired removes all records past their expiry and returns the count.
// A record re-issued since the expiry index was read is left alone.
func (s *VerificationStore) DeleteExpired(ctx context.Context) (int64, error) {
	now := s.now()
	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, oops.Code("VERIFICATION_DELETE_EXPIRED_FAILED").
			With("operation", "list expired verifications").
			Wrap(err)
	}

	stillExpired := func(fields map[string]string) bool {
		nanos, err := strconv.ParseInt(fields[fieldExpiresAt], 10, 64)
		return err != nil || time.Unix(0, nanos).Before(now)
	}

	var deleted int64
	for _, id := range ids {
		removed, err := s.remove(ctx, id, stillExpired)
		if err != nil {
			return deleted, oops.Code("VERIFICATION_DELETE_EXPIRED_FAILED").
				With("operation", "delete expired verification").
				With("account_id", id).
				Wrap(err)
		}
		if removed {
			deleted++
		}
	}
	return deleted, nil
}

// remove deletes the record for id along with its index entries. When
// shouldDelete is non-nil it is consulted with the current fields and the record
// is deleted only if it returns true. The expiry index entry is dropped either way
// for a missing record. It reports whether a record was deleted.
func (s *VerificationStore) remove(ctx context.Context, id string, shouldDelete func(map[string]string) bool) (bool, error) {
	key := s.recordKey(id)
	var removed bool

	err := s.watch(ctx, func(tx *goredis.Tx) error {
		removed = false
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) > 0 && shouldDelete != nil && !shouldDelete(fields) {
			return nil
		}

		identifier := fields[fieldIdentifier]
		var owner string
		if identifier != "" {
			owner, err = tx.Get(ctx, s.indexKey(identifier)).Result()
			if err != nil && !errors.Is(err, goredis.Nil) {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, s.expiryKey(), id)
			if owner == id {
				pipe.Del(ctx, s.indexKey(identifier))
			}
			return nil
		})
		if err != nil {
			return err
		}
		removed = len(fields) > 0
		return nil
	}, key)
	return removed, err
}

// watch runs fn in an optimistic transaction on keys, retrying when another
// client modifies them first.
func (s *VerificationStore) watch(ctx context.Context, fn func(*goredis.Tx) error, keys ...string) error {
	for range maxWatchRetries {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return oops.Code("VERIFICATION_CONTENDED").With("keys", keys).Errorf("transaction retries exhausted")
}

func decodeRecord(accountID ulid.ULID, fields map[string]string) (*auth.VerificationRecord, error) {
	expiresAt, err := strconv.ParseInt(fields[fieldExpiresAt], 10, 64)
	if err != nil {
		return nil, oops.Code("VERIFICATION_DECODE_FAILED").With("field", fieldExpiresAt).Wrap(err)
	}
	createdAt, err := strconv.ParseInt(fields[fieldCreatedAt], 10, 64)
	if err != nil {
		return nil, oops.Code("VERIFICATION_DECODE_FAILED").With("field", fieldCreatedAt).Wrap(err)
	}
	attempts, err := strconv.Atoi(fields[fieldAttempts])
	if err != nil {
		return nil, oops.Code("VERIFICATION_DECODE_FAILED").With("field", fieldAttempts).Wrap(err)
	}

	return &auth.VerificationRecord{
		AccountID:  accountID,
		Identifier: fields[fieldIdentifier],
		CodeHash:   fields[fieldCodeHash],
		Reason:     auth.Reason(fields[fieldReason]),
		ExpiresAt:  time.Unix(0, expiresAt),
		Attempts:   attempts,
		CreatedAt:  time.Unix(0, createdAt),
	}, nil
}

var _ auth.VerificationStore = (*VerificationStore)(nil)
