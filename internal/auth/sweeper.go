// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/oops"
)

// DefaultSweepInterval is how often expired records are purged.
const DefaultSweepInterval = 10 * time.Minute

// Expirer is a store that can purge its expired records.
type Expirer interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// SweepResult reports how many rows a sweep removed.
type SweepResult struct {
	Verifications int64
	RefreshTokens int64
}

// Sweeper periodically deletes expired verification records and refresh tokens.
// Expired rows are already rejected on use; sweeping only reclaims storage.
type Sweeper struct {
	verifications Expirer
	tokens        Expirer
	interval      time.Duration
	logger        *slog.Logger
}

// NewSweeper creates a new Sweeper. A non-positive interval uses DefaultSweepInterval.
func NewSweeper(verifications, tokens Expirer, interval time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if verifications == nil {
		return nil, oops.Code("SWEEPER_INVALID_CONFIG").Errorf("verification store is required")
	}
	if tokens == nil {
		return nil, oops.Code("SWEEPER_INVALID_CONFIG").Errorf("token store is required")
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{verifications: verifications, tokens: tokens, interval: interval, logger: logger}, nil
}

// RunOnce performs a single sweep. Both stores are swept even if the first fails.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	var firstErr error

	n, err := s.verifications.DeleteExpired(ctx)
	if err != nil {
		firstErr = oops.Code("SWEEP_FAILED").With("record", "verification").Wrap(err)
	} else {
		result.Verifications = n
		sweptRecords.WithLabelValues("verification").Add(float64(n))
	}

	n, err = s.tokens.DeleteExpired(ctx)
	if err != nil {
		if firstErr == nil {
			firstErr = oops.Code("SWEEP_FAILED").With("record", "refresh_token").Wrap(err)
		}
	} else {
		result.RefreshTokens = n
		sweptRecords.WithLabelValues("refresh_token").Add(float64(n))
	}

	return result, firstErr
}

// Run sweeps on every tick until ctx is cancelled. Sweep failures are logged and
// retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := s.RunOnce(ctx)
			if err != nil {
				s.logger.WarnContext(ctx, "expired record sweep failed", "operation", "sweep", "error", err)
				continue
			}
			if result.Verifications > 0 || result.RefreshTokens > 0 {
				s.logger.InfoContext(ctx, "expired records swept",
					"verifications", result.Verifications,
					"refresh_tokens", result.RefreshTokens)
			}
		}
	}
}
