// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

// Package errutil provides helpers for logging and asserting oops errors.
package errutil

import (
	"context"
	"log/slog"

	"github.com/samber/oops"
)

// LogError logs an error at ERROR level with structured context if it's an oops error.
// For oops errors, it extracts the message, code, and context.
// For standard errors, it logs the error string.
// attrs are appended as extra key/value pairs; ctx carries trace correlation.
func LogError(ctx context.Context, logger *slog.Logger, msg string, err error, attrs ...any) {
	if oopsErr, ok := oops.AsOops(err); ok {
		fields := []any{"error", oopsErr.Error()}
		if code := oopsErr.Code(); code != nil && code != "" {
			fields = append(fields, "code", code)
		}
		if octx := oopsErr.Context(); len(octx) > 0 {
			fields = append(fields, "context", octx)
		}
		logger.ErrorContext(ctx, msg, append(fields, attrs...)...)
		return
	}
	logger.ErrorContext(ctx, msg, append([]any{"error", err}, attrs...)...)
}
