// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package errutil

import (
	"errors"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertErrorCode asserts that err is an oops error with the given code.
// oops reports the code of the innermost oops error in the chain.
func AssertErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok, "expected oops error, got %T", err)
	assert.Equal(t, code, oopsErr.Code())
}

// AssertErrorContext asserts that err is an oops error with the given context key/value.
func AssertErrorContext(t *testing.T, err error, key string, value any) {
	t.Helper()
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok, "expected oops error, got %T", err)
	ctx := oopsErr.Context()
	assert.Contains(t, ctx, key)
	assert.Equal(t, value, ctx[key])
}

// AssertErrorIs asserts that err wraps target and carries the given oops code.
func AssertErrorIs(t *testing.T, err, target error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, target), "expected %v in chain of %v", target, err)
	AssertErrorCode(t, err, code)
}
