// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

//go:build tools

// Package main keeps test-only dependencies in go.mod for builds that exclude
// the integration tag.
package main

import (
	// Integration suites (test/integration, internal/store, internal/auth/postgres)
	_ "github.com/onsi/ginkgo/v2"
	_ "github.com/onsi/gomega"
	_ "github.com/testcontainers/testcontainers-go"
	_ "github.com/testcontainers/testcontainers-go/modules/postgres"

	// Unit test doubles
	_ "github.com/alicebob/miniredis/v2"
	_ "github.com/pashagolub/pgxmock/v4"
	_ "github.com/stretchr/testify/require"
	_ "go.uber.org/goleak"
)
