// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

//go:build integration

package store_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/solospot/authcore/internal/store"
)

var _ = Describe("Migrator", Ordered, func() {
	var migrator *store.Migrator

	BeforeAll(func() {
		var err error
		migrator, err = store.NewMigrator(databaseURL)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			Expect(migrator.Close()).To(Succeed())
		})
	})

	It("starts at version zero with everything pending", func() {
		version, dirty, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(BeZero())
		Expect(dirty).To(BeFalse())

		pending, err := migrator.PendingMigrations()
		Expect(err).NotTo(HaveOccurred())
		Expect(pending).To(Equal([]uint{1, 2, 3}))
	})

	It("applies every migration and is idempotent", func() {
		Expect(migrator.Up()).To(Succeed())
		Expect(migrator.Up()).To(Succeed())

		version, dirty, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(uint(3)))
		Expect(dirty).To(BeFalse())
	})

	It("steps down and back up", func() {
		Expect(migrator.Steps(-1)).To(Succeed())
		version, _, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(uint(2)))

		Expect(migrator.Steps(1)).To(Succeed())
		version, _, err = migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(uint(3)))
	})

	It("rolls everything back", func() {
		Expect(migrator.Down()).To(Succeed())

		applied, err := migrator.AppliedMigrations()
		Expect(err).NotTo(HaveOccurred())
		Expect(applied).To(BeEmpty())
	})

	It("forces a version without running migrations", func() {
		Expect(migrator.Up()).To(Succeed())
		Expect(migrator.Force(2)).To(Succeed())

		version, dirty, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(uint(2)))
		Expect(dirty).To(BeFalse())

		Expect(migrator.Force(3)).To(Succeed())
	})
})

var _ = Describe("Open", func() {
	It("returns a pinged pool", func(ctx SpecContext) {
		pool, err := store.Open(ctx, databaseURL)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(pool.Close)

		var one int
		Expect(pool.QueryRow(ctx, "SELECT 1").Scan(&one)).To(Succeed())
		Expect(one).To(Equal(1))
	})

	It("rejects a malformed URL", func() {
		_, err := store.Open(context.Background(), "postgres://%zz")
		Expect(err).To(HaveOccurred())
	})
})
