package storage_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go-dcb/pkg/dcb/processor"
)

var _ = Describe("PostgresLeaderElector", func() {
	It("grants the lease to exactly one elector at a time", func() {
		a := processor.NewPostgresLeaderElector(pool)
		b := processor.NewPostgresLeaderElector(pool)
		defer func() {
			_ = a.Release(context.Background(), "p1")
			_ = b.Release(context.Background(), "p1")
		}()

		gotA, err := a.TryAcquire(ctx, "p1", "instance-a")
		Expect(err).NotTo(HaveOccurred())
		Expect(gotA).To(BeTrue())

		gotB, err := b.TryAcquire(ctx, "p1", "instance-b")
		Expect(err).NotTo(HaveOccurred())
		Expect(gotB).To(BeFalse())

		Expect(a.IsLeader(ctx, "p1")).To(BeTrue())
		Expect(b.IsLeader(ctx, "p1")).To(BeFalse())
	})

	It("lets a second elector take over after release", func() {
		a := processor.NewPostgresLeaderElector(pool)
		b := processor.NewPostgresLeaderElector(pool)
		defer func() {
			_ = a.Release(context.Background(), "p2")
			_ = b.Release(context.Background(), "p2")
		}()

		gotA, err := a.TryAcquire(ctx, "p2", "instance-a")
		Expect(err).NotTo(HaveOccurred())
		Expect(gotA).To(BeTrue())

		Expect(a.Release(ctx, "p2")).To(Succeed())

		gotB, err := b.TryAcquire(ctx, "p2", "instance-b")
		Expect(err).NotTo(HaveOccurred())
		Expect(gotB).To(BeTrue())
	})

	It("reacquiring an already-held lease is a no-op returning true", func() {
		a := processor.NewPostgresLeaderElector(pool)
		defer func() { _ = a.Release(context.Background(), "p3") }()

		first, err := a.TryAcquire(ctx, "p3", "instance-a")
		Expect(err).NotTo(HaveOccurred())
		Expect(first).To(BeTrue())

		again, err := a.TryAcquire(ctx, "p3", "instance-a")
		Expect(err).NotTo(HaveOccurred())
		Expect(again).To(BeTrue())
	})
})
