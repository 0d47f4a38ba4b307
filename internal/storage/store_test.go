package storage_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go-dcb/pkg/dcb"
)

func dcbConfig() dcb.EventStoreConfig {
	return dcb.DefaultEventStoreConfig()
}

var _ = Describe("Store", func() {
	It("appends events and returns them from Query in position order", func() {
		e1 := dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w1"), dcb.ToJSON(map[string]any{"owner": "alice"}))
		e2 := dcb.NewInputEvent("MoneyDeposited", dcb.NewTags("wallet_id", "w1"), dcb.ToJSON(map[string]any{"amount": 100}))

		Expect(store.Append(ctx, []dcb.InputEvent{e1, e2})).To(Succeed())

		got, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("wallet_id", "w1")), dcb.ZeroCursor)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(2))
		Expect(got[0].Type).To(Equal("WalletOpened"))
		Expect(got[1].Type).To(Equal("MoneyDeposited"))
		Expect(got[0].Position).To(BeNumerically("<", got[1].Position))
	})

	It("rejects AppendIf when the state-change query has a later match", func() {
		e1 := dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w2"), nil)
		Expect(store.Append(ctx, []dcb.InputEvent{e1})).To(Succeed())

		q := dcb.NewQuery(dcb.NewTags("wallet_id", "w2"))
		got, err := store.Query(ctx, q, dcb.ZeroCursor)
		Expect(err).NotTo(HaveOccurred())
		staleCursor := dcb.ZeroCursor

		e2 := dcb.NewInputEvent("MoneyDeposited", dcb.NewTags("wallet_id", "w2"), nil)
		err = store.AppendIf(ctx, []dcb.InputEvent{e2}, dcb.NewCursorCondition(q, staleCursor))
		Expect(dcb.IsConcurrencyError(err)).To(BeTrue())

		freshCursor := dcb.Cursor{Position: got[len(got)-1].Position}
		Expect(store.AppendIf(ctx, []dcb.InputEvent{e2}, dcb.NewCursorCondition(q, freshCursor))).To(Succeed())
	})

	It("rejects AppendIf on an idempotency condition match", func() {
		tag := dcb.NewTag("request_id", "req-1")
		e1 := dcb.NewInputEvent("PaymentSubmitted", []dcb.Tag{tag}, nil)
		cond := dcb.NewIdempotencyCondition("PaymentSubmitted", tag)

		Expect(store.AppendIf(ctx, []dcb.InputEvent{e1}, cond)).To(Succeed())

		err := store.AppendIf(ctx, []dcb.InputEvent{e1}, cond)
		Expect(dcb.IsDuplicateOperationError(err)).To(BeTrue())
	})

	It("reports MaxPosition as the highest committed position", func() {
		before, err := store.MaxPosition(ctx)
		Expect(err).NotTo(HaveOccurred())

		e1 := dcb.NewInputEvent("Noted", nil, nil)
		Expect(store.Append(ctx, []dcb.InputEvent{e1})).To(Succeed())

		after, err := store.MaxPosition(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(after).To(BeNumerically(">", before))
	})

	It("streams events across batches via QueryStream", func() {
		for i := 0; i < 5; i++ {
			e := dcb.NewInputEvent("Tick", dcb.NewTags("series", "s1"), nil)
			Expect(store.Append(ctx, []dcb.InputEvent{e})).To(Succeed())
		}

		ch, err := store.QueryStream(ctx, dcb.NewQuery(dcb.NewTags("series", "s1")), dcb.ZeroCursor)
		Expect(err).NotTo(HaveOccurred())

		var count int
		for range ch {
			count++
		}
		Expect(count).To(Equal(5))
	})

	It("persists a command row alongside events in ExecuteInTransaction", func() {
		err := store.ExecuteInTransaction(context.Background(), func(ctx context.Context, tx dcb.Transaction) error {
			e := dcb.NewInputEvent("Noted", nil, nil)
			if err := tx.Append(ctx, []dcb.InputEvent{e}); err != nil {
				return err
			}
			return tx.StoreCommand(ctx, "NoteSomething", []byte(`{}`), map[string]any{"source": "test"})
		})
		Expect(err).NotTo(HaveOccurred())

		var count int
		row := pool.QueryRow(context.Background(), "SELECT COUNT(*) FROM commands WHERE type = 'NoteSomething'")
		Expect(row.Scan(&count)).To(Succeed())
		Expect(count).To(Equal(1))
	})

	It("leaves no position gap behind a rolled-back append", func() {
		Expect(store.Append(ctx, []dcb.InputEvent{dcb.NewInputEvent("Noted", nil, nil)})).To(Succeed())
		before, err := store.MaxPosition(ctx)
		Expect(err).NotTo(HaveOccurred())

		err = store.ExecuteInTransaction(context.Background(), func(ctx context.Context, tx dcb.Transaction) error {
			if err := tx.Append(ctx, []dcb.InputEvent{dcb.NewInputEvent("Aborted", nil, nil)}); err != nil {
				return err
			}
			return &dcb.DomainError{Reason: "rollback on purpose"}
		})
		Expect(err).To(HaveOccurred())

		Expect(store.Append(ctx, []dcb.InputEvent{dcb.NewInputEvent("Noted", nil, nil)})).To(Succeed())
		got, err := store.Query(ctx, dcb.NewQuery(nil, "Noted"), dcb.Cursor{Position: before - 1})
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(2))
		Expect(got[1].Position).To(Equal(before + 1))
	})

	It("rolls back the transaction when the callback returns an error", func() {
		before, _ := store.MaxPosition(ctx)

		err := store.ExecuteInTransaction(context.Background(), func(ctx context.Context, tx dcb.Transaction) error {
			e := dcb.NewInputEvent("ShouldNotPersist", nil, nil)
			if err := tx.Append(ctx, []dcb.InputEvent{e}); err != nil {
				return err
			}
			return &dcb.DomainError{Reason: "rollback on purpose"}
		})
		Expect(err).To(HaveOccurred())

		after, _ := store.MaxPosition(ctx)
		Expect(after).To(Equal(before))
	})
})
