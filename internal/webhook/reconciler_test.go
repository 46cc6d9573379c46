package webhook_test

import (
	"context"
	"errors"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/frahmantamala/restaurant-pos/internal"
	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/transaction"
	"github.com/frahmantamala/restaurant-pos/internal/ledger"
	ledgermemory "github.com/frahmantamala/restaurant-pos/internal/ledger/memory"
	"github.com/frahmantamala/restaurant-pos/internal/provider"
	"github.com/frahmantamala/restaurant-pos/internal/settlement"
	"github.com/frahmantamala/restaurant-pos/internal/webhook"
)

var _ = ginkgo.Describe("Reconciler", func() {
	var (
		ctx        context.Context
		repo       *ledgermemory.Ledger
		orders     *mockOrders
		settler    *settlement.Settler
		reconciler *webhook.Reconciler
	)

	succeeded := func(eventID string) *provider.WebhookEvent {
		return &provider.WebhookEvent{
			ID:                    eventID,
			Type:                  "charge.succeeded",
			Kind:                  provider.EventPaymentSucceeded,
			ProviderTransactionID: "ch_1",
			TransactionID:         "tx-1",
			Card:                  &provider.CardDetails{Last4: "4242", Brand: "visa"},
			Raw:                   []byte(`{"id":"` + eventID + `"}`),
		}
	}

	ginkgo.BeforeEach(func() {
		ctx = context.Background()
		repo = ledgermemory.New()
		orders = &mockOrders{}
		settler = settlement.NewSettler(repo, orders, nil, discardLogger())
		reconciler = webhook.NewReconciler(repo, repo, repo, settler, discardLogger())
		seedPending(repo, "tx-1", "cardpay")
	})

	ginkgo.Context("payment events", func() {
		ginkgo.It("should apply a success once however often it is delivered", func() {
			result, err := reconciler.Apply(ctx, "cardpay", succeeded("evt_1"))
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(result).To(gomega.Equal(webhook.ResultApplied))

			for i := 0; i < 99; i++ {
				result, err = reconciler.Apply(ctx, "cardpay", succeeded("evt_1"))
				gomega.Expect(err).ToNot(gomega.HaveOccurred())
				gomega.Expect(result).To(gomega.Equal(webhook.ResultDuplicate))
			}

			tx, err := repo.FindByID(ctx, "tx-1")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(tx.Status).To(gomega.Equal(transaction.StatusSucceeded))
			gomega.Expect(tx.ProviderTxID()).To(gomega.Equal("ch_1"))
			gomega.Expect(*tx.CardLast4).To(gomega.Equal("4242"))
			gomega.Expect(orders.Calls()).To(gomega.Equal([]string{"O-tx-1/tx-1"}))
		})

		ginkgo.It("should not mark the order paid again after the synchronous path settled it", func() {
			ptx := "ch_1"
			result, err := repo.UpdateStatus(ctx, "tx-1", transaction.StatusSucceeded, ledger.StatusUpdate{ProviderTransactionID: &ptx})
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			settler.OnSucceeded(ctx, result.Transaction, settlement.SourceSync)

			applied, err := reconciler.Apply(ctx, "cardpay", succeeded("evt_1"))

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(applied).To(gomega.Equal(webhook.ResultNoop))
			gomega.Expect(orders.Calls()).To(gomega.HaveLen(1))
		})

		ginkgo.It("should treat two event ids reporting the same success as one transition", func() {
			_, err := reconciler.Apply(ctx, "cardpay", succeeded("evt_1"))
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			result, err := reconciler.Apply(ctx, "cardpay", succeeded("evt_2"))

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(result).To(gomega.Equal(webhook.ResultNoop))
			gomega.Expect(orders.Calls()).To(gomega.HaveLen(1))
		})

		ginkgo.It("should keep success and flag the row when a failure arrives afterwards", func() {
			_, err := reconciler.Apply(ctx, "cardpay", succeeded("evt_1"))
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			result, err := reconciler.Apply(ctx, "cardpay", &provider.WebhookEvent{
				ID:                    "evt_2",
				Type:                  "charge.failed",
				Kind:                  provider.EventPaymentFailed,
				ProviderTransactionID: "ch_1",
				FailureReason:         "card_declined",
			})

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(result).To(gomega.Equal(webhook.ResultConflict))

			tx, err := repo.FindByID(ctx, "tx-1")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(tx.Status).To(gomega.Equal(transaction.StatusSucceeded))
			gomega.Expect(tx.NeedsReview).To(gomega.BeTrue())
			gomega.Expect(*tx.ReviewReason).To(gomega.ContainSubstring("evt_2"))
		})

		ginkgo.It("should let a late success override an earlier failure", func() {
			_, err := reconciler.Apply(ctx, "cardpay", &provider.WebhookEvent{
				ID:            "evt_0",
				Kind:          provider.EventPaymentFailed,
				TransactionID: "tx-1",
			})
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			result, err := reconciler.Apply(ctx, "cardpay", succeeded("evt_1"))

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(result).To(gomega.Equal(webhook.ResultApplied))
			gomega.Expect(orders.Calls()).To(gomega.HaveLen(1))
		})

		ginkgo.It("should report an event for an unknown transaction as not found and accept its redelivery later", func() {
			ev := succeeded("evt_9")
			ev.ProviderTransactionID = "ch_9"
			ev.TransactionID = "tx-9"

			_, err := reconciler.Apply(ctx, "cardpay", ev)
			gomega.Expect(errors.Is(err, internal.ErrTransactionNotFound)).To(gomega.BeTrue())

			seedPending(repo, "tx-9", "cardpay")
			result, err := reconciler.Apply(ctx, "cardpay", ev)

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(result).To(gomega.Equal(webhook.ResultApplied))
		})

		ginkgo.It("should not match a transaction that belongs to another provider", func() {
			ev := succeeded("evt_1")
			ev.ProviderTransactionID = ""

			_, err := reconciler.Apply(ctx, "tillpay", ev)
			gomega.Expect(errors.Is(err, internal.ErrTransactionNotFound)).To(gomega.BeTrue())
		})

		ginkgo.It("should deduplicate events without an id by their body", func() {
			ev := succeeded("")

			first, err := reconciler.Apply(ctx, "cardpay", ev)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(first).To(gomega.Equal(webhook.ResultApplied))

			second, err := reconciler.Apply(ctx, "cardpay", ev)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(second).To(gomega.Equal(webhook.ResultDuplicate))
		})

		ginkgo.It("should acknowledge events it does not act on", func() {
			result, err := reconciler.Apply(ctx, "cardpay", &provider.WebhookEvent{
				ID:   "evt_x",
				Type: "customer.updated",
				Kind: provider.EventIgnored,
			})

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(result).To(gomega.Equal(webhook.ResultIgnored))
		})

		ginkgo.It("should surface a ledger outage so the provider redelivers", func() {
			repo.FailUpdates = errors.New("connection refused")

			_, err := reconciler.Apply(ctx, "cardpay", succeeded("evt_1"))
			gomega.Expect(errors.Is(err, internal.ErrLedgerUnavailable)).To(gomega.BeTrue())

			repo.FailUpdates = nil
			result, err := reconciler.Apply(ctx, "cardpay", succeeded("evt_1"))
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(result).To(gomega.Equal(webhook.ResultApplied))
		})
	})

	ginkgo.Context("refund events", func() {
		ginkgo.BeforeEach(func() {
			ptx := "ch_1"
			_, err := repo.UpdateStatus(ctx, "tx-1", transaction.StatusSucceeded, ledger.StatusUpdate{ProviderTransactionID: &ptx})
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			seedRefund(repo, "rf-1", "tx-1", "cardpay")
		})

		ginkgo.It("should settle a pending refund found by its id", func() {
			result, err := reconciler.Apply(ctx, "cardpay", &provider.WebhookEvent{
				ID:               "evt_r1",
				Kind:             provider.EventRefundSucceeded,
				ProviderRefundID: "re_1",
				RefundID:         "rf-1",
			})

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(result).To(gomega.Equal(webhook.ResultApplied))

			rf, err := repo.FindRefundByProviderRefundID(ctx, "cardpay", "re_1")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(rf.Status).To(gomega.Equal(transaction.StatusSucceeded))
		})

		ginkgo.It("should flag a refund the provider contradicts", func() {
			_, err := reconciler.Apply(ctx, "cardpay", &provider.WebhookEvent{
				ID:       "evt_r1",
				Kind:     provider.EventRefundSucceeded,
				RefundID: "rf-1",
			})
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			result, err := reconciler.Apply(ctx, "cardpay", &provider.WebhookEvent{
				ID:       "evt_r2",
				Kind:     provider.EventRefundFailed,
				RefundID: "rf-1",
			})

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(result).To(gomega.Equal(webhook.ResultConflict))

			rf, err := repo.FindRefundByID(ctx, "rf-1")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(rf.Status).To(gomega.Equal(transaction.StatusSucceeded))
			gomega.Expect(rf.NeedsReview).To(gomega.BeTrue())
		})

		ginkgo.It("should report an unknown refund as not found", func() {
			_, err := reconciler.Apply(ctx, "cardpay", &provider.WebhookEvent{
				ID:               "evt_r9",
				Kind:             provider.EventRefundSucceeded,
				ProviderRefundID: "re_9",
			})
			gomega.Expect(errors.Is(err, internal.ErrRefundNotFound)).To(gomega.BeTrue())
		})
	})
})
