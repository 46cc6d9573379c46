package payment_test

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/restaurant-pos/internal"
	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/transaction"
	"github.com/frahmantamala/restaurant-pos/internal/ledger"
	ledgermemory "github.com/frahmantamala/restaurant-pos/internal/ledger/memory"
	"github.com/frahmantamala/restaurant-pos/internal/payment"
	"github.com/frahmantamala/restaurant-pos/internal/provider"
)

func seedTransaction(repo *ledgermemory.Ledger, id string, status transaction.Status) {
	ctx := context.Background()
	tx := &transaction.Transaction{
		ID:             id,
		OrderID:        "O1",
		Method:         payment.MethodCard,
		Provider:       "cardpay",
		Amount:         decimal.RequireFromString("50"),
		TipAmount:      decimal.Zero,
		Currency:       "USD",
		IdempotencyKey: "K-" + id,
	}
	gomega.Expect(repo.CreatePending(ctx, tx)).To(gomega.Succeed())
	if status == transaction.StatusPending {
		return
	}
	ptx := "ch_" + id
	_, err := repo.UpdateStatus(ctx, id, status, ledger.StatusUpdate{ProviderTransactionID: &ptx, Attempts: 1})
	gomega.Expect(err).ToNot(gomega.HaveOccurred())
}

var _ = ginkgo.Describe("RefundService", func() {
	var (
		ctx     context.Context
		repo    *ledgermemory.Ledger
		adapter *refundingAdapter
		settled *mockRefundSettler
		service *payment.RefundService
	)

	refundReq := func(key, amount string) *payment.RefundRequest {
		req := &payment.RefundRequest{TransactionID: "tx-1", IdempotencyKey: key, Reason: "guest complaint"}
		if amount != "" {
			req.Amount = decimal.RequireFromString(amount)
		}
		return req
	}

	ginkgo.BeforeEach(func() {
		ctx = context.Background()
		repo = ledgermemory.New()
		settled = &mockRefundSettler{}
		adapter = &refundingAdapter{
			scriptedAdapter: newScriptedAdapter(provider.Succeeded("ch_1", nil)),
			refundOutcomes:  []provider.RefundOutcome{{Kind: provider.OutcomeSucceeded, ProviderRefundID: "re_1"}},
		}
		service = payment.NewRefundService(repo, repo, provider.NewRegistry(adapter), settled, 0, discardLogger())
		seedTransaction(repo, "tx-1", transaction.StatusSucceeded)
	})

	ginkgo.It("should refund the remaining amount when no amount is given", func() {
		resp, err := service.RequestRefund(ctx, refundReq("R1", ""))

		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(resp.Status).To(gomega.Equal(transaction.StatusSucceeded))
		gomega.Expect(resp.Amount).To(gomega.Equal("50.00"))
		gomega.Expect(resp.ProviderRefundID).To(gomega.Equal("re_1"))
		gomega.Expect(resp.HTTPStatus()).To(gomega.Equal(200))
		gomega.Expect(adapter.RefundKeys()).To(gomega.Equal([]string{resp.RefundID}))
		gomega.Expect(settled.Settled()).To(gomega.HaveLen(1))
	})

	ginkgo.It("should replay a refund for a repeated key without calling the provider", func() {
		first, err := service.RequestRefund(ctx, refundReq("R1", "10"))
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		second, err := service.RequestRefund(ctx, refundReq("R1", "10"))

		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(second.RefundID).To(gomega.Equal(first.RefundID))
		gomega.Expect(second.Status).To(gomega.Equal(transaction.StatusSucceeded))
		gomega.Expect(adapter.RefundKeys()).To(gomega.HaveLen(1))
	})

	ginkgo.It("should reject a repeated key with a different amount", func() {
		_, err := service.RequestRefund(ctx, refundReq("R1", "10"))
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		_, err = service.RequestRefund(ctx, refundReq("R1", "12"))
		gomega.Expect(errors.Is(err, internal.ErrIdempotencyKeyReused)).To(gomega.BeTrue())
	})

	ginkgo.It("should never refund more than was captured", func() {
		_, err := service.RequestRefund(ctx, refundReq("R1", "30"))
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		_, err = service.RequestRefund(ctx, refundReq("R2", "25"))
		gomega.Expect(errors.Is(err, internal.ErrRefundNotAllowed)).To(gomega.BeTrue())

		resp, err := service.RequestRefund(ctx, refundReq("R3", ""))
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(resp.Amount).To(gomega.Equal("20.00"))
	})

	ginkgo.It("should not over-refund when refunds for one payment arrive together", func() {
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted int
			refused  int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer ginkgo.GinkgoRecover()
				defer wg.Done()
				_, err := service.RequestRefund(ctx, refundReq(fmt.Sprintf("R%d", i), "10"))
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					accepted++
					return
				}
				gomega.Expect(errors.Is(err, internal.ErrRefundNotAllowed)).To(gomega.BeTrue())
				refused++
			}(i)
		}
		wg.Wait()

		gomega.Expect(accepted).To(gomega.Equal(5))
		gomega.Expect(refused).To(gomega.Equal(5))
		gomega.Expect(adapter.RefundKeys()).To(gomega.HaveLen(5))
	})

	ginkgo.It("should reject a refund amount finer than the currency's minor unit", func() {
		_, err := service.RequestRefund(ctx, refundReq("R1", "10.005"))

		appErr, ok := internal.IsAppError(err)
		gomega.Expect(ok).To(gomega.BeTrue())
		gomega.Expect(appErr.Code).To(gomega.Equal(internal.ErrCodeInvalidAmount))
		gomega.Expect(adapter.RefundKeys()).To(gomega.BeEmpty())
	})

	ginkgo.It("should not count failed refunds against the captured amount", func() {
		adapter.refundOutcomes = []provider.RefundOutcome{
			{Kind: provider.OutcomeDeclined, FailureReason: "insufficient balance"},
			{Kind: provider.OutcomeSucceeded, ProviderRefundID: "re_2"},
		}

		failed, err := service.RequestRefund(ctx, refundReq("R1", "50"))
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(failed.Status).To(gomega.Equal(transaction.StatusFailed))
		gomega.Expect(failed.FailureReason).To(gomega.Equal("insufficient balance"))

		resp, err := service.RequestRefund(ctx, refundReq("R2", "50"))
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(resp.Status).To(gomega.Equal(transaction.StatusSucceeded))
	})

	ginkgo.It("should refuse to refund a payment that did not succeed", func() {
		seedTransaction(repo, "tx-2", transaction.StatusFailed)

		req := refundReq("R1", "")
		req.TransactionID = "tx-2"
		_, err := service.RequestRefund(ctx, req)

		gomega.Expect(errors.Is(err, internal.ErrRefundNotAllowed)).To(gomega.BeTrue())
		gomega.Expect(adapter.RefundKeys()).To(gomega.BeEmpty())
	})

	ginkgo.It("should report an unknown transaction as not found", func() {
		req := refundReq("R1", "")
		req.TransactionID = "missing"

		_, err := service.RequestRefund(ctx, req)
		gomega.Expect(errors.Is(err, internal.ErrTransactionNotFound)).To(gomega.BeTrue())
	})

	ginkgo.It("should require an idempotency key", func() {
		_, err := service.RequestRefund(ctx, refundReq("", "10"))
		gomega.Expect(errors.Is(err, internal.ErrInvalidRequest)).To(gomega.BeTrue())
	})

	ginkgo.It("should leave the refund pending for a provider that confirms by webhook", func() {
		service = payment.NewRefundService(repo, repo, provider.NewRegistry(adapter.scriptedAdapter), settled, 0, discardLogger())

		resp, err := service.RequestRefund(ctx, refundReq("R1", "10"))

		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(resp.Status).To(gomega.Equal(transaction.StatusPending))
		gomega.Expect(resp.HTTPStatus()).To(gomega.Equal(202))
		gomega.Expect(settled.Settled()).To(gomega.BeEmpty())
	})

	ginkgo.It("should send an unacknowledged refund again under the same key", func() {
		adapter.refundOutcomes = []provider.RefundOutcome{
			{Kind: provider.OutcomeTransportError, Err: errors.New("connection reset")},
			{Kind: provider.OutcomeSucceeded, ProviderRefundID: "re_1"},
		}

		first, err := service.RequestRefund(ctx, refundReq("R1", "10"))
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(first.Status).To(gomega.Equal(transaction.StatusPending))

		second, err := service.RequestRefund(ctx, refundReq("R1", "10"))
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		gomega.Expect(second.Status).To(gomega.Equal(transaction.StatusSucceeded))
		gomega.Expect(adapter.RefundKeys()).To(gomega.Equal([]string{first.RefundID, first.RefundID}))
	})
})
