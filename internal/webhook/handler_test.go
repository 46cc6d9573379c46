package webhook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/transaction"
	ledgermemory "github.com/frahmantamala/restaurant-pos/internal/ledger/memory"
	"github.com/frahmantamala/restaurant-pos/internal/provider"
	"github.com/frahmantamala/restaurant-pos/internal/provider/cardpay"
	"github.com/frahmantamala/restaurant-pos/internal/provider/cash"
	"github.com/frahmantamala/restaurant-pos/internal/settlement"
	"github.com/frahmantamala/restaurant-pos/internal/transport"
	"github.com/frahmantamala/restaurant-pos/internal/webhook"
)

const testSecret = "whsec_test"

var chargeSucceeded = []byte(`{
  "id": "evt_1",
  "type": "charge.succeeded",
  "data": {"object": {"id": "ch_1", "status": "succeeded", "card": {"last4": "4242", "brand": "visa"},
    "metadata": {"transaction_id": "tx-1", "order_id": "O-tx-1"}}}
}`)

var _ = ginkgo.Describe("WebhookHandler", func() {
	var (
		repo     *ledgermemory.Ledger
		orders   *mockOrders
		router   chi.Router
		recorder *httptest.ResponseRecorder
	)

	post := func(providerName string, body []byte, signature string) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/"+providerName, bytes.NewReader(body))
		if signature != "" {
			req.Header.Set(cardpay.SignatureHeader, signature)
		}
		router.ServeHTTP(recorder, req)
	}

	ginkgo.BeforeEach(func() {
		repo = ledgermemory.New()
		orders = &mockOrders{}
		seedPending(repo, "tx-1", "cardpay")

		registry := provider.NewRegistry(
			cardpay.New(cardpay.Config{BaseURL: "http://cardpay.invalid", WebhookSecret: testSecret}),
			cash.New(),
		)
		settler := settlement.NewSettler(repo, orders, nil, discardLogger())
		reconciler := webhook.NewReconciler(repo, repo, repo, settler, discardLogger())
		handler := webhook.NewHandler(transport.NewBaseHandler(discardLogger()), registry, reconciler)

		router = chi.NewRouter()
		router.Post("/api/v1/webhooks/{provider}", handler.Receive)
		recorder = httptest.NewRecorder()
	})

	ginkgo.It("should apply a correctly signed event", func() {
		post("cardpay", chargeSucceeded, cardpay.Sign(chargeSucceeded, testSecret, time.Now()))

		gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusOK))
		var ack webhook.AckResponse
		gomega.Expect(json.Unmarshal(recorder.Body.Bytes(), &ack)).To(gomega.Succeed())
		gomega.Expect(ack).To(gomega.Equal(webhook.AckResponse{Status: "ok", Result: webhook.ResultApplied}))

		tx, err := repo.FindByID(context.Background(), "tx-1")
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(tx.Status).To(gomega.Equal(transaction.StatusSucceeded))
		gomega.Expect(orders.Calls()).To(gomega.HaveLen(1))
	})

	ginkgo.It("should acknowledge a redelivery without applying it again", func() {
		signature := cardpay.Sign(chargeSucceeded, testSecret, time.Now())
		post("cardpay", chargeSucceeded, signature)
		recorder = httptest.NewRecorder()

		post("cardpay", chargeSucceeded, signature)

		gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusOK))
		gomega.Expect(recorder.Body.String()).To(gomega.ContainSubstring(`"duplicate"`))
		gomega.Expect(orders.Calls()).To(gomega.HaveLen(1))
	})

	ginkgo.It("should reject a bad signature without touching the ledger", func() {
		post("cardpay", chargeSucceeded, cardpay.Sign(chargeSucceeded, "wrong-secret", time.Now()))

		gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusUnauthorized))

		tx, err := repo.FindByID(context.Background(), "tx-1")
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(tx.Status).To(gomega.Equal(transaction.StatusPending))
		gomega.Expect(orders.Calls()).To(gomega.BeEmpty())
	})

	ginkgo.It("should reject a body changed after signing", func() {
		signature := cardpay.Sign(chargeSucceeded, testSecret, time.Now())
		tampered := bytes.Replace(chargeSucceeded, []byte("ch_1"), []byte("ch_2"), 1)

		post("cardpay", tampered, signature)

		gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusUnauthorized))
	})

	ginkgo.It("should reject a missing signature", func() {
		post("cardpay", chargeSucceeded, "")

		gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusUnauthorized))
	})

	ginkgo.It("should answer 404 for a provider without webhooks", func() {
		post("cash", chargeSucceeded, "")

		gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusNotFound))
	})

	ginkgo.It("should answer 404 for an unknown provider", func() {
		post("nope", chargeSucceeded, "")

		gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusNotFound))
	})

	ginkgo.It("should reject an oversized body", func() {
		body := []byte(`{"id":"evt_big","pad":"` + strings.Repeat("x", 2<<20) + `"}`)

		post("cardpay", body, cardpay.Sign(body, testSecret, time.Now()))

		gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusBadRequest))
	})

	ginkgo.It("should answer 404 for a transaction it does not know yet", func() {
		body := bytes.Replace(chargeSucceeded, []byte(`"tx-1"`), []byte(`"tx-unknown"`), 1)

		post("cardpay", body, cardpay.Sign(body, testSecret, time.Now()))

		gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusNotFound))
	})
})
