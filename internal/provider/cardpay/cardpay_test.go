package cardpay_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/restaurant-pos/internal/provider"
	"github.com/frahmantamala/restaurant-pos/internal/provider/cardpay"
)

var _ = ginkgo.Describe("Adapter", func() {
	var (
		server  *httptest.Server
		adapter *cardpay.Adapter
		status  int
		body    string
		got     *http.Request
		gotBody map[string]interface{}
		req     provider.ChargeRequest
	)

	ginkgo.BeforeEach(func() {
		status, body, got, gotBody = http.StatusOK, "", nil, nil
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r
			data, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(data, &gotBody)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
		}))
		ginkgo.DeferCleanup(server.Close)

		adapter = cardpay.New(cardpay.Config{
			BaseURL:       server.URL,
			APIKey:        "sk_test",
			WebhookSecret: "whsec",
			Timeout:       2 * time.Second,
		})
		req = provider.ChargeRequest{
			TransactionID:      "T1",
			OrderID:            "O1",
			Amount:             decimal.RequireFromString("19.99"),
			Currency:           "USD",
			Method:             "card",
			PaymentMethodToken: "pm_visa",
		}
	})

	ginkgo.Describe("Charge", func() {
		ginkgo.It("should forward the key and amount in minor units", func() {
			body = `{"id":"ch_1","status":"succeeded","card":{"last4":"4242","brand":"visa"}}`

			out := adapter.Charge(context.Background(), req, "K1")

			gomega.Expect(got.URL.Path).To(gomega.Equal("/v1/charges"))
			gomega.Expect(got.Header.Get("Idempotency-Key")).To(gomega.Equal("K1"))
			gomega.Expect(got.Header.Get("Authorization")).To(gomega.Equal("Bearer sk_test"))
			gomega.Expect(gotBody["amount"]).To(gomega.BeEquivalentTo(1999))
			gomega.Expect(gotBody["currency"]).To(gomega.Equal("usd"))
			gomega.Expect(gotBody["metadata"]).To(gomega.HaveKeyWithValue("transaction_id", "T1"))

			gomega.Expect(out.Kind).To(gomega.Equal(provider.OutcomeSucceeded))
			gomega.Expect(out.ProviderTransactionID).To(gomega.Equal("ch_1"))
			gomega.Expect(out.Card).To(gomega.Equal(&provider.CardDetails{Last4: "4242", Brand: "visa"}))
			gomega.Expect(string(out.Raw)).To(gomega.Equal(body))
		})

		ginkgo.It("should map requires_action to a redirect", func() {
			body = `{"id":"ch_2","status":"requires_action","next_action":{"redirect_url":"https://3ds.example/ch_2"}}`

			out := adapter.Charge(context.Background(), req, "K1")

			gomega.Expect(out.Kind).To(gomega.Equal(provider.OutcomeRequiresAction))
			gomega.Expect(out.Action.Type).To(gomega.Equal(provider.ActionRedirect))
			gomega.Expect(out.Action.URL).To(gomega.Equal("https://3ds.example/ch_2"))
		})

		ginkgo.It("should map processing to pending", func() {
			body = `{"id":"ch_3","status":"processing"}`

			gomega.Expect(adapter.Charge(context.Background(), req, "K1").Kind).To(gomega.Equal(provider.OutcomePending))
		})

		ginkgo.It("should treat 402 as a decline", func() {
			status = http.StatusPaymentRequired
			body = `{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds.","charge_id":"ch_4"}}`

			out := adapter.Charge(context.Background(), req, "K1")

			gomega.Expect(out.Kind).To(gomega.Equal(provider.OutcomeDeclined))
			gomega.Expect(out.DeclineCode).To(gomega.Equal("insufficient_funds"))
			gomega.Expect(out.ProviderTransactionID).To(gomega.Equal("ch_4"))
		})

		ginkgo.DescribeTable("should treat transient statuses as transport errors",
			func(code int) {
				status = code
				body = `{"error":{"message":"try later"}}`

				out := adapter.Charge(context.Background(), req, "K1")

				gomega.Expect(out.Kind).To(gomega.Equal(provider.OutcomeTransportError))
				gomega.Expect(out.Err).To(gomega.HaveOccurred())
			},
			ginkgo.Entry("timeout", http.StatusRequestTimeout),
			ginkgo.Entry("rate limited", http.StatusTooManyRequests),
			ginkgo.Entry("server error", http.StatusBadGateway),
		)

		ginkgo.It("should treat other client errors as a rejection", func() {
			status = http.StatusBadRequest
			body = `{"error":{"message":"Invalid payment method"}}`

			out := adapter.Charge(context.Background(), req, "K1")

			gomega.Expect(out.Kind).To(gomega.Equal(provider.OutcomeDeclined))
			gomega.Expect(out.DeclineCode).To(gomega.Equal("provider_rejected"))
		})

		ginkgo.It("should report an unreachable provider as a transport error", func() {
			server.Close()

			out := adapter.Charge(context.Background(), req, "K1")

			gomega.Expect(out.Kind).To(gomega.Equal(provider.OutcomeTransportError))
		})
	})

	ginkgo.Describe("Refund", func() {
		ginkgo.It("should refund the provider charge", func() {
			body = `{"id":"re_1","status":"succeeded","charge":"ch_1"}`

			out := adapter.Refund(context.Background(), provider.RefundRequest{
				RefundID:              "R1",
				TransactionID:         "T1",
				ProviderTransactionID: "ch_1",
				Amount:                decimal.RequireFromString("5.00"),
				Currency:              "USD",
			}, "RK1")

			gomega.Expect(got.URL.Path).To(gomega.Equal("/v1/refunds"))
			gomega.Expect(got.Header.Get("Idempotency-Key")).To(gomega.Equal("RK1"))
			gomega.Expect(gotBody["charge"]).To(gomega.Equal("ch_1"))
			gomega.Expect(gotBody["amount"]).To(gomega.BeEquivalentTo(500))
			gomega.Expect(out.Kind).To(gomega.Equal(provider.OutcomeSucceeded))
			gomega.Expect(out.ProviderRefundID).To(gomega.Equal("re_1"))
		})
	})

	ginkgo.Describe("Webhooks", func() {
		payload := []byte(`{"id":"evt_1","type":"charge.succeeded","data":{"object":{"id":"ch_1","status":"succeeded","card":{"last4":"4242","brand":"visa"},"metadata":{"transaction_id":"T1","order_id":"O1"}}}}`)

		header := func(value string) http.Header {
			h := http.Header{}
			h.Set(cardpay.SignatureHeader, value)
			return h
		}

		ginkgo.It("should accept a valid signature", func() {
			sig := cardpay.Sign(payload, "whsec", time.Now())

			gomega.Expect(adapter.VerifyWebhook(provider.WebhookRequest{Body: payload, Header: header(sig)})).To(gomega.Succeed())
		})

		ginkgo.It("should reject a tampered body", func() {
			sig := cardpay.Sign(payload, "whsec", time.Now())
			tampered := append([]byte(nil), payload...)
			tampered[len(tampered)-3] = ' '

			err := adapter.VerifyWebhook(provider.WebhookRequest{Body: tampered, Header: header(sig)})

			gomega.Expect(errors.Is(err, provider.ErrSignatureMismatch)).To(gomega.BeTrue())
		})

		ginkgo.It("should reject the wrong secret", func() {
			sig := cardpay.Sign(payload, "other", time.Now())

			gomega.Expect(adapter.VerifyWebhook(provider.WebhookRequest{Body: payload, Header: header(sig)})).ToNot(gomega.Succeed())
		})

		ginkgo.It("should reject a stale timestamp", func() {
			sig := cardpay.Sign(payload, "whsec", time.Now().Add(-10*time.Minute))

			gomega.Expect(adapter.VerifyWebhook(provider.WebhookRequest{Body: payload, Header: header(sig)})).ToNot(gomega.Succeed())
		})

		ginkgo.It("should reject a missing header", func() {
			gomega.Expect(adapter.VerifyWebhook(provider.WebhookRequest{Body: payload, Header: http.Header{}})).ToNot(gomega.Succeed())
		})

		ginkgo.It("should normalize a charge event", func() {
			ev, err := adapter.ParseWebhook(payload)

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(ev.ID).To(gomega.Equal("evt_1"))
			gomega.Expect(ev.Kind).To(gomega.Equal(provider.EventPaymentSucceeded))
			gomega.Expect(ev.ProviderTransactionID).To(gomega.Equal("ch_1"))
			gomega.Expect(ev.TransactionID).To(gomega.Equal("T1"))
			gomega.Expect(ev.Card.Last4).To(gomega.Equal("4242"))
		})

		ginkgo.It("should normalize a refund event", func() {
			ev, err := adapter.ParseWebhook([]byte(`{"id":"evt_2","type":"refund.failed","data":{"object":{"id":"re_1","charge":"ch_1","failure_reason":"expired_card","metadata":{"refund_id":"R1"}}}}`))

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(ev.Kind).To(gomega.Equal(provider.EventRefundFailed))
			gomega.Expect(ev.ProviderRefundID).To(gomega.Equal("re_1"))
			gomega.Expect(ev.RefundID).To(gomega.Equal("R1"))
			gomega.Expect(ev.FailureReason).To(gomega.Equal("expired_card"))
		})

		ginkgo.It("should ignore unrelated event types", func() {
			ev, err := adapter.ParseWebhook([]byte(`{"id":"evt_3","type":"customer.created","data":{"object":{}}}`))

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(ev.Kind).To(gomega.Equal(provider.EventIgnored))
		})

		ginkgo.It("should reject malformed payloads", func() {
			_, err := adapter.ParseWebhook([]byte(`not json`))
			gomega.Expect(err).To(gomega.HaveOccurred())
		})
	})
})
