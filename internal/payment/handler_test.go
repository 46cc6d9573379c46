package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/frahmantamala/restaurant-pos/internal"
	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/transaction"
	paymentpkg "github.com/frahmantamala/restaurant-pos/internal/payment"
	"github.com/frahmantamala/restaurant-pos/internal/transport"
)

type mockPaymentService struct {
	processErr   error
	response     *paymentpkg.PaymentResponse
	received     *paymentpkg.PaymentRequest
	getErr       error
	transaction  *paymentpkg.TransactionResponse
	requestedID  string
	processCalls int
}

func (m *mockPaymentService) ProcessPayment(_ context.Context, req *paymentpkg.PaymentRequest) (*paymentpkg.PaymentResponse, error) {
	m.processCalls++
	m.received = req
	if m.processErr != nil {
		return nil, m.processErr
	}
	return m.response, nil
}

func (m *mockPaymentService) GetTransaction(_ context.Context, id string) (*paymentpkg.TransactionResponse, error) {
	m.requestedID = id
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.transaction, nil
}

type mockRefundService struct {
	err      error
	response *paymentpkg.RefundResponse
	received *paymentpkg.RefundRequest
}

func (m *mockRefundService) RequestRefund(_ context.Context, req *paymentpkg.RefundRequest) (*paymentpkg.RefundResponse, error) {
	m.received = req
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func newJSONRequest(method, target string, body interface{}) *http.Request {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		gomega.Expect(json.NewEncoder(&buf).Encode(b)).To(gomega.Succeed())
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeError(recorder *httptest.ResponseRecorder) map[string]interface{} {
	var body struct {
		Error map[string]interface{} `json:"error"`
	}
	gomega.Expect(json.Unmarshal(recorder.Body.Bytes(), &body)).To(gomega.Succeed())
	return body.Error
}

var _ = ginkgo.Describe("PaymentHandler", func() {
	var (
		handler  *paymentpkg.Handler
		payments *mockPaymentService
		refunds  *mockRefundService
		router   chi.Router
		recorder *httptest.ResponseRecorder
	)

	validBody := map[string]interface{}{
		"order_id": "O1",
		"amount":   "19.99",
		"currency": "USD",
		"method":   "card",
		"provider": "cardpay",
	}

	ginkgo.BeforeEach(func() {
		payments = &mockPaymentService{
			response: &paymentpkg.PaymentResponse{
				TransactionID: "tx-1",
				OrderID:       "O1",
				Status:        transaction.StatusSucceeded,
				Amount:        "19.99",
				Currency:      "USD",
				Provider:      "cardpay",
			},
		}
		refunds = &mockRefundService{}
		handler = paymentpkg.NewHandler(transport.NewBaseHandler(discardLogger()), payments, refunds)

		router = chi.NewRouter()
		router.Post("/api/v1/payments", handler.CreatePayment)
		router.Get("/api/v1/payments/{id}", handler.GetPayment)
		router.Post("/api/v1/payments/{id}/refunds", handler.CreateRefund)

		recorder = httptest.NewRecorder()
	})

	ginkgo.Context("CreatePayment", func() {
		ginkgo.It("should return 200 with the payment for a succeeded charge", func() {
			req := newJSONRequest(http.MethodPost, "/api/v1/payments", validBody)
			req.Header.Set(paymentpkg.IdempotencyKeyHeader, "K1")

			router.ServeHTTP(recorder, req)

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusOK))
			gomega.Expect(payments.received.IdempotencyKey).To(gomega.Equal("K1"))
			gomega.Expect(payments.received.Amount.String()).To(gomega.Equal("19.99"))

			var resp paymentpkg.PaymentResponse
			gomega.Expect(json.Unmarshal(recorder.Body.Bytes(), &resp)).To(gomega.Succeed())
			gomega.Expect(resp.TransactionID).To(gomega.Equal("tx-1"))
		})

		ginkgo.It("should accept the key from the body when the header is absent", func() {
			body := map[string]interface{}{}
			for k, v := range validBody {
				body[k] = v
			}
			body["idempotency_key"] = "K-body"

			router.ServeHTTP(recorder, newJSONRequest(http.MethodPost, "/api/v1/payments", body))

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusOK))
			gomega.Expect(payments.received.IdempotencyKey).To(gomega.Equal("K-body"))
		})

		ginkgo.It("should reject a header key that disagrees with the body", func() {
			body := map[string]interface{}{}
			for k, v := range validBody {
				body[k] = v
			}
			body["idempotency_key"] = "K-body"
			req := newJSONRequest(http.MethodPost, "/api/v1/payments", body)
			req.Header.Set(paymentpkg.IdempotencyKeyHeader, "K-header")

			router.ServeHTTP(recorder, req)

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusBadRequest))
			gomega.Expect(payments.processCalls).To(gomega.BeZero())
		})

		ginkgo.It("should return 402 for a declined payment", func() {
			payments.response.Status = transaction.StatusFailed
			payments.response.Error = &paymentpkg.ErrorBody{Code: paymentpkg.CodePaymentDeclined, DeclineCode: "card_declined"}

			router.ServeHTTP(recorder, newJSONRequest(http.MethodPost, "/api/v1/payments", validBody))

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusPaymentRequired))
		})

		ginkgo.It("should return 202 for a payment awaiting the customer", func() {
			payments.response.Status = transaction.StatusRequiresAction

			router.ServeHTTP(recorder, newJSONRequest(http.MethodPost, "/api/v1/payments", validBody))

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusAccepted))
		})

		ginkgo.It("should return 400 for malformed JSON", func() {
			router.ServeHTTP(recorder, newJSONRequest(http.MethodPost, "/api/v1/payments", "{not json"))

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusBadRequest))
			gomega.Expect(decodeError(recorder)["code"]).To(gomega.Equal(string(internal.ErrCodeInvalidRequest)))
		})

		ginkgo.It("should map a reused key to 422", func() {
			payments.processErr = internal.ErrIdempotencyKeyReused

			router.ServeHTTP(recorder, newJSONRequest(http.MethodPost, "/api/v1/payments", validBody))

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusUnprocessableEntity))
			gomega.Expect(decodeError(recorder)["code"]).To(gomega.Equal(string(internal.ErrCodeIdempotencyKeyReused)))
		})

		ginkgo.It("should map a payment still in progress to 409", func() {
			payments.processErr = internal.ErrPaymentInProgress

			router.ServeHTTP(recorder, newJSONRequest(http.MethodPost, "/api/v1/payments", validBody))

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusConflict))
		})

		ginkgo.It("should map an unavailable idempotency store to 503", func() {
			payments.processErr = internal.ErrIdempotencyUnavailable

			router.ServeHTTP(recorder, newJSONRequest(http.MethodPost, "/api/v1/payments", validBody))

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusServiceUnavailable))
		})

		ginkgo.It("should hide unexpected errors behind a 500", func() {
			payments.processErr = errors.New("boom")

			router.ServeHTTP(recorder, newJSONRequest(http.MethodPost, "/api/v1/payments", validBody))

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusInternalServerError))
			gomega.Expect(recorder.Body.String()).ToNot(gomega.ContainSubstring("boom"))
		})
	})

	ginkgo.Context("GetPayment", func() {
		ginkgo.It("should return the transaction", func() {
			payments.transaction = &paymentpkg.TransactionResponse{
				PaymentResponse: paymentpkg.PaymentResponse{TransactionID: "tx-1", Status: transaction.StatusSucceeded},
				Attempts:        1,
			}

			router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/payments/tx-1", nil))

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusOK))
			gomega.Expect(payments.requestedID).To(gomega.Equal("tx-1"))
		})

		ginkgo.It("should return 404 for an unknown transaction", func() {
			payments.getErr = internal.ErrTransactionNotFound

			router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/payments/missing", nil))

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusNotFound))
		})
	})

	ginkgo.Context("CreateRefund", func() {
		ginkgo.It("should take the transaction id from the path", func() {
			refunds.response = &paymentpkg.RefundResponse{RefundID: "rf-1", TransactionID: "tx-1", Status: transaction.StatusPending}
			req := newJSONRequest(http.MethodPost, "/api/v1/payments/tx-1/refunds", map[string]interface{}{"amount": "5.00"})
			req.Header.Set(paymentpkg.IdempotencyKeyHeader, "R1")

			router.ServeHTTP(recorder, req)

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusAccepted))
			gomega.Expect(refunds.received.TransactionID).To(gomega.Equal("tx-1"))
			gomega.Expect(refunds.received.IdempotencyKey).To(gomega.Equal("R1"))
		})

		ginkgo.It("should map a refund above the captured amount to 422", func() {
			refunds.err = internal.ErrRefundNotAllowed
			req := newJSONRequest(http.MethodPost, "/api/v1/payments/tx-1/refunds", map[string]interface{}{"amount": "500"})
			req.Header.Set(paymentpkg.IdempotencyKeyHeader, "R1")

			router.ServeHTTP(recorder, req)

			gomega.Expect(recorder.Code).To(gomega.Equal(http.StatusUnprocessableEntity))
		})
	})
})
