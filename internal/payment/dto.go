package payment

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/restaurant-pos/internal"
	"github.com/frahmantamala/restaurant-pos/internal/core/common/validation"
	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/refund"
	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/transaction"
	"github.com/frahmantamala/restaurant-pos/internal/idempotency"
	"github.com/frahmantamala/restaurant-pos/internal/provider"
)

const (
	MethodCard   = "card"
	MethodQR     = "qr"
	MethodWallet = "wallet"
	MethodCash   = "cash"
)

var Methods = []string{MethodCard, MethodQR, MethodWallet, MethodCash}

// Codes carried in PaymentResponse.Error. They describe the payment, not the request.
const (
	CodePaymentDeclined     = "PAYMENT_DECLINED"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
)

// exhaustedPrefix marks failure reasons written after the retry budget ran out.
const exhaustedPrefix = "provider unavailable: "

var maxAmount = decimal.NewFromInt(1_000_000)

type PaymentRequest struct {
	OrderID            string            `json:"order_id"`
	Amount             decimal.Decimal   `json:"amount"`
	Currency           string            `json:"currency"`
	Method             string            `json:"method"`
	Provider           string            `json:"provider"`
	PaymentMethodToken string            `json:"payment_method_token,omitempty"`
	IdempotencyKey     string            `json:"idempotency_key,omitempty"`
	TipAmount          decimal.Decimal   `json:"tip_amount"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

func (p *PaymentRequest) Normalize() {
	p.OrderID = strings.TrimSpace(p.OrderID)
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	p.Method = strings.ToLower(strings.TrimSpace(p.Method))
	p.Provider = strings.TrimSpace(p.Provider)
	p.IdempotencyKey = strings.TrimSpace(p.IdempotencyKey)
}

func (p *PaymentRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("order_id", p.OrderID).Required().MaxLength(64)
	validator.Field("amount", p.Amount).
		Positive(errors.ErrCodeInvalidAmount).
		Max(maxAmount, errors.ErrCodeInvalidAmount).
		CurrencyScale(p.Currency, errors.ErrCodeInvalidAmount)
	validator.Field("tip_amount", p.TipAmount).
		NonNegative(errors.ErrCodeInvalidAmount).
		Max(maxAmount, errors.ErrCodeInvalidAmount).
		CurrencyScale(p.Currency, errors.ErrCodeInvalidAmount)
	validator.Field("currency", p.Currency).Required().Currency()
	validator.Field("method", p.Method).Required().OneOf(Methods, errors.ErrCodeInvalidMethod)
	validator.Field("provider", p.Provider).Required().MaxLength(32)
	validator.Field("idempotency_key", p.IdempotencyKey).MaxLength(255)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

// Total is what the provider is asked to charge.
func (p *PaymentRequest) Total() decimal.Decimal {
	return p.Amount.Add(p.TipAmount)
}

// Fingerprint identifies the request behind an idempotency key. Amounts are compared by value,
// so "19.9" and "19.90" fingerprint the same.
func (p *PaymentRequest) Fingerprint() string {
	keys := make([]string, 0, len(p.Metadata))
	for k := range p.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := []string{
		p.OrderID,
		p.Amount.String(),
		p.TipAmount.String(),
		p.Currency,
		p.Method,
		p.Provider,
		p.PaymentMethodToken,
	}
	for _, k := range keys {
		parts = append(parts, k+"="+p.Metadata[k])
	}
	return idempotency.Fingerprint(parts...)
}

type ErrorBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	DeclineCode string `json:"decline_code,omitempty"`
	Retryable   bool   `json:"retryable"`
}

type CardResponse struct {
	Last4 string `json:"last4,omitempty"`
	Brand string `json:"brand,omitempty"`
}

type PaymentResponse struct {
	TransactionID          string             `json:"transaction_id"`
	OrderID                string             `json:"order_id"`
	Status                 transaction.Status `json:"status"`
	Amount                 string             `json:"amount"`
	TipAmount              string             `json:"tip_amount,omitempty"`
	Currency               string             `json:"currency"`
	Provider               string             `json:"provider"`
	ProviderTransactionID  string             `json:"provider_transaction_id,omitempty"`
	Card                   *CardResponse      `json:"card,omitempty"`
	Error                  *ErrorBody         `json:"error,omitempty"`
	RequiresAction         *provider.Action   `json:"requires_action,omitempty"`
	ReconciliationRequired bool               `json:"reconciliation_required,omitempty"`
}

func (r *PaymentResponse) HTTPStatus() int {
	switch r.Status {
	case transaction.StatusSucceeded:
		return http.StatusOK
	case transaction.StatusFailed:
		return http.StatusPaymentRequired
	default:
		return http.StatusAccepted
	}
}

// TransactionResponse is the ledger view returned by GET /payments/{id}.
type TransactionResponse struct {
	PaymentResponse
	Method           string    `json:"method"`
	Attempts         int       `json:"attempts"`
	NeedsReview      bool      `json:"needs_review"`
	OrderSyncPending bool      `json:"order_sync_pending"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func formatAmount(amount decimal.Decimal, currency string) string {
	s, err := provider.FormatMajor(amount, currency)
	if err != nil {
		return amount.String()
	}
	return s
}

func newPaymentResponse(tx *transaction.Transaction) *PaymentResponse {
	resp := &PaymentResponse{
		TransactionID:          tx.ID,
		OrderID:                tx.OrderID,
		Status:                 tx.Status,
		Amount:                 formatAmount(tx.Amount, tx.Currency),
		Currency:               tx.Currency,
		Provider:               tx.Provider,
		ProviderTransactionID:  tx.ProviderTxID(),
		ReconciliationRequired: tx.OrderSyncPending,
	}
	if tx.TipAmount.IsPositive() {
		resp.TipAmount = formatAmount(tx.TipAmount, tx.Currency)
	}
	if tx.CardLast4 != nil || tx.CardBrand != nil {
		resp.Card = &CardResponse{}
		if tx.CardLast4 != nil {
			resp.Card.Last4 = *tx.CardLast4
		}
		if tx.CardBrand != nil {
			resp.Card.Brand = *tx.CardBrand
		}
	}
	if tx.Status == transaction.StatusFailed {
		reason := ""
		if tx.FailureReason != nil {
			reason = *tx.FailureReason
		}
		resp.Error = errorBodyFor(reason)
	}
	return resp
}

func newTransactionResponse(tx *transaction.Transaction) *TransactionResponse {
	return &TransactionResponse{
		PaymentResponse:  *newPaymentResponse(tx),
		Method:           tx.Method,
		Attempts:         tx.Attempts,
		NeedsReview:      tx.NeedsReview,
		OrderSyncPending: tx.OrderSyncPending,
		CreatedAt:        tx.CreatedAt,
		UpdatedAt:        tx.UpdatedAt,
	}
}

func declineReason(out provider.Outcome) string {
	code := out.DeclineCode
	if code == "" {
		code = "declined"
	}
	if out.DeclineMessage == "" {
		return code
	}
	return code + ": " + out.DeclineMessage
}

func exhaustedReason(out provider.Outcome) string {
	if out.Err == nil {
		return exhaustedPrefix + "retries exhausted"
	}
	return exhaustedPrefix + out.Err.Error()
}

// errorBodyFor rebuilds the caller-facing error from a stored failure reason.
func errorBodyFor(reason string) *ErrorBody {
	if strings.HasPrefix(reason, exhaustedPrefix) {
		return &ErrorBody{
			Code:      CodeProviderUnavailable,
			Message:   "payment provider could not be reached, try again",
			Retryable: true,
		}
	}

	code, message, _ := strings.Cut(reason, ": ")
	if message == "" {
		message = "payment was declined"
	}
	return &ErrorBody{
		Code:        CodePaymentDeclined,
		Message:     message,
		DeclineCode: code,
		Retryable:   false,
	}
}

type RefundRequest struct {
	TransactionID  string          `json:"-"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

func (r *RefundRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("transaction_id", r.TransactionID).Required()
	validator.Field("idempotency_key", r.IdempotencyKey).Required().MaxLength(255)
	validator.Field("amount", r.Amount).NonNegative(errors.ErrCodeInvalidAmount)
	validator.Field("reason", r.Reason).MaxLength(255)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type RefundResponse struct {
	RefundID         string             `json:"refund_id"`
	TransactionID    string             `json:"transaction_id"`
	Status           transaction.Status `json:"status"`
	Amount           string             `json:"amount"`
	Currency         string             `json:"currency"`
	ProviderRefundID string             `json:"provider_refund_id,omitempty"`
	FailureReason    string             `json:"failure_reason,omitempty"`
}

func (r *RefundResponse) HTTPStatus() int {
	switch r.Status {
	case transaction.StatusSucceeded:
		return http.StatusOK
	case transaction.StatusFailed:
		return http.StatusPaymentRequired
	default:
		return http.StatusAccepted
	}
}

func newRefundResponse(rf *refund.Refund) *RefundResponse {
	resp := &RefundResponse{
		RefundID:         rf.ID,
		TransactionID:    rf.TransactionID,
		Status:           rf.Status,
		Amount:           formatAmount(rf.Amount, rf.Currency),
		Currency:         rf.Currency,
		ProviderRefundID: rf.ProviderRefID(),
	}
	if rf.FailureReason != nil {
		resp.FailureReason = *rf.FailureReason
	}
	return resp
}
