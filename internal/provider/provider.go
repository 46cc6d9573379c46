// Package provider defines the contract between the payment orchestrator and the external
// payment processors, and the registry that resolves a provider identifier to its adapter.
package provider

import (
	"context"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
)

type OutcomeKind string

const (
	OutcomeSucceeded      OutcomeKind = "succeeded"
	OutcomePending        OutcomeKind = "pending"
	OutcomeRequiresAction OutcomeKind = "requires_action"
	OutcomeDeclined       OutcomeKind = "declined"
	OutcomeTransportError OutcomeKind = "transport_error"
)

var errTransport = errors.New("provider transport error")

// CardDetails is display data only. Full card data never leaves the provider.
type CardDetails struct {
	Last4 string
	Brand string
}

// Action tells the caller what the customer has to do before the payment can finish.
type Action struct {
	Type   string `json:"type"`
	URL    string `json:"url,omitempty"`
	QRCode string `json:"qr_code,omitempty"`
}

const (
	ActionRedirect  = "redirect"
	ActionDisplayQR = "display_qr"
)

// Outcome is the normalized result of one charge attempt.
type Outcome struct {
	Kind                  OutcomeKind
	ProviderTransactionID string
	Raw                   []byte
	Card                  *CardDetails
	Action                *Action
	DeclineCode           string
	DeclineMessage        string
	// Err is set for transport errors only.
	Err error
}

func Succeeded(providerTxID string, raw []byte) Outcome {
	return Outcome{Kind: OutcomeSucceeded, ProviderTransactionID: providerTxID, Raw: raw}
}

func Pending(providerTxID string, raw []byte) Outcome {
	return Outcome{Kind: OutcomePending, ProviderTransactionID: providerTxID, Raw: raw}
}

func RequiresAction(providerTxID string, action Action, raw []byte) Outcome {
	return Outcome{Kind: OutcomeRequiresAction, ProviderTransactionID: providerTxID, Action: &action, Raw: raw}
}

func Declined(providerTxID, code, message string, raw []byte) Outcome {
	return Outcome{
		Kind:                  OutcomeDeclined,
		ProviderTransactionID: providerTxID,
		DeclineCode:           code,
		DeclineMessage:        message,
		Raw:                   raw,
	}
}

// TransportError always carries a non-nil Err.
func TransportError(err error) Outcome {
	if err == nil {
		err = errTransport
	}
	return Outcome{Kind: OutcomeTransportError, Err: err}
}

func (o Outcome) WithCard(last4, brand string) Outcome {
	if last4 == "" && brand == "" {
		return o
	}
	o.Card = &CardDetails{Last4: last4, Brand: brand}
	return o
}

func (o Outcome) WithRaw(raw []byte) Outcome {
	o.Raw = raw
	return o
}

type ChargeRequest struct {
	TransactionID      string
	OrderID            string
	Amount             decimal.Decimal
	Currency           string
	Method             string
	PaymentMethodToken string
	Metadata           map[string]string
}

// Adapter translates a charge into one provider's API. Implementations must forward the
// idempotency key so a repeated call with the same key never charges twice.
type Adapter interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest, idempotencyKey string) Outcome
}

type RefundRequest struct {
	RefundID              string
	TransactionID         string
	ProviderTransactionID string
	Amount                decimal.Decimal
	Currency              string
	Reason                string
}

// RefundOutcome uses the charge outcome kinds. Requires-action never applies to refunds.
type RefundOutcome struct {
	Kind             OutcomeKind
	ProviderRefundID string
	Raw              []byte
	FailureReason    string
	Err              error
}

type Refunder interface {
	Refund(ctx context.Context, req RefundRequest, idempotencyKey string) RefundOutcome
}

type WebhookRequest struct {
	Body   []byte
	Header http.Header
}

type EventKind string

const (
	EventPaymentSucceeded EventKind = "payment.succeeded"
	EventPaymentFailed    EventKind = "payment.failed"
	EventPaymentPending   EventKind = "payment.pending"
	EventRefundSucceeded  EventKind = "refund.succeeded"
	EventRefundFailed     EventKind = "refund.failed"
	// EventIgnored marks notifications the service does not act on.
	EventIgnored EventKind = "ignored"
)

func (k EventKind) IsRefund() bool {
	return k == EventRefundSucceeded || k == EventRefundFailed
}

// WebhookEvent is a provider notification normalized for the reconciler.
type WebhookEvent struct {
	ID                    string
	Type                  string
	Kind                  EventKind
	ProviderTransactionID string
	// TransactionID is our id when the provider echoes it back.
	TransactionID    string
	OrderID          string
	ProviderRefundID string
	RefundID         string
	FailureReason    string
	Card             *CardDetails
	Raw              []byte
}

// ErrSignatureMismatch is returned by verifiers for any header that does not authenticate the body.
var ErrSignatureMismatch = errors.New("webhook signature mismatch")

type WebhookVerifier interface {
	VerifyWebhook(req WebhookRequest) error
	ParseWebhook(body []byte) (*WebhookEvent, error)
}
