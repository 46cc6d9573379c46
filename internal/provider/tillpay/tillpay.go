// Package tillpay is the adapter for the TillPay card processor.
package tillpay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/frahmantamala/restaurant-pos/internal/provider"
)

const Name = "tillpay"

type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	// NotificationURL is the exact URL registered with TillPay. It is part of the signed payload.
	NotificationURL string
	Timeout         time.Duration
}

type Adapter struct {
	client *resty.Client
	cfg    Config
}

var (
	_ provider.Adapter         = (*Adapter)(nil)
	_ provider.Refunder        = (*Adapter)(nil)
	_ provider.WebhookVerifier = (*Adapter)(nil)
)

func New(cfg Config) *Adapter {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &Adapter{client: client, cfg: cfg}
}

func (a *Adapter) Name() string {
	return Name
}

type money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type paymentRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	AmountMoney    money  `json:"amount_money"`
	SourceID       string `json:"source_id,omitempty"`
	ReferenceID    string `json:"reference_id"`
	Note           string `json:"note,omitempty"`
	Autocomplete   bool   `json:"autocomplete"`
}

type payment struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	ReferenceID string `json:"reference_id"`
	Note        string `json:"note"`
	CardDetails *struct {
		Status string `json:"status"`
		Card   struct {
			Last4     string `json:"last_4"`
			CardBrand string `json:"card_brand"`
		} `json:"card"`
	} `json:"card_details"`
}

type apiError struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
}

type paymentResponse struct {
	Payment *payment   `json:"payment"`
	Errors  []apiError `json:"errors"`
}

func (a *Adapter) Charge(ctx context.Context, req provider.ChargeRequest, idempotencyKey string) provider.Outcome {
	amount, err := provider.MinorUnits(req.Amount, req.Currency)
	if err != nil {
		return provider.Declined("", "invalid_amount", err.Error(), nil)
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(paymentRequest{
			IdempotencyKey: idempotencyKey,
			AmountMoney:    money{Amount: amount, Currency: strings.ToUpper(req.Currency)},
			SourceID:       req.PaymentMethodToken,
			ReferenceID:    req.TransactionID,
			Note:           "order " + req.OrderID,
			Autocomplete:   true,
		}).
		Post("/v2/payments")
	if err != nil {
		return provider.TransportError(fmt.Errorf("tillpay charge: %w", err))
	}

	raw := resp.Body()
	status := resp.StatusCode()

	var body paymentResponse
	decodeErr := json.Unmarshal(raw, &body)

	switch {
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return provider.TransportError(fmt.Errorf("tillpay charge: status %d", status)).WithRaw(raw)
	case status >= http.StatusBadRequest:
		ptx := ""
		if body.Payment != nil {
			ptx = body.Payment.ID
		}
		if e, ok := firstError(body.Errors); ok {
			if e.Category == "PAYMENT_METHOD_ERROR" {
				return provider.Declined(ptx, e.Code, e.Detail, raw)
			}
			return provider.Declined(ptx, "provider_rejected", e.Detail, raw)
		}
		return provider.Declined(ptx, "provider_rejected", fmt.Sprintf("status %d", status), raw)
	}

	if decodeErr != nil || body.Payment == nil || body.Payment.ID == "" {
		return provider.TransportError(fmt.Errorf("tillpay charge: unreadable response: %v", decodeErr)).WithRaw(raw)
	}
	return paymentOutcome(body.Payment, raw)
}

func paymentOutcome(p *payment, raw []byte) provider.Outcome {
	var out provider.Outcome
	switch p.Status {
	case "COMPLETED":
		out = provider.Succeeded(p.ID, raw)
	case "APPROVED", "PENDING":
		out = provider.Pending(p.ID, raw)
	default:
		code := strings.ToLower(p.Status)
		if p.CardDetails != nil && p.CardDetails.Status != "" {
			code = strings.ToLower(p.CardDetails.Status)
		}
		out = provider.Declined(p.ID, code, "payment "+strings.ToLower(p.Status), raw)
	}
	if p.CardDetails != nil {
		out = out.WithCard(p.CardDetails.Card.Last4, strings.ToLower(p.CardDetails.Card.CardBrand))
	}
	return out
}

func firstError(errs []apiError) (apiError, bool) {
	if len(errs) == 0 {
		return apiError{}, false
	}
	return errs[0], true
}

type refundRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	AmountMoney    money  `json:"amount_money"`
	PaymentID      string `json:"payment_id"`
	Reason         string `json:"reason,omitempty"`
}

type refundObject struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	PaymentID string `json:"payment_id"`
	Reason    string `json:"reason"`
}

type refundResponse struct {
	Refund *refundObject `json:"refund"`
	Errors []apiError    `json:"errors"`
}

func (a *Adapter) Refund(ctx context.Context, req provider.RefundRequest, idempotencyKey string) provider.RefundOutcome {
	amount, err := provider.MinorUnits(req.Amount, req.Currency)
	if err != nil {
		return provider.RefundOutcome{Kind: provider.OutcomeDeclined, FailureReason: err.Error()}
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(refundRequest{
			IdempotencyKey: idempotencyKey,
			AmountMoney:    money{Amount: amount, Currency: strings.ToUpper(req.Currency)},
			PaymentID:      req.ProviderTransactionID,
			Reason:         req.Reason,
		}).
		Post("/v2/refunds")
	if err != nil {
		return provider.RefundOutcome{Kind: provider.OutcomeTransportError, Err: fmt.Errorf("tillpay refund: %w", err)}
	}

	raw := resp.Body()
	status := resp.StatusCode()
	var body refundResponse
	decodeErr := json.Unmarshal(raw, &body)

	switch {
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return provider.RefundOutcome{Kind: provider.OutcomeTransportError, Raw: raw, Err: fmt.Errorf("tillpay refund: status %d", status)}
	case status >= http.StatusBadRequest:
		reason := fmt.Sprintf("status %d", status)
		if e, ok := firstError(body.Errors); ok {
			reason = e.Detail
		}
		return provider.RefundOutcome{Kind: provider.OutcomeDeclined, Raw: raw, FailureReason: reason}
	}
	if decodeErr != nil || body.Refund == nil || body.Refund.ID == "" {
		return provider.RefundOutcome{Kind: provider.OutcomeTransportError, Raw: raw, Err: fmt.Errorf("tillpay refund: unreadable response: %v", decodeErr)}
	}

	return refundOutcome(body.Refund, raw)
}

func refundOutcome(rf *refundObject, raw []byte) provider.RefundOutcome {
	switch rf.Status {
	case "COMPLETED":
		return provider.RefundOutcome{Kind: provider.OutcomeSucceeded, ProviderRefundID: rf.ID, Raw: raw}
	case "FAILED", "REJECTED":
		return provider.RefundOutcome{Kind: provider.OutcomeDeclined, ProviderRefundID: rf.ID, Raw: raw, FailureReason: "refund " + strings.ToLower(rf.Status)}
	default:
		return provider.RefundOutcome{Kind: provider.OutcomePending, ProviderRefundID: rf.ID, Raw: raw}
	}
}
