// Package cardpay is the adapter for the CardPay card processor.
package cardpay

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

const Name = "cardpay"

type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
	// Tolerance is how old a webhook timestamp may be. Zero means five minutes.
	Tolerance time.Duration
}

type Adapter struct {
	client *resty.Client
	cfg    Config
	now    func() time.Time
}

var (
	_ provider.Adapter         = (*Adapter)(nil)
	_ provider.Refunder        = (*Adapter)(nil)
	_ provider.WebhookVerifier = (*Adapter)(nil)
)

func New(cfg Config) *Adapter {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 5 * time.Minute
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &Adapter{client: client, cfg: cfg, now: time.Now}
}

func (a *Adapter) Name() string {
	return Name
}

type chargeRequest struct {
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	PaymentMethod string            `json:"payment_method,omitempty"`
	Confirm       bool              `json:"confirm"`
	Description   string            `json:"description,omitempty"`
	Metadata      map[string]string `json:"metadata"`
}

type card struct {
	Last4 string `json:"last4"`
	Brand string `json:"brand"`
}

type charge struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Card       *card  `json:"card"`
	NextAction *struct {
		RedirectURL string `json:"redirect_url"`
	} `json:"next_action"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

type errorBody struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
		ChargeID    string `json:"charge_id"`
	} `json:"error"`
}

func (a *Adapter) Charge(ctx context.Context, req provider.ChargeRequest, idempotencyKey string) provider.Outcome {
	amount, err := provider.MinorUnits(req.Amount, req.Currency)
	if err != nil {
		return provider.Declined("", "invalid_amount", err.Error(), nil)
	}

	metadata := map[string]string{
		"transaction_id": req.TransactionID,
		"order_id":       req.OrderID,
	}
	for k, v := range req.Metadata {
		if _, reserved := metadata[k]; !reserved {
			metadata[k] = v
		}
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", idempotencyKey).
		SetBody(chargeRequest{
			Amount:        amount,
			Currency:      strings.ToLower(req.Currency),
			PaymentMethod: req.PaymentMethodToken,
			Confirm:       true,
			Description:   "order " + req.OrderID,
			Metadata:      metadata,
		}).
		Post("/v1/charges")
	if err != nil {
		return provider.TransportError(fmt.Errorf("cardpay charge: %w", err))
	}

	raw := resp.Body()
	status := resp.StatusCode()
	switch {
	case status == http.StatusPaymentRequired:
		var body errorBody
		_ = json.Unmarshal(raw, &body)
		code := body.Error.DeclineCode
		if code == "" {
			code = body.Error.Code
		}
		return provider.Declined(body.Error.ChargeID, code, body.Error.Message, raw)
	case retryableStatus(status):
		return provider.TransportError(fmt.Errorf("cardpay charge: status %d", status)).WithRaw(raw)
	case status >= http.StatusBadRequest:
		var body errorBody
		_ = json.Unmarshal(raw, &body)
		return provider.Declined("", "provider_rejected", body.Error.Message, raw)
	}

	var ch charge
	if err := json.Unmarshal(raw, &ch); err != nil || ch.ID == "" {
		// the charge may exist; the next attempt with the same key returns it
		return provider.TransportError(fmt.Errorf("cardpay charge: unreadable response: %v", err)).WithRaw(raw)
	}
	return chargeOutcome(ch, raw)
}

func chargeOutcome(ch charge, raw []byte) provider.Outcome {
	var out provider.Outcome
	switch ch.Status {
	case "succeeded":
		out = provider.Succeeded(ch.ID, raw)
	case "requires_action":
		action := provider.Action{Type: provider.ActionRedirect}
		if ch.NextAction != nil {
			action.URL = ch.NextAction.RedirectURL
		}
		out = provider.RequiresAction(ch.ID, action, raw)
	case "processing":
		out = provider.Pending(ch.ID, raw)
	default:
		code, msg := ch.Status, ""
		if ch.LastError != nil {
			code, msg = ch.LastError.Code, ch.LastError.Message
		}
		out = provider.Declined(ch.ID, code, msg, raw)
	}
	if ch.Card != nil {
		out = out.WithCard(ch.Card.Last4, ch.Card.Brand)
	}
	return out
}

type refundRequest struct {
	Charge   string            `json:"charge"`
	Amount   int64             `json:"amount"`
	Reason   string            `json:"reason,omitempty"`
	Metadata map[string]string `json:"metadata"`
}

type refund struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Charge        string `json:"charge"`
	FailureReason string `json:"failure_reason"`
	Metadata      struct {
		RefundID      string `json:"refund_id"`
		TransactionID string `json:"transaction_id"`
	} `json:"metadata"`
}

func (a *Adapter) Refund(ctx context.Context, req provider.RefundRequest, idempotencyKey string) provider.RefundOutcome {
	amount, err := provider.MinorUnits(req.Amount, req.Currency)
	if err != nil {
		return provider.RefundOutcome{Kind: provider.OutcomeDeclined, FailureReason: err.Error()}
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", idempotencyKey).
		SetBody(refundRequest{
			Charge: req.ProviderTransactionID,
			Amount: amount,
			Reason: req.Reason,
			Metadata: map[string]string{
				"refund_id":      req.RefundID,
				"transaction_id": req.TransactionID,
			},
		}).
		Post("/v1/refunds")
	if err != nil {
		return provider.RefundOutcome{Kind: provider.OutcomeTransportError, Err: fmt.Errorf("cardpay refund: %w", err)}
	}

	raw := resp.Body()
	status := resp.StatusCode()
	if retryableStatus(status) {
		return provider.RefundOutcome{Kind: provider.OutcomeTransportError, Raw: raw, Err: fmt.Errorf("cardpay refund: status %d", status)}
	}
	if status >= http.StatusBadRequest {
		var body errorBody
		_ = json.Unmarshal(raw, &body)
		return provider.RefundOutcome{Kind: provider.OutcomeDeclined, Raw: raw, FailureReason: body.Error.Message}
	}

	var rf refund
	if err := json.Unmarshal(raw, &rf); err != nil || rf.ID == "" {
		return provider.RefundOutcome{Kind: provider.OutcomeTransportError, Raw: raw, Err: fmt.Errorf("cardpay refund: unreadable response: %v", err)}
	}
	switch rf.Status {
	case "succeeded":
		return provider.RefundOutcome{Kind: provider.OutcomeSucceeded, ProviderRefundID: rf.ID, Raw: raw}
	case "failed", "canceled":
		return provider.RefundOutcome{Kind: provider.OutcomeDeclined, ProviderRefundID: rf.ID, Raw: raw, FailureReason: rf.FailureReason}
	default:
		return provider.RefundOutcome{Kind: provider.OutcomePending, ProviderRefundID: rf.ID, Raw: raw}
	}
}

func retryableStatus(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}
