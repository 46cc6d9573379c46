// Package order talks to the order-management service. The only call the payment
// service makes is marking an order paid once its payment succeeded.
package order

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type PaidNotice struct {
	TransactionID         string          `json:"transaction_id"`
	Provider              string          `json:"provider"`
	ProviderTransactionID string          `json:"provider_transaction_id,omitempty"`
	Amount                decimal.Decimal `json:"amount"`
	TipAmount             decimal.Decimal `json:"tip_amount"`
	Currency              string          `json:"currency"`
	PaidAt                time.Time       `json:"paid_at"`
}

type Client struct {
	client *resty.Client
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &Client{client: client}
}

// MarkPaid is keyed by the transaction id, so repeating it for the same payment is harmless.
// A 409 means the order already records this payment.
func (c *Client) MarkPaid(ctx context.Context, orderID string, notice PaidNotice) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", notice.TransactionID).
		SetPathParam("orderID", orderID).
		SetBody(notice).
		Patch("/orders/{orderID}/payment")
	if err != nil {
		return fmt.Errorf("mark order %s paid: %w", orderID, err)
	}

	if resp.IsSuccess() || resp.StatusCode() == http.StatusConflict {
		return nil
	}
	return fmt.Errorf("mark order %s paid: status %d: %s", orderID, resp.StatusCode(), resp.String())
}
