// Package qrwallet is the adapter for the QR wallet processor. Charges create a QR order the
// customer scans; the final result arrives by webhook.
package qrwallet

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

const Name = "qrwallet"

const (
	codeOK          = "0000"
	codeSystemBusy  = "9999"
	requestIDHeader = "X-Request-Id"
)

type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	NotifyURL     string
	Timeout       time.Duration
}

type Adapter struct {
	client *resty.Client
	cfg    Config
}

var (
	_ provider.Adapter         = (*Adapter)(nil)
	_ provider.WebhookVerifier = (*Adapter)(nil)
)

func New(cfg Config) *Adapter {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("X-Api-Key", cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &Adapter{client: client, cfg: cfg}
}

func (a *Adapter) Name() string {
	return Name
}

type orderRequest struct {
	MerchantOrderNo string `json:"merchant_order_no"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	Subject         string `json:"subject"`
	NotifyURL       string `json:"notify_url,omitempty"`
}

type orderResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    *struct {
		OrderNo         string `json:"order_no"`
		MerchantOrderNo string `json:"merchant_order_no"`
		Status          string `json:"status"`
		QRCode          string `json:"qr_code"`
		PayURL          string `json:"pay_url"`
	} `json:"data"`
}

// Charge creates a QR order. The wallet deduplicates on the request id header, and
// merchant_order_no carries our transaction id so webhooks can be matched without the order number.
func (a *Adapter) Charge(ctx context.Context, req provider.ChargeRequest, idempotencyKey string) provider.Outcome {
	amount, err := provider.FormatMajor(req.Amount, req.Currency)
	if err != nil {
		return provider.Declined("", "invalid_amount", err.Error(), nil)
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader(requestIDHeader, idempotencyKey).
		SetBody(orderRequest{
			MerchantOrderNo: req.TransactionID,
			Amount:          amount,
			Currency:        strings.ToUpper(req.Currency),
			Subject:         "Order " + req.OrderID,
			NotifyURL:       a.cfg.NotifyURL,
		}).
		Post("/api/v1/qr-orders")
	if err != nil {
		return provider.TransportError(fmt.Errorf("qrwallet charge: %w", err))
	}

	raw := resp.Body()
	if resp.StatusCode() >= http.StatusInternalServerError || resp.StatusCode() == http.StatusTooManyRequests {
		return provider.TransportError(fmt.Errorf("qrwallet charge: status %d", resp.StatusCode())).WithRaw(raw)
	}

	var body orderResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return provider.TransportError(fmt.Errorf("qrwallet charge: unreadable response: %w", err)).WithRaw(raw)
	}

	switch {
	case body.Code == codeSystemBusy:
		return provider.TransportError(fmt.Errorf("qrwallet charge: %s", body.Message)).WithRaw(raw)
	case body.Code != codeOK:
		return provider.Declined("", body.Code, body.Message, raw)
	case body.Data == nil:
		return provider.TransportError(fmt.Errorf("qrwallet charge: empty data")).WithRaw(raw)
	}

	d := body.Data
	switch d.Status {
	case "SUCCESS":
		return provider.Succeeded(d.OrderNo, raw)
	case "WAIT_BUYER_PAY":
		return provider.RequiresAction(d.OrderNo, provider.Action{
			Type:   provider.ActionDisplayQR,
			URL:    d.PayURL,
			QRCode: d.QRCode,
		}, raw)
	case "PROCESSING":
		return provider.Pending(d.OrderNo, raw)
	default:
		return provider.Declined(d.OrderNo, strings.ToLower(d.Status), "order "+strings.ToLower(d.Status), raw)
	}
}
