package cardpay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/frahmantamala/restaurant-pos/internal/provider"
)

const SignatureHeader = "Cardpay-Signature"

// Sign builds a signature header value: t=<unix seconds>,v1=<hex hmac-sha256 of "t.body">.
func Sign(body []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac(secret, ts, body)))
}

func mac(secret, ts string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(body)
	return h.Sum(nil)
}

func (a *Adapter) VerifyWebhook(req provider.WebhookRequest) error {
	header := req.Header.Get(SignatureHeader)
	if header == "" || a.cfg.WebhookSecret == "" {
		return provider.ErrSignatureMismatch
	}

	var ts string
	var sigs [][]byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			if sig, err := hex.DecodeString(v); err == nil {
				sigs = append(sigs, sig)
			}
		}
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || len(sigs) == 0 {
		return provider.ErrSignatureMismatch
	}
	if age := a.now().Sub(time.Unix(unix, 0)); age > a.cfg.Tolerance || age < -a.cfg.Tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", provider.ErrSignatureMismatch)
	}

	expected := mac(a.cfg.WebhookSecret, ts, req.Body)
	for _, sig := range sigs {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return provider.ErrSignatureMismatch
}

type event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID             string            `json:"id"`
			Status         string            `json:"status"`
			Charge         string            `json:"charge"`
			Card           *card             `json:"card"`
			FailureCode    string            `json:"failure_code"`
			FailureMessage string            `json:"failure_message"`
			FailureReason  string            `json:"failure_reason"`
			Metadata       map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

func (a *Adapter) ParseWebhook(body []byte) (*provider.WebhookEvent, error) {
	var ev event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("cardpay webhook: %w", err)
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, fmt.Errorf("cardpay webhook: missing event id or type")
	}

	obj := ev.Data.Object
	out := &provider.WebhookEvent{
		ID:   ev.ID,
		Type: ev.Type,
		Raw:  body,
	}

	switch ev.Type {
	case "charge.succeeded", "charge.failed", "charge.pending":
		out.ProviderTransactionID = obj.ID
		out.TransactionID = obj.Metadata["transaction_id"]
		out.OrderID = obj.Metadata["order_id"]
		if obj.Card != nil {
			out.Card = &provider.CardDetails{Last4: obj.Card.Last4, Brand: obj.Card.Brand}
		}
		switch ev.Type {
		case "charge.succeeded":
			out.Kind = provider.EventPaymentSucceeded
		case "charge.failed":
			out.Kind = provider.EventPaymentFailed
			out.FailureReason = firstNonEmpty(obj.FailureMessage, obj.FailureCode, "declined")
		default:
			out.Kind = provider.EventPaymentPending
		}
	case "refund.succeeded", "refund.failed":
		out.ProviderRefundID = obj.ID
		out.ProviderTransactionID = obj.Charge
		out.RefundID = obj.Metadata["refund_id"]
		out.TransactionID = obj.Metadata["transaction_id"]
		if ev.Type == "refund.succeeded" {
			out.Kind = provider.EventRefundSucceeded
		} else {
			out.Kind = provider.EventRefundFailed
			out.FailureReason = firstNonEmpty(obj.FailureReason, "refund failed")
		}
	default:
		out.Kind = provider.EventIgnored
	}

	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
