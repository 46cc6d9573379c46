package tillpay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/frahmantamala/restaurant-pos/internal/provider"
)

const SignatureHeader = "X-Tillpay-Hmacsha256-Signature"

// Sign returns the base64 HMAC-SHA256 of the notification URL followed by the body.
func Sign(notificationURL string, body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(notificationURL))
	h.Write(body)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (a *Adapter) VerifyWebhook(req provider.WebhookRequest) error {
	header := req.Header.Get(SignatureHeader)
	if header == "" || a.cfg.WebhookSecret == "" {
		return provider.ErrSignatureMismatch
	}
	got, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return provider.ErrSignatureMismatch
	}
	want, _ := base64.StdEncoding.DecodeString(Sign(a.cfg.NotificationURL, req.Body, a.cfg.WebhookSecret))
	if !hmac.Equal(got, want) {
		return provider.ErrSignatureMismatch
	}
	return nil
}

type notification struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Data    struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Object struct {
			Payment *payment      `json:"payment"`
			Refund  *refundObject `json:"refund"`
		} `json:"object"`
	} `json:"data"`
}

func (a *Adapter) ParseWebhook(body []byte) (*provider.WebhookEvent, error) {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("tillpay webhook: %w", err)
	}
	if n.EventID == "" || n.Type == "" {
		return nil, fmt.Errorf("tillpay webhook: missing event_id or type")
	}

	ev := &provider.WebhookEvent{ID: n.EventID, Type: n.Type, Raw: body, Kind: provider.EventIgnored}

	switch {
	case strings.HasPrefix(n.Type, "payment.") && n.Data.Object.Payment != nil:
		p := n.Data.Object.Payment
		ev.ProviderTransactionID = p.ID
		ev.TransactionID = p.ReferenceID
		if p.CardDetails != nil {
			ev.Card = &provider.CardDetails{Last4: p.CardDetails.Card.Last4, Brand: strings.ToLower(p.CardDetails.Card.CardBrand)}
		}
		switch p.Status {
		case "COMPLETED":
			ev.Kind = provider.EventPaymentSucceeded
		case "FAILED", "CANCELED":
			ev.Kind = provider.EventPaymentFailed
			ev.FailureReason = "payment " + strings.ToLower(p.Status)
		default:
			ev.Kind = provider.EventPaymentPending
		}
	case strings.HasPrefix(n.Type, "refund.") && n.Data.Object.Refund != nil:
		rf := n.Data.Object.Refund
		ev.ProviderRefundID = rf.ID
		ev.ProviderTransactionID = rf.PaymentID
		switch rf.Status {
		case "COMPLETED":
			ev.Kind = provider.EventRefundSucceeded
		case "FAILED", "REJECTED":
			ev.Kind = provider.EventRefundFailed
			ev.FailureReason = "refund " + strings.ToLower(rf.Status)
		}
	}

	return ev, nil
}
