package sandbox

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/frahmantamala/restaurant-pos/internal/provider"
)

const SignatureHeader = "X-Sandbox-Signature"

type notification struct {
	EventID               string `json:"event_id"`
	Type                  string `json:"type"`
	ProviderTransactionID string `json:"payment_id"`
	TransactionID         string `json:"transaction_id"`
	OrderID               string `json:"order_id"`
	FailureReason         string `json:"failure_reason,omitempty"`
}

func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Client) VerifyWebhook(req provider.WebhookRequest) error {
	got, err := hex.DecodeString(req.Header.Get(SignatureHeader))
	if err != nil || len(got) == 0 || c.webhookSecret == "" {
		return provider.ErrSignatureMismatch
	}
	want, _ := hex.DecodeString(Sign(req.Body, c.webhookSecret))
	if !hmac.Equal(got, want) {
		return provider.ErrSignatureMismatch
	}
	return nil
}

func (c *Client) ParseWebhook(body []byte) (*provider.WebhookEvent, error) {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("sandbox webhook: %w", err)
	}
	if n.EventID == "" {
		return nil, fmt.Errorf("sandbox webhook: missing event_id")
	}

	ev := &provider.WebhookEvent{
		ID:                    n.EventID,
		Type:                  n.Type,
		ProviderTransactionID: n.ProviderTransactionID,
		TransactionID:         n.TransactionID,
		OrderID:               n.OrderID,
		FailureReason:         n.FailureReason,
		Raw:                   body,
		Kind:                  provider.EventIgnored,
	}
	switch provider.EventKind(n.Type) {
	case provider.EventPaymentSucceeded, provider.EventPaymentFailed, provider.EventPaymentPending:
		ev.Kind = provider.EventKind(n.Type)
	}
	return ev, nil
}
