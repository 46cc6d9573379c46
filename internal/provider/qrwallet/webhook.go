package qrwallet

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/frahmantamala/restaurant-pos/internal/provider"
)

const SignatureHeader = "X-Wallet-Signature"

type signatureClaims struct {
	BodySHA256 string `json:"body_sha256"`
	jwt.RegisteredClaims
}

// Sign issues the HS256 token the wallet sends with each notification.
func Sign(body []byte, secret string, at time.Time) (string, error) {
	sum := sha256.Sum256(body)
	claims := signatureClaims{
		BodySHA256: hex.EncodeToString(sum[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Name,
			IssuedAt:  jwt.NewNumericDate(at),
			ExpiresAt: jwt.NewNumericDate(at.Add(5 * time.Minute)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func (a *Adapter) VerifyWebhook(req provider.WebhookRequest) error {
	token := req.Header.Get(SignatureHeader)
	if token == "" || a.cfg.WebhookSecret == "" {
		return provider.ErrSignatureMismatch
	}

	var claims signatureClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(a.cfg.WebhookSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrSignatureMismatch, err)
	}

	sum := sha256.Sum256(req.Body)
	want := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(claims.BodySHA256), []byte(want)) != 1 {
		return provider.ErrSignatureMismatch
	}
	return nil
}

type notification struct {
	NotifyID         string `json:"notify_id"`
	NotifyType       string `json:"notify_type"`
	OrderNo          string `json:"order_no"`
	MerchantOrderNo  string `json:"merchant_order_no"`
	TradeStatus      string `json:"trade_status"`
	RefundNo         string `json:"refund_no"`
	MerchantRefundNo string `json:"merchant_refund_no"`
	RefundStatus     string `json:"refund_status"`
	Reason           string `json:"reason"`
}

func (a *Adapter) ParseWebhook(body []byte) (*provider.WebhookEvent, error) {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("qrwallet webhook: %w", err)
	}
	if n.NotifyID == "" || n.NotifyType == "" {
		return nil, fmt.Errorf("qrwallet webhook: missing notify_id or notify_type")
	}

	ev := &provider.WebhookEvent{
		ID:                    n.NotifyID,
		Type:                  n.NotifyType,
		ProviderTransactionID: n.OrderNo,
		TransactionID:         n.MerchantOrderNo,
		Raw:                   body,
		Kind:                  provider.EventIgnored,
	}

	switch n.NotifyType {
	case "trade_status_sync":
		switch n.TradeStatus {
		case "TRADE_SUCCESS":
			ev.Kind = provider.EventPaymentSucceeded
		case "TRADE_CLOSED", "TRADE_FAILED":
			ev.Kind = provider.EventPaymentFailed
			ev.FailureReason = n.Reason
			if ev.FailureReason == "" {
				ev.FailureReason = "trade closed"
			}
		case "WAIT_BUYER_PAY":
			ev.Kind = provider.EventPaymentPending
		}
	case "refund_status_sync":
		ev.ProviderRefundID = n.RefundNo
		ev.RefundID = n.MerchantRefundNo
		switch n.RefundStatus {
		case "SUCCESS":
			ev.Kind = provider.EventRefundSucceeded
		case "FAIL":
			ev.Kind = provider.EventRefundFailed
			ev.FailureReason = n.Reason
		}
	}

	return ev, nil
}
