// Package cash settles cash tenders in-house. There is no external processor, so a charge
// succeeds at once with a receipt id derived from the idempotency key.
package cash

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/frahmantamala/restaurant-pos/internal/provider"
)

const Name = "cash"

var (
	receiptNamespace = uuid.MustParse("6f1c1d3e-8a57-4e0b-9d6c-2b3f4a5e6c7d")
	refundNamespace  = uuid.MustParse("0b9e2c4a-1d7f-4f3e-a8b6-5c2d9e0f1a3b")
)

type Adapter struct{}

var (
	_ provider.Adapter  = (*Adapter)(nil)
	_ provider.Refunder = (*Adapter)(nil)
)

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string {
	return Name
}

type receipt struct {
	ReceiptID     string `json:"receipt_id"`
	TransactionID string `json:"transaction_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

func (a *Adapter) Charge(ctx context.Context, req provider.ChargeRequest, idempotencyKey string) provider.Outcome {
	if err := ctx.Err(); err != nil {
		return provider.TransportError(err)
	}
	id := "cash_" + uuid.NewSHA1(receiptNamespace, []byte(idempotencyKey)).String()
	raw, _ := json.Marshal(receipt{
		ReceiptID:     id,
		TransactionID: req.TransactionID,
		Amount:        req.Amount.String(),
		Currency:      req.Currency,
	})
	return provider.Succeeded(id, raw)
}

func (a *Adapter) Refund(ctx context.Context, req provider.RefundRequest, idempotencyKey string) provider.RefundOutcome {
	if err := ctx.Err(); err != nil {
		return provider.RefundOutcome{Kind: provider.OutcomeTransportError, Err: err}
	}
	id := "cashrf_" + uuid.NewSHA1(refundNamespace, []byte(idempotencyKey)).String()
	raw, _ := json.Marshal(receipt{
		ReceiptID:     id,
		TransactionID: req.TransactionID,
		Amount:        req.Amount.String(),
		Currency:      req.Currency,
	})
	return provider.RefundOutcome{Kind: provider.OutcomeSucceeded, ProviderRefundID: id, Raw: raw}
}
