package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentSucceeded       = "payment.succeeded"
	EventTypePaymentFailed          = "payment.failed"
	EventTypePaymentRequiresAction  = "payment.requires_action"
	EventTypeReconciliationConflict = "payment.reconciliation_conflict"
	EventTypeRefundSucceeded        = "refund.succeeded"
	EventTypeRefundFailed           = "refund.failed"
)

// PaymentEvent reports a ledger transition of a payment. Source is "sync" when the
// processing call applied it and "webhook" when a provider notification did.
type PaymentEvent struct {
	BaseEvent
	TransactionID         string `json:"transaction_id"`
	OrderID               string `json:"order_id"`
	Provider              string `json:"provider"`
	ProviderTransactionID string `json:"provider_transaction_id,omitempty"`
	Amount                string `json:"amount"`
	Currency              string `json:"currency"`
	Status                string `json:"status"`
	FailureReason         string `json:"failure_reason,omitempty"`
	Source                string `json:"source"`
}

type PaymentEventParams struct {
	TransactionID         string
	OrderID               string
	Provider              string
	ProviderTransactionID string
	Amount                string
	Currency              string
	Status                string
	FailureReason         string
	Source                string
}

func NewPaymentEvent(eventType string, p PaymentEventParams) *PaymentEvent {
	data := map[string]interface{}{
		"transaction_id":          p.TransactionID,
		"order_id":                p.OrderID,
		"provider":                p.Provider,
		"provider_transaction_id": p.ProviderTransactionID,
		"amount":                  p.Amount,
		"currency":                p.Currency,
		"status":                  p.Status,
		"source":                  p.Source,
	}
	if p.FailureReason != "" {
		data["failure_reason"] = p.FailureReason
	}

	return &PaymentEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      eventType,
			Timestamp: time.Now(),
			Data:      data,
		},
		TransactionID:         p.TransactionID,
		OrderID:               p.OrderID,
		Provider:              p.Provider,
		ProviderTransactionID: p.ProviderTransactionID,
		Amount:                p.Amount,
		Currency:              p.Currency,
		Status:                p.Status,
		FailureReason:         p.FailureReason,
		Source:                p.Source,
	}
}

// ConflictEvent is raised when a provider reports failure for a payment the ledger already
// records as succeeded. The ledger keeps the success and the row is flagged for review.
type ConflictEvent struct {
	BaseEvent
	TransactionID  string `json:"transaction_id"`
	Provider       string `json:"provider"`
	LedgerStatus   string `json:"ledger_status"`
	ReportedStatus string `json:"reported_status"`
	ProviderEvent  string `json:"provider_event_id,omitempty"`
}

func NewConflictEvent(transactionID, provider, ledgerStatus, reportedStatus, providerEventID string) *ConflictEvent {
	return &ConflictEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeReconciliationConflict,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"transaction_id":    transactionID,
				"provider":          provider,
				"ledger_status":     ledgerStatus,
				"reported_status":   reportedStatus,
				"provider_event_id": providerEventID,
			},
		},
		TransactionID:  transactionID,
		Provider:       provider,
		LedgerStatus:   ledgerStatus,
		ReportedStatus: reportedStatus,
		ProviderEvent:  providerEventID,
	}
}

type RefundEvent struct {
	BaseEvent
	RefundID      string `json:"refund_id"`
	TransactionID string `json:"transaction_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func NewRefundEvent(eventType, refundID, transactionID, amount, currency, failureReason string) *RefundEvent {
	return &RefundEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      eventType,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"refund_id":      refundID,
				"transaction_id": transactionID,
				"amount":         amount,
				"currency":       currency,
				"failure_reason": failureReason,
			},
		},
		RefundID:      refundID,
		TransactionID: transactionID,
		Amount:        amount,
		Currency:      currency,
		FailureReason: failureReason,
	}
}
