package ledger

import (
	"context"
	"errors"

	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/providerevent"
	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/refund"
	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/transaction"
)

var (
	ErrNotFound             = errors.New("ledger: record not found")
	ErrDuplicateTransaction = errors.New("ledger: duplicate transaction")
	ErrConcurrentUpdate     = errors.New("ledger: status kept changing under update")
)

// StatusUpdate carries the optional fields written together with a status transition.
// ProviderTransactionID only fills an empty column, it never replaces a stored id.
type StatusUpdate struct {
	ProviderTransactionID *string
	RawResponse           []byte
	FailureReason         *string
	CardLast4             *string
	CardBrand             *string
	Attempts              int
}

type TransitionResult struct {
	Transaction *transaction.Transaction
	From        transaction.Status
	Decision    Decision
}

// Applied reports whether this call moved the status.
func (r *TransitionResult) Applied() bool {
	return r.Decision == DecisionApply
}

type Repository interface {
	CreatePending(ctx context.Context, tx *transaction.Transaction) error
	UpdateStatus(ctx context.Context, id string, to transaction.Status, upd StatusUpdate) (*TransitionResult, error)
	FindByID(ctx context.Context, id string) (*transaction.Transaction, error)
	FindByProviderTransactionID(ctx context.Context, provider, providerTxID string) (*transaction.Transaction, error)
	FindLatestByOrderID(ctx context.Context, provider, orderID string) (*transaction.Transaction, error)
	FlagForReview(ctx context.Context, id, reason string) error
	SetOrderSyncPending(ctx context.Context, id string, pending bool) error
	ListOrderSyncPending(ctx context.Context, limit int) ([]*transaction.Transaction, error)
}

type RefundUpdate struct {
	ProviderRefundID *string
	RawResponse      []byte
	FailureReason    *string
}

type RefundTransition struct {
	Refund   *refund.Refund
	From     transaction.Status
	Decision Decision
}

func (r *RefundTransition) Applied() bool {
	return r.Decision == DecisionApply
}

type RefundRepository interface {
	// CreateRefund is store-once on (transaction id, idempotency key): the second call returns the
	// first row and false.
	CreateRefund(ctx context.Context, rf *refund.Refund) (*refund.Refund, bool, error)
	UpdateRefundStatus(ctx context.Context, id string, to transaction.Status, upd RefundUpdate) (*RefundTransition, error)
	FindRefundByID(ctx context.Context, id string) (*refund.Refund, error)
	FindRefundByProviderRefundID(ctx context.Context, provider, providerRefundID string) (*refund.Refund, error)
	ListRefundsByTransaction(ctx context.Context, transactionID string) ([]*refund.Refund, error)
	FlagRefundForReview(ctx context.Context, id string) error
}

type EventLog interface {
	// RecordEvent stores a verified webhook. It returns the stored row and false when the
	// provider already delivered this event id.
	RecordEvent(ctx context.Context, ev *providerevent.ProviderEvent) (*providerevent.ProviderEvent, bool, error)
	MarkEventProcessed(ctx context.Context, id int64, result string, processErr error) error
}
