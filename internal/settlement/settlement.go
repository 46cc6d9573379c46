// Package settlement runs the side effects of a ledger transition: marking the order paid
// and publishing payment events. Callers invoke it only when their own transition was applied,
// so each effect happens once no matter how many paths observe the outcome.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/refund"
	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/transaction"
	"github.com/frahmantamala/restaurant-pos/internal/core/events"
	"github.com/frahmantamala/restaurant-pos/internal/ledger"
	"github.com/frahmantamala/restaurant-pos/internal/metrics"
	"github.com/frahmantamala/restaurant-pos/internal/order"
)

const (
	SourceSync    = "sync"
	SourceWebhook = "webhook"
)

type OrderMarker interface {
	MarkPaid(ctx context.Context, orderID string, notice order.PaidNotice) error
}

type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

type Settler struct {
	ledger ledger.Repository
	orders OrderMarker
	bus    Publisher
	logger *slog.Logger
	now    func() time.Time
}

func NewSettler(repo ledger.Repository, orders OrderMarker, bus Publisher, logger *slog.Logger) *Settler {
	return &Settler{
		ledger: repo,
		orders: orders,
		bus:    bus,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OnSucceeded marks the order paid. When the order service cannot be reached the transaction is
// flagged order_sync_pending and true is returned; the payment itself stays succeeded.
func (s *Settler) OnSucceeded(ctx context.Context, tx *transaction.Transaction, source string) bool {
	syncPending := false

	if err := s.orders.MarkPaid(ctx, tx.OrderID, s.paidNotice(tx)); err != nil {
		syncPending = true
		metrics.OrderSyncFailures.Inc()
		s.logger.Error("ALERT: payment succeeded but order could not be marked paid",
			"transaction_id", tx.ID,
			"order_id", tx.OrderID,
			"provider", tx.Provider,
			"source", source,
			"error", err)

		if err := s.ledger.SetOrderSyncPending(ctx, tx.ID, true); err != nil {
			s.logger.Error("failed to flag transaction for order sync",
				"transaction_id", tx.ID,
				"error", err)
		}
	}

	s.publish(ctx, events.NewPaymentEvent(events.EventTypePaymentSucceeded, paymentParams(tx, source)))
	return syncPending
}

func (s *Settler) OnFailed(ctx context.Context, tx *transaction.Transaction, source string) {
	s.publish(ctx, events.NewPaymentEvent(events.EventTypePaymentFailed, paymentParams(tx, source)))
}

func (s *Settler) OnRequiresAction(ctx context.Context, tx *transaction.Transaction, source string) {
	s.publish(ctx, events.NewPaymentEvent(events.EventTypePaymentRequiresAction, paymentParams(tx, source)))
}

// OnConflict handles a provider reporting failure for a payment the ledger holds as succeeded.
// The ledger is left as is and the row goes to manual review.
func (s *Settler) OnConflict(ctx context.Context, tx *transaction.Transaction, reported transaction.Status, source, providerEventID string) {
	reason := fmt.Sprintf("%s reported %s while ledger is %s", source, reported, tx.Status)
	if providerEventID != "" {
		reason += " (event " + providerEventID + ")"
	}

	if err := s.ledger.FlagForReview(ctx, tx.ID, reason); err != nil {
		s.logger.Error("failed to flag transaction for review",
			"transaction_id", tx.ID,
			"error", err)
	}
	metrics.ReconciliationConflicts.WithLabelValues(tx.Provider, source).Inc()
	s.logger.Error("ALERT: reconciliation conflict",
		"transaction_id", tx.ID,
		"provider", tx.Provider,
		"ledger_status", tx.Status,
		"reported_status", reported,
		"provider_event_id", providerEventID)

	s.publish(ctx, events.NewConflictEvent(tx.ID, tx.Provider, string(tx.Status), string(reported), providerEventID))
}

func (s *Settler) OnRefund(ctx context.Context, rf *refund.Refund) {
	failure := ""
	if rf.FailureReason != nil {
		failure = *rf.FailureReason
	}

	switch rf.Status {
	case transaction.StatusSucceeded:
		s.publish(ctx, events.NewRefundEvent(events.EventTypeRefundSucceeded, rf.ID, rf.TransactionID, rf.Amount.String(), rf.Currency, ""))
	case transaction.StatusFailed:
		s.publish(ctx, events.NewRefundEvent(events.EventTypeRefundFailed, rf.ID, rf.TransactionID, rf.Amount.String(), rf.Currency, failure))
	}
}

// ResyncPending retries mark-order-paid for succeeded transactions flagged order_sync_pending.
// It returns how many were synced.
func (s *Settler) ResyncPending(ctx context.Context, limit int) (int, error) {
	pending, err := s.ledger.ListOrderSyncPending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list order sync pending: %w", err)
	}

	synced := 0
	for _, tx := range pending {
		if err := ctx.Err(); err != nil {
			return synced, err
		}
		if err := s.orders.MarkPaid(ctx, tx.OrderID, s.paidNotice(tx)); err != nil {
			s.logger.Warn("order sync still failing",
				"transaction_id", tx.ID,
				"order_id", tx.OrderID,
				"error", err)
			continue
		}
		if err := s.ledger.SetOrderSyncPending(ctx, tx.ID, false); err != nil {
			return synced, fmt.Errorf("clear order sync flag for %s: %w", tx.ID, err)
		}
		synced++
		s.logger.Info("order synced", "transaction_id", tx.ID, "order_id", tx.OrderID)
	}

	return synced, nil
}

func (s *Settler) publish(ctx context.Context, event events.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event",
			"event_type", event.EventType(),
			"error", err)
	}
}

func (s *Settler) paidNotice(tx *transaction.Transaction) order.PaidNotice {
	return order.PaidNotice{
		TransactionID:         tx.ID,
		Provider:              tx.Provider,
		ProviderTransactionID: tx.ProviderTxID(),
		Amount:                tx.Amount,
		TipAmount:             tx.TipAmount,
		Currency:              tx.Currency,
		PaidAt:                s.now(),
	}
}

func paymentParams(tx *transaction.Transaction, source string) events.PaymentEventParams {
	failure := ""
	if tx.FailureReason != nil {
		failure = *tx.FailureReason
	}
	return events.PaymentEventParams{
		TransactionID:         tx.ID,
		OrderID:               tx.OrderID,
		Provider:              tx.Provider,
		ProviderTransactionID: tx.ProviderTxID(),
		Amount:                tx.Amount.String(),
		Currency:              tx.Currency,
		Status:                string(tx.Status),
		FailureReason:         failure,
		Source:                source,
	}
}
