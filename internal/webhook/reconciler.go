// Package webhook merges asynchronous provider notifications into the ledger. Every delivery is
// logged by provider event id, so a redelivered event changes nothing.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	goerrors "errors"
	"log/slog"

	"gorm.io/datatypes"

	errors "github.com/frahmantamala/restaurant-pos/internal"
	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/providerevent"
	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/refund"
	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/transaction"
	"github.com/frahmantamala/restaurant-pos/internal/ledger"
	"github.com/frahmantamala/restaurant-pos/internal/metrics"
	"github.com/frahmantamala/restaurant-pos/internal/provider"
	"github.com/frahmantamala/restaurant-pos/internal/settlement"
)

type Result string

const (
	ResultApplied   Result = "applied"
	ResultNoop      Result = "noop"
	ResultDuplicate Result = "duplicate"
	ResultConflict  Result = "conflict"
	ResultIgnored   Result = "ignored"
)

type Settler interface {
	OnSucceeded(ctx context.Context, tx *transaction.Transaction, source string) bool
	OnFailed(ctx context.Context, tx *transaction.Transaction, source string)
	OnConflict(ctx context.Context, tx *transaction.Transaction, reported transaction.Status, source, providerEventID string)
	OnRefund(ctx context.Context, rf *refund.Refund)
}

type Reconciler struct {
	ledger  ledger.Repository
	refunds ledger.RefundRepository
	events  ledger.EventLog
	settler Settler
	logger  *slog.Logger
}

func NewReconciler(repo ledger.Repository, refunds ledger.RefundRepository, events ledger.EventLog, settler Settler, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		ledger:  repo,
		refunds: refunds,
		events:  events,
		settler: settler,
		logger:  logger,
	}
}

// Apply merges one verified event. Only call it after the provider's signature check passed.
// An event whose transaction is unknown is left unprocessed and reported as not found, so the
// provider's redelivery gets another chance once the transaction exists.
func (r *Reconciler) Apply(ctx context.Context, providerName string, ev *provider.WebhookEvent) (Result, error) {
	eventID := ev.ID
	if eventID == "" {
		sum := sha256.Sum256(ev.Raw)
		eventID = "sha256:" + hex.EncodeToString(sum[:])
	}

	record := &providerevent.ProviderEvent{
		Provider:  providerName,
		EventID:   eventID,
		EventType: ev.Type,
	}
	if len(ev.Raw) > 0 {
		record.Payload = datatypes.JSON(ev.Raw)
	}

	stored, created, err := r.events.RecordEvent(ctx, record)
	if err != nil {
		return "", errors.NewUnavailableError("transaction ledger unavailable", errors.ErrCodeLedgerUnavailable).WithCause(err)
	}
	if !created && stored.Processed() {
		r.count(providerName, ResultDuplicate)
		r.logger.Info("duplicate webhook ignored",
			"provider", providerName,
			"event_id", eventID,
			"event_type", ev.Type)
		return ResultDuplicate, nil
	}

	var result Result
	switch {
	case ev.Kind == provider.EventIgnored:
		result = ResultIgnored
	case ev.Kind.IsRefund():
		result, err = r.applyRefund(ctx, providerName, eventID, ev)
	default:
		result, err = r.applyPayment(ctx, providerName, eventID, ev)
	}

	if err != nil {
		if markErr := r.events.MarkEventProcessed(ctx, stored.ID, "error", err); markErr != nil {
			r.logger.Error("failed to mark webhook event", "event_id", eventID, "error", markErr)
		}
		r.count(providerName, "error")
		return "", err
	}

	if err := r.events.MarkEventProcessed(ctx, stored.ID, string(result), nil); err != nil {
		r.logger.Error("failed to mark webhook event", "event_id", eventID, "error", err)
	}
	r.count(providerName, result)

	r.logger.Info("webhook applied",
		"provider", providerName,
		"event_id", eventID,
		"event_type", ev.Type,
		"result", result)
	return result, nil
}

func (r *Reconciler) count(providerName string, result Result) {
	metrics.WebhookEvents.WithLabelValues(providerName, string(result)).Inc()
}

func (r *Reconciler) findTransaction(ctx context.Context, providerName string, ev *provider.WebhookEvent) (*transaction.Transaction, error) {
	if ev.ProviderTransactionID != "" {
		tx, err := r.ledger.FindByProviderTransactionID(ctx, providerName, ev.ProviderTransactionID)
		if err == nil {
			return tx, nil
		}
		if !goerrors.Is(err, ledger.ErrNotFound) {
			return nil, err
		}
	}

	// the provider id may not be recorded yet when the webhook beats the synchronous path
	if ev.TransactionID != "" {
		tx, err := r.ledger.FindByID(ctx, ev.TransactionID)
		if err == nil && tx.Provider == providerName {
			return tx, nil
		}
		if err != nil && !goerrors.Is(err, ledger.ErrNotFound) {
			return nil, err
		}
	}

	return nil, ledger.ErrNotFound
}

func (r *Reconciler) applyPayment(ctx context.Context, providerName, eventID string, ev *provider.WebhookEvent) (Result, error) {
	tx, err := r.findTransaction(ctx, providerName, ev)
	if goerrors.Is(err, ledger.ErrNotFound) {
		r.logger.Warn("webhook for unknown transaction",
			"provider", providerName,
			"event_id", eventID,
			"provider_transaction_id", ev.ProviderTransactionID,
			"transaction_id", ev.TransactionID)
		return "", errors.NewNotFoundError("no transaction matches this event", errors.ErrCodeTransactionNotFound)
	}
	if err != nil {
		return "", errors.NewUnavailableError("transaction ledger unavailable", errors.ErrCodeLedgerUnavailable).WithCause(err)
	}

	var to transaction.Status
	switch ev.Kind {
	case provider.EventPaymentSucceeded:
		to = transaction.StatusSucceeded
	case provider.EventPaymentFailed:
		to = transaction.StatusFailed
	case provider.EventPaymentPending:
		to = transaction.StatusPending
	default:
		return ResultIgnored, nil
	}

	upd := ledger.StatusUpdate{RawResponse: ev.Raw}
	if ev.ProviderTransactionID != "" {
		ptx := ev.ProviderTransactionID
		upd.ProviderTransactionID = &ptx
	}
	if to == transaction.StatusFailed {
		reason := ev.FailureReason
		if reason == "" {
			reason = "declined"
		}
		upd.FailureReason = &reason
	}
	if ev.Card != nil {
		if ev.Card.Last4 != "" {
			last4 := ev.Card.Last4
			upd.CardLast4 = &last4
		}
		if ev.Card.Brand != "" {
			brand := ev.Card.Brand
			upd.CardBrand = &brand
		}
	}

	result, err := r.ledger.UpdateStatus(ctx, tx.ID, to, upd)
	if err != nil {
		if to == transaction.StatusSucceeded {
			metrics.LedgerWriteFailures.WithLabelValues(providerName).Inc()
			r.logger.Error("ALERT: provider reported success but ledger write failed",
				"transaction_id", tx.ID,
				"event_id", eventID,
				"error", err)
		}
		return "", errors.NewUnavailableError("transaction ledger unavailable", errors.ErrCodeLedgerUnavailable).WithCause(err)
	}

	switch result.Decision {
	case ledger.DecisionApply:
		switch to {
		case transaction.StatusSucceeded:
			r.settler.OnSucceeded(ctx, result.Transaction, settlement.SourceWebhook)
		case transaction.StatusFailed:
			r.settler.OnFailed(ctx, result.Transaction, settlement.SourceWebhook)
		}
		return ResultApplied, nil
	case ledger.DecisionConflict:
		r.settler.OnConflict(ctx, result.Transaction, to, settlement.SourceWebhook, eventID)
		return ResultConflict, nil
	default:
		return ResultNoop, nil
	}
}

func (r *Reconciler) findRefund(ctx context.Context, providerName string, ev *provider.WebhookEvent) (*refund.Refund, error) {
	if ev.ProviderRefundID != "" {
		rf, err := r.refunds.FindRefundByProviderRefundID(ctx, providerName, ev.ProviderRefundID)
		if err == nil {
			return rf, nil
		}
		if !goerrors.Is(err, ledger.ErrNotFound) {
			return nil, err
		}
	}
	if ev.RefundID != "" {
		rf, err := r.refunds.FindRefundByID(ctx, ev.RefundID)
		if err == nil && rf.Provider == providerName {
			return rf, nil
		}
		if err != nil && !goerrors.Is(err, ledger.ErrNotFound) {
			return nil, err
		}
	}
	return nil, ledger.ErrNotFound
}

func (r *Reconciler) applyRefund(ctx context.Context, providerName, eventID string, ev *provider.WebhookEvent) (Result, error) {
	rf, err := r.findRefund(ctx, providerName, ev)
	if goerrors.Is(err, ledger.ErrNotFound) {
		return "", errors.NewNotFoundError("no refund matches this event", errors.ErrCodeRefundNotFound)
	}
	if err != nil {
		return "", errors.NewUnavailableError("transaction ledger unavailable", errors.ErrCodeLedgerUnavailable).WithCause(err)
	}

	to := transaction.StatusSucceeded
	upd := ledger.RefundUpdate{RawResponse: ev.Raw}
	if ev.Kind == provider.EventRefundFailed {
		to = transaction.StatusFailed
		reason := ev.FailureReason
		if reason == "" {
			reason = "refund failed"
		}
		upd.FailureReason = &reason
	}
	if ev.ProviderRefundID != "" {
		pid := ev.ProviderRefundID
		upd.ProviderRefundID = &pid
	}

	result, err := r.refunds.UpdateRefundStatus(ctx, rf.ID, to, upd)
	if err != nil {
		return "", errors.NewUnavailableError("transaction ledger unavailable", errors.ErrCodeLedgerUnavailable).WithCause(err)
	}

	switch result.Decision {
	case ledger.DecisionApply:
		r.settler.OnRefund(ctx, result.Refund)
		return ResultApplied, nil
	case ledger.DecisionConflict:
		if err := r.refunds.FlagRefundForReview(ctx, rf.ID); err != nil {
			r.logger.Error("failed to flag refund for review", "refund_id", rf.ID, "error", err)
		}
		metrics.ReconciliationConflicts.WithLabelValues(providerName, settlement.SourceWebhook).Inc()
		r.logger.Error("ALERT: refund reconciliation conflict",
			"refund_id", rf.ID,
			"transaction_id", rf.TransactionID,
			"ledger_status", result.Refund.Status,
			"reported_status", to,
			"event_id", eventID)
		return ResultConflict, nil
	default:
		return ResultNoop, nil
	}
}
