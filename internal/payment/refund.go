package payment

import (
	"context"
	goerrors "errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/restaurant-pos/internal"
	"github.com/frahmantamala/restaurant-pos/internal/core/common/validation"
	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/refund"
	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/transaction"
	"github.com/frahmantamala/restaurant-pos/internal/ledger"
	"github.com/frahmantamala/restaurant-pos/internal/provider"
	"github.com/frahmantamala/restaurant-pos/pkg/logger"
)

type RefunderResolver interface {
	Refunder(name string) (provider.Refunder, bool, error)
}

type RefundSettler interface {
	OnRefund(ctx context.Context, rf *refund.Refund)
}

type RefundService struct {
	ledger         ledger.Repository
	refunds        ledger.RefundRepository
	providers      RefunderResolver
	settler        RefundSettler
	logger         *slog.Logger
	attemptTimeout time.Duration
	newID          func() string

	// admit serializes the remaining-amount check and the insert per transaction within this
	// process. Instances sharing a ledger still need the order service to keep one terminal
	// refunding a bill at a time.
	admit [32]sync.Mutex
}

func NewRefundService(repo ledger.Repository, refunds ledger.RefundRepository, providers RefunderResolver, settler RefundSettler, attemptTimeout time.Duration, logger *slog.Logger) *RefundService {
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultConfig().AttemptTimeout
	}
	return &RefundService{
		ledger:         repo,
		refunds:        refunds,
		providers:      providers,
		settler:        settler,
		logger:         logger,
		attemptTimeout: attemptTimeout,
		newID:          uuid.NewString,
	}
}

// RequestRefund refunds part or all of a succeeded payment. A zero amount refunds whatever is
// left. Requests are deduplicated per transaction by idempotency key; a replay of a refund the
// provider never acknowledged is sent again under the same provider key.
func (s *RefundService) RequestRefund(ctx context.Context, req *RefundRequest) (*RefundResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.ledger.FindByID(ctx, req.TransactionID)
	if goerrors.Is(err, ledger.ErrNotFound) {
		return nil, errors.NewNotFoundError(fmt.Sprintf("transaction %s not found", req.TransactionID), errors.ErrCodeTransactionNotFound)
	}
	if err != nil {
		return nil, errors.NewUnavailableError("transaction ledger unavailable", errors.ErrCodeLedgerUnavailable).WithCause(err)
	}
	if tx.Status != transaction.StatusSucceeded {
		return nil, errors.NewUnprocessableError(fmt.Sprintf("transaction is %s, only succeeded payments can be refunded", tx.Status), errors.ErrCodeRefundNotAllowed)
	}

	scale := validation.NewValidator()
	scale.Field("amount", req.Amount).CurrencyScale(tx.Currency, errors.ErrCodeInvalidAmount)
	if appErr := scale.Validate(); appErr != nil {
		return nil, appErr
	}

	stored, created, err := s.admitRefund(ctx, tx, req)
	if err != nil {
		return nil, err
	}
	if !created {
		return s.replay(ctx, tx, stored)
	}

	s.logger.Info("refund accepted",
		"refund_id", stored.ID,
		"transaction_id", tx.ID,
		"amount", stored.Amount.String(),
		"currency", tx.Currency)

	return s.drive(errors.Detached(ctx), tx, stored)
}

// admitRefund checks the refundable remainder and stores the pending refund under one lock, so
// two refunds for the same transaction cannot both pass the check.
func (s *RefundService) admitRefund(ctx context.Context, tx *transaction.Transaction, req *RefundRequest) (*refund.Refund, bool, error) {
	mu := s.admitLock(tx.ID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.refunds.ListRefundsByTransaction(ctx, tx.ID)
	if err != nil {
		return nil, false, errors.NewUnavailableError("transaction ledger unavailable", errors.ErrCodeLedgerUnavailable).WithCause(err)
	}

	refunded := decimal.Zero
	for _, rf := range existing {
		if rf.IdempotencyKey == req.IdempotencyKey {
			if !req.Amount.IsZero() && !req.Amount.Equal(rf.Amount) {
				return nil, false, errors.NewUnprocessableError("idempotency key was already used with a different refund", errors.ErrCodeIdempotencyKeyReused)
			}
			return rf, false, nil
		}
		if rf.Status != transaction.StatusFailed {
			refunded = refunded.Add(rf.Amount)
		}
	}

	remaining := tx.Amount.Sub(refunded)
	amount := req.Amount
	if amount.IsZero() {
		amount = remaining
	}
	if !amount.IsPositive() || amount.GreaterThan(remaining) {
		return nil, false, errors.NewUnprocessableError(
			fmt.Sprintf("refund of %s exceeds the refundable amount %s", amount.String(), remaining.String()),
			errors.ErrCodeRefundNotAllowed)
	}

	stored, created, err := s.refunds.CreateRefund(ctx, &refund.Refund{
		ID:             s.newID(),
		TransactionID:  tx.ID,
		IdempotencyKey: req.IdempotencyKey,
		Provider:       tx.Provider,
		Amount:         amount,
		Currency:       tx.Currency,
		Reason:         req.Reason,
	})
	if err != nil {
		return nil, false, errors.NewUnavailableError("transaction ledger unavailable", errors.ErrCodeLedgerUnavailable).WithCause(err)
	}
	return stored, created, nil
}

func (s *RefundService) admitLock(transactionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(transactionID))
	return &s.admit[h.Sum32()%uint32(len(s.admit))]
}

func (s *RefundService) replay(ctx context.Context, tx *transaction.Transaction, rf *refund.Refund) (*RefundResponse, error) {
	if rf.Status == transaction.StatusPending && rf.ProviderRefundID == nil {
		return s.drive(errors.Detached(ctx), tx, rf)
	}
	return newRefundResponse(rf), nil
}

// drive sends the refund to the provider and applies the result. Providers that only confirm
// refunds by webhook leave the refund pending.
func (s *RefundService) drive(ctx context.Context, tx *transaction.Transaction, rf *refund.Refund) (*RefundResponse, error) {
	ctx = logger.WithPayment(ctx, tx.ID, rf.IdempotencyKey)
	lg := logger.From(ctx, s.logger)

	refunder, ok, err := s.providers.Refunder(tx.Provider)
	if err != nil || !ok {
		lg.Info("refund left pending for provider confirmation",
			"refund_id", rf.ID,
			"provider", tx.Provider)
		return newRefundResponse(rf), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
	outcome := refunder.Refund(callCtx, provider.RefundRequest{
		RefundID:              rf.ID,
		TransactionID:         tx.ID,
		ProviderTransactionID: tx.ProviderTxID(),
		Amount:                rf.Amount,
		Currency:              rf.Currency,
		Reason:                rf.Reason,
	}, rf.ID)
	cancel()

	var to transaction.Status
	switch outcome.Kind {
	case provider.OutcomeSucceeded:
		to = transaction.StatusSucceeded
	case provider.OutcomeDeclined:
		to = transaction.StatusFailed
	case provider.OutcomePending, provider.OutcomeRequiresAction:
		to = transaction.StatusPending
	default:
		lg.Warn("refund call failed, refund stays pending",
			"refund_id", rf.ID,
			"provider", tx.Provider,
			"error", outcome.Err)
		return newRefundResponse(rf), nil
	}

	upd := ledger.RefundUpdate{RawResponse: outcome.Raw}
	if outcome.ProviderRefundID != "" {
		pid := outcome.ProviderRefundID
		upd.ProviderRefundID = &pid
	}
	if outcome.FailureReason != "" {
		reason := outcome.FailureReason
		upd.FailureReason = &reason
	}

	result, err := s.refunds.UpdateRefundStatus(ctx, rf.ID, to, upd)
	if err != nil {
		lg.Error("ALERT: provider answered refund but ledger write failed",
			"refund_id", rf.ID,
			"outcome", outcome.Kind,
			"error", err)
		return nil, errors.NewLedgerWriteError("refund outcome could not be recorded", err)
	}
	if result.Applied() && result.Refund.Status.Terminal() {
		s.settler.OnRefund(ctx, result.Refund)
	}

	lg.Info("refund processed",
		"refund_id", rf.ID,
		"status", result.Refund.Status,
		"provider_refund_id", result.Refund.ProviderRefID())
	return newRefundResponse(result.Refund), nil
}
