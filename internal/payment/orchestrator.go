package payment

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	errors "github.com/frahmantamala/restaurant-pos/internal"
	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/transaction"
	"github.com/frahmantamala/restaurant-pos/internal/idempotency"
	"github.com/frahmantamala/restaurant-pos/internal/ledger"
	"github.com/frahmantamala/restaurant-pos/internal/metrics"
	"github.com/frahmantamala/restaurant-pos/internal/provider"
	"github.com/frahmantamala/restaurant-pos/internal/settlement"
	"github.com/frahmantamala/restaurant-pos/pkg/logger"
)

type Config struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	AttemptTimeout time.Duration
	IdempotencyTTL time.Duration
	InFlightWait   time.Duration
	InFlightPoll   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BackoffBase:    time.Second,
		AttemptTimeout: 10 * time.Second,
		IdempotencyTTL: time.Hour,
		InFlightWait:   40 * time.Second,
		InFlightPoll:   100 * time.Millisecond,
	}
}

// AttemptBudget is the longest a first caller can spend in the retry loop: every attempt
// running into its timeout plus the linear backoff between attempts.
func (c Config) AttemptBudget() time.Duration {
	n := time.Duration(c.MaxAttempts)
	return n*c.AttemptTimeout + c.BackoffBase*n*(n-1)/2
}

// MinInFlightWait is the shortest wait that still lets a duplicate caller see the first
// caller's outcome. The tenth on top of the budget covers the ledger writes after the last attempt.
func (c Config) MinInFlightWait() time.Duration {
	budget := c.AttemptBudget()
	return budget + budget/10
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase < 0 {
		c.BackoffBase = 0
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = d.IdempotencyTTL
	}
	if c.InFlightWait <= 0 {
		c.InFlightWait = d.InFlightWait
	}
	if floor := c.MinInFlightWait(); c.InFlightWait < floor {
		c.InFlightWait = floor
	}
	if c.InFlightPoll <= 0 {
		c.InFlightPoll = d.InFlightPoll
	}
	return c
}

type ProviderResolver interface {
	Get(name string) (provider.Adapter, error)
}

// Settler runs the side effects of a transition this orchestrator applied.
type Settler interface {
	OnSucceeded(ctx context.Context, tx *transaction.Transaction, source string) bool
	OnFailed(ctx context.Context, tx *transaction.Transaction, source string)
	OnRequiresAction(ctx context.Context, tx *transaction.Transaction, source string)
	OnConflict(ctx context.Context, tx *transaction.Transaction, reported transaction.Status, source, providerEventID string)
}

type Option func(*Orchestrator)

// WithSleeper replaces the backoff wait between attempts.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) {
		o.newID = newID
	}
}

type Orchestrator struct {
	cfg       Config
	providers ProviderResolver
	store     idempotency.Store
	ledger    ledger.Repository
	settler   Settler
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	newID     func() string
	now       func() time.Time
}

func NewOrchestrator(cfg Config, providers ProviderResolver, store idempotency.Store, repo ledger.Repository, settler Settler, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg.withDefaults(),
		providers: providers,
		store:     store,
		ledger:    repo,
		settler:   settler,
		logger:    logger,
		sleep:     wait,
		newID:     uuid.NewString,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessPayment charges req at most once per idempotency key. Declines and exhausted retries
// come back as a failed PaymentResponse; the error return is reserved for requests that never
// reached a provider and for a ledger that could not record a captured payment.
func (o *Orchestrator) ProcessPayment(ctx context.Context, req *PaymentRequest) (*PaymentResponse, error) {
	start := time.Now()

	req.Normalize()
	if err := req.Validate(); err != nil {
		o.logger.Warn("payment request rejected", "order_id", req.OrderID, "error", err)
		return nil, err
	}
	adapter, err := o.providers.Get(req.Provider)
	if err != nil {
		o.logger.Warn("payment request for unknown provider", "provider", req.Provider)
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		key = o.newID()
	}
	fingerprint := req.Fingerprint()
	txID := o.newID()

	holder, claimed, err := o.store.Claim(ctx, idempotency.Record{
		Key:           key,
		Fingerprint:   fingerprint,
		TransactionID: txID,
		ExpiresAt:     o.now().Add(o.cfg.IdempotencyTTL),
	})
	if err != nil {
		o.logger.Error("idempotency store unavailable, refusing payment",
			"idempotency_key", key,
			"order_id", req.OrderID,
			"error", err)
		return nil, errors.NewUnavailableError("idempotency store unavailable", errors.ErrCodeIdempotencyUnavailable).WithCause(err)
	}
	if !claimed {
		return o.replay(ctx, key, holder, fingerprint)
	}

	// The charge may move money; nothing after this point follows the caller's cancellation.
	work := logger.WithPayment(errors.Detached(ctx), txID, key)

	tx := &transaction.Transaction{
		ID:             txID,
		OrderID:        req.OrderID,
		Method:         req.Method,
		Provider:       req.Provider,
		Amount:         req.Total(),
		TipAmount:      req.TipAmount,
		Currency:       req.Currency,
		IdempotencyKey: key,
	}
	if len(req.Metadata) > 0 {
		if raw, err := json.Marshal(req.Metadata); err == nil {
			tx.Metadata = datatypes.JSON(raw)
		}
	}

	if err := o.ledger.CreatePending(work, tx); err != nil {
		o.logger.Error("failed to create pending transaction",
			"transaction_id", txID,
			"order_id", req.OrderID,
			"error", err)
		o.release(work, key, txID)
		return nil, errors.NewUnavailableError("transaction ledger unavailable", errors.ErrCodeLedgerUnavailable).WithCause(err)
	}

	o.logger.Info("payment accepted",
		"transaction_id", tx.ID,
		"order_id", tx.OrderID,
		"provider", tx.Provider,
		"amount", tx.Amount.String(),
		"currency", tx.Currency,
		"idempotency_key", key)

	outcome, attempts := o.charge(work, adapter, tx, req.PaymentMethodToken, req.Metadata, key)
	resp, err := o.finalize(work, tx, outcome, attempts, key)

	status := "error"
	if resp != nil {
		status = string(resp.Status)
	}
	metrics.PaymentRequests.WithLabelValues(tx.Provider, status).Inc()
	metrics.PaymentDuration.WithLabelValues(tx.Provider).Observe(time.Since(start).Seconds())

	return resp, err
}

// charge runs the bounded retry loop. Every attempt carries the same idempotency key.
func (o *Orchestrator) charge(ctx context.Context, adapter provider.Adapter, tx *transaction.Transaction, token string, metadata map[string]string, key string) (provider.Outcome, int) {
	req := provider.ChargeRequest{
		TransactionID:      tx.ID,
		OrderID:            tx.OrderID,
		Amount:             tx.Amount,
		Currency:           tx.Currency,
		Method:             tx.Method,
		PaymentMethodToken: token,
		Metadata:           metadata,
	}

	lg := logger.From(ctx, o.logger)

	var outcome provider.Outcome
	attempt := 1
	for ; attempt <= o.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * o.cfg.BackoffBase
			if err := o.sleep(ctx, backoff); err != nil {
				return provider.TransportError(err), attempt - 1
			}
		}

		outcome = o.attempt(ctx, adapter, req, key)
		metrics.PaymentAttempts.WithLabelValues(tx.Provider, string(outcome.Kind)).Inc()

		if outcome.Kind != provider.OutcomeTransportError {
			lg.Info("provider attempt finished",
				"provider", tx.Provider,
				"attempt", attempt,
				"outcome", outcome.Kind)
			return outcome, attempt
		}

		lg.Warn("provider attempt failed",
			"provider", tx.Provider,
			"attempt", attempt,
			"max_attempts", o.cfg.MaxAttempts,
			"error", outcome.Err)
	}

	return outcome, o.cfg.MaxAttempts
}

// attempt bounds one adapter call by the attempt timeout, also for adapters that ignore ctx.
func (o *Orchestrator) attempt(ctx context.Context, adapter provider.Adapter, req provider.ChargeRequest, key string) provider.Outcome {
	attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	defer cancel()

	done := make(chan provider.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("provider adapter panicked", "provider", adapter.Name(), "panic", r)
				done <- provider.TransportError(fmt.Errorf("provider adapter panicked: %v", r))
			}
		}()
		done <- adapter.Charge(attemptCtx, req, key)
	}()

	select {
	case out := <-done:
		if out.Kind == provider.OutcomeTransportError && out.Err == nil {
			out = provider.TransportError(nil)
		}
		return out
	case <-attemptCtx.Done():
		return provider.TransportError(fmt.Errorf("attempt timed out after %s: %w", o.cfg.AttemptTimeout, attemptCtx.Err()))
	}
}

func (o *Orchestrator) finalize(ctx context.Context, tx *transaction.Transaction, outcome provider.Outcome, attempts int, key string) (*PaymentResponse, error) {
	upd := ledger.StatusUpdate{
		RawResponse: outcome.Raw,
		Attempts:    attempts,
	}
	if outcome.ProviderTransactionID != "" {
		ptx := outcome.ProviderTransactionID
		upd.ProviderTransactionID = &ptx
	}
	if outcome.Card != nil {
		if outcome.Card.Last4 != "" {
			last4 := outcome.Card.Last4
			upd.CardLast4 = &last4
		}
		if outcome.Card.Brand != "" {
			brand := outcome.Card.Brand
			upd.CardBrand = &brand
		}
	}

	switch outcome.Kind {
	case provider.OutcomeSucceeded:
		return o.finalizeSuccess(ctx, tx, upd, key)
	case provider.OutcomePending, provider.OutcomeRequiresAction:
		return o.finalizeAwaiting(ctx, tx, outcome, upd, key)
	case provider.OutcomeDeclined:
		reason := declineReason(outcome)
		upd.FailureReason = &reason
		return o.finalizeFailure(ctx, tx, upd, key, true)
	default:
		reason := exhaustedReason(outcome)
		upd.FailureReason = &reason
		return o.finalizeFailure(ctx, tx, upd, key, false)
	}
}

func (o *Orchestrator) finalizeSuccess(ctx context.Context, tx *transaction.Transaction, upd ledger.StatusUpdate, key string) (*PaymentResponse, error) {
	result, err := o.ledger.UpdateStatus(ctx, tx.ID, transaction.StatusSucceeded, upd)
	if err != nil {
		metrics.LedgerWriteFailures.WithLabelValues(tx.Provider).Inc()
		o.logger.Error("ALERT: provider captured payment but ledger write failed",
			"transaction_id", tx.ID,
			"order_id", tx.OrderID,
			"provider", tx.Provider,
			"provider_transaction_id", derefString(upd.ProviderTransactionID),
			"amount", tx.Amount.String(),
			"currency", tx.Currency,
			"error", err)

		// A retry with this key must see the success instead of charging again.
		captured := *tx
		captured.Status = transaction.StatusSucceeded
		captured.ProviderTransactionID = upd.ProviderTransactionID
		captured.CardLast4, captured.CardBrand = upd.CardLast4, upd.CardBrand
		captured.OrderSyncPending = true
		o.complete(ctx, key, tx.ID, newPaymentResponse(&captured))

		return nil, errors.NewLedgerWriteError("payment was captured but could not be recorded", err)
	}

	current := result.Transaction
	if result.Applied() {
		current.OrderSyncPending = o.settler.OnSucceeded(ctx, current, settlement.SourceSync) || current.OrderSyncPending
	}

	resp := newPaymentResponse(current)
	o.complete(ctx, key, tx.ID, resp)

	o.logger.Info("payment succeeded",
		"transaction_id", current.ID,
		"provider_transaction_id", current.ProviderTxID(),
		"applied", result.Applied(),
		"reconciliation_required", resp.ReconciliationRequired)
	return resp, nil
}

func (o *Orchestrator) finalizeAwaiting(ctx context.Context, tx *transaction.Transaction, outcome provider.Outcome, upd ledger.StatusUpdate, key string) (*PaymentResponse, error) {
	to := transaction.StatusPending
	if outcome.Kind == provider.OutcomeRequiresAction {
		to = transaction.StatusRequiresAction
	}

	current := *tx
	current.Status = to
	current.ProviderTransactionID = upd.ProviderTransactionID

	result, err := o.ledger.UpdateStatus(ctx, tx.ID, to, upd)
	if err != nil {
		metrics.LedgerWriteFailures.WithLabelValues(tx.Provider).Inc()
		o.logger.Error("failed to record awaiting payment state",
			"transaction_id", tx.ID,
			"status", to,
			"error", err)
	} else {
		current = *result.Transaction
		if result.Applied() && to == transaction.StatusRequiresAction {
			o.settler.OnRequiresAction(ctx, result.Transaction, settlement.SourceSync)
		}
	}

	resp := newPaymentResponse(&current)
	if !current.Status.Terminal() {
		resp.RequiresAction = outcome.Action
	}
	o.complete(ctx, key, tx.ID, resp)

	o.logger.Info("payment awaiting completion",
		"transaction_id", tx.ID,
		"status", resp.Status,
		"provider_transaction_id", resp.ProviderTransactionID)
	return resp, nil
}

// finalizeFailure records a decline or an exhausted retry budget. A webhook may have already
// recorded success; the ledger then wins and the response reports success.
func (o *Orchestrator) finalizeFailure(ctx context.Context, tx *transaction.Transaction, upd ledger.StatusUpdate, key string, declined bool) (*PaymentResponse, error) {
	failed := *tx
	failed.Status = transaction.StatusFailed
	failed.FailureReason = upd.FailureReason
	failed.ProviderTransactionID = upd.ProviderTransactionID

	result, err := o.ledger.UpdateStatus(ctx, tx.ID, transaction.StatusFailed, upd)
	if err != nil {
		metrics.LedgerWriteFailures.WithLabelValues(tx.Provider).Inc()
		o.logger.Error("failed to record failed payment",
			"transaction_id", tx.ID,
			"error", err)
		o.release(ctx, key, tx.ID)
		return newPaymentResponse(&failed), nil
	}

	current := result.Transaction
	switch {
	case result.Decision == ledger.DecisionConflict:
		if declined {
			o.settler.OnConflict(ctx, current, transaction.StatusFailed, settlement.SourceSync, "")
		}
		resp := newPaymentResponse(current)
		o.complete(ctx, key, tx.ID, resp)
		o.logger.Warn("provider reported failure for a payment the ledger holds as succeeded",
			"transaction_id", tx.ID,
			"declined", declined)
		return resp, nil
	case result.Applied():
		o.settler.OnFailed(ctx, current, settlement.SourceSync)
	}

	o.release(ctx, key, tx.ID)

	resp := newPaymentResponse(current)
	o.logger.Info("payment failed",
		"transaction_id", tx.ID,
		"declined", declined,
		"failure_reason", derefString(current.FailureReason))
	return resp, nil
}

// replay answers a request whose key is already held. It never reaches a provider.
func (o *Orchestrator) replay(ctx context.Context, key string, holder *idempotency.Record, fingerprint string) (*PaymentResponse, error) {
	deadline := o.now().Add(o.cfg.InFlightWait)
	rec := holder

	for {
		if rec.Fingerprint != "" && rec.Fingerprint != fingerprint {
			metrics.IdempotencyReplays.WithLabelValues("mismatch").Inc()
			return nil, errors.NewUnprocessableError("idempotency key was already used with a different request", errors.ErrCodeIdempotencyKeyReused)
		}

		if rec.State == idempotency.StateCompleted {
			var resp PaymentResponse
			if err := json.Unmarshal(rec.Response, &resp); err != nil {
				return nil, errors.NewInternalError("cached payment response is unreadable", err)
			}
			metrics.IdempotencyReplays.WithLabelValues("cached").Inc()
			o.logger.Info("replaying cached payment response",
				"idempotency_key", key,
				"transaction_id", rec.TransactionID)
			return &resp, nil
		}

		if !o.now().Before(deadline) {
			metrics.IdempotencyReplays.WithLabelValues("in_progress").Inc()
			return nil, errors.NewConflictError("a payment with this idempotency key is still in progress", errors.ErrCodePaymentInProgress)
		}
		if err := wait(ctx, o.cfg.InFlightPoll); err != nil {
			return nil, errors.NewConflictError("a payment with this idempotency key is still in progress", errors.ErrCodePaymentInProgress).WithCause(err)
		}

		next, err := o.store.Lookup(ctx, key)
		if goerrors.Is(err, idempotency.ErrNotFound) {
			// The first request released the key after failing, or the record expired.
			return o.ledgerView(ctx, rec.TransactionID)
		}
		if err != nil {
			return nil, errors.NewUnavailableError("idempotency store unavailable", errors.ErrCodeIdempotencyUnavailable).WithCause(err)
		}
		rec = next
	}
}

func (o *Orchestrator) ledgerView(ctx context.Context, transactionID string) (*PaymentResponse, error) {
	tx, err := o.ledger.FindByID(ctx, transactionID)
	if goerrors.Is(err, ledger.ErrNotFound) {
		return nil, errors.NewConflictError("the previous request with this idempotency key did not complete, retry", errors.ErrCodePaymentInProgress)
	}
	if err != nil {
		return nil, errors.NewUnavailableError("transaction ledger unavailable", errors.ErrCodeLedgerUnavailable).WithCause(err)
	}
	metrics.IdempotencyReplays.WithLabelValues("ledger").Inc()
	return newPaymentResponse(tx), nil
}

func (o *Orchestrator) GetTransaction(ctx context.Context, id string) (*TransactionResponse, error) {
	tx, err := o.ledger.FindByID(ctx, id)
	if goerrors.Is(err, ledger.ErrNotFound) {
		return nil, errors.NewNotFoundError(fmt.Sprintf("transaction %s not found", id), errors.ErrCodeTransactionNotFound)
	}
	if err != nil {
		return nil, errors.NewUnavailableError("transaction ledger unavailable", errors.ErrCodeLedgerUnavailable).WithCause(err)
	}
	return newTransactionResponse(tx), nil
}

func (o *Orchestrator) complete(ctx context.Context, key, transactionID string, resp *PaymentResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		o.logger.Error("failed to encode payment response", "transaction_id", transactionID, "error", err)
		return
	}
	if err := o.store.Complete(ctx, key, transactionID, data, o.now().Add(o.cfg.IdempotencyTTL)); err != nil {
		o.logger.Error("failed to cache payment response",
			"idempotency_key", key,
			"transaction_id", transactionID,
			"error", err)
	}
}

func (o *Orchestrator) release(ctx context.Context, key, transactionID string) {
	if err := o.store.Release(ctx, key, transactionID); err != nil {
		o.logger.Error("failed to release idempotency key",
			"idempotency_key", key,
			"transaction_id", transactionID,
			"error", err)
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
