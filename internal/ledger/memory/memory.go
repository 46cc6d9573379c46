// Package memory is an in-process ledger used by tests of the packages that drive the ledger.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/providerevent"
	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/refund"
	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/transaction"
	"github.com/frahmantamala/restaurant-pos/internal/ledger"
)

type Ledger struct {
	mu      sync.Mutex
	txs     map[string]transaction.Transaction
	refunds map[string]refund.Refund
	events  map[string]providerevent.ProviderEvent
	nextEv  int64

	// FailUpdates makes every UpdateStatus call return it.
	FailUpdates error
}

var (
	_ ledger.Repository       = (*Ledger)(nil)
	_ ledger.RefundRepository = (*Ledger)(nil)
	_ ledger.EventLog         = (*Ledger)(nil)
)

func New() *Ledger {
	return &Ledger{
		txs:     make(map[string]transaction.Transaction),
		refunds: make(map[string]refund.Refund),
		events:  make(map[string]providerevent.ProviderEvent),
	}
}

func (l *Ledger) CreatePending(_ context.Context, tx *transaction.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.txs[tx.ID]; ok {
		return ledger.ErrDuplicateTransaction
	}
	now := time.Now().UTC()
	tx.Status = transaction.StatusPending
	tx.CreatedAt, tx.UpdatedAt = now, now
	l.txs[tx.ID] = *tx
	return nil
}

func (l *Ledger) UpdateStatus(_ context.Context, id string, to transaction.Status, upd ledger.StatusUpdate) (*ledger.TransitionResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.FailUpdates != nil {
		return nil, l.FailUpdates
	}
	current, ok := l.txs[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}

	from := current.Status
	decision := ledger.Decide(from, to)
	if current.ProviderTransactionID == nil && upd.ProviderTransactionID != nil && *upd.ProviderTransactionID != "" {
		ptx := *upd.ProviderTransactionID
		current.ProviderTransactionID = &ptx
	}
	if decision == ledger.DecisionApply {
		current.Status = to
		if upd.RawResponse != nil {
			current.RawResponse = append([]byte(nil), upd.RawResponse...)
		}
		if upd.FailureReason != nil {
			current.FailureReason = upd.FailureReason
		}
		if upd.CardLast4 != nil {
			current.CardLast4 = upd.CardLast4
		}
		if upd.CardBrand != nil {
			current.CardBrand = upd.CardBrand
		}
	}
	if upd.Attempts > 0 {
		current.Attempts = upd.Attempts
	}
	current.UpdatedAt = time.Now().UTC()
	l.txs[id] = current

	out := current
	return &ledger.TransitionResult{Transaction: &out, From: from, Decision: decision}, nil
}

func (l *Ledger) FindByID(_ context.Context, id string) (*transaction.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.txs[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &tx, nil
}

func (l *Ledger) FindByProviderTransactionID(_ context.Context, provider, providerTxID string) (*transaction.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, tx := range l.txs {
		if tx.Provider == provider && tx.ProviderTxID() == providerTxID {
			return &tx, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (l *Ledger) FindLatestByOrderID(_ context.Context, provider, orderID string) (*transaction.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var latest *transaction.Transaction
	for _, tx := range l.txs {
		if tx.Provider != provider || tx.OrderID != orderID {
			continue
		}
		if latest == nil || tx.CreatedAt.After(latest.CreatedAt) {
			t := tx
			latest = &t
		}
	}
	if latest == nil {
		return nil, ledger.ErrNotFound
	}
	return latest, nil
}

func (l *Ledger) FlagForReview(_ context.Context, id, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.txs[id]
	if !ok {
		return ledger.ErrNotFound
	}
	tx.NeedsReview = true
	tx.ReviewReason = &reason
	l.txs[id] = tx
	return nil
}

func (l *Ledger) SetOrderSyncPending(_ context.Context, id string, pending bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.txs[id]
	if !ok {
		return ledger.ErrNotFound
	}
	tx.OrderSyncPending = pending
	l.txs[id] = tx
	return nil
}

func (l *Ledger) ListOrderSyncPending(_ context.Context, limit int) ([]*transaction.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*transaction.Transaction
	for _, tx := range l.txs {
		if tx.OrderSyncPending && tx.Status == transaction.StatusSucceeded {
			t := tx
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *Ledger) CreateRefund(_ context.Context, rf *refund.Refund) (*refund.Refund, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, existing := range l.refunds {
		if existing.TransactionID == rf.TransactionID && existing.IdempotencyKey == rf.IdempotencyKey {
			e := existing
			return &e, false, nil
		}
	}
	now := time.Now().UTC()
	rf.Status = transaction.StatusPending
	rf.CreatedAt, rf.UpdatedAt = now, now
	l.refunds[rf.ID] = *rf
	return rf, true, nil
}

func (l *Ledger) UpdateRefundStatus(_ context.Context, id string, to transaction.Status, upd ledger.RefundUpdate) (*ledger.RefundTransition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.refunds[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	from := current.Status
	decision := ledger.Decide(from, to)
	if current.ProviderRefundID == nil && upd.ProviderRefundID != nil && *upd.ProviderRefundID != "" {
		pid := *upd.ProviderRefundID
		current.ProviderRefundID = &pid
	}
	if decision == ledger.DecisionApply {
		current.Status = to
		if upd.RawResponse != nil {
			current.RawResponse = append([]byte(nil), upd.RawResponse...)
		}
		if upd.FailureReason != nil {
			current.FailureReason = upd.FailureReason
		}
	}
	current.UpdatedAt = time.Now().UTC()
	l.refunds[id] = current

	out := current
	return &ledger.RefundTransition{Refund: &out, From: from, Decision: decision}, nil
}

func (l *Ledger) FindRefundByID(_ context.Context, id string) (*refund.Refund, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rf, ok := l.refunds[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &rf, nil
}

func (l *Ledger) FindRefundByProviderRefundID(_ context.Context, provider, providerRefundID string) (*refund.Refund, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rf := range l.refunds {
		if rf.Provider == provider && rf.ProviderRefID() == providerRefundID {
			return &rf, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (l *Ledger) ListRefundsByTransaction(_ context.Context, transactionID string) ([]*refund.Refund, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*refund.Refund
	for _, rf := range l.refunds {
		if rf.TransactionID == transactionID {
			r := rf
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (l *Ledger) FlagRefundForReview(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rf, ok := l.refunds[id]
	if !ok {
		return ledger.ErrNotFound
	}
	rf.NeedsReview = true
	l.refunds[id] = rf
	return nil
}

func (l *Ledger) RecordEvent(_ context.Context, ev *providerevent.ProviderEvent) (*providerevent.ProviderEvent, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ev.Provider + "/" + ev.EventID
	if existing, ok := l.events[key]; ok {
		return &existing, false, nil
	}
	l.nextEv++
	ev.ID = l.nextEv
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	l.events[key] = *ev
	return ev, true, nil
}

func (l *Ledger) MarkEventProcessed(_ context.Context, id int64, result string, processErr error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, ev := range l.events {
		if ev.ID != id {
			continue
		}
		now := time.Now().UTC()
		ev.ProcessedAt = &now
		ev.Result = &result
		ev.ProcessError = nil
		if processErr != nil {
			msg := processErr.Error()
			ev.ProcessError = &msg
		}
		l.events[key] = ev
		return nil
	}
	return ledger.ErrNotFound
}
