package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/transaction"
	"github.com/frahmantamala/restaurant-pos/internal/ledger"
)

// maxCASRetries bounds how often UpdateStatus re-reads a row whose status moved underneath it.
const maxCASRetries = 5

// LedgerRepository needs a *gorm.DB opened with TranslateError so unique violations surface
// as gorm.ErrDuplicatedKey on both postgres and sqlite.
type LedgerRepository struct {
	db  *gorm.DB
	now func() time.Time
}

var (
	_ ledger.Repository       = (*LedgerRepository)(nil)
	_ ledger.RefundRepository = (*LedgerRepository)(nil)
	_ ledger.EventLog         = (*LedgerRepository)(nil)
)

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *LedgerRepository) CreatePending(ctx context.Context, tx *transaction.Transaction) error {
	now := r.now()
	tx.Status = transaction.StatusPending
	tx.CreatedAt = now
	tx.UpdatedAt = now

	err := r.db.WithContext(ctx).Create(tx).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ledger.ErrDuplicateTransaction
	}
	return err
}

func (r *LedgerRepository) FindByID(ctx context.Context, id string) (*transaction.Transaction, error) {
	var t transaction.Transaction
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (r *LedgerRepository) FindByProviderTransactionID(ctx context.Context, provider, providerTxID string) (*transaction.Transaction, error) {
	var t transaction.Transaction
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_transaction_id = ?", provider, providerTxID).
		First(&t).Error
	if err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (r *LedgerRepository) FindLatestByOrderID(ctx context.Context, provider, orderID string) (*transaction.Transaction, error) {
	var t transaction.Transaction
	err := r.db.WithContext(ctx).
		Where("provider = ? AND order_id = ?", provider, orderID).
		Order("created_at DESC").
		First(&t).Error
	if err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

// UpdateStatus is a compare-and-set on the current status. The row is re-read and the
// transition table consulted again whenever another writer wins the race.
func (r *LedgerRepository) UpdateStatus(ctx context.Context, id string, to transaction.Status, upd ledger.StatusUpdate) (*ledger.TransitionResult, error) {
	db := r.db.WithContext(ctx)

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		current, err := r.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}

		decision := ledger.Decide(current.Status, to)
		if decision != ledger.DecisionApply {
			if err := r.fillProviderTxID(ctx, current, upd); err != nil {
				return nil, err
			}
			return &ledger.TransitionResult{Transaction: current, From: current.Status, Decision: decision}, nil
		}

		updates := map[string]interface{}{
			"status":     to,
			"updated_at": r.now(),
		}
		if upd.ProviderTransactionID != nil && *upd.ProviderTransactionID != "" {
			updates["provider_transaction_id"] = gorm.Expr("COALESCE(provider_transaction_id, ?)", *upd.ProviderTransactionID)
		}
		if upd.RawResponse != nil {
			updates["raw_response"] = datatypes.JSON(upd.RawResponse)
		}
		if upd.FailureReason != nil {
			updates["failure_reason"] = *upd.FailureReason
		}
		if upd.CardLast4 != nil {
			updates["card_last4"] = *upd.CardLast4
		}
		if upd.CardBrand != nil {
			updates["card_brand"] = *upd.CardBrand
		}
		if upd.Attempts > 0 {
			updates["attempts"] = upd.Attempts
		}

		res := db.Model(&transaction.Transaction{}).
			Where("id = ? AND status = ?", id, current.Status).
			Updates(updates)
		if res.Error != nil {
			return nil, translate(res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}

		updated, err := r.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return &ledger.TransitionResult{Transaction: updated, From: current.Status, Decision: ledger.DecisionApply}, nil
	}

	return nil, ledger.ErrConcurrentUpdate
}

// fillProviderTxID records a provider id learned on a path that did not move the status.
func (r *LedgerRepository) fillProviderTxID(ctx context.Context, current *transaction.Transaction, upd ledger.StatusUpdate) error {
	if current.ProviderTransactionID != nil || upd.ProviderTransactionID == nil || *upd.ProviderTransactionID == "" {
		return nil
	}

	updates := map[string]interface{}{
		"provider_transaction_id": *upd.ProviderTransactionID,
		"updated_at":              r.now(),
	}
	if upd.Attempts > 0 {
		updates["attempts"] = upd.Attempts
	}
	err := r.db.WithContext(ctx).Model(&transaction.Transaction{}).
		Where("id = ? AND provider_transaction_id IS NULL", current.ID).
		Updates(updates).Error
	if err != nil {
		return translate(err)
	}
	current.ProviderTransactionID = upd.ProviderTransactionID
	return nil
}

func (r *LedgerRepository) FlagForReview(ctx context.Context, id, reason string) error {
	res := r.db.WithContext(ctx).Model(&transaction.Transaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"needs_review":  true,
			"review_reason": reason,
			"updated_at":    r.now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (r *LedgerRepository) SetOrderSyncPending(ctx context.Context, id string, pending bool) error {
	res := r.db.WithContext(ctx).Model(&transaction.Transaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"order_sync_pending": pending,
			"updated_at":         r.now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (r *LedgerRepository) ListOrderSyncPending(ctx context.Context, limit int) ([]*transaction.Transaction, error) {
	var txs []*transaction.Transaction
	err := r.db.WithContext(ctx).
		Where("order_sync_pending = ? AND status = ?", true, transaction.StatusSucceeded).
		Order("updated_at ASC").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.ErrNotFound
	}
	return err
}
