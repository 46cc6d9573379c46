package postgres

import (
	"context"
	"errors"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/refund"
	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/transaction"
	"github.com/frahmantamala/restaurant-pos/internal/ledger"
)

func (r *LedgerRepository) CreateRefund(ctx context.Context, rf *refund.Refund) (*refund.Refund, bool, error) {
	now := r.now()
	rf.Status = transaction.StatusPending
	rf.CreatedAt = now
	rf.UpdatedAt = now

	err := r.db.WithContext(ctx).Create(rf).Error
	if err == nil {
		return rf, true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, err
	}

	var existing refund.Refund
	err = r.db.WithContext(ctx).
		Where("transaction_id = ? AND idempotency_key = ?", rf.TransactionID, rf.IdempotencyKey).
		First(&existing).Error
	if err != nil {
		return nil, false, translate(err)
	}
	return &existing, false, nil
}

func (r *LedgerRepository) FindRefundByID(ctx context.Context, id string) (*refund.Refund, error) {
	var rf refund.Refund
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&rf).Error; err != nil {
		return nil, translate(err)
	}
	return &rf, nil
}

func (r *LedgerRepository) FindRefundByProviderRefundID(ctx context.Context, provider, providerRefundID string) (*refund.Refund, error) {
	var rf refund.Refund
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_refund_id = ?", provider, providerRefundID).
		First(&rf).Error
	if err != nil {
		return nil, translate(err)
	}
	return &rf, nil
}

func (r *LedgerRepository) ListRefundsByTransaction(ctx context.Context, transactionID string) ([]*refund.Refund, error) {
	var refunds []*refund.Refund
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("created_at ASC").
		Find(&refunds).Error
	if err != nil {
		return nil, err
	}
	return refunds, nil
}

func (r *LedgerRepository) UpdateRefundStatus(ctx context.Context, id string, to transaction.Status, upd ledger.RefundUpdate) (*ledger.RefundTransition, error) {
	db := r.db.WithContext(ctx)

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		current, err := r.FindRefundByID(ctx, id)
		if err != nil {
			return nil, err
		}

		decision := ledger.Decide(current.Status, to)
		if decision != ledger.DecisionApply {
			if current.ProviderRefundID == nil && upd.ProviderRefundID != nil && *upd.ProviderRefundID != "" {
				err := db.Model(&refund.Refund{}).
					Where("id = ? AND provider_refund_id IS NULL", id).
					Updates(map[string]interface{}{"provider_refund_id": *upd.ProviderRefundID, "updated_at": r.now()}).Error
				if err != nil {
					return nil, translate(err)
				}
				current.ProviderRefundID = upd.ProviderRefundID
			}
			return &ledger.RefundTransition{Refund: current, From: current.Status, Decision: decision}, nil
		}

		updates := map[string]interface{}{
			"status":     to,
			"updated_at": r.now(),
		}
		if upd.ProviderRefundID != nil && *upd.ProviderRefundID != "" {
			updates["provider_refund_id"] = gorm.Expr("COALESCE(provider_refund_id, ?)", *upd.ProviderRefundID)
		}
		if upd.RawResponse != nil {
			updates["raw_response"] = datatypes.JSON(upd.RawResponse)
		}
		if upd.FailureReason != nil {
			updates["failure_reason"] = *upd.FailureReason
		}

		res := db.Model(&refund.Refund{}).
			Where("id = ? AND status = ?", id, current.Status).
			Updates(updates)
		if res.Error != nil {
			return nil, translate(res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}

		updated, err := r.FindRefundByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return &ledger.RefundTransition{Refund: updated, From: current.Status, Decision: ledger.DecisionApply}, nil
	}

	return nil, ledger.ErrConcurrentUpdate
}

func (r *LedgerRepository) FlagRefundForReview(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&refund.Refund{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"needs_review": true, "updated_at": r.now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ledger.ErrNotFound
	}
	return nil
}
