package refund

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/transaction"
)

// Refund is a sibling ledger row of a succeeded Transaction. It shares the
// transaction status vocabulary, without requires_action.
type Refund struct {
	ID               string             `gorm:"column:id;primaryKey;type:varchar(36)"`
	TransactionID    string             `gorm:"column:transaction_id;not null;uniqueIndex:idx_refunds_tx_key,priority:1"`
	IdempotencyKey   string             `gorm:"column:idempotency_key;not null;uniqueIndex:idx_refunds_tx_key,priority:2"`
	Provider         string             `gorm:"column:provider;not null;uniqueIndex:idx_refunds_provider_refund,priority:1"`
	ProviderRefundID *string            `gorm:"column:provider_refund_id;uniqueIndex:idx_refunds_provider_refund,priority:2"`
	Amount           decimal.Decimal    `gorm:"column:amount;type:numeric(19,4);not null"`
	Currency         string             `gorm:"column:currency;type:varchar(3);not null"`
	Status           transaction.Status `gorm:"column:status;type:varchar(32);not null"`
	Reason           string             `gorm:"column:reason"`
	FailureReason    *string            `gorm:"column:failure_reason"`
	RawResponse      datatypes.JSON     `gorm:"column:raw_response"`
	NeedsReview      bool               `gorm:"column:needs_review;not null;default:false"`
	CreatedAt        time.Time          `gorm:"column:created_at"`
	UpdatedAt        time.Time          `gorm:"column:updated_at"`
}

func (Refund) TableName() string {
	return "refunds"
}

func (r *Refund) ProviderRefID() string {
	if r.ProviderRefundID == nil {
		return ""
	}
	return *r.ProviderRefundID
}
