package transaction

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending        Status = "pending"
	StatusRequiresAction Status = "requires_action"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRequiresAction, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Transaction is one payment attempt. Amount already includes the tip.
type Transaction struct {
	ID                    string          `gorm:"column:id;primaryKey;type:varchar(36)"`
	OrderID               string          `gorm:"column:order_id;not null;index"`
	Method                string          `gorm:"column:method;not null"`
	Provider              string          `gorm:"column:provider;not null;uniqueIndex:idx_transactions_provider_tx,priority:1"`
	ProviderTransactionID *string         `gorm:"column:provider_transaction_id;uniqueIndex:idx_transactions_provider_tx,priority:2"`
	Amount                decimal.Decimal `gorm:"column:amount;type:numeric(19,4);not null"`
	TipAmount             decimal.Decimal `gorm:"column:tip_amount;type:numeric(19,4);not null"`
	Currency              string          `gorm:"column:currency;type:varchar(3);not null"`
	Status                Status          `gorm:"column:status;type:varchar(32);not null;index"`
	IdempotencyKey        string          `gorm:"column:idempotency_key;not null;index"`
	RawResponse           datatypes.JSON  `gorm:"column:raw_response"`
	Metadata              datatypes.JSON  `gorm:"column:metadata"`
	CardLast4             *string         `gorm:"column:card_last4;type:varchar(4)"`
	CardBrand             *string         `gorm:"column:card_brand"`
	FailureReason         *string         `gorm:"column:failure_reason"`
	NeedsReview           bool            `gorm:"column:needs_review;not null;default:false"`
	ReviewReason          *string         `gorm:"column:review_reason"`
	OrderSyncPending      bool            `gorm:"column:order_sync_pending;not null;default:false;index"`
	Attempts              int             `gorm:"column:attempts;not null;default:0"`
	CreatedAt             time.Time       `gorm:"column:created_at"`
	UpdatedAt             time.Time       `gorm:"column:updated_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}

func (t *Transaction) ProviderTxID() string {
	if t.ProviderTransactionID == nil {
		return ""
	}
	return *t.ProviderTransactionID
}
