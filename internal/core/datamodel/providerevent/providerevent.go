package providerevent

import (
	"time"

	"gorm.io/datatypes"
)

// ProviderEvent logs every verified webhook so redeliveries can be told apart from new events.
type ProviderEvent struct {
	ID           int64          `gorm:"column:id;primaryKey;autoIncrement"`
	Provider     string         `gorm:"column:provider;not null;uniqueIndex:idx_provider_events_event,priority:1"`
	EventID      string         `gorm:"column:event_id;not null;uniqueIndex:idx_provider_events_event,priority:2"`
	EventType    string         `gorm:"column:event_type;not null"`
	Payload      datatypes.JSON `gorm:"column:payload"`
	Result       *string        `gorm:"column:result"`
	ProcessError *string        `gorm:"column:process_error"`
	ReceivedAt   time.Time      `gorm:"column:received_at;not null"`
	ProcessedAt  *time.Time     `gorm:"column:processed_at"`
}

func (ProviderEvent) TableName() string {
	return "provider_events"
}

func (e *ProviderEvent) Processed() bool {
	return e.ProcessedAt != nil && e.ProcessError == nil
}
