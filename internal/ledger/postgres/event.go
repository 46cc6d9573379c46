package postgres

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/frahmantamala/restaurant-pos/internal/core/datamodel/providerevent"
)

func (r *LedgerRepository) RecordEvent(ctx context.Context, ev *providerevent.ProviderEvent) (*providerevent.ProviderEvent, bool, error) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = r.now()
	}

	err := r.db.WithContext(ctx).Create(ev).Error
	if err == nil {
		return ev, true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, err
	}

	var existing providerevent.ProviderEvent
	err = r.db.WithContext(ctx).
		Where("provider = ? AND event_id = ?", ev.Provider, ev.EventID).
		First(&existing).Error
	if err != nil {
		return nil, false, translate(err)
	}
	return &existing, false, nil
}

func (r *LedgerRepository) MarkEventProcessed(ctx context.Context, id int64, result string, processErr error) error {
	updates := map[string]interface{}{
		"processed_at":  r.now(),
		"result":        result,
		"process_error": nil,
	}
	if processErr != nil {
		updates["process_error"] = processErr.Error()
	}
	return r.db.WithContext(ctx).Model(&providerevent.ProviderEvent{}).
		Where("id = ?", id).
		Updates(updates).Error
}
