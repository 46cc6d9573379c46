package settlement

import (
	"context"
	"log/slog"

	"github.com/frahmantamala/restaurant-pos/internal/core/events"
)

// AuditHandler writes every payment event to the log.
type AuditHandler struct {
	logger *slog.Logger
}

func NewAuditHandler(logger *slog.Logger) *AuditHandler {
	return &AuditHandler{logger: logger}
}

func (h *AuditHandler) Handle(ctx context.Context, event events.Event) error {
	level := slog.LevelInfo
	if event.EventType() == events.EventTypeReconciliationConflict || event.EventType() == events.EventTypeRefundFailed {
		level = slog.LevelWarn
	}

	h.logger.Log(ctx, level, "payment event",
		"event_type", event.EventType(),
		"event_id", event.EventID(),
		"occurred_at", event.OccurredAt(),
		"data", event.Payload())
	return nil
}

func (h *AuditHandler) RegisterEventHandlers(eventBus *events.EventBus) {
	types := []string{
		events.EventTypePaymentSucceeded,
		events.EventTypePaymentFailed,
		events.EventTypePaymentRequiresAction,
		events.EventTypeReconciliationConflict,
		events.EventTypeRefundSucceeded,
		events.EventTypeRefundFailed,
	}
	for _, t := range types {
		eventBus.Subscribe(t, h.Handle)
	}

	h.logger.Info("audit event handlers registered", "handlers", types)
}
