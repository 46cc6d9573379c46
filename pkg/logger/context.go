package logger

import (
	"context"
	"log/slog"
)

type fieldsKey struct{}

// With attaches key/value fields to ctx. Fields stack: a later With keeps the earlier ones.
func With(ctx context.Context, fields ...any) context.Context {
	if len(fields) == 0 {
		return ctx
	}
	prev := Fields(ctx)
	merged := make([]any, 0, len(prev)+len(fields))
	merged = append(merged, prev...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, fieldsKey{}, merged)
}

// WithPayment tags ctx with the transaction a log line belongs to. Empty values are skipped.
func WithPayment(ctx context.Context, transactionID, idempotencyKey string) context.Context {
	var fields []any
	if transactionID != "" {
		fields = append(fields, "transaction_id", transactionID)
	}
	if idempotencyKey != "" {
		fields = append(fields, "idempotency_key", idempotencyKey)
	}
	return With(ctx, fields...)
}

// Fields returns the fields attached to ctx.
func Fields(ctx context.Context) []any {
	fields, _ := ctx.Value(fieldsKey{}).([]any)
	return fields
}

// From decorates base with the fields attached to ctx. A nil base means the process logger.
func From(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = LoggerWrapper()
	}
	if fields := Fields(ctx); len(fields) > 0 {
		return base.With(fields...)
	}
	return base
}
