package internal

import (
	"context"
	"time"
)

// WithTimeout returns a context with timeout, defaulting to 5 seconds if duration is zero or negative.
func WithTimeout(ctx context.Context, duration time.Duration) (context.Context, context.CancelFunc) {
	if duration <= 0 {
		duration = 5 * time.Second
	}
	return context.WithTimeout(ctx, duration)
}

// Detached keeps request values but survives the caller going away. Used for writes that must
// land once a provider has been charged.
func Detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
