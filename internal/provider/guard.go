package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/frahmantamala/restaurant-pos/internal/metrics"
)

type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// Guard wraps an adapter with a circuit breaker and call timing. Only transport errors count
// as breaker failures; a decline is a healthy answer from the provider.
type Guard struct {
	inner  Adapter
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

func NewGuard(inner Adapter, settings BreakerSettings, logger *slog.Logger) *Guard {
	name := inner.Name()
	threshold := settings.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}

	g := &Guard{inner: inner, logger: logger}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(cbName string, from gobreaker.State, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(cbName).Set(breakerStateValue(to))
			logger.Warn("provider circuit breaker state changed",
				"provider", cbName,
				"from", from.String(),
				"to", to.String())
		},
	})
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	return g
}

func (g *Guard) Name() string {
	return g.inner.Name()
}

func (g *Guard) Unwrap() Adapter {
	return g.inner
}

func (g *Guard) State() gobreaker.State {
	return g.cb.State()
}

func (g *Guard) Charge(ctx context.Context, req ChargeRequest, idempotencyKey string) Outcome {
	start := time.Now()
	result, err := g.cb.Execute(func() (interface{}, error) {
		out := g.inner.Charge(ctx, req, idempotencyKey)
		if out.Kind == OutcomeTransportError {
			if out.Err == nil {
				out.Err = errTransport
			}
			return out, out.Err
		}
		return out, nil
	})
	metrics.ProviderCallDuration.WithLabelValues(g.Name(), "charge").Observe(time.Since(start).Seconds())

	if rejected(err) {
		return TransportError(fmt.Errorf("%s: %w", g.Name(), err))
	}
	return result.(Outcome)
}

// Refund must only be called when the wrapped adapter is a Refunder; Registry.Refunder checks that.
func (g *Guard) Refund(ctx context.Context, req RefundRequest, idempotencyKey string) RefundOutcome {
	refunder := unwrap(g.inner).(Refunder)

	start := time.Now()
	result, err := g.cb.Execute(func() (interface{}, error) {
		out := refunder.Refund(ctx, req, idempotencyKey)
		if out.Kind == OutcomeTransportError {
			if out.Err == nil {
				out.Err = errTransport
			}
			return out, out.Err
		}
		return out, nil
	})
	metrics.ProviderCallDuration.WithLabelValues(g.Name(), "refund").Observe(time.Since(start).Seconds())

	if rejected(err) {
		return RefundOutcome{Kind: OutcomeTransportError, Err: fmt.Errorf("%s: %w", g.Name(), err)}
	}
	return result.(RefundOutcome)
}

// rejected reports whether the breaker refused the call without running it.
func rejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
