// Package metrics holds the Prometheus collectors of the payment service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PaymentRequests counts finished ProcessPayment calls by provider and response status.
	PaymentRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_requests_total",
			Help: "Total number of payment requests by final status",
		},
		[]string{"provider", "status"},
	)

	// PaymentAttempts counts adapter invocations inside the retry loop.
	PaymentAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_attempts_total",
			Help: "Total number of provider charge attempts by outcome",
		},
		[]string{"provider", "outcome"},
	)

	PaymentDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_duration_seconds",
			Help:    "End to end payment processing time, retries included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_call_duration_seconds",
			Help:    "Duration of a single provider call",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	// CircuitBreakerState tracks circuit breaker state (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provider_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Total number of provider webhooks by result",
		},
		[]string{"provider", "result"},
	)

	// ReconciliationConflicts counts success/failure disagreements flagged for review.
	ReconciliationConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_conflicts_total",
			Help: "Total number of conflicting provider outcomes flagged for manual review",
		},
		[]string{"provider", "source"},
	)

	// LedgerWriteFailures counts ledger writes that failed after the provider reported success.
	LedgerWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_write_failures_total",
			Help: "Total number of ledger writes that failed after a provider charge",
		},
		[]string{"provider"},
	)

	OrderSyncFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "order_sync_failures_total",
			Help: "Total number of failed mark-order-paid calls",
		},
	)

	IdempotencyReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_replays_total",
			Help: "Total number of requests answered from the idempotency store",
		},
		[]string{"kind"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
