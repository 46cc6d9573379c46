package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/frahmantamala/restaurant-pos/api"
	"github.com/frahmantamala/restaurant-pos/internal/payment"
	"github.com/frahmantamala/restaurant-pos/internal/transport/middleware"
	"github.com/frahmantamala/restaurant-pos/internal/transport/swagger"
	"github.com/frahmantamala/restaurant-pos/internal/webhook"
)

// Routes holds everything RegisterAllRoutes mounts. Nil handlers leave their routes out.
type Routes struct {
	Health    *HealthHandler
	Payments  *payment.Handler
	Webhooks  *webhook.Handler
	Validator *middleware.OpenAPIValidator
	// MetricsPath mounts the Prometheus scrape endpoint when non-empty.
	MetricsPath string
	Logger      *slog.Logger
}

func RegisterAllRoutes(router *chi.Mux, routes Routes) {
	healthHandler := routes.Health
	if healthHandler == nil {
		healthHandler = NewHealthHandler(nil)
	}

	// Apply global middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.TerminalContext)
	router.Use(middleware.RecoveryMiddleware(routes.Logger))
	router.Use(middleware.LoggingMiddleware(routes.Logger))
	router.Use(middleware.Metrics)

	if routes.MetricsPath != "" {
		router.Handle(routes.MetricsPath, promhttp.Handler())
	}

	// OpenAPI document and Swagger UI live outside the API prefix
	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.Write(api.OpenAPI)
	})
	router.Handle("/swagger/*", swagger.Handler("/openapi.yml"))

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		if routes.Payments != nil {
			r.Route("/payments", func(pr chi.Router) {
				if routes.Validator != nil {
					pr.Use(routes.Validator.Middleware)
				}
				pr.Post("/", routes.Payments.CreatePayment)            // POST /payments
				pr.Get("/{id}", routes.Payments.GetPayment)            // GET /payments/:id
				pr.Post("/{id}/refunds", routes.Payments.CreateRefund) // POST /payments/:id/refunds
			})
		}

		// Webhook bodies are verified byte for byte, so no schema validation here
		if routes.Webhooks != nil {
			r.Post("/webhooks/{provider}", routes.Webhooks.Receive)
		}
	})
}
