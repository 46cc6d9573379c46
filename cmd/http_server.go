package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/restaurant-pos/api"
	"github.com/frahmantamala/restaurant-pos/internal/payment"
	"github.com/frahmantamala/restaurant-pos/internal/transport"
	"github.com/frahmantamala/restaurant-pos/internal/transport/middleware"
	"github.com/frahmantamala/restaurant-pos/internal/transport/rest"
	"github.com/frahmantamala/restaurant-pos/internal/webhook"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle payment, refund and webhook requests`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	router, err := setupRoutes(deps)
	if err != nil {
		deps.Close()
		fmt.Fprintf(os.Stderr, "Failed to set up routes: %v\n", err)
		os.Exit(1)
	}

	cfg := deps.Config.Server
	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("Starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	maintenanceCtx, stopMaintenance := context.WithCancel(context.Background())
	maintenanceDone := make(chan struct{})
	go func() {
		defer close(maintenanceDone)
		runMaintenance(maintenanceCtx, deps, deps.Config.Idempotency.PurgeInterval)
	}()

	// Signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	exitCode := 0
	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down...", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			exitCode = 1
		}
	}

	stopMaintenance()
	<-maintenanceDone
	deps.Close()

	slog.Info("Server stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func setupRoutes(deps *Dependencies) (*chi.Mux, error) {
	validator, err := middleware.NewOpenAPIValidator(api.OpenAPI, deps.Logger)
	if err != nil {
		return nil, err
	}

	base := transport.NewBaseHandler(deps.Logger)
	routes := rest.Routes{
		Health:    rest.NewHealthHandler(map[string]rest.Pinger{"postgres": deps.DB}),
		Payments:  payment.NewHandler(base, deps.Orchestrator, deps.Refunds),
		Webhooks:  webhook.NewHandler(base, deps.Providers, deps.Reconciler),
		Validator: validator,
		Logger:    deps.Logger,
	}
	if deps.Config.Observability.Metrics.Enabled {
		routes.MetricsPath = deps.Config.Observability.Metrics.Path
	}

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, routes)
	return router, nil
}

// runMaintenance repeats Maintain every interval until ctx ends. A zero interval disables it.
func runMaintenance(ctx context.Context, deps *Dependencies, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deps.Maintain(ctx)
		}
	}
}
