package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/frahmantamala/restaurant-pos/internal"
	"github.com/frahmantamala/restaurant-pos/internal/core/events"
	"github.com/frahmantamala/restaurant-pos/internal/idempotency"
	idempotencybolt "github.com/frahmantamala/restaurant-pos/internal/idempotency/bolt"
	idempotencymemory "github.com/frahmantamala/restaurant-pos/internal/idempotency/memory"
	idempotencypostgres "github.com/frahmantamala/restaurant-pos/internal/idempotency/postgres"
	ledgerpostgres "github.com/frahmantamala/restaurant-pos/internal/ledger/postgres"
	"github.com/frahmantamala/restaurant-pos/internal/order"
	"github.com/frahmantamala/restaurant-pos/internal/payment"
	"github.com/frahmantamala/restaurant-pos/internal/provider"
	"github.com/frahmantamala/restaurant-pos/internal/provider/cardpay"
	"github.com/frahmantamala/restaurant-pos/internal/provider/cash"
	"github.com/frahmantamala/restaurant-pos/internal/provider/qrwallet"
	"github.com/frahmantamala/restaurant-pos/internal/provider/sandbox"
	"github.com/frahmantamala/restaurant-pos/internal/provider/tillpay"
	"github.com/frahmantamala/restaurant-pos/internal/settlement"
	"github.com/frahmantamala/restaurant-pos/internal/webhook"
	"github.com/frahmantamala/restaurant-pos/pkg/logger"
)

type Dependencies struct {
	Config       *internal.Config
	DB           *sqlx.DB
	Logger       *slog.Logger
	Store        idempotency.Store
	Ledger       *ledgerpostgres.LedgerRepository
	Providers    *provider.Registry
	Sandbox      *sandbox.Client
	Bus          *events.EventBus
	Settler      *settlement.Settler
	Orchestrator *payment.Orchestrator
	Refunds      *payment.RefundService
	Reconciler   *webhook.Reconciler

	closers []func() error
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	lg := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	deps := &Dependencies{Config: config, DB: db, Logger: lg}
	deps.closers = append(deps.closers, db.Close)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: db.DB}), &gorm.Config{TranslateError: true})
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	deps.Ledger = ledgerpostgres.NewLedgerRepository(gormDB)

	if err := deps.initStore(); err != nil {
		deps.Close()
		return nil, err
	}

	deps.Providers, deps.Sandbox = buildProviders(config, lg)
	if deps.Sandbox != nil {
		deps.closers = append(deps.closers, func() error {
			deps.Sandbox.Shutdown()
			return nil
		})
	}

	deps.Bus = events.NewEventBus(lg)
	settlement.NewAuditHandler(lg).RegisterEventHandlers(deps.Bus)

	orders := order.NewClient(order.Config{
		BaseURL: config.OrderService.BaseURL,
		APIKey:  config.OrderService.APIKey,
		Timeout: config.OrderService.Timeout,
	})
	deps.Settler = settlement.NewSettler(deps.Ledger, orders, deps.Bus, lg)

	deps.Orchestrator = payment.NewOrchestrator(payment.Config{
		MaxAttempts:    config.Payment.MaxAttempts,
		BackoffBase:    config.Payment.BackoffBase,
		AttemptTimeout: config.Payment.AttemptTimeout,
		IdempotencyTTL: config.Idempotency.TTL,
		InFlightWait:   config.Idempotency.InFlightWait,
		InFlightPoll:   config.Idempotency.InFlightPoll,
	}, deps.Providers, deps.Store, deps.Ledger, deps.Settler, lg)
	deps.Refunds = payment.NewRefundService(deps.Ledger, deps.Ledger, deps.Providers, deps.Settler, config.Payment.AttemptTimeout, lg)
	deps.Reconciler = webhook.NewReconciler(deps.Ledger, deps.Ledger, deps.Ledger, deps.Settler, lg)

	lg.Info("dependencies initialized",
		"idempotency_backend", config.Idempotency.Backend,
		"providers", deps.Providers.Names())

	return deps, nil
}

func (d *Dependencies) initStore() error {
	cfg := d.Config.Idempotency
	switch cfg.Backend {
	case "postgres":
		d.Store = idempotencypostgres.NewStore(d.DB)
	case "bolt":
		store, err := idempotencybolt.New(cfg.BoltPath)
		if err != nil {
			return fmt.Errorf("failed to open idempotency store: %w", err)
		}
		d.Store = store
		d.closers = append(d.closers, store.Close)
	case "memory":
		d.Logger.Warn("in-memory idempotency store does not survive restarts")
		d.Store = idempotencymemory.New()
	default:
		return fmt.Errorf("unknown idempotency backend %q", cfg.Backend)
	}
	return nil
}

// Close waits for in-flight event handlers, then releases resources in reverse order.
func (d *Dependencies) Close() {
	if d.Bus != nil {
		d.Bus.Wait()
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.Logger.Error("failed to release resource", "error", err)
		}
	}
	d.closers = nil
}

// Maintain purges expired idempotency keys and re-sends order updates that failed earlier.
func (d *Dependencies) Maintain(ctx context.Context) {
	purged, err := d.Store.PurgeExpired(ctx)
	if err != nil {
		d.Logger.Error("failed to purge expired idempotency keys", "error", err)
	} else if purged > 0 {
		d.Logger.Info("purged expired idempotency keys", "count", purged)
	}

	resynced, err := d.Settler.ResyncPending(ctx, resyncBatchSize)
	if err != nil {
		d.Logger.Error("failed to resync order updates", "error", err)
	} else if resynced > 0 {
		d.Logger.Info("resynced order updates", "count", resynced)
	}
}

const resyncBatchSize = 100

func buildProviders(cfg *internal.Config, lg *slog.Logger) (*provider.Registry, *sandbox.Client) {
	breaker := provider.BreakerSettings{
		MaxRequests:         cfg.Payment.Breaker.MaxRequests,
		Interval:            cfg.Payment.Breaker.Interval,
		Timeout:             cfg.Payment.Breaker.Timeout,
		ConsecutiveFailures: cfg.Payment.Breaker.ConsecutiveFailures,
	}
	registry := provider.NewRegistry()
	p := cfg.Providers

	if p.CardPay.Enabled {
		registry.Register(provider.NewGuard(cardpay.New(cardpay.Config{
			BaseURL:       p.CardPay.BaseURL,
			APIKey:        p.CardPay.APIKey,
			WebhookSecret: p.CardPay.WebhookSecret,
			Timeout:       p.CardPay.Timeout,
		}), breaker, lg))
	}
	if p.TillPay.Enabled {
		registry.Register(provider.NewGuard(tillpay.New(tillpay.Config{
			BaseURL:         p.TillPay.BaseURL,
			APIKey:          p.TillPay.APIKey,
			WebhookSecret:   p.TillPay.WebhookSecret,
			NotificationURL: webhookURL(cfg, p.TillPay.WebhookURL, tillpay.Name),
			Timeout:         p.TillPay.Timeout,
		}), breaker, lg))
	}
	if p.QRWallet.Enabled {
		registry.Register(provider.NewGuard(qrwallet.New(qrwallet.Config{
			BaseURL:       p.QRWallet.BaseURL,
			APIKey:        p.QRWallet.APIKey,
			WebhookSecret: p.QRWallet.WebhookSecret,
			NotifyURL:     webhookURL(cfg, p.QRWallet.WebhookURL, qrwallet.Name),
			Timeout:       p.QRWallet.Timeout,
		}), breaker, lg))
	}

	var sb *sandbox.Client
	if p.Sandbox.Enabled {
		sb = sandbox.New(sandbox.Config{
			WebhookURL:    webhookURL(cfg, p.Sandbox.WebhookURL, sandbox.Name),
			WebhookSecret: p.Sandbox.WebhookSecret,
			SettleDelay:   p.Sandbox.SettleDelay,
			MaxWorkers:    p.Sandbox.MaxWorkers,
			JobQueueSize:  p.Sandbox.JobQueueSize,
		}, lg)
		registry.Register(sb)
	}
	if p.Cash.Enabled {
		registry.Register(cash.New())
	}

	return registry, sb
}

func webhookURL(cfg *internal.Config, configured, providerName string) string {
	if configured != "" {
		return configured
	}
	return strings.TrimSuffix(cfg.Server.BaseURL, "/") + "/api/v1/webhooks/" + providerName
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}
