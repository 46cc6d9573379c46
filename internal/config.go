package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env           string              `mapstructure:"env" validate:"omitempty,oneof=development staging production"`
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Idempotency   IdempotencyConfig   `mapstructure:"idempotency"`
	Payment       PaymentConfig       `mapstructure:"payment"`
	Providers     ProvidersConfig     `mapstructure:"providers"`
	OrderService  OrderServiceConfig  `mapstructure:"order_service"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port" validate:"required,min=1,max=65535"`
	BaseURL           string        `mapstructure:"base_url"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"required,min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"required,min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Source          string        `mapstructure:"source" validate:"required"`
}

type IdempotencyConfig struct {
	Backend       string        `mapstructure:"backend" validate:"required,oneof=postgres bolt memory"`
	BoltPath      string        `mapstructure:"bolt_path" validate:"required_if=Backend bolt"`
	TTL           time.Duration `mapstructure:"ttl" validate:"required"`
	InFlightWait  time.Duration `mapstructure:"in_flight_wait"`
	InFlightPoll  time.Duration `mapstructure:"in_flight_poll"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

type PaymentConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"required,min=1,max=10"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" validate:"required"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures" validate:"required,min=1"`
}

type ProvidersConfig struct {
	CardPay  ProviderConfig `mapstructure:"cardpay"`
	TillPay  ProviderConfig `mapstructure:"tillpay"`
	QRWallet ProviderConfig `mapstructure:"qrwallet"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Cash     CashConfig     `mapstructure:"cash"`
}

type ProviderConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BaseURL       string        `mapstructure:"base_url" validate:"required_if=Enabled true"`
	APIKey        string        `mapstructure:"api_key" validate:"required_if=Enabled true"`
	WebhookSecret string        `mapstructure:"webhook_secret" validate:"required_if=Enabled true"`
	WebhookURL    string        `mapstructure:"webhook_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type SandboxConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	WebhookURL    string        `mapstructure:"webhook_url" validate:"required_if=Enabled true"`
	WebhookSecret string        `mapstructure:"webhook_secret" validate:"required_if=Enabled true"`
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
	MaxWorkers    int           `mapstructure:"max_workers"`
	JobQueueSize  int           `mapstructure:"job_queue_size"`
}

type CashConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type OrderServiceConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// LoadConfigFromEnv builds the configuration for container deployments where no config file is mounted.
func LoadConfigFromEnv() *Config {
	return &Config{
		Env: getEnv("APP_ENV", "production"),
		Server: ServerConfig{
			Port:              getEnvAsInt("HTTP_PORT", 8080),
			BaseURL:           getEnv("HTTP_BASE_URL", ""),
			ReadHeaderTimeout: getEnvAsDuration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvAsDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			WriteTimeout:      getEnvAsDuration("HTTP_WRITE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			Source:          getEnv("DATABASE_URL", ""),
		},
		Idempotency: IdempotencyConfig{
			Backend:       getEnv("IDEMPOTENCY_BACKEND", "postgres"),
			BoltPath:      getEnv("IDEMPOTENCY_BOLT_PATH", ""),
			TTL:           getEnvAsDuration("IDEMPOTENCY_TTL", time.Hour),
			InFlightWait:  getEnvAsDuration("IDEMPOTENCY_IN_FLIGHT_WAIT", 40*time.Second),
			InFlightPoll:  getEnvAsDuration("IDEMPOTENCY_IN_FLIGHT_POLL", 100*time.Millisecond),
			PurgeInterval: getEnvAsDuration("IDEMPOTENCY_PURGE_INTERVAL", 10*time.Minute),
		},
		Payment: PaymentConfig{
			MaxAttempts:    getEnvAsInt("PAYMENT_MAX_ATTEMPTS", 3),
			BackoffBase:    getEnvAsDuration("PAYMENT_BACKOFF_BASE", time.Second),
			AttemptTimeout: getEnvAsDuration("PAYMENT_ATTEMPT_TIMEOUT", 10*time.Second),
			Breaker: BreakerConfig{
				MaxRequests:         uint32(getEnvAsInt("PAYMENT_BREAKER_MAX_REQUESTS", 1)),
				Interval:            getEnvAsDuration("PAYMENT_BREAKER_INTERVAL", time.Minute),
				Timeout:             getEnvAsDuration("PAYMENT_BREAKER_TIMEOUT", 30*time.Second),
				ConsecutiveFailures: uint32(getEnvAsInt("PAYMENT_BREAKER_CONSECUTIVE_FAILURES", 5)),
			},
		},
		Providers: ProvidersConfig{
			CardPay:  providerFromEnv("CARDPAY"),
			TillPay:  providerFromEnv("TILLPAY"),
			QRWallet: providerFromEnv("QRWALLET"),
			Sandbox: SandboxConfig{
				Enabled:       getEnvAsBool("SANDBOX_ENABLED", false),
				WebhookURL:    getEnv("SANDBOX_WEBHOOK_URL", ""),
				WebhookSecret: getEnv("SANDBOX_WEBHOOK_SECRET", ""),
				SettleDelay:   getEnvAsDuration("SANDBOX_SETTLE_DELAY", 2*time.Second),
				MaxWorkers:    getEnvAsInt("SANDBOX_MAX_WORKERS", 4),
				JobQueueSize:  getEnvAsInt("SANDBOX_JOB_QUEUE_SIZE", 100),
			},
			Cash: CashConfig{Enabled: getEnvAsBool("CASH_ENABLED", true)},
		},
		OrderService: OrderServiceConfig{
			BaseURL: getEnv("ORDER_SERVICE_URL", ""),
			APIKey:  getEnv("ORDER_SERVICE_API_KEY", ""),
			Timeout: getEnvAsDuration("ORDER_SERVICE_TIMEOUT", 5*time.Second),
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: getEnvAsBool("METRICS_ENABLED", true),
				Path:    getEnv("METRICS_PATH", "/metrics"),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
	}
}

func providerFromEnv(prefix string) ProviderConfig {
	return ProviderConfig{
		Enabled:       getEnvAsBool(prefix+"_ENABLED", false),
		BaseURL:       getEnv(prefix+"_BASE_URL", ""),
		APIKey:        getEnv(prefix+"_API_KEY", ""),
		WebhookSecret: getEnv(prefix+"_WEBHOOK_SECRET", ""),
		WebhookURL:    getEnv(prefix+"_WEBHOOK_URL", ""),
		Timeout:       getEnvAsDuration(prefix+"_TIMEOUT", 10*time.Second),
	}
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// ----------------- VALIDATION -----------------

var structValidator = validator.New()

func (c *Config) Validate() error {
	var errs []string

	if err := structValidator.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				errs = append(errs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Payment.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("payment config: %v", err))
	}

	if budget := c.Payment.AttemptBudget(); c.Idempotency.InFlightWait > 0 && c.Idempotency.InFlightWait < budget {
		errs = append(errs, fmt.Sprintf("idempotency config: in_flight_wait %s is shorter than the payment attempt budget %s", c.Idempotency.InFlightWait, budget))
	}

	for name, p := range map[string]ProviderConfig{
		"cardpay":  c.Providers.CardPay,
		"tillpay":  c.Providers.TillPay,
		"qrwallet": c.Providers.QRWallet,
	} {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("provider %s: %v", name, err))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

// AttemptBudget is max_attempts timed-out attempts plus the linear backoff between them.
func (c *PaymentConfig) AttemptBudget() time.Duration {
	n := time.Duration(c.MaxAttempts)
	return n*c.AttemptTimeout + c.BackoffBase*n*(n-1)/2
}

func (c *PaymentConfig) Validate() error {
	if c.BackoffBase < 0 {
		return errors.New("backoff_base cannot be negative")
	}
	return nil
}

func (c *ProviderConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base_url %q: %w", c.BaseURL, err)
	}
	return nil
}
