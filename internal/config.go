package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"http_server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Observability  ObservabilityConfig  `mapstructure:"observability"`
	Webhook        WebhookConfig        `mapstructure:"webhook"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Outbox         OutboxConfig         `mapstructure:"outbox"`
	Payments       PaymentsConfig       `mapstructure:"payments"`
	Providers      []ProviderConfig     `mapstructure:"providers"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ValidateRequests  bool          `mapstructure:"validate_requests"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"required,min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"required,min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"required,min=1m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" validate:"required,min=1m"`
	Source          string        `mapstructure:"source"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
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

// WebhookConfig tunes inbound delivery processing and the retry sweeper.
type WebhookConfig struct {
	Async         bool          `mapstructure:"async"`
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
}

type ReconciliationConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
	ExpireAfter time.Duration `mapstructure:"expire_after"`
	BatchSize   int           `mapstructure:"batch_size"`
}

// PaymentsConfig tunes the payment service. CallTimeout bounds each outbound
// provider call on top of the provider's own HTTP timeout.
type PaymentsConfig struct {
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// ProviderConfig is one entry of the ordered provider list. Amount-like fee
// values are kept as strings so they are parsed as decimals, never floats.
type ProviderConfig struct {
	Name          string        `mapstructure:"name" json:"name"`
	Driver        string        `mapstructure:"driver" json:"driver"`
	Priority      int           `mapstructure:"priority" json:"priority"`
	BaseURL       string        `mapstructure:"base_url" json:"base_url"`
	APIKey        string        `mapstructure:"api_key" json:"api_key"`
	APISecret     string        `mapstructure:"api_secret" json:"api_secret"`
	WebhookSecret string        `mapstructure:"webhook_secret" json:"webhook_secret"`
	Timeout       time.Duration `mapstructure:"timeout" json:"timeout"`
	Currencies    []string      `mapstructure:"currencies" json:"currencies"`
	Methods       []string      `mapstructure:"methods" json:"methods"`
	Fees          FeeConfig     `mapstructure:"fees" json:"fees"`
	Breaker       BreakerConfig `mapstructure:"breaker" json:"breaker"`
}

type FeeConfig struct {
	Percentage string               `mapstructure:"percentage" json:"percentage"`
	Fixed      string               `mapstructure:"fixed" json:"fixed"`
	Cap        string               `mapstructure:"cap" json:"cap"`
	Methods    map[string]FeeConfig `mapstructure:"methods" json:"methods"`
}

type BreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests" json:"max_requests"`
	Interval         time.Duration `mapstructure:"interval" json:"interval"`
	Timeout          time.Duration `mapstructure:"timeout" json:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold" json:"failure_threshold"`
}

// ----------------- ENVIRONMENT -----------------

// LoadConfigFromEnv builds the configuration for container deployments where
// no config file is mounted. PAYMENT_PROVIDERS holds the provider list as JSON.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:              getEnvAsInt("HTTP_PORT", 8080),
			BaseURL:           getEnv("HTTP_BASE_URL", "http://localhost:8080"),
			AllowedOrigins:    getEnv("HTTP_ALLOWED_ORIGINS", "*"),
			ReadHeaderTimeout: getEnvAsDuration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvAsDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			WriteTimeout:      getEnvAsDuration("HTTP_WRITE_TIMEOUT", 45*time.Second),
			ValidateRequests:  getEnvAsBool("HTTP_VALIDATE_REQUESTS", true),
		},
		Database: DatabaseConfig{
			Driver:          getEnv("DB_DRIVER", "postgres"),
			Source:          getEnv("DB_SOURCE", ""),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			TTL:      getEnvAsDuration("REDIS_TTL", 72*time.Hour),
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
		Webhook: WebhookConfig{
			Async:         getEnvAsBool("WEBHOOK_ASYNC", true),
			Workers:       getEnvAsInt("WEBHOOK_WORKERS", 8),
			QueueSize:     getEnvAsInt("WEBHOOK_QUEUE_SIZE", 256),
			MaxAttempts:   getEnvAsInt("WEBHOOK_MAX_ATTEMPTS", 10),
			BaseDelay:     getEnvAsDuration("WEBHOOK_BASE_DELAY", 5*time.Second),
			MaxDelay:      getEnvAsDuration("WEBHOOK_MAX_DELAY", 30*time.Minute),
			RetryInterval: getEnvAsDuration("WEBHOOK_RETRY_INTERVAL", 10*time.Second),
			BatchSize:     getEnvAsInt("WEBHOOK_BATCH_SIZE", 50),
		},
		Reconciliation: ReconciliationConfig{
			Enabled:     getEnvAsBool("RECONCILIATION_ENABLED", true),
			Interval:    getEnvAsDuration("RECONCILIATION_INTERVAL", time.Minute),
			GracePeriod: getEnvAsDuration("RECONCILIATION_GRACE_PERIOD", 5*time.Minute),
			ExpireAfter: getEnvAsDuration("RECONCILIATION_EXPIRE_AFTER", 24*time.Hour),
			BatchSize:   getEnvAsInt("RECONCILIATION_BATCH_SIZE", 50),
		},
		Outbox: OutboxConfig{
			PollInterval: getEnvAsDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
			BatchSize:    getEnvAsInt("OUTBOX_BATCH_SIZE", 100),
		},
		Payments: PaymentsConfig{
			CallTimeout: getEnvAsDuration("PAYMENTS_CALL_TIMEOUT", 30*time.Second),
		},
	}

	if raw := os.Getenv("PAYMENT_PROVIDERS"); raw != "" {
		var providers []ProviderConfig
		if err := json.Unmarshal([]byte(raw), &providers); err == nil {
			cfg.Providers = providers
		}
	}

	return cfg
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

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Redis.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("redis config: %v", err))
	}

	if err := c.Webhook.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("webhook config: %v", err))
	}

	if len(c.Providers) == 0 {
		errs = append(errs, "providers: at least one provider must be configured")
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("provider %d (%s): %v", i, p.Name, err))
			continue
		}
		key := strings.ToLower(p.Name)
		if _, dup := seen[key]; dup {
			errs = append(errs, fmt.Sprintf("provider %d: duplicate name %q", i, p.Name))
		}
		seen[key] = struct{}{}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported driver %q", c.Driver)
	}
	if c.Source == "" {
		return errors.New("source is required")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *RedisConfig) Validate() error {
	if c.Enabled && c.Addr == "" {
		return errors.New("addr is required when redis is enabled")
	}
	return nil
}

func (c *WebhookConfig) Validate() error {
	if c.Async && c.Workers < 0 {
		return errors.New("workers cannot be negative")
	}
	if c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay {
		return errors.New("base_delay cannot be greater than max_delay")
	}
	return nil
}

func (c *ProviderConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("name is required")
	}
	if c.Driver == "" {
		return errors.New("driver is required")
	}
	if c.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
	}
	if len(c.Currencies) == 0 {
		return errors.New("at least one currency is required")
	}
	if len(c.Methods) == 0 {
		return errors.New("at least one payment method is required")
	}
	if c.WebhookSecret == "" {
		return errors.New("webhook_secret is required")
	}
	return nil
}
