package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/queue"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Logging      LogConfig
	RateLimit    RateLimitConfig
	Session      SessionConfig
	Resurrection ResurrectionConfig
	Webhook      WebhookConfig
	Store        StoreConfig
	Catalog      CatalogConfig
	Permissions  PermissionsConfig
	Transcribe   TranscriptionConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	// CORSOrigins is comma separated; "*" allows any origin
	CORSOrigins []string `envconfig:"CORS_ALLOW_ORIGINS" default:"*"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// SessionConfig holds per app session timing and queueing.
type SessionConfig struct {
	GracePeriod            time.Duration `envconfig:"APP_GRACE_PERIOD" default:"5s"`
	ConnectTimeout         time.Duration `envconfig:"APP_CONNECT_TIMEOUT" default:"15s"`
	RequestTimeout         time.Duration `envconfig:"APP_REQUEST_TIMEOUT" default:"30s"`
	EmptySubscriptionGrace time.Duration `envconfig:"APP_EMPTY_SUBSCRIPTION_GRACE" default:"1s"`
	SendQueueSize          int           `envconfig:"APP_SEND_QUEUE_SIZE" default:"256"`
	DropPolicy             string        `envconfig:"APP_SEND_DROP_POLICY" default:"oldest"`
}

// ResurrectionConfig controls how disconnected apps are woken again.
type ResurrectionConfig struct {
	Enabled     bool          `envconfig:"RESURRECT_ENABLED" default:"true"`
	Initial     time.Duration `envconfig:"RESURRECT_BACKOFF_INITIAL" default:"1s"`
	Max         time.Duration `envconfig:"RESURRECT_BACKOFF_MAX" default:"30s"`
	Multiplier  float64       `envconfig:"RESURRECT_BACKOFF_MULTIPLIER" default:"2"`
	Jitter      float64       `envconfig:"RESURRECT_JITTER" default:"0.2"`
	MaxAttempts int           `envconfig:"RESURRECT_MAX_ATTEMPTS" default:"5"`
}

// WebhookConfig holds the app wake webhook client settings.
type WebhookConfig struct {
	Timeout           time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s"`
	Retries           int           `envconfig:"WEBHOOK_RETRIES" default:"2"`
	RetryWait         time.Duration `envconfig:"WEBHOOK_RETRY_WAIT" default:"200ms"`
	MaxRetryWait      time.Duration `envconfig:"WEBHOOK_MAX_RETRY_WAIT" default:"2s"`
	RequestsPerSecond float64       `envconfig:"WEBHOOK_RPS" default:"20"`
	Secret            string        `envconfig:"WEBHOOK_SECRET"`
	PublicURL         string        `envconfig:"RELAY_PUBLIC_URL" default:"ws://localhost:8000/app-ws"`
	BreakerThreshold  uint32        `envconfig:"WEBHOOK_BREAKER_THRESHOLD" default:"3"`
	BreakerCooldown   time.Duration `envconfig:"WEBHOOK_BREAKER_COOLDOWN" default:"30s"`
}

// StoreConfig selects the running apps store backend.
type StoreConfig struct {
	Driver        string `envconfig:"STORE_DRIVER" default:"memory"`
	SQLitePath    string `envconfig:"SQLITE_PATH" default:"relay.db"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
}

// CatalogConfig points at the app catalog file (YAML or TOML).
type CatalogConfig struct {
	Path string `envconfig:"APP_CATALOG_PATH"`
}

// PermissionsConfig points at the casbin stream policy.
type PermissionsConfig struct {
	PolicyPath string `envconfig:"PERMISSION_POLICY_PATH"`
}

// TranscriptionConfig controls the language stream provider calls.
type TranscriptionConfig struct {
	Enabled     bool          `envconfig:"TRANSCRIPTION_ENABLED" default:"true"`
	CallTimeout time.Duration `envconfig:"TRANSCRIPTION_CALL_TIMEOUT" default:"5s"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8000",
			Host:        "0.0.0.0",
			CORSOrigins: []string{"*"},
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Session: SessionConfig{
			GracePeriod:            5 * time.Second,
			ConnectTimeout:         15 * time.Second,
			RequestTimeout:         30 * time.Second,
			EmptySubscriptionGrace: time.Second,
			SendQueueSize:          256,
			DropPolicy:             "oldest",
		},
		Resurrection: ResurrectionConfig{
			Enabled:     true,
			Initial:     time.Second,
			Max:         30 * time.Second,
			Multiplier:  2,
			Jitter:      0.2,
			MaxAttempts: 5,
		},
		Webhook: WebhookConfig{
			Timeout:           10 * time.Second,
			Retries:           2,
			RetryWait:         200 * time.Millisecond,
			MaxRetryWait:      2 * time.Second,
			RequestsPerSecond: 20,
			PublicURL:         "ws://localhost:8000/app-ws",
			BreakerThreshold:  3,
			BreakerCooldown:   30 * time.Second,
		},
		Store: StoreConfig{
			Driver:     "memory",
			SQLitePath: "relay.db",
			RedisAddr:  "localhost:6379",
		},
		Transcribe: TranscriptionConfig{
			Enabled:     true,
			CallTimeout: 5 * time.Second,
		},
	}
}

// Validate checks values envconfig cannot express.
func (c *Config) Validate() error {
	var errs []error
	errs = append(errs, c.Session.Validate())

	r := c.Resurrection
	if r.Initial <= 0 || r.Max < r.Initial {
		errs = append(errs, fmt.Errorf("resurrection backoff: initial %s, max %s", r.Initial, r.Max))
	}
	if r.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("resurrection multiplier %v below 1", r.Multiplier))
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		errs = append(errs, fmt.Errorf("resurrection jitter %v outside [0, 1]", r.Jitter))
	}

	if c.Webhook.Timeout <= 0 || c.Webhook.RequestsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("webhook timeout %s and rate %v must be positive", c.Webhook.Timeout, c.Webhook.RequestsPerSecond))
	}

	switch c.Store.Driver {
	case "memory", "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	return errors.Join(errs...)
}

// Validate rejects non-positive durations and unknown drop policies.
func (s SessionConfig) Validate() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"APP_GRACE_PERIOD":    s.GracePeriod,
		"APP_CONNECT_TIMEOUT": s.ConnectTimeout,
		"APP_REQUEST_TIMEOUT": s.RequestTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if s.EmptySubscriptionGrace < 0 {
		errs = append(errs, fmt.Errorf("APP_EMPTY_SUBSCRIPTION_GRACE must not be negative, got %s", s.EmptySubscriptionGrace))
	}
	if s.SendQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("APP_SEND_QUEUE_SIZE must be positive, got %d", s.SendQueueSize))
	}
	if _, err := queue.ParseDropPolicy(s.DropPolicy); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
