package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config is the full process configuration, loaded once at startup and
// passed explicitly to constructors. It carries no secrets; see Secrets.
type Config struct {
	Env string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`

	ServerHostIP   string `env:"SERVER_HOST_IP" envDefault:"0.0.0.0" validate:"required"`
	ServerHostPort string `env:"SERVER_HOST_PORT" envDefault:"8080" validate:"required"`
	Workers        int    `env:"SERVER_WORKERS" envDefault:"5" validate:"min=1,max=200"`
	LogLevel       string `env:"SERVER_LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`

	// DevelopMode relaxes the identity middleware so local requests without
	// an upstream-asserted identity header are treated as an anonymous
	// development user instead of being rejected.
	DevelopMode bool `env:"DEVELOP_MODE" envDefault:"false"`

	// SubmitLimit bounds the number of concurrently admitted queries
	// (NEW/QUEUED/RUNNING) before admission returns INTERNAL_ERROR.
	SubmitLimit int `env:"SUBMIT_LIMIT" envDefault:"100" validate:"min=1"`

	// TimeAttackMethod is one of "none", "jitter", "stall".
	TimeAttackMethod    string  `env:"TIME_ATTACK_METHOD" envDefault:"jitter" validate:"required,oneof=none jitter stall"`
	TimeAttackMagnitude float64 `env:"TIME_ATTACK_MAGNITUDE" envDefault:"0.1" validate:"min=0"`

	// AdminDatabaseType is validated but not read by any binary: the
	// Administration Store is always Postgres and the catalog always the
	// YAML file at CatalogPath.
	AdminDatabaseType string `env:"ADMIN_DATABASE_TYPE" envDefault:"yaml" validate:"required,oneof=yaml mongodb"`
	CatalogPath       string `env:"CATALOG_PATH" envDefault:"./catalog.yaml"`

	// BrokerAddr is the Redis address backing the Task Broker.
	BrokerAddr string `env:"BROKER_ADDR" envDefault:"localhost:6379" validate:"required"`

	// DPLibraries toggles which backend tags are enabled at startup.
	DPLibrarySQLEnabled       bool `env:"DP_LIBRARY_SQL_ENABLED" envDefault:"true"`
	DPLibraryPipelineEnabled  bool `env:"DP_LIBRARY_PIPELINE_ENABLED" envDefault:"true"`
	DPLibrarySynthEnabled     bool `env:"DP_LIBRARY_SYNTH_ENABLED" envDefault:"true"`
	DPLibraryClassicalEnabled bool `env:"DP_LIBRARY_CLASSICAL_ENABLED" envDefault:"true"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`

	// DCCCapacity bounds the number of live connectors held by the cache.
	DCCCapacity int `env:"DCC_CAPACITY" envDefault:"64" validate:"min=1"`

	// VisibilityTimeoutSec bounds how long a worker may hold a claimed job
	// before the broker considers it abandoned and redelivers it.
	VisibilityTimeoutSec int `env:"BROKER_VISIBILITY_TIMEOUT_SEC" envDefault:"30" validate:"min=1"`

	// BudgetCASMaxRetries bounds the admission protocol's CAS debit loop.
	BudgetCASMaxRetries int `env:"BUDGET_CAS_MAX_RETRIES" envDefault:"5" validate:"min=1,max=20"`
}

// Secrets holds credentials that must never be logged or embedded in
// Config's representation. Loaded separately from the environment.
type Secrets struct {
	AdminDatabaseDSN string `env:"ADMIN_DATABASE_DSN,required" validate:"required"`

	// AWSAccessKeyID / AWSSecretAccessKey back the S3 dataset connector's
	// default credential pair when a Dataset does not name one of its own.
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func LoadSecrets() (*Secrets, error) {
	s := &Secrets{}

	if err := env.Parse(s); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(s); err != nil {
		return nil, fmt.Errorf("invalid secrets: %w", err)
	}

	return s, nil
}

// SlogLevel converts the configured log level string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
