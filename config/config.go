package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// StoreBackend selects the job record store.
type StoreBackend string

const (
	// StoreBackendRedis keeps jobs in Redis hashes and sorted sets.
	StoreBackendRedis StoreBackend = "redis"
	// StoreBackendPostgres keeps jobs in the PostgreSQL jobs table.
	StoreBackendPostgres StoreBackend = "postgres"
	// StoreBackendMemory keeps jobs in process memory (single process, development only).
	StoreBackendMemory StoreBackend = "memory"
)

// Valid reports whether the backend is known.
func (b StoreBackend) Valid() bool {
	switch b {
	case StoreBackendRedis, StoreBackendPostgres, StoreBackendMemory:
		return true
	}
	return false
}

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: PostgreSQL and Redis connection settings
//   - services.go: service modes, worker, scheduler and retention settings
//   - observability.go: logging, metrics and tracing
type AppConfig struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Store selects where jobs live.
	Store StoreBackend `env:"STORE_BACKEND" envDefault:"redis"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"worker,scheduler,retention"`

	Jobs      JobDefaultsConfig
	Worker    WorkerConfig
	Scheduler SchedulerConfig
	Retention RetentionConfig
	Webhooks  WebhooksConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.Store = StoreBackend(strings.ToLower(strings.TrimSpace(string(c.Store))))

	c.Jobs.Sanitize()
	c.Worker.Sanitize()
	c.Scheduler.Sanitize()
	c.Retention.Sanitize()
	c.Webhooks.Sanitize()
	c.Observability.Sanitize()
}

// Validate reports configuration that cannot be corrected by Sanitize.
func (c *AppConfig) Validate() error {
	if !c.Store.Valid() {
		return fmt.Errorf("invalid STORE_BACKEND %q (valid options: redis, postgres, memory)", c.Store)
	}
	if _, err := c.GetEnabledServices(); err != nil {
		return err
	}
	if _, err := c.Retention.ParsedOverrides(); err != nil {
		return err
	}
	if _, err := c.Retention.CronSchedule(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to info.
func (c *AppConfig) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

func (c *AppConfig) isEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}

// IsWorkerEnabled returns true if the worker dispatcher is enabled.
func (c *AppConfig) IsWorkerEnabled() bool { return c.isEnabled(ServiceModeWorker) }

// IsSchedulerEnabled returns true if the scheduler loop is enabled.
func (c *AppConfig) IsSchedulerEnabled() bool { return c.isEnabled(ServiceModeScheduler) }

// IsRetentionEnabled returns true if the retention sweeper is enabled.
func (c *AppConfig) IsRetentionEnabled() bool { return c.isEnabled(ServiceModeRetention) }

// IsMetricsEnabled returns true if the Prometheus endpoint is enabled.
func (c *AppConfig) IsMetricsEnabled() bool { return c.isEnabled(ServiceModeMetrics) }
