package config

import (
	"fmt"
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Database and cache configuration
//   - services.go: Service mode and worker configuration
//   - observability.go: Metrics, notification, and logging configuration
type AppConfig struct {
	// IsDev controls development mode behavior (seed data, relaxed guardrails).
	// Set DEV=true or APP_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// EncryptionKey protects sensitive endpoint header values at rest.
	// Absent means headers are stored through the noop codec.
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`
	Cache    CacheConfig

	// Service mode configuration
	Services string `env:"SERVICE_MODE" envDefault:"scheduler,reaper"`

	// Scheduler configuration
	Scheduler SchedulerConfig

	// Dispatcher configuration
	Dispatcher DispatcherConfig

	// Reaper configuration
	Reaper ReaperConfig

	// Quota configuration
	Quotas QuotaConfig

	// Observability configuration
	Observability ObservabilityConfig

	// Logging configuration
	Logging LoggingConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() error {
	if err := c.Postgres.Sanitize(); err != nil {
		return fmt.Errorf("postgres config: %w", err)
	}
	if err := c.Scheduler.Sanitize(); err != nil {
		return fmt.Errorf("scheduler config: %w", err)
	}
	if err := c.Dispatcher.Sanitize(); err != nil {
		return fmt.Errorf("dispatcher config: %w", err)
	}
	if err := c.Reaper.Sanitize(); err != nil {
		return fmt.Errorf("reaper config: %w", err)
	}
	if err := c.Quotas.Sanitize(); err != nil {
		return fmt.Errorf("quota config: %w", err)
	}
	if err := c.Cache.Sanitize(); err != nil {
		return fmt.Errorf("cache config: %w", err)
	}
	if err := c.Observability.Sanitize(); err != nil {
		return fmt.Errorf("observability config: %w", err)
	}
	if err := c.Logging.Sanitize(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	// APP_ENV is the conventional alternative to the DEV flag.
	if !c.IsDev {
		env := strings.ToLower(os.Getenv("APP_ENV"))
		c.IsDev = env == "development" || env == "dev"
	}

	return nil
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsSchedulerEnabled returns true if the scheduler service is enabled.
func (c *AppConfig) IsSchedulerEnabled() bool { return c.serviceEnabled(ServiceModeScheduler) }

// IsReaperEnabled returns true if the reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool { return c.serviceEnabled(ServiceModeReaper) }

// serviceEnabled reports whether mode appears in the parsed service list.
// An unparseable list enables nothing.
func (c *AppConfig) serviceEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}
