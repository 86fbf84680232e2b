package config

import (
	"cmp"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const defaultObservabilityName = "cronicorn"

// ObservabilityConfig groups configuration that controls metrics and failure
// notification fan-out.
type ObservabilityConfig struct {
	Metrics       ObservabilityMetricsConfig
	Notifications ObservabilityNotificationsConfig
}

// Sanitize applies guardrails to observability sub-configs.
func (c *ObservabilityConfig) Sanitize() error {
	if err := c.Metrics.Sanitize(); err != nil {
		return err
	}
	return c.Notifications.Sanitize()
}

// ObservabilityMetricsConfig controls emission of metrics to external sinks such as StatsD.
type ObservabilityMetricsConfig struct {
	Enabled       bool   `env:"OBSERVABILITY_METRICS_ENABLED"        envDefault:"false"`
	StatsdAddress string `env:"OBSERVABILITY_METRICS_STATSD_ADDRESS" envDefault:"127.0.0.1:8125"`

	// Tags is a comma-separated key:value list attached to every metric,
	// e.g. "env:prod,region:us-east".
	Tags string `env:"OBSERVABILITY_METRICS_TAGS"`
}

// Sanitize normalises derived fields and enforces safe defaults.
func (c *ObservabilityMetricsConfig) Sanitize() error {
	c.StatsdAddress = strings.TrimSpace(c.StatsdAddress)
	if c.StatsdAddress == "" {
		c.Enabled = false
	}
	c.Tags = strings.TrimSpace(c.Tags)
	return nil
}

// IsEnabled returns true when metrics emission is active after sanitisation.
func (c *ObservabilityMetricsConfig) IsEnabled() bool {
	return c.Enabled && c.StatsdAddress != ""
}

// TagMap parses the Tags list into the per-metric global tag set. Entries
// without a colon or with an empty key are dropped.
func (c *ObservabilityMetricsConfig) TagMap() map[string]string {
	if c.Tags == "" {
		return nil
	}
	tags := make(map[string]string)
	for _, entry := range strings.Split(c.Tags, ",") {
		key, value, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		tags[key] = strings.TrimSpace(value)
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}

// ObservabilityNotificationsConfig controls outbound endpoint failure-streak notifications.
type ObservabilityNotificationsConfig struct {
	Enabled    bool          `env:"OBSERVABILITY_NOTIFICATIONS_ENABLED"     envDefault:"false"`
	Timeout    time.Duration `env:"OBSERVABILITY_NOTIFICATIONS_TIMEOUT"     envDefault:"5s"`
	RetryLimit int           `env:"OBSERVABILITY_NOTIFICATIONS_RETRY_LIMIT" envDefault:"3"`

	// FailureStreakThreshold is the consecutive-failure count at which an
	// endpoint triggers a notification. Repeat notifications wait for the
	// streak to reset first.
	FailureStreakThreshold int `env:"OBSERVABILITY_NOTIFICATIONS_FAILURE_STREAK" envDefault:"3"`

	Slack     SlackNotificationConfig     `envPrefix:"OBSERVABILITY_NOTIFICATIONS_SLACK_"`
	PagerDuty PagerDutyNotificationConfig `envPrefix:"OBSERVABILITY_NOTIFICATIONS_PAGERDUTY_"`
}

// Sanitize normalises notification configuration values.
func (c *ObservabilityNotificationsConfig) Sanitize() error {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	c.RetryLimit = max(c.RetryLimit, 0)
	if c.FailureStreakThreshold < 1 {
		c.FailureStreakThreshold = 3
	}

	c.Slack.sanitize()
	c.PagerDuty.sanitize()

	// A disabled master switch or a missing credential silences the sink, so
	// the notifier never constructs a dead client.
	c.Slack.Enabled = c.Enabled && c.Slack.Enabled && c.Slack.WebhookURL != ""
	c.PagerDuty.Enabled = c.Enabled && c.PagerDuty.Enabled && c.PagerDuty.RoutingKey != ""
	return nil
}

// SlackNotificationConfig controls Slack webhook fan-out.
type SlackNotificationConfig struct {
	Enabled    bool   `env:"ENABLED"    envDefault:"false"`
	WebhookURL string `env:"WEBHOOK_URL"`
	Channel    string `env:"CHANNEL"`
	Username   string `env:"USERNAME"   envDefault:"cronicorn"`
	// EndpointURLPrefix prefixes endpoint ids to build clickable links in
	// notification text (e.g. "https://app.example.com/endpoints/").
	EndpointURLPrefix string `env:"ENDPOINT_URL_PREFIX"`
}

func (c *SlackNotificationConfig) sanitize() {
	c.WebhookURL = strings.TrimSpace(c.WebhookURL)
	c.Channel = strings.TrimSpace(c.Channel)
	c.EndpointURLPrefix = strings.TrimSpace(c.EndpointURLPrefix)
	c.Username = cmp.Or(strings.TrimSpace(c.Username), defaultObservabilityName)
}

// PagerDutyNotificationConfig controls PagerDuty Events API v2 fan-out.
type PagerDutyNotificationConfig struct {
	Enabled    bool   `env:"ENABLED"     envDefault:"false"`
	RoutingKey string `env:"ROUTING_KEY"`
	Source     string `env:"SOURCE"      envDefault:"cronicorn"`
	Component  string `env:"COMPONENT"   envDefault:"cronicorn"`
}

func (c *PagerDutyNotificationConfig) sanitize() {
	c.RoutingKey = strings.TrimSpace(c.RoutingKey)
	c.Source = cmp.Or(strings.TrimSpace(c.Source), defaultObservabilityName)
	c.Component = cmp.Or(strings.TrimSpace(c.Component), defaultObservabilityName)
}

// LoggingConfig controls the root logger built at startup.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `env:"LOG_LEVEL" envDefault:"info"`

	// Format selects the handler: text or json.
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// Sanitize normalises logging configuration values.
func (c *LoggingConfig) Sanitize() error {
	c.Level = strings.ToLower(strings.TrimSpace(c.Level))
	switch c.Level {
	case "":
		c.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q (valid options: debug, info, warn, error)", c.Level)
	}

	c.Format = strings.ToLower(strings.TrimSpace(c.Format))
	switch c.Format {
	case "":
		c.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %q (valid options: text, json)", c.Format)
	}
	return nil
}

// SlogLevel maps the configured level onto slog.Level.
func (c *LoggingConfig) SlogLevel() slog.Level {
	switch c.Level {
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
