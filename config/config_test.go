package config

import (
	"maps"
	"slices"
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
)

func TestParseServices(t *testing.T) {
	valid := map[string]map[ServiceMode]bool{
		"scheduler":                  {ServiceModeScheduler: true},
		"reaper":                     {ServiceModeReaper: true},
		"scheduler,reaper":           {ServiceModeScheduler: true, ServiceModeReaper: true},
		" scheduler , reaper ":       {ServiceModeScheduler: true, ServiceModeReaper: true},
		"scheduler,scheduler,reaper": {ServiceModeScheduler: true, ServiceModeReaper: true},
	}
	for input, want := range valid {
		got, err := ParseServices(input)
		if err != nil {
			t.Errorf("ParseServices(%q): unexpected error: %v", input, err)
			continue
		}
		if !maps.Equal(got, want) {
			t.Errorf("ParseServices(%q) = %v, want %v", input, got, want)
		}
	}

	invalid := []string{"", " , , ", "scheduler,invalid-service", "scheduler,reaper,invalid"}
	for _, input := range invalid {
		if _, err := ParseServices(input); err == nil {
			t.Errorf("ParseServices(%q): expected error", input)
		}
	}
}

func TestConfig_GetEnabledServices(t *testing.T) {
	cfg := AppConfig{Services: "scheduler,reaper"}
	got, err := cfg.GetEnabledServices()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[ServiceMode]bool{ServiceModeScheduler: true, ServiceModeReaper: true}
	if !maps.Equal(got, want) {
		t.Errorf("GetEnabledServices() = %v, want %v", got, want)
	}

	cfg.Services = "invalid-service"
	if _, err := cfg.GetEnabledServices(); err == nil {
		t.Error("expected error for invalid service list")
	}
}

func TestConfig_ServiceEnabledMethods(t *testing.T) {
	tests := []struct {
		services  string
		scheduler bool
		reaper    bool
	}{
		{"scheduler,reaper", true, true},
		{"scheduler", true, false},
		{"reaper", false, true},
		// An unparseable list enables nothing.
		{"invalid-service", false, false},
	}

	for _, tt := range tests {
		cfg := AppConfig{Services: tt.services}
		if got := cfg.IsSchedulerEnabled(); got != tt.scheduler {
			t.Errorf("Services=%q: IsSchedulerEnabled() = %v, want %v", tt.services, got, tt.scheduler)
		}
		if got := cfg.IsReaperEnabled(); got != tt.reaper {
			t.Errorf("Services=%q: IsReaperEnabled() = %v, want %v", tt.services, got, tt.reaper)
		}
	}
}

func TestValidServiceModes(t *testing.T) {
	want := []ServiceMode{ServiceModeScheduler, ServiceModeReaper}
	if got := ValidServiceModes(); !slices.Equal(got, want) {
		t.Errorf("ValidServiceModes() = %v, want %v", got, want)
	}
}

func TestAppConfig_ParseSchedulerEnv(t *testing.T) {
	t.Setenv("SERVICE_MODE", "scheduler")
	t.Setenv("SCHEDULER_BATCH_SIZE", "10")
	t.Setenv("SCHEDULER_CONCURRENCY", "8")
	t.Setenv("SCHEDULER_DEFAULT_TIMEOUT", "15s")
	t.Setenv("SCHEDULER_LEASE_MARGIN", "20s")
	t.Setenv("SCHEDULER_BACKOFF_BASE", "2m")
	t.Setenv("REAPER_INTERVAL", "30s")
	t.Setenv("REAPER_BATCH_SIZE", "100")
	t.Setenv("DB_HOST", "pg.internal")
	t.Setenv("DB_NAME", "cronicorn_prod")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if err := cfg.Sanitize(); err != nil {
		t.Fatalf("sanitize config: %v", err)
	}

	if cfg.Services != "scheduler" {
		t.Errorf("Services = %q, want %q", cfg.Services, "scheduler")
	}
	if cfg.Scheduler.BatchSize != 10 {
		t.Errorf("Scheduler.BatchSize = %d, want 10", cfg.Scheduler.BatchSize)
	}
	if cfg.Scheduler.Concurrency != 8 {
		t.Errorf("Scheduler.Concurrency = %d, want 8", cfg.Scheduler.Concurrency)
	}
	if cfg.Scheduler.DefaultTimeout != 15*time.Second {
		t.Errorf("Scheduler.DefaultTimeout = %v, want 15s", cfg.Scheduler.DefaultTimeout)
	}
	if cfg.Scheduler.LeaseMargin != 20*time.Second {
		t.Errorf("Scheduler.LeaseMargin = %v, want 20s", cfg.Scheduler.LeaseMargin)
	}
	if cfg.Scheduler.BackoffBase != 2*time.Minute {
		t.Errorf("Scheduler.BackoffBase = %v, want 2m", cfg.Scheduler.BackoffBase)
	}
	if cfg.Reaper.Interval != 30*time.Second {
		t.Errorf("Reaper.Interval = %v, want 30s", cfg.Reaper.Interval)
	}
	if cfg.Reaper.BatchSize != 100 {
		t.Errorf("Reaper.BatchSize = %d, want 100", cfg.Reaper.BatchSize)
	}
	if cfg.Postgres.Host != "pg.internal" {
		t.Errorf("Postgres.Host = %q, want %q", cfg.Postgres.Host, "pg.internal")
	}
	if cfg.Postgres.Name != "cronicorn_prod" {
		t.Errorf("Postgres.Name = %q, want %q", cfg.Postgres.Name, "cronicorn_prod")
	}
}

func TestAppConfig_ParseDefaults(t *testing.T) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if err := cfg.Sanitize(); err != nil {
		t.Fatalf("sanitize config: %v", err)
	}

	if cfg.Services != "scheduler,reaper" {
		t.Errorf("Services default = %q, want %q", cfg.Services, "scheduler,reaper")
	}
	if cfg.Scheduler.BatchSize != 25 {
		t.Errorf("Scheduler.BatchSize default = %d, want 25", cfg.Scheduler.BatchSize)
	}
	if cfg.Scheduler.Concurrency != 32 {
		t.Errorf("Scheduler.Concurrency default = %d, want 32", cfg.Scheduler.Concurrency)
	}
	if cfg.Scheduler.DefaultTimeout != 30*time.Second {
		t.Errorf("Scheduler.DefaultTimeout default = %v, want 30s", cfg.Scheduler.DefaultTimeout)
	}
	if cfg.Dispatcher.MaxRedirects != 3 {
		t.Errorf("Dispatcher.MaxRedirects default = %d, want 3", cfg.Dispatcher.MaxRedirects)
	}
	if cfg.Dispatcher.UserAgent != "cronicorn-scheduler/1.0" {
		t.Errorf("Dispatcher.UserAgent default = %q, want %q", cfg.Dispatcher.UserAgent, "cronicorn-scheduler/1.0")
	}
	if cfg.Quotas.MaxJobsPerUser != 20 {
		t.Errorf("Quotas.MaxJobsPerUser default = %d, want 20", cfg.Quotas.MaxJobsPerUser)
	}
	if cfg.Quotas.MaxEndpointsPerUser != 50 {
		t.Errorf("Quotas.MaxEndpointsPerUser default = %d, want 50", cfg.Quotas.MaxEndpointsPerUser)
	}
	if cfg.Reaper.RunsMaxAge != 720*time.Hour {
		t.Errorf("Reaper.RunsMaxAge default = %v, want 720h", cfg.Reaper.RunsMaxAge)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level default = %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format default = %q, want %q", cfg.Logging.Format, "text")
	}
}

func TestSchedulerConfig_Sanitize(t *testing.T) {
	cfg := SchedulerConfig{
		BatchSize:      0,
		Concurrency:    -1,
		DefaultTimeout: 0,
		LeaseMargin:    0,
		BackoffBase:    0,
		SleepFloor:     0,
		SleepCeiling:   0,
		DrainTimeout:   -time.Second,
	}

	if err := cfg.Sanitize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.BatchSize != 25 {
		t.Errorf("BatchSize = %d, want 25", cfg.BatchSize)
	}
	if cfg.Concurrency != 32 {
		t.Errorf("Concurrency = %d, want 32", cfg.Concurrency)
	}
	if cfg.DefaultTimeout != 30*time.Second {
		t.Errorf("DefaultTimeout = %v, want 30s", cfg.DefaultTimeout)
	}
	if cfg.LeaseMargin != 10*time.Second {
		t.Errorf("LeaseMargin = %v, want 10s", cfg.LeaseMargin)
	}
	if cfg.BackoffBase != time.Minute {
		t.Errorf("BackoffBase = %v, want 1m", cfg.BackoffBase)
	}
	if cfg.SleepFloor != 100*time.Millisecond {
		t.Errorf("SleepFloor = %v, want 100ms", cfg.SleepFloor)
	}
	if cfg.SleepCeiling != 5*time.Second {
		t.Errorf("SleepCeiling = %v, want 5s", cfg.SleepCeiling)
	}
	if cfg.DrainTimeout != 0 {
		t.Errorf("DrainTimeout = %v, want 0", cfg.DrainTimeout)
	}
}

func TestSchedulerConfig_SanitizeRejectsInvertedSleepBounds(t *testing.T) {
	cfg := SchedulerConfig{
		SleepFloor:   10 * time.Second,
		SleepCeiling: 1 * time.Second,
	}

	if err := cfg.Sanitize(); err == nil {
		t.Fatal("expected error when sleep floor exceeds ceiling")
	}
}

func TestSchedulerConfig_Core(t *testing.T) {
	cfg := SchedulerConfig{
		BatchSize:      10,
		Concurrency:    4,
		DefaultTimeout: 5 * time.Second,
		LeaseMargin:    15 * time.Second,
		BackoffBase:    90 * time.Second,
	}

	core := cfg.Core()

	if core.BatchSize != 10 {
		t.Errorf("BatchSize = %d, want 10", core.BatchSize)
	}
	if core.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", core.Concurrency)
	}
	if core.DefaultTimeout != 5*time.Second {
		t.Errorf("DefaultTimeout = %v, want 5s", core.DefaultTimeout)
	}
	if core.LeaseMargin != 15*time.Second {
		t.Errorf("LeaseMargin = %v, want 15s", core.LeaseMargin)
	}
	if core.BackoffBase != 90*time.Second {
		t.Errorf("BackoffBase = %v, want 90s", core.BackoffBase)
	}
}

func TestReaperConfig_Sanitize(t *testing.T) {
	cfg := ReaperConfig{
		Interval:       time.Second,
		RunsMaxAge:     time.Minute,
		SessionsMaxAge: time.Hour,
		BatchSize:      0,
	}

	if err := cfg.Sanitize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Interval != 10*time.Second {
		t.Errorf("Interval = %v, want 10s", cfg.Interval)
	}
	if cfg.RunsMaxAge != time.Hour {
		t.Errorf("RunsMaxAge = %v, want 1h", cfg.RunsMaxAge)
	}
	if cfg.SessionsMaxAge != 24*time.Hour {
		t.Errorf("SessionsMaxAge = %v, want 24h", cfg.SessionsMaxAge)
	}
	if cfg.BatchSize != 1 {
		t.Errorf("BatchSize = %d, want 1", cfg.BatchSize)
	}

	cfg.BatchSize = 50000
	if err := cfg.Sanitize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BatchSize != 10000 {
		t.Errorf("BatchSize = %d, want clamp to 10000", cfg.BatchSize)
	}
}

func TestDispatcherConfig_Sanitize(t *testing.T) {
	cfg := DispatcherConfig{
		MaxRedirects: -5,
		UserAgent:    "  ",
	}

	if err := cfg.Sanitize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.MaxRedirects != 0 {
		t.Errorf("MaxRedirects = %d, want 0", cfg.MaxRedirects)
	}
	if cfg.UserAgent != "cronicorn-scheduler/1.0" {
		t.Errorf("UserAgent = %q, want default", cfg.UserAgent)
	}

	cfg.MaxRedirects = 100
	if err := cfg.Sanitize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxRedirects != 10 {
		t.Errorf("MaxRedirects = %d, want clamp to 10", cfg.MaxRedirects)
	}
}

func TestObservabilityMetricsConfig_Sanitize(t *testing.T) {
	t.Run("blank address disables metrics", func(t *testing.T) {
		cfg := ObservabilityMetricsConfig{Enabled: true, StatsdAddress: " "}
		if err := cfg.Sanitize(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.IsEnabled() {
			t.Fatal("metrics must be disabled without a statsd address")
		}
	})

	t.Run("address is trimmed", func(t *testing.T) {
		cfg := ObservabilityMetricsConfig{Enabled: true, StatsdAddress: " statsd:1234 "}
		if err := cfg.Sanitize(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !cfg.IsEnabled() {
			t.Fatal("metrics must stay enabled with an address")
		}
		if cfg.StatsdAddress != "statsd:1234" {
			t.Errorf("StatsdAddress = %q, want %q", cfg.StatsdAddress, "statsd:1234")
		}
	})
}

func TestObservabilityMetricsConfig_TagMap(t *testing.T) {
	tests := []struct {
		name string
		tags string
		want map[string]string
	}{
		{
			name: "empty",
			tags: "",
			want: nil,
		},
		{
			name: "single tag",
			tags: "env:prod",
			want: map[string]string{"env": "prod"},
		},
		{
			name: "multiple tags with padding",
			tags: " env:prod , region:us-east ",
			want: map[string]string{"env": "prod", "region": "us-east"},
		},
		{
			name: "entries without a colon are dropped",
			tags: "env:prod,plainvalue,:novalue",
			want: map[string]string{"env": "prod"},
		},
		{
			name: "only malformed entries",
			tags: "plainvalue,:x",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ObservabilityMetricsConfig{Tags: tt.tags}
			if err := cfg.Sanitize(); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			got := cfg.TagMap()
			if len(got) != len(tt.want) {
				t.Fatalf("TagMap() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Fatalf("TagMap()[%q] = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestObservabilityNotificationsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityNotificationsConfig{
		Enabled:    true,
		RetryLimit: -1,
		Slack:      SlackNotificationConfig{Enabled: true, WebhookURL: " "},
		PagerDuty:  PagerDutyNotificationConfig{Enabled: true, RoutingKey: " "},
	}
	if err := cfg.Sanitize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Timeout <= 0 {
		t.Errorf("Timeout = %v, want a positive default", cfg.Timeout)
	}
	if cfg.RetryLimit != 0 {
		t.Errorf("RetryLimit = %d, want clamp to 0", cfg.RetryLimit)
	}
	if cfg.FailureStreakThreshold != 3 {
		t.Errorf("FailureStreakThreshold = %d, want default 3", cfg.FailureStreakThreshold)
	}
	// Both sinks were enabled but neither carried a credential.
	if cfg.Slack.Enabled || cfg.PagerDuty.Enabled {
		t.Errorf("sink enabled = slack:%v pagerduty:%v, want both silenced", cfg.Slack.Enabled, cfg.PagerDuty.Enabled)
	}
	if cfg.PagerDuty.Source != "cronicorn" || cfg.PagerDuty.Component != "cronicorn" {
		t.Errorf("PagerDuty identity = %q/%q, want cronicorn defaults", cfg.PagerDuty.Source, cfg.PagerDuty.Component)
	}
}

func TestObservabilityNotificationsConfig_MasterSwitch(t *testing.T) {
	cfg := ObservabilityNotificationsConfig{
		Slack:     SlackNotificationConfig{Enabled: true, WebhookURL: "https://hooks.slack.com/services/test"},
		PagerDuty: PagerDutyNotificationConfig{Enabled: true, RoutingKey: "abc"},
	}
	if err := cfg.Sanitize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Slack.Enabled || cfg.PagerDuty.Enabled {
		t.Error("credentialed sinks must stay silent while notifications are off")
	}
}

func TestLoggingConfig_Sanitize(t *testing.T) {
	tests := []struct {
		name        string
		level       string
		format      string
		wantLevel   string
		wantFormat  string
		expectError bool
	}{
		{
			name:       "defaults from empty",
			level:      "",
			format:     "",
			wantLevel:  "info",
			wantFormat: "text",
		},
		{
			name:       "normalises case and whitespace",
			level:      " DEBUG ",
			format:     " JSON ",
			wantLevel:  "debug",
			wantFormat: "json",
		},
		{
			name:        "rejects unknown level",
			level:       "verbose",
			format:      "text",
			expectError: true,
		},
		{
			name:        "rejects unknown format",
			level:       "info",
			format:      "logfmt",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoggingConfig{Level: tt.level, Format: tt.format}
			err := cfg.Sanitize()

			if tt.expectError {
				if err == nil {
					t.Fatal("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Level != tt.wantLevel {
				t.Errorf("Level = %q, want %q", cfg.Level, tt.wantLevel)
			}
			if cfg.Format != tt.wantFormat {
				t.Errorf("Format = %q, want %q", cfg.Format, tt.wantFormat)
			}
		})
	}
}
