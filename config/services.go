package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/weskerllc/cronicorn/internal/core"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeScheduler runs the endpoint scheduler.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeReaper runs the reaper for zombie and retention cleanup.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeScheduler,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited list of service names into the set
// of enabled services. Whitespace around names is ignored; an unknown name or
// an empty result is an error.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	valid := make(map[ServiceMode]bool, len(ValidServiceModes()))
	for _, mode := range ValidServiceModes() {
		valid[mode] = true
	}

	services := make(map[ServiceMode]bool)
	for _, part := range strings.Split(servicesStr, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		mode := ServiceMode(name)
		if !valid[mode] {
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: scheduler, reaper)", name)
		}
		services[mode] = true
	}

	if len(services) == 0 {
		return nil, errors.New("at least one service must be specified")
	}

	return services, nil
}

// SchedulerConfig contains scheduler service configuration.
type SchedulerConfig struct {
	// BatchSize is the number of due endpoints to claim per tick.
	BatchSize int `env:"SCHEDULER_BATCH_SIZE" envDefault:"25"`

	// Concurrency is the number of concurrent dispatch workers per tick.
	Concurrency int `env:"SCHEDULER_CONCURRENCY" envDefault:"32"`

	// DefaultTimeout is the dispatch timeout for endpoints that set none.
	DefaultTimeout time.Duration `env:"SCHEDULER_DEFAULT_TIMEOUT" envDefault:"30s"`

	// LeaseMargin is the safety margin added on top of twice the dispatch
	// timeout when computing claim leases.
	LeaseMargin time.Duration `env:"SCHEDULER_LEASE_MARGIN" envDefault:"10s"`

	// BackoffBase is the failure backoff base for endpoints that schedule by
	// cron and therefore have no baseline interval to back off from.
	BackoffBase time.Duration `env:"SCHEDULER_BACKOFF_BASE" envDefault:"1m"`

	// SleepFloor is the minimum idle sleep between ticks.
	SleepFloor time.Duration `env:"SCHEDULER_SLEEP_FLOOR" envDefault:"100ms"`

	// SleepCeiling is the maximum idle sleep between ticks.
	SleepCeiling time.Duration `env:"SCHEDULER_SLEEP_CEILING" envDefault:"5s"`

	// DrainTimeout bounds how long shutdown waits for in-flight dispatches.
	DrainTimeout time.Duration `env:"SCHEDULER_DRAIN_TIMEOUT" envDefault:"30s"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() error {
	def := core.DefaultSchedulerConfig()
	if s.BatchSize < 1 {
		s.BatchSize = def.BatchSize
	}
	if s.Concurrency < 1 {
		s.Concurrency = def.Concurrency
	}
	if s.DefaultTimeout <= 0 {
		s.DefaultTimeout = def.DefaultTimeout
	}
	if s.LeaseMargin <= 0 {
		s.LeaseMargin = def.LeaseMargin
	}
	if s.BackoffBase <= 0 {
		s.BackoffBase = def.BackoffBase
	}
	if s.SleepFloor <= 0 {
		s.SleepFloor = 100 * time.Millisecond
	}
	if s.SleepCeiling <= 0 {
		s.SleepCeiling = 5 * time.Second
	}
	if s.SleepFloor > s.SleepCeiling {
		return fmt.Errorf("sleep floor %v exceeds sleep ceiling %v", s.SleepFloor, s.SleepCeiling)
	}
	if s.DrainTimeout < 0 {
		s.DrainTimeout = 0
	}
	return nil
}

// Core maps the scheduler configuration onto the service-layer config struct.
func (s *SchedulerConfig) Core() core.SchedulerConfig {
	return core.SchedulerConfig{
		BatchSize:      s.BatchSize,
		Concurrency:    s.Concurrency,
		DefaultTimeout: s.DefaultTimeout,
		LeaseMargin:    s.LeaseMargin,
		BackoffBase:    s.BackoffBase,
	}
}

// defaultUserAgent identifies the scheduler in outbound requests when no
// override is configured.
const defaultUserAgent = "cronicorn-scheduler/1.0"

// DispatcherConfig contains HTTP dispatcher configuration.
type DispatcherConfig struct {
	// MaxRedirects is the maximum number of redirects to follow per dispatch.
	MaxRedirects int `env:"DISPATCHER_MAX_REDIRECTS" envDefault:"3"`

	// UserAgent is the User-Agent header sent with every dispatch.
	UserAgent string `env:"DISPATCHER_USER_AGENT" envDefault:"cronicorn-scheduler/1.0"`
}

// Sanitize applies guardrails to dispatcher configuration values.
func (d *DispatcherConfig) Sanitize() error {
	if d.MaxRedirects < 0 {
		d.MaxRedirects = 0
	}
	if d.MaxRedirects > 10 {
		d.MaxRedirects = 10
	}
	d.UserAgent = strings.TrimSpace(d.UserAgent)
	if d.UserAgent == "" {
		d.UserAgent = defaultUserAgent
	}
	return nil
}

// ReaperConfig contains reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper sweep interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`

	// RunsMaxAge is the maximum age for finalized runs before deletion.
	RunsMaxAge time.Duration `env:"REAPER_RUNS_MAX_AGE" envDefault:"720h"` // 30 days

	// SessionsMaxAge is the maximum age for planner analysis sessions before deletion.
	SessionsMaxAge time.Duration `env:"REAPER_SESSIONS_MAX_AGE" envDefault:"2160h"` // 90 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"500"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() error {
	// Floors keep an aggressive config from hammering the database.
	r.Interval = max(r.Interval, 10*time.Second)
	r.RunsMaxAge = max(r.RunsMaxAge, time.Hour)
	r.SessionsMaxAge = max(r.SessionsMaxAge, 24*time.Hour)

	// Batch bounds balance lock time against per-row overhead.
	r.BatchSize = min(max(r.BatchSize, 1), 10000)
	return nil
}

// QuotaConfig contains per-user schedule quota configuration.
type QuotaConfig struct {
	// MaxJobsPerUser is the maximum number of live jobs a user may own.
	MaxJobsPerUser int `env:"QUOTA_MAX_JOBS_PER_USER" envDefault:"20"`

	// MaxEndpointsPerUser is the tier limit on live endpoints counted across
	// all of the user's jobs.
	MaxEndpointsPerUser int `env:"QUOTA_MAX_ENDPOINTS_PER_USER" envDefault:"50"`

	// MaxEndpointsPerJob is the maximum number of live endpoints on one job.
	MaxEndpointsPerJob int `env:"QUOTA_MAX_ENDPOINTS_PER_JOB" envDefault:"25"`
}

// Sanitize applies guardrails to quota configuration values.
// Zero and negative limits are preserved: they disable the check.
func (q *QuotaConfig) Sanitize() error {
	return nil
}

// Core maps the quota configuration onto the service-layer config struct.
func (q *QuotaConfig) Core() core.QuotaConfig {
	return core.QuotaConfig{
		MaxJobsPerUser:      q.MaxJobsPerUser,
		MaxEndpointsPerUser: q.MaxEndpointsPerUser,
		MaxEndpointsPerJob:  q.MaxEndpointsPerJob,
	}
}
