// Package core provides the business logic and service layer for the cronicorn scheduling system.
package core

import (
	"context"
	"time"

	"github.com/weskerllc/cronicorn/internal/domain/schedule"
)

// EndpointScheduler defines the interface for the scheduler service.
type EndpointScheduler interface {
	// Tick claims a batch of due endpoints, dispatches each one's HTTP
	// request, and rewrites schedule state from the outcomes.
	// Return semantics:
	//   - (n, nil): n endpoints were claimed this tick; zero means drained
	//   - (0, err): the claim itself failed; per-endpoint dispatch failures
	//     are recorded on the run and never fail the tick
	Tick(ctx context.Context, now time.Time) (int, error)
}

// SchedulerConfig holds configuration for the endpoint scheduler.
type SchedulerConfig struct {
	BatchSize      int           `json:"batch_size"`
	Concurrency    int           `json:"concurrency"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	LeaseMargin    time.Duration `json:"lease_margin"`
	BackoffBase    time.Duration `json:"backoff_base"`
}

// DefaultSchedulerConfig returns a SchedulerConfig with sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BatchSize:      25,
		Concurrency:    32,
		DefaultTimeout: 30 * time.Second,
		LeaseMargin:    schedule.DefaultLeaseMargin,
		BackoffBase:    schedule.DefaultBackoffBase,
	}
}
