package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/weskerllc/cronicorn/config"
	"github.com/weskerllc/cronicorn/internal/adapters/dispatch"
	"github.com/weskerllc/cronicorn/internal/adapters/reaper"
	schedrunner "github.com/weskerllc/cronicorn/internal/adapters/scheduler"
	"github.com/weskerllc/cronicorn/internal/data/cryptoutil"
	"github.com/weskerllc/cronicorn/internal/observability/statsd"
	"github.com/weskerllc/cronicorn/internal/service/failurenotifier"
)

// SchedulerConfig contains configuration for the scheduler runner.
type SchedulerConfig struct {
	DB         *sql.DB
	Logger     *slog.Logger
	Config     config.SchedulerConfig
	Dispatcher config.DispatcherConfig
	Encryptor  cryptoutil.Encryptor
	Metrics    statsd.Sink
	Notifier   *failurenotifier.Service
}

// RunScheduler starts the scheduler service.
func RunScheduler(ctx context.Context, cfg SchedulerConfig) error {
	dispatcher := dispatch.NewDispatcher(dispatch.Options{
		Logger:       cfg.Logger,
		UserAgent:    cfg.Dispatcher.UserAgent,
		MaxRedirects: cfg.Dispatcher.MaxRedirects,
	})

	runner, err := schedrunner.NewRunner(schedrunner.RunnerOptions{
		DB:         cfg.DB,
		Config:     cfg.Config,
		Dispatcher: dispatcher,
		Logger:     cfg.Logger,
		Metrics:    cfg.Metrics,
		Notifier:   cfg.Notifier,
		Encryptor:  cfg.Encryptor,
	})
	if err != nil {
		return fmt.Errorf("create scheduler runner: %w", err)
	}

	return runner.Run(ctx)
}

// ReaperConfig contains configuration for the reaper runner.
type ReaperConfig struct {
	DB        *sql.DB
	Logger    *slog.Logger
	Config    config.ReaperConfig
	Encryptor cryptoutil.Encryptor
	Metrics   statsd.Sink
}

// RunReaper starts the reaper service.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		DB:        cfg.DB,
		Config:    cfg.Config,
		Logger:    cfg.Logger,
		Encryptor: cfg.Encryptor,
		Metrics:   cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}
