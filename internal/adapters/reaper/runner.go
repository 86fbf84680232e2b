// Package reaper provides the adapter that runs the schedule cleanup loop.
package reaper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/weskerllc/cronicorn/config"
	"github.com/weskerllc/cronicorn/internal/core"
	"github.com/weskerllc/cronicorn/internal/data"
	"github.com/weskerllc/cronicorn/internal/data/cryptoutil"
	"github.com/weskerllc/cronicorn/internal/observability/statsd"
	"github.com/weskerllc/cronicorn/internal/service"
)

// Runner constructs the reaper service and drives its cleanup loop.
type Runner struct {
	reaper *service.ReaperService
	logger *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB     *sql.DB
	Config config.ReaperConfig
	Logger *slog.Logger

	// Encryptor decrypts endpoint headers; the sweeps never read them, so
	// the default NoopEncryptor suffices unless a shared repo is injected.
	Encryptor cryptoutil.Encryptor

	// TimeProvider defaults to real time.
	TimeProvider data.TimeProvider

	// Repo overrides the composite repository built from DB. Metrics is
	// optional; without a sink the service skips emission.
	Repo    core.ReaperRepository
	Metrics statsd.Sink
}

// NewRunner assembles the cleanup repositories and reaper service from opts.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.DB == nil && opts.Repo == nil {
		return nil, errors.New("database connection is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}

	repo := opts.Repo
	if repo == nil {
		if opts.Encryptor == nil {
			opts.Encryptor = &cryptoutil.NoopEncryptor{}
		}
		repoCfg := data.RepoConfig{Logger: opts.Logger, TimeProvider: opts.TimeProvider}
		repo = &reaperRepoAdapter{
			runs:      data.NewRunRepo(opts.DB, repoCfg),
			endpoints: data.NewEndpointRepo(opts.DB, opts.Encryptor, repoCfg),
			sessions:  data.NewSessionRepo(opts.DB, repoCfg),
		}
	}

	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Repo:         repo,
		Config:       opts.Config,
		TimeProvider: opts.TimeProvider,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}

	return &Runner{reaper: reaper, logger: opts.Logger}, nil
}

// Run drives the cleanup loop until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "reaper runner starting")
	return r.reaper.Run(ctx)
}

// RunOnce performs a single cleanup pass. Admin tooling uses this for
// manual sweeps.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.reaper.RunOnce(ctx)
}

// reaperRepoAdapter composes the run, endpoint, and session repositories into
// the single cleanup surface the reaper service consumes.
type reaperRepoAdapter struct {
	runs      *data.RunRepo
	endpoints *data.EndpointRepo
	sessions  *data.SessionRepo
}

func (a *reaperRepoAdapter) CleanupZombieRuns(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	return a.runs.CleanupZombieRuns(ctx, now, batchSize)
}

func (a *reaperRepoAdapter) CountDueEndpoints(ctx context.Context, now time.Time) (int64, error) {
	return a.endpoints.CountDueEndpoints(ctx, now)
}

func (a *reaperRepoAdapter) ReleaseExpiredLeases(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	return a.endpoints.ReleaseExpiredLeases(ctx, now, batchSize)
}

func (a *reaperRepoAdapter) ClearExpiredHints(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	return a.endpoints.ClearExpiredHints(ctx, now, batchSize)
}

func (a *reaperRepoAdapter) DeleteOldRuns(ctx context.Context, p core.DeleteOldRunsParams) (int64, error) {
	return a.runs.DeleteOldRuns(ctx, p)
}

func (a *reaperRepoAdapter) DeleteOldSessions(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	return a.sessions.DeleteOldSessions(ctx, maxAge, batchSize)
}
