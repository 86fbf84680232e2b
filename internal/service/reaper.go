package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/weskerllc/cronicorn/config"
	"github.com/weskerllc/cronicorn/internal/core"
	"github.com/weskerllc/cronicorn/internal/data"
	obserrors "github.com/weskerllc/cronicorn/internal/observability/errors"
	"github.com/weskerllc/cronicorn/internal/observability/metrics"
	"github.com/weskerllc/cronicorn/internal/observability/statsd"
)

// ReaperService runs periodic schedule hygiene: it finalizes zombie runs
// orphaned by crashed workers, releases expired endpoint leases so the work
// becomes claimable again, clears AI hints past their expiry, and deletes old
// runs and analysis sessions before they bloat the database.
type ReaperService struct {
	repo         core.ReaperRepository
	config       config.ReaperConfig
	timeProvider data.TimeProvider
	logger       *slog.Logger
	metrics      statsd.Sink
}

// ReaperServiceOptions holds the dependencies for creating a ReaperService.
type ReaperServiceOptions struct {
	Repo         core.ReaperRepository
	Config       config.ReaperConfig
	TimeProvider data.TimeProvider
	Metrics      statsd.Sink // Optional: nil disables metric emission
	Logger       *slog.Logger
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	logger := opts.Logger.With("component", "reaper_service")
	logger.Debug("ReaperService initialized",
		"interval", opts.Config.Interval,
		"runs_max_age", opts.Config.RunsMaxAge,
		"sessions_max_age", opts.Config.SessionsMaxAge,
		"batch_size", opts.Config.BatchSize,
	)

	return &ReaperService{
		repo:         opts.Repo,
		config:       opts.Config,
		timeProvider: opts.TimeProvider,
		logger:       logger,
		metrics:      opts.Metrics,
	}, nil
}

// MustNewReaperService constructs a new ReaperService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewReaperService(opts ReaperServiceOptions) *ReaperService {
	svc, err := NewReaperService(opts)
	if err != nil {
		panic(err) //nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
	}
	return svc
}

// Run performs cleanup passes at the configured interval until the context is
// cancelled. Returns nil on graceful shutdown (context.Canceled), the context
// error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)

	// Stagger startup so replicas started together do not sweep in lockstep.
	s.waitWithJitter(ctx)

	if err := s.runCleanup(ctx); err != nil {
		s.logCleanupError(err, "initial cleanup")
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			// A failed pass is logged and retried on the next tick.
			if err := s.runCleanup(ctx); err != nil {
				s.logCleanupError(err, "cleanup")
			}
		}
	}
}

// RunOnce performs a single cleanup pass outside the periodic loop.
// Admin tooling uses this for manual sweeps.
func (s *ReaperService) RunOnce(ctx context.Context) error {
	return s.runCleanup(ctx)
}

// waitWithJitter sleeps up to 10% of the interval. Shutdown during the wait
// just ends it early; the run loop observes the context next.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := s.config.Interval / 10
	if maxJitter <= 0 {
		return
	}
	_ = s.timeProvider.Sleep(ctx, rand.N(maxJitter))
}

// cleanupStep pairs one reaper operation with its error label and the
// operation tag it reports under.
type cleanupStep struct {
	label  string
	metric string
	run    func(context.Context) (int64, error)
}

type stepResult struct {
	step  cleanupStep
	count int64
	err   error
}

// runCleanup executes every cleanup operation once, in order. A failing step
// never blocks the later ones; their errors are joined into the return value.
func (s *ReaperService) runCleanup(ctx context.Context) error {
	start := s.timeProvider.Now()

	// Zombie detection reads expired leases, so the sweep must run before
	// the release step frees them.
	steps := []cleanupStep{
		{label: "sweep zombie runs", metric: "zombie_runs", run: s.sweepZombieRuns},
		{label: "release expired leases", metric: "release_leases", run: s.releaseExpiredLeases},
		{label: "clear expired hints", metric: "clear_hints", run: s.clearExpiredHints},
		{label: "delete old runs", metric: "delete_runs", run: s.deleteOldRuns},
		{label: "delete old sessions", metric: "delete_sessions", run: s.deleteOldSessions},
	}

	results := make([]stepResult, 0, len(steps))
	for _, step := range steps {
		count, err := step.run(ctx)
		results = append(results, stepResult{step: step, count: count, err: err})
	}

	s.emitCleanupMetrics(results, s.timeProvider.Now().Sub(start))
	s.sampleQueueDepth(ctx)

	var errs []error
	canceledOnly := true
	for _, r := range results {
		if r.err == nil {
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", r.step.label, r.err))
		canceledOnly = canceledOnly && isContextCancellation(r.err)
	}
	if len(errs) == 0 {
		return nil
	}
	// A pass interrupted by shutdown is not a cleanup failure.
	if canceledOnly {
		return context.Canceled
	}
	return fmt.Errorf("cleanup failed: %w", errors.Join(errs...))
}

// sampleQueueDepth gauges the due backlog once per pass. With no metrics sink
// configured the count query is skipped entirely.
func (s *ReaperService) sampleQueueDepth(ctx context.Context) {
	if s.metrics == nil {
		return
	}

	depth, err := s.repo.CountDueEndpoints(ctx, s.timeProvider.Now())
	if err != nil {
		s.logCleanupError(err, "sample queue depth")
		return
	}
	metrics.EmitQueueDepth(s.metrics, depth)
}

// sweepZombieRuns finalizes provisional runs whose endpoint lease expired
// without a finishing write, marking them timed out.
func (s *ReaperService) sweepZombieRuns(ctx context.Context) (int64, error) {
	count, err := drainBatches(ctx, func(ctx context.Context) (int64, error) {
		return s.repo.CleanupZombieRuns(ctx, s.timeProvider.Now(), s.config.BatchSize)
	})
	if err != nil {
		return count, err
	}
	s.logReaped(ctx, "swept zombie runs", count)
	return count, nil
}

// releaseExpiredLeases frees endpoints whose lease deadline passed so other
// workers can claim them again.
func (s *ReaperService) releaseExpiredLeases(ctx context.Context) (int64, error) {
	count, err := drainBatches(ctx, func(ctx context.Context) (int64, error) {
		return s.repo.ReleaseExpiredLeases(ctx, s.timeProvider.Now(), s.config.BatchSize)
	})
	if err != nil {
		return count, err
	}
	s.logReaped(ctx, "released expired leases", count)
	return count, nil
}

// clearExpiredHints nulls AI hint blocks whose expiry passed. The governor
// already ignores stale hints; clearing keeps the table tidy for reads.
func (s *ReaperService) clearExpiredHints(ctx context.Context) (int64, error) {
	count, err := drainBatches(ctx, func(ctx context.Context) (int64, error) {
		return s.repo.ClearExpiredHints(ctx, s.timeProvider.Now(), s.config.BatchSize)
	})
	if err != nil {
		return count, err
	}
	s.logReaped(ctx, "cleared expired hints", count)
	return count, nil
}

// deleteOldRuns deletes finalized runs older than the configured max age.
func (s *ReaperService) deleteOldRuns(ctx context.Context) (int64, error) {
	count, err := drainBatches(ctx, func(ctx context.Context) (int64, error) {
		return s.repo.DeleteOldRuns(ctx, core.DeleteOldRunsParams{
			MaxAge:    s.config.RunsMaxAge,
			BatchSize: s.config.BatchSize,
		})
	})
	if err != nil {
		return count, err
	}
	s.logReaped(ctx, "deleted old runs", count, "max_age", s.config.RunsMaxAge)
	return count, nil
}

// deleteOldSessions deletes planner analysis sessions older than the
// configured max age.
func (s *ReaperService) deleteOldSessions(ctx context.Context) (int64, error) {
	count, err := drainBatches(ctx, func(ctx context.Context) (int64, error) {
		return s.repo.DeleteOldSessions(ctx, s.config.SessionsMaxAge, s.config.BatchSize)
	})
	if err != nil {
		return count, err
	}
	s.logReaped(ctx, "deleted old sessions", count, "max_age", s.config.SessionsMaxAge)
	return count, nil
}

// drainBatches calls fetch until a batch comes back empty, so one pass clears
// an arbitrary backlog without holding long transactions. The context is
// checked between batches to keep shutdown prompt.
func drainBatches(ctx context.Context, fetch func(context.Context) (int64, error)) (int64, error) {
	var total int64
	for {
		count, err := fetch(ctx)
		if err != nil {
			return total, err
		}
		total += count
		if count == 0 {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

func (s *ReaperService) logReaped(ctx context.Context, msg string, count int64, attrs ...any) {
	if count <= 0 {
		return
	}
	s.logger.InfoContext(ctx, msg, append([]any{"count", count}, attrs...)...)
}

func (s *ReaperService) emitCleanupMetrics(results []stepResult, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}

	var total int64
	var firstErr error
	for _, r := range results {
		total += r.count
		if err := suppressContextCancellation(r.err); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	tags := map[string]string{"result": resultTag(total, firstErr)}
	if class := obserrors.Classify(firstErr); class != "" {
		tags["error_class"] = class
	}

	s.metrics.Count("reaper.cleanup", 1, tags)
	if elapsed > 0 {
		s.metrics.Timing("reaper.cleanup_duration", elapsed, metrics.CloneTags(tags))
	}

	for _, r := range results {
		s.emitStepMetric(r)
	}

	if firstErr == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(s.timeProvider.Now().Unix()), nil)
	}
}

func (s *ReaperService) emitStepMetric(r stepResult) {
	err := suppressContextCancellation(r.err)
	tags := map[string]string{
		"operation": r.step.metric,
		"result":    resultTag(r.count, err),
	}
	if class := obserrors.Classify(err); class != "" {
		tags["error_class"] = class
	}

	s.metrics.Count("reaper.cleanup_operation", 1, tags)
	if err == nil && r.count > 0 {
		s.metrics.Count("reaper.rows_processed", r.count, metrics.CloneTags(tags))
	}
}

// resultTag mirrors the result vocabulary of the run metrics: a step that
// found nothing to do reports noop rather than success.
func resultTag(count int64, err error) string {
	switch {
	case err != nil:
		return metrics.ResultError
	case count == 0:
		return metrics.ResultNoop
	default:
		return metrics.ResultSuccess
	}
}

func (s *ReaperService) logCleanupError(err error, label string) {
	if err == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}
	s.logger.Error(label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
