// Package service provides business logic services for the cronicorn scheduling system.
package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/weskerllc/cronicorn/internal/core"
	"github.com/weskerllc/cronicorn/internal/data"
	"github.com/weskerllc/cronicorn/internal/domain/model"
	"github.com/weskerllc/cronicorn/internal/domain/schedule"
	apperrors "github.com/weskerllc/cronicorn/internal/errors"
	"github.com/weskerllc/cronicorn/internal/observability/metrics"
	"github.com/weskerllc/cronicorn/internal/observability/notify"
	"github.com/weskerllc/cronicorn/internal/observability/statsd"
	"github.com/weskerllc/cronicorn/internal/service/failurenotifier"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// SchedulerService implements the EndpointScheduler interface.
// It claims batches of due endpoints under short leases, dispatches their HTTP
// requests concurrently, and rewrites schedule state from the outcomes.
// Safe under concurrent replicas: the claim query is the only coordination point.
type SchedulerService struct {
	endpoints    core.EndpointRepository
	runs         core.RunRepository
	dispatcher   core.Dispatcher
	cfg          core.SchedulerConfig
	lease        *schedule.LeasePolicy
	owner        string
	timeProvider data.TimeProvider
	metrics      statsd.Sink
	notifier     *failurenotifier.Service
	logger       *slog.Logger
}

// SchedulerServiceOptions holds the dependencies for creating a SchedulerService.
// Uses an options struct to keep parameter count ≤ 3 as per project conventions.
type SchedulerServiceOptions struct {
	Endpoints    core.EndpointRepository
	Runs         core.RunRepository
	Dispatcher   core.Dispatcher
	Config       *core.SchedulerConfig
	TimeProvider data.TimeProvider
	Metrics      statsd.Sink              // Optional: nil disables metric emission
	Notifier     *failurenotifier.Service // Optional: failure streak notification fan-out
	Logger       *slog.Logger
	// Owner overrides the generated worker identity; tests use this to make
	// lease ownership assertions deterministic.
	Owner string
}

// NewSchedulerService builds a scheduler, substituting the real clock, the
// default config, and a generated owner identity for anything opts leaves
// unset.
func NewSchedulerService(opts SchedulerServiceOptions) (*SchedulerService, error) {
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Config == nil {
		defaultCfg := core.DefaultSchedulerConfig()
		opts.Config = &defaultCfg
	}
	opts.Logger = cmp.Or(opts.Logger, slog.Default())
	opts.Owner = cmp.Or(opts.Owner, workerIdentity())

	lease, err := schedule.NewLeasePolicy(opts.Config.LeaseMargin)
	if err != nil {
		return nil, fmt.Errorf("lease policy: %w", err)
	}

	return &SchedulerService{
		endpoints:    opts.Endpoints,
		runs:         opts.Runs,
		dispatcher:   opts.Dispatcher,
		cfg:          *opts.Config,
		lease:        lease,
		owner:        opts.Owner,
		timeProvider: opts.TimeProvider,
		metrics:      opts.Metrics,
		notifier:     opts.Notifier,
		logger:       opts.Logger,
	}, nil
}

// workerIdentity derives the lease owner string for this process: hostname plus
// a random suffix so replicas on one host stay distinct.
func workerIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Tick claims a batch of due endpoints and runs each one to completion.
// Returns the number of endpoints claimed; zero means the due set is drained.
//
// Algorithm:
// 1. Claim up to BatchSize due endpoints under a lease sized for the default timeout
// 2. Fan the batch out on a bounded errgroup
// 3. Per endpoint: create provisional run, dispatch, finalize, apply the governor
//
// Concurrency safety:
// - ClaimDueEndpoints uses FOR UPDATE SKIP LOCKED so replicas never double-claim
// - Per-endpoint storage failures are logged and skipped; the lease expiry and
//   the zombie sweep reconcile whatever this worker abandons.
func (s *SchedulerService) Tick(ctx context.Context, now time.Time) (int, error) {
	started := s.timeProvider.Now()

	claimed, err := s.endpoints.ClaimDueEndpoints(ctx, core.ClaimDueParams{
		Now:       now,
		BatchSize: s.cfg.BatchSize,
		Lease:     s.lease.ForClaim(s.cfg.DefaultTimeout).Duration,
		Owner:     s.owner,
	})
	if err != nil {
		metrics.EmitTick(s.metrics, metrics.TickMetric{Result: metrics.ResultError, Err: err})
		return 0, fmt.Errorf("claim due endpoints: %w", err)
	}

	if len(claimed) == 0 {
		metrics.EmitTick(s.metrics, metrics.TickMetric{
			Result:   metrics.ResultNoop,
			Duration: s.timeProvider.Now().Sub(started),
		})
		return 0, nil
	}

	g := new(errgroup.Group)
	if s.cfg.Concurrency > 0 {
		g.SetLimit(s.cfg.Concurrency)
	}
	for _, endpoint := range claimed {
		g.Go(func() error {
			s.runEndpoint(ctx, endpoint)
			return nil
		})
	}
	// Workers never return errors; every failure mode is absorbed per endpoint.
	_ = g.Wait()

	metrics.EmitTick(s.metrics, metrics.TickMetric{
		Claimed:  len(claimed),
		Result:   metrics.ResultSuccess,
		Duration: s.timeProvider.Now().Sub(started),
	})
	return len(claimed), nil
}

// runEndpoint executes one claimed endpoint end to end: provisional run,
// dispatch, finalization, governor decision. A storage failure at any step
// abandons the endpoint; its lease expires and the zombie sweep reconciles
// the provisional run.
func (s *SchedulerService) runEndpoint(ctx context.Context, endpoint *model.Endpoint) {
	if !s.ensureLease(ctx, endpoint) {
		return
	}

	run, err := s.runs.Create(ctx, core.CreateRunParams{
		EndpointID: endpoint.ID,
		Attempt:    1,
		StartedAt:  s.timeProvider.Now(),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler: create run failed; abandoning endpoint",
			"endpoint_id", endpoint.ID, "error", err)
		return
	}

	outcome := s.dispatcher.Dispatch(ctx, endpoint)
	finishedAt := s.timeProvider.Now()

	if ok, finishErr := s.runs.Finish(ctx, core.FinishRunParams{
		RunID:      run.ID,
		Outcome:    outcome,
		FinishedAt: finishedAt,
	}); finishErr != nil {
		s.logger.ErrorContext(ctx, "scheduler: finish run failed",
			"run_id", run.ID, "endpoint_id", endpoint.ID, "error", finishErr)
	} else if !ok {
		// The zombie sweep finalized this run first; its timeout verdict stands.
		s.logger.WarnContext(ctx, "scheduler: run already finalized",
			"run_id", run.ID, "endpoint_id", endpoint.ID)
	}

	decision := s.applyDecision(ctx, applyDecisionParams{
		Endpoint:   endpoint,
		RunID:      run.ID,
		Outcome:    outcome,
		FinishedAt: finishedAt,
	})

	metrics.EmitDispatch(s.metrics, metrics.DispatchMetric{
		Status:   string(outcome.RunStatusFor()),
		Source:   string(decision.Source),
		URL:      endpoint.URL,
		Duration: time.Duration(outcome.DurationMs) * time.Millisecond,
	})

	if !outcome.Success() {
		s.notifyFailure(ctx, endpoint, outcome, decision)
	}
}

// notifyFailure reports the endpoint's grown failure streak to the notifier,
// which decides whether the streak warrants fan-out. Scheduled runs only;
// manual triggers have a caller watching the result.
func (s *SchedulerService) notifyFailure(
	ctx context.Context,
	endpoint *model.Endpoint,
	outcome model.Outcome,
	decision schedule.Decision,
) {
	if s.notifier == nil || !s.notifier.Enabled() {
		return
	}

	payload := notify.EndpointFailurePayload{
		EndpointID:   endpoint.ID,
		EndpointName: endpoint.Name,
		JobID:        endpoint.JobID,
		URL:          endpoint.URL,
		StreakCount:  decision.FailureCount,
		StatusCode:   outcome.StatusCode,
		ErrorClass:   string(outcome.Kind),
		OccurredAt:   s.timeProvider.Now(),
	}
	if outcome.ErrorMessage != nil {
		payload.Error = *outcome.ErrorMessage
	}

	s.notifier.NotifyEndpointFailure(ctx, payload)
}

// ensureLease extends the batch lease when this endpoint's dispatch budget
// outruns it. The batch lease is sized for the default timeout; endpoints
// allowed to run longer re-lock individually before dispatching.
func (s *SchedulerService) ensureLease(ctx context.Context, endpoint *model.Endpoint) bool {
	if endpoint.LeasedUntil == nil {
		return true
	}

	now := s.timeProvider.Now()
	timeout := endpoint.EffectiveTimeout()
	if !s.lease.NeedsExtension(timeout, endpoint.LeasedUntil.Sub(now)) {
		return true
	}

	until := now.Add(s.lease.ForTimeout(timeout).Duration)
	ok, err := s.endpoints.ExtendLease(ctx, core.ExtendLeaseParams{
		EndpointID: endpoint.ID,
		Owner:      s.owner,
		Until:      until,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler: extend lease failed; abandoning endpoint",
			"endpoint_id", endpoint.ID, "error", err)
		return false
	}
	if !ok {
		// Another worker owns the lease now; it runs the endpoint.
		s.logger.WarnContext(ctx, "scheduler: lease lost before dispatch",
			"endpoint_id", endpoint.ID)
		return false
	}
	endpoint.LeasedUntil = &until
	return true
}

// applyDecisionParams groups parameters for applyDecision.
type applyDecisionParams struct {
	Endpoint   *model.Endpoint
	RunID      string
	Outcome    model.Outcome
	FinishedAt time.Time
}

// applyDecision runs the governor on the finished dispatch and commits its
// verdict. A baseline cron that cannot be scheduled still commits: the
// governor pins such endpoints to the far future and the error only needs
// logging here.
func (s *SchedulerService) applyDecision(ctx context.Context, p applyDecisionParams) schedule.Decision {
	decision, govErr := schedule.Govern(schedule.GovernParams{
		Endpoint:    *p.Endpoint,
		Outcome:     p.Outcome,
		Now:         p.FinishedAt,
		BackoffBase: s.cfg.BackoffBase,
	})
	if govErr != nil {
		s.logger.WarnContext(ctx, "scheduler: baseline cron unschedulable; endpoint parked",
			"endpoint_id", p.Endpoint.ID, "error", govErr)
	}

	if err := s.endpoints.UpdateAfterRun(ctx, core.UpdateAfterRunParams{
		EndpointID: p.Endpoint.ID,
		RunID:      p.RunID,
		Decision:   decision,
		LastRunAt:  p.FinishedAt,
	}); err != nil {
		s.logger.ErrorContext(ctx, "scheduler: update after run failed; lease left to expire",
			"endpoint_id", p.Endpoint.ID, "run_id", p.RunID, "error", err)
		return decision
	}

	metrics.EmitDecision(s.metrics, string(decision.Source), decision.Source.AI())
	return decision
}

// RunNow claims and dispatches one endpoint immediately, outside the due scan.
// A successful manual run leaves the planned schedule untouched and clears the
// failure streak; a failed one backs off through the governor like any run.
// Either way the recorded run is labeled manual.
func (s *SchedulerService) RunNow(ctx context.Context, userID, endpointID string) (*model.Run, error) {
	endpoint, err := s.endpoints.GetByID(ctx, endpointID)
	if err != nil {
		if errors.Is(err, data.ErrEndpointNotFound) {
			return nil, apperrors.NotFound("endpoint not found")
		}
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	// Cross-tenant probes read as absence.
	if endpoint.TenantID != userID {
		s.logger.WarnContext(ctx, "scheduler: access denied; endpoint belongs to another user",
			"endpoint_id", endpointID, "user_id", userID)
		return nil, apperrors.NotFound("endpoint not found")
	}

	claimed, err := s.endpoints.ClaimEndpoint(ctx, core.ClaimOneParams{
		EndpointID: endpointID,
		Now:        s.timeProvider.Now(),
		Lease:      s.lease.ForTimeout(endpoint.EffectiveTimeout()).Duration,
		Owner:      s.owner,
	})
	if err != nil {
		switch {
		case errors.Is(err, data.ErrEndpointNotFound):
			return nil, apperrors.NotFound("endpoint not found")
		case errors.Is(err, data.ErrEndpointArchived):
			return nil, apperrors.Conflict("endpoint is archived")
		case errors.Is(err, data.ErrEndpointLeased):
			return nil, apperrors.Conflict("endpoint is currently running")
		}
		return nil, fmt.Errorf("claim endpoint: %w", err)
	}

	run, err := s.runs.Create(ctx, core.CreateRunParams{
		EndpointID: claimed.ID,
		Attempt:    1,
		StartedAt:  s.timeProvider.Now(),
	})
	if err != nil {
		s.releaseLease(ctx, claimed.ID)
		return nil, fmt.Errorf("create run: %w", err)
	}

	outcome := s.dispatcher.Dispatch(ctx, claimed)
	finishedAt := s.timeProvider.Now()

	if _, err := s.runs.Finish(ctx, core.FinishRunParams{
		RunID:      run.ID,
		Outcome:    outcome,
		FinishedAt: finishedAt,
	}); err != nil {
		return nil, fmt.Errorf("finish run: %w", err)
	}

	decision := s.manualDecision(claimed, outcome, finishedAt)
	if err := s.endpoints.UpdateAfterRun(ctx, core.UpdateAfterRunParams{
		EndpointID: claimed.ID,
		RunID:      run.ID,
		Decision:   decision,
		LastRunAt:  finishedAt,
	}); err != nil {
		return nil, fmt.Errorf("update after run: %w", err)
	}

	metrics.EmitDispatch(s.metrics, metrics.DispatchMetric{
		Status:   string(outcome.RunStatusFor()),
		Source:   string(model.SourceManual),
		URL:      claimed.URL,
		Duration: time.Duration(outcome.DurationMs) * time.Millisecond,
	})

	return s.runs.GetRunDetails(ctx, run.ID)
}

// releaseLease frees a claim that never produced run state, so the endpoint
// is claimable again immediately instead of waiting out the lease.
func (s *SchedulerService) releaseLease(ctx context.Context, endpointID string) {
	if _, err := s.endpoints.ReleaseLease(ctx, endpointID, s.owner); err != nil {
		s.logger.WarnContext(ctx, "scheduler: release lease failed; lease left to expire",
			"endpoint_id", endpointID, "error", err)
	}
}

// manualDecision computes the post-run write for a manual trigger. Success
// keeps the stored fire time so the regular cadence is undisturbed; failure
// backs off as usual.
func (s *SchedulerService) manualDecision(
	endpoint *model.Endpoint,
	outcome model.Outcome,
	now time.Time,
) schedule.Decision {
	if outcome.Success() {
		return schedule.Decision{
			NextRunAt:    endpoint.NextRunAt,
			FailureCount: 0,
			Source:       model.SourceManual,
		}
	}

	// Failure rules never evaluate cron, so Govern cannot error here.
	decision, _ := schedule.Govern(schedule.GovernParams{
		Endpoint:    *endpoint,
		Outcome:     outcome,
		Now:         now,
		BackoffBase: s.cfg.BackoffBase,
	})
	decision.Source = model.SourceManual
	return decision
}
