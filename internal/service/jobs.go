package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/weskerllc/cronicorn/internal/core"
	"github.com/weskerllc/cronicorn/internal/data"
	"github.com/weskerllc/cronicorn/internal/domain/model"
	"github.com/weskerllc/cronicorn/internal/domain/schedule"
	apperrors "github.com/weskerllc/cronicorn/internal/errors"
)

// JobsService owns the user-facing job and endpoint lifecycle: CRUD, pause and
// resume, quota enforcement, and the adaptive surface that lets planners steer
// an endpoint's schedule. Every operation is scoped to the calling user;
// rows owned by someone else read as absent.
type JobsService struct {
	jobs         core.JobRepository
	endpoints    core.EndpointRepository
	quotas       core.QuotaConfig
	timeProvider data.TimeProvider
	logger       *slog.Logger
}

// JobsServiceOptions holds the dependencies for creating a JobsService.
type JobsServiceOptions struct {
	Jobs      core.JobRepository
	Endpoints core.EndpointRepository
	// Quotas bounds per-user schedule state; nil applies the defaults and an
	// explicit zero value disables the checks.
	Quotas       *core.QuotaConfig
	TimeProvider data.TimeProvider
	Logger       *slog.Logger
}

// NewJobsService creates a new JobsService with the given dependencies.
func NewJobsService(opts JobsServiceOptions) *JobsService {
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Quotas == nil {
		defaults := core.DefaultQuotaConfig()
		opts.Quotas = &defaults
	}

	return &JobsService{
		jobs:         opts.Jobs,
		endpoints:    opts.Endpoints,
		quotas:       *opts.Quotas,
		timeProvider: opts.TimeProvider,
		logger:       opts.Logger,
	}
}

// CreateJob creates a job container for the user, enforcing the per-user job
// quota.
func (s *JobsService) CreateJob(ctx context.Context, userID string, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, apperrors.Validation("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	if s.quotas.MaxJobsPerUser > 0 {
		count, err := s.jobs.CountByUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("count jobs: %w", err)
		}
		if count >= s.quotas.MaxJobsPerUser {
			return nil, apperrors.Quotaf("job limit reached: at most %d jobs per user", s.quotas.MaxJobsPerUser)
		}
	}

	job, err := s.jobs.Create(ctx, userID, req)
	if err != nil {
		if errors.Is(err, data.ErrJobNameExists) {
			return nil, apperrors.Conflict("a job with this name already exists")
		}
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// GetJob retrieves one of the user's jobs.
func (s *JobsService) GetJob(ctx context.Context, userID, jobID string) (*model.Job, error) {
	return s.getOwnedJob(ctx, userID, jobID)
}

// ListJobs returns the user's jobs, newest first.
func (s *JobsService) ListJobs(ctx context.Context, userID string, includeArchived bool) ([]*model.Job, error) {
	jobs, err := s.jobs.ListByUser(ctx, userID, includeArchived)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// UpdateJob modifies a job's name or description.
func (s *JobsService) UpdateJob(ctx context.Context, userID, jobID string, req *model.UpdateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, apperrors.Validation("update job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	job, err := s.getOwnedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Archived() {
		return nil, apperrors.Conflict("job is archived")
	}

	updated, err := s.jobs.Update(ctx, jobID, req)
	if err != nil {
		switch {
		case errors.Is(err, data.ErrJobNotFound):
			return nil, apperrors.NotFound("job not found")
		case errors.Is(err, data.ErrJobNameExists):
			return nil, apperrors.Conflict("a job with this name already exists")
		}
		return nil, fmt.Errorf("update job: %w", err)
	}
	return updated, nil
}

// PauseJob parks the job and every endpoint under it. The due scan consults
// only endpoint rows, so the pause is materialized onto each endpoint as an
// open-ended paused_until.
func (s *JobsService) PauseJob(ctx context.Context, userID, jobID string) (*model.Job, error) {
	job, err := s.getOwnedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Archived() {
		return nil, apperrors.Conflict("job is archived")
	}

	paused, err := s.jobs.SetStatus(ctx, jobID, model.JobStatusPaused)
	if err != nil {
		if errors.Is(err, data.ErrJobNotFound) {
			return nil, apperrors.NotFound("job not found")
		}
		return nil, fmt.Errorf("pause job: %w", err)
	}

	until := model.FarFuture
	if err := s.forEachEndpoint(ctx, jobID, func(endpoint *model.Endpoint) error {
		_, pauseErr := s.endpoints.SetPausedUntil(ctx, endpoint.ID, &until)
		return pauseErr
	}); err != nil {
		return nil, fmt.Errorf("pause endpoints: %w", err)
	}
	return paused, nil
}

// ResumeJob reactivates a paused job. Each endpoint's pause is lifted and its
// fire time pulled toward the next baseline occurrence so overdue work
// resumes promptly instead of waiting out a stale schedule.
func (s *JobsService) ResumeJob(ctx context.Context, userID, jobID string) (*model.Job, error) {
	job, err := s.getOwnedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Archived() {
		return nil, apperrors.Conflict("job is archived")
	}

	resumed, err := s.jobs.SetStatus(ctx, jobID, model.JobStatusActive)
	if err != nil {
		if errors.Is(err, data.ErrJobNotFound) {
			return nil, apperrors.NotFound("job not found")
		}
		return nil, fmt.Errorf("resume job: %w", err)
	}

	if err := s.forEachEndpoint(ctx, jobID, func(endpoint *model.Endpoint) error {
		if _, resumeErr := s.endpoints.SetPausedUntil(ctx, endpoint.ID, nil); resumeErr != nil {
			return resumeErr
		}
		return s.pullToBaseline(ctx, endpoint)
	}); err != nil {
		return nil, fmt.Errorf("resume endpoints: %w", err)
	}
	return resumed, nil
}

// ArchiveJob soft-deletes the job and all of its endpoints. Run history stays
// queryable.
func (s *JobsService) ArchiveJob(ctx context.Context, userID, jobID string) error {
	if _, err := s.getOwnedJob(ctx, userID, jobID); err != nil {
		return err
	}

	archived, err := s.jobs.Archive(ctx, jobID)
	if err != nil {
		return fmt.Errorf("archive job: %w", err)
	}
	if !archived {
		return apperrors.Conflict("job is already archived")
	}
	return nil
}

// AddEndpoint creates an endpoint under one of the user's jobs. The initial
// fire time comes from the baseline rule alone; hints and clamps only apply
// once runs start flowing.
func (s *JobsService) AddEndpoint(ctx context.Context, userID, jobID string, req *model.CreateEndpointRequest) (*model.Endpoint, error) {
	if req == nil {
		return nil, apperrors.Validation("create endpoint request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	if req.BaselineCron != nil {
		if err := schedule.ValidateCron(*req.BaselineCron); err != nil {
			return nil, apperrors.Validation(err.Error())
		}
	}

	job, err := s.getOwnedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Archived() {
		return nil, apperrors.Conflict("job is archived")
	}

	if err := s.checkEndpointQuotas(ctx, userID, jobID); err != nil {
		return nil, err
	}

	seed := model.Endpoint{
		BaselineCron:       req.BaselineCron,
		BaselineIntervalMs: req.BaselineIntervalMs,
	}
	nextRunAt, _, err := schedule.BaselineNext(seed, s.timeProvider.Now())
	if err != nil {
		// Parse errors were caught above; this is the scheduling horizon.
		return nil, apperrors.InvalidSchedule("cron expression has no occurrence within the scheduling horizon", err)
	}

	endpoint, err := s.endpoints.Create(ctx, core.CreateEndpointParams{
		JobID:     jobID,
		TenantID:  userID,
		Req:       req,
		NextRunAt: nextRunAt,
	})
	if err != nil {
		return nil, fmt.Errorf("create endpoint: %w", err)
	}
	return endpoint, nil
}

// checkEndpointQuotas enforces the tier limit (live endpoints across all the
// user's jobs) and the per-job endpoint limit.
func (s *JobsService) checkEndpointQuotas(ctx context.Context, userID, jobID string) error {
	if s.quotas.MaxEndpointsPerUser > 0 {
		counts, err := s.endpoints.GetEndpointCounts(ctx, userID)
		if err != nil {
			return fmt.Errorf("count endpoints: %w", err)
		}
		if counts.Total >= s.quotas.MaxEndpointsPerUser {
			return apperrors.Quotaf("endpoint limit reached: at most %d endpoints per user", s.quotas.MaxEndpointsPerUser)
		}
	}

	if s.quotas.MaxEndpointsPerJob > 0 {
		count, err := s.endpoints.CountActiveByJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("count job endpoints: %w", err)
		}
		if count >= s.quotas.MaxEndpointsPerJob {
			return apperrors.Quotaf("endpoint limit reached: at most %d endpoints per job", s.quotas.MaxEndpointsPerJob)
		}
	}
	return nil
}

// GetEndpoint retrieves one of the user's endpoints.
func (s *JobsService) GetEndpoint(ctx context.Context, userID, endpointID string) (*model.Endpoint, error) {
	return s.getOwnedEndpoint(ctx, userID, endpointID)
}

// ListEndpoints returns the endpoints under one of the user's jobs.
func (s *JobsService) ListEndpoints(ctx context.Context, userID, jobID string, includeArchived bool) ([]*model.Endpoint, error) {
	if _, err := s.getOwnedJob(ctx, userID, jobID); err != nil {
		return nil, err
	}

	endpoints, err := s.endpoints.ListByJob(ctx, jobID, includeArchived)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	return endpoints, nil
}

// UpdateEndpoint applies a partial update to an endpoint's configuration.
// Replacing the baseline recomputes the fire time from the new cadence;
// anything else leaves the schedule alone.
func (s *JobsService) UpdateEndpoint(ctx context.Context, userID, endpointID string, req *model.UpdateEndpointRequest) (*model.Endpoint, error) {
	if req == nil {
		return nil, apperrors.Validation("update endpoint request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	if req.BaselineCron != nil {
		if err := schedule.ValidateCron(*req.BaselineCron); err != nil {
			return nil, apperrors.Validation(err.Error())
		}
	}

	endpoint, err := s.getOwnedEndpoint(ctx, userID, endpointID)
	if err != nil {
		return nil, err
	}
	if endpoint.Archived() {
		return nil, apperrors.Conflict("endpoint is archived")
	}

	// Clamps are individually optional in a patch; the pair is validated
	// against the merged values.
	minMs := endpoint.MinIntervalMs
	if req.MinIntervalMs != nil {
		minMs = req.MinIntervalMs
	}
	maxMs := endpoint.MaxIntervalMs
	if req.MaxIntervalMs != nil {
		maxMs = req.MaxIntervalMs
	}
	if minMs != nil && maxMs != nil && *minMs > *maxMs {
		return nil, apperrors.Validation("min interval cannot exceed max interval")
	}

	var nextRunAt *time.Time
	if req.ChangesBaseline() {
		seed := model.Endpoint{
			BaselineCron:       req.BaselineCron,
			BaselineIntervalMs: req.BaselineIntervalMs,
		}
		next, _, baselineErr := schedule.BaselineNext(seed, s.timeProvider.Now())
		if baselineErr != nil {
			return nil, apperrors.InvalidSchedule("cron expression has no occurrence within the scheduling horizon", baselineErr)
		}
		nextRunAt = &next
	}

	updated, err := s.endpoints.Update(ctx, endpointID, core.UpdateEndpointParams{
		Req:       req,
		NextRunAt: nextRunAt,
	})
	if err != nil {
		if errors.Is(err, data.ErrEndpointNotFound) {
			return nil, apperrors.NotFound("endpoint not found")
		}
		return nil, fmt.Errorf("update endpoint: %w", err)
	}
	return updated, nil
}

// DeleteEndpoint removes an endpoint from the user's view. Removal is a soft
// delete: run history keeps referencing the endpoint, so the row is archived
// rather than dropped.
func (s *JobsService) DeleteEndpoint(ctx context.Context, userID, endpointID string) error {
	return s.ArchiveEndpoint(ctx, userID, endpointID)
}

// ArchiveEndpoint soft-deletes an endpoint and pins its fire time so it never
// surfaces in a due scan again.
func (s *JobsService) ArchiveEndpoint(ctx context.Context, userID, endpointID string) error {
	if _, err := s.getOwnedEndpoint(ctx, userID, endpointID); err != nil {
		return err
	}

	archived, err := s.endpoints.Archive(ctx, endpointID)
	if err != nil {
		return fmt.Errorf("archive endpoint: %w", err)
	}
	if !archived {
		return apperrors.Conflict("endpoint is already archived")
	}
	return nil
}

// ApplyIntervalHint writes an interval hint that temporarily overrides the
// endpoint's baseline cadence, then pulls the fire time toward the hinted
// cadence so the next tick sees it. The previous hint block is replaced
// wholesale.
func (s *JobsService) ApplyIntervalHint(ctx context.Context, userID, endpointID string, req *model.IntervalHintRequest) error {
	if req == nil {
		return apperrors.Validation("interval hint request is required")
	}
	if err := req.Validate(); err != nil {
		return apperrors.Validation(err.Error())
	}

	if _, err := s.getOwnedEndpoint(ctx, userID, endpointID); err != nil {
		return err
	}

	now := s.timeProvider.Now()
	hint := &model.AIHint{
		IntervalMs: &req.IntervalMs,
		ExpiresAt:  now.Add(time.Duration(req.TTLMinutes) * time.Minute),
		Reason:     req.Reason,
	}
	ok, err := s.endpoints.WriteAIHint(ctx, endpointID, hint)
	if err != nil {
		return fmt.Errorf("write hint: %w", err)
	}
	if !ok {
		return apperrors.Conflict("endpoint is archived")
	}

	return s.advanceSchedule(ctx, endpointID, now.Add(time.Duration(req.IntervalMs)*time.Millisecond))
}

// ApplyOneShotHint writes a one-shot hint for a single future fire, then pulls
// the fire time to that instant. A requested instant at or before now becomes
// immediate but never past.
func (s *JobsService) ApplyOneShotHint(ctx context.Context, userID, endpointID string, req *model.OneShotHintRequest) error {
	if req == nil {
		return apperrors.Validation("one-shot hint request is required")
	}
	if err := req.Validate(); err != nil {
		return apperrors.Validation(err.Error())
	}

	if _, err := s.getOwnedEndpoint(ctx, userID, endpointID); err != nil {
		return err
	}

	now := s.timeProvider.Now()
	at := req.FireTime(now)
	if !at.After(now) {
		at = now.Add(time.Second)
	}

	hint := &model.AIHint{
		NextRunAt: &at,
		ExpiresAt: now.Add(time.Duration(req.TTLMinutes) * time.Minute),
		Reason:    req.Reason,
	}
	ok, err := s.endpoints.WriteAIHint(ctx, endpointID, hint)
	if err != nil {
		return fmt.Errorf("write hint: %w", err)
	}
	if !ok {
		return apperrors.Conflict("endpoint is archived")
	}

	return s.advanceSchedule(ctx, endpointID, at)
}

// PauseEndpoint parks the endpoint until the given instant; nil lifts the
// pause and pulls the fire time toward the next baseline occurrence so the
// endpoint runs again promptly.
func (s *JobsService) PauseEndpoint(ctx context.Context, userID, endpointID string, until *time.Time) error {
	endpoint, err := s.getOwnedEndpoint(ctx, userID, endpointID)
	if err != nil {
		return err
	}

	if until != nil && !until.After(s.timeProvider.Now()) {
		return apperrors.Validation("pause end must be in the future")
	}

	ok, err := s.endpoints.SetPausedUntil(ctx, endpointID, until)
	if err != nil {
		return fmt.Errorf("set pause: %w", err)
	}
	if !ok {
		return apperrors.Conflict("endpoint is archived")
	}

	if until == nil {
		return s.pullToBaseline(ctx, endpoint)
	}
	return nil
}

// ClearHints drops the endpoint's entire hint block, returning it to its
// baseline cadence at the next decision.
func (s *JobsService) ClearHints(ctx context.Context, userID, endpointID string) error {
	if _, err := s.getOwnedEndpoint(ctx, userID, endpointID); err != nil {
		return err
	}

	ok, err := s.endpoints.ClearAIHints(ctx, endpointID)
	if err != nil {
		return fmt.Errorf("clear hints: %w", err)
	}
	if !ok {
		return apperrors.Conflict("endpoint is archived")
	}
	return nil
}

// ResetFailures zeroes the endpoint's failure streak and pulls the fire time
// toward the next baseline occurrence, releasing it from any backoff already
// scheduled.
func (s *JobsService) ResetFailures(ctx context.Context, userID, endpointID string) error {
	endpoint, err := s.getOwnedEndpoint(ctx, userID, endpointID)
	if err != nil {
		return err
	}

	ok, err := s.endpoints.ResetFailureCount(ctx, endpointID)
	if err != nil {
		return fmt.Errorf("reset failures: %w", err)
	}
	if !ok {
		return apperrors.Conflict("endpoint is archived")
	}

	return s.pullToBaseline(ctx, endpoint)
}

// getOwnedJob loads a job and verifies ownership. Cross-tenant probes read as
// absence.
func (s *JobsService) getOwnedJob(ctx context.Context, userID, jobID string) (*model.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, data.ErrJobNotFound) {
			return nil, apperrors.NotFound("job not found")
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	if job.UserID != userID {
		s.logger.WarnContext(ctx, "jobs: access denied; job belongs to another user",
			"job_id", jobID, "user_id", userID)
		return nil, apperrors.NotFound("job not found")
	}
	return job, nil
}

// getOwnedEndpoint loads an endpoint and verifies ownership. Cross-tenant
// probes read as absence.
func (s *JobsService) getOwnedEndpoint(ctx context.Context, userID, endpointID string) (*model.Endpoint, error) {
	endpoint, err := s.endpoints.GetByID(ctx, endpointID)
	if err != nil {
		if errors.Is(err, data.ErrEndpointNotFound) {
			return nil, apperrors.NotFound("endpoint not found")
		}
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	if endpoint.TenantID != userID {
		s.logger.WarnContext(ctx, "jobs: access denied; endpoint belongs to another user",
			"endpoint_id", endpointID, "user_id", userID)
		return nil, apperrors.NotFound("endpoint not found")
	}
	return endpoint, nil
}

// forEachEndpoint applies fn to every live endpoint under the job.
func (s *JobsService) forEachEndpoint(ctx context.Context, jobID string, fn func(*model.Endpoint) error) error {
	endpoints, err := s.endpoints.ListByJob(ctx, jobID, false)
	if err != nil {
		return fmt.Errorf("list endpoints: %w", err)
	}
	for _, endpoint := range endpoints {
		if err := fn(endpoint); err != nil {
			return err
		}
	}
	return nil
}

// advanceSchedule pulls the endpoint's fire time toward at; a stored fire
// time that is already sooner wins.
func (s *JobsService) advanceSchedule(ctx context.Context, endpointID string, at time.Time) error {
	if _, err := s.endpoints.SetNextRunAtIfEarlier(ctx, endpointID, at); err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}
	return nil
}

// pullToBaseline advances the endpoint's fire time to its next baseline
// occurrence. An unschedulable cron leaves the fire time pinned where the
// governor parked it.
func (s *JobsService) pullToBaseline(ctx context.Context, endpoint *model.Endpoint) error {
	next, _, err := schedule.BaselineNext(*endpoint, s.timeProvider.Now())
	if err != nil {
		s.logger.WarnContext(ctx, "jobs: baseline unschedulable; fire time left pinned",
			"endpoint_id", endpoint.ID, "error", err)
		return nil
	}
	return s.advanceSchedule(ctx, endpoint.ID, next)
}
