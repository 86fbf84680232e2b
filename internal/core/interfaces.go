package core

import (
	"context"
	"time"

	"github.com/weskerllc/cronicorn/internal/domain/model"
	"github.com/weskerllc/cronicorn/internal/domain/schedule"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// These interfaces define the contracts between the service layer and data layer.
// Service implementations should depend on these interfaces, not concrete implementations.

// JobRepository defines the interface for job container data operations.
type JobRepository interface {
	Create(ctx context.Context, userID string, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	ListByUser(ctx context.Context, userID string, includeArchived bool) ([]*model.Job, error)
	Update(ctx context.Context, id string, req *model.UpdateJobRequest) (*model.Job, error)
	SetStatus(ctx context.Context, id string, status model.JobStatus) (*model.Job, error)
	// Archive soft-deletes the job; run history stays queryable. Returns false
	// if the job was already archived or does not exist.
	Archive(ctx context.Context, id string) (bool, error)
	// CountByUser counts non-archived jobs owned by the user, for quota checks.
	CountByUser(ctx context.Context, userID string) (int, error)
}

// CreateEndpointParams groups parameters for EndpointRepository.Create to keep param count ≤3.
type CreateEndpointParams struct {
	JobID    string
	TenantID string
	Req      *model.CreateEndpointRequest
	// NextRunAt is the initial baseline fire time, computed by the service
	// layer so the repository never evaluates schedules.
	NextRunAt time.Time
}

// UpdateEndpointParams groups parameters for EndpointRepository.Update.
type UpdateEndpointParams struct {
	Req *model.UpdateEndpointRequest
	// NextRunAt is set when the update replaces the baseline cadence; nil
	// leaves the stored fire time untouched.
	NextRunAt *time.Time
}

// ClaimDueParams groups parameters for the atomic due-endpoint claim.
type ClaimDueParams struct {
	Now       time.Time
	BatchSize int
	// Lease is how long claimed endpoints stay invisible to other workers.
	Lease time.Duration
	Owner string
}

// ClaimOneParams groups parameters for claiming a single named endpoint
// outside the due scan (manual triggers).
type ClaimOneParams struct {
	EndpointID string
	Now        time.Time
	Lease      time.Duration
	Owner      string
}

// ExtendLeaseParams groups parameters for extending a held lease.
type ExtendLeaseParams struct {
	EndpointID string
	Owner      string
	Until      time.Time
}

// UpdateAfterRunParams carries the governor's decision into the single
// transaction that finalizes a run cycle: endpoint schedule state, run source
// rewrite, and lease release all commit together.
type UpdateAfterRunParams struct {
	EndpointID string
	RunID      string
	Decision   schedule.Decision
	LastRunAt  time.Time
}

// EndpointRepository defines the interface for endpoint data operations,
// including the claim/lease protocol the scheduler workers rely on.
type EndpointRepository interface {
	Create(ctx context.Context, p CreateEndpointParams) (*model.Endpoint, error)
	GetByID(ctx context.Context, id string) (*model.Endpoint, error)
	ListByJob(ctx context.Context, jobID string, includeArchived bool) ([]*model.Endpoint, error)
	Update(ctx context.Context, id string, p UpdateEndpointParams) (*model.Endpoint, error)
	// Archive soft-deletes the endpoint and pins its fire time so it never
	// surfaces in a due scan again.
	Archive(ctx context.Context, id string) (bool, error)
	// CountActiveByJob counts non-archived endpoints on a job, for quota checks.
	CountActiveByJob(ctx context.Context, jobID string) (int, error)
	// GetEndpointCounts summarizes the endpoint population for a user. An
	// empty userID aggregates across all users (admin tooling).
	GetEndpointCounts(ctx context.Context, userID string) (*model.EndpointCounts, error)

	// ClaimDueEndpoints atomically selects and leases up to BatchSize due
	// endpoints, ordered by next_run_at then id. Contention never blocks the
	// caller: when claim locks cannot be acquired promptly the batch is empty.
	ClaimDueEndpoints(ctx context.Context, p ClaimDueParams) ([]*model.Endpoint, error)
	// ClaimEndpoint leases one specific endpoint regardless of its fire time.
	// Returns a conflict error if another worker holds the lease.
	ClaimEndpoint(ctx context.Context, p ClaimOneParams) (*model.Endpoint, error)
	// ExtendLease pushes the lease deadline out for an endpoint this owner
	// holds. Returns false if the lease was lost.
	ExtendLease(ctx context.Context, p ExtendLeaseParams) (bool, error)
	// ReleaseLease clears a lease this owner holds without touching schedule
	// state, for abandoning a claim before any run state was written. Returns
	// false if the lease was already lost.
	ReleaseLease(ctx context.Context, endpointID, owner string) (bool, error)
	// UpdateAfterRun commits the post-run decision: next fire time, failure
	// count, hint clears, pause, run source, lease release. One transaction.
	UpdateAfterRun(ctx context.Context, p UpdateAfterRunParams) error
	// ReleaseExpiredLeases clears leases whose deadline passed without a
	// finalizing write, making crashed workers' endpoints claimable again.
	ReleaseExpiredLeases(ctx context.Context, now time.Time, batchSize int) (int64, error)
	// NextDueAt returns the earliest unleased fire time at or after now, or
	// nil when nothing is scheduled. Drives the runner's adaptive sleep.
	NextDueAt(ctx context.Context, now time.Time) (*time.Time, error)
	// WaitForNotification blocks until an endpoint write signals new work or
	// the context ends.
	WaitForNotification(ctx context.Context) error

	// WriteAIHint replaces the endpoint's hint block wholesale (latest wins).
	WriteAIHint(ctx context.Context, id string, hint *model.AIHint) (bool, error)
	// ClearAIHints nulls all hint fields.
	ClearAIHints(ctx context.Context, id string) (bool, error)
	// ClearExpiredHints nulls hint blocks whose expiry passed, batchwise.
	ClearExpiredHints(ctx context.Context, now time.Time, batchSize int) (int64, error)
	// SetNextRunAtIfEarlier pulls the fire time earlier, never later.
	SetNextRunAtIfEarlier(ctx context.Context, id string, at time.Time) (bool, error)
	SetPausedUntil(ctx context.Context, id string, until *time.Time) (bool, error)
	ResetFailureCount(ctx context.Context, id string) (bool, error)
}

// CreateRunParams groups parameters for RunRepository.Create. Rows are created
// provisionally failed with a pending source; Finish and UpdateAfterRun
// rewrite them.
type CreateRunParams struct {
	EndpointID string
	Attempt    int
	StartedAt  time.Time
}

// FinishRunParams groups parameters for RunRepository.Finish.
type FinishRunParams struct {
	RunID      string
	Outcome    model.Outcome
	FinishedAt time.Time
}

// SeriesParams groups parameters for time-series queries.
type SeriesParams struct {
	UserID      string
	JobID       *string
	EndpointID  *string
	Since       time.Time
	Until       time.Time
	Granularity model.SeriesGranularity
}

// DeleteOldRunsParams groups parameters for retention sweeps over runs.
type DeleteOldRunsParams struct {
	MaxAge    time.Duration
	BatchSize int
}

// RunRepository defines the interface for run lifecycle and history data operations.
type RunRepository interface {
	Create(ctx context.Context, p CreateRunParams) (*model.Run, error)
	// Finish finalizes a provisional run with the dispatch outcome. Returns
	// false if the run no longer exists.
	Finish(ctx context.Context, p FinishRunParams) (bool, error)
	GetRunDetails(ctx context.Context, id string) (*model.Run, error)
	List(ctx context.Context, filters *model.RunListFilters) (*model.RunPage, error)
	// GetHealthSummary condenses outcomes over the trailing window, including
	// the current consecutive-failure streak.
	GetHealthSummary(ctx context.Context, endpointID string, window time.Duration) (*model.HealthSummary, error)
	GetLatestResponse(ctx context.Context, endpointID string) (*model.ResponseSnapshot, error)
	GetResponseHistory(ctx context.Context, endpointID string, limit int) ([]*model.ResponseSnapshot, error)
	// GetSiblingLatestResponses returns the newest response of every other
	// endpoint in the same job, for cross-endpoint planner context.
	GetSiblingLatestResponses(ctx context.Context, jobID, excludeEndpointID string) ([]*model.ResponseSnapshot, error)
	GetFilteredMetrics(ctx context.Context, filters *model.MetricFilters) (*model.FilteredMetrics, error)
	GetRunTimeSeries(ctx context.Context, p SeriesParams) ([]model.RunSeriesPoint, error)
	GetEndpointTimeSeries(ctx context.Context, p SeriesParams) ([]model.EndpointSeriesPoint, error)
	// CleanupZombieRuns finalizes provisional runs whose endpoint lease
	// expired without a finishing write, marking them timed out.
	CleanupZombieRuns(ctx context.Context, now time.Time, batchSize int) (int64, error)
	// DeleteOldRuns removes finalized runs older than MaxAge, batchwise.
	DeleteOldRuns(ctx context.Context, p DeleteOldRunsParams) (int64, error)
}

// ListSessionsParams groups parameters for SessionRepository.ListByEndpoint.
type ListSessionsParams struct {
	EndpointID string
	Limit      int
	Offset     int
}

// SessionRepository defines the interface for planner analysis session data
// operations. Sessions are append-only.
type SessionRepository interface {
	Create(ctx context.Context, req *model.CreateSessionRequest) (*model.AnalysisSession, error)
	ListByEndpoint(ctx context.Context, p ListSessionsParams) ([]*model.AnalysisSession, error)
	GetLatest(ctx context.Context, endpointID string) (*model.AnalysisSession, error)
	TimeSeries(ctx context.Context, p SeriesParams) ([]model.SessionSeriesPoint, error)
	DeleteOldSessions(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}

// ReaperRepository defines the interface for periodic cleanup operations.
type ReaperRepository interface {
	// CleanupZombieRuns finalizes runs orphaned by crashed workers.
	CleanupZombieRuns(ctx context.Context, now time.Time, batchSize int) (int64, error)

	// CountDueEndpoints reports how many endpoints are currently claimable,
	// for queue depth sampling.
	CountDueEndpoints(ctx context.Context, now time.Time) (int64, error)

	// ReleaseExpiredLeases frees endpoints whose lease deadline passed.
	ReleaseExpiredLeases(ctx context.Context, now time.Time, batchSize int) (int64, error)

	// ClearExpiredHints nulls AI hint blocks past their expiry.
	ClearExpiredHints(ctx context.Context, now time.Time, batchSize int) (int64, error)

	// DeleteOldRuns removes finalized runs older than MaxAge.
	DeleteOldRuns(ctx context.Context, p DeleteOldRunsParams) (int64, error)

	// DeleteOldSessions removes analysis sessions older than maxAge.
	DeleteOldSessions(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}
