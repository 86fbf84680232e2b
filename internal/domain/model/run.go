package model

import (
	"encoding/json"
	"time"
)

// RunStatus represents the final state of one dispatch attempt.
type RunStatus string

const (
	// RunStatusSuccess indicates the dispatch returned a 2xx status.
	RunStatusSuccess RunStatus = "success"
	// RunStatusFailed indicates a non-2xx response or a network error. Freshly
	// created runs carry this status provisionally until finalized.
	RunStatusFailed RunStatus = "failed"
	// RunStatusTimeout indicates the dispatch exceeded its deadline, or the run
	// was reconciled as a zombie after a worker crash.
	RunStatusTimeout RunStatus = "timeout"
)

// Valid returns true if the RunStatus is valid.
func (s RunStatus) Valid() bool {
	return s == RunStatusSuccess || s == RunStatusFailed || s == RunStatusTimeout
}

// RunSource labels which scheduling rule chose a run's fire time.
type RunSource string

const (
	SourceBaselineInterval RunSource = "baseline-interval"
	SourceBaselineCron     RunSource = "baseline-cron"
	SourceAIInterval       RunSource = "ai-interval"
	SourceAIOneShot        RunSource = "ai-oneshot"
	SourceClampedMin       RunSource = "clamped-min"
	SourceClampedMax       RunSource = "clamped-max"
	SourceManual           RunSource = "manual"

	// SourcePending is the provisional label on a run row between creation and
	// the post-run write that records the governor's decision.
	SourcePending RunSource = "pending"
)

// Valid returns true if the RunSource is one of the persisted labels.
func (s RunSource) Valid() bool {
	switch s {
	case SourceBaselineInterval, SourceBaselineCron, SourceAIInterval,
		SourceAIOneShot, SourceClampedMin, SourceClampedMax, SourceManual, SourcePending:
		return true
	default:
		return false
	}
}

// AI reports whether the source originated from a planner hint, including the
// clamped promotions.
func (s RunSource) AI() bool {
	return s == SourceAIInterval || s == SourceAIOneShot || s == SourceClampedMin || s == SourceClampedMax
}

// Run is one dispatch attempt with its outcome. Rows are created immediately
// before dispatch with a provisional failed status and never mutated after
// finalization.
type Run struct {
	ID           string          `json:"id"                       db:"id"`
	EndpointID   string          `json:"endpoint_id"              db:"endpoint_id"`
	Status       RunStatus       `json:"status"                   db:"status"`
	Attempt      int             `json:"attempt"                  db:"attempt"`
	Source       RunSource       `json:"source"                   db:"source"`
	StartedAt    time.Time       `json:"started_at"               db:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"    db:"finished_at"`
	DurationMs   *int64          `json:"duration_ms,omitempty"    db:"duration_ms"`
	StatusCode   *int            `json:"status_code,omitempty"    db:"status_code"`
	ErrorMessage *string         `json:"error_message,omitempty"  db:"error_message"`
	ResponseBody json.RawMessage `json:"response_body,omitempty"  db:"response_body"`
}

// OutcomeKind discriminates the dispatcher's result variants.
type OutcomeKind string

const (
	// OutcomeSuccess covers status codes in [200, 300).
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeHTTPFailure covers any response outside [200, 300).
	OutcomeHTTPFailure OutcomeKind = "http_failure"
	// OutcomeTimeout covers deadline expiry.
	OutcomeTimeout OutcomeKind = "timeout"
	// OutcomeNetworkFailure covers every other dispatch error.
	OutcomeNetworkFailure OutcomeKind = "network_failure"
)

// Outcome is the dispatcher's verdict on one attempt. Dispatch never errors;
// every failure mode is a variant here.
type Outcome struct {
	Kind          OutcomeKind     `json:"-"`
	StatusCode    *int            `json:"status_code,omitempty"`
	DurationMs    int64           `json:"duration_ms"`
	Body          json.RawMessage `json:"body,omitempty"`
	BodyTruncated bool            `json:"body_truncated,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
}

// Success reports whether the outcome counts as a success for the governor.
func (o Outcome) Success() bool {
	return o.Kind == OutcomeSuccess
}

// RunStatusFor maps the outcome to the run status persisted on finalization.
func (o Outcome) RunStatusFor() RunStatus {
	switch o.Kind {
	case OutcomeSuccess:
		return RunStatusSuccess
	case OutcomeTimeout:
		return RunStatusTimeout
	default:
		return RunStatusFailed
	}
}

// RunListFilters narrows a run listing. UserID is mandatory; everything else is
// optional. Limit and Offset page the result.
type RunListFilters struct {
	UserID     string     `json:"user_id"`
	EndpointID *string    `json:"endpoint_id,omitempty"`
	JobID      *string    `json:"job_id,omitempty"`
	Status     *RunStatus `json:"status,omitempty"`
	Source     *RunSource `json:"source,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Until      *time.Time `json:"until,omitempty"`
	Limit      int        `json:"limit"`
	Offset     int        `json:"offset"`
}

// RunPage is one page of runs plus the total matching the filters.
type RunPage struct {
	Runs  []*Run `json:"runs"`
	Total int    `json:"total"`
}

// HealthSummary condenses an endpoint's recent behavior for the planner.
type HealthSummary struct {
	SuccessCount  int        `json:"success_count"`
	FailureCount  int        `json:"failure_count"`
	AvgDurationMs float64    `json:"avg_duration_ms"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	FailureStreak int        `json:"failure_streak"`
}

// ResponseSnapshot is one captured response body with its run context, the
// planner-facing read unit.
type ResponseSnapshot struct {
	RunID        string          `json:"run_id"        db:"run_id"`
	EndpointID   string          `json:"endpoint_id"   db:"endpoint_id"`
	EndpointName string          `json:"endpoint_name" db:"endpoint_name"`
	Status       RunStatus       `json:"status"        db:"status"`
	StatusCode   *int            `json:"status_code,omitempty" db:"status_code"`
	StartedAt    time.Time       `json:"started_at"    db:"started_at"`
	Body         json.RawMessage `json:"body,omitempty" db:"body"`
}

// MetricFilters narrows aggregate queries. Since and Until are mandatory.
type MetricFilters struct {
	UserID string     `json:"user_id"`
	JobID  *string    `json:"job_id,omitempty"`
	Source *RunSource `json:"source,omitempty"`
	Since  time.Time  `json:"since"`
	Until  time.Time  `json:"until"`
}

// FilteredMetrics aggregates run outcomes over a filtered window.
type FilteredMetrics struct {
	TotalRuns     int     `json:"total_runs"`
	SuccessCount  int     `json:"success_count"`
	FailureCount  int     `json:"failure_count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	P50DurationMs float64 `json:"p50_duration_ms"`
	P95DurationMs float64 `json:"p95_duration_ms"`
}

// SeriesGranularity selects the storage-level bucket width for time series.
type SeriesGranularity string

const (
	GranularityHour SeriesGranularity = "hour"
	GranularityDay  SeriesGranularity = "day"
)

// Valid returns true if the SeriesGranularity is supported by the storage layer.
func (g SeriesGranularity) Valid() bool {
	return g == GranularityHour || g == GranularityDay
}

// RunSeriesPoint is one storage-level bucket of run counts.
type RunSeriesPoint struct {
	Bucket  time.Time `json:"bucket"  db:"bucket"`
	Success int       `json:"success" db:"success"`
	Failure int       `json:"failure" db:"failure"`
}

// EndpointSeriesPoint is one (bucket, endpoint) cell of run counts and load.
type EndpointSeriesPoint struct {
	Bucket          time.Time `json:"bucket"            db:"bucket"`
	EndpointID      string    `json:"endpoint_id"       db:"endpoint_id"`
	EndpointName    string    `json:"endpoint_name"     db:"endpoint_name"`
	Success         int       `json:"success"           db:"success"`
	Failure         int       `json:"failure"           db:"failure"`
	TotalDurationMs int64     `json:"total_duration_ms" db:"total_duration_ms"`
}

// SessionSeriesPoint is one bucket of planner session counts.
type SessionSeriesPoint struct {
	Bucket time.Time `json:"bucket" db:"bucket"`
	Count  int       `json:"count"  db:"count"`
}

// ZombieErrorMessage is the sentinel recorded on runs reconciled by the sweep.
const ZombieErrorMessage = "reconciled as timeout: worker lease expired before finalization"
