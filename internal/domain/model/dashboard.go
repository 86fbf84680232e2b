package model

import (
	"errors"
	"time"
)

// TrendDirection labels how the success rate moved against the prior
// equal-length window.
type TrendDirection string

const (
	TrendUp     TrendDirection = "up"
	TrendDown   TrendDirection = "down"
	TrendStable TrendDirection = "stable"
)

// StatsWindow is the half-open [Start, End) interval a dashboard read covers.
type StatsWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate checks the window bounds.
func (w StatsWindow) Validate() error {
	if w.Start.IsZero() {
		return errors.New("window start is required")
	}
	if w.End.IsZero() {
		return errors.New("window end is required")
	}
	if !w.Start.Before(w.End) {
		return errors.New("window end must be after start")
	}
	return nil
}

// Span returns the window length.
func (w StatsWindow) Span() time.Duration {
	return w.End.Sub(w.Start)
}

// SeriesBucket is one zero-filled point of the overall run series.
type SeriesBucket struct {
	Label   string `json:"label"`
	Success int    `json:"success"`
	Failure int    `json:"failure"`
}

// EndpointSeriesBucket is one point of a per-endpoint series.
type EndpointSeriesBucket struct {
	Label           string `json:"label"`
	Success         int    `json:"success"`
	Failure         int    `json:"failure"`
	TotalDurationMs int64  `json:"total_duration_ms"`
}

// EndpointSeries is one endpoint's run series. Every endpoint in a stats
// payload carries the same bucket labels so stacked charts line up.
type EndpointSeries struct {
	EndpointID   string                 `json:"endpoint_id"`
	EndpointName string                 `json:"endpoint_name"`
	Buckets      []EndpointSeriesBucket `json:"buckets"`
}

// SessionBucket is one zero-filled point of the planner session series.
type SessionBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// DashboardStats is the aggregate payload behind the per-user dashboard.
type DashboardStats struct {
	JobCount       int              `json:"job_count"`
	EndpointCounts EndpointCounts   `json:"endpoint_counts"`
	SuccessLast24h int              `json:"success_last_24h"`
	FailureLast24h int              `json:"failure_last_24h"`
	Trend          TrendDirection   `json:"trend"`
	RunSeries      []SeriesBucket   `json:"run_series"`
	EndpointSeries []EndpointSeries `json:"endpoint_series"`
	SessionSeries  []SessionBucket  `json:"session_series"`
}
