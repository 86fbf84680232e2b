package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/weskerllc/cronicorn/internal/core"
	"github.com/weskerllc/cronicorn/internal/data/pgxutil"
	"github.com/weskerllc/cronicorn/internal/domain/model"
)

const responseSnapshotColumns = `
  r.id AS run_id,
  r.endpoint_id,
  e.name AS endpoint_name,
  r.status,
  r.status_code,
  r.started_at,
  r.response_body AS body
`

// GetHealthSummary condenses finalized outcomes over the trailing window. The
// failure streak counts finalized non-success runs since the last success and
// is deliberately not window-bounded, so a long outage is visible even when
// the window holds only failures.
func (r *RunRepo) GetHealthSummary(ctx context.Context, endpointID string, window time.Duration) (*model.HealthSummary, error) {
	if endpointID == "" {
		return nil, errors.New("endpoint id is required")
	}
	if window <= 0 {
		return nil, errors.New("window must be positive")
	}
	since := r.timeProvider.Now().UTC().Add(-window)

	summary := &model.HealthSummary{}
	var lastRun sql.NullTime
	row := r.DB.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'success') AS success_count,
			count(*) FILTER (WHERE status <> 'success') AS failure_count,
			COALESCE(avg(duration_ms), 0) AS avg_duration_ms,
			max(started_at) AS last_run
		FROM runs
		WHERE endpoint_id = $1
		  AND started_at >= $2
		  AND finished_at IS NOT NULL
	`, endpointID, since)
	if err := row.Scan(&summary.SuccessCount, &summary.FailureCount, &summary.AvgDurationMs, &lastRun); err != nil {
		return nil, fmt.Errorf("health summary aggregates: %w", err)
	}
	if lastRun.Valid {
		t := lastRun.Time.UTC()
		summary.LastRun = &t
	}

	row = r.DB.QueryRowContext(ctx, `
		SELECT count(*)
		FROM runs
		WHERE endpoint_id = $1
		  AND finished_at IS NOT NULL
		  AND status <> 'success'
		  AND started_at > COALESCE((
			SELECT max(started_at)
			FROM runs
			WHERE endpoint_id = $1
			  AND finished_at IS NOT NULL
			  AND status = 'success'
		  ), '-infinity'::timestamptz)
	`, endpointID)
	if err := row.Scan(&summary.FailureStreak); err != nil {
		return nil, fmt.Errorf("health summary streak: %w", err)
	}

	return summary, nil
}

// GetLatestResponse returns the newest finalized response for the endpoint,
// or nil when it has never completed a run.
func (r *RunRepo) GetLatestResponse(ctx context.Context, endpointID string) (*model.ResponseSnapshot, error) {
	if endpointID == "" {
		return nil, errors.New("endpoint id is required")
	}

	var snap model.ResponseSnapshot
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, `
			SELECT `+responseSnapshotColumns+`
			FROM runs r
			JOIN job_endpoints e ON e.id = r.endpoint_id
			WHERE r.endpoint_id = $1 AND r.finished_at IS NOT NULL
			ORDER BY r.started_at DESC, r.id DESC
			LIMIT 1
		`, endpointID)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()
		collected, collectErr := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.ResponseSnapshot])
		if collectErr != nil {
			return collectErr
		}
		snap = collected
		return nil
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest response: %w", err)
	}
	return &snap, nil
}

// GetResponseHistory returns recent finalized responses for the endpoint,
// newest first.
func (r *RunRepo) GetResponseHistory(ctx context.Context, endpointID string, limit int) ([]*model.ResponseSnapshot, error) {
	if endpointID == "" {
		return nil, errors.New("endpoint id is required")
	}
	if limit <= 0 {
		limit = 10 // Default limit
	}
	if limit > 100 {
		limit = 100 // Max limit, bodies are heavy
	}

	var snaps []*model.ResponseSnapshot
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, `
			SELECT `+responseSnapshotColumns+`
			FROM runs r
			JOIN job_endpoints e ON e.id = r.endpoint_id
			WHERE r.endpoint_id = $1 AND r.finished_at IS NOT NULL
			ORDER BY r.started_at DESC, r.id DESC
			LIMIT $2
		`, endpointID, limit)
		if queryErr != nil {
			return fmt.Errorf("query response history: %w", queryErr)
		}
		defer rows.Close()

		collected, collectErr := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.ResponseSnapshot])
		if collectErr != nil {
			return fmt.Errorf("collect response history: %w", collectErr)
		}
		snaps = collected
		return nil
	}); err != nil {
		return nil, err
	}

	return snaps, nil
}

// GetSiblingLatestResponses returns the newest finalized response of every
// other live endpoint in the job, one row per endpoint.
func (r *RunRepo) GetSiblingLatestResponses(ctx context.Context, jobID, excludeEndpointID string) ([]*model.ResponseSnapshot, error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}

	var snaps []*model.ResponseSnapshot
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, `
			SELECT DISTINCT ON (r.endpoint_id) `+responseSnapshotColumns+`
			FROM runs r
			JOIN job_endpoints e ON e.id = r.endpoint_id
			WHERE e.job_id = $1
			  AND r.endpoint_id <> $2
			  AND e.archived_at IS NULL
			  AND r.finished_at IS NOT NULL
			ORDER BY r.endpoint_id, r.started_at DESC, r.id DESC
		`, jobID, excludeEndpointID)
		if queryErr != nil {
			return fmt.Errorf("query sibling responses: %w", queryErr)
		}
		defer rows.Close()

		collected, collectErr := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.ResponseSnapshot])
		if collectErr != nil {
			return fmt.Errorf("collect sibling responses: %w", collectErr)
		}
		snaps = collected
		return nil
	}); err != nil {
		return nil, err
	}

	return snaps, nil
}

// GetFilteredMetrics aggregates finalized run outcomes over a window, with
// optional job and source narrowing.
func (r *RunRepo) GetFilteredMetrics(ctx context.Context, filters *model.MetricFilters) (*model.FilteredMetrics, error) {
	if filters == nil {
		return nil, errors.New("metric filters are required")
	}
	if filters.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if filters.Since.IsZero() || filters.Until.IsZero() {
		return nil, errors.New("since and until are required")
	}
	if !filters.Since.Before(filters.Until) {
		return nil, errors.New("since must be before until")
	}
	if filters.Source != nil && *filters.Source != "" && !filters.Source.Valid() {
		return nil, fmt.Errorf("invalid run source filter: %q", *filters.Source)
	}

	b := &runFilterQueryBuilder{
		where:  "WHERE j.user_id = $1 AND r.started_at >= $2 AND r.started_at < $3 AND r.finished_at IS NOT NULL",
		args:   []any{filters.UserID, filters.Since.UTC(), filters.Until.UTC()},
		argIdx: 4,
	}
	if filters.JobID != nil && *filters.JobID != "" {
		b.addFilter("e.job_id", "=", *filters.JobID)
	}
	if filters.Source != nil && *filters.Source != "" {
		b.addFilter("r.source", "=", string(*filters.Source))
	}

	query := `
		SELECT
			count(*) AS total_runs,
			count(*) FILTER (WHERE r.status = 'success') AS success_count,
			count(*) FILTER (WHERE r.status <> 'success') AS failure_count,
			COALESCE(avg(r.duration_ms), 0) AS avg_duration_ms,
			COALESCE(percentile_cont(0.5) WITHIN GROUP (ORDER BY r.duration_ms), 0) AS p50_duration_ms,
			COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY r.duration_ms), 0) AS p95_duration_ms
		FROM runs r
		JOIN job_endpoints e ON e.id = r.endpoint_id
		JOIN jobs j ON j.id = e.job_id
		` + b.where

	metrics := &model.FilteredMetrics{}
	row := r.DB.QueryRowContext(ctx, query, b.args...)
	if err := row.Scan(
		&metrics.TotalRuns,
		&metrics.SuccessCount,
		&metrics.FailureCount,
		&metrics.AvgDurationMs,
		&metrics.P50DurationMs,
		&metrics.P95DurationMs,
	); err != nil {
		return nil, fmt.Errorf("filtered metrics: %w", err)
	}

	return metrics, nil
}

// buildRunSeriesWhere validates series params and constructs the WHERE clause
// shared by the run series queries. The granularity becomes the first arg so
// date_trunc can take it positionally.
func buildRunSeriesWhere(p core.SeriesParams) (string, []any, error) {
	if p.UserID == "" {
		return "", nil, errors.New("user id is required")
	}
	if p.Since.IsZero() || p.Until.IsZero() {
		return "", nil, errors.New("since and until are required")
	}
	if !p.Since.Before(p.Until) {
		return "", nil, errors.New("since must be before until")
	}
	if !p.Granularity.Valid() {
		return "", nil, fmt.Errorf("invalid series granularity: %s", p.Granularity)
	}

	b := &runFilterQueryBuilder{
		where:  "WHERE j.user_id = $2 AND r.started_at >= $3 AND r.started_at < $4 AND r.finished_at IS NOT NULL",
		args:   []any{string(p.Granularity), p.UserID, p.Since.UTC(), p.Until.UTC()},
		argIdx: 5,
	}
	if p.JobID != nil && *p.JobID != "" {
		b.addFilter("e.job_id", "=", *p.JobID)
	}
	if p.EndpointID != nil && *p.EndpointID != "" {
		b.addFilter("r.endpoint_id", "=", *p.EndpointID)
	}

	return b.where, b.args, nil
}

// GetRunTimeSeries buckets finalized run counts by the requested granularity.
// Buckets with no runs are absent; zero-filling is the caller's concern.
func (r *RunRepo) GetRunTimeSeries(ctx context.Context, p core.SeriesParams) ([]model.RunSeriesPoint, error) {
	where, args, err := buildRunSeriesWhere(p)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT
			date_trunc($1, r.started_at) AS bucket,
			count(*) FILTER (WHERE r.status = 'success') AS success,
			count(*) FILTER (WHERE r.status <> 'success') AS failure
		FROM runs r
		JOIN job_endpoints e ON e.id = r.endpoint_id
		JOIN jobs j ON j.id = e.job_id
		` + where + `
		GROUP BY bucket
		ORDER BY bucket ASC
	`

	var points []model.RunSeriesPoint
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, query, args...)
		if queryErr != nil {
			return fmt.Errorf("query run series: %w", queryErr)
		}
		defer rows.Close()

		collected, collectErr := pgx.CollectRows(rows, pgx.RowToStructByName[model.RunSeriesPoint])
		if collectErr != nil {
			return fmt.Errorf("collect run series: %w", collectErr)
		}
		points = collected
		return nil
	}); err != nil {
		return nil, err
	}

	return points, nil
}

// GetEndpointTimeSeries buckets finalized run counts and cumulative duration
// per endpoint, for the per-endpoint load breakdown.
func (r *RunRepo) GetEndpointTimeSeries(ctx context.Context, p core.SeriesParams) ([]model.EndpointSeriesPoint, error) {
	where, args, err := buildRunSeriesWhere(p)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT
			date_trunc($1, r.started_at) AS bucket,
			r.endpoint_id,
			e.name AS endpoint_name,
			count(*) FILTER (WHERE r.status = 'success') AS success,
			count(*) FILTER (WHERE r.status <> 'success') AS failure,
			COALESCE(sum(r.duration_ms), 0)::bigint AS total_duration_ms
		FROM runs r
		JOIN job_endpoints e ON e.id = r.endpoint_id
		JOIN jobs j ON j.id = e.job_id
		` + where + `
		GROUP BY bucket, r.endpoint_id, e.name
		ORDER BY bucket ASC, e.name ASC, r.endpoint_id ASC
	`

	var points []model.EndpointSeriesPoint
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, query, args...)
		if queryErr != nil {
			return fmt.Errorf("query endpoint series: %w", queryErr)
		}
		defer rows.Close()

		collected, collectErr := pgx.CollectRows(rows, pgx.RowToStructByName[model.EndpointSeriesPoint])
		if collectErr != nil {
			return fmt.Errorf("collect endpoint series: %w", collectErr)
		}
		points = collected
		return nil
	}); err != nil {
		return nil, err
	}

	return points, nil
}
