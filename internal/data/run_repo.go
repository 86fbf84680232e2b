package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/weskerllc/cronicorn/internal/core"
	"github.com/weskerllc/cronicorn/internal/data/pgxutil"
	"github.com/weskerllc/cronicorn/internal/domain/model"
	apperrors "github.com/weskerllc/cronicorn/internal/errors"
)

// RunRepo provides database operations for run lifecycle and history.
type RunRepo struct {
	DB           *sql.DB
	cfg          RepoConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewRunRepo builds a RunRepo over db; cfg supplies the logger and clock.
func NewRunRepo(db *sql.DB, cfg RepoConfig) *RunRepo {
	return &RunRepo{DB: db, cfg: cfg, timeProvider: cfg.clock(), logger: cfg.Logger}
}

const runColumns = `
  id,
  endpoint_id,
  status,
  attempt,
  source,
  started_at,
  finished_at,
  duration_ms,
  status_code,
  error_message,
  response_body
`

// Create inserts a provisional run row immediately before dispatch. Status and
// source start at their schema defaults (failed, pending) so a worker crash
// leaves a row the zombie sweep can reconcile.
func (r *RunRepo) Create(ctx context.Context, p core.CreateRunParams) (*model.Run, error) {
	if p.EndpointID == "" {
		return nil, errors.New("endpoint id is required")
	}
	if p.StartedAt.IsZero() {
		return nil, errors.New("started at is required")
	}
	attempt := p.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	var run model.Run
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, `
			INSERT INTO runs (endpoint_id, attempt, started_at)
			VALUES ($1, $2, $3)
			RETURNING `+runColumns, p.EndpointID, attempt, p.StartedAt.UTC())
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()
		collected, collectErr := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Run])
		if collectErr != nil {
			return collectErr
		}
		run = collected
		return nil
	})
	if err != nil {
		// The endpoint can vanish between claim and insert when its job is
		// deleted; the mapped error carries the foreign_key code for that.
		return nil, fmt.Errorf("create run: %w", apperrors.MapDBError(err))
	}

	return &run, nil
}

// Finish finalizes a provisional run with the dispatch outcome. Finalized rows
// are never rewritten, so a run already finished (or reconciled by the zombie
// sweep) reports false.
func (r *RunRepo) Finish(ctx context.Context, p core.FinishRunParams) (bool, error) {
	if p.RunID == "" {
		return false, errors.New("run id is required")
	}
	if p.FinishedAt.IsZero() {
		return false, errors.New("finished at is required")
	}

	var body any
	if len(p.Outcome.Body) > 0 {
		body = []byte(p.Outcome.Body)
	}

	result, err := r.DB.ExecContext(ctx, `
		UPDATE runs
		SET status = $2,
		    finished_at = $3,
		    duration_ms = $4,
		    status_code = $5,
		    error_message = $6,
		    response_body = $7
		WHERE id = $1 AND finished_at IS NULL
	`, p.RunID,
		string(p.Outcome.RunStatusFor()),
		p.FinishedAt.UTC(),
		p.Outcome.DurationMs,
		p.Outcome.StatusCode,
		p.Outcome.ErrorMessage,
		body)
	if err != nil {
		return false, fmt.Errorf("finish run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish run rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// GetRunDetails retrieves a single run including its captured response body.
func (r *RunRepo) GetRunDetails(ctx context.Context, id string) (*model.Run, error) {
	var run model.Run
	err := withRetry(ctx, r.logger, "runs.get_details", func() error {
		return pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
			rows, queryErr := conn.Query(ctx, `
				SELECT `+runColumns+`
				FROM runs
				WHERE id = $1
			`, id)
			if queryErr != nil {
				return queryErr
			}
			defer rows.Close()
			collected, collectErr := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Run])
			if collectErr != nil {
				return collectErr
			}
			run = collected
			return nil
		})
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run details: %w", err)
	}
	return &run, nil
}

// runFilterQueryBuilder accumulates WHERE conditions with positional args.
type runFilterQueryBuilder struct {
	where  string
	args   []any
	argIdx int
}

func (b *runFilterQueryBuilder) addFilter(column, op string, value any) {
	b.where += fmt.Sprintf(" AND %s %s $%d", column, op, b.argIdx)
	b.args = append(b.args, value)
	b.argIdx++
}

// buildRunListWhere constructs the shared WHERE clause for the list and count
// queries. The caller joins runs r through job_endpoints e to jobs j, so
// ownership and job scoping resolve without denormalized columns.
func buildRunListWhere(filters *model.RunListFilters) (string, []any) {
	b := &runFilterQueryBuilder{
		where:  "WHERE j.user_id = $1",
		args:   []any{filters.UserID},
		argIdx: 2,
	}

	if filters.EndpointID != nil && *filters.EndpointID != "" {
		b.addFilter("r.endpoint_id", "=", *filters.EndpointID)
	}
	if filters.JobID != nil && *filters.JobID != "" {
		b.addFilter("e.job_id", "=", *filters.JobID)
	}
	if filters.Status != nil && *filters.Status != "" {
		b.addFilter("r.status", "=", string(*filters.Status))
	}
	if filters.Source != nil && *filters.Source != "" {
		b.addFilter("r.source", "=", string(*filters.Source))
	}
	if filters.Since != nil && !filters.Since.IsZero() {
		b.addFilter("r.started_at", ">=", filters.Since.UTC())
	}
	if filters.Until != nil && !filters.Until.IsZero() {
		b.addFilter("r.started_at", "<", filters.Until.UTC())
	}

	return b.where, b.args
}

// List returns one page of runs matching the filters plus the total count.
// Response bodies are omitted from list pages; use GetRunDetails for them.
func (r *RunRepo) List(ctx context.Context, filters *model.RunListFilters) (*model.RunPage, error) {
	if filters == nil {
		return nil, errors.New("run list filters are required")
	}
	if filters.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if filters.Status != nil && *filters.Status != "" && !filters.Status.Valid() {
		return nil, fmt.Errorf("invalid run status filter: %q", *filters.Status)
	}
	if filters.Source != nil && *filters.Source != "" && !filters.Source.Valid() {
		return nil, fmt.Errorf("invalid run source filter: %q", *filters.Source)
	}
	limit := filters.Limit
	if limit <= 0 {
		limit = 50 // Default limit
	}
	if limit > 1000 {
		limit = 1000 // Max limit
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	where, args := buildRunListWhere(filters)

	countQuery := `
		SELECT COUNT(*)
		FROM runs r
		JOIN job_endpoints e ON e.id = r.endpoint_id
		JOIN jobs j ON j.id = e.job_id
		` + where

	pageQuery := `
		SELECT
			r.id, r.endpoint_id, r.status, r.attempt, r.source,
			r.started_at, r.finished_at, r.duration_ms, r.status_code,
			r.error_message, NULL::jsonb AS response_body
		FROM runs r
		JOIN job_endpoints e ON e.id = r.endpoint_id
		JOIN jobs j ON j.id = e.job_id
		` + where + fmt.Sprintf(`
		ORDER BY r.started_at DESC, r.id DESC
		LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	pageArgs := append(append([]any{}, args...), limit, offset)

	page := &model.RunPage{Runs: []*model.Run{}}
	if err := withRetry(ctx, r.logger, "runs.list", func() error {
		return pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
			if scanErr := conn.QueryRow(ctx, countQuery, args...).Scan(&page.Total); scanErr != nil {
				return fmt.Errorf("count runs: %w", scanErr)
			}

			rows, queryErr := conn.Query(ctx, pageQuery, pageArgs...)
			if queryErr != nil {
				return fmt.Errorf("query runs: %w", queryErr)
			}
			defer rows.Close()

			collected, collectErr := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Run])
			if collectErr != nil {
				return fmt.Errorf("collect runs: %w", collectErr)
			}
			page.Runs = collected
			return nil
		})
	}); err != nil {
		return nil, err
	}

	return page, nil
}
