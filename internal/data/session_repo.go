package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/weskerllc/cronicorn/internal/core"
	"github.com/weskerllc/cronicorn/internal/data/pgxutil"
	"github.com/weskerllc/cronicorn/internal/domain/model"
	apperrors "github.com/weskerllc/cronicorn/internal/errors"
)

// SessionRepo provides database operations for planner analysis sessions.
// Sessions are append-only; there are no update paths.
type SessionRepo struct {
	DB           *sql.DB
	cfg          RepoConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewSessionRepo builds a SessionRepo over db; cfg supplies the logger and clock.
func NewSessionRepo(db *sql.DB, cfg RepoConfig) *SessionRepo {
	return &SessionRepo{DB: db, cfg: cfg, timeProvider: cfg.clock(), logger: cfg.Logger}
}

const sessionColumns = `
  id,
  endpoint_id,
  analyzed_at,
  reasoning,
  tool_calls,
  token_usage,
  duration_ms,
  next_analysis_at
`

// Create appends an analysis session for an endpoint.
func (r *SessionRepo) Create(ctx context.Context, req *model.CreateSessionRequest) (*model.AnalysisSession, error) {
	if req == nil {
		return nil, errors.New("create session request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	toolCalls := req.ToolCalls
	if toolCalls == nil {
		toolCalls = []model.ToolCall{}
	}
	toolCallsJSON, err := json.Marshal(toolCalls)
	if err != nil {
		return nil, fmt.Errorf("marshal tool calls: %w", err)
	}

	var tokenUsageJSON []byte
	if req.TokenUsage != nil {
		tokenUsageJSON, err = json.Marshal(req.TokenUsage)
		if err != nil {
			return nil, fmt.Errorf("marshal token usage: %w", err)
		}
	}

	var session model.AnalysisSession
	err = pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, `
			INSERT INTO ai_analysis_sessions
				(endpoint_id, analyzed_at, reasoning, tool_calls, token_usage, duration_ms, next_analysis_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+sessionColumns,
			req.EndpointID,
			req.AnalyzedAt.UTC(),
			req.Reasoning,
			toolCallsJSON,
			tokenUsageJSON,
			req.DurationMs,
			nullableTime(req.NextAnalysisAt))
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()
		collected, collectErr := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.AnalysisSession])
		if collectErr != nil {
			return collectErr
		}
		session = collected
		return nil
	})
	if err != nil {
		if apperrors.IsForeignKeyViolation(err, "ai_analysis_sessions_endpoint_id_fkey") {
			return nil, ErrEndpointNotFound
		}
		return nil, fmt.Errorf("create analysis session: %w", apperrors.MapDBError(err))
	}

	return &session, nil
}

// ListByEndpoint returns the endpoint's sessions, newest first.
func (r *SessionRepo) ListByEndpoint(ctx context.Context, p core.ListSessionsParams) ([]*model.AnalysisSession, error) {
	if p.EndpointID == "" {
		return nil, errors.New("endpoint id is required")
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 50 // Default limit
	}
	if limit > 1000 {
		limit = 1000 // Max limit
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}

	var sessions []*model.AnalysisSession
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, `
			SELECT `+sessionColumns+`
			FROM ai_analysis_sessions
			WHERE endpoint_id = $1
			ORDER BY analyzed_at DESC, id DESC
			LIMIT $2 OFFSET $3
		`, p.EndpointID, limit, offset)
		if queryErr != nil {
			return fmt.Errorf("query sessions: %w", queryErr)
		}
		defer rows.Close()

		collected, collectErr := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.AnalysisSession])
		if collectErr != nil {
			return fmt.Errorf("collect sessions: %w", collectErr)
		}
		sessions = collected
		return nil
	}); err != nil {
		return nil, err
	}

	return sessions, nil
}

// GetLatest retrieves the endpoint's most recent session.
func (r *SessionRepo) GetLatest(ctx context.Context, endpointID string) (*model.AnalysisSession, error) {
	if endpointID == "" {
		return nil, errors.New("endpoint id is required")
	}

	var session model.AnalysisSession
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, `
			SELECT `+sessionColumns+`
			FROM ai_analysis_sessions
			WHERE endpoint_id = $1
			ORDER BY analyzed_at DESC, id DESC
			LIMIT 1
		`, endpointID)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()
		collected, collectErr := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.AnalysisSession])
		if collectErr != nil {
			return collectErr
		}
		session = collected
		return nil
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest session: %w", err)
	}
	return &session, nil
}

// TimeSeries buckets session counts by the requested granularity.
func (r *SessionRepo) TimeSeries(ctx context.Context, p core.SeriesParams) ([]model.SessionSeriesPoint, error) {
	if p.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if p.Since.IsZero() || p.Until.IsZero() {
		return nil, errors.New("since and until are required")
	}
	if !p.Since.Before(p.Until) {
		return nil, errors.New("since must be before until")
	}
	if !p.Granularity.Valid() {
		return nil, fmt.Errorf("invalid series granularity: %s", p.Granularity)
	}

	b := &runFilterQueryBuilder{
		where:  "WHERE j.user_id = $2 AND s.analyzed_at >= $3 AND s.analyzed_at < $4",
		args:   []any{string(p.Granularity), p.UserID, p.Since.UTC(), p.Until.UTC()},
		argIdx: 5,
	}
	if p.JobID != nil && *p.JobID != "" {
		b.addFilter("e.job_id", "=", *p.JobID)
	}
	if p.EndpointID != nil && *p.EndpointID != "" {
		b.addFilter("s.endpoint_id", "=", *p.EndpointID)
	}

	query := `
		SELECT
			date_trunc($1, s.analyzed_at) AS bucket,
			count(*) AS count
		FROM ai_analysis_sessions s
		JOIN job_endpoints e ON e.id = s.endpoint_id
		JOIN jobs j ON j.id = e.job_id
		` + b.where + `
		GROUP BY bucket
		ORDER BY bucket ASC
	`

	var points []model.SessionSeriesPoint
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, query, b.args...)
		if queryErr != nil {
			return fmt.Errorf("query session series: %w", queryErr)
		}
		defer rows.Close()

		collected, collectErr := pgx.CollectRows(rows, pgx.RowToStructByName[model.SessionSeriesPoint])
		if collectErr != nil {
			return fmt.Errorf("collect session series: %w", collectErr)
		}
		points = collected
		return nil
	}); err != nil {
		return nil, err
	}

	return points, nil
}

// DeleteOldSessions deletes sessions older than maxAge.
// Processes up to batchSize sessions per call to prevent long locks and I/O spikes.
// Uses advisory locks to prevent concurrent sweep instances from conflicting.
// Returns the number of sessions deleted.
func (r *SessionRepo) DeleteOldSessions(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if maxAge <= 0 {
		return 0, errors.New("max age must be positive")
	}
	if batchSize <= 0 {
		return 0, errors.New("batch size must be positive")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, nil, func(tx *sql.Tx) error {
		var locked bool
		if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockSweepMajor, advisoryLockSweepDeleteSessions).Scan(&locked); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !locked {
			rowsAffected = 0
			return nil
		}

		cutoffTime := r.timeProvider.Now().Add(-maxAge)

		res, err := tx.ExecContext(ctx, `
			DELETE FROM ai_analysis_sessions
			WHERE id IN (
				SELECT id FROM ai_analysis_sessions
				WHERE analyzed_at < $1
				ORDER BY analyzed_at
				LIMIT $2
			)
		`, cutoffTime.UTC(), batchSize)
		if err != nil {
			return fmt.Errorf("delete old sessions: %w", err)
		}

		ra, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		rowsAffected = ra
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}
