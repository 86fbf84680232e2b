package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/weskerllc/cronicorn/internal/core"
	"github.com/weskerllc/cronicorn/internal/data/cryptoutil"
	"github.com/weskerllc/cronicorn/internal/data/pgxutil"
	"github.com/weskerllc/cronicorn/internal/domain/model"
	apperrors "github.com/weskerllc/cronicorn/internal/errors"
)

// endpointNotifyChannel is the LISTEN/NOTIFY channel signaled whenever an
// endpoint's schedule state changes, so sleeping scheduler workers wake early.
const endpointNotifyChannel = "cronicorn_endpoints"

// EndpointRepo provides database operations for endpoint management,
// including the claim/lease protocol. Request headers are encrypted at rest.
type EndpointRepo struct {
	DB           *sql.DB
	enc          cryptoutil.Encryptor
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewEndpointRepo builds an EndpointRepo over db. A nil encryptor degrades to
// the noop codec, which keeps header values readable in dev databases.
func NewEndpointRepo(db *sql.DB, enc cryptoutil.Encryptor, cfg RepoConfig) *EndpointRepo {
	if enc == nil {
		enc = cryptoutil.NoopEncryptor{}
	}
	return &EndpointRepo{DB: db, enc: enc, timeProvider: cfg.clock(), logger: cfg.Logger}
}

const endpointColumns = `
  id,
  job_id,
  tenant_id,
  name,
  description,
  baseline_cron,
  baseline_interval_ms,
  min_interval_ms,
  max_interval_ms,
  url,
  method,
  headers_json,
  body_json,
  timeout_ms,
  max_execution_time_ms,
  max_response_size_kb,
  next_run_at,
  last_run_at,
  failure_count,
  leased_until,
  lease_owner,
  ai_hint_interval_ms,
  ai_hint_next_run_at,
  ai_hint_expires_at,
  ai_hint_reason,
  paused_until,
  archived_at,
  created_at,
  updated_at
`

// endpointRow matches the job_endpoints schema exactly so pgx.RowToStructByName works.
// Headers stay ciphertext here; decryption happens in toModel.
type endpointRow struct {
	ID                 string         `db:"id"`
	JobID              string         `db:"job_id"`
	TenantID           string         `db:"tenant_id"`
	Name               string         `db:"name"`
	Description        sql.NullString `db:"description"`
	BaselineCron       sql.NullString `db:"baseline_cron"`
	BaselineIntervalMs sql.NullInt64  `db:"baseline_interval_ms"`
	MinIntervalMs      sql.NullInt64  `db:"min_interval_ms"`
	MaxIntervalMs      sql.NullInt64  `db:"max_interval_ms"`
	URL                string         `db:"url"`
	Method             string         `db:"method"`
	HeadersCipher      sql.NullString `db:"headers_json"`
	Body               []byte         `db:"body_json"`
	TimeoutMs          sql.NullInt64  `db:"timeout_ms"`
	MaxExecutionTimeMs sql.NullInt64  `db:"max_execution_time_ms"`
	MaxResponseSizeKb  sql.NullInt64  `db:"max_response_size_kb"`
	NextRunAt          time.Time      `db:"next_run_at"`
	LastRunAt          sql.NullTime   `db:"last_run_at"`
	FailureCount       int            `db:"failure_count"`
	LeasedUntil        sql.NullTime   `db:"leased_until"`
	LeaseOwner         sql.NullString `db:"lease_owner"`
	AIHintIntervalMs   sql.NullInt64  `db:"ai_hint_interval_ms"`
	AIHintNextRunAt    sql.NullTime   `db:"ai_hint_next_run_at"`
	AIHintExpiresAt    sql.NullTime   `db:"ai_hint_expires_at"`
	AIHintReason       sql.NullString `db:"ai_hint_reason"`
	PausedUntil        sql.NullTime   `db:"paused_until"`
	ArchivedAt         sql.NullTime   `db:"archived_at"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

// toModel converts an endpointRow to model.Endpoint, decrypting headers.
func (r *EndpointRepo) toModel(row *endpointRow) (*model.Endpoint, error) {
	if row == nil {
		return nil, errors.New("endpoint row is required")
	}

	headers, err := r.decryptHeaders(row.HeadersCipher)
	if err != nil {
		return nil, err
	}

	e := &model.Endpoint{
		ID:                 row.ID,
		JobID:              row.JobID,
		TenantID:           row.TenantID,
		Name:               row.Name,
		Description:        cloneNullableString(row.Description),
		BaselineCron:       cloneNullableString(row.BaselineCron),
		BaselineIntervalMs: cloneNullableInt64(row.BaselineIntervalMs),
		MinIntervalMs:      cloneNullableInt64(row.MinIntervalMs),
		MaxIntervalMs:      cloneNullableInt64(row.MaxIntervalMs),
		URL:                row.URL,
		Method:             model.HTTPMethod(row.Method),
		Headers:            headers,
		Body:               cloneJSON(row.Body),
		TimeoutMs:          cloneNullableInt64(row.TimeoutMs),
		MaxExecutionTimeMs: cloneNullableInt64(row.MaxExecutionTimeMs),
		MaxResponseSizeKb:  cloneNullableInt64(row.MaxResponseSizeKb),
		NextRunAt:          row.NextRunAt.UTC(),
		LastRunAt:          cloneNullableTime(row.LastRunAt),
		FailureCount:       row.FailureCount,
		LeasedUntil:        cloneNullableTime(row.LeasedUntil),
		LeaseOwner:         cloneNullableString(row.LeaseOwner),
		AIHintIntervalMs:   cloneNullableInt64(row.AIHintIntervalMs),
		AIHintNextRunAt:    cloneNullableTime(row.AIHintNextRunAt),
		AIHintExpiresAt:    cloneNullableTime(row.AIHintExpiresAt),
		AIHintReason:       cloneNullableString(row.AIHintReason),
		PausedUntil:        cloneNullableTime(row.PausedUntil),
		ArchivedAt:         cloneNullableTime(row.ArchivedAt),
		CreatedAt:          row.CreatedAt.UTC(),
		UpdatedAt:          row.UpdatedAt.UTC(),
	}
	return e, nil
}

// collectEndpoints converts pgx rows into endpoints, decrypting each one.
func (r *EndpointRepo) collectEndpoints(rows pgx.Rows) ([]*model.Endpoint, error) {
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[endpointRow])
	if err != nil {
		return nil, fmt.Errorf("collect endpoint rows: %w", err)
	}

	endpoints := make([]*model.Endpoint, 0, len(collected))
	for i := range collected {
		e, convErr := r.toModel(&collected[i])
		if convErr != nil {
			return nil, convErr
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, nil
}

// collectOneEndpoint converts exactly one pgx row into an endpoint.
func (r *EndpointRepo) collectOneEndpoint(rows pgx.Rows) (*model.Endpoint, error) {
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[endpointRow])
	if err != nil {
		return nil, err
	}
	return r.toModel(&row)
}

func (r *EndpointRepo) decryptHeaders(cipher sql.NullString) (map[string]string, error) {
	if !cipher.Valid || cipher.String == "" {
		return nil, nil
	}

	pt, err := r.enc.Decrypt(cipher.String)
	if err != nil {
		return nil, fmt.Errorf("decrypt endpoint headers: %w", err)
	}

	var headers map[string]string
	if err := json.Unmarshal(pt, &headers); err != nil {
		return nil, fmt.Errorf("decode endpoint headers: %w", err)
	}
	return headers, nil
}

// encryptHeaders serializes and encrypts a header map. An empty map yields
// nil, stored as NULL.
func (r *EndpointRepo) encryptHeaders(headers map[string]string) (*string, error) {
	if len(headers) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("encode endpoint headers: %w", err)
	}
	cipher, err := r.enc.Encrypt(raw)
	if err != nil {
		return nil, fmt.Errorf("encrypt endpoint headers: %w", err)
	}
	return &cipher, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableInt64(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// notifyScheduleChanged signals listeners within the surrounding transaction
// so the wakeup fires only if the write commits.
func notifyScheduleChanged(ctx context.Context, tx pgx.Tx, endpointID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, endpointNotifyChannel, endpointID); err != nil {
		return fmt.Errorf("send endpoint notification: %w", err)
	}
	return nil
}

// Create inserts a new endpoint and signals schedule listeners.
func (r *EndpointRepo) Create(ctx context.Context, p core.CreateEndpointParams) (*model.Endpoint, error) {
	if p.Req == nil {
		return nil, errors.New("create endpoint request is required")
	}
	if err := p.Req.Validate(); err != nil {
		return nil, err
	}
	if p.NextRunAt.IsZero() {
		return nil, errors.New("initial fire time is required")
	}

	cipher, err := r.encryptHeaders(p.Req.Headers)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO job_endpoints (
			job_id, tenant_id, name, description,
			baseline_cron, baseline_interval_ms, min_interval_ms, max_interval_ms,
			url, method, headers_json, body_json,
			timeout_ms, max_execution_time_ms, max_response_size_kb,
			next_run_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING ` + endpointColumns

	args := []any{
		p.JobID,
		p.TenantID,
		p.Req.Name,
		p.Req.Description,
		p.Req.BaselineCron,
		p.Req.BaselineIntervalMs,
		p.Req.MinIntervalMs,
		p.Req.MaxIntervalMs,
		p.Req.URL,
		string(p.Req.Method),
		cipher,
		[]byte(p.Req.Body),
		p.Req.TimeoutMs,
		p.Req.MaxExecutionTimeMs,
		p.Req.MaxResponseSizeKb,
		p.NextRunAt.UTC(),
	}

	var endpoint *model.Endpoint
	txErr := pgxutil.WithPgxTx(ctx, r.DB, nil, func(tx pgx.Tx) error {
		rows, queryErr := tx.Query(ctx, query, args...)
		if queryErr != nil {
			return fmt.Errorf("insert endpoint: %w", queryErr)
		}
		collected, collectErr := r.collectOneEndpointClose(rows)
		if collectErr != nil {
			return fmt.Errorf("collect endpoint: %w", collectErr)
		}
		endpoint = collected
		return notifyScheduleChanged(ctx, tx, endpoint.ID)
	})
	if txErr != nil {
		// The owning job can be deleted between the service's ownership check
		// and this insert; the mapped error carries the foreign_key code.
		return nil, apperrors.MapDBError(txErr)
	}

	return endpoint, nil
}

// collectOneEndpointClose drains and closes rows around collectOneEndpoint.
func (r *EndpointRepo) collectOneEndpointClose(rows pgx.Rows) (*model.Endpoint, error) {
	defer rows.Close()
	return r.collectOneEndpoint(rows)
}

// GetByID retrieves an endpoint by its ID.
func (r *EndpointRepo) GetByID(ctx context.Context, id string) (*model.Endpoint, error) {
	var endpoint *model.Endpoint
	err := withRetry(ctx, r.logger, "endpoints.get", func() error {
		return pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
			rows, queryErr := conn.Query(ctx, `
				SELECT `+endpointColumns+`
				FROM job_endpoints
				WHERE id = $1
			`, id)
			if queryErr != nil {
				return queryErr
			}
			defer rows.Close()
			collected, collectErr := r.collectOneEndpoint(rows)
			if collectErr != nil {
				return collectErr
			}
			endpoint = collected
			return nil
		})
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEndpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	return endpoint, nil
}

// ListByJob returns the endpoints of a job in creation order.
func (r *EndpointRepo) ListByJob(ctx context.Context, jobID string, includeArchived bool) ([]*model.Endpoint, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, errors.New("job id is required")
	}

	query := `
		SELECT ` + endpointColumns + `
		FROM job_endpoints
		WHERE job_id = $1
	`
	if !includeArchived {
		query += ` AND archived_at IS NULL`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	var endpoints []*model.Endpoint
	if err := withRetry(ctx, r.logger, "endpoints.list_by_job", func() error {
		return pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
			rows, queryErr := conn.Query(ctx, query, jobID)
			if queryErr != nil {
				return fmt.Errorf("query endpoints by job: %w", queryErr)
			}
			defer rows.Close()

			collected, collectErr := r.collectEndpoints(rows)
			if collectErr != nil {
				return collectErr
			}
			endpoints = collected
			return nil
		})
	}); err != nil {
		return nil, err
	}

	return endpoints, nil
}

// buildEndpointUpdateSQL constructs the UPDATE statement for an endpoint.
func buildEndpointUpdateSQL(id string, p core.UpdateEndpointParams, cipher *string, headersSet bool) (string, []any, error) {
	req := p.Req
	setParts := make([]string, 0, 16)
	args := make([]any, 0, 16)
	argIdx := 1

	addSet := func(column string, value any) {
		setParts = append(setParts, fmt.Sprintf("%s = $%d", column, argIdx))
		args = append(args, value)
		argIdx++
	}

	if req.Name != nil {
		addSet("name", *req.Name)
	}
	if req.Description != nil {
		addSet("description", *req.Description)
	}
	if req.ChangesBaseline() {
		// Baselines replace as a pair: setting one form clears the other.
		addSet("baseline_cron", req.BaselineCron)
		addSet("baseline_interval_ms", req.BaselineIntervalMs)
	}
	if req.MinIntervalMs != nil {
		addSet("min_interval_ms", *req.MinIntervalMs)
	}
	if req.MaxIntervalMs != nil {
		addSet("max_interval_ms", *req.MaxIntervalMs)
	}
	if req.URL != nil {
		addSet("url", *req.URL)
	}
	if req.Method != nil {
		addSet("method", string(*req.Method))
	}
	if headersSet {
		addSet("headers_json", cipher)
	}
	if len(req.Body) > 0 {
		addSet("body_json", []byte(req.Body))
	}
	if req.TimeoutMs != nil {
		addSet("timeout_ms", *req.TimeoutMs)
	}
	if req.MaxExecutionTimeMs != nil {
		addSet("max_execution_time_ms", *req.MaxExecutionTimeMs)
	}
	if req.MaxResponseSizeKb != nil {
		addSet("max_response_size_kb", *req.MaxResponseSizeKb)
	}
	if p.NextRunAt != nil {
		addSet("next_run_at", p.NextRunAt.UTC())
	}

	if len(setParts) == 0 {
		return "", nil, errors.New("no fields to update")
	}

	setParts = append(setParts, "updated_at = now()")
	args = append(args, id)
	query := "UPDATE job_endpoints SET " + strings.Join(setParts, ", ") +
		fmt.Sprintf(" WHERE id = $%d AND archived_at IS NULL RETURNING ", argIdx) + endpointColumns
	return query, args, nil
}

// Update modifies an endpoint's definition. When the update replaces the
// baseline cadence the caller supplies the recomputed fire time.
func (r *EndpointRepo) Update(ctx context.Context, id string, p core.UpdateEndpointParams) (*model.Endpoint, error) {
	if p.Req == nil {
		return nil, errors.New("update endpoint request is required")
	}
	if err := p.Req.Validate(); err != nil {
		return nil, err
	}

	var cipher *string
	headersSet := p.Req.Headers != nil
	if headersSet && len(p.Req.Headers) > 0 {
		c, err := r.encryptHeaders(p.Req.Headers)
		if err != nil {
			return nil, err
		}
		cipher = c
	}

	query, args, err := buildEndpointUpdateSQL(id, p, cipher, headersSet)
	if err != nil {
		return nil, err
	}

	var endpoint *model.Endpoint
	txErr := pgxutil.WithPgxTx(ctx, r.DB, nil, func(tx pgx.Tx) error {
		rows, queryErr := tx.Query(ctx, query, args...)
		if queryErr != nil {
			return queryErr
		}
		collected, collectErr := r.collectOneEndpointClose(rows)
		if collectErr != nil {
			return collectErr
		}
		endpoint = collected
		if p.NextRunAt == nil {
			return nil
		}
		return notifyScheduleChanged(ctx, tx, endpoint.ID)
	})

	if errors.Is(txErr, pgx.ErrNoRows) {
		return nil, ErrEndpointNotFound
	}
	if txErr != nil {
		return nil, fmt.Errorf("update endpoint: %w", txErr)
	}
	return endpoint, nil
}

// Archive soft-deletes an endpoint. The fire time is pinned far in the future
// and any held lease is dropped so the row never surfaces in a due scan.
func (r *EndpointRepo) Archive(ctx context.Context, id string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_endpoints
		SET archived_at = $2,
		    next_run_at = $3,
		    leased_until = NULL,
		    lease_owner = NULL,
		    paused_until = NULL,
		    updated_at = $2
		WHERE id = $1 AND archived_at IS NULL
	`, id, currentTime, model.FarFuture)
	if err != nil {
		return false, fmt.Errorf("archive endpoint: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// CountActiveByJob counts non-archived endpoints on a job.
func (r *EndpointRepo) CountActiveByJob(ctx context.Context, jobID string) (int, error) {
	var n int
	row := r.DB.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM job_endpoints
		WHERE job_id = $1 AND archived_at IS NULL
	`, jobID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count endpoints by job: %w", err)
	}
	return n, nil
}

// GetEndpointCounts summarizes the live endpoint population. An empty userID
// aggregates across all users.
func (r *EndpointRepo) GetEndpointCounts(ctx context.Context, userID string) (*model.EndpointCounts, error) {
	currentTime := r.timeProvider.Now().UTC()

	query := `
		SELECT
			count(*) AS total,
			count(*) FILTER (WHERE e.paused_until IS NOT NULL AND e.paused_until > $1) AS paused
		FROM job_endpoints e
	`
	args := []any{currentTime}
	if userID != "" {
		query += `
		JOIN jobs j ON j.id = e.job_id
		WHERE e.archived_at IS NULL AND j.user_id = $2`
		args = append(args, userID)
	} else {
		query += `
		WHERE e.archived_at IS NULL`
	}

	var counts model.EndpointCounts
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&counts.Total, &counts.Paused); err != nil {
		return nil, fmt.Errorf("get endpoint counts: %w", err)
	}
	counts.Active = counts.Total - counts.Paused
	return &counts, nil
}
