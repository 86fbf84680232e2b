package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/weskerllc/cronicorn/internal/core"
	"github.com/weskerllc/cronicorn/internal/data/pgxutil"
	"github.com/weskerllc/cronicorn/internal/domain/model"
)

// claimLockTimeout bounds how long a claim transaction waits on row locks.
// Hitting it yields an empty batch instead of stalling the tick loop.
const claimLockTimeout = "500ms"

// SQL used by ClaimDueEndpoints to atomically select and lease due endpoints.
// Ordering is strict (next_run_at, then id) so concurrent workers drain the
// backlog oldest-first; SKIP LOCKED keeps them from colliding on the same rows.
const claimDueSQL = `
  WITH due AS (
    SELECT id FROM job_endpoints
    WHERE archived_at IS NULL
      AND next_run_at <= $1
      AND (paused_until IS NULL OR paused_until <= $1)
      AND (leased_until IS NULL OR leased_until <= $1)
    ORDER BY next_run_at ASC, id ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
  )
  UPDATE job_endpoints e
  SET
    leased_until = $3,
    lease_owner = $4,
    updated_at = $5
  FROM due
  WHERE e.id = due.id
  RETURNING e.id, e.job_id, e.tenant_id, e.name, e.description, e.baseline_cron, e.baseline_interval_ms, e.min_interval_ms, e.max_interval_ms, e.url, e.method, e.headers_json, e.body_json, e.timeout_ms, e.max_execution_time_ms, e.max_response_size_kb, e.next_run_at, e.last_run_at, e.failure_count, e.leased_until, e.lease_owner, e.ai_hint_interval_ms, e.ai_hint_next_run_at, e.ai_hint_expires_at, e.ai_hint_reason, e.paused_until, e.archived_at, e.created_at, e.updated_at`

// ClaimDueEndpoints atomically selects and leases up to BatchSize due endpoints.
// Return semantics:
//   - (endpoints, nil): claimed batch, possibly empty when nothing is due
//   - (nil, nil): claim locks could not be acquired within the lock timeout;
//     the caller retries on its next tick
//   - (nil, err): the claim failed
func (r *EndpointRepo) ClaimDueEndpoints(ctx context.Context, p core.ClaimDueParams) ([]*model.Endpoint, error) {
	if p.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", p.BatchSize)
	}
	if p.Lease <= 0 {
		return nil, fmt.Errorf("lease duration must be positive, got %s", p.Lease)
	}
	if strings.TrimSpace(p.Owner) == "" {
		return nil, errors.New("lease owner is required")
	}

	now := p.Now.UTC()
	leasedUntil := now.Add(p.Lease)

	var endpoints []*model.Endpoint
	err := pgxutil.WithPgxTx(ctx, r.DB, nil, func(tx pgx.Tx) error {
		if _, execErr := tx.Exec(ctx, "SET LOCAL lock_timeout = '"+claimLockTimeout+"'"); execErr != nil {
			return fmt.Errorf("set lock timeout: %w", execErr)
		}

		rows, queryErr := tx.Query(ctx, claimDueSQL, now, p.BatchSize, leasedUntil, p.Owner, now)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		collected, collectErr := r.collectEndpoints(rows)
		if collectErr != nil {
			return collectErr
		}
		endpoints = collected
		return nil
	})
	if err != nil {
		if isLockTimeout(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim due endpoints: %w", err)
	}

	return endpoints, nil
}

// isLockTimeout reports whether err is the server-side lock_timeout firing.
func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.LockNotAvailable
}

// ClaimEndpoint leases one specific endpoint regardless of its fire time,
// used for manual triggers. Returns ErrEndpointLeased when another worker
// holds an unexpired lease, ErrEndpointArchived or ErrEndpointNotFound otherwise.
func (r *EndpointRepo) ClaimEndpoint(ctx context.Context, p core.ClaimOneParams) (*model.Endpoint, error) {
	if p.Lease <= 0 {
		return nil, fmt.Errorf("lease duration must be positive, got %s", p.Lease)
	}

	now := p.Now.UTC()
	query := `
		UPDATE job_endpoints
		SET leased_until = $2,
		    lease_owner = $3,
		    updated_at = $4
		WHERE id = $1
		  AND archived_at IS NULL
		  AND (leased_until IS NULL OR leased_until <= $4)
		RETURNING ` + endpointColumns

	var endpoint *model.Endpoint
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, query, p.EndpointID, now.Add(p.Lease), p.Owner, now)
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
	if err == nil {
		return endpoint, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim endpoint: %w", err)
	}

	// No row matched; re-check to report why.
	existing, getErr := r.GetByID(ctx, p.EndpointID)
	if getErr != nil {
		return nil, getErr
	}
	if existing.Archived() {
		return nil, ErrEndpointArchived
	}
	if existing.Leased(now) {
		return nil, ErrEndpointLeased
	}
	return nil, errors.New("unexpected state: endpoint is claimable but claim matched no row")
}

// ExtendLease pushes the lease deadline out for an endpoint this owner holds.
// Returns false when the lease was lost to expiry or another owner.
func (r *EndpointRepo) ExtendLease(ctx context.Context, p core.ExtendLeaseParams) (bool, error) {
	if p.Until.IsZero() {
		return false, errors.New("lease deadline is required")
	}

	currentTime := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_endpoints
		SET leased_until = $3,
		    updated_at = $4
		WHERE id = $1
		  AND lease_owner = $2
		  AND leased_until IS NOT NULL
	`, p.EndpointID, p.Owner, p.Until.UTC(), currentTime)
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ReleaseLease clears the lease on an endpoint this owner still holds,
// leaving schedule state untouched. Used when a claim is abandoned before
// any run state was written, so the endpoint is claimable again immediately.
func (r *EndpointRepo) ReleaseLease(ctx context.Context, endpointID, owner string) (bool, error) {
	if strings.TrimSpace(endpointID) == "" {
		return false, errors.New("endpoint id is required")
	}
	if strings.TrimSpace(owner) == "" {
		return false, errors.New("lease owner is required")
	}

	currentTime := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_endpoints
		SET leased_until = NULL,
		    lease_owner = NULL,
		    updated_at = $3
		WHERE id = $1
		  AND lease_owner = $2
	`, endpointID, owner, currentTime)
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// UpdateAfterRun commits the governor's verdict in one transaction: endpoint
// schedule state, hint clears, run source rewrite, and lease release either
// all land or none do.
func (r *EndpointRepo) UpdateAfterRun(ctx context.Context, p core.UpdateAfterRunParams) error {
	if strings.TrimSpace(p.EndpointID) == "" {
		return errors.New("endpoint id is required")
	}

	d := p.Decision
	err := pgxutil.WithPgxTx(ctx, r.DB, nil, func(tx pgx.Tx) error {
		currentTime := r.timeProvider.Now().UTC()

		clauses := []string{
			"next_run_at = $2",
			"failure_count = $3",
			"last_run_at = $4",
			"leased_until = NULL",
			"lease_owner = NULL",
			"updated_at = $5",
		}
		args := []any{p.EndpointID, d.NextRunAt.UTC(), d.FailureCount, p.LastRunAt.UTC(), currentTime}

		if d.PausedUntil != nil {
			clauses = append(clauses, fmt.Sprintf("paused_until = $%d", len(args)+1))
			args = append(args, d.PausedUntil.UTC())
		}
		if d.ClearHints.Expired {
			clauses = append(clauses,
				"ai_hint_interval_ms = NULL",
				"ai_hint_next_run_at = NULL",
				"ai_hint_expires_at = NULL",
				"ai_hint_reason = NULL",
			)
		} else if d.ClearHints.OneShot {
			clauses = append(clauses, "ai_hint_next_run_at = NULL")
		}

		var queryBuilder strings.Builder
		queryBuilder.WriteString("UPDATE job_endpoints SET ")
		queryBuilder.WriteString(strings.Join(clauses, ", "))
		queryBuilder.WriteString(" WHERE id = $1")

		ct, execErr := tx.Exec(ctx, queryBuilder.String(), args...)
		if execErr != nil {
			return fmt.Errorf("update endpoint schedule: %w", execErr)
		}
		if ct.RowsAffected() == 0 {
			return ErrEndpointNotFound
		}

		if p.RunID == "" || !d.Source.Valid() {
			return nil
		}
		if _, execErr := tx.Exec(ctx, `
			UPDATE runs
			SET source = $2
			WHERE id = $1
		`, p.RunID, string(d.Source)); execErr != nil {
			return fmt.Errorf("rewrite run source: %w", execErr)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrEndpointNotFound) {
			return ErrEndpointNotFound
		}
		return fmt.Errorf("update after run: %w", err)
	}
	return nil
}

// ReleaseExpiredLeases frees endpoints whose lease deadline passed without a
// finalizing write. Processes up to batchSize rows per call and uses an
// advisory lock so concurrent sweepers don't conflict.
func (r *EndpointRepo) ReleaseExpiredLeases(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, nil, func(tx *sql.Tx) error {
		var locked bool
		if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockSweepMajor, advisoryLockSweepLeases).Scan(&locked); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !locked {
			rowsAffected = 0
			return nil
		}

		currentTime := r.timeProvider.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE job_endpoints
			SET leased_until = NULL,
			    lease_owner = NULL,
			    updated_at = $1
			WHERE id IN (
				SELECT id FROM job_endpoints
				WHERE leased_until IS NOT NULL
				  AND leased_until <= $2
				ORDER BY leased_until
				LIMIT $3
			)
		`, currentTime, now.UTC(), batchSize)
		if err != nil {
			return fmt.Errorf("release expired leases: %w", err)
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

// NextDueAt returns the earliest claimable fire time, or nil when no endpoint
// is scheduled. The result may be in the past when work is overdue.
func (r *EndpointRepo) NextDueAt(ctx context.Context, now time.Time) (*time.Time, error) {
	var next sql.NullTime
	err := withRetry(ctx, r.logger, "endpoints.next_due_at", func() error {
		return r.DB.QueryRowContext(ctx, `
			SELECT min(next_run_at)
			FROM job_endpoints
			WHERE archived_at IS NULL
			  AND (paused_until IS NULL OR paused_until <= $1)
			  AND (leased_until IS NULL OR leased_until <= $1)
		`, now.UTC()).Scan(&next)
	})
	if err != nil {
		return nil, fmt.Errorf("next due at: %w", err)
	}
	if !next.Valid {
		return nil, nil
	}
	t := next.Time.UTC()
	return &t, nil
}

// CountDueEndpoints reports how many endpoints are claimable at the given
// instant: due, unleased, not paused, not archived. The reaper samples this
// as a queue depth gauge.
func (r *EndpointRepo) CountDueEndpoints(ctx context.Context, now time.Time) (int64, error) {
	var depth int64
	err := withRetry(ctx, r.logger, "endpoints.count_due", func() error {
		return r.DB.QueryRowContext(ctx, `
			SELECT count(*)
			FROM job_endpoints
			WHERE archived_at IS NULL
			  AND next_run_at <= $1
			  AND (paused_until IS NULL OR paused_until <= $1)
			  AND (leased_until IS NULL OR leased_until <= $1)
		`, now.UTC()).Scan(&depth)
	})
	if err != nil {
		return 0, fmt.Errorf("count due endpoints: %w", err)
	}
	return depth, nil
}

// WaitForNotification waits for a PostgreSQL notification indicating an
// endpoint's schedule changed.
func (r *EndpointRepo) WaitForNotification(ctx context.Context) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	quoted := pgx.Identifier{endpointNotifyChannel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", endpointNotifyChannel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}
