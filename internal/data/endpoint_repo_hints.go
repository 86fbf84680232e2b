package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/weskerllc/cronicorn/internal/data/pgxutil"
	"github.com/weskerllc/cronicorn/internal/domain/model"
)

// WriteAIHint replaces the endpoint's hint block wholesale; the latest hint
// wins. Returns false when the endpoint does not exist or is archived.
func (r *EndpointRepo) WriteAIHint(ctx context.Context, id string, hint *model.AIHint) (bool, error) {
	if hint == nil {
		return false, errors.New("hint is required")
	}
	if err := hint.Validate(); err != nil {
		return false, err
	}

	var updated bool
	err := pgxutil.WithPgxTx(ctx, r.DB, nil, func(tx pgx.Tx) error {
		currentTime := r.timeProvider.Now().UTC()
		ct, execErr := tx.Exec(ctx, `
			UPDATE job_endpoints
			SET ai_hint_interval_ms = $2,
			    ai_hint_next_run_at = $3,
			    ai_hint_expires_at = $4,
			    ai_hint_reason = $5,
			    updated_at = $6
			WHERE id = $1 AND archived_at IS NULL
		`, id, hint.IntervalMs, nullableTime(hint.NextRunAt), hint.ExpiresAt.UTC(), hint.Reason, currentTime)
		if execErr != nil {
			return fmt.Errorf("write hint: %w", execErr)
		}
		if ct.RowsAffected() == 0 {
			return nil
		}
		updated = true
		return notifyScheduleChanged(ctx, tx, id)
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

// ClearAIHints nulls the endpoint's whole hint block.
func (r *EndpointRepo) ClearAIHints(ctx context.Context, id string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_endpoints
		SET ai_hint_interval_ms = NULL,
		    ai_hint_next_run_at = NULL,
		    ai_hint_expires_at = NULL,
		    ai_hint_reason = NULL,
		    updated_at = $2
		WHERE id = $1 AND archived_at IS NULL
	`, id, currentTime)
	if err != nil {
		return false, fmt.Errorf("clear hints: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ClearExpiredHints nulls hint blocks whose expiry passed, batchwise. Uses an
// advisory lock so concurrent sweepers don't conflict.
func (r *EndpointRepo) ClearExpiredHints(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, nil, func(tx *sql.Tx) error {
		var locked bool
		if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockSweepMajor, advisoryLockSweepHints).Scan(&locked); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !locked {
			rowsAffected = 0
			return nil
		}

		currentTime := r.timeProvider.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE job_endpoints
			SET ai_hint_interval_ms = NULL,
			    ai_hint_next_run_at = NULL,
			    ai_hint_expires_at = NULL,
			    ai_hint_reason = NULL,
			    updated_at = $1
			WHERE id IN (
				SELECT id FROM job_endpoints
				WHERE ai_hint_expires_at IS NOT NULL
				  AND ai_hint_expires_at <= $2
				ORDER BY ai_hint_expires_at
				LIMIT $3
			)
		`, currentTime, now.UTC(), batchSize)
		if err != nil {
			return fmt.Errorf("clear expired hints: %w", err)
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

// SetNextRunAtIfEarlier pulls the endpoint's fire time earlier, never later.
// Returns false when the endpoint is missing, archived, or already due sooner.
func (r *EndpointRepo) SetNextRunAtIfEarlier(ctx context.Context, id string, at time.Time) (bool, error) {
	if at.IsZero() {
		return false, errors.New("fire time is required")
	}

	var updated bool
	err := pgxutil.WithPgxTx(ctx, r.DB, nil, func(tx pgx.Tx) error {
		currentTime := r.timeProvider.Now().UTC()
		ct, execErr := tx.Exec(ctx, `
			UPDATE job_endpoints
			SET next_run_at = $2,
			    updated_at = $3
			WHERE id = $1
			  AND archived_at IS NULL
			  AND next_run_at > $2
		`, id, at.UTC(), currentTime)
		if execErr != nil {
			return fmt.Errorf("set next run at: %w", execErr)
		}
		if ct.RowsAffected() == 0 {
			return nil
		}
		updated = true
		return notifyScheduleChanged(ctx, tx, id)
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

// SetPausedUntil writes or clears the endpoint's pause window. A nil until
// resumes the endpoint; its fire time is untouched either way.
func (r *EndpointRepo) SetPausedUntil(ctx context.Context, id string, until *time.Time) (bool, error) {
	var updated bool
	err := pgxutil.WithPgxTx(ctx, r.DB, nil, func(tx pgx.Tx) error {
		currentTime := r.timeProvider.Now().UTC()
		ct, execErr := tx.Exec(ctx, `
			UPDATE job_endpoints
			SET paused_until = $2,
			    updated_at = $3
			WHERE id = $1 AND archived_at IS NULL
		`, id, nullableTime(until), currentTime)
		if execErr != nil {
			return fmt.Errorf("set paused until: %w", execErr)
		}
		if ct.RowsAffected() == 0 {
			return nil
		}
		updated = true
		return notifyScheduleChanged(ctx, tx, id)
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

// ResetFailureCount zeroes the consecutive failure streak without touching
// the schedule.
func (r *EndpointRepo) ResetFailureCount(ctx context.Context, id string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_endpoints
		SET failure_count = 0,
		    updated_at = $2
		WHERE id = $1 AND archived_at IS NULL
	`, id, currentTime)
	if err != nil {
		return false, fmt.Errorf("reset failure count: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}
