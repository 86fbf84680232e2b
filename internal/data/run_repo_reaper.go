package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/weskerllc/cronicorn/internal/core"
	"github.com/weskerllc/cronicorn/internal/data/pgxutil"
	"github.com/weskerllc/cronicorn/internal/domain/model"
)

// Advisory lock namespace for sweep operations.
// Using two-arg pg_try_advisory_xact_lock(major, minor) for proper namespacing.
// Major key 1000 is reserved for cronicorn sweep operations.
const (
	advisoryLockSweepMajor          = 1000
	advisoryLockSweepZombies        = 1 // minor key for CleanupZombieRuns
	advisoryLockSweepLeases         = 2 // minor key for ReleaseExpiredLeases
	advisoryLockSweepHints          = 3 // minor key for ClearExpiredHints
	advisoryLockSweepDeleteRuns     = 4 // minor key for DeleteOldRuns
	advisoryLockSweepDeleteSessions = 5 // minor key for DeleteOldSessions
)

// CleanupZombieRuns finalizes provisional runs whose endpoint lease expired
// before the worker wrote an outcome. Such rows can only come from a crashed
// or partitioned worker, so they are reconciled as timeouts.
// Processes up to batchSize runs per call to prevent long locks and I/O spikes.
// Uses advisory locks to prevent concurrent sweep instances from conflicting.
// Returns the number of runs reconciled.
func (r *RunRepo) CleanupZombieRuns(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		return 0, errors.New("batch size must be positive")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, nil, func(tx *sql.Tx) error {
		var locked bool
		if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockSweepMajor, advisoryLockSweepZombies).Scan(&locked); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !locked {
			rowsAffected = 0
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE runs
			SET status = 'timeout',
				finished_at = $1,
				error_message = $2
			WHERE id IN (
				SELECT r.id FROM runs r
				JOIN job_endpoints e ON e.id = r.endpoint_id
				WHERE r.finished_at IS NULL
				  AND (e.leased_until IS NULL OR e.leased_until <= $3)
				ORDER BY r.started_at
				LIMIT $4
			)
		`, now.UTC(), model.ZombieErrorMessage, now.UTC(), batchSize)
		if err != nil {
			return fmt.Errorf("cleanup zombie runs: %w", err)
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

// DeleteOldRuns deletes finalized runs older than MaxAge. Provisional rows are
// left for the zombie sweep to reconcile first.
// Processes up to BatchSize runs per call to prevent long locks and I/O spikes.
// Uses advisory locks to prevent concurrent sweep instances from conflicting.
// Returns the number of runs deleted.
func (r *RunRepo) DeleteOldRuns(ctx context.Context, p core.DeleteOldRunsParams) (int64, error) {
	if p.MaxAge <= 0 {
		return 0, errors.New("max age must be positive")
	}
	if p.BatchSize <= 0 {
		return 0, errors.New("batch size must be positive")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, nil, func(tx *sql.Tx) error {
		var locked bool
		if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockSweepMajor, advisoryLockSweepDeleteRuns).Scan(&locked); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !locked {
			rowsAffected = 0
			return nil
		}

		cutoffTime := r.timeProvider.Now().Add(-p.MaxAge)

		res, err := tx.ExecContext(ctx, `
			DELETE FROM runs
			WHERE id IN (
				SELECT id FROM runs
				WHERE finished_at IS NOT NULL
				  AND started_at < $1
				ORDER BY started_at
				LIMIT $2
			)
		`, cutoffTime.UTC(), p.BatchSize)
		if err != nil {
			return fmt.Errorf("delete old runs: %w", err)
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
