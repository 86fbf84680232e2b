package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/weskerllc/cronicorn/internal/data/pgxutil"
	"github.com/weskerllc/cronicorn/internal/domain/model"
	apperrors "github.com/weskerllc/cronicorn/internal/errors"
)

// RepoConfig holds configuration options shared by the repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// clock returns the configured TimeProvider, falling back to the real clock.
func (c RepoConfig) clock() TimeProvider {
	if c.TimeProvider == nil {
		return &RealTimeProvider{}
	}
	return c.TimeProvider
}

// JobRepo provides database operations for job container management.
type JobRepo struct {
	DB           *sql.DB
	cfg          RepoConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo builds a JobRepo over db; cfg supplies the logger and clock.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	return &JobRepo{DB: db, cfg: cfg, timeProvider: cfg.clock(), logger: cfg.Logger}
}

const jobColumns = `
  id,
  user_id,
  name,
  description,
  status,
  archived_at,
  created_at,
  updated_at
`

// mapJobWriteErr translates the violations job writes are expected to hit
// into sentinel errors; anything else gets a generic code.
func mapJobWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobNotFound
	}
	if apperrors.IsUniqueViolation(err, "jobs_user_name_key") {
		return ErrJobNameExists
	}
	return apperrors.MapDBError(err)
}

// Create inserts a new job container owned by the given user.
func (r *JobRepo) Create(ctx context.Context, userID string, req *model.CreateJobRequest) (*model.Job, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var job model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, `
			INSERT INTO jobs (user_id, name, description)
			VALUES ($1, $2, $3)
			RETURNING `+jobColumns, userID, req.Name, req.Description)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()
		collected, collectErr := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Job])
		if collectErr != nil {
			return collectErr
		}
		job = collected
		return nil
	})
	if err != nil {
		mapped := mapJobWriteErr(err)
		if errors.Is(mapped, ErrJobNameExists) {
			return nil, mapped
		}
		return nil, fmt.Errorf("create job: %w", mapped)
	}

	return &job, nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	err := withRetry(ctx, r.logger, "jobs.get", func() error {
		return pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
			rows, queryErr := conn.Query(ctx, `
				SELECT `+jobColumns+`
				FROM jobs
				WHERE id = $1
			`, id)
			if queryErr != nil {
				return queryErr
			}
			defer rows.Close()
			collected, collectErr := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Job])
			if collectErr != nil {
				return collectErr
			}
			job = collected
			return nil
		})
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// ListByUser returns the user's jobs, newest first.
func (r *JobRepo) ListByUser(ctx context.Context, userID string, includeArchived bool) ([]*model.Job, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}

	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE user_id = $1
	`
	if !includeArchived {
		query += ` AND archived_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	var jobs []*model.Job
	if err := withRetry(ctx, r.logger, "jobs.list_by_user", func() error {
		return pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
			rows, queryErr := conn.Query(ctx, query, userID)
			if queryErr != nil {
				return fmt.Errorf("query jobs by user: %w", queryErr)
			}
			defer rows.Close()

			collected, collectErr := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Job])
			if collectErr != nil {
				return fmt.Errorf("collect jobs: %w", collectErr)
			}
			jobs = collected
			return nil
		})
	}); err != nil {
		return nil, err
	}

	return jobs, nil
}

// Update modifies a job's name or description.
func (r *JobRepo) Update(ctx context.Context, id string, req *model.UpdateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("update job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	setParts := make([]string, 0, 3)
	args := make([]any, 0, 3)
	argIdx := 1

	if req.Name != nil {
		setParts = append(setParts, fmt.Sprintf("name = $%d", argIdx))
		args = append(args, *req.Name)
		argIdx++
	}
	if req.Description != nil {
		setParts = append(setParts, fmt.Sprintf("description = $%d", argIdx))
		args = append(args, *req.Description)
		argIdx++
	}
	if len(setParts) == 0 {
		return nil, errors.New("no fields to update")
	}

	setParts = append(setParts, "updated_at = now()")
	args = append(args, id)
	query := "UPDATE jobs SET " + strings.Join(setParts, ", ") +
		fmt.Sprintf(" WHERE id = $%d AND archived_at IS NULL RETURNING ", argIdx) + jobColumns

	var job model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, query, args...)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()
		collected, collectErr := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Job])
		if collectErr != nil {
			return collectErr
		}
		job = collected
		return nil
	})
	if err != nil {
		mapped := mapJobWriteErr(err)
		if errors.Is(mapped, ErrJobNotFound) || errors.Is(mapped, ErrJobNameExists) {
			return nil, mapped
		}
		return nil, fmt.Errorf("update job: %w", mapped)
	}

	return &job, nil
}

// SetStatus transitions a job between active and paused.
func (r *JobRepo) SetStatus(ctx context.Context, id string, status model.JobStatus) (*model.Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid job status: %s", status)
	}
	if status == model.JobStatusArchived {
		return nil, errors.New("use Archive to archive a job")
	}

	var job model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, `
			UPDATE jobs
			SET status = $2,
			    updated_at = now()
			WHERE id = $1 AND archived_at IS NULL
			RETURNING `+jobColumns, id, string(status))
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()
		collected, collectErr := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Job])
		if collectErr != nil {
			return collectErr
		}
		job = collected
		return nil
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("set job status: %w", err)
	}
	return &job, nil
}

// Archive soft-deletes a job and all of its endpoints in one transaction.
// Endpoint fire times are pinned far in the future and leases dropped so
// nothing archived ever surfaces in a due scan.
func (r *JobRepo) Archive(ctx context.Context, id string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()

	var archived bool
	err := pgxutil.WithPgxTx(ctx, r.DB, nil, func(tx pgx.Tx) error {
		ct, execErr := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'archived',
			    archived_at = $2,
			    updated_at = $2
			WHERE id = $1 AND archived_at IS NULL
		`, id, currentTime)
		if execErr != nil {
			return fmt.Errorf("archive job: %w", execErr)
		}
		if ct.RowsAffected() == 0 {
			return nil
		}
		archived = true

		if _, execErr := tx.Exec(ctx, `
			UPDATE job_endpoints
			SET archived_at = $2,
			    next_run_at = $3,
			    leased_until = NULL,
			    lease_owner = NULL,
			    paused_until = NULL,
			    updated_at = $2
			WHERE job_id = $1 AND archived_at IS NULL
		`, id, currentTime, model.FarFuture); execErr != nil {
			return fmt.Errorf("archive job endpoints: %w", execErr)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return archived, nil
}

// CountByUser counts non-archived jobs owned by the user.
func (r *JobRepo) CountByUser(ctx context.Context, userID string) (int, error) {
	var n int
	row := r.DB.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM jobs
		WHERE user_id = $1 AND archived_at IS NULL
	`, userID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs by user: %w", err)
	}
	return n, nil
}
