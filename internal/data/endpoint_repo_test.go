package data

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weskerllc/cronicorn/internal/core"
	"github.com/weskerllc/cronicorn/internal/domain/model"
	"github.com/weskerllc/cronicorn/internal/testutil"
)

// newEndpointFixture creates a job container to hang endpoints off of.
func newEndpointFixture(t *testing.T, db *sql.DB) (*JobRepo, *EndpointRepo, *model.Job) {
	t.Helper()
	jobRepo := NewJobRepo(db, RepoConfig{})
	endpointRepo := NewEndpointRepo(db, nil, RepoConfig{})
	job, err := jobRepo.Create(context.Background(), "user-1", &model.CreateJobRequest{Name: "order-pipeline"})
	require.NoError(t, err)
	return jobRepo, endpointRepo, job
}

func TestEndpointRepo_Create(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	now := time.Now().UTC().Truncate(time.Millisecond)

	tests := []struct {
		name    string
		params  func(jobID string) core.CreateEndpointParams
		wantErr bool
		errMsg  string
	}{
		{
			name: "interval endpoint with headers and body",
			params: func(jobID string) core.CreateEndpointParams {
				req := testutil.NewEndpointRequest().
					WithInterval(5 * time.Minute).
					WithHeaders(map[string]string{"Authorization": "Bearer sekrit"}).
					WithBodyString(`{"cursor": "latest"}`).
					Build()
				return core.CreateEndpointParams{JobID: jobID, TenantID: "user-1", Req: req, NextRunAt: now}
			},
		},
		{
			name: "cron endpoint",
			params: func(jobID string) core.CreateEndpointParams {
				return core.CreateEndpointParams{
					JobID:     jobID,
					TenantID:  "user-1",
					Req:       testutil.CronEndpointRequest("*/5 * * * *"),
					NextRunAt: now.Add(time.Minute),
				}
			},
		},
		{
			name: "clamped endpoint",
			params: func(jobID string) core.CreateEndpointParams {
				return core.CreateEndpointParams{
					JobID:     jobID,
					TenantID:  "user-1",
					Req:       testutil.ClampedEndpointRequest(time.Minute, 30*time.Second, 10*time.Minute),
					NextRunAt: now,
				}
			},
		},
		{
			name: "missing next run at",
			params: func(jobID string) core.CreateEndpointParams {
				return core.CreateEndpointParams{
					JobID:    jobID,
					TenantID: "user-1",
					Req:      testutil.IntervalEndpointRequest(time.Minute),
				}
			},
			wantErr: true,
			errMsg:  "next run at is required",
		},
		{
			name: "invalid request",
			params: func(jobID string) core.CreateEndpointParams {
				req := testutil.NewEndpointRequest().WithURL("").Build()
				return core.CreateEndpointParams{JobID: jobID, TenantID: "user-1", Req: req, NextRunAt: now}
			},
			wantErr: true,
			errMsg:  "url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.WithAutoDB(t, func(db *sql.DB) {
				_, endpointRepo, job := newEndpointFixture(t, db)

				p := tt.params(job.ID)
				ep, err := endpointRepo.Create(context.Background(), p)

				if tt.wantErr {
					require.Error(t, err)
					assert.Contains(t, err.Error(), tt.errMsg)
					assert.Nil(t, ep)
					return
				}

				require.NoError(t, err)
				require.NotNil(t, ep)

				assert.NotEmpty(t, ep.ID)
				assert.Equal(t, job.ID, ep.JobID)
				assert.Equal(t, "user-1", ep.TenantID)
				assert.Equal(t, p.Req.Name, ep.Name)
				assert.Equal(t, p.Req.URL, ep.URL)
				assert.True(t, ep.NextRunAt.Equal(p.NextRunAt))
				assert.Equal(t, 0, ep.FailureCount)
				assert.Nil(t, ep.LeasedUntil)
				assert.Nil(t, ep.ArchivedAt)
				if p.Req.Headers != nil {
					assert.Equal(t, p.Req.Headers, ep.Headers)
				}
				if p.Req.Body != nil {
					assert.JSONEq(t, string(p.Req.Body), string(ep.Body))
				}
				if p.Req.MinIntervalMs != nil {
					require.NotNil(t, ep.MinIntervalMs)
					assert.Equal(t, *p.Req.MinIntervalMs, *ep.MinIntervalMs)
				}
				if p.Req.MaxIntervalMs != nil {
					require.NotNil(t, ep.MaxIntervalMs)
					assert.Equal(t, *p.Req.MaxIntervalMs, *ep.MaxIntervalMs)
				}
			})
		})
	}
}

func TestEndpointRepo_HeadersStoredEncrypted(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		_, endpointRepo, job := newEndpointFixture(t, db)
		ctx := context.Background()

		req := testutil.NewEndpointRequest().
			WithHeaders(map[string]string{"Authorization": "Bearer super-secret-token"}).
			Build()
		ep, err := endpointRepo.Create(ctx, core.CreateEndpointParams{
			JobID:     job.ID,
			TenantID:  "user-1",
			Req:       req,
			NextRunAt: time.Now().UTC(),
		})
		require.NoError(t, err)

		// The stored column holds ciphertext, never the raw header values.
		var cipher string
		err = db.QueryRowContext(ctx, "SELECT headers_json FROM job_endpoints WHERE id = $1", ep.ID).Scan(&cipher)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(cipher, "noop:"))
		assert.NotContains(t, cipher, "super-secret-token")

		// Reads decrypt transparently.
		got, err := endpointRepo.GetByID(ctx, ep.ID)
		require.NoError(t, err)
		assert.Equal(t, "Bearer super-secret-token", got.Headers["Authorization"])
	})
}

func TestEndpointRepo_GetByID_NotFound(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewEndpointRepo(db, nil, RepoConfig{})
		_, err := repo.GetByID(context.Background(), "00000000-0000-0000-0000-000000000000")
		require.ErrorIs(t, err, ErrEndpointNotFound)
	})
}

func TestEndpointRepo_ListByJob(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		_, endpointRepo, job := newEndpointFixture(t, db)
		ctx := context.Background()
		now := time.Now().UTC()

		names := []string{"first", "second", "third"}
		var lastID string
		for _, name := range names {
			req := testutil.NewEndpointRequest().WithName(name).Build()
			ep, err := endpointRepo.Create(ctx, core.CreateEndpointParams{
				JobID: job.ID, TenantID: "user-1", Req: req, NextRunAt: now,
			})
			require.NoError(t, err)
			lastID = ep.ID
		}

		archived, err := endpointRepo.Archive(ctx, lastID)
		require.NoError(t, err)
		require.True(t, archived)

		live, err := endpointRepo.ListByJob(ctx, job.ID, false)
		require.NoError(t, err)
		require.Len(t, live, 2)
		// Creation order is preserved.
		assert.Equal(t, "first", live[0].Name)
		assert.Equal(t, "second", live[1].Name)

		all, err := endpointRepo.ListByJob(ctx, job.ID, true)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestEndpointRepo_Update(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		_, endpointRepo, job := newEndpointFixture(t, db)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		ep, err := endpointRepo.Create(ctx, core.CreateEndpointParams{
			JobID:     job.ID,
			TenantID:  "user-1",
			Req:       testutil.IntervalEndpointRequest(5 * time.Minute),
			NextRunAt: now,
		})
		require.NoError(t, err)

		// Switch the baseline from interval to cron; the repo writes the pair
		// together so the old interval cannot linger.
		cron := "0 * * * *"
		newNext := now.Add(30 * time.Minute)
		updated, err := endpointRepo.Update(ctx, ep.ID, core.UpdateEndpointParams{
			Req: &model.UpdateEndpointRequest{
				Name:         testutil.Ptr("poll-orders-v2"),
				BaselineCron: &cron,
			},
			NextRunAt: &newNext,
		})
		require.NoError(t, err)
		assert.Equal(t, "poll-orders-v2", updated.Name)
		require.NotNil(t, updated.BaselineCron)
		assert.Equal(t, cron, *updated.BaselineCron)
		assert.Nil(t, updated.BaselineIntervalMs)
		assert.True(t, updated.NextRunAt.Equal(newNext))

		// Headers update re-encrypts.
		headers := map[string]string{"X-Token": "rotated"}
		updated, err = endpointRepo.Update(ctx, ep.ID, core.UpdateEndpointParams{
			Req: &model.UpdateEndpointRequest{Headers: headers},
		})
		require.NoError(t, err)
		assert.Equal(t, headers, updated.Headers)

		_, err = endpointRepo.Update(ctx, "00000000-0000-0000-0000-000000000000", core.UpdateEndpointParams{
			Req: &model.UpdateEndpointRequest{Name: testutil.Ptr("ghost")},
		})
		require.ErrorIs(t, err, ErrEndpointNotFound)
	})
}

func TestEndpointRepo_Archive(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		_, endpointRepo, job := newEndpointFixture(t, db)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		ep, err := endpointRepo.Create(ctx, core.CreateEndpointParams{
			JobID:     job.ID,
			TenantID:  "user-1",
			Req:       testutil.IntervalEndpointRequest(time.Minute),
			NextRunAt: now,
		})
		require.NoError(t, err)

		archived, err := endpointRepo.Archive(ctx, ep.ID)
		require.NoError(t, err)
		require.True(t, archived)

		got, err := endpointRepo.GetByID(ctx, ep.ID)
		require.NoError(t, err)
		assert.NotNil(t, got.ArchivedAt)
		assert.True(t, got.NextRunAt.Equal(model.FarFuture))
		assert.Nil(t, got.PausedUntil)

		// Archiving twice reports false.
		again, err := endpointRepo.Archive(ctx, ep.ID)
		require.NoError(t, err)
		assert.False(t, again)

		// Archived endpoints reject updates.
		_, err = endpointRepo.Update(ctx, ep.ID, core.UpdateEndpointParams{
			Req: &model.UpdateEndpointRequest{Name: testutil.Ptr("zombie")},
		})
		require.ErrorIs(t, err, ErrEndpointNotFound)
	})
}

func TestEndpointRepo_Counts(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		_, endpointRepo, job := newEndpointFixture(t, db)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		var ids []string
		for _, name := range []string{"a", "b", "c"} {
			req := testutil.NewEndpointRequest().WithName(name).Build()
			ep, err := endpointRepo.Create(ctx, core.CreateEndpointParams{
				JobID: job.ID, TenantID: "user-1", Req: req, NextRunAt: now,
			})
			require.NoError(t, err)
			ids = append(ids, ep.ID)
		}

		n, err := endpointRepo.CountActiveByJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		// Pause one, archive one.
		until := now.Add(time.Hour)
		ok, err := endpointRepo.SetPausedUntil(ctx, ids[0], &until)
		require.NoError(t, err)
		require.True(t, ok)
		archivedOK, err := endpointRepo.Archive(ctx, ids[2])
		require.NoError(t, err)
		require.True(t, archivedOK)

		n, err = endpointRepo.CountActiveByJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, n, "paused endpoints still count as live, archived do not")

		counts, err := endpointRepo.GetEndpointCounts(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 2, counts.Total)
		assert.Equal(t, 1, counts.Paused)
		assert.Equal(t, 1, counts.Active)

		// Empty user id aggregates across all users.
		global, err := endpointRepo.GetEndpointCounts(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 2, global.Total)
	})
}
