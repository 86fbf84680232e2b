package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weskerllc/cronicorn/internal/core"
	"github.com/weskerllc/cronicorn/internal/domain/model"
	"github.com/weskerllc/cronicorn/internal/testutil"
)

// seedFinishedRun creates and finalizes one run in a single step.
func seedFinishedRun(t *testing.T, repo *RunRepo, endpointID string, startedAt time.Time, outcome model.Outcome) *model.Run {
	t.Helper()
	ctx := context.Background()
	run, err := repo.Create(ctx, core.CreateRunParams{EndpointID: endpointID, StartedAt: startedAt})
	require.NoError(t, err)
	ok, err := repo.Finish(ctx, core.FinishRunParams{
		RunID:      run.ID,
		Outcome:    outcome,
		FinishedAt: startedAt.Add(time.Duration(outcome.DurationMs) * time.Millisecond),
	})
	require.NoError(t, err)
	require.True(t, ok)
	return run
}

func TestRunRepo_GetHealthSummary(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		runRepo, _, ep := newRunFixture(t, db)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		// Three successes, then two failures after the last success.
		seedFinishedRun(t, runRepo, ep.ID, now.Add(-10*time.Minute), testutil.SuccessOutcome(200, 100))
		seedFinishedRun(t, runRepo, ep.ID, now.Add(-8*time.Minute), testutil.SuccessOutcome(200, 200))
		seedFinishedRun(t, runRepo, ep.ID, now.Add(-6*time.Minute), testutil.SuccessOutcome(200, 300))
		seedFinishedRun(t, runRepo, ep.ID, now.Add(-4*time.Minute), testutil.HTTPFailureOutcome(500, 100))
		seedFinishedRun(t, runRepo, ep.ID, now.Add(-2*time.Minute), testutil.TimeoutOutcome(100))

		// A run outside the window and an unfinalized one; neither counts.
		seedFinishedRun(t, runRepo, ep.ID, now.Add(-2*time.Hour), testutil.SuccessOutcome(200, 999))
		_, err := runRepo.Create(ctx, core.CreateRunParams{EndpointID: ep.ID, StartedAt: now})
		require.NoError(t, err)

		summary, err := runRepo.GetHealthSummary(ctx, ep.ID, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 3, summary.SuccessCount)
		assert.Equal(t, 2, summary.FailureCount)
		assert.InDelta(t, 160.0, summary.AvgDurationMs, 0.01)
		require.NotNil(t, summary.LastRun)
		assert.True(t, summary.LastRun.Equal(now.Add(-2*time.Minute)))
		assert.Equal(t, 2, summary.FailureStreak)

		// A fresh success resets the streak.
		seedFinishedRun(t, runRepo, ep.ID, now.Add(-time.Minute), testutil.SuccessOutcome(200, 50))
		summary, err = runRepo.GetHealthSummary(ctx, ep.ID, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, summary.FailureStreak)

		_, err = runRepo.GetHealthSummary(ctx, "", time.Hour)
		require.Error(t, err)
		_, err = runRepo.GetHealthSummary(ctx, ep.ID, 0)
		require.Error(t, err)
	})
}

func TestRunRepo_GetHealthSummary_Empty(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		runRepo, _, ep := newRunFixture(t, db)

		summary, err := runRepo.GetHealthSummary(context.Background(), ep.ID, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, summary.SuccessCount)
		assert.Equal(t, 0, summary.FailureCount)
		assert.Zero(t, summary.AvgDurationMs)
		assert.Nil(t, summary.LastRun)
		assert.Equal(t, 0, summary.FailureStreak)
	})
}

func TestRunRepo_GetLatestResponse(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		runRepo, _, ep := newRunFixture(t, db)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		// No finalized runs yet: absence, not an error.
		snap, err := runRepo.GetLatestResponse(ctx, ep.ID)
		require.NoError(t, err)
		assert.Nil(t, snap)

		older := testutil.SuccessOutcome(200, 100)
		older.Body = json.RawMessage(`{"orders": 1}`)
		seedFinishedRun(t, runRepo, ep.ID, now.Add(-5*time.Minute), older)

		newest := testutil.SuccessOutcome(200, 100)
		newest.Body = json.RawMessage(`{"orders": 7}`)
		newestRun := seedFinishedRun(t, runRepo, ep.ID, now.Add(-time.Minute), newest)

		snap, err = runRepo.GetLatestResponse(ctx, ep.ID)
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, newestRun.ID, snap.RunID)
		assert.Equal(t, ep.ID, snap.EndpointID)
		assert.Equal(t, "poll-orders-runs", snap.EndpointName)
		assert.Equal(t, model.RunStatusSuccess, snap.Status)
		require.NotNil(t, snap.StatusCode)
		assert.Equal(t, 200, *snap.StatusCode)
		assert.JSONEq(t, `{"orders": 7}`, string(snap.Body))

		_, err = runRepo.GetLatestResponse(ctx, "")
		require.Error(t, err)
	})
}

func TestRunRepo_GetResponseHistory(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		runRepo, _, ep := newRunFixture(t, db)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		for i := 0; i < 5; i++ {
			outcome := testutil.SuccessOutcome(200, 100)
			outcome.Body = json.RawMessage(fmt.Sprintf(`{"seq": %d}`, i))
			seedFinishedRun(t, runRepo, ep.ID, now.Add(time.Duration(-i)*time.Minute), outcome)
		}

		snaps, err := runRepo.GetResponseHistory(ctx, ep.ID, 3)
		require.NoError(t, err)
		require.Len(t, snaps, 3)
		assert.JSONEq(t, `{"seq": 0}`, string(snaps[0].Body), "newest first")
		assert.JSONEq(t, `{"seq": 1}`, string(snaps[1].Body))
		assert.JSONEq(t, `{"seq": 2}`, string(snaps[2].Body))

		// Zero limit falls back to the default.
		snaps, err = runRepo.GetResponseHistory(ctx, ep.ID, 0)
		require.NoError(t, err)
		assert.Len(t, snaps, 5)

		_, err = runRepo.GetResponseHistory(ctx, "", 3)
		require.Error(t, err)
	})
}

func TestRunRepo_GetSiblingLatestResponses(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		_, endpointRepo, job := newEndpointFixture(t, db)
		runRepo := NewRunRepo(db, RepoConfig{})
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		self := seedEndpointAt(t, endpointRepo, job.ID, "self", now)
		siblingA := seedEndpointAt(t, endpointRepo, job.ID, "sibling-a", now)
		siblingB := seedEndpointAt(t, endpointRepo, job.ID, "sibling-b", now)
		retired := seedEndpointAt(t, endpointRepo, job.ID, "retired", now)

		selfOutcome := testutil.SuccessOutcome(200, 10)
		selfOutcome.Body = json.RawMessage(`{"who": "self"}`)
		seedFinishedRun(t, runRepo, self.ID, now.Add(-time.Minute), selfOutcome)

		// Two runs on sibling A; only the newest should surface.
		aOld := testutil.SuccessOutcome(200, 10)
		aOld.Body = json.RawMessage(`{"rev": "old"}`)
		seedFinishedRun(t, runRepo, siblingA.ID, now.Add(-10*time.Minute), aOld)
		aNew := testutil.SuccessOutcome(200, 10)
		aNew.Body = json.RawMessage(`{"rev": "new"}`)
		seedFinishedRun(t, runRepo, siblingA.ID, now.Add(-time.Minute), aNew)

		bOutcome := testutil.HTTPFailureOutcome(500, 20)
		seedFinishedRun(t, runRepo, siblingB.ID, now.Add(-2*time.Minute), bOutcome)

		seedFinishedRun(t, runRepo, retired.ID, now.Add(-time.Minute), testutil.SuccessOutcome(200, 10))
		ok, err := endpointRepo.Archive(ctx, retired.ID)
		require.NoError(t, err)
		require.True(t, ok)

		snaps, err := runRepo.GetSiblingLatestResponses(ctx, job.ID, self.ID)
		require.NoError(t, err)
		require.Len(t, snaps, 2)

		byEndpoint := map[string]*model.ResponseSnapshot{}
		for _, snap := range snaps {
			byEndpoint[snap.EndpointID] = snap
		}
		require.Contains(t, byEndpoint, siblingA.ID)
		require.Contains(t, byEndpoint, siblingB.ID)
		assert.NotContains(t, byEndpoint, self.ID)
		assert.NotContains(t, byEndpoint, retired.ID)
		assert.JSONEq(t, `{"rev": "new"}`, string(byEndpoint[siblingA.ID].Body))
		assert.Equal(t, model.RunStatusFailed, byEndpoint[siblingB.ID].Status)

		_, err = runRepo.GetSiblingLatestResponses(ctx, "", self.ID)
		require.Error(t, err)
	})
}

func TestRunRepo_GetFilteredMetrics(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		jobRepo, endpointRepo, job := newEndpointFixture(t, db)
		runRepo := NewRunRepo(db, RepoConfig{})
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		ep := seedEndpointAt(t, endpointRepo, job.ID, "metered", now)

		seedFinishedRun(t, runRepo, ep.ID, now.Add(-30*time.Minute), testutil.SuccessOutcome(200, 100))
		seedFinishedRun(t, runRepo, ep.ID, now.Add(-20*time.Minute), testutil.SuccessOutcome(200, 200))
		seedFinishedRun(t, runRepo, ep.ID, now.Add(-10*time.Minute), testutil.HTTPFailureOutcome(500, 600))

		// Outside the window.
		seedFinishedRun(t, runRepo, ep.ID, now.Add(-3*time.Hour), testutil.SuccessOutcome(200, 999))

		metrics, err := runRepo.GetFilteredMetrics(ctx, &model.MetricFilters{
			UserID: "user-1",
			Since:  now.Add(-time.Hour),
			Until:  now,
		})
		require.NoError(t, err)
		assert.Equal(t, 3, metrics.TotalRuns)
		assert.Equal(t, 2, metrics.SuccessCount)
		assert.Equal(t, 1, metrics.FailureCount)
		assert.InDelta(t, 300.0, metrics.AvgDurationMs, 0.01)
		assert.InDelta(t, 200.0, metrics.P50DurationMs, 0.01)

		// Another user's job stays invisible.
		otherJob, err := jobRepo.Create(ctx, "user-2", testutil.NewJobRequest().WithName("other").Build())
		require.NoError(t, err)
		otherEp := seedEndpointAt(t, endpointRepo, otherJob.ID, "other-ep", now)
		seedFinishedRun(t, runRepo, otherEp.ID, now.Add(-5*time.Minute), testutil.SuccessOutcome(200, 1))

		metrics, err = runRepo.GetFilteredMetrics(ctx, &model.MetricFilters{
			UserID: "user-1",
			Since:  now.Add(-time.Hour),
			Until:  now,
		})
		require.NoError(t, err)
		assert.Equal(t, 3, metrics.TotalRuns)

		// Job narrowing.
		metrics, err = runRepo.GetFilteredMetrics(ctx, &model.MetricFilters{
			UserID: "user-2",
			JobID:  &otherJob.ID,
			Since:  now.Add(-time.Hour),
			Until:  now,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, metrics.TotalRuns)

		// Source narrowing: everything here is still provisionally pending.
		manual := model.SourceManual
		metrics, err = runRepo.GetFilteredMetrics(ctx, &model.MetricFilters{
			UserID: "user-1",
			Source: &manual,
			Since:  now.Add(-time.Hour),
			Until:  now,
		})
		require.NoError(t, err)
		assert.Equal(t, 0, metrics.TotalRuns)

		_, err = runRepo.GetFilteredMetrics(ctx, nil)
		require.Error(t, err)
		_, err = runRepo.GetFilteredMetrics(ctx, &model.MetricFilters{UserID: "user-1"})
		require.Error(t, err)
		_, err = runRepo.GetFilteredMetrics(ctx, &model.MetricFilters{UserID: "user-1", Since: now, Until: now})
		require.Error(t, err)

		badSource := model.RunSource("cron")
		_, err = runRepo.GetFilteredMetrics(ctx, &model.MetricFilters{
			UserID: "user-1",
			Source: &badSource,
			Since:  now.Add(-time.Hour),
			Until:  now,
		})
		require.ErrorContains(t, err, "invalid run source filter")
	})
}

func TestRunRepo_GetRunTimeSeries(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		_, endpointRepo, job := newEndpointFixture(t, db)
		runRepo := NewRunRepo(db, RepoConfig{})
		ctx := context.Background()

		// Fixed instants so the hour buckets are deterministic.
		base := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
		ep := seedEndpointAt(t, endpointRepo, job.ID, "series", base)

		seedFinishedRun(t, runRepo, ep.ID, base.Add(5*time.Minute), testutil.SuccessOutcome(200, 100))
		seedFinishedRun(t, runRepo, ep.ID, base.Add(25*time.Minute), testutil.HTTPFailureOutcome(500, 100))
		seedFinishedRun(t, runRepo, ep.ID, base.Add(90*time.Minute), testutil.SuccessOutcome(200, 100))

		points, err := runRepo.GetRunTimeSeries(ctx, core.SeriesParams{
			UserID:      "user-1",
			Since:       base,
			Until:       base.Add(3 * time.Hour),
			Granularity: model.GranularityHour,
		})
		require.NoError(t, err)
		require.Len(t, points, 2)

		assert.True(t, points[0].Bucket.Equal(base))
		assert.Equal(t, 1, points[0].Success)
		assert.Equal(t, 1, points[0].Failure)
		assert.True(t, points[1].Bucket.Equal(base.Add(time.Hour)))
		assert.Equal(t, 1, points[1].Success)
		assert.Equal(t, 0, points[1].Failure)

		// Endpoint narrowing and bogus granularity.
		otherEp := seedEndpointAt(t, endpointRepo, job.ID, "series-other", base)
		seedFinishedRun(t, runRepo, otherEp.ID, base.Add(10*time.Minute), testutil.SuccessOutcome(200, 100))

		points, err = runRepo.GetRunTimeSeries(ctx, core.SeriesParams{
			UserID:      "user-1",
			EndpointID:  &otherEp.ID,
			Since:       base,
			Until:       base.Add(3 * time.Hour),
			Granularity: model.GranularityHour,
		})
		require.NoError(t, err)
		require.Len(t, points, 1)
		assert.Equal(t, 1, points[0].Success)

		_, err = runRepo.GetRunTimeSeries(ctx, core.SeriesParams{
			UserID:      "user-1",
			Since:       base,
			Until:       base.Add(time.Hour),
			Granularity: model.SeriesGranularity("minute"),
		})
		require.Error(t, err)
	})
}

func TestRunRepo_GetEndpointTimeSeries(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		_, endpointRepo, job := newEndpointFixture(t, db)
		runRepo := NewRunRepo(db, RepoConfig{})
		ctx := context.Background()

		base := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
		alpha := seedEndpointAt(t, endpointRepo, job.ID, "alpha", base)
		beta := seedEndpointAt(t, endpointRepo, job.ID, "beta", base)

		seedFinishedRun(t, runRepo, alpha.ID, base.Add(5*time.Minute), testutil.SuccessOutcome(200, 100))
		seedFinishedRun(t, runRepo, alpha.ID, base.Add(15*time.Minute), testutil.SuccessOutcome(200, 300))
		seedFinishedRun(t, runRepo, beta.ID, base.Add(20*time.Minute), testutil.TimeoutOutcome(5000))

		points, err := runRepo.GetEndpointTimeSeries(ctx, core.SeriesParams{
			UserID:      "user-1",
			Since:       base,
			Until:       base.Add(time.Hour),
			Granularity: model.GranularityHour,
		})
		require.NoError(t, err)
		require.Len(t, points, 2)

		// Same bucket, endpoints ordered by name.
		assert.Equal(t, "alpha", points[0].EndpointName)
		assert.Equal(t, alpha.ID, points[0].EndpointID)
		assert.Equal(t, 2, points[0].Success)
		assert.Equal(t, 0, points[0].Failure)
		assert.Equal(t, int64(400), points[0].TotalDurationMs)

		assert.Equal(t, "beta", points[1].EndpointName)
		assert.Equal(t, 0, points[1].Success)
		assert.Equal(t, 1, points[1].Failure)
		assert.Equal(t, int64(5000), points[1].TotalDurationMs)
	})
}
