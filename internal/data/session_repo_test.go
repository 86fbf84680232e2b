package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weskerllc/cronicorn/internal/core"
	"github.com/weskerllc/cronicorn/internal/domain/model"
	"github.com/weskerllc/cronicorn/internal/testutil"
)

func TestSessionRepo_Create(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		_, endpointRepo, job := newEndpointFixture(t, db)
		sessionRepo := NewSessionRepo(db, RepoConfig{})
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		ep := seedEndpointAt(t, endpointRepo, job.ID, "analyzed", now)

		nextAnalysis := now.Add(10 * time.Minute)
		session, err := sessionRepo.Create(ctx, &model.CreateSessionRequest{
			EndpointID: ep.ID,
			AnalyzedAt: now,
			Reasoning:  "failure streak climbing, tightening the interval",
			ToolCalls: []model.ToolCall{
				{
					Tool:   "get_health_summary",
					Args:   json.RawMessage(`{"window": "1h"}`),
					Result: json.RawMessage(`{"failure_streak": 3}`),
				},
				{
					Tool: "propose_interval",
					Args: json.RawMessage(`{"interval_ms": 30000}`),
				},
			},
			TokenUsage: &model.TokenUsage{
				InputTokens:  1200,
				OutputTokens: 80,
				TotalTokens:  1280,
			},
			DurationMs:     2400,
			NextAnalysisAt: &nextAnalysis,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, session.ID)
		assert.Equal(t, ep.ID, session.EndpointID)
		assert.True(t, session.AnalyzedAt.Equal(now))
		assert.Equal(t, "failure streak climbing, tightening the interval", session.Reasoning)
		require.Len(t, session.ToolCalls, 2)
		assert.Equal(t, "get_health_summary", session.ToolCalls[0].Tool)
		assert.JSONEq(t, `{"failure_streak": 3}`, string(session.ToolCalls[0].Result))
		assert.Equal(t, "propose_interval", session.ToolCalls[1].Tool)
		require.NotNil(t, session.TokenUsage)
		assert.Equal(t, 1280, session.TokenUsage.TotalTokens)
		assert.Equal(t, int64(2400), session.DurationMs)
		require.NotNil(t, session.NextAnalysisAt)
		assert.True(t, session.NextAnalysisAt.Equal(nextAnalysis))
	})
}

func TestSessionRepo_Create_Minimal(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		_, endpointRepo, job := newEndpointFixture(t, db)
		sessionRepo := NewSessionRepo(db, RepoConfig{})
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		ep := seedEndpointAt(t, endpointRepo, job.ID, "quiet", now)

		// No tool calls, no token usage, no follow-up.
		session, err := sessionRepo.Create(ctx, &model.CreateSessionRequest{
			EndpointID: ep.ID,
			AnalyzedAt: now,
			Reasoning:  "healthy, no change",
		})
		require.NoError(t, err)
		assert.NotNil(t, session.ToolCalls)
		assert.Empty(t, session.ToolCalls)
		assert.Nil(t, session.TokenUsage)
		assert.Nil(t, session.NextAnalysisAt)
	})
}

func TestSessionRepo_Create_Validation(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		sessionRepo := NewSessionRepo(db, RepoConfig{})
		ctx := context.Background()
		now := time.Now().UTC()

		_, err := sessionRepo.Create(ctx, nil)
		require.Error(t, err)

		_, err = sessionRepo.Create(ctx, &model.CreateSessionRequest{AnalyzedAt: now})
		require.Error(t, err)

		_, err = sessionRepo.Create(ctx, &model.CreateSessionRequest{
			EndpointID: "00000000-0000-0000-0000-000000000000",
			AnalyzedAt: now,
			ToolCalls:  []model.ToolCall{{Tool: ""}},
		})
		require.Error(t, err)

		// Unknown endpoint surfaces as the endpoint sentinel.
		_, err = sessionRepo.Create(ctx, &model.CreateSessionRequest{
			EndpointID: "00000000-0000-0000-0000-000000000000",
			AnalyzedAt: now,
		})
		require.ErrorIs(t, err, ErrEndpointNotFound)
	})
}

func TestSessionRepo_ListByEndpoint(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		_, endpointRepo, job := newEndpointFixture(t, db)
		sessionRepo := NewSessionRepo(db, RepoConfig{})
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		ep := seedEndpointAt(t, endpointRepo, job.ID, "chatty", now)
		other := seedEndpointAt(t, endpointRepo, job.ID, "other", now)

		for i := 0; i < 3; i++ {
			_, err := sessionRepo.Create(ctx, &model.CreateSessionRequest{
				EndpointID: ep.ID,
				AnalyzedAt: now.Add(time.Duration(-i) * time.Hour),
				Reasoning:  "check",
			})
			require.NoError(t, err)
		}
		_, err := sessionRepo.Create(ctx, &model.CreateSessionRequest{
			EndpointID: other.ID,
			AnalyzedAt: now,
			Reasoning:  "noise",
		})
		require.NoError(t, err)

		sessions, err := sessionRepo.ListByEndpoint(ctx, core.ListSessionsParams{EndpointID: ep.ID})
		require.NoError(t, err)
		require.Len(t, sessions, 3)
		assert.True(t, sessions[0].AnalyzedAt.Equal(now), "newest first")
		assert.True(t, sessions[2].AnalyzedAt.Equal(now.Add(-2*time.Hour)))

		sessions, err = sessionRepo.ListByEndpoint(ctx, core.ListSessionsParams{
			EndpointID: ep.ID,
			Limit:      1,
			Offset:     1,
		})
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.True(t, sessions[0].AnalyzedAt.Equal(now.Add(-time.Hour)))

		_, err = sessionRepo.ListByEndpoint(ctx, core.ListSessionsParams{})
		require.Error(t, err)
	})
}

func TestSessionRepo_GetLatest(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		_, endpointRepo, job := newEndpointFixture(t, db)
		sessionRepo := NewSessionRepo(db, RepoConfig{})
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		ep := seedEndpointAt(t, endpointRepo, job.ID, "latest", now)

		_, err := sessionRepo.GetLatest(ctx, ep.ID)
		require.ErrorIs(t, err, ErrSessionNotFound)

		_, err = sessionRepo.Create(ctx, &model.CreateSessionRequest{
			EndpointID: ep.ID,
			AnalyzedAt: now.Add(-time.Hour),
			Reasoning:  "old",
		})
		require.NoError(t, err)
		_, err = sessionRepo.Create(ctx, &model.CreateSessionRequest{
			EndpointID: ep.ID,
			AnalyzedAt: now,
			Reasoning:  "new",
		})
		require.NoError(t, err)

		session, err := sessionRepo.GetLatest(ctx, ep.ID)
		require.NoError(t, err)
		assert.Equal(t, "new", session.Reasoning)
	})
}

func TestSessionRepo_TimeSeries(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		_, endpointRepo, job := newEndpointFixture(t, db)
		sessionRepo := NewSessionRepo(db, RepoConfig{})
		ctx := context.Background()

		base := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
		ep := seedEndpointAt(t, endpointRepo, job.ID, "bucketed", base)

		for _, at := range []time.Time{
			base.Add(5 * time.Minute),
			base.Add(40 * time.Minute),
			base.Add(70 * time.Minute),
		} {
			_, err := sessionRepo.Create(ctx, &model.CreateSessionRequest{
				EndpointID: ep.ID,
				AnalyzedAt: at,
				Reasoning:  "check",
			})
			require.NoError(t, err)
		}

		points, err := sessionRepo.TimeSeries(ctx, core.SeriesParams{
			UserID:      "user-1",
			Since:       base,
			Until:       base.Add(3 * time.Hour),
			Granularity: model.GranularityHour,
		})
		require.NoError(t, err)
		require.Len(t, points, 2)
		assert.True(t, points[0].Bucket.Equal(base))
		assert.Equal(t, 2, points[0].Count)
		assert.True(t, points[1].Bucket.Equal(base.Add(time.Hour)))
		assert.Equal(t, 1, points[1].Count)

		// Scope checks: other user sees nothing; endpoint narrowing applies.
		points, err = sessionRepo.TimeSeries(ctx, core.SeriesParams{
			UserID:      "user-2",
			Since:       base,
			Until:       base.Add(3 * time.Hour),
			Granularity: model.GranularityHour,
		})
		require.NoError(t, err)
		assert.Empty(t, points)

		_, err = sessionRepo.TimeSeries(ctx, core.SeriesParams{
			UserID:      "user-1",
			Since:       base,
			Until:       base,
			Granularity: model.GranularityHour,
		})
		require.Error(t, err)
	})
}

func TestSessionRepo_DeleteOldSessions(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		_, endpointRepo, job := newEndpointFixture(t, db)
		sessionRepo := NewSessionRepo(db, RepoConfig{})
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		ep := seedEndpointAt(t, endpointRepo, job.ID, "expiring", now)

		_, err := sessionRepo.Create(ctx, &model.CreateSessionRequest{
			EndpointID: ep.ID,
			AnalyzedAt: now.Add(-40 * 24 * time.Hour),
			Reasoning:  "ancient",
		})
		require.NoError(t, err)
		_, err = sessionRepo.Create(ctx, &model.CreateSessionRequest{
			EndpointID: ep.ID,
			AnalyzedAt: now.Add(-time.Hour),
			Reasoning:  "recent",
		})
		require.NoError(t, err)

		deleted, err := sessionRepo.DeleteOldSessions(ctx, 30*24*time.Hour, 100)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		sessions, err := sessionRepo.ListByEndpoint(ctx, core.ListSessionsParams{EndpointID: ep.ID})
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, "recent", sessions[0].Reasoning)

		_, err = sessionRepo.DeleteOldSessions(ctx, 0, 100)
		require.Error(t, err)
		_, err = sessionRepo.DeleteOldSessions(ctx, time.Hour, 0)
		require.Error(t, err)
	})
}
