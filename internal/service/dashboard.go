package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/weskerllc/cronicorn/internal/core"
	"github.com/weskerllc/cronicorn/internal/data"
	"github.com/weskerllc/cronicorn/internal/domain/model"
	apperrors "github.com/weskerllc/cronicorn/internal/errors"
)

const (
	// DashboardCacheTTL bounds how stale a cached stats payload can get.
	DashboardCacheTTL = 30 * time.Second
	// DashboardTopEndpoints caps how many endpoints the per-endpoint series
	// breaks out; everything beyond the top runners is omitted.
	DashboardTopEndpoints = 20

	// trendDeadband is the success-rate delta treated as noise.
	trendDeadband = 0.02
)

// DashboardService aggregates per-user stats across the repositories: counts,
// a success-rate trend, and three zero-filled time series. Payloads are cached
// briefly when a cache is configured; the cache is never load-bearing.
type DashboardService struct {
	jobs         core.JobRepository
	endpoints    core.EndpointRepository
	runs         core.RunRepository
	sessions     core.SessionRepository
	cache        core.CacheRepository
	cacheTTL     time.Duration
	timeProvider data.TimeProvider
	logger       *slog.Logger
}

// DashboardServiceOptions holds the dependencies for creating a DashboardService.
type DashboardServiceOptions struct {
	Jobs      core.JobRepository
	Endpoints core.EndpointRepository
	Runs      core.RunRepository
	Sessions  core.SessionRepository
	// Cache is optional; nil disables stats caching.
	Cache core.CacheRepository
	// CacheTTL overrides how long cached stats payloads live; zero applies
	// the default.
	CacheTTL     time.Duration
	TimeProvider data.TimeProvider
	Logger       *slog.Logger
}

// NewDashboardService creates a new DashboardService with the given dependencies.
func NewDashboardService(opts DashboardServiceOptions) *DashboardService {
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DashboardCacheTTL
	}

	return &DashboardService{
		jobs:         opts.Jobs,
		endpoints:    opts.Endpoints,
		runs:         opts.Runs,
		sessions:     opts.Sessions,
		cache:        opts.Cache,
		cacheTTL:     opts.CacheTTL,
		timeProvider: opts.TimeProvider,
		logger:       opts.Logger,
	}
}

// GetStats produces the stats payload for a user over the window. Identical
// (user, window) reads within the cache TTL are served from cache.
func (s *DashboardService) GetStats(ctx context.Context, userID string, window model.StatsWindow) (*model.DashboardStats, error) {
	if userID == "" {
		return nil, apperrors.Validation("user id is required")
	}
	if err := window.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	key := dashboardCacheKey(userID, window)
	if s.cache != nil {
		if cached := s.readCachedStats(ctx, key); cached != nil {
			return cached, nil
		}
	}

	stats, err := s.computeStats(ctx, userID, window)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.writeCachedStats(ctx, key, stats)
	}
	return stats, nil
}

func (s *DashboardService) computeStats(ctx context.Context, userID string, window model.StatsWindow) (*model.DashboardStats, error) {
	now := s.timeProvider.Now().UTC()

	jobCount, err := s.jobs.CountByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	counts, err := s.endpoints.GetEndpointCounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("endpoint counts: %w", err)
	}

	// The 24h counters are anchored to now, not to the requested window.
	day, err := s.runs.GetFilteredMetrics(ctx, &model.MetricFilters{
		UserID: userID,
		Since:  now.Add(-24 * time.Hour),
		Until:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("last 24h metrics: %w", err)
	}

	trend, err := s.successRateTrend(ctx, userID, window)
	if err != nil {
		return nil, err
	}

	plan := bucketPlanFor(window)
	seriesParams := core.SeriesParams{
		UserID:      userID,
		Since:       window.Start,
		Until:       window.End,
		Granularity: plan.granularity,
	}

	runPoints, err := s.runs.GetRunTimeSeries(ctx, seriesParams)
	if err != nil {
		return nil, fmt.Errorf("run series: %w", err)
	}
	endpointPoints, err := s.runs.GetEndpointTimeSeries(ctx, seriesParams)
	if err != nil {
		return nil, fmt.Errorf("endpoint series: %w", err)
	}
	sessionPoints, err := s.sessions.TimeSeries(ctx, seriesParams)
	if err != nil {
		return nil, fmt.Errorf("session series: %w", err)
	}

	return &model.DashboardStats{
		JobCount:       jobCount,
		EndpointCounts: *counts,
		SuccessLast24h: day.SuccessCount,
		FailureLast24h: day.FailureCount,
		Trend:          trend,
		RunSeries:      plan.fillRunSeries(runPoints),
		EndpointSeries: plan.fillEndpointSeries(endpointPoints),
		SessionSeries:  plan.fillSessionSeries(sessionPoints),
	}, nil
}

// successRateTrend compares the window's success rate against the prior
// equal-length window.
func (s *DashboardService) successRateTrend(ctx context.Context, userID string, window model.StatsWindow) (model.TrendDirection, error) {
	current, err := s.runs.GetFilteredMetrics(ctx, &model.MetricFilters{
		UserID: userID,
		Since:  window.Start,
		Until:  window.End,
	})
	if err != nil {
		return "", fmt.Errorf("current window metrics: %w", err)
	}

	prior, err := s.runs.GetFilteredMetrics(ctx, &model.MetricFilters{
		UserID: userID,
		Since:  window.Start.Add(-window.Span()),
		Until:  window.Start,
	})
	if err != nil {
		return "", fmt.Errorf("prior window metrics: %w", err)
	}

	return trendOf(current, prior), nil
}

// trendOf applies the deadband. A window without runs has no rate, so either
// side being empty reads as stable.
func trendOf(current, prior *model.FilteredMetrics) model.TrendDirection {
	if current.TotalRuns == 0 || prior.TotalRuns == 0 {
		return model.TrendStable
	}

	delta := successRate(current) - successRate(prior)
	switch {
	case delta > trendDeadband:
		return model.TrendUp
	case delta < -trendDeadband:
		return model.TrendDown
	default:
		return model.TrendStable
	}
}

func successRate(m *model.FilteredMetrics) float64 {
	return float64(m.SuccessCount) / float64(m.TotalRuns)
}

func dashboardCacheKey(userID string, window model.StatsWindow) string {
	return fmt.Sprintf("dashboard:%s:%d:%d", userID, window.Start.Unix(), window.End.Unix())
}

func (s *DashboardService) readCachedStats(ctx context.Context, key string) *model.DashboardStats {
	payload, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "dashboard: cache read failed", "key", key, "error", err)
		return nil
	}
	if payload == nil {
		return nil
	}

	var stats model.DashboardStats
	if err := json.Unmarshal(payload, &stats); err != nil {
		s.logger.WarnContext(ctx, "dashboard: discarding undecodable cache entry", "key", key, "error", err)
		return nil
	}
	return &stats
}

func (s *DashboardService) writeCachedStats(ctx context.Context, key string, stats *model.DashboardStats) {
	payload, err := json.Marshal(stats)
	if err != nil {
		s.logger.WarnContext(ctx, "dashboard: encode stats for cache", "key", key, "error", err)
		return
	}
	if err := s.cache.Set(ctx, key, payload, s.cacheTTL); err != nil {
		s.logger.WarnContext(ctx, "dashboard: cache write failed", "key", key, "error", err)
	}
}

// bucketPlan fixes the client-side bucket grid for one stats window. Storage
// aggregates by hour or day; the plan regroups hourly rows onto a coarser
// grid when the window calls for it and zero-fills the gaps.
type bucketPlan struct {
	start       time.Time // first grid instant, aligned
	end         time.Time // exclusive
	step        time.Duration
	granularity model.SeriesGranularity
	daily       bool
}

// bucketPlanFor picks the grid: spans up to a day chart hourly, up to two
// weeks every sixth hour, anything longer daily. Alignment is UTC.
func bucketPlanFor(w model.StatsWindow) bucketPlan {
	span := w.Span()
	start := w.Start.UTC()

	switch {
	case span <= 24*time.Hour:
		return bucketPlan{
			start:       start.Truncate(time.Hour),
			end:         w.End,
			step:        time.Hour,
			granularity: model.GranularityHour,
		}
	case span <= 14*24*time.Hour:
		return bucketPlan{
			start:       start.Truncate(6 * time.Hour),
			end:         w.End,
			step:        6 * time.Hour,
			granularity: model.GranularityHour,
		}
	default:
		return bucketPlan{
			start:       start.Truncate(24 * time.Hour),
			end:         w.End,
			step:        24 * time.Hour,
			granularity: model.GranularityDay,
			daily:       true,
		}
	}
}

// instants returns the grid instants covering the window.
func (p bucketPlan) instants() []time.Time {
	var out []time.Time
	for t := p.start; t.Before(p.end); t = t.Add(p.step) {
		out = append(out, t)
	}
	return out
}

// label renders a grid instant the way charts consume it.
func (p bucketPlan) label(t time.Time) string {
	if p.daily {
		return t.UTC().Format("2006-01-02")
	}
	return t.UTC().Format("2006-01-02 15:00:00")
}

// slotLabel maps a storage bucket onto its grid instant's label.
func (p bucketPlan) slotLabel(bucket time.Time) string {
	return p.label(bucket.UTC().Truncate(p.step))
}

func (p bucketPlan) fillRunSeries(points []model.RunSeriesPoint) []model.SeriesBucket {
	instants := p.instants()
	index := make(map[string]int, len(instants))
	out := make([]model.SeriesBucket, len(instants))
	for i, t := range instants {
		label := p.label(t)
		index[label] = i
		out[i] = model.SeriesBucket{Label: label}
	}

	for _, pt := range points {
		i, ok := index[p.slotLabel(pt.Bucket)]
		if !ok {
			continue
		}
		out[i].Success += pt.Success
		out[i].Failure += pt.Failure
	}
	return out
}

func (p bucketPlan) fillEndpointSeries(points []model.EndpointSeriesPoint) []model.EndpointSeries {
	instants := p.instants()
	index := make(map[string]int, len(instants))
	labels := make([]string, len(instants))
	for i, t := range instants {
		labels[i] = p.label(t)
		index[labels[i]] = i
	}

	type endpointAgg struct {
		name    string
		total   int
		buckets []model.EndpointSeriesBucket
	}
	byEndpoint := make(map[string]*endpointAgg)
	for _, pt := range points {
		i, ok := index[p.slotLabel(pt.Bucket)]
		if !ok {
			continue
		}
		agg := byEndpoint[pt.EndpointID]
		if agg == nil {
			buckets := make([]model.EndpointSeriesBucket, len(instants))
			for j, label := range labels {
				buckets[j] = model.EndpointSeriesBucket{Label: label}
			}
			agg = &endpointAgg{name: pt.EndpointName, buckets: buckets}
			byEndpoint[pt.EndpointID] = agg
		}
		agg.buckets[i].Success += pt.Success
		agg.buckets[i].Failure += pt.Failure
		agg.buckets[i].TotalDurationMs += pt.TotalDurationMs
		agg.total += pt.Success + pt.Failure
	}

	ids := make([]string, 0, len(byEndpoint))
	for id := range byEndpoint {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(x, y int) bool {
		a, b := byEndpoint[ids[x]], byEndpoint[ids[y]]
		if a.total != b.total {
			return a.total > b.total
		}
		if a.name != b.name {
			return a.name < b.name
		}
		return ids[x] < ids[y]
	})
	if len(ids) > DashboardTopEndpoints {
		ids = ids[:DashboardTopEndpoints]
	}

	out := make([]model.EndpointSeries, len(ids))
	for i, id := range ids {
		out[i] = model.EndpointSeries{
			EndpointID:   id,
			EndpointName: byEndpoint[id].name,
			Buckets:      byEndpoint[id].buckets,
		}
	}
	return out
}

func (p bucketPlan) fillSessionSeries(points []model.SessionSeriesPoint) []model.SessionBucket {
	instants := p.instants()
	index := make(map[string]int, len(instants))
	out := make([]model.SessionBucket, len(instants))
	for i, t := range instants {
		label := p.label(t)
		index[label] = i
		out[i] = model.SessionBucket{Label: label}
	}

	for _, pt := range points {
		i, ok := index[p.slotLabel(pt.Bucket)]
		if !ok {
			continue
		}
		out[i].Count += pt.Count
	}
	return out
}
