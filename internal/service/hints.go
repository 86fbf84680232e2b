package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"github.com/weskerllc/cronicorn/internal/core"
	"github.com/weskerllc/cronicorn/internal/data"
	"github.com/weskerllc/cronicorn/internal/domain/model"
	apperrors "github.com/weskerllc/cronicorn/internal/errors"
)

// DefaultHealthWindow is the trailing window for health summaries when the
// caller does not name one.
const DefaultHealthWindow = 24 * time.Hour

// ResponseCacheTTL bounds how stale a cached latest-response read can get.
// Planners poll these reads between runs, so the window stays short.
const ResponseCacheTTL = 10 * time.Second

// JMESPathEvaluator abstracts JMESPath operations for testability.
type JMESPathEvaluator interface {
	Validate(expr string) error
	Evaluate(expr string, data any) (any, error)
}

// jmespathLibEvaluator implements JMESPathEvaluator using go-jmespath.
type jmespathLibEvaluator struct{}

func (j jmespathLibEvaluator) Validate(expr string) error {
	_, err := jmespath.Compile(expr)
	return err
}

func (j jmespathLibEvaluator) Evaluate(expr string, data any) (any, error) {
	return jmespath.Search(expr, data)
}

// HintsService is the planner-facing surface: response and health reads for
// gathering context, JMESPath querying over captured bodies, schedule
// proposals, and analysis session recording. Writes go through the same
// primitives as the user-facing adaptive surface, so proposals are
// latest-write-wins and safe to repeat. Latest-response reads are cached
// briefly when a cache is configured; the cache is never load-bearing.
type HintsService struct {
	jobs        *JobsService
	runs        core.RunRepository
	sessions    core.SessionRepository
	jems        JMESPathEvaluator
	cache       core.CacheRepository
	responseTTL time.Duration
	logger      *slog.Logger
}

// HintsServiceOptions holds the dependencies for creating a HintsService.
type HintsServiceOptions struct {
	Jobs     *JobsService
	Runs     core.RunRepository
	Sessions core.SessionRepository
	// Evaluator overrides the library JMESPath evaluator; tests use this.
	Evaluator JMESPathEvaluator
	// Cache is optional; nil disables latest-response caching.
	Cache core.CacheRepository
	// ResponseTTL overrides how long cached responses live; zero applies
	// the default.
	ResponseTTL time.Duration
	Logger      *slog.Logger
}

// NewHintsService creates a new HintsService with the given dependencies.
func NewHintsService(opts HintsServiceOptions) *HintsService {
	if opts.Evaluator == nil {
		opts.Evaluator = jmespathLibEvaluator{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ResponseTTL <= 0 {
		opts.ResponseTTL = ResponseCacheTTL
	}

	return &HintsService{
		jobs:        opts.Jobs,
		runs:        opts.Runs,
		sessions:    opts.Sessions,
		jems:        opts.Evaluator,
		cache:       opts.Cache,
		responseTTL: opts.ResponseTTL,
		logger:      opts.Logger,
	}
}

// GetLatestResponse returns the newest captured response for the endpoint,
// or nil when no finished run has been recorded yet. Repeat reads within the
// cache TTL are served from cache.
func (s *HintsService) GetLatestResponse(ctx context.Context, userID, endpointID string) (*model.ResponseSnapshot, error) {
	if _, err := s.jobs.GetEndpoint(ctx, userID, endpointID); err != nil {
		return nil, err
	}
	return s.latestResponse(ctx, endpointID)
}

// latestResponse reads the endpoint's newest response through the cache. The
// caller has already verified access. Only recorded responses are cached; an
// endpoint with no finished runs goes to storage every time.
func (s *HintsService) latestResponse(ctx context.Context, endpointID string) (*model.ResponseSnapshot, error) {
	key := responseCacheKey(endpointID)
	if s.cache != nil {
		if cached := s.readCachedResponse(ctx, key); cached != nil {
			return cached, nil
		}
	}

	snapshot, err := s.runs.GetLatestResponse(ctx, endpointID)
	if err != nil {
		return nil, fmt.Errorf("latest response: %w", err)
	}

	if s.cache != nil && snapshot != nil {
		s.writeCachedResponse(ctx, key, snapshot)
	}
	return snapshot, nil
}

func responseCacheKey(endpointID string) string {
	return "response:latest:" + endpointID
}

func (s *HintsService) readCachedResponse(ctx context.Context, key string) *model.ResponseSnapshot {
	payload, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "hints: cache read failed", "key", key, "error", err)
		return nil
	}
	if payload == nil {
		return nil
	}

	var snapshot model.ResponseSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		s.logger.WarnContext(ctx, "hints: discarding undecodable cache entry", "key", key, "error", err)
		return nil
	}
	return &snapshot
}

func (s *HintsService) writeCachedResponse(ctx context.Context, key string, snapshot *model.ResponseSnapshot) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		s.logger.WarnContext(ctx, "hints: encode response for cache", "key", key, "error", err)
		return
	}
	if err := s.cache.Set(ctx, key, payload, s.responseTTL); err != nil {
		s.logger.WarnContext(ctx, "hints: cache write failed", "key", key, "error", err)
	}
}

// GetResponseHistory returns the endpoint's newest captured responses. The
// repository bounds the limit; zero means its default page.
func (s *HintsService) GetResponseHistory(ctx context.Context, userID, endpointID string, limit int) ([]*model.ResponseSnapshot, error) {
	if _, err := s.jobs.GetEndpoint(ctx, userID, endpointID); err != nil {
		return nil, err
	}

	history, err := s.runs.GetResponseHistory(ctx, endpointID, limit)
	if err != nil {
		return nil, fmt.Errorf("response history: %w", err)
	}
	return history, nil
}

// GetSiblingLatestResponses returns the newest response of every other
// endpoint in the same job, for cross-endpoint planner context.
func (s *HintsService) GetSiblingLatestResponses(ctx context.Context, userID, endpointID string) ([]*model.ResponseSnapshot, error) {
	endpoint, err := s.jobs.GetEndpoint(ctx, userID, endpointID)
	if err != nil {
		return nil, err
	}

	siblings, err := s.runs.GetSiblingLatestResponses(ctx, endpoint.JobID, endpointID)
	if err != nil {
		return nil, fmt.Errorf("sibling responses: %w", err)
	}
	return siblings, nil
}

// GetHealthSummary condenses the endpoint's outcomes over the trailing
// window; zero or negative applies DefaultHealthWindow.
func (s *HintsService) GetHealthSummary(ctx context.Context, userID, endpointID string, window time.Duration) (*model.HealthSummary, error) {
	if _, err := s.jobs.GetEndpoint(ctx, userID, endpointID); err != nil {
		return nil, err
	}

	if window <= 0 {
		window = DefaultHealthWindow
	}
	summary, err := s.runs.GetHealthSummary(ctx, endpointID, window)
	if err != nil {
		return nil, fmt.Errorf("health summary: %w", err)
	}
	return summary, nil
}

// QueryResponse evaluates a JMESPath expression against the endpoint's latest
// captured response body, so planners can extract a signal without pulling
// the whole payload through their context.
func (s *HintsService) QueryResponse(ctx context.Context, userID, endpointID, expression string) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, apperrors.Validation("a jmespath expression is required")
	}
	if err := s.jems.Validate(expression); err != nil {
		return nil, apperrors.Validationf("invalid jmespath expression: %v", err)
	}

	if _, err := s.jobs.GetEndpoint(ctx, userID, endpointID); err != nil {
		return nil, err
	}

	snapshot, err := s.latestResponse(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, apperrors.NotFound("no captured response")
	}
	if len(snapshot.Body) == 0 {
		return nil, apperrors.NotFound("latest run captured no response body")
	}

	var payload any
	if err := json.Unmarshal(snapshot.Body, &payload); err != nil {
		return nil, apperrors.Validation("latest response body is not valid JSON")
	}

	result, err := s.jems.Evaluate(expression, payload)
	if err != nil {
		return nil, apperrors.Validationf("evaluate jmespath expression: %v", err)
	}
	return result, nil
}

// ProposeInterval applies an interval hint on the planner's behalf. The prior
// hint block is replaced wholesale; repeating a proposal is harmless.
func (s *HintsService) ProposeInterval(ctx context.Context, userID, endpointID string, req *model.IntervalHintRequest) error {
	return s.jobs.ApplyIntervalHint(ctx, userID, endpointID, req)
}

// ProposeNextTime applies a one-shot hint on the planner's behalf.
func (s *HintsService) ProposeNextTime(ctx context.Context, userID, endpointID string, req *model.OneShotHintRequest) error {
	return s.jobs.ApplyOneShotHint(ctx, userID, endpointID, req)
}

// PauseUntil parks the endpoint until the given instant on the planner's
// behalf; nil resumes it. The stated reason is recorded in the log stream,
// not on the endpoint.
func (s *HintsService) PauseUntil(ctx context.Context, userID, endpointID string, until *time.Time, reason *string) error {
	if reason != nil && *reason != "" {
		s.logger.InfoContext(ctx, "hints: planner pause",
			"endpoint_id", endpointID, "until", until, "reason", *reason)
	}
	return s.jobs.PauseEndpoint(ctx, userID, endpointID, until)
}

// RecordSession appends a planner analysis session to the endpoint's history.
// Sessions are append-only and never influence scheduling by themselves.
func (s *HintsService) RecordSession(ctx context.Context, userID string, req *model.CreateSessionRequest) (*model.AnalysisSession, error) {
	if req == nil {
		return nil, apperrors.Validation("create session request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	if _, err := s.jobs.GetEndpoint(ctx, userID, req.EndpointID); err != nil {
		return nil, err
	}

	session, err := s.sessions.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("record session: %w", err)
	}
	return session, nil
}

// GetLatestSession returns the endpoint's most recent analysis session.
func (s *HintsService) GetLatestSession(ctx context.Context, userID, endpointID string) (*model.AnalysisSession, error) {
	if _, err := s.jobs.GetEndpoint(ctx, userID, endpointID); err != nil {
		return nil, err
	}

	session, err := s.sessions.GetLatest(ctx, endpointID)
	if err != nil {
		if errors.Is(err, data.ErrSessionNotFound) {
			return nil, apperrors.NotFound("no analysis sessions recorded")
		}
		return nil, fmt.Errorf("latest session: %w", err)
	}
	return session, nil
}

// ListSessions returns a page of the endpoint's analysis sessions, newest
// first.
func (s *HintsService) ListSessions(ctx context.Context, userID string, p core.ListSessionsParams) ([]*model.AnalysisSession, error) {
	if _, err := s.jobs.GetEndpoint(ctx, userID, p.EndpointID); err != nil {
		return nil, err
	}

	sessions, err := s.sessions.ListByEndpoint(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}
