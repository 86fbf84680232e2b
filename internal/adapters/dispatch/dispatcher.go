// Package dispatch implements the HTTP dispatcher that fires endpoint
// requests and folds every failure mode into a run outcome.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/weskerllc/cronicorn/internal/core"
	"github.com/weskerllc/cronicorn/internal/data"
	"github.com/weskerllc/cronicorn/internal/domain/model"
)

// defaultMaxRedirects bounds redirect chains when no override is configured.
const defaultMaxRedirects = 3

// defaultUserAgent identifies the scheduler when no override is configured.
const defaultUserAgent = "cronicorn-scheduler/1.0"

// Options configures the HTTP dispatcher adapter.
type Options struct {
	Logger     *slog.Logger
	HTTPClient *http.Client

	// UserAgent is sent with every dispatch unless the endpoint's own headers
	// override it.
	UserAgent string

	// MaxRedirects bounds how many redirects a single dispatch follows. Zero
	// disables redirect following; negative falls back to the default of 3.
	MaxRedirects int

	// TimeProvider measures dispatch durations; defaults to real time.
	TimeProvider data.TimeProvider
}

// Dispatcher executes endpoint HTTP requests. It never returns an error:
// connection failures, timeouts, and non-2xx responses all become Outcome
// variants for the scheduler to record and the governor to act on.
type Dispatcher struct {
	client       *http.Client
	logger       *slog.Logger
	userAgent    string
	timeProvider data.TimeProvider
}

var _ core.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher constructs a Dispatcher. The redirect cap is installed on a
// copy of the provided client so callers can share a transport without
// inheriting the dispatch redirect policy.
func NewDispatcher(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	maxRedirects := opts.MaxRedirects
	if maxRedirects < 0 {
		maxRedirects = defaultMaxRedirects
	}

	client := &http.Client{}
	if opts.HTTPClient != nil {
		c := *opts.HTTPClient
		client = &c
	}
	// Stopping at the cap surfaces the pending 3xx as an http_failure rather
	// than aborting the dispatch.
	client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return http.ErrUseLastResponse
		}
		return nil
	}

	return &Dispatcher{
		client:       client,
		logger:       logger,
		userAgent:    ua,
		timeProvider: tp,
	}
}

// Dispatch performs one request against the endpoint's URL, honoring its
// method, headers, body, timeout, and response size cap.
func (d *Dispatcher) Dispatch(ctx context.Context, endpoint *model.Endpoint) model.Outcome {
	start := d.timeProvider.Now()
	elapsed := func() int64 {
		return d.timeProvider.Now().Sub(start).Milliseconds()
	}

	ctx, cancel := context.WithTimeout(ctx, endpoint.EffectiveTimeout())
	defer cancel()

	req, err := d.buildRequest(ctx, endpoint)
	if err != nil {
		return d.failure(ctx, endpoint, networkFailure(err.Error(), elapsed()))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return d.failure(ctx, endpoint, classifyDispatchErr(err, elapsed()))
	}

	body, truncated, readErr := readResponseBody(resp.Body, endpoint.EffectiveResponseCap())
	if closeErr := resp.Body.Close(); closeErr != nil && readErr == nil {
		readErr = closeErr
	}
	if readErr != nil {
		return d.failure(ctx, endpoint, classifyDispatchErr(readErr, elapsed()))
	}

	code := resp.StatusCode
	outcome := model.Outcome{
		StatusCode:    &code,
		DurationMs:    elapsed(),
		Body:          normalizeBody(body, truncated),
		BodyTruncated: truncated,
	}
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		outcome.Kind = model.OutcomeSuccess
		return outcome
	}
	outcome.Kind = model.OutcomeHTTPFailure
	msg := fmt.Sprintf("unexpected status %d", code)
	outcome.ErrorMessage = &msg
	return d.failure(ctx, endpoint, outcome)
}

func (d *Dispatcher) buildRequest(ctx context.Context, endpoint *model.Endpoint) (*http.Request, error) {
	u, err := url.Parse(endpoint.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, string(endpoint.Method), endpoint.URL, bytesReader(endpoint.Body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	// Endpoint headers can override the agent identity.
	req.Header.Set("User-Agent", d.userAgent)
	for k, v := range endpoint.Headers {
		req.Header.Set(k, v)
	}
	if len(endpoint.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// failure logs non-success outcomes at debug level and passes them through.
// The scheduler owns the warn-level reporting and the metrics.
func (d *Dispatcher) failure(ctx context.Context, endpoint *model.Endpoint, outcome model.Outcome) model.Outcome {
	attrs := []any{
		"endpoint_id", endpoint.ID,
		"kind", string(outcome.Kind),
		"duration_ms", outcome.DurationMs,
	}
	if outcome.StatusCode != nil {
		attrs = append(attrs, "status_code", *outcome.StatusCode)
	}
	if outcome.ErrorMessage != nil {
		attrs = append(attrs, "error", *outcome.ErrorMessage)
	}
	d.logger.DebugContext(ctx, "dispatch did not succeed", attrs...)
	return outcome
}

// classifyDispatchErr splits transport errors into timeout and network
// failure outcomes. Deadline expiry during the body read counts as a timeout:
// a response that cannot be fully read in time never finished.
func classifyDispatchErr(err error, durationMs int64) model.Outcome {
	if isTimeoutErr(err) {
		msg := "request deadline exceeded"
		return model.Outcome{
			Kind:         model.OutcomeTimeout,
			DurationMs:   durationMs,
			ErrorMessage: &msg,
		}
	}
	return networkFailure(err.Error(), durationMs)
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func networkFailure(msg string, durationMs int64) model.Outcome {
	return model.Outcome{
		Kind:         model.OutcomeNetworkFailure,
		DurationMs:   durationMs,
		ErrorMessage: &msg,
	}
}

// bytesReader returns an io.Reader for b, or nil if b is empty.
func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return nil
	}
	return bytes.NewReader(b)
}

// readResponseBody reads at most limit bytes. One byte past the limit is
// probed to detect truncation, and the remainder is drained so the connection
// can be reused; the dispatch deadline bounds the drain.
func readResponseBody(body io.Reader, limit int64) ([]byte, bool, error) {
	if body == nil || limit <= 0 {
		return nil, false, nil
	}
	limited := io.LimitReader(body, limit+1)
	raw, readErr := io.ReadAll(limited)
	truncated := int64(len(raw)) > limit
	if truncated {
		raw = raw[:limit]
		if _, drainErr := io.Copy(io.Discard, body); drainErr != nil && readErr == nil {
			readErr = drainErr
		}
	}
	return raw, truncated, readErr
}

// normalizeBody coerces a captured response into a value the runs jsonb
// column accepts: valid JSON passes through untouched, anything else
// (including JSON cut mid-token by the cap) is wrapped as a JSON string.
// NUL bytes are stripped because jsonb rejects them.
func normalizeBody(raw []byte, truncated bool) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if !truncated && json.Valid(raw) {
		return json.RawMessage(raw)
	}
	cleaned := strings.ReplaceAll(string(raw), "\x00", "")
	quoted, err := json.Marshal(cleaned)
	if err != nil {
		return nil
	}
	return json.RawMessage(quoted)
}
