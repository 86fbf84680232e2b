// Package testutil provides testing utilities and helpers for the cronicorn scheduling system.
package testutil

import (
	"encoding/json"
	"time"

	"github.com/weskerllc/cronicorn/internal/domain/model"
)

// JobRequestBuilder assembles CreateJobRequest values for tests via chained setters.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest starts a job request builder seeded with a usable name.
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			Name: "order-pipeline",
		},
	}
}

// WithName sets the job name.
func (b *JobRequestBuilder) WithName(name string) *JobRequestBuilder {
	b.req.Name = name
	return b
}

// WithDescription sets the job description.
func (b *JobRequestBuilder) WithDescription(description string) *JobRequestBuilder {
	b.req.Description = &description
	return b
}

// Build returns the constructed CreateJobRequest.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}

// EndpointRequestBuilder assembles CreateEndpointRequest values for tests via chained setters.
type EndpointRequestBuilder struct {
	req *model.CreateEndpointRequest
}

// NewEndpointRequest creates a new EndpointRequestBuilder with sensible
// defaults: a five-minute interval baseline posting to an example URL.
func NewEndpointRequest() *EndpointRequestBuilder {
	interval := int64(5 * time.Minute / time.Millisecond)
	return &EndpointRequestBuilder{
		req: &model.CreateEndpointRequest{
			Name:               "poll-orders",
			URL:                "https://api.example.com/orders/poll",
			Method:             model.MethodPost,
			BaselineIntervalMs: &interval,
		},
	}
}

// WithName sets the endpoint name.
func (b *EndpointRequestBuilder) WithName(name string) *EndpointRequestBuilder {
	b.req.Name = name
	return b
}

// WithDescription sets the endpoint description.
func (b *EndpointRequestBuilder) WithDescription(description string) *EndpointRequestBuilder {
	b.req.Description = &description
	return b
}

// WithCron sets a cron baseline and clears the interval baseline.
func (b *EndpointRequestBuilder) WithCron(expr string) *EndpointRequestBuilder {
	b.req.BaselineCron = &expr
	b.req.BaselineIntervalMs = nil
	return b
}

// WithInterval sets an interval baseline and clears the cron baseline.
func (b *EndpointRequestBuilder) WithInterval(d time.Duration) *EndpointRequestBuilder {
	ms := d.Milliseconds()
	b.req.BaselineIntervalMs = &ms
	b.req.BaselineCron = nil
	return b
}

// WithClamps sets the min and max interval clamps.
func (b *EndpointRequestBuilder) WithClamps(minInterval, maxInterval time.Duration) *EndpointRequestBuilder {
	minMs := minInterval.Milliseconds()
	maxMs := maxInterval.Milliseconds()
	b.req.MinIntervalMs = &minMs
	b.req.MaxIntervalMs = &maxMs
	return b
}

// WithURL sets the dispatch URL.
func (b *EndpointRequestBuilder) WithURL(url string) *EndpointRequestBuilder {
	b.req.URL = url
	return b
}

// WithMethod sets the dispatch method.
func (b *EndpointRequestBuilder) WithMethod(method model.HTTPMethod) *EndpointRequestBuilder {
	b.req.Method = method
	return b
}

// WithHeaders sets the dispatch headers.
func (b *EndpointRequestBuilder) WithHeaders(headers map[string]string) *EndpointRequestBuilder {
	b.req.Headers = headers
	return b
}

// WithBody sets the dispatch body.
func (b *EndpointRequestBuilder) WithBody(body json.RawMessage) *EndpointRequestBuilder {
	b.req.Body = body
	return b
}

// WithBodyString sets the dispatch body from a string.
func (b *EndpointRequestBuilder) WithBodyString(body string) *EndpointRequestBuilder {
	b.req.Body = json.RawMessage(body)
	return b
}

// WithTimeout sets the per-request timeout.
func (b *EndpointRequestBuilder) WithTimeout(d time.Duration) *EndpointRequestBuilder {
	ms := d.Milliseconds()
	b.req.TimeoutMs = &ms
	return b
}

// WithResponseCap sets the response capture cap in KiB.
func (b *EndpointRequestBuilder) WithResponseCap(kb int64) *EndpointRequestBuilder {
	b.req.MaxResponseSizeKb = &kb
	return b
}

// Build returns the constructed CreateEndpointRequest.
func (b *EndpointRequestBuilder) Build() *model.CreateEndpointRequest {
	return b.req
}

// Common test request presets

// IntervalEndpointRequest creates an endpoint request with an interval baseline.
func IntervalEndpointRequest(d time.Duration) *model.CreateEndpointRequest {
	return NewEndpointRequest().
		WithInterval(d).
		Build()
}

// CronEndpointRequest creates an endpoint request with a cron baseline.
func CronEndpointRequest(expr string) *model.CreateEndpointRequest {
	return NewEndpointRequest().
		WithCron(expr).
		Build()
}

// ClampedEndpointRequest creates an endpoint request with interval clamps that
// constrain planner hints.
func ClampedEndpointRequest(base, minInterval, maxInterval time.Duration) *model.CreateEndpointRequest {
	return NewEndpointRequest().
		WithInterval(base).
		WithClamps(minInterval, maxInterval).
		Build()
}

// Hint builders for planner tests

// IntervalHint creates a fresh interval hint expiring after ttl.
func IntervalHint(now time.Time, interval time.Duration, ttl time.Duration) *model.AIHint {
	ms := interval.Milliseconds()
	return &model.AIHint{
		IntervalMs: &ms,
		ExpiresAt:  now.Add(ttl),
	}
}

// OneShotHint creates a fresh one-shot hint expiring after ttl.
func OneShotHint(now time.Time, at time.Time, ttl time.Duration) *model.AIHint {
	return &model.AIHint{
		NextRunAt: &at,
		ExpiresAt: now.Add(ttl),
	}
}

// Outcome builders for dispatch tests

// SuccessOutcome creates a successful dispatch outcome with the given status code.
func SuccessOutcome(statusCode int, durationMs int64) model.Outcome {
	return model.Outcome{
		Kind:       model.OutcomeSuccess,
		StatusCode: &statusCode,
		DurationMs: durationMs,
	}
}

// HTTPFailureOutcome creates a failed dispatch outcome with the given status code.
func HTTPFailureOutcome(statusCode int, durationMs int64) model.Outcome {
	msg := "unexpected status"
	return model.Outcome{
		Kind:         model.OutcomeHTTPFailure,
		StatusCode:   &statusCode,
		DurationMs:   durationMs,
		ErrorMessage: &msg,
	}
}

// TimeoutOutcome creates a timed-out dispatch outcome.
func TimeoutOutcome(durationMs int64) model.Outcome {
	msg := "request deadline exceeded"
	return model.Outcome{
		Kind:         model.OutcomeTimeout,
		DurationMs:   durationMs,
		ErrorMessage: &msg,
	}
}

// NetworkFailureOutcome creates a network-failed dispatch outcome.
func NetworkFailureOutcome(errMsg string, durationMs int64) model.Outcome {
	return model.Outcome{
		Kind:         model.OutcomeNetworkFailure,
		DurationMs:   durationMs,
		ErrorMessage: &errMsg,
	}
}
