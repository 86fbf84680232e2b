// Package pagerduty triggers PagerDuty incidents for endpoint failures via
// the Events API v2.
package pagerduty

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/weskerllc/cronicorn/internal/observability/notify"
)

// APIEndpoint is the PagerDuty Events API v2 ingest URL.
const APIEndpoint = "https://events.pagerduty.com/v2/enqueue"

// errorBodyCap bounds how much of an API error response is quoted in the
// returned error.
const errorBodyCap = 4 << 10

// retryDelay spaces event submission retries.
const retryDelay = 250 * time.Millisecond

// defaultRequestTimeout caps an event POST when the config carries none.
const defaultRequestTimeout = 5 * time.Second

// Config holds the Events API v2 settings for the PagerDuty sink. Source
// and Component land on the triggered incident and default to "cronicorn".
type Config struct {
	RoutingKey string
	Source     string
	Component  string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// Client triggers PagerDuty incidents through the Events API v2.
type Client struct {
	routingKey string
	source     string
	component  string
	retryLimit int
	client     *http.Client
}

// NewClient builds a PagerDuty events client from cfg. The routing key is
// the only required field; the rest fall back to workable defaults.
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.RoutingKey)
	if key == "" {
		return nil, errors.New("pagerduty routing key is required")
	}

	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: cmp.Or(max(cfg.Timeout, 0), defaultRequestTimeout)}
	}

	return &Client{
		routingKey: key,
		source:     cmp.Or(strings.TrimSpace(cfg.Source), "cronicorn"),
		component:  cmp.Or(strings.TrimSpace(cfg.Component), "cronicorn"),
		retryLimit: max(cfg.RetryLimit, 0),
		client:     hc,
	}, nil
}

// SendEndpointFailure submits a trigger event to PagerDuty, retrying
// transient delivery failures on a short constant delay.
func (c *Client) SendEndpointFailure(ctx context.Context, payload notify.EndpointFailurePayload) error {
	body, err := json.Marshal(c.buildEvent(payload))
	if err != nil {
		return fmt.Errorf("encode pagerduty payload: %w", err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(retryDelay), uint64(c.retryLimit)),
		ctx,
	)
	return backoff.Retry(func() error { return c.post(ctx, body) }, policy)
}

func (c *Client) post(ctx context.Context, body []byte) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, APIEndpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create pagerduty request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post pagerduty event: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close response body: %w", closeErr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyCap))
		err = fmt.Errorf("pagerduty api %s: %s", resp.Status, strings.TrimSpace(string(detail)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			// 400 means the event itself was rejected; resending it cannot help.
			return backoff.Permanent(err)
		}
		return err
	}

	if _, copyErr := io.Copy(io.Discard, resp.Body); copyErr != nil {
		return fmt.Errorf("drain pagerduty response body: %w", copyErr)
	}
	return nil
}

func (c *Client) buildEvent(payload notify.EndpointFailurePayload) map[string]any {
	custom := map[string]any{
		"endpoint_id":    payload.EndpointID,
		"endpoint_name":  payload.EndpointName,
		"job_id":         payload.JobID,
		"target_url":     payload.URL,
		"failure_streak": strconv.Itoa(payload.StreakCount),
		"error":          payload.Error,
		"error_class":    payload.ErrorClass,
	}
	if payload.StatusCode != nil {
		custom["last_status"] = strconv.Itoa(*payload.StatusCode)
	}
	for k, v := range payload.Metadata {
		// Metadata never clobbers the canonical keys above.
		if _, exists := custom[k]; !exists {
			custom[k] = v
		}
	}

	// Keyed on the endpoint so repeated streaks dedupe onto one incident.
	dedup := "endpoint"
	if payload.EndpointID != "" {
		dedup += ":" + payload.EndpointID
	}

	return map[string]any{
		"routing_key":  c.routingKey,
		"event_action": "trigger",
		"dedup_key":    dedup,
		"payload": map[string]any{
			"summary": fmt.Sprintf("Endpoint %s failing: %d consecutive failures",
				payload.Subject(), payload.StreakCount),
			"severity":       notify.NormalizeSeverity(payload.Severity),
			"source":         c.source,
			"component":      c.component,
			"timestamp":      payload.Timestamp().Format(time.RFC3339),
			"custom_details": custom,
		},
	}
}
