// Package slack delivers endpoint failure notifications to a Slack incoming
// webhook using plain mrkdwn messages.
package slack

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/weskerllc/cronicorn/internal/observability/notify"
)

// errorBodyCap bounds how much of a webhook error response is quoted in the
// returned error.
const errorBodyCap = 4 << 10

// retryDelay spaces webhook retries.
const retryDelay = 250 * time.Millisecond

// defaultRequestTimeout caps a webhook POST when the config carries none.
const defaultRequestTimeout = 5 * time.Second

// Config captures the subset of Slack webhook behaviour we need.
type Config struct {
	WebhookURL        string
	Channel           string
	Username          string
	Timeout           time.Duration
	RetryLimit        int
	Client            *http.Client
	EndpointURLPrefix string
}

// Client delivers endpoint failure notifications to a Slack webhook.
type Client struct {
	webhookURL        string
	channel           string
	username          string
	retryLimit        int
	endpointURLPrefix string
	client            *http.Client
}

// NewClient builds a Slack webhook client from cfg. The webhook URL is the
// only required field; the rest fall back to workable defaults.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
	}

	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: cmp.Or(max(cfg.Timeout, 0), defaultRequestTimeout)}
	}

	return &Client{
		webhookURL:        webhookURL,
		channel:           strings.TrimSpace(cfg.Channel),
		username:          cmp.Or(strings.TrimSpace(cfg.Username), "cronicorn"),
		retryLimit:        max(cfg.RetryLimit, 0),
		endpointURLPrefix: strings.TrimSpace(cfg.EndpointURLPrefix),
		client:            hc,
	}, nil
}

// SendEndpointFailure posts a formatted message to Slack, retrying transient
// delivery failures on a short constant delay.
func (c *Client) SendEndpointFailure(ctx context.Context, payload notify.EndpointFailurePayload) error {
	body, err := json.Marshal(c.formatMessage(payload))
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(retryDelay), uint64(c.retryLimit)),
		ctx,
	)
	return backoff.Retry(func() error { return c.post(ctx, body) }, policy)
}

func (c *Client) post(ctx context.Context, body []byte) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create slack request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close response body: %w", closeErr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyCap))
		err = fmt.Errorf("slack webhook %s: %s", resp.Status, strings.TrimSpace(string(detail)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			// The payload will not get better on a retry.
			return backoff.Permanent(err)
		}
		return err
	}

	if _, copyErr := io.Copy(io.Discard, resp.Body); copyErr != nil {
		return fmt.Errorf("drain slack response body: %w", copyErr)
	}
	return nil
}

type messageField struct {
	label string
	value string
}

func (c *Client) formatMessage(payload notify.EndpointFailurePayload) map[string]any {
	var b strings.Builder
	b.WriteString("*Endpoint failure alert*")
	if payload.EndpointID != "" {
		fmt.Fprintf(&b, " `%s`", payload.EndpointID)
	}
	if payload.StreakCount > 0 {
		fmt.Fprintf(&b, " (%d consecutive failures)", payload.StreakCount)
	}
	b.WriteByte('\n')

	for _, f := range c.messageFields(payload) {
		if strings.TrimSpace(f.value) == "" {
			continue
		}
		fmt.Fprintf(&b, "• %s: %s\n", f.label, f.value)
	}
	writeMetadata(&b, payload.Metadata)
	fmt.Fprintf(&b, "• Timestamp: %s", payload.Timestamp().Format(time.RFC3339))

	msg := map[string]any{
		"text":     b.String(),
		"username": c.username,
	}
	if c.channel != "" {
		msg["channel"] = c.channel
	}
	return msg
}

func (c *Client) messageFields(payload notify.EndpointFailurePayload) []messageField {
	status := ""
	if payload.StatusCode != nil {
		status = strconv.Itoa(*payload.StatusCode)
	}

	return []messageField{
		{"Severity", notify.NormalizeSeverity(payload.Severity)},
		{"Endpoint", c.formatEndpointValue(payload.EndpointID, payload.EndpointName)},
		{"Job", payload.JobID},
		{"Target URL", payload.URL},
		{"Last status", status},
		{"Error class", payload.ErrorClass},
		{"Error", payload.Error},
	}
}

// formatEndpointValue renders the endpoint as "name (id)", linking the
// leading part into the dashboard when a URL prefix is configured.
func (c *Client) formatEndpointValue(endpointID, endpointName string) string {
	rawID := strings.TrimSpace(endpointID)
	id := escapeMrkdwn(rawID)
	name := escapeMrkdwn(strings.TrimSpace(endpointName))

	display := name
	if display == "" {
		display = id
	}
	if rawID != "" {
		if link := c.endpointLink(rawID); link != "" {
			display = fmt.Sprintf("<%s|%s>", link, display)
		}
	}
	if name != "" && id != "" {
		display += " (" + id + ")"
	}
	return display
}

// mrkdwnEscaper escapes the three characters Slack treats as control
// sequences in message text.
var mrkdwnEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeMrkdwn(value string) string {
	return mrkdwnEscaper.Replace(value)
}

// endpointLink builds a dashboard deep link when the configured prefix parses
// as an absolute URL.
func (c *Client) endpointLink(endpointID string) string {
	if c.endpointURLPrefix == "" {
		return ""
	}
	u, err := url.Parse(c.endpointURLPrefix)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	link, err := url.JoinPath(u.String(), endpointID)
	if err != nil {
		return ""
	}
	return link
}

func writeMetadata(b *strings.Builder, metadata map[string]string) {
	if len(metadata) == 0 {
		return
	}
	b.WriteString("• Metadata:\n")
	for _, k := range slices.Sorted(maps.Keys(metadata)) {
		fmt.Fprintf(b, "    • %s: %s\n", k, metadata[k])
	}
}
