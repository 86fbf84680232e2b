// Package notify defines the payload and sink contract shared by the
// notification transports.
package notify

import (
	"context"
	"strings"
	"time"
)

// Severity levels understood by downstream sinks. They match the PagerDuty
// Events API vocabulary; other transports treat them as plain labels.
const (
	SeverityCritical = "critical"
	SeverityError    = "error"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// NormalizeSeverity lowercases a severity label and falls back to critical
// when the value is empty or not a recognised level.
func NormalizeSeverity(value string) string {
	switch s := strings.ToLower(strings.TrimSpace(value)); s {
	case SeverityCritical, SeverityError, SeverityWarning, SeverityInfo:
		return s
	default:
		return SeverityCritical
	}
}

// EndpointFailurePayload captures the canonical data we emit when an
// endpoint's failure streak crosses the notification threshold.
type EndpointFailurePayload struct {
	EndpointID   string
	EndpointName string
	JobID        string
	URL          string
	StreakCount  int
	StatusCode   *int
	Error        string
	ErrorClass   string
	Severity     string
	OccurredAt   time.Time
	Metadata     map[string]string
}

// Subject names the failing endpoint for human-facing output, preferring the
// endpoint name over its ID.
func (p EndpointFailurePayload) Subject() string {
	if name := strings.TrimSpace(p.EndpointName); name != "" {
		return name
	}
	if id := strings.TrimSpace(p.EndpointID); id != "" {
		return id
	}
	return "unknown"
}

// Timestamp returns when the failure occurred in UTC, defaulting to now for
// payloads built without one.
func (p EndpointFailurePayload) Timestamp() time.Time {
	if p.OccurredAt.IsZero() {
		return time.Now().UTC()
	}
	return p.OccurredAt.UTC()
}

// Sink describes a destination capable of consuming endpoint failure notifications.
type Sink interface {
	SendEndpointFailure(ctx context.Context, payload EndpointFailurePayload) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, payload EndpointFailurePayload) error

// SendEndpointFailure implements the Sink interface.
func (f SinkFunc) SendEndpointFailure(ctx context.Context, payload EndpointFailurePayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
