package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// HTTPMethod represents the HTTP method an endpoint is dispatched with.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type HTTPMethod string

const (
	MethodGet    HTTPMethod = "GET"
	MethodPost   HTTPMethod = "POST"
	MethodPut    HTTPMethod = "PUT"
	MethodPatch  HTTPMethod = "PATCH"
	MethodDelete HTTPMethod = "DELETE"
)

// UnmarshalText implements encoding.TextUnmarshaler for HTTPMethod.
func (m *HTTPMethod) UnmarshalText(text []byte) error {
	v := strings.ToUpper(strings.TrimSpace(string(text)))
	hm := HTTPMethod(v)
	if hm.Valid() {
		*m = hm
		return nil
	}
	return fmt.Errorf("invalid HTTPMethod: %q", v)
}

// Valid returns true if the HTTPMethod is one of the dispatchable methods.
func (m HTTPMethod) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete:
		return true
	default:
		return false
	}
}

// FarFuture is the sentinel instant used to pin endpoints that must never fire
// until a human intervenes (archived, paused forever, invalid schedule).
var FarFuture = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

const (
	// DispatchTimeoutCeiling is the absolute upper bound on a single dispatch.
	DispatchTimeoutCeiling = 60 * time.Second
	// DefaultResponseCapKb bounds captured response bodies when the endpoint sets no cap.
	DefaultResponseCapKb = 256
	// MaxFailureCount caps the failure streak counter so backoff stays bounded.
	MaxFailureCount = 64
)

// Endpoint is the unit the scheduler fires: one URL with one schedule, plus the
// runtime state the claim/lease protocol and the governor operate on.
type Endpoint struct {
	ID          string  `json:"id"                    db:"id"`
	JobID       string  `json:"job_id"                db:"job_id"`
	TenantID    string  `json:"tenant_id"             db:"tenant_id"`
	Name        string  `json:"name"                  db:"name"`
	Description *string `json:"description,omitempty" db:"description"`

	// Baseline cadence: exactly one of the two is set.
	BaselineCron       *string `json:"baseline_cron,omitempty"        db:"baseline_cron"`
	BaselineIntervalMs *int64  `json:"baseline_interval_ms,omitempty" db:"baseline_interval_ms"`

	// Guardrails bounding any hint or baseline decision.
	MinIntervalMs *int64 `json:"min_interval_ms,omitempty" db:"min_interval_ms"`
	MaxIntervalMs *int64 `json:"max_interval_ms,omitempty" db:"max_interval_ms"`

	URL                string            `json:"url"                              db:"url"`
	Method             HTTPMethod        `json:"method"                           db:"method"`
	Headers            map[string]string `json:"headers,omitempty"                db:"headers_json"`
	Body               json.RawMessage   `json:"body,omitempty"                   db:"body_json"`
	TimeoutMs          *int64            `json:"timeout_ms,omitempty"             db:"timeout_ms"`
	MaxExecutionTimeMs *int64            `json:"max_execution_time_ms,omitempty"  db:"max_execution_time_ms"`
	MaxResponseSizeKb  *int64            `json:"max_response_size_kb,omitempty"   db:"max_response_size_kb"`

	NextRunAt    time.Time  `json:"next_run_at"             db:"next_run_at"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"   db:"last_run_at"`
	FailureCount int        `json:"failure_count"           db:"failure_count"`

	LeasedUntil *time.Time `json:"leased_until,omitempty" db:"leased_until"`
	LeaseOwner  *string    `json:"lease_owner,omitempty"  db:"lease_owner"`

	AIHintIntervalMs *int64     `json:"ai_hint_interval_ms,omitempty" db:"ai_hint_interval_ms"`
	AIHintNextRunAt  *time.Time `json:"ai_hint_next_run_at,omitempty" db:"ai_hint_next_run_at"`
	AIHintExpiresAt  *time.Time `json:"ai_hint_expires_at,omitempty"  db:"ai_hint_expires_at"`
	AIHintReason     *string    `json:"ai_hint_reason,omitempty"      db:"ai_hint_reason"`

	PausedUntil *time.Time `json:"paused_until,omitempty" db:"paused_until"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"  db:"archived_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Archived reports whether the endpoint has been soft-deleted.
func (e *Endpoint) Archived() bool {
	return e.ArchivedAt != nil
}

// Leased reports whether the endpoint is exclusively owned by a worker at now.
func (e *Endpoint) Leased(now time.Time) bool {
	return e.LeasedUntil != nil && e.LeasedUntil.After(now)
}

// Paused reports whether the endpoint is ineligible for dispatch at now.
func (e *Endpoint) Paused(now time.Time) bool {
	return e.PausedUntil != nil && e.PausedUntil.After(now)
}

// HasFreshHint reports whether an AI hint exists and has not expired at now.
func (e *Endpoint) HasFreshHint(now time.Time) bool {
	return e.AIHintExpiresAt != nil && e.AIHintExpiresAt.After(now)
}

// HasStaleHint reports whether hint fields are present but the hint has expired.
func (e *Endpoint) HasStaleHint(now time.Time) bool {
	if e.AIHintExpiresAt == nil {
		return e.AIHintIntervalMs != nil || e.AIHintNextRunAt != nil
	}
	return !e.AIHintExpiresAt.After(now)
}

// EffectiveTimeout resolves the dispatch deadline: the minimum of the endpoint's
// timeout, its max execution time, and the absolute ceiling. Absent values do
// not participate.
func (e *Endpoint) EffectiveTimeout() time.Duration {
	d := DispatchTimeoutCeiling
	if e.TimeoutMs != nil && *e.TimeoutMs > 0 {
		if t := time.Duration(*e.TimeoutMs) * time.Millisecond; t < d {
			d = t
		}
	}
	if e.MaxExecutionTimeMs != nil && *e.MaxExecutionTimeMs > 0 {
		if t := time.Duration(*e.MaxExecutionTimeMs) * time.Millisecond; t < d {
			d = t
		}
	}
	return d
}

// EffectiveResponseCap resolves the maximum number of response bytes to retain.
func (e *Endpoint) EffectiveResponseCap() int64 {
	kb := int64(DefaultResponseCapKb)
	if e.MaxResponseSizeKb != nil && *e.MaxResponseSizeKb > 0 {
		kb = *e.MaxResponseSizeKb
	}
	return kb * 1024
}

// EndpointCounts summarizes a user's endpoint population.
type EndpointCounts struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Paused int `json:"paused"`
}

// AIHint is the planner-written override persisted on an endpoint. Writes are
// latest-wins: the whole hint block is replaced.
type AIHint struct {
	IntervalMs *int64     `json:"interval_ms,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Reason     *string    `json:"reason,omitempty"`
}

// Validate validates the AIHint fields.
func (h *AIHint) Validate() error {
	if h.IntervalMs == nil && h.NextRunAt == nil {
		return errors.New("hint requires an interval or a next run time")
	}
	if h.IntervalMs != nil && *h.IntervalMs <= 0 {
		return errors.New("hint interval must be positive")
	}
	if h.ExpiresAt.IsZero() {
		return errors.New("hint expiry is required")
	}
	return nil
}

// IntervalHintRequest proposes a temporary dispatch cadence for an endpoint.
// The hint expires TTLMinutes after it is written.
type IntervalHintRequest struct {
	IntervalMs int64   `json:"interval_ms"`
	TTLMinutes int     `json:"ttl_minutes"`
	Reason     *string `json:"reason,omitempty"`
}

// Validate validates the IntervalHintRequest fields.
func (r *IntervalHintRequest) Validate() error {
	if r.IntervalMs <= 0 {
		return errors.New("hint interval must be positive")
	}
	if r.TTLMinutes <= 0 {
		return errors.New("hint ttl must be positive")
	}
	return nil
}

// OneShotHintRequest proposes a single future fire time for an endpoint,
// either as an absolute instant or as a delay from now. Exactly one of the
// two must be set.
type OneShotHintRequest struct {
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	NextRunInMs *int64     `json:"next_run_in_ms,omitempty"`
	TTLMinutes  int        `json:"ttl_minutes"`
	Reason      *string    `json:"reason,omitempty"`
}

// Validate validates the OneShotHintRequest fields.
func (r *OneShotHintRequest) Validate() error {
	if (r.NextRunAt == nil) == (r.NextRunInMs == nil) {
		return errors.New("exactly one of next run time or next run delay is required")
	}
	if r.NextRunInMs != nil && *r.NextRunInMs < 0 {
		return errors.New("next run delay cannot be negative")
	}
	if r.TTLMinutes <= 0 {
		return errors.New("hint ttl must be positive")
	}
	return nil
}

// FireTime resolves the requested instant against now.
func (r *OneShotHintRequest) FireTime(now time.Time) time.Time {
	if r.NextRunAt != nil {
		return *r.NextRunAt
	}
	return now.Add(time.Duration(*r.NextRunInMs) * time.Millisecond)
}

// CreateEndpointRequest represents a request to add an endpoint to a job.
type CreateEndpointRequest struct {
	Name               string            `json:"name"`
	Description        *string           `json:"description,omitempty"`
	BaselineCron       *string           `json:"baseline_cron,omitempty"`
	BaselineIntervalMs *int64            `json:"baseline_interval_ms,omitempty"`
	MinIntervalMs      *int64            `json:"min_interval_ms,omitempty"`
	MaxIntervalMs      *int64            `json:"max_interval_ms,omitempty"`
	URL                string            `json:"url"`
	Method             HTTPMethod        `json:"method"`
	Headers            map[string]string `json:"headers,omitempty"`
	Body               json.RawMessage   `json:"body,omitempty"`
	TimeoutMs          *int64            `json:"timeout_ms,omitempty"`
	MaxExecutionTimeMs *int64            `json:"max_execution_time_ms,omitempty"`
	MaxResponseSizeKb  *int64            `json:"max_response_size_kb,omitempty"`
}

// Validate validates the CreateEndpointRequest fields. Cron expression syntax
// is checked by the service layer, which owns the cron dialect.
func (r *CreateEndpointRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if len(r.Name) > maxNameLength {
		return errors.New("name exceeds maximum length")
	}
	if err := validateBaseline(r.BaselineCron, r.BaselineIntervalMs); err != nil {
		return err
	}
	if err := validateClamps(r.MinIntervalMs, r.MaxIntervalMs); err != nil {
		return err
	}
	if err := ValidateDispatchURL(r.URL); err != nil {
		return err
	}
	if !r.Method.Valid() {
		return errors.New("invalid HTTP method")
	}
	for _, v := range []*int64{r.TimeoutMs, r.MaxExecutionTimeMs, r.MaxResponseSizeKb} {
		if v != nil && *v <= 0 {
			return errors.New("timeout and size limits must be positive")
		}
	}
	return nil
}

// UpdateEndpointRequest represents a partial update to an endpoint's user-owned
// configuration. Nil fields are left untouched; providing either baseline field
// replaces the baseline pair as a whole.
type UpdateEndpointRequest struct {
	Name               *string           `json:"name,omitempty"`
	Description        *string           `json:"description,omitempty"`
	BaselineCron       *string           `json:"baseline_cron,omitempty"`
	BaselineIntervalMs *int64            `json:"baseline_interval_ms,omitempty"`
	MinIntervalMs      *int64            `json:"min_interval_ms,omitempty"`
	MaxIntervalMs      *int64            `json:"max_interval_ms,omitempty"`
	URL                *string           `json:"url,omitempty"`
	Method             *HTTPMethod       `json:"method,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
	Body               json.RawMessage   `json:"body,omitempty"`
	TimeoutMs          *int64            `json:"timeout_ms,omitempty"`
	MaxExecutionTimeMs *int64            `json:"max_execution_time_ms,omitempty"`
	MaxResponseSizeKb  *int64            `json:"max_response_size_kb,omitempty"`
}

// ChangesBaseline reports whether the update replaces the baseline cadence.
func (r *UpdateEndpointRequest) ChangesBaseline() bool {
	return r.BaselineCron != nil || r.BaselineIntervalMs != nil
}

// Validate validates the UpdateEndpointRequest fields.
func (r *UpdateEndpointRequest) Validate() error {
	if r.Name != nil {
		if strings.TrimSpace(*r.Name) == "" {
			return errors.New("name cannot be blank")
		}
		if len(*r.Name) > maxNameLength {
			return errors.New("name exceeds maximum length")
		}
	}
	if r.ChangesBaseline() {
		if err := validateBaseline(r.BaselineCron, r.BaselineIntervalMs); err != nil {
			return err
		}
	}
	if r.URL != nil {
		if err := ValidateDispatchURL(*r.URL); err != nil {
			return err
		}
	}
	if r.Method != nil && !r.Method.Valid() {
		return errors.New("invalid HTTP method")
	}
	for _, v := range []*int64{r.TimeoutMs, r.MaxExecutionTimeMs, r.MaxResponseSizeKb} {
		if v != nil && *v <= 0 {
			return errors.New("timeout and size limits must be positive")
		}
	}
	return nil
}

func validateBaseline(cron *string, intervalMs *int64) error {
	hasCron := cron != nil && strings.TrimSpace(*cron) != ""
	hasInterval := intervalMs != nil
	switch {
	case hasCron && hasInterval:
		return errors.New("baseline must be cron or interval, not both")
	case !hasCron && !hasInterval:
		return errors.New("a baseline cron or interval is required")
	case hasInterval && *intervalMs <= 0:
		return errors.New("baseline interval must be positive")
	}
	return nil
}

func validateClamps(minMs, maxMs *int64) error {
	if minMs != nil && *minMs <= 0 {
		return errors.New("min interval must be positive")
	}
	if maxMs != nil && *maxMs <= 0 {
		return errors.New("max interval must be positive")
	}
	if minMs != nil && maxMs != nil && *minMs > *maxMs {
		return errors.New("min interval cannot exceed max interval")
	}
	return nil
}

// ValidateDispatchURL enforces the dispatchable URL shape: absolute http or
// https with a host.
func ValidateDispatchURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("url host is required")
	}
	return nil
}
