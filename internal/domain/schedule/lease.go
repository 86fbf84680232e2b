package schedule

import (
	"errors"
	"time"

	"github.com/weskerllc/cronicorn/internal/domain/model"
)

// ErrInvalidLeaseMargin indicates the configured lease safety margin is not positive.
var ErrInvalidLeaseMargin = errors.New("lease margin must be positive")

// DefaultLeaseMargin is the safety slack added beyond twice the dispatch
// deadline so a slow-but-alive worker is not raced by a second claim.
const DefaultLeaseMargin = 10 * time.Second

// LeaseSource identifies how a lease duration was resolved.
type LeaseSource string

const (
	// LeaseSourceComputed indicates the duration was derived from a dispatch deadline.
	LeaseSourceComputed LeaseSource = "computed"
	// LeaseSourceCeiling indicates the dispatch deadline was absent or invalid
	// and the absolute dispatch ceiling was used instead.
	LeaseSourceCeiling LeaseSource = "ceiling"
)

// LeasePolicy derives claim lease durations from dispatch deadlines. A lease
// must always outlast the dispatch it covers: an expired lease is the crash
// signal the zombie sweep keys off.
type LeasePolicy struct {
	margin time.Duration
}

// NewLeasePolicy constructs a LeasePolicy with the provided safety margin.
func NewLeasePolicy(margin time.Duration) (*LeasePolicy, error) {
	if margin <= 0 {
		return nil, ErrInvalidLeaseMargin
	}
	return &LeasePolicy{margin: margin}, nil
}

// Margin returns the configured safety margin.
func (p *LeasePolicy) Margin() time.Duration {
	if p == nil {
		return 0
	}
	return p.margin
}

// LeaseDecision captures the outcome of resolving a lease duration.
type LeaseDecision struct {
	Duration time.Duration
	Source   LeaseSource
}

// ForTimeout resolves the lease covering one dispatch with the given deadline:
// twice the deadline plus the margin.
func (p *LeasePolicy) ForTimeout(timeout time.Duration) LeaseDecision {
	decision := LeaseDecision{Source: LeaseSourceComputed}
	if timeout <= 0 || timeout > model.DispatchTimeoutCeiling {
		timeout = model.DispatchTimeoutCeiling
		decision.Source = LeaseSourceCeiling
	}
	decision.Duration = 2*timeout + p.Margin()
	return decision
}

// ForClaim resolves the lease applied to a whole claimed batch, before the
// endpoints' own deadlines are known. defaultTimeout is the configured
// dispatch default; endpoints with longer deadlines extend individually.
func (p *LeasePolicy) ForClaim(defaultTimeout time.Duration) LeaseDecision {
	return p.ForTimeout(defaultTimeout)
}

// NeedsExtension reports whether a dispatch with the given deadline outruns
// the remaining lease window and must re-lock before dispatching.
func (p *LeasePolicy) NeedsExtension(timeout, remaining time.Duration) bool {
	return timeout+p.Margin() > remaining
}
