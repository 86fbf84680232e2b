package schedule

import (
	"time"

	"github.com/weskerllc/cronicorn/internal/domain/model"
)

const (
	// nearImmediate is the "immediate but not past" offset: any computed fire
	// time at or before now becomes now + this.
	nearImmediate = time.Second

	// backoffExponentCap bounds the exponential growth of failure backoff.
	backoffExponentCap = 10

	// backoffCeilingFloor is the minimum value of the backoff ceiling; an
	// endpoint's max interval can raise it but never lower it.
	backoffCeilingFloor = time.Hour

	// DefaultBackoffBase is the failure backoff base used when the endpoint's
	// baseline is a cron expression and therefore carries no interval.
	DefaultBackoffBase = time.Minute
)

// HintClears tells the post-run write which AI hint fields to null out.
type HintClears struct {
	// OneShot consumes a fired one-shot: only the hint's next-run instant is
	// cleared, an accompanying interval stays live until expiry.
	OneShot bool
	// Expired clears the whole hint block after its expiry passed.
	Expired bool
}

// Any reports whether any hint field needs clearing.
func (c HintClears) Any() bool {
	return c.OneShot || c.Expired
}

// Decision is the governor's verdict for one endpoint after one run.
type Decision struct {
	NextRunAt    time.Time
	FailureCount int
	// PausedUntil is written only when non-nil; nil leaves the stored value
	// untouched.
	PausedUntil *time.Time
	Source      model.RunSource
	ClearHints  HintClears
}

// GovernParams carries the inputs of one governor evaluation.
type GovernParams struct {
	Endpoint model.Endpoint
	Outcome  model.Outcome
	Now      time.Time
	// BackoffBase overrides DefaultBackoffBase for cron-baseline endpoints.
	BackoffBase time.Duration
}

// Govern computes the next fire time and lifecycle side effects for an
// endpoint given the outcome of the run that just finished. It is pure: same
// inputs, same decision.
//
// Rules fire in order; the first match wins: pause takeover, failure backoff,
// fresh one-shot hint, fresh interval hint, baseline, then clamping and reset.
// AI hints are never consulted on failures so backoff and hints cannot
// compound.
//
// The only error case is a baseline cron that cannot be scheduled; the
// returned Decision is still actionable then (the endpoint is pinned to the
// far-future sentinel) and the error is *InvalidScheduleError or
// ErrInvalidCronExpr for the caller to record.
func Govern(p GovernParams) (Decision, error) {
	e := p.Endpoint
	now := p.Now

	d := Decision{FailureCount: e.FailureCount}
	if e.HasStaleHint(now) {
		d.ClearHints.Expired = true
	}

	// Pause takeover: a paused endpoint re-enters the schedule at its resume
	// instant, failure streak untouched.
	if e.Paused(now) {
		d.NextRunAt = laterOf(*e.PausedUntil, now.Add(nearImmediate))
		d.Source = model.SourceBaselineInterval
		return d, nil
	}

	// Failure backoff: exponential on the baseline cadence, ignoring hints.
	if !p.Outcome.Success() {
		fc := e.FailureCount + 1
		if fc > model.MaxFailureCount {
			fc = model.MaxFailureCount
		}
		d.FailureCount = fc
		d.NextRunAt = now.Add(failureBackoff(e, fc, p.BackoffBase))
		d.Source = model.SourceBaselineInterval
		return d, nil
	}

	var candidate time.Time
	var source model.RunSource
	switch {
	case e.HasFreshHint(now) && e.AIHintNextRunAt != nil:
		// One-shot: fires once, then the instant is consumed. An instant in
		// the past means "immediately", never a backdated run.
		candidate = *e.AIHintNextRunAt
		if !candidate.After(now) {
			candidate = now.Add(nearImmediate)
		}
		source = model.SourceAIOneShot
		d.ClearHints.OneShot = true
	case e.HasFreshHint(now) && e.AIHintIntervalMs != nil:
		candidate = now.Add(time.Duration(*e.AIHintIntervalMs) * time.Millisecond)
		source = model.SourceAIInterval
	case e.BaselineCron != nil:
		next, err := NextCron(*e.BaselineCron, now)
		if err != nil {
			far := model.FarFuture
			d.NextRunAt = far
			d.PausedUntil = &far
			d.Source = model.SourceBaselineCron
			return d, err
		}
		candidate = next
		source = model.SourceBaselineCron
	default:
		base := DefaultBackoffBase
		if e.BaselineIntervalMs != nil && *e.BaselineIntervalMs > 0 {
			base = time.Duration(*e.BaselineIntervalMs) * time.Millisecond
		}
		candidate = now.Add(base)
		source = model.SourceBaselineInterval
	}

	// Clamp against the user-owned guardrails. Only AI-chosen times advertise
	// the clamp; a clamped baseline keeps its baseline label.
	delta := candidate.Sub(now)
	if e.MinIntervalMs != nil {
		if minD := time.Duration(*e.MinIntervalMs) * time.Millisecond; delta < minD {
			candidate = now.Add(minD)
			if source == model.SourceAIInterval || source == model.SourceAIOneShot {
				source = model.SourceClampedMin
			}
		}
	}
	if e.MaxIntervalMs != nil {
		if maxD := time.Duration(*e.MaxIntervalMs) * time.Millisecond; delta > maxD {
			candidate = now.Add(maxD)
			if source == model.SourceAIInterval || source == model.SourceAIOneShot {
				source = model.SourceClampedMax
			}
		}
	}
	if !candidate.After(now) {
		candidate = now.Add(nearImmediate)
	}

	d.FailureCount = 0
	d.NextRunAt = candidate
	d.Source = source
	return d, nil
}

// BaselineNext computes the initial fire time for a brand-new endpoint: the
// baseline rule alone, no hints, no failure history.
func BaselineNext(e model.Endpoint, now time.Time) (time.Time, model.RunSource, error) {
	if e.BaselineCron != nil {
		next, err := NextCron(*e.BaselineCron, now)
		if err != nil {
			return time.Time{}, model.SourceBaselineCron, err
		}
		return next, model.SourceBaselineCron, nil
	}
	base := DefaultBackoffBase
	if e.BaselineIntervalMs != nil && *e.BaselineIntervalMs > 0 {
		base = time.Duration(*e.BaselineIntervalMs) * time.Millisecond
	}
	return now.Add(base), model.SourceBaselineInterval, nil
}

// failureBackoff doubles the baseline cadence per consecutive failure, capped
// by the larger of the endpoint's max interval and one hour.
func failureBackoff(e model.Endpoint, failureCount int, base time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if e.BaselineIntervalMs != nil && *e.BaselineIntervalMs > 0 {
		base = time.Duration(*e.BaselineIntervalMs) * time.Millisecond
	}

	exp := failureCount
	if exp > backoffExponentCap {
		exp = backoffExponentCap
	}
	backoff := base << uint(exp)

	ceiling := backoffCeilingFloor
	if e.MaxIntervalMs != nil {
		if m := time.Duration(*e.MaxIntervalMs) * time.Millisecond; m > ceiling {
			ceiling = m
		}
	}
	if backoff <= 0 || backoff > ceiling {
		return ceiling
	}
	return backoff
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
