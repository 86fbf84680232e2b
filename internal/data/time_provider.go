package data

import (
	"context"
	"time"
)

// TimeProvider abstracts the clock so schedule math and lease expiry can be
// driven deterministically in tests.
type TimeProvider interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first,
	// returning ctx.Err() when interrupted.
	Sleep(ctx context.Context, d time.Duration) error
}

// RealTimeProvider is the wall-clock TimeProvider used in production.
type RealTimeProvider struct{}

func (r *RealTimeProvider) Now() time.Time { return time.Now() }

func (r *RealTimeProvider) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FixedTimeProvider is a deterministic TimeProvider for tests. It starts at a
// chosen instant and moves only when Sleep is called.
type FixedTimeProvider struct {
	now time.Time
}

// NewFixedTimeProvider returns a provider pinned to t.
func NewFixedTimeProvider(t time.Time) *FixedTimeProvider {
	return &FixedTimeProvider{now: t}
}

func (f *FixedTimeProvider) Now() time.Time { return f.now }

// Sleep advances the clock by d without blocking.
func (f *FixedTimeProvider) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d > 0 {
		f.now = f.now.Add(d)
	}
	return nil
}
