package failurenotifier

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/weskerllc/cronicorn/internal/observability/notify"
)

// recorder collects delivered payloads; sinks run concurrently so access
// is locked.
type recorder struct {
	mu       sync.Mutex
	payloads []notify.EndpointFailurePayload
}

func (r *recorder) registration(name string) SinkRegistration {
	sink := notify.SinkFunc(func(_ context.Context, p notify.EndpointFailurePayload) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.payloads = append(r.payloads, p)
		return nil
	})
	return SinkRegistration{Name: name, Sink: sink}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func TestNotifyEndpointFailureAtThreshold(t *testing.T) {
	var rec recorder
	svc := NewService(Options{
		StreakThreshold: 3,
		Sinks:           []SinkRegistration{rec.registration("capture")},
	})

	svc.NotifyEndpointFailure(context.Background(), notify.EndpointFailurePayload{
		EndpointID:  "ep-123",
		StreakCount: 3,
	})

	if rec.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", rec.count())
	}
	if got := rec.payloads[0].Severity; got != notify.SeverityCritical {
		t.Errorf("severity = %q, want default %q", got, notify.SeverityCritical)
	}
}

func TestNotifyFansOutToAllSinksDespiteFailures(t *testing.T) {
	var first, second recorder
	failing := SinkRegistration{
		Name: "broken",
		Sink: notify.SinkFunc(func(context.Context, notify.EndpointFailurePayload) error {
			return errors.New("boom")
		}),
	}

	svc := NewService(Options{
		StreakThreshold: 2,
		Sinks: []SinkRegistration{
			first.registration("first"),
			failing,
			second.registration("second"),
		},
	})

	svc.NotifyEndpointFailure(context.Background(), notify.EndpointFailurePayload{
		EndpointID:  "ep-9",
		StreakCount: 2,
	})

	if first.count() != 1 || second.count() != 1 {
		t.Fatalf("deliveries = %d/%d, want 1/1 despite the broken sink", first.count(), second.count())
	}
}

func TestNotifyOnlyAtThresholdCrossing(t *testing.T) {
	ctx := context.Background()
	var rec recorder
	svc := NewService(Options{
		StreakThreshold: 3,
		Sinks:           []SinkRegistration{rec.registration("capture")},
	})

	// A streak growing 1..5 notifies exactly once, at the crossing.
	for streak := 1; streak <= 5; streak++ {
		svc.NotifyEndpointFailure(ctx, notify.EndpointFailurePayload{
			EndpointID:  "ep-1",
			StreakCount: streak,
		})
	}
	if rec.count() != 1 {
		t.Fatalf("deliveries across the streak = %d, want 1", rec.count())
	}

	// After a reset the next crossing notifies again.
	svc.NotifyEndpointFailure(ctx, notify.EndpointFailurePayload{
		EndpointID:  "ep-1",
		StreakCount: 3,
	})
	if rec.count() != 2 {
		t.Fatalf("deliveries after streak reset = %d, want 2", rec.count())
	}
}

func TestServiceEnabled(t *testing.T) {
	var rec recorder
	tests := map[string]struct {
		sinks []SinkRegistration
		want  bool
	}{
		"no sinks":              {sinks: nil, want: false},
		"nil sink filtered out": {sinks: []SinkRegistration{{Name: "ghost"}}, want: false},
		"registered sink":       {sinks: []SinkRegistration{rec.registration("live")}, want: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := NewService(Options{Sinks: tc.sinks}).Enabled(); got != tc.want {
				t.Errorf("Enabled() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestServiceDefaultThreshold(t *testing.T) {
	var rec recorder
	for _, configured := range []int{0, -5} {
		svc := NewService(Options{
			StreakThreshold: configured,
			Sinks:           []SinkRegistration{rec.registration("capture")},
		})
		if svc.threshold != defaultStreakThreshold {
			t.Errorf("threshold for configured %d = %d, want %d", configured, svc.threshold, defaultStreakThreshold)
		}
	}
}
