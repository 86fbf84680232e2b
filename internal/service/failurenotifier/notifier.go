// Package failurenotifier fans endpoint failure streaks out to the
// configured notification sinks.
package failurenotifier

import (
	"cmp"
	"context"
	"log/slog"
	"sync"

	"github.com/weskerllc/cronicorn/internal/observability/notify"
)

// defaultStreakThreshold is the consecutive-failure count that triggers a
// notification when no threshold is configured.
const defaultStreakThreshold = 3

// SinkRegistration names a sink so delivery logs can identify it.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options wires the notifier's sinks, logger, and firing threshold.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration

	// StreakThreshold is the consecutive-failure count at which an endpoint
	// triggers a notification. Zero or negative applies the default.
	StreakThreshold int
}

// Service dispatches endpoint failure events to all registered sinks.
type Service struct {
	logger    *slog.Logger
	sinks     []SinkRegistration
	threshold int
}

// NewService constructs a failure notifier.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "failure_notifier")
	}

	sinks := make([]SinkRegistration, 0, len(opts.Sinks))
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		entry.Name = cmp.Or(entry.Name, "sink")
		sinks = append(sinks, entry)
	}

	return &Service{
		logger:    logger,
		sinks:     sinks,
		threshold: cmp.Or(max(opts.StreakThreshold, 0), defaultStreakThreshold),
	}
}

// NotifyEndpointFailure fans the payload out to all sinks when the streak
// reaches the threshold. Counts past it stay quiet until the streak resets,
// so one outage pages once.
func (s *Service) NotifyEndpointFailure(ctx context.Context, payload notify.EndpointFailurePayload) {
	if len(s.sinks) == 0 {
		return
	}

	if payload.StreakCount != s.threshold {
		s.logger.DebugContext(ctx, "failure streak outside notification threshold",
			"endpoint_id", payload.EndpointID,
			"streak", payload.StreakCount,
			"threshold", s.threshold,
		)
		return
	}

	payload.Severity = notify.NormalizeSeverity(payload.Severity)

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.deliver(ctx, entry, payload)
		}()
	}
	wg.Wait()
}

func (s *Service) deliver(ctx context.Context, entry SinkRegistration, payload notify.EndpointFailurePayload) {
	if err := entry.Sink.SendEndpointFailure(ctx, payload); err != nil {
		s.logger.ErrorContext(ctx, "failure notification delivery failed",
			"sink", entry.Name,
			"endpoint_id", payload.EndpointID,
			"streak", payload.StreakCount,
			"error", err,
		)
		return
	}
	s.logger.InfoContext(ctx, "failure notification delivered",
		"sink", entry.Name,
		"endpoint_id", payload.EndpointID,
		"streak", payload.StreakCount,
	)
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return len(s.sinks) > 0
}
