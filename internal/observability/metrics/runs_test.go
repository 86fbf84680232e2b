package metrics

import (
	"errors"
	"testing"
	"time"
)

type recordedMetric struct {
	name  string
	value float64
	tags  map[string]string
}

type recordingSink struct {
	counts  []recordedMetric
	gauges  []recordedMetric
	timings []recordedMetric
}

func (s *recordingSink) Count(name string, value int64, tags map[string]string) {
	s.counts = append(s.counts, recordedMetric{name: name, value: float64(value), tags: tags})
}

func (s *recordingSink) Gauge(name string, value float64, tags map[string]string) {
	s.gauges = append(s.gauges, recordedMetric{name: name, value: value, tags: tags})
}

func (s *recordingSink) Timing(name string, value time.Duration, tags map[string]string) {
	s.timings = append(s.timings, recordedMetric{name: name, value: float64(value), tags: tags})
}

func TestEmitDispatch(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	EmitDispatch(sink, DispatchMetric{
		Status:   "failed",
		Source:   "failure-backoff",
		URL:      "https://api.orders.example.co.uk/v2/poll",
		Duration: 250 * time.Millisecond,
		Err:      errors.New("boom"),
	})

	if len(sink.counts) != 1 {
		t.Fatalf("expected 1 count, got %d", len(sink.counts))
	}
	count := sink.counts[0]
	if count.name != "run.dispatch" || count.value != 1 {
		t.Fatalf("unexpected count metric: %+v", count)
	}
	if count.tags["status"] != "failed" || count.tags["source"] != "failure-backoff" {
		t.Fatalf("unexpected tags: %v", count.tags)
	}
	if count.tags["domain"] != "example.co.uk" {
		t.Fatalf("expected registrable domain tag, got %q", count.tags["domain"])
	}
	if count.tags["error_class"] == "" {
		t.Fatal("expected error_class tag when an error is present")
	}

	if len(sink.timings) != 1 || sink.timings[0].name != "run.duration" {
		t.Fatalf("expected run.duration timing, got %+v", sink.timings)
	}
}

func TestEmitDispatchNilSink(t *testing.T) {
	t.Parallel()

	// Must not panic.
	EmitDispatch(nil, DispatchMetric{Status: "success"})
}

func TestEmitDispatchSkipsTimingWithoutDuration(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	EmitDispatch(sink, DispatchMetric{Status: "success", Source: "baseline-cron"})

	if len(sink.timings) != 0 {
		t.Fatalf("expected no timing for zero duration, got %+v", sink.timings)
	}
}

func TestEmitTick(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	EmitTick(sink, TickMetric{
		Claimed:  7,
		Result:   ResultSuccess,
		Duration: 80 * time.Millisecond,
	})

	if len(sink.counts) != 2 {
		t.Fatalf("expected 2 counts, got %d", len(sink.counts))
	}
	if sink.counts[0].name != "scheduler.tick" || sink.counts[0].value != 1 {
		t.Fatalf("unexpected tick count: %+v", sink.counts[0])
	}
	if sink.counts[1].name != "scheduler.claimed" || sink.counts[1].value != 7 {
		t.Fatalf("unexpected claimed count: %+v", sink.counts[1])
	}
	if sink.counts[0].tags["result"] != ResultSuccess {
		t.Fatalf("unexpected result tag: %v", sink.counts[0].tags)
	}
	if len(sink.timings) != 1 || sink.timings[0].name != "scheduler.tick_duration" {
		t.Fatalf("expected tick duration timing, got %+v", sink.timings)
	}
}

func TestEmitTickErrorClass(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	EmitTick(sink, TickMetric{
		Result: ResultError,
		Err:    errors.New("claim failed"),
	})

	if sink.counts[0].tags["error_class"] == "" {
		t.Fatal("expected error_class tag for failed tick")
	}
}

func TestEmitDecision(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	EmitDecision(sink, "ai-interval", true)
	EmitDecision(sink, "baseline-cron", false)
	EmitDecision(sink, "", false)

	if len(sink.counts) != 2 {
		t.Fatalf("expected empty source to be skipped, got %d counts", len(sink.counts))
	}
	if sink.counts[0].name != "scheduler.decision" || sink.counts[0].tags["source"] != "ai-interval" {
		t.Fatalf("unexpected decision metric: %+v", sink.counts[0])
	}
	if sink.counts[0].tags["adaptive"] != "true" || sink.counts[1].tags["adaptive"] != "false" {
		t.Fatalf("unexpected adaptive tags: %v / %v", sink.counts[0].tags, sink.counts[1].tags)
	}
}

func TestEmitQueueDepth(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	EmitQueueDepth(sink, 42)

	if len(sink.gauges) != 1 || sink.gauges[0].name != "scheduler.queue_depth" || sink.gauges[0].value != 42 {
		t.Fatalf("unexpected gauge: %+v", sink.gauges)
	}
}

func TestRegistrableDomain(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"https://api.orders.example.com/v1/poll": "example.com",
		"https://deep.sub.example.co.uk/x":       "example.co.uk",
		"http://localhost:8080/health":           "localhost",
		"http://10.0.0.5:9090/metrics":           "10.0.0.5",
		":missing-scheme":                        "",
		"":                                       "",
	}

	for input, want := range tests {
		if got := RegistrableDomain(input); got != want {
			t.Fatalf("RegistrableDomain(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestCloneTags(t *testing.T) {
	t.Parallel()

	if got := CloneTags(nil); got != nil {
		t.Fatalf("CloneTags(nil) = %v, want nil", got)
	}

	original := map[string]string{"env": "prod"}
	cloned := CloneTags(original)
	cloned["env"] = "stage"

	if original["env"] != "prod" {
		t.Fatal("CloneTags did not copy values")
	}
}
