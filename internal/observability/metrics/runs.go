package metrics

import (
	"net"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/publicsuffix"

	obserrors "github.com/weskerllc/cronicorn/internal/observability/errors"
	"github.com/weskerllc/cronicorn/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// DispatchMetric captures details about one endpoint dispatch for metric emission.
type DispatchMetric struct {
	Status   string
	Source   string
	URL      string
	Duration time.Duration
	Err      error
}

// EmitDispatch emits standardised dispatch outcome metrics. The endpoint URL is
// reduced to its registrable domain so per-path cardinality never reaches the
// metrics backend.
func EmitDispatch(sink statsd.Sink, in DispatchMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"status": in.Status,
		"source": in.Source,
	}
	if domain := RegistrableDomain(in.URL); domain != "" {
		tags["domain"] = domain
	}

	if in.Err != nil {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("run.dispatch", 1, tags)

	if in.Duration > 0 {
		sink.Timing("run.duration", in.Duration, CloneTags(tags))
	}
}

// TickMetric captures details about one scheduler tick for metric emission.
type TickMetric struct {
	Claimed  int
	Result   string
	Duration time.Duration
	Err      error
}

// EmitTick emits standardised scheduler tick metrics.
func EmitTick(sink statsd.Sink, in TickMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"result": in.Result,
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("scheduler.tick", 1, tags)
	sink.Count("scheduler.claimed", int64(in.Claimed), CloneTags(tags))

	if in.Duration > 0 {
		sink.Timing("scheduler.tick_duration", in.Duration, CloneTags(tags))
	}
}

// EmitDecision records which governor rule produced an endpoint's next
// schedule. The adaptive tag splits planner-driven decisions from baseline
// ones without dashboards having to enumerate source labels.
func EmitDecision(sink statsd.Sink, source string, adaptive bool) {
	if sink == nil || source == "" {
		return
	}
	sink.Count("scheduler.decision", 1, map[string]string{
		"source":   source,
		"adaptive": strconv.FormatBool(adaptive),
	})
}

// EmitQueueDepth records how many endpoints are currently due for dispatch.
func EmitQueueDepth(sink statsd.Sink, depth int64) {
	if sink == nil {
		return
	}
	sink.Gauge("scheduler.queue_depth", float64(depth), nil)
}

// RegistrableDomain reduces a raw URL to its eTLD+1 for tagging. Hosts without
// a public suffix, such as IPs and bare hostnames, are tagged as-is.
func RegistrableDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	host := u.Hostname()
	if net.ParseIP(host) != nil {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
