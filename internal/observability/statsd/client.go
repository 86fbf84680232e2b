// Package statsd emits metrics over UDP using the StatsD line protocol with
// DogStatsD-style tags. Emission is fire-and-forget: the scheduler and reaper
// hot paths call into this package on every tick, so a dead or missing sink
// must never block or error a caller.
package statsd

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

const dialTimeout = 5 * time.Second

// Sink is the surface the metric emitters depend on. A nil *Client satisfies
// it as a no-op, so callers hold a Sink without caring whether metrics are
// configured.
type Sink interface {
	Count(name string, value int64, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
	Timing(name string, value time.Duration, tags map[string]string)
}

// Config carries the dial target and metric identity for a client.
type Config struct {
	Enabled bool
	Address string
	// Prefix is prepended to every metric name ("cronicorn" turns
	// "scheduler.tick.claimed" into "cronicorn.scheduler.tick.claimed").
	Prefix string
	Logger *slog.Logger
	// GlobalTags ride on every emitted metric, typically deployment identity
	// such as env or region.
	GlobalTags map[string]string
}

// Client emits metrics over UDP. It is safe for concurrent use.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	enabled bool

	address    string
	prefix     string
	globalTags map[string]string
	logger     *slog.Logger
}

var _ Sink = (*Client)(nil)

// NewClient dials the configured StatsD endpoint unless disabled. A client
// built from a disabled config is valid and silently drops every metric.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := &Client{
		address:    strings.TrimSpace(cfg.Address),
		prefix:     strings.Trim(strings.TrimSpace(cfg.Prefix), "."),
		globalTags: copyTags(cfg.GlobalTags),
		logger:     logger,
	}
	if !cfg.Enabled || client.address == "" {
		return client, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(ctx, "udp", client.address)
	if err != nil {
		return nil, fmt.Errorf("statsd dial %s: %w", client.address, err)
	}
	client.enabled = true
	client.conn = conn

	return client, nil
}

// Enabled reports whether the client holds a live connection.
func (c *Client) Enabled() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	live := c.enabled && c.conn != nil
	c.mu.Unlock()
	return live
}

// Count adds value to the named counter.
func (c *Client) Count(name string, value int64, tags map[string]string) {
	c.emit(name, strconv.FormatInt(value, 10), "c", tags)
}

// Gauge sets the named gauge to value.
func (c *Client) Gauge(name string, value float64, tags map[string]string) {
	c.emit(name, formatFloat(value), "g", tags)
}

// Timing reports value as a millisecond timing.
func (c *Client) Timing(name string, value time.Duration, tags map[string]string) {
	c.emit(name, formatFloat(float64(value)/float64(time.Millisecond)), "ms", tags)
}

// Close releases the underlying UDP connection. Closing twice, or closing a
// nil or never-connected client, is a no-op.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	conn := c.conn
	c.conn = nil
	c.enabled = false
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// emit assembles one protocol line and writes it. Metric names in this
// codebase are package constants, so beyond the prefix join no name rewriting
// happens here.
func (c *Client) emit(name, value, kind string, tags map[string]string) {
	if c == nil {
		return
	}
	name = strings.Trim(strings.TrimSpace(name), ".")
	if name == "" {
		return
	}

	var line strings.Builder
	if c.prefix != "" {
		line.WriteString(c.prefix)
		line.WriteByte('.')
	}
	line.WriteString(name)
	line.WriteByte(':')
	line.WriteString(value)
	line.WriteByte('|')
	line.WriteString(kind)
	writeTags(&line, c.globalTags, tags)

	c.send(name, line.String())
}

// send writes one finished protocol line, dropping it when the sink is not
// connected.
func (c *Client) send(metric, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled || c.conn == nil {
		return
	}
	if _, err := c.conn.Write([]byte(line)); err != nil {
		// Debug level: a dead sink on the tick path must not flood the log.
		c.logger.Debug("statsd write failed", "metric", metric, "error", err)
	}
}

// writeTags appends the DogStatsD tag suffix ("|#k:v,k:v"). Local tags win
// over global ones on key collision; keys are sorted so output is stable.
func writeTags(line *strings.Builder, global, local map[string]string) {
	merged := make(map[string]string, len(global)+len(local))
	mergeTags(merged, global)
	mergeTags(merged, local)
	if len(merged) == 0 {
		return
	}

	line.WriteString("|#")
	for i, k := range slices.Sorted(maps.Keys(merged)) {
		if i > 0 {
			line.WriteByte(',')
		}
		line.WriteString(k)
		line.WriteByte(':')
		line.WriteString(merged[k])
	}
}

// mergeTags copies src into dst, trimming whitespace and dropping entries
// whose key trims to empty.
func mergeTags(dst, src map[string]string) {
	for k, v := range src {
		if key := strings.TrimSpace(k); key != "" {
			dst[key] = strings.TrimSpace(v)
		}
	}
}

func copyTags(tags map[string]string) map[string]string {
	cp := make(map[string]string, len(tags))
	mergeTags(cp, tags)
	return cp
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
