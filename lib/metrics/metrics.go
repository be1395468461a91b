// Package metrics is ledgerd's in-process metric registry. Counters,
// gauges and histograms register themselves on creation and are served
// in Prometheus text format by Handler.
package metrics

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// desc is the name, help text and type shared by every metric.
type desc struct {
	name string
	help string
	kind string
}

func (d desc) header(w io.Writer) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", d.name, d.help, d.name, d.kind)
}

// Counter only goes up.
type Counter struct {
	desc
	value atomic.Uint64
}

// NewCounter registers a counter with the default registry.
func NewCounter(name, help string) *Counter {
	c := &Counter{desc: desc{name, help, "counter"}}
	defaultRegistry.register(c)
	return c
}

func (c *Counter) Inc()          { c.value.Add(1) }
func (c *Counter) Add(v uint64)  { c.value.Add(v) }
func (c *Counter) Value() uint64 { return c.value.Load() }

func (c *Counter) write(w io.Writer) {
	c.header(w)
	fmt.Fprintf(w, "%s %d\n", c.name, c.Value())
}

// Gauge is an integer that can go up and down, such as a connection count.
type Gauge struct {
	desc
	value atomic.Int64
}

// NewGauge registers a gauge with the default registry.
func NewGauge(name, help string) *Gauge {
	g := &Gauge{desc: desc{name, help, "gauge"}}
	defaultRegistry.register(g)
	return g
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Add(v int64)  { g.value.Add(v) }
func (g *Gauge) Value() int64 { return g.value.Load() }

func (g *Gauge) write(w io.Writer) {
	g.header(w)
	fmt.Fprintf(w, "%s %d\n", g.name, g.Value())
}

// FloatGauge holds a fractional value such as a percentage or a mean.
type FloatGauge struct {
	desc
	bits atomic.Uint64
}

// NewFloatGauge registers a float gauge with the default registry.
func NewFloatGauge(name, help string) *FloatGauge {
	g := &FloatGauge{desc: desc{name, help, "gauge"}}
	defaultRegistry.register(g)
	return g
}

func (g *FloatGauge) Set(v float64)  { g.bits.Store(math.Float64bits(v)) }
func (g *FloatGauge) Value() float64 { return math.Float64frombits(g.bits.Load()) }

func (g *FloatGauge) write(w io.Writer) {
	g.header(w)
	fmt.Fprintf(w, "%s %g\n", g.name, g.Value())
}

// GaugeFunc is computed when scraped.
type GaugeFunc struct {
	desc
	fn func() float64
}

// NewGaugeFunc registers a gauge whose value is fn's result at scrape time.
func NewGaugeFunc(name, help string, fn func() float64) *GaugeFunc {
	g := &GaugeFunc{desc: desc{name, help, "gauge"}, fn: fn}
	defaultRegistry.register(g)
	return g
}

func (g *GaugeFunc) Value() float64 { return g.fn() }

func (g *GaugeFunc) write(w io.Writer) {
	g.header(w)
	fmt.Fprintf(w, "%s %g\n", g.name, g.Value())
}

// Histogram counts observations into cumulative upper-bound buckets.
type Histogram struct {
	desc
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// NewHistogram registers a histogram. buckets must be ascending.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	h := newHistogram(name, help, buckets)
	defaultRegistry.register(h)
	return h
}

func newHistogram(name, help string, buckets []float64) *Histogram {
	return &Histogram{
		desc:    desc{name, help, "histogram"},
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// Observe records one value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++
	// counts[i] is the number of observations <= buckets[i]
	for i := len(h.buckets) - 1; i >= 0 && v <= h.buckets[i]; i-- {
		h.counts[i]++
	}
}

// ObserveDuration records d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the total of all observations.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

func (h *Histogram) write(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.header(w)
	for i, b := range h.buckets {
		fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", h.name, b, h.counts[i])
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.count)
	fmt.Fprintf(w, "%s_sum %g\n", h.name, h.sum)
	fmt.Fprintf(w, "%s_count %d\n", h.name, h.count)
}

type metric interface {
	write(w io.Writer)
}

// Registry is a set of metrics keyed by name. Registering a name twice
// replaces the earlier metric.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]metric
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]metric)}
}

var defaultRegistry = NewRegistry()

func (r *Registry) register(m metric) {
	var name string
	switch v := m.(type) {
	case *Counter:
		name = v.name
	case *Gauge:
		name = v.name
	case *FloatGauge:
		name = v.name
	case *GaugeFunc:
		name = v.name
	case *Histogram:
		name = v.name
	default:
		return
	}

	r.mu.Lock()
	r.metrics[name] = m
	r.mu.Unlock()
}

// WriteTo writes every metric in Prometheus text format, sorted by name.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	r.mu.RLock()
	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	ms := make([]metric, len(names))
	for i, name := range names {
		ms[i] = r.metrics[name]
	}
	r.mu.RUnlock()

	cw := &countingWriter{w: bufio.NewWriter(w)}
	for _, m := range ms {
		m.write(cw)
		fmt.Fprintln(cw)
	}
	if cw.err != nil {
		return cw.n, cw.err
	}
	return cw.n, cw.w.Flush()
}

type countingWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}

// Handler serves the default registry.
func Handler() http.Handler {
	return HandlerFor(defaultRegistry)
}

// HandlerFor serves r.
func HandlerFor(r *Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		if _, err := r.WriteTo(w); err != nil {
			log.WithError(err).Debug("writing metrics response")
		}
	})
}

// DefaultLatencyBuckets are histogram buckets, in seconds, suited to
// waits that are usually sub-millisecond but can stretch to the acquire timeout.
var DefaultLatencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10}

var startUnix atomic.Int64

// Process-wide metrics.
var (
	StartTime = NewGauge("ledgerd_start_time_seconds", "Unix timestamp when the process started")
	Uptime    = NewGaugeFunc("ledgerd_uptime_seconds", "Seconds since the process started", func() float64 {
		start := startUnix.Load()
		if start == 0 {
			return 0
		}
		return time.Since(time.Unix(start, 0)).Seconds()
	})

	MonitorSamplesTotal = NewCounter("ledgerd_monitor_samples_total", "Total pool health samples taken")
	MonitorSampleErrors = NewCounter("ledgerd_monitor_sample_errors_total", "Total pool health samples that failed")
	MonitorAlertsTotal  = NewCounter("ledgerd_monitor_alerts_total", "Total pool health alerts emitted")

	CheckpointsTotal        = NewCounter("ledgerd_wal_checkpoints_total", "Total WAL checkpoints attempted")
	CheckpointFailuresTotal = NewCounter("ledgerd_wal_checkpoint_failures_total", "Total WAL checkpoints that failed")

	HTTPRequestsTotal = NewCounter("ledgerd_http_requests_total", "Total requests served by the ops endpoint")
)

// RecordStartTime marks now as the process start.
func RecordStartTime() {
	now := time.Now().Unix()
	startUnix.Store(now)
	StartTime.Set(now)
}
