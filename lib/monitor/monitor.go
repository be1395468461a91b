// Package monitor watches pool health in the background. It raises
// rate-limited alerts when the pool runs hot, logs a periodic metrics line,
// optionally pushes gauges to StatsD, and runs periodic WAL checkpoints.
package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smira/go-statsd"
	"golang.org/x/time/rate"

	"github.com/budgetbook/ledgerd/lib/metrics"
	"github.com/budgetbook/ledgerd/lib/pool"
)

// Default configuration values.
const (
	DefaultInterval           = 30 * time.Second
	DefaultAlertCooldown      = 60 * time.Second
	DefaultMetricsLogInterval = 5 * time.Minute

	// continuousRedraw paces the stats redraw in continuous mode.
	continuousRedraw = 250 * time.Millisecond

	clearScreen = "\033[2J\033[H"
)

// HealthSource is what the monitor samples. *pool.Pool satisfies it.
type HealthSource interface {
	Snapshot() (pool.Metrics, pool.Health)
	WriteStats(w io.Writer) error
}

// Sink receives pushed gauges. *statsd.Client satisfies it.
type Sink interface {
	Gauge(stat string, value int64, tags ...statsd.Tag)
	FGauge(stat string, value float64, tags ...statsd.Tag)
	Incr(stat string, count int64, tags ...statsd.Tag)
}

// Alert is raised when the pool reaches WARNING or CRITICAL.
type Alert struct {
	ID                 string
	Time               time.Time
	Status             pool.HealthStatus
	UtilizationPercent float64
	Active             int
	FailedCheckouts    uint64
}

// Config configures the health monitor.
type Config struct {
	// Interval is the time between samples.
	// Default: 30 seconds
	Interval time.Duration
	// AlertCooldown is the minimum time between two alerts.
	// Default: 60 seconds
	AlertCooldown time.Duration
	// MetricsLogInterval is how often a metrics line is logged regardless
	// of status.
	// Default: 5 minutes
	MetricsLogInterval time.Duration
	// Continuous redraws the full stats dump to Output on every pass.
	// Intended for debugging only.
	Continuous bool
	// Output receives the continuous-mode dump. Default: io.Discard
	Output io.Writer
	// Logger is the structured logger. Default: slog.Default()
	Logger *slog.Logger
	// OnAlert is called for every alert that passes the cooldown.
	OnAlert func(Alert)
	// StatsD receives pool gauges on every metrics log interval. Optional.
	StatsD Sink
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:           DefaultInterval,
		AlertCooldown:      DefaultAlertCooldown,
		MetricsLogInterval: DefaultMetricsLogInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = DefaultAlertCooldown
	}
	if c.MetricsLogInterval <= 0 {
		c.MetricsLogInterval = DefaultMetricsLogInterval
	}
	if c.Output == nil {
		c.Output = io.Discard
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Monitor samples a HealthSource on an interval.
type Monitor struct {
	source HealthSource
	config Config
	logger *slog.Logger
	alerts *rate.Limiter
	now    func() time.Time

	mu             sync.Mutex
	running        bool
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	lastMetricsLog time.Time
	last           pool.Health

	samples     atomic.Uint64
	errors      atomic.Uint64
	alertsFired atomic.Uint64
}

// New creates a monitor for source.
func New(source HealthSource, cfg Config) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		source: source,
		config: cfg,
		logger: cfg.Logger.With("component", "monitor"),
		alerts: rate.NewLimiter(rate.Every(cfg.AlertCooldown), 1),
		now:    time.Now,
	}
}

// Start begins sampling. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.lastMetricsLog = m.now()

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.logger.Info("pool health monitor started",
		"interval", m.config.Interval,
		"continuous", m.config.Continuous)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx)
	}()
	return nil
}

// Stop halts sampling and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("pool health monitor stopped")
}

// Running reports whether the sampling loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Samples returns the number of completed samples.
func (m *Monitor) Samples() uint64 { return m.samples.Load() }

// Errors returns the number of samples that failed.
func (m *Monitor) Errors() uint64 { return m.errors.Load() }

// Alerts returns the number of alerts emitted.
func (m *Monitor) Alerts() uint64 { return m.alertsFired.Load() }

// LastHealth returns the health seen by the most recent sample.
func (m *Monitor) LastHealth() pool.Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) loop(ctx context.Context) {
	interval := m.config.Interval
	if m.config.Continuous {
		interval = continuousRedraw
	}

	m.Sample()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample takes one health reading. Errors and panics are logged and
// counted; they never escape.
func (m *Monitor) Sample() {
	defer func() {
		if r := recover(); r != nil {
			m.fail(fmt.Errorf("panic during health sample: %v", r))
		}
	}()

	now := m.now()
	metricsSnap, health := m.source.Snapshot()

	m.mu.Lock()
	m.last = health
	logDue := now.Sub(m.lastMetricsLog) >= m.config.MetricsLogInterval
	if logDue {
		m.lastMetricsLog = now
	}
	m.mu.Unlock()

	if health.Status.Alerting() {
		m.alert(now, health)
	}
	if logDue {
		m.logMetrics(health)
		m.push(metricsSnap, health)
	}
	if m.config.Continuous {
		if _, err := io.WriteString(m.config.Output, clearScreen); err != nil {
			m.fail(err)
			return
		}
		if err := m.source.WriteStats(m.config.Output); err != nil {
			m.fail(err)
			return
		}
	}

	m.samples.Add(1)
	metrics.MonitorSamplesTotal.Inc()
}

func (m *Monitor) fail(err error) {
	m.errors.Add(1)
	metrics.MonitorSampleErrors.Inc()
	m.logger.Error("pool health sample failed", "error", err)
}

func (m *Monitor) alert(now time.Time, h pool.Health) {
	if !m.alerts.AllowN(now, 1) {
		return
	}

	a := Alert{
		ID:                 ulid.Make().String(),
		Time:               now,
		Status:             h.Status,
		UtilizationPercent: h.UtilizationPercent,
		Active:             h.Active,
		FailedCheckouts:    h.FailedCheckouts,
	}
	m.alertsFired.Add(1)
	metrics.MonitorAlertsTotal.Inc()

	m.logger.Warn("connection pool alert",
		"alert", a.ID,
		"status", string(a.Status),
		"utilization", a.UtilizationPercent,
		"active", a.Active,
		"failed", a.FailedCheckouts)

	if m.config.StatsD != nil {
		m.config.StatsD.Incr("pool.alerts", 1, statsd.StringTag("status", string(a.Status)))
	}
	if m.config.OnAlert != nil {
		m.config.OnAlert(a)
	}
}

func (m *Monitor) logMetrics(h pool.Health) {
	m.logger.Info("pool metrics",
		"status", string(h.Status),
		"utilization", h.UtilizationPercent,
		"active", h.Active,
		"available", h.Available,
		"avg_wait_ms", h.AvgCheckoutWaitMs,
		"failed", h.FailedCheckouts)
}

func (m *Monitor) push(snap pool.Metrics, h pool.Health) {
	s := m.config.StatsD
	if s == nil {
		return
	}
	tag := statsd.StringTag("status", string(h.Status))
	s.Gauge("pool.connections.total", int64(snap.TotalConnections))
	s.Gauge("pool.connections.active", int64(snap.ActiveConnections), tag)
	s.Gauge("pool.connections.available", int64(snap.AvailableConnections), tag)
	s.Gauge("pool.connections.peak", int64(snap.PeakActiveConnections))
	s.Gauge("pool.waiting", int64(snap.WaitingCallers))
	s.Gauge("pool.checkouts.failed", int64(snap.FailedCheckouts))
	s.FGauge("pool.utilization", h.UtilizationPercent, tag)
	s.FGauge("pool.wait_ms", h.AvgCheckoutWaitMs)
}

// NewStatsD dials a StatsD client for address with the given metric prefix.
// It returns nil when address is empty.
func NewStatsD(address, prefix string) *statsd.Client {
	if address == "" {
		return nil
	}
	return statsd.NewClient(address,
		statsd.MetricPrefix(prefix),
		statsd.TagStyle(statsd.TagFormatDatadog),
	)
}
