package pool

import (
	"math"
	"sort"
	"time"
)

// ConnectionStatus is the checkout state of one pooled connection.
type ConnectionStatus string

const (
	StatusAvailable ConnectionStatus = "available"
	StatusInUse     ConnectionStatus = "in_use"
)

// ConnectionRecord tracks the usage of one pooled connection for the
// lifetime of the pool.
type ConnectionRecord struct {
	ID             string
	Index          int
	CreatedAt      time.Time
	LastUsed       time.Time
	TotalUses      uint64
	Status         ConnectionStatus
	TotalTimeInUse time.Duration
}

// Metrics is a consistent snapshot of the pool counters.
type Metrics struct {
	TotalConnections      int
	ActiveConnections     int
	AvailableConnections  int
	PeakActiveConnections int
	TotalCheckouts        uint64
	TotalCheckins         uint64
	FailedCheckouts       uint64
	// AverageCheckoutWait is the mean wait over the last 1000 checkouts.
	AverageCheckoutWait time.Duration
	WaitingCallers      int
	CreatedAt           time.Time
}

// HealthStatus classifies the pool for alerting.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthWarning  HealthStatus = "WARNING"
	HealthCritical HealthStatus = "CRITICAL"
)

// Utilization thresholds, in percent.
const (
	criticalUtilization = 90
	warningUtilization  = 75
)

// Alerting reports whether the status should raise an alert.
func (s HealthStatus) Alerting() bool {
	return s == HealthWarning || s == HealthCritical
}

// Health is the derived health summary of the pool.
type Health struct {
	Status             HealthStatus
	UtilizationPercent float64
	Uptime             time.Duration
	Active             int
	Available          int
	FailedCheckouts    uint64
	AvgCheckoutWaitMs  float64
	WaitingCallers     int
}

// Classify maps utilization and failed-checkout history to a status.
// Higher utilization thresholds dominate failed-checkout history.
func Classify(utilizationPercent float64, failedCheckouts uint64) HealthStatus {
	switch {
	case utilizationPercent > criticalUtilization:
		return HealthCritical
	case utilizationPercent > warningUtilization:
		return HealthWarning
	case failedCheckouts > 0:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// Metrics returns a snapshot of the pool counters.
func (p *Pool[S]) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metricsLocked()
}

func (p *Pool[S]) metricsLocked() Metrics {
	return Metrics{
		TotalConnections:      p.config.Size,
		ActiveConnections:     len(p.checkedOut),
		AvailableConnections:  p.idle,
		PeakActiveConnections: p.peak,
		TotalCheckouts:        p.checkouts,
		TotalCheckins:         p.checkins,
		FailedCheckouts:       p.failed,
		AverageCheckoutWait:   p.waits.mean(),
		WaitingCallers:        p.waiting,
		CreatedAt:             p.createdAt,
	}
}

// Health returns the health summary derived from a single metrics snapshot.
func (p *Pool[S]) Health() Health {
	m := p.Metrics()
	return healthFrom(m, time.Now())
}

func healthFrom(m Metrics, now time.Time) Health {
	var utilization float64
	if m.TotalConnections > 0 {
		utilization = float64(m.ActiveConnections) / float64(m.TotalConnections) * 100
	}

	return Health{
		Status:             Classify(utilization, m.FailedCheckouts),
		UtilizationPercent: round2(utilization),
		Uptime:             now.Sub(m.CreatedAt),
		Active:             m.ActiveConnections,
		Available:          m.AvailableConnections,
		FailedCheckouts:    m.FailedCheckouts,
		AvgCheckoutWaitMs:  round2(float64(m.AverageCheckoutWait) / float64(time.Millisecond)),
		WaitingCallers:     m.WaitingCallers,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ConnectionStats returns a copy of every connection record ordered by slot.
// It is empty when monitoring is disabled.
func (p *Pool[S]) ConnectionStats() []ConnectionRecord {
	p.mu.Lock()
	out := make([]ConnectionRecord, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, *rec)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// ResetStats zeroes the counters, the wait window and per-connection usage.
// Connections currently checked out stay checked out.
func (p *Pool[S]) ResetStats() {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.waits.reset()
	p.checkins = 0
	p.failed = 0
	p.peak = len(p.checkedOut)
	p.createdAt = now

	for _, rec := range p.records {
		rec.TotalUses = 0
		rec.TotalTimeInUse = 0
		rec.LastUsed = now
	}
	// Outstanding checkouts count as fresh so checkins never exceed checkouts.
	p.checkouts = uint64(len(p.checkedOut))
	for id := range p.checkedOut {
		p.checkedOut[id] = now
	}
}

// sampleWindow is a fixed-capacity ring of durations that evicts the
// oldest sample first.
type sampleWindow struct {
	buf   []time.Duration
	start int
	n     int
	sum   time.Duration
}

func newSampleWindow(capacity int) *sampleWindow {
	return &sampleWindow{buf: make([]time.Duration, capacity)}
}

func (w *sampleWindow) add(d time.Duration) {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = d
		w.n++
		w.sum += d
		return
	}
	w.sum += d - w.buf[w.start]
	w.buf[w.start] = d
	w.start = (w.start + 1) % len(w.buf)
}

func (w *sampleWindow) len() int {
	return w.n
}

func (w *sampleWindow) mean() time.Duration {
	if w.n == 0 {
		return 0
	}
	return w.sum / time.Duration(w.n)
}

// samples returns the window contents, oldest first.
func (w *sampleWindow) samples() []time.Duration {
	out := make([]time.Duration, w.n)
	for i := 0; i < w.n; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

func (w *sampleWindow) reset() {
	w.start, w.n, w.sum = 0, 0, 0
}
