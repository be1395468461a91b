package pool

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// WriteStats writes a human-readable statistics dump to w.
func (p *Pool[S]) WriteStats(w io.Writer) error {
	m, h := p.Snapshot()
	conns := p.ConnectionStats()

	rule := strings.Repeat("=", 50)
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\n", rule)
	fmt.Fprintf(&b, "SQLite Connection Pool Statistics\n")
	fmt.Fprintf(&b, "%s\n", rule)
	fmt.Fprintf(&b, "Pool Health: %s\n", h.Status)
	fmt.Fprintf(&b, "Total Connections: %d\n", m.TotalConnections)
	fmt.Fprintf(&b, "Active Connections: %d\n", m.ActiveConnections)
	fmt.Fprintf(&b, "Available Connections: %d\n", m.AvailableConnections)
	fmt.Fprintf(&b, "Utilization: %.2f%%\n", h.UtilizationPercent)
	fmt.Fprintf(&b, "Peak Active: %d\n", m.PeakActiveConnections)
	fmt.Fprintf(&b, "Total Checkouts: %d\n", m.TotalCheckouts)
	fmt.Fprintf(&b, "Total Checkins: %d\n", m.TotalCheckins)
	fmt.Fprintf(&b, "Failed Checkouts: %d\n", m.FailedCheckouts)
	fmt.Fprintf(&b, "Average Checkout Time: %.2f ms\n", h.AvgCheckoutWaitMs)
	fmt.Fprintf(&b, "Current Wait Queue: %d\n", m.WaitingCallers)
	fmt.Fprintf(&b, "Pool Uptime: %.1f seconds\n", h.Uptime.Seconds())

	if len(conns) > 0 {
		fmt.Fprintf(&b, "\nConnection Details:\n")
		for _, c := range conns {
			fmt.Fprintf(&b, "  conn_%d (%s): %s, uses: %d, total_time: %.2fs\n",
				c.Index, c.ID, c.Status, c.TotalUses, c.TotalTimeInUse.Seconds())
		}
	}
	fmt.Fprintf(&b, "%s\n", rule)

	_, err := io.WriteString(w, b.String())
	return err
}

// Report is the JSON document produced by ExportJSON.
type Report struct {
	Timestamp   string             `json:"timestamp"`
	PoolMetrics MetricsReport      `json:"pool_metrics"`
	Health      HealthReport       `json:"health"`
	Connections []ConnectionReport `json:"connections"`
}

// MetricsReport is the JSON form of Metrics.
type MetricsReport struct {
	TotalConnections      int     `json:"total_connections"`
	ActiveConnections     int     `json:"active_connections"`
	AvailableConnections  int     `json:"available_connections"`
	PeakActiveConnections int     `json:"peak_active_connections"`
	TotalCheckouts        uint64  `json:"total_checkouts"`
	TotalCheckins         uint64  `json:"total_checkins"`
	AverageCheckoutTime   float64 `json:"average_checkout_time"`
	CurrentWaitQueueSize  int     `json:"current_wait_queue_size"`
	FailedCheckouts       uint64  `json:"failed_checkouts"`
	PoolCreatedAt         string  `json:"pool_created_at"`
}

// HealthReport is the JSON form of Health.
type HealthReport struct {
	Status               HealthStatus `json:"status"`
	UtilizationPercent   float64      `json:"utilization_percent"`
	UptimeSeconds        float64      `json:"uptime_seconds"`
	ActiveConnections    int          `json:"active_connections"`
	AvailableConnections int          `json:"available_connections"`
	FailedCheckouts      uint64       `json:"failed_checkouts"`
	AvgCheckoutTimeMs    float64      `json:"avg_checkout_time_ms"`
	WaitingCallers       int          `json:"waiting_callers"`
}

// ConnectionReport is the JSON form of a ConnectionRecord.
type ConnectionReport struct {
	ConnectionID   string           `json:"connection_id"`
	Index          int              `json:"index"`
	CreatedAt      string           `json:"created_at"`
	LastUsed       string           `json:"last_used"`
	TotalUses      uint64           `json:"total_uses"`
	CurrentStatus  ConnectionStatus `json:"current_status"`
	TotalTimeInUse float64          `json:"total_time_in_use"`
}

// NewHealthReport converts h to its JSON form.
func NewHealthReport(h Health) HealthReport {
	return HealthReport{
		Status:               h.Status,
		UtilizationPercent:   h.UtilizationPercent,
		UptimeSeconds:        h.Uptime.Seconds(),
		ActiveConnections:    h.Active,
		AvailableConnections: h.Available,
		FailedCheckouts:      h.FailedCheckouts,
		AvgCheckoutTimeMs:    h.AvgCheckoutWaitMs,
		WaitingCallers:       h.WaitingCallers,
	}
}

// BuildReport assembles the export document from one snapshot.
func (p *Pool[S]) BuildReport() Report {
	m, h := p.Snapshot()
	conns := p.ConnectionStats()

	r := Report{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		PoolMetrics: MetricsReport{
			TotalConnections:      m.TotalConnections,
			ActiveConnections:     m.ActiveConnections,
			AvailableConnections:  m.AvailableConnections,
			PeakActiveConnections: m.PeakActiveConnections,
			TotalCheckouts:        m.TotalCheckouts,
			TotalCheckins:         m.TotalCheckins,
			AverageCheckoutTime:   m.AverageCheckoutWait.Seconds(),
			CurrentWaitQueueSize:  m.WaitingCallers,
			FailedCheckouts:       m.FailedCheckouts,
			PoolCreatedAt:         m.CreatedAt.Format(time.RFC3339Nano),
		},
		Health:      NewHealthReport(h),
		Connections: make([]ConnectionReport, 0, len(conns)),
	}
	for _, c := range conns {
		r.Connections = append(r.Connections, ConnectionReport{
			ConnectionID:   c.ID,
			Index:          c.Index,
			CreatedAt:      c.CreatedAt.Format(time.RFC3339Nano),
			LastUsed:       c.LastUsed.Format(time.RFC3339Nano),
			TotalUses:      c.TotalUses,
			CurrentStatus:  c.Status,
			TotalTimeInUse: c.TotalTimeInUse.Seconds(),
		})
	}
	return r
}

// ExportJSON renders the report as indented JSON. When path is not empty
// the document is also written to that file.
func (p *Pool[S]) ExportJSON(path string) ([]byte, error) {
	data, err := json.MarshalIndent(p.BuildReport(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling pool report: %w", err)
	}

	if path != "" {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("writing pool report: %w", err)
		}
		log.WithField("path", path).Info("pool metrics exported")
	}
	return data, nil
}
