package pool

import (
	"time"

	"github.com/budgetbook/ledgerd/lib/metrics"
)

// Pool utilization metrics
var (
	// PoolConnectionsTotal is the pool size.
	PoolConnectionsTotal = metrics.NewGauge(
		"ledgerd_pool_connections_total",
		"Number of connections held by the pool",
	)
	// PoolConnectionsActive is the number of connections checked out.
	PoolConnectionsActive = metrics.NewGauge(
		"ledgerd_pool_connections_active",
		"Number of connections currently checked out",
	)
	// PoolConnectionsAvailable is the size of the free list.
	PoolConnectionsAvailable = metrics.NewGauge(
		"ledgerd_pool_connections_available",
		"Number of idle connections on the free list",
	)
	// PoolConnectionsPeak is the high-water mark of active connections.
	PoolConnectionsPeak = metrics.NewGauge(
		"ledgerd_pool_connections_peak",
		"Highest number of connections checked out at once",
	)
	// PoolWaitingCallers is the number of callers blocked in Acquire.
	PoolWaitingCallers = metrics.NewGauge(
		"ledgerd_pool_waiting_callers",
		"Number of callers waiting for a connection",
	)
	// PoolUtilization is active/total as a percentage.
	PoolUtilization = metrics.NewFloatGauge(
		"ledgerd_pool_utilization_percent",
		"Percentage of pool connections checked out",
	)
	// PoolAvgCheckoutWait is the rolling mean checkout wait.
	PoolAvgCheckoutWait = metrics.NewFloatGauge(
		"ledgerd_pool_avg_checkout_wait_seconds",
		"Mean wait over the most recent checkouts",
	)
	// PoolHealthy is 1 when the pool classifies as HEALTHY.
	PoolHealthy = metrics.NewGauge(
		"ledgerd_pool_healthy",
		"Whether the pool is healthy (1=yes, 0=no)",
	)
	// PoolCheckoutsTotal is the number of successful checkouts.
	PoolCheckoutsTotal = metrics.NewCounter(
		"ledgerd_pool_checkouts_total",
		"Total number of successful connection checkouts",
	)
	// PoolCheckinsTotal is the number of checkins.
	PoolCheckinsTotal = metrics.NewCounter(
		"ledgerd_pool_checkins_total",
		"Total number of connection checkins",
	)
	// PoolFailedCheckoutsTotal is the number of checkouts that timed out or were cancelled.
	PoolFailedCheckoutsTotal = metrics.NewCounter(
		"ledgerd_pool_failed_checkouts_total",
		"Total number of connection checkouts that failed",
	)
	// PoolAcquireLatency tracks time spent waiting for a connection.
	PoolAcquireLatency = metrics.NewHistogram(
		"ledgerd_pool_acquire_duration_seconds",
		"Time spent waiting for a connection from the pool",
		metrics.DefaultLatencyBuckets,
	)
)

// UpdateMetrics updates the pool gauges from a snapshot.
func UpdateMetrics(m Metrics, h Health) {
	PoolConnectionsTotal.Set(int64(m.TotalConnections))
	PoolConnectionsActive.Set(int64(m.ActiveConnections))
	PoolConnectionsAvailable.Set(int64(m.AvailableConnections))
	PoolConnectionsPeak.Set(int64(m.PeakActiveConnections))
	PoolWaitingCallers.Set(int64(m.WaitingCallers))
	PoolUtilization.Set(h.UtilizationPercent)
	PoolAvgCheckoutWait.Set(m.AverageCheckoutWait.Seconds())
	if h.Status == HealthHealthy {
		PoolHealthy.Set(1)
	} else {
		PoolHealthy.Set(0)
	}
}

// Snapshot returns metrics and the health derived from them, and refreshes
// the exported gauges.
func (p *Pool[S]) Snapshot() (Metrics, Health) {
	m := p.Metrics()
	h := healthFrom(m, time.Now())
	UpdateMetrics(m, h)
	return m, h
}
