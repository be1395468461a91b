// Package pool provides a fixed-size connection pool for a transactional
// storage engine, with per-connection usage records and health scoring.
//
// All connections are opened eagerly by New and live as long as the pool.
// The pool is generic over the session type so callers get their concrete
// connection back without type assertions.
//
// # Basic Usage
//
//	opener := func(ctx context.Context, index int) (*store.Conn, error) {
//	    return store.OpenConn(ctx, opts)
//	}
//
//	cfg := pool.DefaultConfig()
//	cfg.Size = 4
//
//	p, err := pool.New(ctx, opener, cfg)
//	if err != nil {
//	    return err
//	}
//	defer p.Shutdown(context.Background())
//
//	lease, err := p.Acquire(ctx)
//	if err != nil {
//	    return err // errors.Is(err, pool.ErrPoolExhausted) on timeout
//	}
//	defer lease.Release()
//
//	// Use lease.Session()...
//
// # Health
//
// Health classifies the pool with a fixed priority chain:
//
//	utilization > 90%  CRITICAL
//	utilization > 75%  WARNING
//	failed checkouts   DEGRADED
//	otherwise          HEALTHY
//
// # Metrics
//
// Snapshot refreshes the gauges registered with the metrics package:
//   - ledgerd_pool_connections_total: Pool size
//   - ledgerd_pool_connections_active: Connections checked out
//   - ledgerd_pool_connections_available: Idle connections
//   - ledgerd_pool_connections_peak: High-water mark of active connections
//   - ledgerd_pool_waiting_callers: Callers blocked in Acquire
//   - ledgerd_pool_utilization_percent: Active over total
//   - ledgerd_pool_checkouts_total, ledgerd_pool_checkins_total,
//     ledgerd_pool_failed_checkouts_total: Checkout counters
//   - ledgerd_pool_acquire_duration_seconds: Acquire wait histogram
package pool
