package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSession is an in-memory Session for testing.
type fakeSession struct {
	index       int
	mu          sync.Mutex
	closed      bool
	closeErr    error
	commits     int
	checkpoints int
	checkErr    error
}

func (f *fakeSession) Checkpoint(ctx context.Context) (CheckpointResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints++
	if f.checkErr != nil {
		return CheckpointResult{}, f.checkErr
	}
	return CheckpointResult{Busy: 0, LogFrames: 12, CheckpointedFrames: 12}, nil
}

func (f *fakeSession) Commit(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func (f *fakeSession) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSession) Checkpoints() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkpoints
}

// fakeOpener records every session it opens.
type fakeOpener struct {
	mu       sync.Mutex
	sessions []*fakeSession
	failAt   int
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{failAt: -1}
}

func (o *fakeOpener) open(ctx context.Context, index int) (*fakeSession, error) {
	if index == o.failAt {
		return nil, errors.New("disk I/O error")
	}
	s := &fakeSession{index: index}
	o.mu.Lock()
	o.sessions = append(o.sessions, s)
	o.mu.Unlock()
	return s, nil
}

func (o *fakeOpener) totalCheckpoints() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, s := range o.sessions {
		n += s.Checkpoints()
	}
	return n
}

func testConfig(size int) Config {
	cfg := DefaultConfig()
	cfg.Size = size
	cfg.WAL = false
	cfg.SettleDelay = 0
	return cfg
}

func newTestPool(t *testing.T, cfg Config) (*Pool[*fakeSession], *fakeOpener) {
	t.Helper()
	o := newFakeOpener()
	p, err := New(context.Background(), o.open, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p, o
}

func checkInvariant(t *testing.T, m Metrics) {
	t.Helper()
	if m.ActiveConnections+m.AvailableConnections != m.TotalConnections {
		t.Errorf("active(%d) + available(%d) != total(%d)",
			m.ActiveConnections, m.AvailableConnections, m.TotalConnections)
	}
}

func TestNewOpensAllConnections(t *testing.T) {
	p, o := newTestPool(t, testConfig(4))

	if len(o.sessions) != 4 {
		t.Fatalf("Expected 4 sessions opened, got %d", len(o.sessions))
	}
	m := p.Metrics()
	if m.TotalConnections != 4 || m.AvailableConnections != 4 || m.ActiveConnections != 0 {
		t.Errorf("Unexpected fresh metrics: %+v", m)
	}
	if p.Health().Status != HealthHealthy {
		t.Errorf("Expected fresh pool to be HEALTHY, got %s", p.Health().Status)
	}
	if got := len(p.ConnectionStats()); got != 4 {
		t.Errorf("Expected 4 connection records, got %d", got)
	}
}

func TestNewConstructionFailure(t *testing.T) {
	o := newFakeOpener()
	o.failAt = 2

	p, err := New(context.Background(), o.open, testConfig(4))
	if err == nil {
		t.Fatal("Expected construction error")
	}
	if p != nil {
		t.Error("Expected nil pool on failure")
	}
	if !errors.Is(err, ErrConstruction) {
		t.Errorf("Expected ErrConstruction, got %v", err)
	}
	for i, s := range o.sessions {
		if !s.IsClosed() {
			t.Errorf("Session %d opened before the failure was not closed", i)
		}
	}
}

func TestNewRequiresOpener(t *testing.T) {
	_, err := New[*fakeSession](context.Background(), nil, testConfig(1))
	if !errors.Is(err, ErrConstruction) {
		t.Errorf("Expected ErrConstruction, got %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Size != DefaultSize {
		t.Errorf("Expected default size %d, got %d", DefaultSize, cfg.Size)
	}
	if cfg.AcquireTimeout != DefaultAcquireTimeout {
		t.Errorf("Expected default acquire timeout, got %v", cfg.AcquireTimeout)
	}
	if cfg.CheckpointTimeout != DefaultCheckpointTimeout {
		t.Errorf("Expected default checkpoint timeout, got %v", cfg.CheckpointTimeout)
	}
}

func TestAcquireRelease(t *testing.T) {
	p, _ := newTestPool(t, testConfig(3))

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if lease.ID() == "" {
		t.Error("Expected lease to carry a connection ID")
	}

	m := p.Metrics()
	if m.ActiveConnections != 1 || m.AvailableConnections != 2 {
		t.Errorf("Expected 1 active / 2 available, got %d / %d", m.ActiveConnections, m.AvailableConnections)
	}
	checkInvariant(t, m)

	lease.Release()

	m = p.Metrics()
	if m.ActiveConnections != 0 || m.AvailableConnections != 3 {
		t.Errorf("Expected 0 active / 3 available, got %d / %d", m.ActiveConnections, m.AvailableConnections)
	}
	if m.TotalCheckouts != 1 || m.TotalCheckins != 1 {
		t.Errorf("Expected 1 checkout and 1 checkin, got %d / %d", m.TotalCheckouts, m.TotalCheckins)
	}
}

func TestLeaseReleaseIsIdempotent(t *testing.T) {
	p, _ := newTestPool(t, testConfig(2))

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	lease.Release()
	lease.Release()
	p.Release(lease)

	m := p.Metrics()
	if m.TotalCheckins != 1 {
		t.Errorf("Expected exactly 1 checkin, got %d", m.TotalCheckins)
	}
	if m.AvailableConnections != 2 {
		t.Errorf("Expected 2 available, got %d", m.AvailableConnections)
	}
}

func TestReleaseForeignLease(t *testing.T) {
	p1, _ := newTestPool(t, testConfig(1))
	p2, _ := newTestPool(t, testConfig(1))

	lease, err := p1.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	p2.Release(lease)
	p2.Release(nil)

	m2 := p2.Metrics()
	if m2.TotalCheckins != 0 || m2.AvailableConnections != 1 {
		t.Errorf("Foreign release changed accounting: %+v", m2)
	}
	if p1.Metrics().ActiveConnections != 1 {
		t.Error("Foreign release should not return the connection to its owner")
	}
	lease.Release()
}

func TestAcquireTimeout(t *testing.T) {
	cfg := testConfig(2)
	cfg.AcquireTimeout = 100 * time.Millisecond
	p, _ := newTestPool(t, cfg)

	l1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire 1 failed: %v", err)
	}
	l2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire 2 failed: %v", err)
	}
	defer l1.Release()
	defer l2.Release()

	start := time.Now()
	_, err = p.Acquire(context.Background())
	elapsed := time.Since(start)

	if !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("Expected ErrPoolExhausted, got %v", err)
	}
	if elapsed < 90*time.Millisecond {
		t.Errorf("Acquire returned too early: %v", elapsed)
	}

	m := p.Metrics()
	if m.FailedCheckouts != 1 {
		t.Errorf("Expected 1 failed checkout, got %d", m.FailedCheckouts)
	}
	if m.WaitingCallers != 0 {
		t.Errorf("Expected no waiting callers after timeout, got %d", m.WaitingCallers)
	}
	if got := p.Health().Status; got != HealthCritical {
		t.Errorf("Expected CRITICAL at 100%% utilization, got %s", got)
	}
}

func TestAcquireContextDeadline(t *testing.T) {
	p, _ := newTestPool(t, testConfig(1))

	lease, _ := p.Acquire(context.Background())
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Acquire(ctx)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("Expected ErrPoolExhausted on deadline, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected wrapped DeadlineExceeded, got %v", err)
	}
}

func TestAcquireContextCancel(t *testing.T) {
	p, _ := newTestPool(t, testConfig(1))

	lease, _ := p.Acquire(context.Background())
	defer lease.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.Acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if p.Metrics().FailedCheckouts != 1 {
		t.Errorf("Expected cancellation to count as a failed checkout")
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	p, _ := newTestPool(t, testConfig(1))

	lease, _ := p.Acquire(context.Background())

	done := make(chan error, 1)
	go func() {
		l, err := p.Acquire(context.Background())
		if err == nil {
			l.Release()
		}
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	if w := p.Metrics().WaitingCallers; w != 1 {
		t.Errorf("Expected 1 waiting caller, got %d", w)
	}
	lease.Release()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Waiter failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Waiter was not woken by release")
	}

	if avg := p.Metrics().AverageCheckoutWait; avg <= 0 {
		t.Errorf("Expected positive average wait, got %v", avg)
	}
}

func TestAcquireAfterShutdown(t *testing.T) {
	p, _ := newTestPool(t, testConfig(2))
	p.Shutdown(context.Background())

	_, err := p.Acquire(context.Background())
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
}

func TestShutdownWakesWaiters(t *testing.T) {
	p, _ := newTestPool(t, testConfig(1))
	lease, _ := p.Acquire(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Shutdown(context.Background())

	select {
	case err := <-done:
		if !errors.Is(err, ErrPoolClosed) {
			t.Errorf("Expected ErrPoolClosed for waiter, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Waiter not woken by shutdown")
	}
	lease.Release()
}

func TestConcurrentInvariant(t *testing.T) {
	cfg := testConfig(4)
	cfg.AcquireTimeout = 5 * time.Second
	p, _ := newTestPool(t, cfg)

	var wg sync.WaitGroup
	var failures int32
	stop := make(chan struct{})

	// Sample the invariant while workers churn.
	sampler := make(chan struct{})
	go func() {
		defer close(sampler)
		for {
			select {
			case <-stop:
				return
			default:
			}
			checkInvariant(t, p.Metrics())
			time.Sleep(time.Millisecond)
		}
	}()

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				err := p.With(context.Background(), func(s *fakeSession) error {
					time.Sleep(100 * time.Microsecond)
					return nil
				})
				if err != nil {
					atomic.AddInt32(&failures, 1)
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-sampler

	if failures != 0 {
		t.Errorf("Expected no failures, got %d", failures)
	}
	m := p.Metrics()
	checkInvariant(t, m)
	if m.TotalCheckouts != 400 || m.TotalCheckins != 400 {
		t.Errorf("Expected 400 checkouts and checkins, got %d / %d", m.TotalCheckouts, m.TotalCheckins)
	}
	if m.PeakActiveConnections < 1 || m.PeakActiveConnections > 4 {
		t.Errorf("Peak out of range: %d", m.PeakActiveConnections)
	}
	if m.ActiveConnections != 0 {
		t.Errorf("Expected all connections returned, got %d active", m.ActiveConnections)
	}
}

func TestPeakActive(t *testing.T) {
	p, _ := newTestPool(t, testConfig(3))

	l1, _ := p.Acquire(context.Background())
	l2, _ := p.Acquire(context.Background())
	l1.Release()
	l2.Release()
	l3, _ := p.Acquire(context.Background())
	l3.Release()

	if peak := p.Metrics().PeakActiveConnections; peak != 2 {
		t.Errorf("Expected peak 2, got %d", peak)
	}
}

func TestWithReleasesOnError(t *testing.T) {
	p, _ := newTestPool(t, testConfig(1))
	want := errors.New("boom")

	err := p.With(context.Background(), func(s *fakeSession) error { return want })
	if !errors.Is(err, want) {
		t.Errorf("Expected fn error, got %v", err)
	}
	if p.Metrics().AvailableConnections != 1 {
		t.Error("Connection not returned after error")
	}
}

func TestWithReleasesOnPanic(t *testing.T) {
	p, _ := newTestPool(t, testConfig(1))

	func() {
		defer func() { _ = recover() }()
		_ = p.With(context.Background(), func(s *fakeSession) error { panic("boom") })
	}()

	m := p.Metrics()
	if m.AvailableConnections != 1 || m.TotalCheckins != 1 {
		t.Errorf("Connection not returned after panic: %+v", m)
	}
}

func TestConnectionRecords(t *testing.T) {
	p, _ := newTestPool(t, testConfig(2))

	lease, _ := p.Acquire(context.Background())
	id := lease.ID()

	var rec ConnectionRecord
	for _, r := range p.ConnectionStats() {
		if r.ID == id {
			rec = r
		}
	}
	if rec.Status != StatusInUse || rec.TotalUses != 1 {
		t.Errorf("Unexpected record while leased: %+v", rec)
	}

	time.Sleep(5 * time.Millisecond)
	lease.Release()

	for _, r := range p.ConnectionStats() {
		if r.ID == id {
			rec = r
		}
	}
	if rec.Status != StatusAvailable {
		t.Errorf("Expected available after release, got %s", rec.Status)
	}
	if rec.TotalTimeInUse < 5*time.Millisecond {
		t.Errorf("Expected time in use >= 5ms, got %v", rec.TotalTimeInUse)
	}
}

func TestMonitoringDisabled(t *testing.T) {
	cfg := testConfig(2)
	cfg.Monitoring = false
	p, _ := newTestPool(t, cfg)

	lease, _ := p.Acquire(context.Background())
	lease.Release()

	if got := len(p.ConnectionStats()); got != 0 {
		t.Errorf("Expected no records without monitoring, got %d", got)
	}
	if p.Metrics().TotalCheckouts != 1 {
		t.Error("Aggregate counters must be kept without monitoring")
	}
}

func TestResetStats(t *testing.T) {
	cfg := testConfig(2)
	cfg.AcquireTimeout = 10 * time.Millisecond
	p, _ := newTestPool(t, cfg)

	l1, _ := p.Acquire(context.Background())
	l2, _ := p.Acquire(context.Background())
	_, _ = p.Acquire(context.Background())
	l2.Release()

	p.ResetStats()

	m := p.Metrics()
	if m.FailedCheckouts != 0 || m.TotalCheckins != 0 {
		t.Errorf("Expected counters reset, got %+v", m)
	}
	if m.TotalCheckouts != 1 || m.PeakActiveConnections != 1 {
		t.Errorf("Outstanding checkout should survive reset, got %+v", m)
	}
	if m.AverageCheckoutWait != 0 {
		t.Errorf("Expected empty wait window, got %v", m.AverageCheckoutWait)
	}
	checkInvariant(t, m)

	l1.Release()
	m = p.Metrics()
	if m.TotalCheckins > m.TotalCheckouts {
		t.Errorf("Checkins exceed checkouts after reset: %+v", m)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		utilization float64
		failed      uint64
		want        HealthStatus
	}{
		{"critical", 95, 0, HealthCritical},
		{"critical dominates failures", 95, 5, HealthCritical},
		{"warning", 80, 0, HealthWarning},
		{"warning boundary", 75, 0, HealthHealthy},
		{"critical boundary", 90, 0, HealthWarning},
		{"degraded", 10, 3, HealthDegraded},
		{"healthy", 10, 0, HealthHealthy},
		{"empty", 0, 0, HealthHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.utilization, tt.failed); got != tt.want {
				t.Errorf("Classify(%v, %d) = %s, want %s", tt.utilization, tt.failed, got, tt.want)
			}
		})
	}
}

func TestHealthStatusAlerting(t *testing.T) {
	if !HealthCritical.Alerting() || !HealthWarning.Alerting() {
		t.Error("WARNING and CRITICAL should alert")
	}
	if HealthDegraded.Alerting() || HealthHealthy.Alerting() {
		t.Error("DEGRADED and HEALTHY should not alert")
	}
}

func TestHealthRounding(t *testing.T) {
	m := Metrics{TotalConnections: 3, ActiveConnections: 1, CreatedAt: time.Now()}
	h := healthFrom(m, m.CreatedAt.Add(time.Second))
	if h.UtilizationPercent != 33.33 {
		t.Errorf("Expected 33.33, got %v", h.UtilizationPercent)
	}
	if h.Uptime != time.Second {
		t.Errorf("Expected 1s uptime, got %v", h.Uptime)
	}
}

func TestSampleWindow(t *testing.T) {
	w := newSampleWindow(3)
	if w.mean() != 0 {
		t.Error("Expected zero mean for empty window")
	}

	for _, d := range []time.Duration{1, 2, 3, 4, 5} {
		w.add(d * time.Millisecond)
	}

	if w.len() != 3 {
		t.Errorf("Expected 3 samples, got %d", w.len())
	}
	got := w.samples()
	want := []time.Duration{3 * time.Millisecond, 4 * time.Millisecond, 5 * time.Millisecond}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("samples[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if w.mean() != 4*time.Millisecond {
		t.Errorf("Expected mean 4ms, got %v", w.mean())
	}

	w.reset()
	if w.len() != 0 || w.mean() != 0 {
		t.Error("Expected empty window after reset")
	}
}

func TestWaitWindowBounded(t *testing.T) {
	p, _ := newTestPool(t, testConfig(1))

	for i := 0; i < sampleWindowSize+50; i++ {
		lease, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
		lease.Release()
	}

	p.mu.Lock()
	n := p.waits.len()
	p.mu.Unlock()
	if n != sampleWindowSize {
		t.Errorf("Expected window capped at %d, got %d", sampleWindowSize, n)
	}
}

func TestCheckpointWAL(t *testing.T) {
	cfg := testConfig(2)
	cfg.WAL = true
	p, o := newTestPool(t, cfg)

	res, ok := p.CheckpointWAL(context.Background())
	if !ok {
		t.Fatal("Expected checkpoint to succeed")
	}
	if res.LogFrames != 12 || res.CheckpointedFrames != 12 {
		t.Errorf("Unexpected checkpoint result: %+v", res)
	}
	if o.totalCheckpoints() != 1 {
		t.Errorf("Expected 1 checkpoint, got %d", o.totalCheckpoints())
	}
	m := p.Metrics()
	if m.TotalCheckouts != 1 || m.ActiveConnections != 0 {
		t.Errorf("Checkpoint should borrow and return a connection: %+v", m)
	}
}

func TestCheckpointWALDisabled(t *testing.T) {
	p, o := newTestPool(t, testConfig(1))

	if _, ok := p.CheckpointWAL(context.Background()); ok {
		t.Error("Expected no-op checkpoint outside WAL mode")
	}
	if o.totalCheckpoints() != 0 {
		t.Error("Expected no checkpoint outside WAL mode")
	}
}

func TestCheckpointWALFailureNotReturned(t *testing.T) {
	cfg := testConfig(1)
	cfg.WAL = true
	p, o := newTestPool(t, cfg)
	o.sessions[0].checkErr = errors.New("database is locked")

	if _, ok := p.CheckpointWAL(context.Background()); ok {
		t.Error("Expected failed checkpoint to report ok=false")
	}
	if p.Metrics().AvailableConnections != 1 {
		t.Error("Connection not returned after failed checkpoint")
	}
}

func TestCheckpointWALExhausted(t *testing.T) {
	cfg := testConfig(1)
	cfg.WAL = true
	cfg.CheckpointTimeout = 20 * time.Millisecond
	p, _ := newTestPool(t, cfg)

	lease, _ := p.Acquire(context.Background())
	defer lease.Release()

	if _, ok := p.CheckpointWAL(context.Background()); ok {
		t.Error("Expected checkpoint to give up when no connection is free")
	}
}

func TestShutdownWithWAL(t *testing.T) {
	cfg := testConfig(3)
	cfg.WAL = true
	cfg.SettleDelay = 10 * time.Millisecond
	p, o := newTestPool(t, cfg)

	report := p.Shutdown(context.Background())

	if !report.Checkpointed {
		t.Error("Expected final checkpoint")
	}
	if o.totalCheckpoints() != 1 {
		t.Errorf("Expected exactly 1 checkpoint, got %d", o.totalCheckpoints())
	}
	if report.Closed != 3 {
		t.Errorf("Expected 3 closed, got %d", report.Closed)
	}
	for i, s := range o.sessions {
		if !s.IsClosed() {
			t.Errorf("Session %d not closed", i)
		}
	}
	if !p.Closed() {
		t.Error("Expected pool to report closed")
	}
}

func TestShutdownTwice(t *testing.T) {
	cfg := testConfig(2)
	cfg.WAL = true
	p, o := newTestPool(t, cfg)

	first := p.Shutdown(context.Background())
	second := p.Shutdown(context.Background())

	if first.Closed != 2 {
		t.Errorf("Expected 2 closed on first shutdown, got %d", first.Closed)
	}
	if second.Closed != 0 || second.Checkpointed {
		t.Errorf("Expected second shutdown to be a no-op, got %+v", second)
	}
	if o.totalCheckpoints() != 1 {
		t.Errorf("Expected a single checkpoint, got %d", o.totalCheckpoints())
	}
}

func TestShutdownWithOutstandingLease(t *testing.T) {
	p, o := newTestPool(t, testConfig(2))

	lease, _ := p.Acquire(context.Background())
	report := p.Shutdown(context.Background())

	if report.Outstanding != 1 || report.Closed != 1 {
		t.Errorf("Expected 1 outstanding and 1 closed, got %+v", report)
	}

	var leased *fakeSession
	for _, s := range o.sessions {
		if !s.IsClosed() {
			leased = s
		}
	}
	if leased == nil {
		t.Fatal("Expected the leased session to stay open")
	}

	lease.Release()
	if !leased.IsClosed() {
		t.Error("Release after shutdown should close the session")
	}
}

func TestShutdownCloseErrors(t *testing.T) {
	p, o := newTestPool(t, testConfig(2))
	o.sessions[0].closeErr = errors.New("close failed")

	report := p.Shutdown(context.Background())
	if report.Closed != 1 || report.CloseErrors != 1 {
		t.Errorf("Expected 1 closed and 1 error, got %+v", report)
	}
}

func TestWriteStats(t *testing.T) {
	p, _ := newTestPool(t, testConfig(2))
	lease, _ := p.Acquire(context.Background())
	lease.Release()

	var buf bytes.Buffer
	if err := p.WriteStats(&buf); err != nil {
		t.Fatalf("WriteStats failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"Pool Health: HEALTHY",
		"Total Connections: 2",
		"Total Checkouts: 1",
		"Connection Details:",
		"conn_0",
		"conn_1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in stats output:\n%s", want, out)
		}
	}
}

func TestExportJSON(t *testing.T) {
	p, _ := newTestPool(t, testConfig(2))
	lease, _ := p.Acquire(context.Background())
	lease.Release()

	path := filepath.Join(t.TempDir(), "pool.json")
	data, err := p.ExportJSON(path)
	if err != nil {
		t.Fatalf("ExportJSON failed: %v", err)
	}

	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Reading export failed: %v", err)
	}
	if !bytes.Equal(data, onDisk) {
		t.Error("Returned document differs from file contents")
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Export is not valid JSON: %v", err)
	}
	for _, key := range []string{"timestamp", "pool_metrics", "health", "connections"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("Missing top-level key %q", key)
		}
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("Decoding report failed: %v", err)
	}
	if r.PoolMetrics.TotalCheckouts != 1 || r.PoolMetrics.TotalCheckins != 1 {
		t.Errorf("Expected 1 checkout and 1 checkin, got %+v", r.PoolMetrics)
	}
	if r.PoolMetrics.ActiveConnections != 0 {
		t.Errorf("Expected 0 active, got %d", r.PoolMetrics.ActiveConnections)
	}
	if len(r.Connections) != 2 {
		t.Errorf("Expected 2 connection entries, got %d", len(r.Connections))
	}
	if _, err := time.Parse(time.RFC3339Nano, r.Timestamp); err != nil {
		t.Errorf("Timestamp not RFC 3339: %v", err)
	}
}

func TestExportJSONNoPath(t *testing.T) {
	p, _ := newTestPool(t, testConfig(1))
	data, err := p.ExportJSON("")
	if err != nil {
		t.Fatalf("ExportJSON failed: %v", err)
	}
	if len(data) == 0 {
		t.Error("Expected a document")
	}
}

func TestUpdateMetrics(t *testing.T) {
	m := Metrics{
		TotalConnections:      4,
		ActiveConnections:     3,
		AvailableConnections:  1,
		PeakActiveConnections: 4,
		WaitingCallers:        2,
	}
	h := Health{Status: HealthWarning, UtilizationPercent: 75}

	UpdateMetrics(m, h)

	if PoolConnectionsActive.Value() != 3 {
		t.Errorf("Expected active gauge 3, got %d", PoolConnectionsActive.Value())
	}
	if PoolConnectionsAvailable.Value() != 1 {
		t.Errorf("Expected available gauge 1, got %d", PoolConnectionsAvailable.Value())
	}
	if PoolWaitingCallers.Value() != 2 {
		t.Errorf("Expected waiting gauge 2, got %d", PoolWaitingCallers.Value())
	}
	if PoolUtilization.Value() != 75 {
		t.Errorf("Expected utilization gauge 75, got %v", PoolUtilization.Value())
	}
	if PoolHealthy.Value() != 0 {
		t.Error("Expected healthy gauge 0 for WARNING")
	}

	UpdateMetrics(m, Health{Status: HealthHealthy})
	if PoolHealthy.Value() != 1 {
		t.Error("Expected healthy gauge 1 for HEALTHY")
	}
}

func TestCheckoutCounterMetric(t *testing.T) {
	p, _ := newTestPool(t, testConfig(1))
	before := PoolCheckoutsTotal.Value()

	lease, _ := p.Acquire(context.Background())
	lease.Release()

	if PoolCheckoutsTotal.Value() != before+1 {
		t.Error("Expected checkout counter to advance by one")
	}
}
