package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/budgetbook/ledgerd/lib/pool"
)

var _ PoolSource = (*pool.Pool[pool.Session])(nil)

type fakeSource struct {
	metrics  pool.Metrics
	health   pool.Health
	closed   bool
	statsErr error
}

func (f *fakeSource) Snapshot() (pool.Metrics, pool.Health) { return f.metrics, f.health }

func (f *fakeSource) BuildReport() pool.Report {
	return pool.Report{
		Timestamp: "2024-01-01T00:00:00Z",
		PoolMetrics: pool.MetricsReport{
			TotalConnections: f.metrics.TotalConnections,
			TotalCheckouts:   f.metrics.TotalCheckouts,
		},
		Health: pool.NewHealthReport(f.health),
	}
}

func (f *fakeSource) WriteStats(w io.Writer) error {
	if f.statsErr != nil {
		return f.statsErr
	}
	_, err := fmt.Fprintf(w, "Pool Health: %s\n", f.health.Status)
	return err
}

func (f *fakeSource) Closed() bool { return f.closed }

func newTestServer(t *testing.T, src PoolSource) *Server {
	t.Helper()
	s, err := New(Config{
		ListenAddr: "127.0.0.1:0",
		Source:     src,
		RateLimit:  &RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 1000, CleanupInterval: time.Minute},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:40000"
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return body
}

func TestNewRequiresSource(t *testing.T) {
	if _, err := New(Config{ListenAddr: "127.0.0.1:0"}); err == nil {
		t.Error("expected error without a pool source")
	}
}

func TestLiveness(t *testing.T) {
	s := newTestServer(t, &fakeSource{})
	w := get(t, s, "/healthz")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := decode(t, w)["status"]; got != "alive" {
		t.Errorf("status field = %v, want alive", got)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff header")
	}
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name       string
		src        *fakeSource
		wantCode   int
		wantReason string
	}{
		{"ready", &fakeSource{health: pool.Health{Status: pool.HealthWarning}}, http.StatusOK, ""},
		{"closed", &fakeSource{closed: true}, http.StatusServiceUnavailable, "pool_closed"},
		{"saturated", &fakeSource{health: pool.Health{Status: pool.HealthCritical}}, http.StatusServiceUnavailable, "pool_saturated"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, tc.src)
			w := get(t, s, "/readyz")
			if w.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tc.wantCode)
			}
			body := decode(t, w)
			if tc.wantReason != "" && body["reason"] != tc.wantReason {
				t.Errorf("reason = %v, want %s", body["reason"], tc.wantReason)
			}
		})
	}
}

func TestPoolHealth(t *testing.T) {
	src := &fakeSource{health: pool.Health{
		Status:             pool.HealthDegraded,
		UtilizationPercent: 40,
		Active:             2,
		Available:          3,
		FailedCheckouts:    1,
		Uptime:             90 * time.Second,
	}}
	s := newTestServer(t, src)
	w := get(t, s, "/api/pool/health")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decode(t, w)
	if body["status"] != "DEGRADED" {
		t.Errorf("status = %v, want DEGRADED", body["status"])
	}
	if body["utilization_percent"] != 40.0 {
		t.Errorf("utilization_percent = %v, want 40", body["utilization_percent"])
	}
	if body["uptime_seconds"] != 90.0 {
		t.Errorf("uptime_seconds = %v, want 90", body["uptime_seconds"])
	}
	if _, ok := body["timestamp"]; !ok {
		t.Error("missing timestamp")
	}
}

func TestPoolMetrics(t *testing.T) {
	src := &fakeSource{
		metrics: pool.Metrics{TotalConnections: 5, TotalCheckouts: 12},
		health:  pool.Health{Status: pool.HealthHealthy},
	}
	s := newTestServer(t, src)
	w := get(t, s, "/api/pool/metrics")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var report pool.Report
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.PoolMetrics.TotalConnections != 5 || report.PoolMetrics.TotalCheckouts != 12 {
		t.Errorf("unexpected pool metrics: %+v", report.PoolMetrics)
	}
	if report.Health.Status != pool.HealthHealthy {
		t.Errorf("health = %s, want HEALTHY", report.Health.Status)
	}
}

func TestPoolStats(t *testing.T) {
	s := newTestServer(t, &fakeSource{health: pool.Health{Status: pool.HealthHealthy}})
	w := get(t, s, "/api/pool/stats")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("content type = %q", w.Header().Get("Content-Type"))
	}
	if !strings.Contains(w.Body.String(), "Pool Health: HEALTHY") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestPoolStatsError(t *testing.T) {
	s := newTestServer(t, &fakeSource{statsErr: errors.New("boom")})
	w := get(t, s, "/api/pool/stats")

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	body := decode(t, w)
	if body["error"] != "internal error" || body["code"] != "internal" {
		t.Errorf("body = %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeSource{})
	w := get(t, s, "/metrics")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ledgerd_http_requests_total") {
		t.Errorf("metrics output missing request counter:\n%s", w.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, &fakeSource{})
	req := httptest.NewRequest(http.MethodPost, "/api/pool/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestStartStop(t *testing.T) {
	s := newTestServer(t, &fakeSource{})

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(); err == nil {
		t.Error("second Start() should fail")
	}

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}
