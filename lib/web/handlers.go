package web

import (
	"bytes"
	"net/http"
	"time"

	apperrors "github.com/budgetbook/ledgerd/lib/errors"
	"github.com/budgetbook/ledgerd/lib/pool"
)

// HealthResponse is the body of /api/pool/health.
type HealthResponse struct {
	Timestamp string `json:"timestamp"`
	pool.HealthReport
}

// handleLiveness returns a simple liveness probe response.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
	})
}

// handleReadiness reports not ready while the pool is shut down or
// saturated, so that a load balancer stops routing to this instance.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.source.Closed() {
		s.writeJSON(w, apperrors.HTTPStatus(pool.ErrPoolClosed), map[string]string{
			"status": "not_ready",
			"reason": "pool_closed",
		})
		return
	}

	_, h := s.source.Snapshot()
	if h.Status == pool.HealthCritical {
		s.writeJSON(w, apperrors.HTTPStatus(pool.ErrPoolExhausted), map[string]string{
			"status": "not_ready",
			"reason": "pool_saturated",
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// handlePoolHealth returns the derived health summary.
func (s *Server) handlePoolHealth(w http.ResponseWriter, r *http.Request) {
	_, h := s.source.Snapshot()
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		HealthReport: pool.NewHealthReport(h),
	})
}

// handlePoolMetrics returns the full metrics export document.
func (s *Server) handlePoolMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.source.BuildReport())
}

// handlePoolStats returns the human-readable statistics dump.
func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.source.WriteStats(&buf); err != nil {
		s.logger.Error("writing pool stats", "error", err)
		s.writeError(w, apperrors.WrapInternal(err))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
