// Package web serves ledgerd's operational HTTP endpoints for probes and
// pool statistics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/budgetbook/ledgerd/lib/errors"
	"github.com/budgetbook/ledgerd/lib/metrics"
	"github.com/budgetbook/ledgerd/lib/pool"
)

// PoolSource is the view of the pool the handlers need.
// *pool.Pool satisfies it.
type PoolSource interface {
	Snapshot() (pool.Metrics, pool.Health)
	BuildReport() pool.Report
	WriteStats(w io.Writer) error
	Closed() bool
}

// Server is the ops HTTP server.
type Server struct {
	httpServer *http.Server
	source     PoolSource
	limiter    *RateLimiter
	logger     *slog.Logger
	mu         sync.RWMutex
	running    bool
	addr       string
}

// Config holds web server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "127.0.0.1:8090")
	ListenAddr string
	// Source is the pool being reported on
	Source PoolSource
	// RateLimit configures per-client limiting. Nil uses the defaults.
	RateLimit *RateLimitConfig
	// Logger is the structured logger
	Logger *slog.Logger
}

// New creates a new ops server. Call Stop to release its resources.
func New(cfg Config) (*Server, error) {
	if cfg.Source == nil {
		return nil, errors.New("pool source is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	rlCfg := DefaultRateLimitConfig()
	if cfg.RateLimit != nil {
		rlCfg = *cfg.RateLimit
	}

	s := &Server{
		source:  cfg.Source,
		limiter: NewRateLimiter(rlCfg),
		logger:  cfg.Logger.With("component", "web"),
		addr:    cfg.ListenAddr,
	}
	s.limiter.SetOnReject(func(ip, path string) {
		s.logger.Warn("rate limited", "ip", ip, "path", path)
	})

	mux := http.NewServeMux()

	// Probes
	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /readyz", s.handleReadiness)

	// Pool API
	mux.HandleFunc("GET /api/pool/health", s.handlePoolHealth)
	mux.HandleFunc("GET /api/pool/metrics", s.handlePoolMetrics)
	mux.HandleFunc("GET /api/pool/stats", s.handlePoolStats)

	// Metrics endpoint (Prometheus format)
	mux.Handle("GET /metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.withMiddleware(s.limiter.Middleware(mux)),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the bound address once started, or the configured one.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Start starts the web server.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("listen: %w", err)
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	s.logger.Info("web server started", "addr", s.Addr())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", "error", err)
		}
	}()

	return nil
}

// Stop stops the web server gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.limiter.Close()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	defer s.limiter.Close()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("web server stopped")
	return nil
}

// withMiddleware wraps the handler with common middleware.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		metrics.HTTPRequestsTotal.Inc()

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
		)

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)

		s.logger.Debug("response",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("json encode error", "error", err)
	}
}

// writeError replies with err's status, code and client-safe message.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, apperrors.HTTPStatus(err), map[string]string{
		"error": apperrors.SafeMessage(err),
		"code":  string(apperrors.CodeOf(err)),
	})
}
