package web

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/budgetbook/ledgerd/lib/ratelimit"
)

// RateLimitConfig configures per-client limiting of the ops endpoints.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// CleanupInterval is how long an idle client's bucket is kept.
	CleanupInterval time.Duration
	// TrustProxy makes a loopback peer's X-Forwarded-For or X-Real-IP
	// header name the client. Other peers are always keyed by address.
	TrustProxy bool
}

// DefaultRateLimitConfig allows a dashboard polling every few seconds
// plus a Prometheus scraper without either being throttled.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 5.0,
		BurstSize:         20,
		CleanupInterval:   5 * time.Minute,
	}
}

// probePaths are never limited: an orchestrator that gets 429 from a
// probe would restart a healthy process.
var probePaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
}

// RateLimiter is per-client HTTP middleware.
type RateLimiter struct {
	limiter    *ratelimit.KeyedLimiter
	trustProxy bool
	retryAfter string
	onReject   func(ip, path string)
}

// NewRateLimiter fills zero fields of cfg from DefaultRateLimitConfig.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	def := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	// whole seconds until one token is back
	wait := int(math.Ceil(1 / cfg.RequestsPerSecond))

	return &RateLimiter{
		limiter:    ratelimit.NewKeyed(cfg.RequestsPerSecond, cfg.BurstSize, cfg.CleanupInterval),
		trustProxy: cfg.TrustProxy,
		retryAfter: strconv.Itoa(max(wait, 1)),
	}
}

// SetOnReject sets a callback run for every rejected request.
func (rl *RateLimiter) SetOnReject(fn func(ip, path string)) {
	rl.onReject = fn
}

// Close stops the idle-bucket cleanup goroutine.
func (rl *RateLimiter) Close() {
	rl.limiter.Close()
}

// Middleware answers 429 with a JSON body once a client exceeds its rate.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if probePaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r, rl.trustProxy)
		if rl.limiter.Allow(ip) {
			next.ServeHTTP(w, r)
			return
		}

		if rl.onReject != nil {
			rl.onReject(ip, r.URL.Path)
		}
		w.Header().Set("Retry-After", rl.retryAfter)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"too many requests","code":"rate_limited"}` + "\n"))
	})
}

// clientIP keys a request by its peer address, or by the forwarding
// headers when trustProxy is set and the peer is a local reverse proxy.
func clientIP(r *http.Request, trustProxy bool) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !trustProxy || !isLoopback(peer) {
		return peer
	}

	if ip := parseFirstIP(r.Header.Get("X-Forwarded-For")); ip != "" {
		return ip
	}
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	return peer
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// parseFirstIP returns the first entry of a comma-separated list if it is a
// valid IP.
func parseFirstIP(xff string) string {
	candidate, _, _ := strings.Cut(xff, ",")
	if ip := net.ParseIP(strings.TrimSpace(candidate)); ip != nil {
		return ip.String()
	}
	return ""
}
