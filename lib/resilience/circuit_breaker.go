// Package resilience lets callers fail fast while the connection pool is
// saturated. Once FailureThreshold consecutive calls fail with a counted
// error, the breaker opens and rejects calls with ErrCircuitOpen instead of
// queueing more waiters behind a pool that is not draining. After Timeout a
// few probe calls are let through; enough successes close it again.
//
//	Closed -> Open -> HalfOpen -> Closed
//	           ^          |
//	           +----------+ (probe failed)
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets every call through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls immediately.
	CircuitOpen
	// CircuitHalfOpen lets a limited number of probe calls through.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive counted failures
	// that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that close it.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// MaxHalfOpenRequests caps concurrent probes while half-open.
	MaxHalfOpenRequests int
	// IsFailure decides which errors count against the circuit. Errors
	// it rejects are treated as successes: the protected resource worked
	// and the caller's own operation failed. Nil counts every error.
	IsFailure func(error) bool
}

// DefaultCircuitBreakerConfig returns defaults sized for pool acquisition.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    1,
		Timeout:             5 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu     sync.Mutex
	config CircuitBreakerConfig
	name   string
	now    func() time.Time

	state CircuitState

	failureCount         int
	successCount         int
	halfOpenRequestCount int
	rejected             uint64

	lastFailureTime time.Time
	lastStateChange time.Time
	openedAt        time.Time

	onStateChange func(from, to CircuitState)
}

// NewCircuitBreaker creates a closed circuit breaker. Zero config fields
// take their defaults.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxHalfOpenRequests <= 0 {
		cfg.MaxHalfOpenRequests = def.MaxHalfOpenRequests
	}

	cb := &CircuitBreaker{
		config: cfg,
		name:   name,
		now:    time.Now,
		state:  CircuitClosed,
	}
	cb.lastStateChange = cb.now()
	return cb
}

// SetStateChangeCallback sets a callback run on every transition. It is
// called without the breaker's lock held.
func (cb *CircuitBreaker) SetStateChangeCallback(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// State returns the current state. An open circuit whose timeout has
// elapsed reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() CircuitState {
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Allow reports whether a call may proceed, reserving a probe slot when
// half-open. Every allowed call must be followed by RecordSuccess or
// RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	allowed, change := cb.allowLocked()
	if !allowed {
		cb.rejected++
	}
	cb.mu.Unlock()

	change.notify()
	if !allowed {
		CircuitBreakerRejections.Inc()
	}
	return allowed
}

func (cb *CircuitBreaker) allowLocked() (bool, transition) {
	switch cb.state {
	case CircuitClosed:
		return true, transition{}
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
			change := cb.transitionTo(CircuitHalfOpen)
			cb.halfOpenRequestCount = 1
			return true, change
		}
		return false, transition{}
	case CircuitHalfOpen:
		if cb.halfOpenRequestCount < cb.config.MaxHalfOpenRequests {
			cb.halfOpenRequestCount++
			return true, transition{}
		}
		return false, transition{}
	default:
		return false, transition{}
	}
}

// RecordSuccess records a call that did not fail the protected resource.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var change transition
	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.halfOpenRequestCount--
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			change = cb.transitionTo(CircuitClosed)
		}
	}
	cb.mu.Unlock()

	CircuitBreakerSuccesses.Inc()
	change.notify()
}

// RecordFailure records a call that failed the protected resource.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.lastFailureTime = cb.now()

	var change transition
	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			change = cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		change = cb.transitionTo(CircuitOpen)
	}
	cb.mu.Unlock()

	CircuitBreakerFailures.Inc()
	change.notify()
}

// transition carries a state change out of the lock so the callback can
// run without it.
type transition struct {
	from, to CircuitState
	fn       func(from, to CircuitState)
	changed  bool
}

func (t transition) notify() {
	if !t.changed {
		return
	}
	recordTransition(t.to)
	if t.fn != nil {
		t.fn(t.from, t.to)
	}
}

// transitionTo changes the state. Must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState) transition {
	if cb.state == newState {
		return transition{}
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()

	switch newState {
	case CircuitClosed:
		cb.failureCount = 0
		cb.successCount = 0
	case CircuitOpen:
		cb.openedAt = cb.lastStateChange
		cb.successCount = 0
	case CircuitHalfOpen:
		cb.successCount = 0
		cb.halfOpenRequestCount = 0
	}

	log.WithField("circuit", cb.name).
		WithField("from", oldState.String()).
		WithField("to", newState.String()).
		Info("circuit breaker state transition")

	return transition{from: oldState, to: newState, fn: cb.onStateChange, changed: true}
}

// Execute runs fn if the circuit allows it and records the outcome.
// It returns ErrCircuitOpen without calling fn when the circuit is open.
// A canceled call is not counted against the circuit.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.Allow() {
		return ErrCircuitOpen
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case errors.Is(err, context.Canceled):
		cb.release()
	case cb.counts(err):
		cb.RecordFailure()
	default:
		cb.RecordSuccess()
	}
	return err
}

func (cb *CircuitBreaker) counts(err error) bool {
	if cb.config.IsFailure == nil {
		return true
	}
	return cb.config.IsFailure(err)
}

// release gives back a half-open probe slot without recording an outcome.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.halfOpenRequestCount > 0 {
		cb.halfOpenRequestCount--
	}
}

// ForceOpen opens the circuit regardless of recent results.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	change := cb.transitionTo(CircuitOpen)
	cb.mu.Unlock()
	change.notify()
}

// Reset returns the breaker to its initial closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	change := cb.transitionTo(CircuitClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenRequestCount = 0
	cb.rejected = 0
	cb.openedAt = time.Time{}
	cb.mu.Unlock()
	change.notify()
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:            cb.name,
		State:           cb.stateLocked(),
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		Rejected:        cb.rejected,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}

// CircuitBreakerStats holds statistics for a circuit breaker.
type CircuitBreakerStats struct {
	Name            string
	State           CircuitState
	FailureCount    int
	SuccessCount    int
	Rejected        uint64
	LastFailureTime time.Time
	LastStateChange time.Time
}

// Name returns the name of this circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}
