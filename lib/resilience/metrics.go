package resilience

import (
	"github.com/budgetbook/ledgerd/lib/metrics"
)

// Circuit breaker metrics, exposed on /metrics.
var (
	// CircuitBreakerState is the state of the last breaker to change:
	// 0 closed, 1 open, 2 half-open.
	CircuitBreakerState = metrics.NewGauge(
		"ledgerd_circuit_breaker_state",
		"Current state of the pool circuit breaker (0=closed, 1=open, 2=half-open)",
	)

	CircuitBreakerTrips = metrics.NewCounter(
		"ledgerd_circuit_breaker_trips_total",
		"Times the pool circuit breaker opened",
	)

	CircuitBreakerSuccesses = metrics.NewCounter(
		"ledgerd_circuit_breaker_successes_total",
		"Calls through the pool circuit breaker that reached a connection",
	)

	CircuitBreakerFailures = metrics.NewCounter(
		"ledgerd_circuit_breaker_failures_total",
		"Calls through the pool circuit breaker that found the pool exhausted",
	)

	CircuitBreakerRejections = metrics.NewCounter(
		"ledgerd_circuit_breaker_rejections_total",
		"Calls rejected without waiting because the circuit was open",
	)
)

func recordTransition(to CircuitState) {
	CircuitBreakerState.Set(int64(to))
	if to == CircuitOpen {
		CircuitBreakerTrips.Inc()
	}
}
