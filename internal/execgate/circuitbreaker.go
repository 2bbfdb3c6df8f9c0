package execgate

import (
	"time"

	"github.com/swarmguard/devworkflowd/internal/resilience"
)

// breaker is a thin alias binding the generic resilience.CircuitBreaker to
// this package's git-mutation use (SPEC_FULL.md §2.4). It is scoped to one
// breaker per daemon process, matching the gate's own process-wide scope.
type breaker = resilience.CircuitBreaker

func newBreaker() *breaker {
	return resilience.NewCircuitBreakerAdaptive(
		30*time.Second, // rolling window
		6,              // bucket resolution (5s buckets)
		5,              // minimum samples before evaluating
		0.5,            // baseline failure rate to open
		10*time.Second, // half-open cool-down
		2,              // half-open probes
	)
}
