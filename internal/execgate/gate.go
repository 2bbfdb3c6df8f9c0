// Package execgate is the process-wide "exclusive exec" mutex (§4.4): a
// single named singleton, GLOBAL_EXEC_LOCK, that git mutations and
// exclusive execs must acquire, while reads and non-exclusive execs bypass
// it entirely. The gate sits below the State Store and Trajectory locks in
// the hierarchy (§5); holders of the gate must not acquire either.
package execgate

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Gate is GLOBAL_EXEC_LOCK: one per daemon process.
type Gate struct {
	mu sync.Mutex

	acquisitions metric.Int64Counter
	execLatency  metric.Float64Histogram
	gitLatency   metric.Float64Histogram
}

// NewGate constructs the process-wide gate. meter may be nil in tests.
func NewGate(meter metric.Meter) *Gate {
	g := &Gate{}
	if meter != nil {
		g.acquisitions, _ = meter.Int64Counter("execgate_acquisitions_total")
		g.execLatency, _ = meter.Float64Histogram("execgate_exec_duration_ms")
		g.gitLatency, _ = meter.Float64Histogram("execgate_git_duration_ms")
	}
	return g
}

// RunExclusive acquires the gate for the duration of fn. Callers must not
// hold the State Store mutex or the Trajectory write mutex when calling
// this: the gate is the lowest-priority lock in the hierarchy and must
// never be acquired while holding a higher one (§5).
func (g *Gate) RunExclusive(ctx context.Context, kind string, fn func(ctx context.Context) error) error {
	start := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.acquisitions != nil {
		g.acquisitions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind), attribute.Bool("exclusive", true)))
	}

	err := fn(ctx)

	elapsed := float64(time.Since(start).Milliseconds())
	switch kind {
	case "git":
		if g.gitLatency != nil {
			g.gitLatency.Record(ctx, elapsed)
		}
	default:
		if g.execLatency != nil {
			g.execLatency.Record(ctx, elapsed)
		}
	}
	return err
}

// RunShared runs fn without acquiring the gate, for reads and
// non-exclusive execs. It still records the acquisitions counter with
// exclusive=false so operators can see gate bypass traffic.
func (g *Gate) RunShared(ctx context.Context, kind string, fn func(ctx context.Context) error) error {
	if g.acquisitions != nil {
		g.acquisitions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind), attribute.Bool("exclusive", false)))
	}
	return fn(ctx)
}
