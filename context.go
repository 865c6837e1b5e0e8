package flume

import (
	"context"

	"github.com/flumehq/flume/metrics"
)

type metricsCtxKey struct{}

func withMetrics(ctx context.Context, m *metrics.Store) context.Context {
	if m == nil {
		return ctx
	}
	return context.WithValue(ctx, metricsCtxKey{}, m)
}

// MetricsFromContext returns the metrics store of the executing stage, or
// nil when none is configured.
func MetricsFromContext(ctx context.Context) *metrics.Store {
	m, _ := ctx.Value(metricsCtxKey{}).(*metrics.Store)
	return m
}

// Counter returns the named counter of the executing stage's metrics store.
// Increments are discarded when no store is configured. Counters incremented
// inside an isolated subprocess are not observable by the parent's store.
func Counter(ctx context.Context, name string) metrics.Counter {
	if m := MetricsFromContext(ctx); m != nil {
		return m.Counter(name)
	}
	return metrics.Nop
}
