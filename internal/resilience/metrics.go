package resilience

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/example/tempverify/internal/resilience"

// MetricsObserver counts breaker transitions and upstream call outcomes with
// OpenTelemetry instruments.
type MetricsObserver struct {
	transitions metric.Int64Counter
	calls       metric.Int64Counter
}

// NewMetricsObserver registers its instruments on provider.
func NewMetricsObserver(provider metric.MeterProvider) (*MetricsObserver, error) {
	meter := provider.Meter(meterName)

	transitions, err := meter.Int64Counter("tempverify.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}
	calls, err := meter.Int64Counter("tempverify.upstream.calls",
		metric.WithDescription("Upstream call outcomes after retries"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}
	return &MetricsObserver{transitions: transitions, calls: calls}, nil
}

func (m *MetricsObserver) BreakerTransition(t Transition) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("operation", t.Operation),
		attribute.String("from", t.From.String()),
		attribute.String("to", t.To.String()),
	))
}

// RecordCall counts one finished call.
func (m *MetricsObserver) RecordCall(ctx context.Context, operation, outcome string, attempts int) {
	m.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
		attribute.Int("attempts", attempts),
	))
}
