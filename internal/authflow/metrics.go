package authflow

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/aaronromeo/mailer/internal/authflow"

type flowMetrics struct {
	attempts metric.Int64Counter
	duration metric.Float64Histogram
}

func newFlowMetrics(mp metric.MeterProvider) (*flowMetrics, error) {
	meter := mp.Meter(instrumentationName)

	attempts, err := meter.Int64Counter("mailer.auth.attempts",
		metric.WithDescription("Completed login attempts by outcome."),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("mailer.auth.duration",
		metric.WithDescription("Time from Begin to completion of a login attempt."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &flowMetrics{attempts: attempts, duration: duration}, nil
}

func (m *flowMetrics) record(ctx context.Context, err error, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome(err)))
	m.attempts.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}
