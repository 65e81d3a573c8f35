package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	units    metric.Int64Counter
	latency  metric.Float64Histogram
	inflight metric.Int64UpDownCounter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-render/dispatch")
	units, err := meter.Int64Counter("loqa.render.units", metric.WithDescription("Units settled, by outcome"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("loqa.render.unit.latency", metric.WithDescription("Unit processing latency"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	inflight, err := meter.Int64UpDownCounter("loqa.render.units.inflight", metric.WithDescription("External calls currently in flight"))
	if err != nil {
		return nil, err
	}
	return &metrics{units: units, latency: latency, inflight: inflight}, nil
}

func (m *metrics) unit(ctx context.Context, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.units.Add(ctx, 1, attrs)
	if latency > 0 {
		m.latency.Record(ctx, float64(latency)/float64(time.Millisecond), attrs)
	}
}

func (m *metrics) inflightAdd(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.inflight.Add(ctx, n)
}
