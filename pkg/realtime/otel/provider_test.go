package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/altan/realtime/pkg/realtime/o11y"
)

func TestProviderImplementsInterfaces(t *testing.T) {
	var p any = NewProvider("realtime-test", "0.0.0")
	_, ok := p.(o11y.MetricsProvider)
	assert.True(t, ok)
	_, ok = p.(o11y.TracingProvider)
	assert.True(t, ok)
}

func TestProviderInstruments(t *testing.T) {
	ctx := context.Background()
	p := NewProviderFrom(metricnoop.NewMeterProvider(), tracenoop.NewTracerProvider(), "realtime-test", "0.0.0")
	label := o11y.Label{Key: "type", Value: "ack"}

	assert.NotPanics(t, func() {
		p.Counter("frames_total").Add(ctx, 1, label)
		p.Histogram("frame_bytes").Record(ctx, 128, label)

		g := p.Gauge("queued")
		g.Set(ctx, 3, label)
		g.Set(ctx, 1, label)
		g.Set(ctx, 1, label)

		spanCtx, span := p.StartSpan(ctx, "route")
		assert.NotNil(t, spanCtx)
		span.SetAttributes(label)
		span.SetStatus(o11y.SpanStatusError, "failed")
		span.End()
	})
}

func TestGaugeTracksLastValuePerLabelSet(t *testing.T) {
	ctx := context.Background()
	p := NewProviderFrom(metricnoop.NewMeterProvider(), tracenoop.NewTracerProvider(), "realtime-test", "0.0.0")

	g := p.Gauge("state").(*otelGauge)
	g.Set(ctx, 2, o11y.Label{Key: "a", Value: "1"})
	g.Set(ctx, 5, o11y.Label{Key: "a", Value: "2"})
	g.Set(ctx, 4, o11y.Label{Key: "a", Value: "1"})

	assert.Len(t, g.last, 2)
}
