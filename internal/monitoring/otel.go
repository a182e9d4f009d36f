package monitoring

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "oneagent-delegation"

// OTelSink records events as OpenTelemetry metrics using the global meter provider.
type OTelSink struct {
	operations metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewOTelSink creates the metric instruments.
func NewOTelSink() (*OTelSink, error) {
	meter := otel.Meter(instrumentationName)
	s := &OTelSink{}
	var err error

	s.operations, err = meter.Int64Counter("delegation.operations",
		metric.WithDescription("Number of tracked operations by component, operation and outcome"))
	if err != nil {
		return nil, err
	}

	s.duration, err = meter.Float64Histogram("delegation.operation.duration_ms",
		metric.WithDescription("Duration of tracked operations in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return s, nil
}

// TrackOperation implements Sink.
func (s *OTelSink) TrackOperation(component, operation, outcome string, metadata map[string]any) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	)
	s.operations.Add(ctx, 1, attrs)
	if d, ok := DurationMs(metadata); ok {
		s.duration.Record(ctx, d, attrs)
	}
}

// StartSpan starts a span for one loop iteration or external call.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// DurationMs extracts the "durationMs" metadata value as float64.
func DurationMs(metadata map[string]any) (float64, bool) {
	v, ok := metadata["durationMs"]
	if !ok {
		return 0, false
	}
	switch d := v.(type) {
	case int:
		return float64(d), true
	case int64:
		return float64(d), true
	case float64:
		return d, true
	case float32:
		return float64(d), true
	default:
		return 0, false
	}
}
