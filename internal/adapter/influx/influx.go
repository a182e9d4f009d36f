// Package influx writes monitoring events to InfluxDB v2 as line-protocol points.
package influx

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/ArnBdev/oneagent-delegation/internal/monitoring"
)

// Measurement is the measurement name every event is written under.
const Measurement = "delegation_operation"

// PointWriter is the subset of api.WriteAPIBlocking used here.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Writer implements monitoring.EventWriter.
type Writer struct {
	api    PointWriter
	client influxdb2.Client
}

// New connects to url with token and writes into org/bucket.
func New(url, token, org, bucket string) *Writer {
	client := influxdb2.NewClient(url, token)
	return &Writer{api: client.WriteAPIBlocking(org, bucket), client: client}
}

// NewWithAPI wraps an existing point writer.
func NewWithAPI(api PointWriter) *Writer {
	return &Writer{api: api}
}

// WriteEvent implements monitoring.EventWriter.
func (w *Writer) WriteEvent(ctx context.Context, ev monitoring.Event) error {
	if err := w.api.WritePoint(ctx, Point(ev)); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// Close releases the client.
func (w *Writer) Close() {
	if w.client != nil {
		w.client.Close()
	}
}

// Point converts an event. Component, operation and outcome become tags; the
// duration and a few known identifiers become fields.
func Point(ev monitoring.Event) *write.Point {
	p := influxdb2.NewPointWithMeasurement(Measurement).
		AddTag("component", ev.Component).
		AddTag("operation", ev.Operation).
		AddTag("outcome", ev.Outcome).
		AddField("count", 1).
		SetTime(ev.At)

	if d, ok := monitoring.DurationMs(ev.Metadata); ok {
		p.AddField("duration_ms", d)
	}
	for _, key := range []string{"taskId", "targetAgent", "code"} {
		if v, ok := ev.Metadata[key].(string); ok && v != "" {
			p.AddField(key, v)
		}
	}
	return p
}
