// Package monitoring defines the Monitoring Sink contract and the sinks that
// do not need an external service.
package monitoring

import (
	"log/slog"
	"sync"
	"time"
)

// Outcome values used across components.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeSkip    = "skip"
	OutcomeInfo    = "info"
)

// Sink receives one structured event per operation. Implementations must not
// block the caller for long and must not panic.
type Sink interface {
	TrackOperation(component, operation, outcome string, metadata map[string]any)
}

// Nop discards every event.
type Nop struct{}

// TrackOperation implements Sink.
func (Nop) TrackOperation(string, string, string, map[string]any) {}

// Fanout forwards each event to every wrapped sink in order.
type Fanout []Sink

// TrackOperation implements Sink.
func (f Fanout) TrackOperation(component, operation, outcome string, metadata map[string]any) {
	for _, s := range f {
		if s != nil {
			s.TrackOperation(component, operation, outcome, metadata)
		}
	}
}

// LogSink writes events as structured log records. Error outcomes are logged at warn.
type LogSink struct {
	Logger *slog.Logger
}

// TrackOperation implements Sink.
func (s LogSink) TrackOperation(component, operation, outcome string, metadata map[string]any) {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	args := make([]any, 0, 6+2*len(metadata))
	args = append(args, "component", component, "operation", operation, "outcome", outcome)
	for k, v := range metadata {
		args = append(args, k, v)
	}
	if outcome == OutcomeError {
		log.Warn("operation", args...)
		return
	}
	log.Debug("operation", args...)
}

// Event is one recorded TrackOperation call.
type Event struct {
	Component string
	Operation string
	Outcome   string
	Metadata  map[string]any
	At        time.Time
}

// Recorder keeps every event in memory. Used by tests and the simulate command.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// TrackOperation implements Sink.
func (r *Recorder) TrackOperation(component, operation, outcome string, metadata map[string]any) {
	md := make(map[string]any, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	r.mu.Lock()
	r.events = append(r.events, Event{Component: component, Operation: operation, Outcome: outcome, Metadata: md, At: time.Now()})
	r.mu.Unlock()
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Find returns the recorded events for one component/operation pair.
func (r *Recorder) Find(component, operation string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Component == component && e.Operation == operation {
			out = append(out, e)
		}
	}
	return out
}
