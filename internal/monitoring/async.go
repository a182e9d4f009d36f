package monitoring

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventWriter delivers one event to an external system. It may block.
type EventWriter interface {
	WriteEvent(ctx context.Context, ev Event) error
}

// AsyncSink adapts a blocking EventWriter to the fire-and-forget Sink
// contract. Events beyond the buffer are dropped and counted.
type AsyncSink struct {
	name    string
	writer  EventWriter
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	closed  bool
	ch      chan Event
	wg      sync.WaitGroup
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewAsyncSink starts the delivery goroutine.
func NewAsyncSink(name string, w EventWriter, buffer int, timeout time.Duration, log *slog.Logger) *AsyncSink {
	if buffer < 1 {
		buffer = 1
	}
	if log == nil {
		log = slog.Default()
	}
	s := &AsyncSink{
		name:    name,
		writer:  w,
		timeout: timeout,
		log:     log.With("sink", name),
		ch:      make(chan Event, buffer),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// TrackOperation implements Sink.
func (s *AsyncSink) TrackOperation(component, operation, outcome string, metadata map[string]any) {
	md := make(map[string]any, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	ev := Event{Component: component, Operation: operation, Outcome: outcome, Metadata: md, At: time.Now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (s *AsyncSink) Dropped() uint64 { return s.dropped.Load() }

// Failed returns the number of events the writer rejected.
func (s *AsyncSink) Failed() uint64 { return s.failed.Load() }

// Close stops accepting events and waits for queued ones to be delivered.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *AsyncSink) run() {
	defer s.wg.Done()
	for ev := range s.ch {
		s.deliver(ev)
	}
}

func (s *AsyncSink) deliver(ev Event) {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := s.writer.WriteEvent(ctx, ev); err != nil {
		// first failure warns, the rest go to debug
		if s.failed.Add(1) == 1 {
			s.log.Warn("event delivery failing", "error", err)
		} else {
			s.log.Debug("event delivery failed", "error", err)
		}
	}
}
