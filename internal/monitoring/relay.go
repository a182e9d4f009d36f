package monitoring

import (
	"sync"
)

// ErrorReport is a failure raised by a background worker.
type ErrorReport struct {
	Component string
	Operation string
	Err       error
	Metadata  map[string]any
}

// ErrorRelay drains a channel of background failures into a Sink so they stay
// observable without blocking the goroutine that produced them.
type ErrorRelay struct {
	sink Sink
	ch   chan ErrorReport
	wg   sync.WaitGroup
	once sync.Once
}

// NewErrorRelay starts the relay goroutine. buffer bounds the number of
// unreported failures; reports beyond it are dropped by Report.
func NewErrorRelay(sink Sink, buffer int) *ErrorRelay {
	if sink == nil {
		sink = Nop{}
	}
	if buffer < 1 {
		buffer = 1
	}
	r := &ErrorRelay{sink: sink, ch: make(chan ErrorReport, buffer)}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *ErrorRelay) run() {
	defer r.wg.Done()
	for rep := range r.ch {
		md := make(map[string]any, len(rep.Metadata)+1)
		for k, v := range rep.Metadata {
			md[k] = v
		}
		if rep.Err != nil {
			md["error"] = rep.Err.Error()
		}
		r.sink.TrackOperation(rep.Component, rep.Operation, OutcomeError, md)
	}
}

// Report enqueues a failure without blocking. It returns false when the buffer is full.
func (r *ErrorRelay) Report(rep ErrorReport) bool {
	select {
	case r.ch <- rep:
		return true
	default:
		return false
	}
}

// Close stops accepting reports and waits until queued ones are delivered.
// Report must not be called after Close.
func (r *ErrorRelay) Close() {
	r.once.Do(func() {
		close(r.ch)
		r.wg.Wait()
	})
}
