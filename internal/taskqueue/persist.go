package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ArnBdev/oneagent-delegation/internal/memory"
	"github.com/ArnBdev/oneagent-delegation/internal/monitoring"
)

// Record types written to the memory substrate.
const (
	RecordTypeTask     = "delegated_task"
	RecordTypeSnapshot = "task_queue_snapshot"
)

var errPersistBufferFull = errors.New("persist buffer full")

// Persister writes records to a memory.Substrate on a background goroutine.
// Enqueue never blocks; write failures are relayed to the monitoring sink.
type Persister struct {
	store   memory.Substrate
	relay   *monitoring.ErrorRelay
	log     *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	ch     chan memory.Record
	wg     sync.WaitGroup
}

// NewPersister starts the writer goroutine.
func NewPersister(store memory.Substrate, sink monitoring.Sink, buffer int, timeout time.Duration, log *slog.Logger) *Persister {
	if buffer < 1 {
		buffer = 1
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Persister{
		store:   store,
		relay:   monitoring.NewErrorRelay(sink, buffer),
		log:     log,
		timeout: timeout,
		ch:      make(chan memory.Record, buffer),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Enqueue schedules rec for writing. It returns false when the buffer is full
// or the persister is closed.
func (p *Persister) Enqueue(rec memory.Record) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.ch <- rec:
		return true
	default:
		p.report(rec, errPersistBufferFull)
		return false
	}
}

// Close stops accepting records and waits for queued ones to be written.
func (p *Persister) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()

	p.wg.Wait()
	p.relay.Close()
}

func (p *Persister) run() {
	defer p.wg.Done()
	for rec := range p.ch {
		p.write(rec)
	}
}

func (p *Persister) write(rec memory.Record) {
	ctx := context.Background()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if _, err := p.store.Add(ctx, rec); err != nil {
		p.log.Warn("persist failed", "type", rec.Metadata["type"], "error", err)
		p.report(rec, err)
	}
}

func (p *Persister) report(rec memory.Record, err error) {
	md := map[string]any{"type": rec.Metadata["type"]}
	if id, ok := rec.Metadata["taskId"]; ok {
		md["taskId"] = id
	}
	p.relay.Report(monitoring.ErrorReport{
		Component: componentName,
		Operation: "persist_error",
		Err:       err,
		Metadata:  md,
	})
}
