// ============================================================================
// Dispatch Scheduler - Task Delegation Loop
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Function: Periodically moves queued tasks to the execution adapter
//
// Tick:
//   1. Restore the queue from the memory substrate (first tick only)
//   2. ProcessDueRequeues(now), then HarvestAndQueue
//   3. Keep queued tasks whose NextAttemptUnix has passed; report the rest
//      in a single aggregated skip event
//   4. Dispatch at most Burst tasks in queue order:
//        - MarkDispatched
//        - no target agent -> MarkDispatchFailure(no_target_agent) + MaybeRequeue
//        - otherwise dispatch event, adapter call, MarkExecutionResult
//        - failed execution -> MaybeRequeue
//   5. PersistSnapshot (throttled by the queue) and publish queue stats
//
// Loop:
//   time.Timer re-armed after every tick with base + uniform [0, ratio*base).
//   Ticks never overlap.
//
// ============================================================================

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ArnBdev/oneagent-delegation/internal/executor"
	"github.com/ArnBdev/oneagent-delegation/internal/monitoring"
	"github.com/ArnBdev/oneagent-delegation/internal/taskqueue"
	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

const componentName = "DispatchScheduler"

// Failure codes recorded on tasks by the scheduler.
const (
	CodeNoTargetAgent = "no_target_agent"
	CodeAdapterError  = "adapter_error"
	CodeAdapterPanic  = "adapter_panic"
)

// TaskQueue is the part of taskqueue.Queue the scheduler drives.
type TaskQueue interface {
	Restore(ctx context.Context) error
	ProcessDueRequeues(now time.Time) []types.DelegatedTask
	HarvestAndQueue(ctx context.Context) []types.DelegatedTask
	QueuedTasks() []types.DelegatedTask
	MarkDispatched(id string) error
	MarkDispatchFailure(id, code, message string) error
	MarkExecutionResult(id string, out taskqueue.ExecutionOutcome) error
	MaybeRequeue(id string) (bool, error)
	PersistSnapshot(ctx context.Context) bool
	Stats() map[string]int
}

// QueueObserver receives per-status task counts after every tick.
// metrics.Collector implements it.
type QueueObserver interface {
	UpdateQueueStats(stats map[string]int)
}

// Config drives the dispatch loop.
type Config struct {
	Interval    time.Duration
	JitterRatio float64
	Burst       int
	TaskTimeout time.Duration // per adapter call; 0 means no deadline
}

// TickReport summarizes one tick.
type TickReport struct {
	Requeued   int
	Harvested  int
	Deferred   int // queued but still backing off
	Dispatched int // handed to the adapter
	Completed  int
	Failed     int
	Errors     int // queue transitions that were rejected
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time.Now for eligibility checks.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithObserver registers an observer for queue stats.
func WithObserver(o QueueObserver) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithRandom replaces the [0,1) jitter source.
func WithRandom(f func() float64) Option {
	return func(s *Scheduler) { s.random = f }
}

// Scheduler dispatches queued tasks to an execution adapter.
type Scheduler struct {
	cfg      Config
	queue    TaskQueue
	adapter  executor.Adapter
	sink     monitoring.Sink
	log      *slog.Logger
	observer QueueObserver
	now      func() time.Time
	random   func() float64

	tickMu      sync.Mutex
	restoreOnce sync.Once

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a scheduler.
func New(cfg Config, queue TaskQueue, adapter executor.Adapter, sink monitoring.Sink, log *slog.Logger, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Burst < 1 {
		cfg.Burst = 5
	}
	if sink == nil {
		sink = monitoring.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		cfg:     cfg,
		queue:   queue,
		adapter: adapter,
		sink:    sink,
		log:     log.With("component", componentName),
		now:     time.Now,
		random:  rand.Float64,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tick runs one dispatch pass.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	ctx, span := monitoring.StartSpan(ctx, "dispatch.tick")
	defer span.End()

	s.restoreOnce.Do(func() {
		if err := s.queue.Restore(ctx); err != nil {
			s.log.Warn("queue restore failed, starting empty", "error", err)
		}
	})

	var rep TickReport
	now := s.now()
	rep.Requeued = len(s.queue.ProcessDueRequeues(now))
	rep.Harvested = len(s.queue.HarvestAndQueue(ctx))

	nowMs := now.UnixMilli()
	var eligible []types.DelegatedTask
	for _, t := range s.queue.QueuedTasks() {
		if t.NextAttemptUnix != nil && *t.NextAttemptUnix > nowMs {
			rep.Deferred++
			continue
		}
		eligible = append(eligible, t)
	}
	if rep.Deferred > 0 {
		s.sink.TrackOperation(componentName, "dispatch", monitoring.OutcomeSkip, map[string]any{
			"reason":   "backoff",
			"deferred": rep.Deferred,
		})
	}

	if len(eligible) > s.cfg.Burst {
		eligible = eligible[:s.cfg.Burst]
	}
	for _, t := range eligible {
		if ctx.Err() != nil {
			break
		}
		s.dispatch(ctx, t, &rep)
	}

	s.queue.PersistSnapshot(ctx)
	if s.observer != nil {
		s.observer.UpdateQueueStats(s.queue.Stats())
	}

	span.SetAttributes(
		attribute.Int("dispatch.harvested", rep.Harvested),
		attribute.Int("dispatch.dispatched", rep.Dispatched),
		attribute.Int("dispatch.failed", rep.Failed),
		attribute.Int("dispatch.deferred", rep.Deferred),
	)
	if rep.Dispatched > 0 || rep.Failed > 0 {
		s.log.Info("dispatch tick",
			"dispatched", rep.Dispatched,
			"completed", rep.Completed,
			"failed", rep.Failed,
			"deferred", rep.Deferred)
	}
	return rep
}

func (s *Scheduler) dispatch(ctx context.Context, t types.DelegatedTask, rep *TickReport) {
	if err := s.queue.MarkDispatched(t.ID); err != nil {
		s.log.Error("mark dispatched", "task_id", t.ID, "error", err)
		rep.Errors++
		return
	}

	if t.TargetAgent == "" {
		rep.Failed++
		if err := s.queue.MarkDispatchFailure(t.ID, CodeNoTargetAgent, "no agent matches the task action"); err != nil {
			s.log.Error("mark dispatch failure", "task_id", t.ID, "error", err)
			rep.Errors++
			return
		}
		s.requeue(t.ID, rep)
		return
	}

	rep.Dispatched++
	s.sink.TrackOperation(componentName, "dispatch", monitoring.OutcomeInfo, map[string]any{
		"taskId":      t.ID,
		"targetAgent": t.TargetAgent,
		"attempts":    t.Attempts,
	})

	start := time.Now()
	res := s.execute(ctx, t)
	d := time.Since(start).Milliseconds()

	err := s.queue.MarkExecutionResult(t.ID, taskqueue.ExecutionOutcome{
		Success:    res.Success,
		Code:       res.ErrorCode,
		Message:    res.ErrorMessage,
		DurationMs: &d,
	})
	if err != nil {
		s.log.Error("mark execution result", "task_id", t.ID, "error", err)
		rep.Errors++
		return
	}
	if res.Success {
		rep.Completed++
		return
	}
	rep.Failed++
	s.requeue(t.ID, rep)
}

func (s *Scheduler) requeue(id string, rep *TickReport) {
	if _, err := s.queue.MaybeRequeue(id); err != nil {
		s.log.Error("requeue", "task_id", id, "error", err)
		rep.Errors++
	}
}

// execute calls the adapter, turning returned errors and panics into failed
// results.
func (s *Scheduler) execute(ctx context.Context, t types.DelegatedTask) (res executor.Result) {
	if s.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TaskTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("execution adapter panicked", "task_id", t.ID, "panic", r)
			res = executor.Result{ErrorCode: CodeAdapterPanic, ErrorMessage: fmt.Sprint(r)}
		}
	}()

	out, err := s.adapter.Execute(ctx, t)
	if err != nil {
		return executor.Result{ErrorCode: CodeAdapterError, ErrorMessage: err.Error()}
	}
	return out
}

// Start launches the loop. Calling it more than once has no effect.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop(ctx)
	})
}

// Stop ends the loop and waits for an in-progress tick. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(s.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			s.log.Info("dispatch loop stopped")
			return
		case <-ctx.Done():
			s.log.Info("dispatch loop stopped", "reason", ctx.Err())
			return
		case <-timer.C:
			// a stop that raced the timer wins
			select {
			case <-s.stopCh:
				s.log.Info("dispatch loop stopped")
				return
			default:
			}
			s.Tick(ctx)
			timer.Reset(s.nextDelay())
		}
	}
}

func (s *Scheduler) nextDelay() time.Duration {
	return NextDelay(s.cfg.Interval, s.cfg.JitterRatio, s.random)
}

// NextDelay returns base plus a uniform random extra in [0, ratio*base).
func NextDelay(base time.Duration, ratio float64, random func() float64) time.Duration {
	if ratio <= 0 {
		return base
	}
	return base + time.Duration(random()*ratio*float64(base))
}
