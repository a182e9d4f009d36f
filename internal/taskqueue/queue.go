// ============================================================================
// Task Delegation Queue - task state machine
// ============================================================================
//
// Package: internal/taskqueue
// File: queue.go
// Function: turns recommended actions into deduplicated DelegatedTasks and owns
//           their lifecycle, retry policy and bounded-size eviction
//
// State machine:
//   queued
//      ↓ MarkDispatched()
//   dispatched
//      ↓ MarkExecutionResult() / MarkDispatchFailure()
//   completed | failed
//
//   failed → queued is the only back edge (MaybeRequeue), gated by attempts.
//   A failed result clears nextAttemptUnix; requeue sets the next one.
//
// Data layout:
//   tasks map[id]*DelegatedTask - single source of truth
//   order []id                  - insertion order, read by the scheduler
//   signatures set              - snapshotHash + lowercase(action), live and retired
//   retired []signature         - signatures of evicted tasks, oldest first,
//                                 at most retiredPerSlot * MaxSize
//
// Every mutation is persisted best-effort through the Persister; callers
// never wait on the memory substrate. PersistSnapshot (and Close, when
// anything changed since) writes the whole queue as one QueueState record so
// restore never depends on how many per-task records the substrate returns.
//
// ============================================================================

package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ArnBdev/oneagent-delegation/internal/memory"
	"github.com/ArnBdev/oneagent-delegation/internal/monitoring"
	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

const componentName = "TaskQueue"

// maxActionsPerHarvest bounds how many actions of one analysis become tasks.
const maxActionsPerHarvest = 10

// checkpointSchemaVer is written into QueueCheckpoint.SchemaVer.
const checkpointSchemaVer = 1

// stateSchemaVer is written into QueueState.SchemaVer.
const stateSchemaVer = 1

// retiredPerSlot bounds remembered signatures of evicted tasks relative to MaxSize.
const retiredPerSlot = 4

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when the task is in the wrong state.
	ErrInvalidTransition = errors.New("invalid task transition")
)

// AnalysisSource exposes the most recent deep analysis. The queue reads it
// instead of depending on the analysis orchestrator.
type AnalysisSource interface {
	LatestAnalysis() (types.DeepAnalysisResult, bool)
}

// AnalysisSourceFunc adapts a function to AnalysisSource.
type AnalysisSourceFunc func() (types.DeepAnalysisResult, bool)

// LatestAnalysis implements AnalysisSource.
func (f AnalysisSourceFunc) LatestAnalysis() (types.DeepAnalysisResult, bool) { return f() }

// Config controls queue limits, retry policy and persistence.
type Config struct {
	MaxSize             int
	MaxAttempts         int
	RetryBase           time.Duration
	RetryCap            time.Duration
	SnapshotMinInterval time.Duration
	PersistBuffer       int
	PersistTimeout      time.Duration
	RestoreLimit        int
	Scope               string
}

// ExecutionOutcome is the result of one execution attempt.
type ExecutionOutcome struct {
	Success    bool
	Code       string
	Message    string
	DurationMs *int64
}

// Option customizes a Queue.
type Option func(*Queue)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue is the task delegation queue. It is safe for concurrent use.
type Queue struct {
	cfg       Config
	source    AnalysisSource
	sink      monitoring.Sink
	log       *slog.Logger
	store     memory.Substrate
	persister *Persister
	now       func() time.Time

	mu           sync.RWMutex
	tasks        map[string]*types.DelegatedTask
	order        []string
	signatures   map[string]struct{}
	retired      []string
	lastSnapshot time.Time
	dirty        atomic.Bool // a task record was written after the last state

	restoreOnce sync.Once
	restoreErr  error
	closeOnce   sync.Once
}

// New creates a queue. store may be nil, which disables persistence and restore.
func New(cfg Config, source AnalysisSource, store memory.Substrate, sink monitoring.Sink, log *slog.Logger, opts ...Option) *Queue {
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 500
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.RetryCap < cfg.RetryBase {
		cfg.RetryCap = 60 * time.Second
		if cfg.RetryCap < cfg.RetryBase {
			cfg.RetryCap = cfg.RetryBase
		}
	}
	if cfg.RestoreLimit < 1 {
		cfg.RestoreLimit = 200
	}
	if sink == nil {
		sink = monitoring.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}

	q := &Queue{
		cfg:        cfg,
		source:     source,
		sink:       sink,
		log:        log.With("component", componentName),
		store:      store,
		now:        time.Now,
		tasks:      make(map[string]*types.DelegatedTask),
		order:      make([]string, 0),
		signatures: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if store != nil {
		q.persister = NewPersister(store, sink, cfg.PersistBuffer, cfg.PersistTimeout, q.log)
	}
	return q
}

// Close flushes pending writes and then, when tasks changed since the last
// queue state, writes a final one directly. Later calls do nothing.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		if q.persister == nil {
			return
		}
		q.persister.Close()
		if !q.dirty.Load() {
			return
		}
		rec, n, err := q.stateRecord(q.now())
		if err != nil {
			q.log.Error("encode queue state", "error", err)
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		if q.cfg.PersistTimeout > 0 {
			ctx, cancel = context.WithTimeout(context.Background(), q.cfg.PersistTimeout)
		}
		defer cancel()
		if _, err := q.store.Add(ctx, rec); err != nil {
			q.log.Warn("final queue state not written", "error", err)
			q.sink.TrackOperation(componentName, "persist_error", monitoring.OutcomeError, map[string]any{
				"type":  RecordTypeSnapshot,
				"error": err.Error(),
			})
			return
		}
		q.sink.TrackOperation(componentName, "snapshot", monitoring.OutcomeInfo, map[string]any{"taskCount": n, "final": true})
	})
}

func signature(snapshotHash, action string) string {
	return snapshotHash + strings.ToLower(action)
}

// ============================================================================
// Creation
// ============================================================================

// HarvestAndQueue turns the latest analysis actions into queued tasks and
// returns the tasks it created. Actions already seen for the same snapshot
// hash are dropped.
func (q *Queue) HarvestAndQueue(ctx context.Context) []types.DelegatedTask {
	if ctx.Err() != nil || q.source == nil {
		return nil
	}
	analysis, ok := q.source.LatestAnalysis()
	if !ok || len(analysis.Actions) == 0 {
		return nil
	}
	actions := analysis.Actions
	if len(actions) > maxActionsPerHarvest {
		actions = actions[:maxActionsPerHarvest]
	}

	q.mu.Lock()
	nowMs := q.now().UnixMilli()
	var created []types.DelegatedTask
	duplicates := 0
	for _, action := range actions {
		action = strings.TrimSpace(action)
		if action == "" {
			continue
		}
		sig := signature(analysis.SnapshotHash, action)
		if _, seen := q.signatures[sig]; seen {
			duplicates++
			continue
		}
		t := &types.DelegatedTask{
			ID:           uuid.NewString(),
			CreatedAt:    nowMs,
			UpdatedAt:    nowMs,
			Source:       types.TaskSource,
			Finding:      analysis.Summary,
			Action:       action,
			TargetAgent:  InferTargetAgent(action),
			Status:       types.StatusQueued,
			SnapshotHash: analysis.SnapshotHash,
			MaxAttempts:  q.cfg.MaxAttempts,
		}
		q.signatures[sig] = struct{}{}
		q.tasks[t.ID] = t
		q.order = append(q.order, t.ID)
		created = append(created, t.Clone())
	}
	evicted := q.evictLocked()
	q.mu.Unlock()

	for _, t := range evicted {
		q.sink.TrackOperation(componentName, "evict", monitoring.OutcomeInfo, map[string]any{
			"taskId": t.ID,
			"status": string(t.Status),
		})
	}
	for _, t := range created {
		q.sink.TrackOperation(componentName, "task_created", monitoring.OutcomeSuccess, map[string]any{
			"taskId":      t.ID,
			"targetAgent": t.TargetAgent,
		})
		q.persistTask(t)
	}
	if len(created) > 0 || duplicates > 0 {
		q.sink.TrackOperation(componentName, "harvest", monitoring.OutcomeInfo, map[string]any{
			"created":      len(created),
			"duplicates":   duplicates,
			"snapshotHash": analysis.SnapshotHash,
		})
	}
	return created
}

// evictLocked drops the oldest tasks until the size bound holds. Signatures of
// evicted tasks are retired, not forgotten, so an unchanged analysis does not
// recreate them.
func (q *Queue) evictLocked() []types.DelegatedTask {
	var evicted []types.DelegatedTask
	for len(q.order) > q.cfg.MaxSize {
		oldest := 0
		for i, id := range q.order {
			if q.tasks[id].CreatedAt < q.tasks[q.order[oldest]].CreatedAt {
				oldest = i
			}
		}
		id := q.order[oldest]
		t := q.tasks[id]
		evicted = append(evicted, t.Clone())
		delete(q.tasks, id)
		q.order = append(q.order[:oldest], q.order[oldest+1:]...)
		q.retireLocked(signature(t.SnapshotHash, t.Action))
	}
	return evicted
}

// retireLocked remembers the signature of an evicted task, forgetting the
// oldest retired signatures beyond the bound.
func (q *Queue) retireLocked(sig string) {
	q.retired = append(q.retired, sig)
	limit := retiredPerSlot * q.cfg.MaxSize
	if over := len(q.retired) - limit; over > 0 {
		for _, old := range q.retired[:over] {
			delete(q.signatures, old)
		}
		q.retired = append([]string(nil), q.retired[over:]...)
	}
}

// ============================================================================
// Transitions
// ============================================================================

// MarkDispatched moves a queued task to dispatched. It is a no-op for a task
// that is already dispatched.
func (q *Queue) MarkDispatched(id string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return ErrTaskNotFound
	}
	switch t.Status {
	case types.StatusDispatched:
		q.mu.Unlock()
		return nil
	case types.StatusQueued:
	default:
		q.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, types.StatusDispatched)
	}

	nowMs := q.now().UnixMilli()
	t.Status = types.StatusDispatched
	t.DispatchedAt = &nowMs
	t.CompletedAt = nil
	t.DurationMs = nil
	t.UpdatedAt = nowMs
	snap := t.Clone()
	q.mu.Unlock()

	q.persistTask(snap)
	return nil
}

// MarkDispatchFailure fails a queued or dispatched task before it reaches an executor.
func (q *Queue) MarkDispatchFailure(id, code, message string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.Status != types.StatusQueued && t.Status != types.StatusDispatched {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, types.StatusFailed)
	}

	t.Status = types.StatusFailed
	t.LastErrorCode = code
	t.LastErrorMessage = message
	t.UpdatedAt = q.now().UnixMilli()
	snap := t.Clone()
	q.mu.Unlock()

	q.sink.TrackOperation(componentName, "dispatch_failure", monitoring.OutcomeError, map[string]any{
		"taskId": id,
		"code":   code,
	})
	q.persistTask(snap)
	return nil
}

// MarkExecutionResult records the outcome of an execution attempt on a
// dispatched task.
func (q *Queue) MarkExecutionResult(id string, out ExecutionOutcome) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.Status != types.StatusDispatched {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s -> result", ErrInvalidTransition, t.Status)
	}

	nowMs := q.now().UnixMilli()
	t.CompletedAt = &nowMs
	t.UpdatedAt = nowMs
	switch {
	case out.DurationMs != nil && *out.DurationMs >= 0:
		d := *out.DurationMs
		t.DurationMs = &d
	case t.DispatchedAt != nil && nowMs >= *t.DispatchedAt:
		d := nowMs - *t.DispatchedAt
		t.DurationMs = &d
	default:
		t.DurationMs = nil
	}

	outcome := monitoring.OutcomeSuccess
	if out.Success {
		t.Status = types.StatusCompleted
		t.LastErrorCode = ""
		t.LastErrorMessage = ""
		t.NextAttemptAt = ""
		t.NextAttemptUnix = nil
	} else {
		outcome = monitoring.OutcomeError
		t.Status = types.StatusFailed
		t.LastErrorCode = out.Code
		if t.LastErrorCode == "" {
			t.LastErrorCode = "execution_failed"
		}
		t.LastErrorMessage = out.Message
		t.NextAttemptAt = ""
		t.NextAttemptUnix = nil
	}
	snap := t.Clone()
	q.mu.Unlock()

	md := map[string]any{"taskId": id, "targetAgent": snap.TargetAgent}
	if snap.DurationMs != nil {
		md["elapsedMs"] = *snap.DurationMs
	}
	if !out.Success {
		md["code"] = snap.LastErrorCode
	}
	q.sink.TrackOperation(componentName, "execution_result", outcome, md)
	q.persistTask(snap)
	return nil
}

// MaybeRequeue moves a failed task back to queued with exponential backoff.
// It returns false once the attempt budget is spent; the task then stays
// failed for good.
func (q *Queue) MaybeRequeue(id string) (bool, error) {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return false, ErrTaskNotFound
	}
	if t.Status != types.StatusFailed {
		q.mu.Unlock()
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, types.StatusQueued)
	}
	if t.Attempts >= t.MaxAttempts {
		q.mu.Unlock()
		return false, nil
	}

	now := q.now()
	t.Attempts++
	t.UpdatedAt = now.UnixMilli()

	if t.Attempts >= t.MaxAttempts {
		t.NextAttemptAt = ""
		t.NextAttemptUnix = nil
		snap := t.Clone()
		q.mu.Unlock()

		q.log.Warn("task retries exhausted", "task_id", id, "attempts", snap.Attempts, "last_error", snap.LastErrorCode)
		q.sink.TrackOperation(componentName, "retry_exhausted", monitoring.OutcomeError, map[string]any{
			"taskId":   id,
			"attempts": snap.Attempts,
			"code":     snap.LastErrorCode,
		})
		q.persistTask(snap)
		return false, nil
	}

	delay := Backoff(t.Attempts, q.cfg.RetryBase, q.cfg.RetryCap)
	next := now.Add(delay)
	nextMs := next.UnixMilli()
	t.Status = types.StatusQueued
	t.NextAttemptAt = next.UTC().Format(time.RFC3339)
	t.NextAttemptUnix = &nextMs
	snap := t.Clone()
	q.mu.Unlock()

	q.sink.TrackOperation(componentName, "requeue", monitoring.OutcomeInfo, map[string]any{
		"taskId":   id,
		"attempts": snap.Attempts,
		"delayMs":  delay.Milliseconds(),
	})
	q.persistTask(snap)
	return true, nil
}

// ProcessDueRequeues requeues every failed task whose retry time has come and
// returns the ones that went back to queued. A failed task without a retry
// time is due immediately.
func (q *Queue) ProcessDueRequeues(now time.Time) []types.DelegatedTask {
	nowMs := now.UnixMilli()

	q.mu.RLock()
	var due []string
	for _, id := range q.order {
		t := q.tasks[id]
		if t.Status != types.StatusFailed || t.Attempts >= t.MaxAttempts {
			continue
		}
		if t.NextAttemptUnix == nil || *t.NextAttemptUnix <= nowMs {
			due = append(due, id)
		}
	}
	q.mu.RUnlock()

	var requeued []types.DelegatedTask
	for _, id := range due {
		ok, err := q.MaybeRequeue(id)
		if err != nil || !ok {
			continue
		}
		if t, found := q.Get(id); found {
			requeued = append(requeued, t)
		}
	}
	return requeued
}

// ============================================================================
// Queries
// ============================================================================

// Get returns a copy of one task.
func (q *Queue) Get(id string) (types.DelegatedTask, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	t, ok := q.tasks[id]
	if !ok {
		return types.DelegatedTask{}, false
	}
	return t.Clone(), true
}

// QueuedTasks returns copies of queued tasks in insertion order.
func (q *Queue) QueuedTasks() []types.DelegatedTask {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]types.DelegatedTask, 0, len(q.order))
	for _, id := range q.order {
		if t := q.tasks[id]; t.Status == types.StatusQueued {
			out = append(out, t.Clone())
		}
	}
	return out
}

// AllTasks returns copies of every task in insertion order.
func (q *Queue) AllTasks() []types.DelegatedTask {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]types.DelegatedTask, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.tasks[id].Clone())
	}
	return out
}

// Stats returns the task count per status plus "total".
func (q *Queue) Stats() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.statsLocked()
}

func (q *Queue) statsLocked() map[string]int {
	stats := map[string]int{
		string(types.StatusQueued):     0,
		string(types.StatusDispatched): 0,
		string(types.StatusFailed):     0,
		string(types.StatusCompleted):  0,
		"total":                        len(q.order),
	}
	for _, t := range q.tasks {
		stats[string(t.Status)]++
	}
	return stats
}

// Summaries returns the lightweight per-task view in insertion order.
func (q *Queue) Summaries() []types.TaskSummary {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.summariesLocked()
}

func (q *Queue) summariesLocked() []types.TaskSummary {
	out := make([]types.TaskSummary, 0, len(q.order))
	for _, id := range q.order {
		t := q.tasks[id]
		out = append(out, types.TaskSummary{
			ID:            t.ID,
			Status:        t.Status,
			Action:        t.Action,
			Attempts:      t.Attempts,
			NextAttemptAt: t.NextAttemptAt,
		})
	}
	return out
}

// Checkpoint returns the queue summary written by PersistSnapshot.
func (q *Queue) Checkpoint() types.QueueCheckpoint {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return types.QueueCheckpoint{
		Tasks:     q.summariesLocked(),
		Stats:     q.statsLocked(),
		TakenAt:   q.now().UnixMilli(),
		SchemaVer: checkpointSchemaVer,
	}
}

// ============================================================================
// Persistence
// ============================================================================

// PersistSnapshot schedules a full queue state write unless one was scheduled
// less than SnapshotMinInterval ago. It reports whether a write was scheduled.
func (q *Queue) PersistSnapshot(ctx context.Context) bool {
	if q.persister == nil || ctx.Err() != nil {
		return false
	}

	q.mu.Lock()
	now := q.now()
	if !q.lastSnapshot.IsZero() && now.Sub(q.lastSnapshot) < q.cfg.SnapshotMinInterval {
		q.mu.Unlock()
		return false
	}
	q.mu.Unlock()

	return q.enqueueState(now)
}

func (q *Queue) enqueueState(now time.Time) bool {
	rec, n, err := q.stateRecord(now)
	if err != nil {
		q.log.Error("encode queue state", "error", err)
		return false
	}
	if !q.persister.Enqueue(rec) {
		q.dirty.Store(true)
		return false
	}
	q.sink.TrackOperation(componentName, "snapshot", monitoring.OutcomeInfo, map[string]any{"taskCount": n})
	return true
}

// stateRecord captures the whole queue as one QueueState record and marks the
// queue clean. It returns the record and its task count.
func (q *Queue) stateRecord(now time.Time) (memory.Record, int, error) {
	q.mu.Lock()
	state := types.QueueState{
		Tasks:             make([]types.DelegatedTask, 0, len(q.order)),
		RetiredSignatures: append([]string(nil), q.retired...),
		TakenAt:           now.UnixMilli(),
		SchemaVer:         stateSchemaVer,
	}
	for _, id := range q.order {
		state.Tasks = append(state.Tasks, q.tasks[id].Clone())
	}
	q.lastSnapshot = now
	q.dirty.Store(false)
	q.mu.Unlock()

	body, err := json.Marshal(state)
	if err != nil {
		return memory.Record{}, 0, err
	}
	return memory.Record{
		Content: string(body),
		Scope:   q.cfg.Scope,
		Metadata: map[string]any{
			"type":      RecordTypeSnapshot,
			"taskCount": len(state.Tasks),
			"takenAt":   state.TakenAt,
		},
	}, len(state.Tasks), nil
}

func (q *Queue) persistTask(t types.DelegatedTask) {
	if q.persister == nil {
		return
	}
	q.dirty.Store(true)
	body, err := json.Marshal(t)
	if err != nil {
		q.log.Error("encode task", "task_id", t.ID, "error", err)
		return
	}
	q.persister.Enqueue(memory.Record{
		Content: string(body),
		Scope:   q.cfg.Scope,
		Metadata: map[string]any{
			"type":      RecordTypeTask,
			"taskId":    t.ID,
			"status":    string(t.Status),
			"updatedAt": t.UpdatedAt,
		},
	})
}
