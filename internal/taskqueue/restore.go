package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ArnBdev/oneagent-delegation/internal/monitoring"
	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

// stateSearchLimit is how many queue state records restore looks at to find
// the newest readable one.
const stateSearchLimit = 3

// Restore rebuilds the queue from the newest persisted queue state plus the
// task records written after it. Only the first call does any work; later
// calls return the first call's result. On error the queue is left as it was.
func (q *Queue) Restore(ctx context.Context) error {
	q.restoreOnce.Do(func() {
		q.restoreErr = q.restore(ctx)
	})
	return q.restoreErr
}

func (q *Queue) restore(ctx context.Context) error {
	if q.store == nil {
		return nil
	}

	state, err := q.latestState(ctx)
	if err != nil {
		return q.restoreFailed(fmt.Errorf("search queue state: %w", err))
	}
	records, err := q.store.Search(ctx, RecordTypeTask, q.cfg.Scope, q.cfg.RestoreLimit)
	if err != nil {
		return q.restoreFailed(fmt.Errorf("search task records: %w", err))
	}

	// Task records arrive newest first and only cover the most recent
	// transitions; the state fills in every task they miss. The higher
	// UpdatedAt wins, a tie goes to the task record.
	inState := make(map[string]struct{}, len(state.Tasks))
	for _, task := range state.Tasks {
		inState[task.ID] = struct{}{}
	}
	latest := make(map[string]types.DelegatedTask)
	skipped := 0
	for _, rec := range records {
		if t, _ := rec.Metadata["type"].(string); t != RecordTypeTask {
			continue
		}
		var task types.DelegatedTask
		if err := json.Unmarshal([]byte(rec.Content), &task); err != nil || task.ID == "" {
			skipped++
			continue
		}
		// written before the state and missing from it: evicted
		if _, ok := inState[task.ID]; !ok && task.UpdatedAt < state.TakenAt {
			continue
		}
		if prev, ok := latest[task.ID]; ok && prev.UpdatedAt >= task.UpdatedAt {
			continue
		}
		latest[task.ID] = task
	}
	for _, task := range state.Tasks {
		if task.ID == "" {
			continue
		}
		if prev, ok := latest[task.ID]; ok && prev.UpdatedAt >= task.UpdatedAt {
			continue
		}
		latest[task.ID] = task
	}

	restored := make([]types.DelegatedTask, 0, len(latest))
	for _, t := range latest {
		restored = append(restored, t)
	}
	sort.Slice(restored, func(i, j int) bool {
		if restored[i].CreatedAt != restored[j].CreatedAt {
			return restored[i].CreatedAt < restored[j].CreatedAt
		}
		return restored[i].ID < restored[j].ID
	})

	q.mu.Lock()
	// retired first, so tasks evicted before the state was taken stay evicted
	for _, sig := range state.RetiredSignatures {
		if _, known := q.signatures[sig]; known {
			continue
		}
		q.signatures[sig] = struct{}{}
		q.retireLocked(sig)
	}
	added := 0
	for i := range restored {
		t := restored[i]
		if _, exists := q.tasks[t.ID]; exists {
			continue
		}
		sig := signature(t.SnapshotHash, t.Action)
		if _, live := q.signatures[sig]; live {
			continue
		}
		// A dispatched task's outcome died with the previous process.
		if t.Status == types.StatusDispatched {
			t.Status = types.StatusQueued
			t.DispatchedAt = nil
		}
		if t.MaxAttempts < 1 {
			t.MaxAttempts = q.cfg.MaxAttempts
		}
		if t.Attempts > t.MaxAttempts {
			t.Attempts = t.MaxAttempts
		}
		q.tasks[t.ID] = &t
		q.order = append(q.order, t.ID)
		q.signatures[sig] = struct{}{}
		added++
	}
	evicted := q.evictLocked()
	q.mu.Unlock()

	q.log.Info("queue restored", "tasks", added, "from_state", len(state.Tasks), "evicted", len(evicted), "skipped", skipped)
	q.sink.TrackOperation(componentName, "restore", monitoring.OutcomeSuccess, map[string]any{
		"restored":  added,
		"fromState": len(state.Tasks),
		"evicted":   len(evicted),
		"skipped":   skipped,
	})
	return nil
}

func (q *Queue) restoreFailed(err error) error {
	q.log.Warn("restore failed, starting empty", "error", err)
	q.sink.TrackOperation(componentName, "restore", monitoring.OutcomeError, map[string]any{"error": err.Error()})
	return err
}

// latestState returns the newest readable queue state, or an empty one when
// none was written yet.
func (q *Queue) latestState(ctx context.Context) (types.QueueState, error) {
	records, err := q.store.Search(ctx, RecordTypeSnapshot, q.cfg.Scope, stateSearchLimit)
	if err != nil {
		return types.QueueState{}, err
	}
	for _, rec := range records {
		if t, _ := rec.Metadata["type"].(string); t != RecordTypeSnapshot {
			continue
		}
		var state types.QueueState
		if err := json.Unmarshal([]byte(rec.Content), &state); err != nil || state.SchemaVer != stateSchemaVer {
			q.log.Warn("unreadable queue state skipped", "record_id", rec.ID)
			continue
		}
		return state, nil
	}
	return types.QueueState{}, nil
}
