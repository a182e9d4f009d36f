package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArnBdev/oneagent-delegation/internal/executor"
	"github.com/ArnBdev/oneagent-delegation/internal/memory/walstore"
	"github.com/ArnBdev/oneagent-delegation/internal/monitoring"
	"github.com/ArnBdev/oneagent-delegation/internal/scheduler"
	"github.com/ArnBdev/oneagent-delegation/internal/taskqueue"
	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

// TestRestartRecovery runs a queue against a WAL substrate, stops it with
// tasks in every state and checks that a fresh process restores them.
func TestRestartRecovery(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "memory.wal")
	clk := newClock()

	// Phase 1: harvest 30 tasks and work on them
	store1, err := walstore.Open(walPath)
	require.NoError(t, err)

	q1 := taskqueue.New(queueConfig(), analysisFeed(3), store1, nil, nil, taskqueue.WithClock(clk.Now))
	failing := executor.AdapterFunc(func(_ context.Context, task types.DelegatedTask) (executor.Result, error) {
		if task.Action == "fix bug 1-0" {
			return executor.Result{ErrorCode: "remote_failed"}, nil
		}
		return executor.Result{Success: true}, nil
	})
	s1 := scheduler.New(scheduler.Config{Burst: 5}, q1, failing, nil, nil, scheduler.WithClock(clk.Now))

	for i := 0; i < 3; i++ {
		s1.Tick(context.Background())
	}
	before := q1.Stats()
	require.Equal(t, 30, before["total"])
	require.Equal(t, 14, before[string(types.StatusCompleted)])

	// one task is in flight when the process dies
	inFlight := findAction(t, q1.AllTasks(), "fix bug 3-0")
	require.Equal(t, types.StatusQueued, inFlight.Status)
	require.NoError(t, q1.MarkDispatched(inFlight.ID))

	failed := findAction(t, q1.AllTasks(), "fix bug 1-0")
	require.Equal(t, 1, failed.Attempts)

	q1.Close()
	require.NoError(t, store1.Close())

	// Phase 2: restart
	store2, err := walstore.Open(walPath)
	require.NoError(t, err)
	defer store2.Close()

	events := &monitoring.Recorder{}
	q2 := taskqueue.New(queueConfig(), analysisFeed(3), store2, events, nil, taskqueue.WithClock(clk.Now))
	defer q2.Close()

	start := time.Now()
	require.NoError(t, q2.Restore(context.Background()))
	assert.Less(t, time.Since(start), 3*time.Second, "restore stays fast")

	after := q2.Stats()
	assert.Equal(t, 30, after["total"])
	assert.Equal(t, before[string(types.StatusCompleted)], after[string(types.StatusCompleted)])
	assert.Zero(t, after[string(types.StatusDispatched)], "in-flight tasks come back queued")

	restored, ok := q2.Get(inFlight.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusQueued, restored.Status)
	assert.Nil(t, restored.DispatchedAt)

	again := findAction(t, q2.AllTasks(), "fix bug 1-0")
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, "remote_failed", again.LastErrorCode)
	assert.NotNil(t, again.NextAttemptUnix)

	require.Len(t, events.Find("TaskQueue", "restore"), 1)

	// restored signatures keep the same analyses from producing duplicates
	assert.Empty(t, q2.HarvestAndQueue(context.Background()))
}

func findAction(t *testing.T, tasks []types.DelegatedTask, action string) types.DelegatedTask {
	t.Helper()
	for _, task := range tasks {
		if task.Action == action {
			return task
		}
	}
	t.Fatalf("no task with action %q", action)
	return types.DelegatedTask{}
}
