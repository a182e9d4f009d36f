package integration

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArnBdev/oneagent-delegation/internal/executor"
	"github.com/ArnBdev/oneagent-delegation/internal/memory"
	"github.com/ArnBdev/oneagent-delegation/internal/scheduler"
	"github.com/ArnBdev/oneagent-delegation/internal/taskqueue"
	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

// TestDrainWithSimulatedFailures pushes 200 tasks through a 10% failure rate
// and checks that every task ends completed or exhausted.
func TestDrainWithSimulatedFailures(t *testing.T) {
	clk := newClock()
	q := taskqueue.New(queueConfig(), analysisFeed(20), memory.NewInMemory(), nil, nil, taskqueue.WithClock(clk.Now))
	defer q.Close()

	rng := rand.New(rand.NewSource(1))
	adapter := executor.NewSimulated(executor.SimulatedConfig{FailureRate: 0.1}, nil, executor.WithRandom(rng.Float64))
	s := scheduler.New(scheduler.Config{Burst: 50}, q, adapter, nil, nil, scheduler.WithClock(clk.Now))

	start := time.Now()
	for i := 0; i < 100; i++ {
		s.Tick(context.Background())
		stats := q.Stats()
		if stats["total"] == 200 && stats[string(types.StatusQueued)] == 0 && stats[string(types.StatusDispatched)] == 0 {
			break
		}
		clk.Advance(time.Minute)
	}
	elapsed := time.Since(start)

	stats := q.Stats()
	completed := stats[string(types.StatusCompleted)]
	failed := stats[string(types.StatusFailed)]
	t.Logf("completed=%d failed=%d elapsed=%v", completed, failed, elapsed)

	require.Equal(t, 200, stats["total"])
	assert.Equal(t, 200, completed+failed, "nothing left in flight")
	assert.GreaterOrEqual(t, completed, 190, "three attempts absorb a 10 percent failure rate")
	for _, task := range q.AllTasks() {
		if task.Status == types.StatusFailed {
			assert.Equal(t, task.MaxAttempts, task.Attempts)
		}
	}
}

func BenchmarkDispatchTick(b *testing.B) {
	adapter := executor.AdapterFunc(func(context.Context, types.DelegatedTask) (executor.Result, error) {
		return executor.Result{Success: true}, nil
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		q := taskqueue.New(queueConfig(), analysisFeed(1), nil, nil, nil)
		s := scheduler.New(scheduler.Config{Burst: 10}, q, adapter, nil, nil)
		b.StartTimer()

		s.Tick(context.Background())
	}
}
