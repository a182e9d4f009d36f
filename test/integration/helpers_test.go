// Package integration exercises the queue, scheduler and memory substrate
// together across restarts.
package integration

import (
	"fmt"
	"sync"
	"time"

	"github.com/ArnBdev/oneagent-delegation/internal/taskqueue"
	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// analysisFeed serves a new analysis with ten routable actions per call until
// rounds analyses have been served, then keeps returning the last one.
func analysisFeed(rounds int) taskqueue.AnalysisSource {
	var mu sync.Mutex
	n := 0
	return taskqueue.AnalysisSourceFunc(func() (types.DeepAnalysisResult, bool) {
		mu.Lock()
		defer mu.Unlock()
		if n < rounds {
			n++
		}
		actions := make([]string, 10)
		for i := range actions {
			actions[i] = fmt.Sprintf("fix bug %d-%d", n, i)
		}
		return types.DeepAnalysisResult{
			ID:           fmt.Sprintf("analysis-%d", n),
			Actions:      actions,
			SnapshotHash: fmt.Sprintf("hash-%d", n),
		}, true
	})
}

func queueConfig() taskqueue.Config {
	return taskqueue.Config{
		MaxSize:             1000,
		MaxAttempts:         3,
		RetryBase:           2 * time.Second,
		RetryCap:            time.Minute,
		SnapshotMinInterval: 30 * time.Second,
		PersistBuffer:       4096,
		PersistTimeout:      5 * time.Second,
		RestoreLimit:        500,
		Scope:               "integration",
	}
}
