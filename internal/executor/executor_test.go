package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArnBdev/oneagent-delegation/internal/monitoring"
	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

// seq returns the given values in order, repeating the last one.
func seq(vals ...float64) func() float64 {
	i := 0
	return func() float64 {
		v := vals[i]
		if i < len(vals)-1 {
			i++
		}
		return v
	}
}

func TestSimulatedSuccessAndFailure(t *testing.T) {
	var waited []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		waited = append(waited, d)
		return nil
	}

	tests := []struct {
		name    string
		random  []float64
		success bool
		code    string
		latency time.Duration
	}{
		{"success", []float64{0.5, 0.9}, true, "", 150 * time.Millisecond},
		{"failure", []float64{0, 0.05}, false, CodeSimulatedFailure, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			waited = nil
			rec := &monitoring.Recorder{}
			s := NewSimulated(SimulatedConfig{
				FailureRate: 0.1,
				MinLatency:  100 * time.Millisecond,
				MaxLatency:  200 * time.Millisecond,
			}, rec, WithRandom(seq(tt.random...)), WithSleep(sleep))

			res, err := s.Execute(context.Background(), types.DelegatedTask{ID: "t1", TargetAgent: "dev-agent"})
			require.NoError(t, err)
			assert.Equal(t, tt.success, res.Success)
			assert.Equal(t, tt.code, res.ErrorCode)
			assert.Equal(t, []time.Duration{tt.latency}, waited)

			events := rec.Find("ExecutionAdapter", "simulated_task_execute")
			require.Len(t, events, 1)
			assert.Contains(t, events[0].Metadata, "durationMs")
			assert.Equal(t, "t1", events[0].Metadata["taskId"])
			if tt.success {
				assert.Equal(t, monitoring.OutcomeSuccess, events[0].Outcome)
			} else {
				assert.Equal(t, monitoring.OutcomeError, events[0].Outcome)
			}
		})
	}
}

func TestSimulatedHonorsContext(t *testing.T) {
	s := NewSimulated(SimulatedConfig{MinLatency: time.Second, MaxLatency: time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	res, err := s.Execute(ctx, types.DelegatedTask{ID: "t1"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeCancelled, res.ErrorCode)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSimulatedClampsConfig(t *testing.T) {
	s := NewSimulated(SimulatedConfig{FailureRate: 3, MinLatency: time.Second, MaxLatency: 0}, nil)
	assert.Equal(t, 1.0, s.cfg.FailureRate)
	assert.Equal(t, time.Second, s.cfg.MaxLatency)
}

type fakePublisher struct {
	subject string
	data    []byte
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	f.subject, f.data = subject, data
	return f.err
}

func TestNATSDelegator(t *testing.T) {
	pub := &fakePublisher{}
	d := NewNATSDelegator(pub, "tasks.delegated")

	task := types.DelegatedTask{ID: "t1", Action: "restart worker", TargetAgent: "dev-agent", Status: types.StatusDispatched}
	res, err := d.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "tasks.delegated.dev-agent", pub.subject)

	var got types.DelegatedTask
	require.NoError(t, json.Unmarshal(pub.data, &got))
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.Action, got.Action)

	pub.err = errors.New("nats: no response from stream")
	res, err = d.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodePublishFailed, res.ErrorCode)
}

func TestAdapterFunc(t *testing.T) {
	var a Adapter = AdapterFunc(func(context.Context, types.DelegatedTask) (Result, error) {
		return Result{Success: true}, nil
	})
	res, err := a.Execute(context.Background(), types.DelegatedTask{})
	require.NoError(t, err)
	assert.True(t, res.Success)
}
