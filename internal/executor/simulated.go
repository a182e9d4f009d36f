package executor

import (
	"context"
	"math/rand"
	"time"

	"github.com/ArnBdev/oneagent-delegation/internal/monitoring"
	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

const (
	simulatedComponent = "ExecutionAdapter"
	simulatedOperation = "simulated_task_execute"

	// CodeSimulatedFailure is reported for injected failures.
	CodeSimulatedFailure = "simulated_failure"
	// CodeCancelled is reported when the context ends before the work does.
	CodeCancelled = "cancelled"
)

// SimulatedConfig controls the simulated adapter.
type SimulatedConfig struct {
	FailureRate float64 // 0..1
	MinLatency  time.Duration
	MaxLatency  time.Duration
}

// Simulated pretends to execute tasks: it waits a uniform random latency in
// [MinLatency, MaxLatency] and fails with probability FailureRate.
type Simulated struct {
	cfg    SimulatedConfig
	sink   monitoring.Sink
	random func() float64
	sleep  func(ctx context.Context, d time.Duration) error
}

// SimulatedOption customizes a Simulated adapter.
type SimulatedOption func(*Simulated)

// WithRandom replaces the [0,1) random source.
func WithRandom(f func() float64) SimulatedOption {
	return func(s *Simulated) { s.random = f }
}

// WithSleep replaces the context-aware wait.
func WithSleep(f func(ctx context.Context, d time.Duration) error) SimulatedOption {
	return func(s *Simulated) { s.sleep = f }
}

// NewSimulated creates a simulated adapter. A nil sink discards events.
func NewSimulated(cfg SimulatedConfig, sink monitoring.Sink, opts ...SimulatedOption) *Simulated {
	if cfg.FailureRate < 0 {
		cfg.FailureRate = 0
	}
	if cfg.FailureRate > 1 {
		cfg.FailureRate = 1
	}
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	if sink == nil {
		sink = monitoring.Nop{}
	}
	s := &Simulated{
		cfg:    cfg,
		sink:   sink,
		random: rand.Float64,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute implements Adapter.
func (s *Simulated) Execute(ctx context.Context, task types.DelegatedTask) (Result, error) {
	start := time.Now()

	latency := s.cfg.MinLatency
	if span := s.cfg.MaxLatency - s.cfg.MinLatency; span > 0 {
		latency += time.Duration(s.random() * float64(span))
	}

	var res Result
	if err := s.sleep(ctx, latency); err != nil {
		res = Result{ErrorCode: CodeCancelled, ErrorMessage: err.Error()}
	} else if s.random() < s.cfg.FailureRate {
		res = Result{ErrorCode: CodeSimulatedFailure, ErrorMessage: "simulated execution failure"}
	} else {
		res = Result{Success: true}
	}

	outcome := monitoring.OutcomeSuccess
	if !res.Success {
		outcome = monitoring.OutcomeError
	}
	md := map[string]any{
		"taskId":      task.ID,
		"targetAgent": task.TargetAgent,
		"durationMs":  time.Since(start).Milliseconds(),
	}
	if res.ErrorCode != "" {
		md["code"] = res.ErrorCode
	}
	s.sink.TrackOperation(simulatedComponent, simulatedOperation, outcome, md)

	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
