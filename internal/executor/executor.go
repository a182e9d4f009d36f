// ============================================================================
// Execution Adapter - Delegated Task Execution
// ============================================================================
//
// Package: internal/executor
// File: executor.go
// Function: Contract between the Dispatch Scheduler and whatever actually
//           carries out a delegated task
//
// Implementations:
//   - Simulated:     random latency and failure rate, for local runs and tests
//   - NATSDelegator: hands the task to the target agent over JetStream
//
// Result vs error:
//   A Result with Success=false is a normal task failure. A returned error
//   means the adapter itself broke; the scheduler records it as adapter_error.
//
// ============================================================================

package executor

import (
	"context"

	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

// Result is the outcome reported by an adapter.
type Result struct {
	Success      bool
	ErrorCode    string
	ErrorMessage string
}

// Adapter executes one delegated task.
type Adapter interface {
	Execute(ctx context.Context, task types.DelegatedTask) (Result, error)
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, task types.DelegatedTask) (Result, error)

// Execute implements Adapter.
func (f AdapterFunc) Execute(ctx context.Context, task types.DelegatedTask) (Result, error) {
	return f(ctx, task)
}
