// Package types defines the domain values shared by the delegation engine.
package types

// TaskStatus is the lifecycle state of a DelegatedTask.
type TaskStatus string

// Task status constants
const (
	StatusQueued     TaskStatus = "queued"     // waiting for the next dispatch tick
	StatusDispatched TaskStatus = "dispatched" // handed to an execution adapter
	StatusFailed     TaskStatus = "failed"     // dispatch or execution failed; may be requeued
	StatusCompleted  TaskStatus = "completed"  // execution succeeded
)

// TaskSource is the provenance tag stamped on every task created from an analysis.
const TaskSource = "observability_triage"

// Triage reason codes
const (
	ReasonNone                = "none"
	ReasonErrorBudgetBurn     = "error_budget_burn"
	ReasonElevatedErrorEvents = "elevated_error_events"
	ReasonLatencySpikeRatio   = "latency_spike_ratio"
	ReasonModelTriageYes      = "model_triage_yes"
)

// LatencyStats holds latency percentiles in milliseconds.
type LatencyStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
	Avg float64 `json:"avg"`
	Max float64 `json:"max"`
}

// OperationCounts is the success/error tally for one operation.
type OperationCounts struct {
	Success int `json:"success"`
	Error   int `json:"error"`
}

// BurnRate describes an operation whose error budget burns faster than allowed.
type BurnRate struct {
	Operation       string  `json:"operation"`
	BurnRate        float64 `json:"burnRate"`
	RemainingBudget float64 `json:"remainingBudget"`
}

// Snapshot is a point-in-time aggregate of health signals.
type Snapshot struct {
	CapturedAt        int64                      `json:"capturedAt"` // Unix ms
	Latency           LatencyStats               `json:"latency"`
	Operations        map[string]OperationCounts `json:"operations"`
	HotBurnRates      []BurnRate                 `json:"hotBurnRates"`
	RecentErrorEvents int                        `json:"recentErrorEvents"`
}

// TriageResult is the outcome of the rule-based anomaly check.
type TriageResult struct {
	ID                 string   `json:"id"`
	Timestamp          int64    `json:"timestamp"`
	AnomalySuspected   bool     `json:"anomalySuspected"`
	Reasons            []string `json:"reasons"`
	SnapshotHash       string   `json:"snapshotHash"`
	LatencyConcern     bool     `json:"latencyConcern"`
	ErrorBudgetConcern bool     `json:"errorBudgetConcern"`
}

// DeepAnalysisResult is the reasoning step's recommendation for an anomaly.
type DeepAnalysisResult struct {
	ID           string   `json:"id"`
	Timestamp    int64    `json:"timestamp"`
	Summary      string   `json:"summary"`
	Actions      []string `json:"actions"`
	Findings     []string `json:"findings"`
	SnapshotHash string   `json:"snapshotHash"`
}

// DelegatedTask is one recommended action turned into tracked work.
type DelegatedTask struct {
	ID           string `json:"id"`
	CreatedAt    int64  `json:"createdAt"`              // Unix ms
	DispatchedAt *int64 `json:"dispatchedAt,omitempty"` // Unix ms
	CompletedAt  *int64 `json:"completedAt,omitempty"`  // Unix ms
	DurationMs   *int64 `json:"durationMs,omitempty"`
	UpdatedAt    int64  `json:"updatedAt"` // Unix ms, last mutation

	Source      string `json:"source"`
	Finding     string `json:"finding"`
	Action      string `json:"action"`
	TargetAgent string `json:"targetAgent,omitempty"`

	Status       TaskStatus `json:"status"`
	SnapshotHash string     `json:"snapshotHash"`

	LastErrorCode    string `json:"lastErrorCode,omitempty"`
	LastErrorMessage string `json:"lastErrorMessage,omitempty"`

	Attempts        int    `json:"attempts"`
	MaxAttempts     int    `json:"maxAttempts"`
	NextAttemptAt   string `json:"nextAttemptAt,omitempty"`   // RFC3339
	NextAttemptUnix *int64 `json:"nextAttemptUnix,omitempty"` // Unix ms
}

// Clone returns a deep copy of the task.
func (t DelegatedTask) Clone() DelegatedTask {
	c := t
	c.DispatchedAt = copyInt64(t.DispatchedAt)
	c.CompletedAt = copyInt64(t.CompletedAt)
	c.DurationMs = copyInt64(t.DurationMs)
	c.NextAttemptUnix = copyInt64(t.NextAttemptUnix)
	return c
}

func copyInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// QueueState is the compacted queue written to the memory substrate. Restore
// starts from the newest one and lays newer task records over it.
type QueueState struct {
	Tasks             []DelegatedTask `json:"tasks"`
	RetiredSignatures []string        `json:"retiredSignatures,omitempty"` // oldest first
	TakenAt           int64           `json:"takenAt"`                     // Unix ms
	SchemaVer         int             `json:"schema_ver"`
}

// TaskSummary is the lightweight per-task view written in queue checkpoints.
type TaskSummary struct {
	ID            string     `json:"id"`
	Status        TaskStatus `json:"status"`
	Action        string     `json:"action"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt string     `json:"nextAttemptAt,omitempty"`
}

// QueueCheckpoint is the on-disk summary of the queue used by the status command.
type QueueCheckpoint struct {
	Tasks     []TaskSummary  `json:"tasks"`
	Stats     map[string]int `json:"stats"`
	TakenAt   int64          `json:"takenAt"`    // Unix ms
	SchemaVer int            `json:"schema_ver"` // format version
}
