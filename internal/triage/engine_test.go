package triage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArnBdev/oneagent-delegation/internal/reasoning"
	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

func cleanSnapshot() types.Snapshot {
	return types.Snapshot{
		CapturedAt: 1,
		Latency:    types.LatencyStats{P50: 20, P95: 40, P99: 55, Avg: 24, Max: 70},
		Operations: map[string]types.OperationCounts{"Api.call": {Success: 100, Error: 1}},
	}
}

func replying(text string, err error, calls *atomic.Int32) reasoning.Capability {
	return reasoning.Func(func(context.Context, string) (string, error) {
		if calls != nil {
			calls.Add(1)
		}
		return text, err
	})
}

func TestEvaluateClean(t *testing.T) {
	e := NewEngine(DefaultRules(), nil, nil)
	res := e.Evaluate(context.Background(), cleanSnapshot())

	assert.False(t, res.AnomalySuspected)
	assert.Equal(t, []string{types.ReasonNone}, res.Reasons)
	assert.NotEmpty(t, res.ID)
	assert.Len(t, res.SnapshotHash, 64)
}

func TestEvaluateRules(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*types.Snapshot)
		reasons   []string
		latency   bool
		errBudget bool
	}{
		{
			name:      "burn rate at threshold",
			mutate:    func(s *types.Snapshot) { s.HotBurnRates = []types.BurnRate{{Operation: "Api.call", BurnRate: 1.2}} },
			reasons:   []string{types.ReasonErrorBudgetBurn},
			errBudget: true,
		},
		{
			name:    "error events above three",
			mutate:  func(s *types.Snapshot) { s.RecentErrorEvents = 4 },
			reasons: []string{types.ReasonElevatedErrorEvents},
		},
		{
			name:    "exactly three error events",
			mutate:  func(s *types.Snapshot) { s.RecentErrorEvents = 3 },
			reasons: []string{types.ReasonNone},
		},
		{
			name:    "p95 over three times p50",
			mutate:  func(s *types.Snapshot) { s.Latency.P95 = 61 },
			reasons: []string{types.ReasonLatencySpikeRatio},
			latency: true,
		},
		{
			name:    "zero p50 never spikes",
			mutate:  func(s *types.Snapshot) { s.Latency.P50 = 0; s.Latency.P95 = 500 },
			reasons: []string{types.ReasonNone},
		},
		{
			name: "all rules in order",
			mutate: func(s *types.Snapshot) {
				s.HotBurnRates = []types.BurnRate{{Operation: "Api.call", BurnRate: 4}}
				s.RecentErrorEvents = 9
				s.Latency.P95 = 200
			},
			reasons:   []string{types.ReasonErrorBudgetBurn, types.ReasonElevatedErrorEvents, types.ReasonLatencySpikeRatio},
			latency:   true,
			errBudget: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := cleanSnapshot()
			tt.mutate(&snap)
			res := NewEngine(DefaultRules(), nil, nil).Evaluate(context.Background(), snap)

			assert.Equal(t, tt.reasons, res.Reasons)
			assert.Equal(t, tt.reasons[0] != types.ReasonNone, res.AnomalySuspected)
			assert.Equal(t, tt.latency, res.LatencyConcern)
			assert.Equal(t, tt.errBudget, res.ErrorBudgetConcern)
		})
	}
}

func TestEvaluateModelTriage(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		err   error
		want  []string
	}{
		{"yes", "Yes - error rate is creeping up", nil, []string{types.ReasonModelTriageYes}},
		{"no", "NO", nil, []string{types.ReasonNone}},
		{"failure is swallowed", "", errors.New("provider down"), []string{types.ReasonNone}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(DefaultRules(), replying(tt.reply, tt.err, nil), nil)
			res := e.Evaluate(context.Background(), cleanSnapshot())
			assert.Equal(t, tt.want, res.Reasons)
		})
	}
}

func TestModelOnlyConsultedWhenRulesAreQuiet(t *testing.T) {
	var calls atomic.Int32
	e := NewEngine(DefaultRules(), replying("yes", nil, &calls), nil)

	snap := cleanSnapshot()
	snap.RecentErrorEvents = 10
	res := e.Evaluate(context.Background(), snap)
	assert.Equal(t, []string{types.ReasonElevatedErrorEvents}, res.Reasons)
	assert.Equal(t, int32(0), calls.Load())

	rules := DefaultRules()
	rules.ModelTriage = false
	e = NewEngine(rules, replying("yes", nil, &calls), nil)
	e.Evaluate(context.Background(), cleanSnapshot())
	assert.Equal(t, int32(0), calls.Load(), "disabled model triage")
}

func TestHashSnapshot(t *testing.T) {
	base := cleanSnapshot()
	base.HotBurnRates = []types.BurnRate{
		{Operation: "A.x", BurnRate: 2.001},
		{Operation: "B.y", BurnRate: 1.5},
	}
	base.RecentErrorEvents = 4
	h := HashSnapshot(base)

	same := base
	same.CapturedAt = 999
	same.Operations = map[string]types.OperationCounts{"Other.op": {Success: 5}}
	same.Latency.P50 = 20.3
	same.HotBurnRates = []types.BurnRate{
		{Operation: "B.y", BurnRate: 1.5, RemainingBudget: 0.3},
		{Operation: "A.x", BurnRate: 2.004},
	}
	assert.Equal(t, h, HashSnapshot(same), "irrelevant fields and rounding noise do not change the hash")

	diff := base
	diff.RecentErrorEvents = 5
	assert.NotEqual(t, h, HashSnapshot(diff))

	diff = base
	diff.Latency.P95 = 41
	assert.NotEqual(t, h, HashSnapshot(diff))
}

func TestDigest(t *testing.T) {
	snap := cleanSnapshot()
	snap.HotBurnRates = []types.BurnRate{{Operation: "Api.call", BurnRate: 2.5}}
	d := Digest(snap)

	require.Contains(t, d, "p95=40")
	assert.Contains(t, d, "Api.call burn=2.50")
	assert.Contains(t, d, "Api.call ok=100 err=1")
}
