package triage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArnBdev/oneagent-delegation/internal/memory"
	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

type recordSink struct {
	mu   sync.Mutex
	recs []memory.Record
}

func (r *recordSink) Enqueue(rec memory.Record) bool {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
	return true
}

const structuredReply = "Here is my analysis:\n```json\n" +
	`{"summary": "Checkout latency regressed", "actions": ["Reduce P95 latency", " ", "Update API docs"], "findings": ["p95 is 5x p50"]}` +
	"\n```"

func TestParseAnalysisStructured(t *testing.T) {
	res := ParseAnalysis(structuredReply)
	assert.Equal(t, "Checkout latency regressed", res.Summary)
	assert.Equal(t, []string{"Reduce P95 latency", "Update API docs"}, res.Actions)
	assert.Equal(t, []string{"p95 is 5x p50"}, res.Findings)
}

func TestParseAnalysisSkipsBrokenBraces(t *testing.T) {
	res := ParseAnalysis(`metrics {p95} look bad. {"summary": "ok", "actions": ["fix bug"]}`)
	assert.Equal(t, "ok", res.Summary)
	assert.Equal(t, []string{"fix bug"}, res.Actions)
}

func TestParseAnalysisBounds(t *testing.T) {
	actions := make([]string, 15)
	for i := range actions {
		actions[i] = `"act"`
	}
	reply := `{"summary": "` + strings.Repeat("é", 2500) + `", "actions": [` + strings.Join(actions, ",") + `]}`

	res := ParseAnalysis(reply)
	assert.Equal(t, MaxSummaryRunes, utf8.RuneCountInString(res.Summary))
	assert.Len(t, res.Actions, MaxActions)
	assert.Empty(t, res.Findings)
}

func TestParseAnalysisUnstructured(t *testing.T) {
	reply := strings.Repeat("latency is high. ", 60)
	res := ParseAnalysis(reply)

	assert.Equal(t, MaxFallbackRunes, utf8.RuneCountInString(res.Summary))
	assert.NotNil(t, res.Actions)
	assert.Empty(t, res.Actions)
	assert.Empty(t, res.Findings)
}

func TestAnalyzeNoRecommendation(t *testing.T) {
	tr := types.TriageResult{SnapshotHash: "h1", Reasons: []string{types.ReasonErrorBudgetBurn}}

	a, err := NewAnalyzer(nil, AnalyzerOptions{}, nil)
	require.NoError(t, err)
	defer a.Close()
	_, ok := a.Analyze(context.Background(), tr, cleanSnapshot())
	assert.False(t, ok, "no model")

	a, err = NewAnalyzer(replying("", errors.New("timeout"), nil), AnalyzerOptions{}, nil)
	require.NoError(t, err)
	defer a.Close()
	_, ok = a.Analyze(context.Background(), tr, cleanSnapshot())
	assert.False(t, ok, "model failure")

	a, err = NewAnalyzer(replying("   ", nil, nil), AnalyzerOptions{}, nil)
	require.NoError(t, err)
	defer a.Close()
	_, ok = a.Analyze(context.Background(), tr, cleanSnapshot())
	assert.False(t, ok, "empty reply")
}

func TestAnalyzeCachesAndPersists(t *testing.T) {
	var calls atomic.Int32
	records := &recordSink{}
	a, err := NewAnalyzer(replying(structuredReply, nil, &calls), AnalyzerOptions{
		Scope:   "task-delegation",
		Records: records,
	}, nil)
	require.NoError(t, err)
	defer a.Close()

	tr := types.TriageResult{SnapshotHash: "h1", Reasons: []string{types.ReasonLatencySpikeRatio}}
	first, ok := a.Analyze(context.Background(), tr, cleanSnapshot())
	require.True(t, ok)
	assert.Equal(t, "h1", first.SnapshotHash)
	assert.NotEmpty(t, first.ID)

	second, ok := a.Analyze(context.Background(), tr, cleanSnapshot())
	require.True(t, ok)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(1), calls.Load(), "second call served from cache")

	require.Len(t, records.recs, 1)
	rec := records.recs[0]
	assert.Equal(t, RecordTypeAnalysis, rec.Metadata["type"])
	assert.Equal(t, "h1", rec.Metadata["snapshotHash"])
	assert.Equal(t, "task-delegation", rec.Scope)
	assert.Equal(t, "Checkout latency regressed", rec.Content)
}
