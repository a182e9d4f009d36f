package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"

	"github.com/ArnBdev/oneagent-delegation/internal/memory"
	"github.com/ArnBdev/oneagent-delegation/internal/reasoning"
	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

// Bounds on a DeepAnalysisResult.
const (
	MaxSummaryRunes     = 2000
	MaxFallbackRunes    = 500
	MaxActions          = 10
	MaxFindings         = 10
	RecordTypeAnalysis  = "deep_analysis"
	defaultAnalysisCost = 1 << 20
)

// RecordWriter accepts records for background persistence.
type RecordWriter interface {
	Enqueue(rec memory.Record) bool
}

// AnalyzerOptions configures an Analyzer.
type AnalyzerOptions struct {
	CacheMaxCost int64 // bytes; 0 uses 1 MiB, negative disables
	CacheTTL     time.Duration
	Scope        string
	Records      RecordWriter // nil disables persistence
}

// Analyzer turns an anomalous triage result into a recommendation.
type Analyzer struct {
	model reasoning.Capability
	cache *ristretto.Cache[string, types.DeepAnalysisResult]
	opts  AnalyzerOptions
	log   *slog.Logger
	now   func() time.Time
}

// NewAnalyzer creates an Analyzer. model may be nil, in which case Analyze
// never recommends anything.
func NewAnalyzer(model reasoning.Capability, opts AnalyzerOptions, log *slog.Logger) (*Analyzer, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &Analyzer{model: model, opts: opts, log: log, now: time.Now}

	cost := opts.CacheMaxCost
	if cost == 0 {
		cost = defaultAnalysisCost
	}
	if cost > 0 {
		c, err := ristretto.NewCache(&ristretto.Config[string, types.DeepAnalysisResult]{
			NumCounters: 1000,
			MaxCost:     cost,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("analysis cache: %w", err)
		}
		a.cache = c
	}
	return a, nil
}

// Close releases the cache.
func (a *Analyzer) Close() {
	if a.cache != nil {
		a.cache.Close()
	}
}

// Analyze asks the model for a summary and actions. ok is false when no
// recommendation could be obtained.
func (a *Analyzer) Analyze(ctx context.Context, tr types.TriageResult, snap types.Snapshot) (types.DeepAnalysisResult, bool) {
	if a.cache != nil {
		if cached, hit := a.cache.Get(tr.SnapshotHash); hit {
			return cached, true
		}
	}
	if a.model == nil {
		return types.DeepAnalysisResult{}, false
	}

	reply, err := a.model.GenerateText(ctx, analysisPrompt(tr, snap))
	if err != nil {
		a.log.Warn("deep analysis unavailable", "snapshot_hash", tr.SnapshotHash, "error", err)
		return types.DeepAnalysisResult{}, false
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return types.DeepAnalysisResult{}, false
	}

	res := ParseAnalysis(reply)
	res.ID = uuid.NewString()
	res.Timestamp = a.now().UnixMilli()
	res.SnapshotHash = tr.SnapshotHash

	if a.cache != nil {
		a.cache.SetWithTTL(tr.SnapshotHash, res, resultCost(res), a.opts.CacheTTL)
		a.cache.Wait()
	}
	a.persist(res)
	return res, true
}

func (a *Analyzer) persist(res types.DeepAnalysisResult) {
	if a.opts.Records == nil {
		return
	}
	a.opts.Records.Enqueue(memory.Record{
		Content: res.Summary,
		Scope:   a.opts.Scope,
		Metadata: map[string]any{
			"type":         RecordTypeAnalysis,
			"analysisId":   res.ID,
			"snapshotHash": res.SnapshotHash,
			"actions":      res.Actions,
			"findings":     res.Findings,
		},
	})
}

func analysisPrompt(tr types.TriageResult, snap types.Snapshot) string {
	var b strings.Builder
	b.WriteString("You are an SRE assistant analysing a service anomaly.\n")
	fmt.Fprintf(&b, "Triage reasons: %s\n\n", strings.Join(tr.Reasons, ", "))
	b.WriteString(Digest(snap))
	b.WriteString("\nRespond with a single JSON object: ")
	b.WriteString(`{"summary": "<what is wrong>", "actions": ["<remediation step>", ...], "findings": ["<evidence>", ...]}`)
	fmt.Fprintf(&b, "\nUse at most %d actions and %d findings.", MaxActions, MaxFindings)
	return b.String()
}

type analysisReply struct {
	Summary  string   `json:"summary"`
	Actions  []string `json:"actions"`
	Findings []string `json:"findings"`
}

// ParseAnalysis extracts the first JSON object from reply. Unstructured text
// becomes a truncated summary with no actions or findings.
func ParseAnalysis(reply string) types.DeepAnalysisResult {
	if parsed, ok := firstJSONObject(reply); ok {
		return types.DeepAnalysisResult{
			Summary:  truncateRunes(strings.TrimSpace(parsed.Summary), MaxSummaryRunes),
			Actions:  boundList(parsed.Actions, MaxActions),
			Findings: boundList(parsed.Findings, MaxFindings),
		}
	}
	return types.DeepAnalysisResult{
		Summary:  truncateRunes(strings.TrimSpace(reply), MaxFallbackRunes),
		Actions:  []string{},
		Findings: []string{},
	}
}

func firstJSONObject(text string) (analysisReply, bool) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		var out analysisReply
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		if err := dec.Decode(&out); err == nil {
			return out, true
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return analysisReply{}, false
}

func boundList(in []string, limit int) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit])
}

func resultCost(res types.DeepAnalysisResult) int64 {
	n := len(res.Summary)
	for _, s := range res.Actions {
		n += len(s)
	}
	for _, s := range res.Findings {
		n += len(s)
	}
	return int64(n) + 1
}
