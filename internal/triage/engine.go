// Package triage decides whether a health snapshot is anomalous, runs deep
// analysis on new anomalies and publishes the latest recommendation.
package triage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ArnBdev/oneagent-delegation/internal/reasoning"
	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

// Rules are the triage thresholds.
type Rules struct {
	BurnThreshold       float64
	LatencyMultiplier   float64
	ErrorEventThreshold int
	ModelTriage         bool
}

// DefaultRules returns the stock thresholds.
func DefaultRules() Rules {
	return Rules{
		BurnThreshold:       1.2,
		LatencyMultiplier:   3,
		ErrorEventThreshold: 3,
		ModelTriage:         true,
	}
}

// Engine evaluates snapshots against Rules, optionally asking a model when no
// rule fires.
type Engine struct {
	rules Rules
	model reasoning.Capability
	log   *slog.Logger
	now   func() time.Time
}

// NewEngine creates an Engine. model may be nil.
func NewEngine(rules Rules, model reasoning.Capability, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{rules: rules, model: model, log: log, now: time.Now}
}

// Evaluate classifies snap. It never fails; a model error counts as no signal.
func (e *Engine) Evaluate(ctx context.Context, snap types.Snapshot) types.TriageResult {
	res := types.TriageResult{
		ID:           uuid.NewString(),
		Timestamp:    e.now().UnixMilli(),
		SnapshotHash: HashSnapshot(snap),
	}

	for _, br := range snap.HotBurnRates {
		if br.BurnRate >= e.rules.BurnThreshold {
			res.ErrorBudgetConcern = true
			res.Reasons = append(res.Reasons, types.ReasonErrorBudgetBurn)
			break
		}
	}
	if snap.RecentErrorEvents > e.rules.ErrorEventThreshold {
		res.Reasons = append(res.Reasons, types.ReasonElevatedErrorEvents)
	}
	if snap.Latency.P50 > 0 && snap.Latency.P95 > e.rules.LatencyMultiplier*snap.Latency.P50 {
		res.LatencyConcern = true
		res.Reasons = append(res.Reasons, types.ReasonLatencySpikeRatio)
	}

	if len(res.Reasons) == 0 && e.rules.ModelTriage && e.model != nil {
		if e.askModel(ctx, snap) {
			res.Reasons = append(res.Reasons, types.ReasonModelTriageYes)
		}
	}

	res.AnomalySuspected = len(res.Reasons) > 0
	if !res.AnomalySuspected {
		res.Reasons = []string{types.ReasonNone}
	}
	return res
}

func (e *Engine) askModel(ctx context.Context, snap types.Snapshot) bool {
	prompt := "You are an SRE assistant. Given this service health digest, answer strictly YES or NO: " +
		"is there an anomaly that needs investigation?\n\n" + Digest(snap)

	reply, err := e.model.GenerateText(ctx, prompt)
	if err != nil {
		e.log.Debug("model triage unavailable", "error", err)
		return false
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(reply)), "yes")
}

// Digest renders the triage-relevant part of a snapshot as compact text.
func Digest(snap types.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "latency_ms p50=%.0f p95=%.0f p99=%.0f avg=%.0f max=%.0f\n",
		snap.Latency.P50, snap.Latency.P95, snap.Latency.P99, snap.Latency.Avg, snap.Latency.Max)
	fmt.Fprintf(&b, "recent_error_events=%d\n", snap.RecentErrorEvents)

	if len(snap.HotBurnRates) == 0 {
		b.WriteString("hot_burn_rates=none\n")
	} else {
		b.WriteString("hot_burn_rates:\n")
		for _, br := range snap.HotBurnRates {
			fmt.Fprintf(&b, "  - %s burn=%.2f remaining=%.2f\n", br.Operation, br.BurnRate, br.RemainingBudget)
		}
	}

	if len(snap.Operations) > 0 {
		ops := make([]string, 0, len(snap.Operations))
		for op := range snap.Operations {
			ops = append(ops, op)
		}
		sort.Strings(ops)
		b.WriteString("operations:\n")
		for _, op := range ops {
			c := snap.Operations[op]
			fmt.Fprintf(&b, "  - %s ok=%d err=%d\n", op, c.Success, c.Error)
		}
	}
	return b.String()
}

type hashHot struct {
	Operation string  `json:"operation"`
	BurnRate  float64 `json:"burnRate"`
}

type hashInput struct {
	ErrorEvents int                `json:"errorEvents"`
	Hot         []hashHot          `json:"hot"`
	Latency     types.LatencyStats `json:"latency"`
}

// HashSnapshot fingerprints the fields triage decides on, rounded so that
// identical operating conditions hash identically.
func HashSnapshot(snap types.Snapshot) string {
	in := hashInput{
		ErrorEvents: snap.RecentErrorEvents,
		Hot:         make([]hashHot, 0, len(snap.HotBurnRates)),
		Latency: types.LatencyStats{
			P50: math.Round(snap.Latency.P50),
			P95: math.Round(snap.Latency.P95),
			P99: math.Round(snap.Latency.P99),
			Avg: math.Round(snap.Latency.Avg),
			Max: math.Round(snap.Latency.Max),
		},
	}
	for _, br := range snap.HotBurnRates {
		in.Hot = append(in.Hot, hashHot{Operation: br.Operation, BurnRate: math.Round(br.BurnRate*100) / 100})
	}
	sort.Slice(in.Hot, func(i, j int) bool { return in.Hot[i].Operation < in.Hot[j].Operation })

	body, _ := json.Marshal(in)
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
