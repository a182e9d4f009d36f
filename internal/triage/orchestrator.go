package triage

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ArnBdev/oneagent-delegation/internal/monitoring"
	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

const componentName = "TriageOrchestrator"

// SnapshotBuilder produces health snapshots. health.Builder implements it.
type SnapshotBuilder interface {
	Build() (types.Snapshot, error)
}

// Config drives the triage loop.
type Config struct {
	Interval          time.Duration
	JitterRatio       float64
	AlwaysDeepAnalyze bool
}

// RunResult describes one triage run.
type RunResult struct {
	Skipped  bool // another run was in flight
	Triage   types.TriageResult
	Analysis *types.DeepAnalysisResult // nil when no analysis was produced
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithAnalysisCallback registers fn to receive every new analysis.
func WithAnalysisCallback(fn func(types.DeepAnalysisResult)) OrchestratorOption {
	return func(o *Orchestrator) { o.onAnalysis = fn }
}

// Orchestrator runs snapshot -> triage -> deep analysis on its own timer.
type Orchestrator struct {
	cfg        Config
	builder    SnapshotBuilder
	engine     *Engine
	analyzer   *Analyzer
	store      *Store
	sink       monitoring.Sink
	log        *slog.Logger
	onAnalysis func(types.DeepAnalysisResult)
	random     func() float64

	inFlight atomic.Bool

	mu       sync.Mutex
	lastHash string

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewOrchestrator wires the triage pipeline. analyzer may be nil.
func NewOrchestrator(cfg Config, builder SnapshotBuilder, engine *Engine, analyzer *Analyzer, store *Store,
	sink monitoring.Sink, log *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	if sink == nil {
		sink = monitoring.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		store = NewStore()
	}
	o := &Orchestrator{
		cfg:      cfg,
		builder:  builder,
		engine:   engine,
		analyzer: analyzer,
		store:    store,
		sink:     sink,
		log:      log.With("component", componentName),
		random:   rand.Float64,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Store returns the result store the orchestrator publishes to.
func (o *Orchestrator) Store() *Store {
	return o.store
}

// RunOnce performs one triage pass. A call made while another pass is running
// returns immediately with Skipped set.
func (o *Orchestrator) RunOnce(ctx context.Context) RunResult {
	if !o.inFlight.CompareAndSwap(false, true) {
		o.sink.TrackOperation(componentName, "run", monitoring.OutcomeSkip, map[string]any{"reason": "in_flight"})
		return RunResult{Skipped: true}
	}
	defer o.inFlight.Store(false)

	ctx, span := monitoring.StartSpan(ctx, "triage.run")
	defer span.End()
	start := time.Now()

	snap, err := o.builder.Build()
	if err != nil {
		o.log.Warn("partial snapshot", "error", err)
		span.RecordError(err)
	}

	tr := o.engine.Evaluate(ctx, snap)
	o.store.SetTriage(tr)
	span.SetAttributes(
		attribute.Bool("triage.anomaly", tr.AnomalySuspected),
		attribute.String("triage.reasons", strings.Join(tr.Reasons, ",")),
	)
	o.sink.TrackOperation(componentName, "triage", monitoring.OutcomeSuccess, map[string]any{
		"anomaly":      tr.AnomalySuspected,
		"reasons":      tr.Reasons,
		"snapshotHash": tr.SnapshotHash,
	})

	res := RunResult{Triage: tr}
	if !o.shouldAnalyze(tr) {
		return res
	}
	if o.analyzer == nil {
		return res
	}

	analysis, ok := o.analyzer.Analyze(ctx, tr, snap)
	if !ok {
		span.SetStatus(codes.Error, "no recommendation")
		o.sink.TrackOperation(componentName, "deep_analysis", monitoring.OutcomeSkip, map[string]any{
			"snapshotHash": tr.SnapshotHash,
			"reason":       "no_recommendation",
		})
		return res
	}

	o.mu.Lock()
	o.lastHash = tr.SnapshotHash
	o.mu.Unlock()

	o.store.SetAnalysis(analysis)
	if o.onAnalysis != nil {
		o.onAnalysis(analysis)
	}
	o.log.Info("deep analysis produced", "snapshot_hash", tr.SnapshotHash, "actions", len(analysis.Actions),
		"elapsed", time.Since(start))
	o.sink.TrackOperation(componentName, "deep_analysis", monitoring.OutcomeSuccess, map[string]any{
		"snapshotHash": tr.SnapshotHash,
		"actions":      len(analysis.Actions),
		"findings":     len(analysis.Findings),
	})
	res.Analysis = &analysis
	return res
}

func (o *Orchestrator) shouldAnalyze(tr types.TriageResult) bool {
	if o.cfg.AlwaysDeepAnalyze {
		return true
	}
	if !tr.AnomalySuspected {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return tr.SnapshotHash != o.lastHash
}

// Start launches the periodic loop. Calling it more than once has no effect.
func (o *Orchestrator) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		o.wg.Add(1)
		go o.loop(ctx)
	})
}

// Stop ends the loop and waits for the current run. Safe to call repeatedly.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
	})
	o.wg.Wait()
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()

	timer := time.NewTimer(o.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-o.stopCh:
			o.log.Info("triage loop stopped")
			return
		case <-ctx.Done():
			o.log.Info("triage loop stopped", "reason", ctx.Err())
			return
		case <-timer.C:
			o.RunOnce(ctx)
			timer.Reset(o.nextDelay())
		}
	}
}

func (o *Orchestrator) nextDelay() time.Duration {
	return jitteredDelay(o.cfg.Interval, o.cfg.JitterRatio, o.random)
}

// jitteredDelay returns base plus a uniform random extra in [0, ratio*base).
func jitteredDelay(base time.Duration, ratio float64, random func() float64) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if ratio <= 0 {
		return base
	}
	return base + time.Duration(random()*ratio*float64(base))
}
