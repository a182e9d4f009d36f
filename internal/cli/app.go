package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/ArnBdev/oneagent-delegation/internal/adapter/influx"
	natsadapter "github.com/ArnBdev/oneagent-delegation/internal/adapter/nats"
	"github.com/ArnBdev/oneagent-delegation/internal/config"
	"github.com/ArnBdev/oneagent-delegation/internal/executor"
	"github.com/ArnBdev/oneagent-delegation/internal/health"
	"github.com/ArnBdev/oneagent-delegation/internal/memory"
	"github.com/ArnBdev/oneagent-delegation/internal/memory/badgerstore"
	"github.com/ArnBdev/oneagent-delegation/internal/memory/httpstore"
	"github.com/ArnBdev/oneagent-delegation/internal/memory/pgstore"
	"github.com/ArnBdev/oneagent-delegation/internal/memory/walstore"
	"github.com/ArnBdev/oneagent-delegation/internal/metrics"
	"github.com/ArnBdev/oneagent-delegation/internal/monitoring"
	"github.com/ArnBdev/oneagent-delegation/internal/reasoning"
	"github.com/ArnBdev/oneagent-delegation/internal/scheduler"
	"github.com/ArnBdev/oneagent-delegation/internal/snapshot"
	"github.com/ArnBdev/oneagent-delegation/internal/taskqueue"
	"github.com/ArnBdev/oneagent-delegation/internal/triage"
	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

const (
	eventSinkBuffer  = 256
	eventSinkTimeout = 5 * time.Second
	shutdownTimeout  = 10 * time.Second
	checkpointKeep   = 3
)

// App is one fully wired delegation engine.
type App struct {
	cfg *config.Config
	log *slog.Logger

	Registry    *prometheus.Registry
	Collector   *metrics.Collector
	Sink        monitoring.Sink
	Store       memory.Substrate // nil when persistence is disabled
	Queue       *taskqueue.Queue
	Triage      *triage.Orchestrator
	Scheduler   *scheduler.Scheduler
	Checkpoints *snapshot.Manager

	nats    *natsadapter.Client
	closers []func()
}

// appOptions override parts of the wiring. Used by simulate and tests.
type appOptions struct {
	model   reasoning.Capability
	adapter executor.Adapter
	sinks   []monitoring.Sink
}

// NewApp connects every component described by cfg. Close releases them.
func NewApp(ctx context.Context, cfg *config.Config, log *slog.Logger, opts appOptions) (_ *App, err error) {
	a := &App{
		cfg:         cfg,
		log:         log,
		Registry:    prometheus.NewRegistry(),
		Checkpoints: snapshot.NewManager(cfg.State.CheckpointPath),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Collector = metrics.NewCollector(metrics.Config{
		Window:             cfg.SLO.Window,
		DefaultErrorBudget: cfg.SLO.DefaultErrorBudget,
		ErrorBudgets:       cfg.SLO.ErrorBudgets,
		MinSamples:         cfg.SLO.MinSamples,
		ExcludeComponents:  cfg.SLO.ExcludeComponents,
		Registerer:         a.Registry,
	})

	if err := a.buildSinks(ctx, opts.sinks); err != nil {
		return nil, err
	}

	if cfg.Queue.EnablePersistence {
		store, closeStore, err := OpenSubstrate(ctx, cfg.Memory, log)
		if err != nil {
			return nil, err
		}
		a.Store = store
		a.closers = append(a.closers, closeStore)
	}

	model := opts.model
	if model == nil {
		model, err = a.buildModel()
		if err != nil {
			return nil, err
		}
	}

	results := triage.NewStore()
	a.Queue = taskqueue.New(taskqueue.Config{
		MaxSize:             cfg.Queue.MaxSize,
		MaxAttempts:         cfg.Queue.MaxAttempts,
		RetryBase:           cfg.Queue.RetryBase,
		RetryCap:            cfg.Queue.RetryCap,
		SnapshotMinInterval: cfg.Queue.SnapshotMinInterval,
		PersistBuffer:       cfg.Queue.PersistBuffer,
		PersistTimeout:      cfg.Memory.Timeout,
		RestoreLimit:        cfg.Queue.RestoreLimit,
		Scope:               cfg.Memory.Scope,
	}, results, a.Store, a.Sink, log)
	a.closers = append(a.closers, a.Queue.Close)

	var records triage.RecordWriter
	if a.Store != nil {
		p := taskqueue.NewPersister(a.Store, a.Sink, cfg.Queue.PersistBuffer, cfg.Memory.Timeout, log)
		a.closers = append(a.closers, p.Close)
		records = p
	}
	analyzer, err := triage.NewAnalyzer(model, triage.AnalyzerOptions{
		CacheMaxCost: cfg.Reasoning.CacheMaxCost,
		CacheTTL:     cfg.Reasoning.CacheTTL,
		Scope:        cfg.Memory.Scope,
		Records:      records,
	}, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, analyzer.Close)

	engine := triage.NewEngine(triage.Rules{
		BurnThreshold:       cfg.Triage.BurnThreshold,
		LatencyMultiplier:   cfg.Triage.LatencyMultiplier,
		ErrorEventThreshold: cfg.Triage.ErrorEventThreshold,
		ModelTriage:         cfg.Triage.ModelTriage,
	}, model, log)

	// a fresh analysis is turned into tasks right away instead of waiting for
	// the next dispatch tick
	onAnalysis := func(types.DeepAnalysisResult) {
		a.Queue.HarvestAndQueue(ctx)
	}
	a.Triage = triage.NewOrchestrator(triage.Config{
		Interval:          cfg.Triage.Interval,
		JitterRatio:       cfg.Triage.JitterRatio,
		AlwaysDeepAnalyze: cfg.Triage.AlwaysDeepAnalyze,
	}, health.NewBuilder(a.Collector, cfg.Triage.BurnThreshold), engine, analyzer, results, a.Sink, log,
		triage.WithAnalysisCallback(onAnalysis))

	adapter := opts.adapter
	if adapter == nil {
		adapter, err = a.buildAdapter()
		if err != nil {
			return nil, err
		}
	}
	a.Scheduler = scheduler.New(scheduler.Config{
		Interval:    cfg.Dispatch.Interval,
		JitterRatio: cfg.Dispatch.JitterRatio,
		Burst:       cfg.Dispatch.Burst,
		TaskTimeout: cfg.Executor.Timeout,
	}, a.Queue, adapter, a.Sink, log, scheduler.WithObserver(a.Collector))

	return a, nil
}

func (a *App) buildSinks(ctx context.Context, extra []monitoring.Sink) error {
	sinks := monitoring.Fanout{monitoring.LogSink{Logger: a.log}, a.Collector}
	mon := a.cfg.Monitoring

	if mon.OTelEnabled {
		s, err := monitoring.NewOTelSink()
		if err != nil {
			return fmt.Errorf("otel sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	if mon.NATSURL != "" {
		nc, err := natsadapter.Connect(ctx, mon.NATSURL, mon.EventSubject, a.cfg.Executor.SubjectPrefix)
		if err != nil {
			return err
		}
		a.nats = nc
		a.closers = append(a.closers, nc.Close)

		s := monitoring.NewAsyncSink("nats", natsadapter.NewEventWriter(nc, mon.EventSubject), eventSinkBuffer, eventSinkTimeout, a.log)
		a.closers = append(a.closers, s.Close)
		sinks = append(sinks, s)
	}

	if mon.InfluxURL != "" {
		w := influx.New(mon.InfluxURL, mon.InfluxToken, mon.InfluxOrg, mon.InfluxBucket)
		a.closers = append(a.closers, w.Close)

		s := monitoring.NewAsyncSink("influx", w, eventSinkBuffer, eventSinkTimeout, a.log)
		a.closers = append(a.closers, s.Close)
		sinks = append(sinks, s)
	}

	a.Sink = append(sinks, extra...)
	return nil
}

func (a *App) buildModel() (reasoning.Capability, error) {
	rc := a.cfg.Reasoning
	if rc.Provider != "openai" {
		return nil, nil
	}
	client := reasoning.NewOpenAIClient(rc.APIKey, rc.BaseURL, rc.Model, a.log)
	g, err := reasoning.NewGuarded(client, reasoning.GuardOptions{
		Timeout:       rc.Timeout,
		RatePerSecond: rc.RatePerSecond,
		Burst:         rc.RateBurst,
		MaxFailures:   rc.MaxFailures,
		BreakerReset:  rc.BreakerReset,
		CacheMaxCost:  rc.CacheMaxCost,
		CacheTTL:      rc.CacheTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("reasoning guard: %w", err)
	}
	a.closers = append(a.closers, g.Close)
	return g, nil
}

func (a *App) buildAdapter() (executor.Adapter, error) {
	ec := a.cfg.Executor
	switch ec.Kind {
	case "nats":
		if a.nats == nil {
			return nil, errors.New("nats executor requires monitoring.nats_url")
		}
		return executor.NewNATSDelegator(a.nats, ec.SubjectPrefix), nil
	default:
		return executor.NewSimulated(executor.SimulatedConfig{
			FailureRate: ec.FailureRate,
			MinLatency:  ec.MinLatency,
			MaxLatency:  ec.MaxLatency,
		}, a.Sink), nil
	}
}

// OpenSubstrate opens the configured memory backend. The returned func
// releases it. Backend "none" yields a nil substrate.
func OpenSubstrate(ctx context.Context, cfg config.Memory, log *slog.Logger) (memory.Substrate, func(), error) {
	nop := func() {}
	switch cfg.Backend {
	case "wal":
		s, err := walstore.Open(cfg.WALPath)
		if err != nil {
			return nil, nop, fmt.Errorf("open wal memory: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	case "badger":
		s, err := badgerstore.Open(badgerstore.Config{Path: cfg.BadgerDir, Logger: log})
		if err != nil {
			return nil, nop, fmt.Errorf("open badger memory: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := pgstore.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, nop, fmt.Errorf("open postgres memory: %w", err)
		}
		return s, s.Close, nil
	case "http":
		return httpstore.New(cfg.HTTP.URL, cfg.HTTP.APIKey, cfg.Timeout), nop, nil
	default:
		return nil, nop, nil
	}
}

// Run starts the loops and the metrics server and blocks until ctx ends or a
// server fails. The queue checkpoint is written on the way out.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	a.Triage.Start(gctx)
	a.Scheduler.Start(gctx)
	a.log.Info("delegation engine started",
		"dispatch_interval", a.cfg.Dispatch.Interval,
		"triage_interval", a.cfg.Triage.Interval,
		"memory_backend", a.cfg.Memory.Backend,
		"executor", a.cfg.Executor.Kind)

	if a.cfg.Monitoring.MetricsEnabled {
		srv := metrics.NewServer(a.cfg.Monitoring.MetricsPort, a.Registry)
		g.Go(func() error {
			a.log.Info("metrics server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.Triage.Stop()
		a.Scheduler.Stop()
		return nil
	})

	err := g.Wait()

	if cpErr := a.WriteCheckpoint(); cpErr != nil {
		a.log.Error("write checkpoint", "error", cpErr)
	}
	a.log.Info("delegation engine stopped", "stats", a.Queue.Stats())
	return err
}

// WriteCheckpoint saves the queue summary to the checkpoint file.
func (a *App) WriteCheckpoint() error {
	if a.cfg.State.CheckpointPath == "" {
		return nil
	}
	return a.Checkpoints.WriteWithBackup(a.Queue.Checkpoint(), checkpointKeep)
}

// Close releases every resource in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
