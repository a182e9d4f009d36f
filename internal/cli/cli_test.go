package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArnBdev/oneagent-delegation/internal/config"
	"github.com/ArnBdev/oneagent-delegation/internal/executor"
	"github.com/ArnBdev/oneagent-delegation/internal/logger"
	"github.com/ArnBdev/oneagent-delegation/internal/monitoring"
	"github.com/ArnBdev/oneagent-delegation/internal/snapshot"
	"github.com/ArnBdev/oneagent-delegation/internal/triage"
	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "delegator", cmd.Use)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Use] = true
		assert.NotNil(t, c.RunE, "%s has a RunE", c.Use)
	}
	assert.Equal(t, map[string]bool{"run": true, "status": true, "tasks": true, "simulate": true}, names)

	flag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
	assert.Equal(t, config.DefaultConfigFile, flag.DefValue)
}

func TestSimulateFlags(t *testing.T) {
	cmd := buildSimulateCommand()
	for _, name := range []string{"duration", "rate", "error-rate", "latency", "spike-every"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

// testConfig returns a config with a WAL substrate and checkpoint in dir.
func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Logging.Level = "error"
	cfg.Memory.Backend = "wal"
	cfg.Memory.WALPath = filepath.Join(dir, "memory.wal")
	cfg.State.CheckpointPath = filepath.Join(dir, "checkpoint.json")
	cfg.Monitoring.MetricsEnabled = false
	cfg.Triage.AlwaysDeepAnalyze = true
	cfg.Queue.SnapshotMinInterval = 0
	require.NoError(t, config.Validate(&cfg))
	return &cfg
}

func TestAppDelegatesRecommendedActions(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	var mu sync.Mutex
	var executed []string
	adapter := executor.AdapterFunc(func(_ context.Context, task types.DelegatedTask) (executor.Result, error) {
		mu.Lock()
		executed = append(executed, task.Action)
		mu.Unlock()
		return executor.Result{Success: true}, nil
	})

	rec := &monitoring.Recorder{}
	app, err := NewApp(context.Background(), cfg, logger.New(cfg.Logging), appOptions{
		model:   ScriptedModel(),
		adapter: adapter,
		sinks:   []monitoring.Sink{rec},
	})
	require.NoError(t, err)
	defer app.Close()

	res := app.Triage.RunOnce(context.Background())
	require.NotNil(t, res.Analysis)
	assert.Equal(t, []string{"monitor the service dashboards"}, res.Analysis.Actions)

	// the analysis callback queued the task before any dispatch tick
	require.Len(t, app.Queue.QueuedTasks(), 1)

	rep := app.Scheduler.Tick(context.Background())
	assert.Equal(t, 1, rep.Completed)
	mu.Lock()
	assert.Equal(t, []string{"monitor the service dashboards"}, executed)
	mu.Unlock()

	assert.NotEmpty(t, rec.Find("TriageOrchestrator", "deep_analysis"))
	assert.NotEmpty(t, rec.Find("DispatchScheduler", "dispatch"))

	require.NoError(t, app.WriteCheckpoint())
	cp, err := snapshot.NewManager(cfg.State.CheckpointPath).Load()
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Stats[string(types.StatusCompleted)])
}

func TestRunStopsAndWritesCheckpoint(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	app, err := NewApp(context.Background(), cfg, logger.New(cfg.Logging), appOptions{})
	require.NoError(t, err)
	defer app.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, app.Run(ctx))

	_, err = os.Stat(cfg.State.CheckpointPath)
	assert.NoError(t, err)
}

func TestStatusAndTasksCommands(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	var out bytes.Buffer
	require.NoError(t, showStatus(&out, cfg, false))
	assert.Contains(t, out.String(), "No checkpoint yet")

	app, err := NewApp(context.Background(), cfg, logger.New(cfg.Logging), appOptions{
		model:   ScriptedModel(),
		adapter: executor.AdapterFunc(func(context.Context, types.DelegatedTask) (executor.Result, error) {
			return executor.Result{ErrorCode: "remote_failed"}, nil
		}),
	})
	require.NoError(t, err)
	app.Triage.RunOnce(context.Background())
	app.Scheduler.Tick(context.Background())
	require.NoError(t, app.WriteCheckpoint())
	app.Close()

	out.Reset()
	require.NoError(t, showStatus(&out, cfg, false))
	assert.Contains(t, out.String(), "monitor the service dashboards")
	assert.Contains(t, out.String(), "STATUS")

	out.Reset()
	require.NoError(t, listTasks(context.Background(), &out, cfg, ""))
	assert.Contains(t, out.String(), "monitor the service dashboards")

	out.Reset()
	require.NoError(t, listTasks(context.Background(), &out, cfg, types.StatusCompleted))
	assert.Contains(t, out.String(), "no tasks")
}

func TestListTasksWithoutBackend(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Memory.Backend = "none"
	err := listTasks(context.Background(), &bytes.Buffer{}, cfg, "")
	assert.ErrorContains(t, err, "keeps no tasks")
}

func TestScriptedModel(t *testing.T) {
	m := ScriptedModel()

	reply, err := m.GenerateText(context.Background(), "answer strictly YES or NO: anything wrong?")
	require.NoError(t, err)
	assert.Equal(t, "NO", reply)

	reply, err = m.GenerateText(context.Background(), "Triage reasons: error_budget_burn, latency_spike_ratio")
	require.NoError(t, err)
	res := triage.ParseAnalysis(reply)
	assert.Equal(t, []string{
		"fix failing requests burning the error budget",
		"reduce p95 latency of slow requests",
	}, res.Actions)
}

func TestEmitSynthetic(t *testing.T) {
	rec := &monitoring.Recorder{}
	profile := LoadProfile{ErrorRate: 0.5, BaseLatency: 10 * time.Millisecond, SpikeEvery: 2}

	emitSynthetic(rec, profile, 1, func() float64 { return 0.9 })
	emitSynthetic(rec, profile, 2, func() float64 { return 0.1 })

	events := rec.Find(syntheticComponent, syntheticOperation)
	require.Len(t, events, 2)
	assert.Equal(t, monitoring.OutcomeSuccess, events[0].Outcome)
	assert.Equal(t, int64(19), events[0].Metadata["durationMs"])
	assert.Equal(t, monitoring.OutcomeError, events[1].Outcome)
	assert.Equal(t, int64(110), events[1].Metadata["durationMs"], "spike multiplies latency")
}
