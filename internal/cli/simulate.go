package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ArnBdev/oneagent-delegation/internal/config"
	"github.com/ArnBdev/oneagent-delegation/internal/logger"
	"github.com/ArnBdev/oneagent-delegation/internal/monitoring"
	"github.com/ArnBdev/oneagent-delegation/internal/reasoning"
	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

const (
	syntheticComponent = "SyntheticLoad"
	syntheticOperation = "request"
)

// LoadProfile shapes the synthetic traffic fed to the collector.
type LoadProfile struct {
	Rate        int           // events per second
	ErrorRate   float64       // 0..1
	BaseLatency time.Duration // typical latency; each event adds up to 100% on top
	SpikeEvery  int           // every Nth event is a 10x latency outlier; 0 disables
}

func buildSimulateCommand() *cobra.Command {
	var (
		duration time.Duration
		profile  = LoadProfile{Rate: 20, ErrorRate: 0.3, BaseLatency: 40 * time.Millisecond, SpikeEvery: 10}
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the engine against synthetic traffic",
		Long: `Feed synthetic operation events into the metrics collector and run the
triage and dispatch loops with short intervals. Without a configured reasoning
provider a scripted model answers, so the whole loop runs offline.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFrom(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), duration)
			defer cancel()
			return simulate(ctx, cmd.OutOrStdout(), cfg, profile)
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 30*time.Second, "how long to run")
	cmd.Flags().IntVar(&profile.Rate, "rate", profile.Rate, "synthetic events per second")
	cmd.Flags().Float64Var(&profile.ErrorRate, "error-rate", profile.ErrorRate, "fraction of synthetic events that fail")
	cmd.Flags().DurationVar(&profile.BaseLatency, "latency", profile.BaseLatency, "typical synthetic latency")
	cmd.Flags().IntVar(&profile.SpikeEvery, "spike-every", profile.SpikeEvery, "every Nth event is a latency outlier (0 disables)")
	return cmd
}

// simulate shortens the loop intervals, runs the engine until ctx ends and
// prints the final queue stats.
func simulate(ctx context.Context, w io.Writer, cfg *config.Config, profile LoadProfile) error {
	cfg.Dispatch.Interval = time.Second
	cfg.Triage.Interval = 2 * time.Second
	cfg.Queue.RetryBase = 500 * time.Millisecond
	cfg.Queue.RetryCap = 5 * time.Second
	cfg.SLO.Window = time.Minute
	cfg.Monitoring.MetricsEnabled = false

	var opts appOptions
	if cfg.Reasoning.Provider != "openai" {
		opts.model = ScriptedModel()
	}

	app, err := NewApp(ctx, cfg, logger.New(cfg.Logging), opts)
	if err != nil {
		return err
	}
	defer app.Close()

	go generateLoad(ctx, app.Sink, profile, rand.Float64)

	if err := app.Run(ctx); err != nil {
		return err
	}

	stats := app.Queue.Stats()
	fmt.Fprintln(w, "simulation finished")
	for _, k := range sortedKeys(stats) {
		fmt.Fprintf(w, "  %-10s %d\n", k, stats[k])
	}
	return nil
}

// generateLoad emits profile.Rate events per second into sink until ctx ends.
func generateLoad(ctx context.Context, sink monitoring.Sink, profile LoadProfile, random func() float64) {
	if profile.Rate < 1 {
		profile.Rate = 1
	}
	ticker := time.NewTicker(time.Second / time.Duration(profile.Rate))
	defer ticker.Stop()

	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			emitSynthetic(sink, profile, n, random)
		}
	}
}

func emitSynthetic(sink monitoring.Sink, profile LoadProfile, n int, random func() float64) {
	latency := profile.BaseLatency + time.Duration(random()*float64(profile.BaseLatency))
	if profile.SpikeEvery > 0 && n%profile.SpikeEvery == 0 {
		latency *= 10
	}
	outcome := monitoring.OutcomeSuccess
	if random() < profile.ErrorRate {
		outcome = monitoring.OutcomeError
	}
	sink.TrackOperation(syntheticComponent, syntheticOperation, outcome, map[string]any{
		"durationMs": latency.Milliseconds(),
	})
}

// ScriptedModel answers triage and analysis prompts without a network call.
// Triage questions always get NO so only the rules raise anomalies; analysis
// prompts get one remediation per triage reason.
func ScriptedModel() reasoning.Capability {
	return reasoning.Func(func(_ context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "YES or NO") {
			return "NO", nil
		}

		reply := struct {
			Summary  string   `json:"summary"`
			Actions  []string `json:"actions"`
			Findings []string `json:"findings"`
		}{Summary: "synthetic anomaly", Actions: []string{}, Findings: []string{}}

		if strings.Contains(prompt, types.ReasonErrorBudgetBurn) {
			reply.Actions = append(reply.Actions, "fix failing requests burning the error budget")
			reply.Findings = append(reply.Findings, "error budget burn above threshold")
		}
		if strings.Contains(prompt, types.ReasonLatencySpikeRatio) {
			reply.Actions = append(reply.Actions, "reduce p95 latency of slow requests")
			reply.Findings = append(reply.Findings, "p95 latency far above p50")
		}
		if strings.Contains(prompt, types.ReasonElevatedErrorEvents) {
			reply.Actions = append(reply.Actions, "write incident report for elevated errors")
		}
		if len(reply.Actions) == 0 {
			reply.Actions = append(reply.Actions, "monitor the service dashboards")
		}

		out, err := json.Marshal(reply)
		if err != nil {
			return "", err
		}
		return string(out), nil
	})
}
