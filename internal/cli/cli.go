// ============================================================================
// OneAgent Delegator CLI
// ============================================================================
//
// Package: internal/cli
// Function: cobra command tree and process wiring
//
// Commands:
//   run       start the triage and dispatch loops until SIGINT/SIGTERM
//   status    show the queue checkpoint written at the last shutdown
//   tasks     list tasks restored from the memory substrate
//   simulate  drive the full loop with synthetic traffic for a fixed duration
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ArnBdev/oneagent-delegation/internal/config"
	"github.com/ArnBdev/oneagent-delegation/internal/logger"
	"github.com/ArnBdev/oneagent-delegation/internal/monitoring"
	"github.com/ArnBdev/oneagent-delegation/internal/snapshot"
	"github.com/ArnBdev/oneagent-delegation/internal/taskqueue"
	"github.com/ArnBdev/oneagent-delegation/pkg/types"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "delegator",
		Short: "Observability-driven task delegation engine",
		Long: `delegator watches service health, asks a reasoning model what to do
about anomalies and delegates the recommended actions to agents:
- snapshot -> triage -> deep analysis on a jittered timer
- bounded, deduplicated task queue with retry backoff
- persistence and restart recovery through a memory substrate`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultConfigFile, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildTasksCommand())
	rootCmd.AddCommand(buildSimulateCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the delegation engine",
		Long:  "Start the triage loop, the dispatch scheduler and the metrics server. Stops on SIGINT or SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFrom(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, cfg, appOptions{})
		},
	}
}

func runEngine(ctx context.Context, cfg *config.Config, opts appOptions) error {
	log := logger.New(cfg.Logging)

	app, err := NewApp(ctx, cfg, log, opts)
	if err != nil {
		return err
	}
	defer app.Close()

	return app.Run(ctx)
}

func buildStatusCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue status from the last checkpoint",
		Long:  "Display the task queue checkpoint written when the engine last stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFrom(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return showStatus(cmd.OutOrStdout(), cfg, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw checkpoint as JSON")
	return cmd
}

func showStatus(w io.Writer, cfg *config.Config, asJSON bool) error {
	m := snapshot.NewManager(cfg.State.CheckpointPath)
	cp, err := m.Load()
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cp)
	}

	fmt.Fprintf(w, "Config file:     %s\n", configFile)
	fmt.Fprintf(w, "Memory backend:  %s (scope %s)\n", cfg.Memory.Backend, cfg.Memory.Scope)
	fmt.Fprintf(w, "Executor:        %s\n", cfg.Executor.Kind)
	fmt.Fprintf(w, "Checkpoint:      %s\n", m.Path())
	if !m.Exists() {
		fmt.Fprintln(w, "\nNo checkpoint yet. Run the engine first.")
		return nil
	}
	fmt.Fprintf(w, "Taken at:        %s\n\n", time.UnixMilli(cp.TakenAt).UTC().Format(time.RFC3339))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tCOUNT")
	for _, s := range []types.TaskStatus{types.StatusQueued, types.StatusDispatched, types.StatusFailed, types.StatusCompleted} {
		fmt.Fprintf(tw, "%s\t%d\n", s, cp.Stats[string(s)])
	}
	fmt.Fprintf(tw, "total\t%d\n", len(cp.Tasks))
	tw.Flush()

	if len(cp.Tasks) > 0 {
		fmt.Fprintln(w)
		printSummaries(w, cp.Tasks)
	}
	return nil
}

func printSummaries(w io.Writer, tasks []types.TaskSummary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tATTEMPTS\tNEXT ATTEMPT\tACTION")
	for _, t := range tasks {
		next := t.NextAttemptAt
		if next == "" {
			next = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", t.ID, t.Status, t.Attempts, next, t.Action)
	}
	tw.Flush()
}

func buildTasksCommand() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List delegated tasks from the memory substrate",
		Long:  "Restore the task queue from the configured memory backend and list its tasks, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFrom(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return listTasks(cmd.Context(), cmd.OutOrStdout(), cfg, types.TaskStatus(status))
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only show tasks with this status")
	return cmd
}

func listTasks(ctx context.Context, w io.Writer, cfg *config.Config, status types.TaskStatus) error {
	log := logger.New(config.Logging{Level: "error", Service: cfg.Logging.Service})

	store, closeStore, err := OpenSubstrate(ctx, cfg.Memory, log)
	if err != nil {
		return err
	}
	defer closeStore()
	if store == nil {
		return fmt.Errorf("memory backend %q keeps no tasks", cfg.Memory.Backend)
	}

	q := taskqueue.New(taskqueue.Config{
		MaxSize:      cfg.Queue.MaxSize,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		RestoreLimit: cfg.Queue.RestoreLimit,
		Scope:        cfg.Memory.Scope,
	}, nil, store, monitoring.Nop{}, log)
	defer q.Close()

	if err := q.Restore(ctx); err != nil {
		return err
	}

	var out []types.TaskSummary
	for _, t := range q.AllTasks() {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, types.TaskSummary{
			ID:            t.ID,
			Status:        t.Status,
			Action:        t.Action,
			Attempts:      t.Attempts,
			NextAttemptAt: t.NextAttemptAt,
		})
	}
	if len(out) == 0 {
		fmt.Fprintln(w, "no tasks")
		return nil
	}
	printSummaries(w, out)
	return nil
}

// sortedKeys returns the keys of m in order.
func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
