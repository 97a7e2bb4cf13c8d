// Package main provides the taskpilot binary entry point.
// Taskpilot watches tracker projects, answers tasks and comments through
// tiered LLM backends and posts the results back.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/taskpilot/config"
	"github.com/c360studio/taskpilot/decompose"
	"github.com/c360studio/taskpilot/intent"
	"github.com/c360studio/taskpilot/monitor"
	"github.com/c360studio/taskpilot/storage"
	"github.com/c360studio/taskpilot/tracker"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "taskpilot"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globals are the persistent flags shared by every command.
type globals struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Personal task automation daemon",
		Long: `Taskpilot polls tracker projects for incomplete tasks and new comments,
classifies and decomposes them, runs each step through tiered LLM backends
and posts the results back as comments.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config")

	cmd.AddCommand(
		runCmd(g),
		onceCmd(g),
		planCmd(g),
		ledgerCmd(g),
		runsCmd(g),
		initCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}

// load reads the layered configuration and sets up logging from it.
func (g *globals) load(cmd *cobra.Command) (*config.Config, *config.Loader, *slog.Logger, func(), error) {
	boot := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	loader := config.NewLoader(boot)
	cfg, err := loader.Load(g.configPath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	logger, closeLog, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, loader, logger, closeLog, nil
}

// newLogger writes text logs to w and, when configured, appends them to a
// file as well.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, func(), error) {
	closeLog := func() {}
	if cfg.File != "" {
		path := config.ExpandHome(cfg.File)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(w, f)
		closeLog = func() { _ = f.Close() }
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	return logger, closeLog, nil
}

func runCmd(g *globals) *cobra.Command {
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the polling daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, loader, logger, closeLog, err := g.load(cmd)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := NewApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()
			if cfg.Metrics.Enabled {
				app.ServeMetrics(cfg.Metrics.Addr)
			}

			var opts []monitor.DaemonOption
			opts = append(opts, monitor.WithDaemonLogger(logger))
			if !noWatch {
				w, err := config.NewWatcher(loader.Paths(g.configPath), logger)
				if err != nil {
					logger.Warn("Config reload disabled", "error", err)
				} else {
					go w.Run(ctx)
					opts = append(opts, monitor.WithReload(w.Changes()))
				}
			}

			first := cfg
			build := func(ctx context.Context) (*monitor.Pipeline, error) {
				c := first
				if c == nil {
					if c, err = loader.Load(g.configPath); err != nil {
						return nil, err
					}
					if g.logLevel != "" {
						c.Log.Level = g.logLevel
					}
				}
				first = nil
				return app.Pipeline(ctx, c)
			}

			logger.Info("Taskpilot starting",
				"version", Version,
				"projects", cfg.Tracker.Projects,
				"workers", cfg.Monitor.Workers,
				"robust", cfg.Orchestrator.Robust)

			return monitor.NewDaemon(build, opts...).Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload when config files change")
	return cmd
}

func onceCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single polling cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, logger, closeLog, err := g.load(cmd)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := NewApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			p, err := app.Pipeline(ctx, cfg)
			if err != nil {
				return err
			}
			stats, err := p.Monitor.Cycle(ctx)
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
}

func printStats(w io.Writer, s monitor.Stats) {
	if s.Locked {
		fmt.Fprintln(w, "Another cycle is running; nothing done.")
		return
	}
	fmt.Fprintf(w, "Tasks: %d  Runs: %d  Comments: %d  Drafts: %d  Pruned: %d\n",
		s.Tasks, s.Runs, s.Comments, s.Drafts, s.Pruned)
}

func planCmd(g *globals) *cobra.Command {
	var (
		title   string
		notes   string
		comment string
		robust  bool
		dryRun  bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Classify, decompose and optionally run a task without the tracker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(title) == "" && strings.TrimSpace(notes) == "" {
				return fmt.Errorf("--title or --notes is required")
			}
			task := tracker.Task{ID: "local", Name: title, Notes: notes}
			out := cmd.OutOrStdout()

			if dryRun {
				printPlan(out, task, comment)
				return nil
			}

			cfg, _, logger, closeLog, err := g.load(cmd)
			if err != nil {
				return err
			}
			defer closeLog()
			if cmd.Flags().Changed("robust") {
				cfg.Orchestrator.Robust = robust
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := NewApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			gw, err := app.Gateway(ctx, cfg)
			if err != nil {
				return err
			}
			orch := app.Orchestrator(cfg, gw, logNotifier(logger))

			report := orch.Run(ctx, orchestratorInput(task, comment))
			fmt.Fprintln(out, report.Comment)
			fmt.Fprintf(out, "\nOutcome: %s (%d/%d steps, %s)\n",
				report.Outcome(), succeeded(report.Steps), report.Total, report.Duration.Round(time.Millisecond))
			if !report.Success {
				return fmt.Errorf("run %s: %s", report.Outcome(), report.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "Task title")
	cmd.Flags().StringVar(&notes, "notes", "", "Task notes")
	cmd.Flags().StringVar(&comment, "comment", "", "Triggering comment")
	cmd.Flags().BoolVar(&robust, "robust", false, "Use validated multi-turn execution")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the classification and steps without calling any backend")
	return cmd
}

func printPlan(w io.Writer, task tracker.Task, comment string) {
	category := intent.Classify(task, comment)
	steps := decompose.Decompose(task, comment)

	fmt.Fprintf(w, "Category: %s\n", category)
	fmt.Fprintf(w, "Steps: %d\n", len(steps))
	for _, s := range steps {
		fmt.Fprintf(w, "  %d. %s\n", s.Number, s.Name)
		if s.SuccessCriteria != "" {
			fmt.Fprintf(w, "     done when: %s\n", s.SuccessCriteria)
		}
	}
}

func ledgerCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the processed-comment ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "List tasks with processed comments",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, logger, closeLog, err := g.load(cmd)
			if err != nil {
				return err
			}
			defer closeLog()

			app := &App{logger: logger}
			l := app.Ledger(cfg)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Ledger: %s (%d comments)\n", l.Path(), l.Len())
			for _, id := range l.Tasks() {
				marks := l.Comments(id)
				var latest time.Time
				for _, at := range marks {
					if at.After(latest) {
						latest = at
					}
				}
				fmt.Fprintf(out, "  %s  %d  last %s\n", id, len(marks), latest.Format(time.RFC3339))
			}
			return nil
		},
	})

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Drop entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, logger, closeLog, err := g.load(cmd)
			if err != nil {
				return err
			}
			defer closeLog()

			age := cfg.Monitor.LedgerRetention
			if cmd.Flags().Changed("older-than") {
				age = olderThan
			}
			if age <= 0 {
				return fmt.Errorf("retention must be positive")
			}

			app := &App{logger: logger}
			removed, err := app.Ledger(cfg).Prune(age)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries older than %s\n", removed, age)
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 0, "Age cutoff (defaults to monitor.ledger_retention)")
	cmd.AddCommand(prune)

	return cmd
}

func runsCmd(g *globals) *cobra.Command {
	var (
		taskID string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs from the run history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, logger, closeLog, err := g.load(cmd)
			if err != nil {
				return err
			}
			defer closeLog()

			app, err := NewApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			store, err := app.Runs()
			if err != nil {
				return err
			}

			var runs []*storage.RunRecord
			if taskID != "" {
				runs, err = store.ListByTask(cmd.Context(), taskID)
			} else {
				runs, err = store.List(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			for _, r := range runs {
				fmt.Fprintf(out, "%s  %s  task %s  %s  %d/%d steps  %s",
					r.StartedAt.Local().Format("2006-01-02 15:04"), r.ID, r.TaskID, r.Outcome,
					r.Succeeded, r.Total, r.Duration.Round(time.Second))
				if r.Error != "" {
					fmt.Fprintf(out, "  (%s)", r.Error)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "Only runs for this task")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list")
	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default user config if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
			return config.NewLoader(logger).EnsureUserConfig()
		},
	}
}
