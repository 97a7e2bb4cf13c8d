package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/taskpilot/config"
	"github.com/c360studio/taskpilot/events"
	"github.com/c360studio/taskpilot/ledger"
	"github.com/c360studio/taskpilot/linkctx"
	"github.com/c360studio/taskpilot/llm"
	"github.com/c360studio/taskpilot/llm/backends"
	"github.com/c360studio/taskpilot/metrics"
	"github.com/c360studio/taskpilot/monitor"
	"github.com/c360studio/taskpilot/orchestrator"
	"github.com/c360studio/taskpilot/prompt"
	"github.com/c360studio/taskpilot/retitle"
	"github.com/c360studio/taskpilot/sandbox"
	"github.com/c360studio/taskpilot/storage"
	"github.com/c360studio/taskpilot/tracker"
	"github.com/c360studio/taskpilot/tracker/asana"
	"github.com/c360studio/taskpilot/validate"
)

// App holds the process-wide resources shared by every pipeline built
// during the process lifetime: metrics, the event connection and run
// history.
type App struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	events  *events.Publisher
	runs    *storage.Store
	server  *http.Server
}

// NewApp creates the shared resources cfg asks for.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{logger: logger}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	if !cfg.Events.Enabled {
		return a, nil
	}

	ecfg := cfg.Events
	if ecfg.Embedded && ecfg.History && ecfg.StoreDir == "" {
		ecfg.StoreDir = cfg.Monitor.JetStreamDir()
	}
	p, err := events.Connect(ctx, ecfg, logger)
	if err != nil {
		return nil, err
	}
	a.events = p

	if ecfg.History {
		js, err := jetstream.New(p.Conn())
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("create JetStream context: %w", err)
		}
		runs, err := storage.NewStore(ctx, js, storage.WithLogger(logger))
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("open run history: %w", err)
		}
		a.runs = runs
	}
	return a, nil
}

// ServeMetrics starts the Prometheus endpoint in the background.
func (a *App) ServeMetrics(addr string) {
	if a.metrics == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	a.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("Serving metrics", "addr", addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

// Close releases shared resources.
func (a *App) Close() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("Metrics server shutdown", "error", err)
		}
	}
	if a.events != nil {
		a.events.Close()
	}
}

// Gateway builds the LLM gateway over every backend that can be created.
func (a *App) Gateway(ctx context.Context, cfg *config.Config) (*llm.Gateway, error) {
	reg, err := cfg.LLM.Build()
	if err != nil {
		return nil, fmt.Errorf("build model registry: %w", err)
	}

	available := backends.NewAll(ctx, reg, a.logger)
	if len(available) == 0 {
		return nil, fmt.Errorf("no LLM backends available")
	}

	opts := []llm.Option{
		llm.WithLogger(a.logger),
		llm.WithRetryConfig(cfg.LLM.Retry),
		llm.WithRateLimit(cfg.LLM.RateLimit),
		llm.WithMetrics(a.metrics),
	}
	if cfg.Orchestrator.Robust {
		opts = append(opts, llm.WithRateLimitCooldown(cfg.LLM.RateLimitCooldown))
	}
	if a.events != nil {
		opts = append(opts, llm.WithCallRecorder(a.events))
	}
	return llm.NewGateway(reg, available, opts...), nil
}

// Orchestrator builds a run orchestrator. Progress notes go to notifier and
// to the event stream.
func (a *App) Orchestrator(cfg *config.Config, gw *llm.Gateway, notifier orchestrator.Notifier) *orchestrator.Orchestrator {
	builderOpts := []prompt.Option{
		prompt.WithToolsDir(cfg.Prompt.ToolsDir),
		prompt.WithLogger(a.logger),
	}
	if cfg.Prompt.Links.Enabled {
		builderOpts = append(builderOpts, prompt.WithLinkResolver(linkctx.NewResolver(cfg.Prompt.Links.Config, a.logger)))
	}

	notifiers := orchestrator.MultiNotifier{notifier}
	opts := []orchestrator.Option{
		orchestrator.WithLogger(a.logger),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithValidator(validate.New(validate.WithLogger(a.logger), validate.WithMetrics(a.metrics))),
	}
	var reporters orchestrator.MultiReporter
	if a.events != nil {
		notifiers = append(notifiers, a.events)
		reporters = append(reporters, a.events)
	}
	if a.runs != nil {
		reporters = append(reporters, a.runs)
	}
	opts = append(opts, orchestrator.WithNotifier(notifiers))
	if len(reporters) > 0 {
		opts = append(opts, orchestrator.WithRunReporter(reporters))
	}
	if cfg.Sandbox.Enabled {
		opts = append(opts, orchestrator.WithRunner(sandbox.New(cfg.Sandbox.Config, a.logger)))
	}

	return orchestrator.New(cfg.Orchestrator, gw, prompt.NewBuilder(builderOpts...), opts...)
}

// Runs returns the run history store, or an error when history is off.
func (a *App) Runs() (*storage.Store, error) {
	if a.runs == nil {
		return nil, fmt.Errorf("run history is disabled; set events.enabled and events.history")
	}
	return a.runs, nil
}

// Tracker creates the Asana client.
func (a *App) Tracker(cfg *config.Config) (*asana.Client, error) {
	return asana.New(cfg.Tracker.Config, asana.WithLogger(a.logger))
}

// Ledger opens the processed-comment ledger.
func (a *App) Ledger(cfg *config.Config) *ledger.Ledger {
	return ledger.Open(cfg.Monitor.LedgerPath(), ledger.WithLogger(a.logger), ledger.WithMetrics(a.metrics))
}

// Pipeline wires a complete monitor from cfg.
func (a *App) Pipeline(ctx context.Context, cfg *config.Config) (*monitor.Pipeline, error) {
	if len(cfg.Tracker.Projects) == 0 {
		return nil, fmt.Errorf("tracker.projects is empty")
	}

	client, err := a.Tracker(cfg)
	if err != nil {
		return nil, err
	}
	gw, err := a.Gateway(ctx, cfg)
	if err != nil {
		return nil, err
	}
	orch := a.Orchestrator(cfg, gw, orchestrator.NewTrackerNotifier(client, a.logger))

	opts := []monitor.Option{
		monitor.WithLogger(a.logger),
		monitor.WithMetrics(a.metrics),
		monitor.WithPolicy(cfg.Reengage),
	}
	if cfg.Monitor.Retitle {
		titleOpts := []retitle.Option{retitle.WithLogger(a.logger)}
		if cfg.Monitor.AITitles {
			titleOpts = append(titleOpts, retitle.WithCaller(gw))
		}
		opts = append(opts, monitor.WithRetitler(retitle.New(titleOpts...)))
	}

	m := monitor.New(monitor.Config{
		Projects:        cfg.Tracker.Projects,
		Workers:         cfg.Monitor.Workers,
		LockPath:        cfg.Monitor.LockPath(),
		LedgerRetention: cfg.Monitor.LedgerRetention,
		AgentName:       cfg.Monitor.AgentName,
		AllowedAuthors:  cfg.Monitor.AllowedAuthors,
	}, client, orch, a.Ledger(cfg), opts...)

	return &monitor.Pipeline{
		Monitor:      m,
		PollInterval: cfg.Monitor.PollInterval,
		ErrorBackoff: cfg.Monitor.ErrorBackoff,
	}, nil
}

// logNotifier writes progress notes to the log, for runs with no tracker.
func logNotifier(logger *slog.Logger) orchestrator.Notifier {
	return orchestrator.NotifierFunc(func(_ context.Context, taskID, text string) {
		logger.Info("Progress", "task_id", taskID, "note", text)
	})
}

func orchestratorInput(task tracker.Task, comment string) orchestrator.Input {
	return orchestrator.Input{Task: task, Comment: comment}
}

func succeeded(steps []orchestrator.StepRecord) int {
	n := 0
	for _, s := range steps {
		if s.Success {
			n++
		}
	}
	return n
}

var _ tracker.Client = (*asana.Client)(nil)
