// Package orchestrator runs one task or comment through classification,
// decomposition, step execution and result aggregation.
//
// A run is bounded by a wall-clock ceiling; each decomposed step has its own
// shorter ceiling. Steps execute in order and never short-circuit, so partial
// results are always collected. Run never panics and never returns an error:
// every failure is rendered into the Report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/taskpilot/decompose"
	"github.com/c360studio/taskpilot/intent"
	"github.com/c360studio/taskpilot/llm"
	"github.com/c360studio/taskpilot/metrics"
	"github.com/c360studio/taskpilot/model"
	"github.com/c360studio/taskpilot/prompt"
	"github.com/c360studio/taskpilot/sandbox"
	"github.com/c360studio/taskpilot/tracker"
	"github.com/c360studio/taskpilot/validate"
)

// Caller sends a prompt to the LLM tiers. *llm.Gateway implements it.
type Caller interface {
	Call(ctx context.Context, prompt string, complexity model.Complexity) *llm.Result
}

// Runner runs code blocks from robust-mode responses. *sandbox.Sandbox
// implements it.
type Runner interface {
	Supports(lang string) bool
	Run(ctx context.Context, b validate.CodeBlock) sandbox.Result
}

// RunReporter receives every finished report.
type RunReporter interface {
	ReportRun(ctx context.Context, r *Report)
}

// Config controls run execution.
type Config struct {
	// RunTimeout bounds a whole run.
	RunTimeout time.Duration `yaml:"run_timeout"`

	// StepTimeout bounds one decomposed step, including its retry.
	StepTimeout time.Duration `yaml:"step_timeout"`

	// Robust runs each step as a validated multi-turn loop.
	Robust bool `yaml:"robust"`

	// MaxTurns bounds the robust loop.
	MaxTurns int `yaml:"max_turns"`

	// Complexity selects the gateway tier. Auto detects it from the prompt.
	Complexity model.Complexity `yaml:"complexity"`
}

// DefaultConfig returns the standard ceilings: 30 minutes per run, 10 per
// step, 5 robust turns.
func DefaultConfig() Config {
	return Config{
		RunTimeout:  30 * time.Minute,
		StepTimeout: 10 * time.Minute,
		MaxTurns:    5,
		Complexity:  model.Auto,
	}
}

// Input is what triggered a run.
type Input struct {
	Task    tracker.Task
	History []tracker.Comment

	// Comment is the triggering comment text. Empty for task-triggered runs.
	Comment string
}

// StepRecord is the outcome of one step.
type StepRecord struct {
	Step int    `json:"step"`
	Name string `json:"name"`

	Success    bool    `json:"success"`
	Output     string  `json:"output,omitempty"`
	Error      string  `json:"error,omitempty"`
	ErrorClass string  `json:"error_class,omitempty"`
	Backend    string  `json:"backend,omitempty"`
	Model      string  `json:"model,omitempty"`
	Confidence float64 `json:"confidence"`

	// Attempts and FailedAttempts sum gateway invocations across retries.
	Attempts          int      `json:"attempts"`
	FailedAttempts    int      `json:"failed_attempts"`
	AttemptedBackends []string `json:"attempted_backends,omitempty"`

	// Retried is set when the step ran a second time after failing.
	Retried bool `json:"retried,omitempty"`

	// Turns holds the robust-loop history.
	Turns []TurnRecord `json:"turns,omitempty"`

	Usage    llm.TokenUsage `json:"usage"`
	Duration time.Duration  `json:"duration"`
}

// Report is the outcome of a run.
type Report struct {
	RunID      string          `json:"run_id"`
	TaskID     string          `json:"task_id"`
	Category   intent.Category `json:"category"`
	Decomposed bool            `json:"decomposed"`
	Robust     bool            `json:"robust"`

	// Total is the number of planned steps; Steps may be shorter after a
	// run timeout.
	Total int          `json:"total"`
	Steps []StepRecord `json:"steps"`

	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`

	// Comment is the text to post back to the task.
	Comment string `json:"comment"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Outcome is "success", "timeout" or "failure".
func (r *Report) Outcome() string {
	switch {
	case r.Success:
		return "success"
	case r.TimedOut:
		return "timeout"
	default:
		return "failure"
	}
}

// Orchestrator executes runs. It is safe for concurrent use.
type Orchestrator struct {
	cfg       Config
	caller    Caller
	builder   *prompt.Builder
	validator *validate.Validator
	runner    Runner
	notifier  Notifier
	reporter  RunReporter
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithNotifier sets where progress notes go.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

// WithRunReporter sets where finished reports go.
func WithRunReporter(r RunReporter) Option {
	return func(o *Orchestrator) {
		o.reporter = r
	}
}

// WithValidator sets the robust-mode validator.
func WithValidator(v *validate.Validator) Option {
	return func(o *Orchestrator) {
		o.validator = v
	}
}

// WithRunner enables execution of validated code in robust mode.
func WithRunner(r Runner) Option {
	return func(o *Orchestrator) {
		o.runner = r
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// New creates an Orchestrator.
func New(cfg Config, caller Caller, builder *prompt.Builder, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = def.MaxTurns
	}
	if cfg.Complexity == "" {
		cfg.Complexity = def.Complexity
	}
	if builder == nil {
		builder = prompt.NewBuilder()
	}
	o := &Orchestrator{
		cfg:     cfg,
		caller:  caller,
		builder: builder,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.validator == nil {
		o.validator = validate.New(validate.WithLogger(o.logger), validate.WithMetrics(o.metrics))
	}
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// runState collects results from the executing goroutine. The run may be
// abandoned on timeout while the goroutine is still writing.
type runState struct {
	mu      sync.Mutex
	steps   []StepRecord
	total   int
	done    bool
	success bool
	err     string
	comment string
}

func (s *runState) plan(total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total = total
}

func (s *runState) add(r StepRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, r)
}

func (s *runState) finish(success bool, errMsg, comment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.success = success
	s.err = errMsg
	s.comment = comment
}

// snapshot copies the collected results into r and reports whether the run
// finished.
func (s *runState) snapshot(r *Report) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Steps = append([]StepRecord(nil), s.steps...)
	r.Total = s.total
	r.Success = s.success
	r.Error = s.err
	r.Comment = s.comment
	return s.done
}

// Run executes in and returns its report.
func (o *Orchestrator) Run(ctx context.Context, in Input) (report *Report) {
	started := time.Now()
	report = &Report{
		RunID:     uuid.NewString(),
		TaskID:    in.Task.ID,
		Robust:    o.cfg.Robust,
		StartedAt: started,
	}
	logger := o.logger.With("run_id", report.RunID, "task_id", in.Task.ID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Orchestrator panic", "panic", r, "stack", string(debug.Stack()))
			report.Success = false
			report.Error = fmt.Sprintf("internal error: %v", r)
			report.Comment = "❌ Agent error: " + report.Error
		}
		report.Duration = time.Since(started)
		o.metrics.ObserveRun(string(report.Category), report.Outcome(), report.Duration)
		if o.reporter != nil {
			o.reporter.ReportRun(context.WithoutCancel(ctx), report)
		}
		logger.Info("Run finished",
			"category", report.Category,
			"outcome", report.Outcome(),
			"steps", len(report.Steps),
			"duration", report.Duration)
	}()

	report.Category = classify(in)
	steps := plan(in)
	report.Decomposed = len(steps) > 1
	logger.Info("Run started", "category", report.Category, "steps", len(steps), "robust", o.cfg.Robust)

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()

	runID, category, decomposed := report.RunID, report.Category, report.Decomposed
	st := &runState{total: len(steps)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Run panic", "panic", r, "stack", string(debug.Stack()))
				st.finish(false, fmt.Sprintf("internal error: %v", r), fmt.Sprintf("❌ Agent error: internal error: %v", r))
			}
		}()
		if decomposed {
			o.runSteps(runCtx, in, runID, steps, st)
		} else {
			o.runSingle(runCtx, in, runID, category, st)
		}
	}()

	select {
	case <-done:
	case <-runCtx.Done():
	}
	finished := st.snapshot(report)
	deadline := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	switch {
	case finished && (report.Success || !deadline):
		return report
	case deadline:
		report.Success = false
		report.TimedOut = true
		report.Error = fmt.Sprintf("workflow timeout after %s", o.cfg.RunTimeout)
		report.Comment = timeoutComment(o.cfg.RunTimeout, report)
		logger.Error("Run timed out", "timeout", o.cfg.RunTimeout, "completed_steps", len(report.Steps))
	default:
		report.Success = false
		report.Error = "run canceled"
		report.Comment = "❌ Agent error: run canceled before completion"
		logger.Warn("Run canceled", "error", ctx.Err())
	}
	return report
}

func timeoutComment(d time.Duration, r *Report) string {
	msg := fmt.Sprintf("❌ Workflow timed out after %s. Task may be too complex or stuck.", d)
	if r.Decomposed {
		succeeded := 0
		for _, s := range r.Steps {
			if s.Success {
				succeeded++
			}
		}
		msg += fmt.Sprintf("\n\nCompleted %d/%d steps before the timeout.", succeeded, r.Total)
	}
	return msg
}

// classify degrades to General if classification fails.
func classify(in Input) (c intent.Category) {
	defer func() {
		if recover() != nil {
			c = intent.General
		}
	}()
	return intent.Classify(in.Task, in.Comment)
}

// plan degrades to a single step if decomposition fails.
func plan(in Input) (steps []decompose.Step) {
	defer func() {
		if recover() != nil || len(steps) == 0 {
			steps = []decompose.Step{{Number: 1, Name: "Execute task", Description: in.Task.Text(in.Comment)}}
		}
	}()
	return decompose.Decompose(in.Task, in.Comment)
}

func (o *Orchestrator) runSingle(ctx context.Context, in Input, runID string, category intent.Category, st *runState) {
	p, err := o.builder.Build(ctx, prompt.Request{
		Category: category,
		Task:     in.Task,
		History:  in.History,
		Latest:   in.Comment,
	})
	if err != nil {
		o.logger.Error("Cannot build prompt", "task_id", in.Task.ID, "error", err)
		st.finish(false, err.Error(), "❌ AI error: "+err.Error())
		return
	}

	rec := o.execute(ctx, runID, in.Task.ID, decompose.Step{Number: 1, Name: "Execute task"}, p)
	st.add(rec)
	o.metrics.IncStep(stepOutcome(rec))

	if rec.Success {
		st.finish(true, "", successComment(rec, o.cfg.Robust))
		return
	}
	st.finish(false, rec.Error, failureComment(rec, false))
}

func (o *Orchestrator) runSteps(ctx context.Context, in Input, runID string, steps []decompose.Step, st *runState) {
	total := len(steps)
	st.plan(total)
	succeeded := 0
	var records []StepRecord

	for _, step := range steps {
		if ctx.Err() != nil {
			return
		}
		o.logger.Info("Executing step", "task_id", in.Task.ID, "step", step.Number, "total", total, "name", step.Name)
		o.notify(ctx, in.Task.ID, fmt.Sprintf("🔄 Step %d/%d: %s", step.Number, total, step.Name))

		rec := o.runStep(ctx, runID, in.Task, step)
		records = append(records, rec)
		st.add(rec)
		o.metrics.IncStep(stepOutcome(rec))

		if rec.Success {
			succeeded++
			o.logger.Info("Step succeeded", "task_id", in.Task.ID, "step", step.Number, "backend", rec.Backend)
			o.notify(ctx, in.Task.ID, fmt.Sprintf("✅ Step %d: %s", step.Number, SummaryLine(rec.Output)))
		} else {
			o.logger.Error("Step failed", "task_id", in.Task.ID, "step", step.Number, "error", rec.Error)
			o.notify(ctx, in.Task.ID, fmt.Sprintf("❌ Step %d failed: %s", step.Number, rec.Error))
		}
	}

	comment := RenderSteps(records, total)
	if succeeded == 0 {
		st.finish(false, fmt.Sprintf("all %d steps failed", total), comment)
		return
	}
	st.finish(true, "", comment)
}

// runStep executes one decomposed step under the step ceiling, retrying
// once when the step allows it.
func (o *Orchestrator) runStep(ctx context.Context, runID string, task tracker.Task, step decompose.Step) StepRecord {
	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()

	p := o.builder.BuildStep(task, step)
	rec := o.execute(stepCtx, runID, task.ID, step, p)

	if !rec.Success && step.RetryOnFailure && stepCtx.Err() == nil {
		o.logger.Info("Retrying step", "task_id", task.ID, "step", step.Number)
		retry := o.execute(stepCtx, runID, task.ID, step, p)
		retry.Retried = true
		retry.Attempts += rec.Attempts
		retry.FailedAttempts += rec.FailedAttempts
		retry.AttemptedBackends = appendUnique(rec.AttemptedBackends, retry.AttemptedBackends...)
		retry.Usage.Input += rec.Usage.Input
		retry.Usage.Output += rec.Usage.Output
		retry.Duration += rec.Duration
		rec = retry
	}

	if !rec.Success && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		rec.Error = fmt.Sprintf("step timeout after %s", o.cfg.StepTimeout)
		rec.ErrorClass = "timeout"
	}
	return rec
}

// execute runs one prompt for a step, plain or robust. Panics become a failed
// record.
func (o *Orchestrator) execute(ctx context.Context, runID, taskID string, step decompose.Step, p string) (rec StepRecord) {
	started := time.Now()
	rec = StepRecord{Step: step.Number, Name: step.Name}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Step panic", "task_id", taskID, "step", step.Number, "panic", r, "stack", string(debug.Stack()))
			rec.Success = false
			rec.Error = fmt.Sprintf("internal error: %v", r)
			rec.ErrorClass = "panic"
		}
		rec.Duration = time.Since(started)
	}()

	ctx = llm.WithRunContext(ctx, llm.RunContext{RunID: runID, TaskID: taskID, Step: step.Number})
	if o.cfg.Robust {
		o.robust(ctx, p, &rec)
		return rec
	}
	apply(&rec, o.caller.Call(ctx, p, o.cfg.Complexity))
	return rec
}

// apply copies a gateway result into rec, accumulating attempt counters.
func apply(rec *StepRecord, res *llm.Result) {
	rec.Success = res.Success
	rec.Output = res.Output
	rec.Error = res.Error
	rec.ErrorClass = res.ErrorClass
	if res.Backend != "" {
		rec.Backend = res.Backend
		rec.Model = res.Model
	}
	rec.Confidence = res.Confidence
	rec.Attempts += res.Attempts
	rec.FailedAttempts += res.FailedAttempts
	rec.AttemptedBackends = appendUnique(rec.AttemptedBackends, res.AttemptedBackends...)
	rec.Usage.Input += res.Usage.Input
	rec.Usage.Output += res.Usage.Output
}

func appendUnique(dst []string, items ...string) []string {
	for _, it := range items {
		found := false
		for _, d := range dst {
			if d == it {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, it)
		}
	}
	return dst
}

func (o *Orchestrator) notify(ctx context.Context, taskID, text string) {
	if o.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn("Notifier panic", "task_id", taskID, "panic", r)
		}
	}()
	o.notifier.Notify(ctx, taskID, text)
}

func stepOutcome(r StepRecord) string {
	if r.Success {
		return "success"
	}
	return "failure"
}
