// Package monitor runs the polling cycle: it finds tasks and comments that
// need an answer, hands them to the orchestrator on a bounded worker pool and
// posts the results back to the tracker.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/taskpilot/ledger"
	"github.com/c360studio/taskpilot/lockfile"
	"github.com/c360studio/taskpilot/metrics"
	"github.com/c360studio/taskpilot/orchestrator"
	"github.com/c360studio/taskpilot/retitle"
	"github.com/c360studio/taskpilot/tracker"
)

// DefaultWorkers bounds concurrent task processing.
const DefaultWorkers = 10

// Runner executes one task run.
type Runner interface {
	Run(ctx context.Context, in orchestrator.Input) *orchestrator.Report
}

// Config configures a Monitor.
type Config struct {
	Projects []string
	Workers  int
	LockPath string

	// LedgerRetention prunes ledger entries older than this after each
	// cycle. Zero disables pruning.
	LedgerRetention time.Duration

	// AgentName is the tracker user the daemon posts as.
	AgentName string

	// AllowedAuthors limits whose comments are processed. Empty allows all.
	AllowedAuthors []string
}

// Stats summarizes one cycle.
type Stats struct {
	// Locked is set when another cycle held the lock and this one was
	// skipped.
	Locked bool

	Tasks    int
	Runs     int
	Comments int
	Drafts   int
	Pruned   int
}

type counters struct {
	runs, comments, drafts atomic.Int64
}

// Monitor performs polling cycles. It is safe to call Cycle from one
// goroutine at a time; the lock file keeps separate processes apart.
type Monitor struct {
	cfg     Config
	tracker tracker.Client
	runner  Runner
	ledger  *ledger.Ledger
	policy  orchestrator.ReengagePolicy
	titles  *retitle.Generator
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = mt
	}
}

// WithPolicy replaces the default re-engagement keywords.
func WithPolicy(p orchestrator.ReengagePolicy) Option {
	return func(m *Monitor) {
		m.policy = p
	}
}

// WithRetitler regenerates task titles after each run.
func WithRetitler(g *retitle.Generator) Option {
	return func(m *Monitor) {
		m.titles = g
	}
}

// New creates a Monitor.
func New(cfg Config, client tracker.Client, runner Runner, l *ledger.Ledger, opts ...Option) *Monitor {
	if cfg.Workers < 1 {
		cfg.Workers = DefaultWorkers
	}
	m := &Monitor{
		cfg:     cfg,
		tracker: client,
		runner:  runner,
		ledger:  l,
		policy:  orchestrator.DefaultReengagePolicy(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Cycle runs one polling cycle. It returns an error only when the cycle
// could not run at all; per-task failures are logged.
//
// Cancelling ctx stops new tasks from being scheduled. Tasks already handed
// to a worker run to completion under their own timeouts so their results
// are still posted and recorded.
func (m *Monitor) Cycle(ctx context.Context) (Stats, error) {
	lock, err := lockfile.Acquire(m.cfg.LockPath)
	if errors.Is(err, lockfile.ErrLocked) {
		m.logger.Info("Previous cycle still in progress, skipping", "lock", m.cfg.LockPath, "error", err)
		m.metrics.IncCycle("skipped")
		return Stats{Locked: true}, nil
	}
	if err != nil {
		m.metrics.IncCycle("error")
		return Stats{}, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			m.logger.Warn("Failed to release lock", "lock", m.cfg.LockPath, "error", err)
		}
	}()

	m.logger.Info("Starting cycle")

	tasks, err := m.tracker.FetchIncompleteTasks(ctx, m.cfg.Projects)
	if err != nil {
		if len(tasks) == 0 {
			m.metrics.IncCycle("error")
			return Stats{}, fmt.Errorf("fetch tasks: %w", err)
		}
		m.logger.Warn("Some projects could not be fetched", "error", err)
	}
	m.logger.Info("Found incomplete tasks", "count", len(tasks))

	var (
		c    counters
		work = context.WithoutCancel(ctx)
		g    errgroup.Group
	)
	g.SetLimit(m.cfg.Workers)

	scheduled := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			m.logger.Info("Shutdown requested, not scheduling remaining tasks", "remaining", len(tasks)-scheduled)
			break
		}
		scheduled++
		g.Go(func() error {
			m.processTask(work, task, &c)
			return nil
		})
	}
	_ = g.Wait()

	stats := Stats{
		Tasks:    scheduled,
		Runs:     int(c.runs.Load()),
		Comments: int(c.comments.Load()),
		Drafts:   int(c.drafts.Load()),
	}

	if m.cfg.LedgerRetention > 0 {
		removed, err := m.ledger.Prune(m.cfg.LedgerRetention)
		if err != nil {
			m.logger.Warn("Failed to prune comment ledger", "error", err)
		}
		stats.Pruned = removed
	}

	m.metrics.IncCycle("ok")
	m.logger.Info("Cycle complete",
		"tasks", stats.Tasks,
		"runs", stats.Runs,
		"comments", stats.Comments,
		"drafts", stats.Drafts,
		"pruned", stats.Pruned)
	return stats, nil
}

// processTask handles one task: a task-triggered run when the task has no
// successful answer and no comment waiting, then each unprocessed comment in
// order.
func (m *Monitor) processTask(ctx context.Context, task tracker.Task, c *counters) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Worker panic", "task_id", task.ID, "panic", r)
			m.metrics.IncItem("task", "error")
		}
	}()

	comments, err := m.tracker.FetchComments(ctx, task.ID)
	if err != nil {
		m.logger.Warn("Failed to fetch comments, skipping task this cycle", "task_id", task.ID, "error", err)
		m.metrics.IncItem("task", "error")
		return
	}

	var pending []tracker.Comment
	waiting := false
	for _, cm := range comments {
		if m.ledger.Processed(task.ID, cm.ID) {
			continue
		}
		pending = append(pending, cm)
		if m.skipReason(cm) == "" {
			waiting = true
		}
	}

	// replies holds what this worker posted, so later comments are judged
	// against a thread that includes the answers they follow.
	var replies []tracker.Comment

	if !waiting && !answered(comments) {
		m.logger.Info("Processing task", "task_id", task.ID, "name", task.Name)
		m.metrics.IncItem("task", "run")
		if reply, ok := m.run(ctx, task, comments, ""); ok {
			replies = append(replies, reply)
		}
		c.runs.Add(1)
	}

	if len(pending) > 0 {
		m.logger.Info("Found new comments", "task_id", task.ID, "count", len(pending))
	}
	for _, cm := range pending {
		c.comments.Add(1)
		if reply, ok := m.processComment(ctx, task, comments, replies, cm, c); ok {
			replies = append(replies, reply)
		}
	}
}

// processComment handles one new comment and returns the comment it posted,
// if any. The comment is marked processed however handling ends, so a comment
// that crashes a run is not retried forever.
func (m *Monitor) processComment(ctx context.Context, task tracker.Task, all, replies []tracker.Comment, cm tracker.Comment, c *counters) (reply tracker.Comment, posted bool) {
	defer func() {
		if err := m.ledger.Mark(task.ID, cm.ID); err != nil {
			m.logger.Warn("Failed to record processed comment", "task_id", task.ID, "comment_id", cm.ID, "error", err)
		}
	}()

	log := m.logger.With("task_id", task.ID, "comment_id", cm.ID)

	if reason := m.skipReason(cm); reason != "" {
		log.Debug("Skipping comment", "reason", reason, "author", cm.Author)
		m.metrics.IncItem("comment", "filtered")
		return reply, false
	}

	history := append(before(all, cm.ID), replies...)

	if orchestrator.HasSuccessfulResponse(history) && orchestrator.WantsDraft(cm.Text) {
		if draft, ok := orchestrator.RecallDraft(history); ok {
			log.Info("Returning email draft from history")
			text := orchestrator.DraftComment(draft)
			if err := m.tracker.AddComment(ctx, task.ID, text); err != nil {
				log.Warn("Failed to post draft", "error", err)
			} else {
				reply, posted = m.reply(task.ID, text), true
			}
			m.metrics.IncItem("comment", "draft")
			c.drafts.Add(1)
			return reply, posted
		}
		log.Info("No email draft in history, re-running")
	}

	ok, reason := m.policy.Decide(history, cm.Text)
	if !ok {
		log.Info("Task already answered and comment asks for nothing new, skipping", "reason", reason)
		m.metrics.IncItem("comment", "skipped")
		return reply, false
	}

	log.Info("Processing comment", "reason", reason, "text", preview(cm.Text))
	m.metrics.IncItem("comment", "run")
	reply, posted = m.run(ctx, task, history, cm.Text)
	c.runs.Add(1)
	return reply, posted
}

// run executes the orchestrator, posts its report and returns the posted
// comment.
func (m *Monitor) run(ctx context.Context, task tracker.Task, history []tracker.Comment, comment string) (reply tracker.Comment, posted bool) {
	report := m.runner.Run(ctx, orchestrator.Input{Task: task, History: history, Comment: comment})
	if report == nil {
		m.logger.Error("Run returned no report", "task_id", task.ID)
		return reply, false
	}

	if report.Comment != "" {
		if err := m.tracker.AddComment(ctx, task.ID, report.Comment); err != nil {
			m.logger.Warn("Failed to post run result", "task_id", task.ID, "run_id", report.RunID, "error", err)
		} else {
			reply, posted = m.reply(task.ID, report.Comment), true
		}
	}

	if m.titles != nil {
		out := retitle.Outcome{Success: report.Success, Error: report.Error, Comment: report.Comment}
		if _, err := m.titles.Apply(ctx, m.tracker, task, out); err != nil {
			m.logger.Warn("Failed to update task title", "task_id", task.ID, "error", err)
		}
	}
	return reply, posted
}

// reply stands in for a comment the agent just posted. The tracker assigns
// the real id; the local copy only feeds history within this cycle.
func (m *Monitor) reply(taskID, text string) tracker.Comment {
	return tracker.Comment{
		TaskID:    taskID,
		Author:    m.cfg.AgentName,
		Text:      text,
		CreatedAt: time.Now(),
	}
}

// skipReason explains why a comment is never processed, or returns "".
func (m *Monitor) skipReason(cm tracker.Comment) string {
	switch {
	case m.cfg.AgentName != "" && strings.EqualFold(cm.Author, m.cfg.AgentName):
		return "agent author"
	case !m.allowed(cm.Author):
		return "author not allowed"
	case orchestrator.IsAgentComment(cm.Text):
		return "agent-generated text"
	case strings.TrimSpace(cm.Text) == "":
		return "empty"
	}
	return ""
}

func (m *Monitor) allowed(author string) bool {
	if len(m.cfg.AllowedAuthors) == 0 {
		return true
	}
	for _, a := range m.cfg.AllowedAuthors {
		if strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(author)) {
			return true
		}
	}
	return false
}

// answered reports whether the latest agent comment is a successful
// response. Human comments after it, already handled or filtered, do not
// reopen the task.
func answered(comments []tracker.Comment) bool {
	for i := len(comments) - 1; i >= 0; i-- {
		if orchestrator.IsAgentComment(comments[i].Text) {
			return orchestrator.HasSuccessfulResponse(comments[:i+1])
		}
	}
	return false
}

// before returns the comments preceding the one with id.
func before(all []tracker.Comment, id string) []tracker.Comment {
	for i, cm := range all {
		if cm.ID == id {
			return all[:i:i]
		}
	}
	return all[:len(all):len(all)]
}

func preview(s string) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) > 50 {
		return string(r[:50]) + "..."
	}
	return string(r)
}
