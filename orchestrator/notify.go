package orchestrator

import (
	"context"
	"log/slog"

	"github.com/c360studio/taskpilot/tracker"
)

// Notifier receives progress notes while a run executes. Notify is fire and
// forget: implementations log their own failures and never block the run
// for long.
type Notifier interface {
	Notify(ctx context.Context, taskID, text string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, taskID, text string)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, taskID, text string) {
	f(ctx, taskID, text)
}

// MultiNotifier fans a note out to every notifier in order.
type MultiNotifier []Notifier

// Notify forwards the note to each non-nil notifier.
func (m MultiNotifier) Notify(ctx context.Context, taskID, text string) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, taskID, text)
		}
	}
}

// MultiReporter hands a finished report to every reporter in order.
type MultiReporter []RunReporter

// ReportRun forwards r to each non-nil reporter.
func (m MultiReporter) ReportRun(ctx context.Context, r *Report) {
	for _, rep := range m {
		if rep != nil {
			rep.ReportRun(ctx, r)
		}
	}
}

// TrackerNotifier posts progress notes as task comments.
type TrackerNotifier struct {
	client tracker.Client
	logger *slog.Logger
}

// NewTrackerNotifier creates a notifier that comments through client.
func NewTrackerNotifier(client tracker.Client, logger *slog.Logger) *TrackerNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrackerNotifier{client: client, logger: logger}
}

// Notify posts text as a comment. Failures are logged.
func (n *TrackerNotifier) Notify(ctx context.Context, taskID, text string) {
	n.logger.Info("Progress", "task_id", taskID, "note", text)
	if err := n.client.AddComment(ctx, taskID, text); err != nil {
		n.logger.Warn("Failed to post progress comment", "task_id", taskID, "error", err)
	}
}
