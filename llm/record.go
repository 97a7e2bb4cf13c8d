package llm

import (
	"context"
	"time"

	"github.com/c360studio/taskpilot/model"
)

// CallRecord describes one backend invocation made by the gateway.
type CallRecord struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`

	// RunID, TaskID and Step come from the RunContext on the call's context.
	RunID  string `json:"run_id,omitempty"`
	TaskID string `json:"task_id,omitempty"`
	Step   int    `json:"step,omitempty"`

	Backend    string           `json:"backend"`
	Model      string           `json:"model"`
	Complexity model.Complexity `json:"complexity"`
	Attempt    int              `json:"attempt"`

	// Outcome is "success" or the ErrorClass of the failure.
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`

	Usage     TokenUsage    `json:"usage"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// CallRecorder receives call records. Implementations must not block the
// caller for long and handle their own failures.
type CallRecorder interface {
	RecordCall(ctx context.Context, rec *CallRecord)
}

// RunContext ties gateway calls to the orchestrator run that made them.
type RunContext struct {
	RunID  string
	TaskID string
	Step   int
}

type runContextKey struct{}

// WithRunContext attaches rc to ctx.
func WithRunContext(ctx context.Context, rc RunContext) context.Context {
	return context.WithValue(ctx, runContextKey{}, rc)
}

// RunContextFrom returns the RunContext attached to ctx, if any.
func RunContextFrom(ctx context.Context) (RunContext, bool) {
	rc, ok := ctx.Value(runContextKey{}).(RunContext)
	return rc, ok
}
