package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360studio/taskpilot/prompt"
	"github.com/c360studio/taskpilot/sandbox"
	"github.com/c360studio/taskpilot/validate"
)

// Robust-loop turn actions.
const (
	ActionCodeExecution   = "code-execution"
	ActionValidationError = "validation-error"
	ActionThought         = "thought"
)

// TurnRecord is one turn of the robust loop.
type TurnRecord struct {
	Number  int    `json:"number"`
	Action  string `json:"action"`
	Backend string `json:"backend,omitempty"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`

	Executions []sandbox.Result `json:"executions,omitempty"`
}

// summary is what the next turn's prompt echoes about this one.
func (t TurnRecord) summary() string {
	switch t.Action {
	case ActionValidationError:
		return "❌ Validation Error: " + t.Error
	case ActionCodeExecution:
		lines := make([]string, 0, len(t.Executions))
		for _, e := range t.Executions {
			if e.Success {
				lines = append(lines, "✅ Success: "+strings.TrimSpace(e.Output))
			} else {
				lines = append(lines, "❌ Error: "+e.Error)
			}
		}
		return strings.Join(lines, "\n")
	default:
		return "Thought: " + truncateRunes(strings.TrimSpace(t.Output), maxSummaryLine) + "..."
	}
}

var robustOptions = validate.Options{
	Format:                validate.FormatSections,
	RequireSafetyFeatures: true,
}

// robust runs base as a bounded multi-turn loop. Each response is validated;
// rejected responses are fed back as validation errors. Validated code is
// executed when a runner is configured. A response carrying a final marker
// ends the loop.
func (o *Orchestrator) robust(ctx context.Context, base string, rec *StepRecord) {
	maxTurns := o.cfg.MaxTurns
	var history []prompt.Turn

	for n := 1; n <= maxTurns; n++ {
		if err := ctx.Err(); err != nil {
			rec.Success = false
			rec.Error = fmt.Sprintf("stopped after %d turns: %v", n-1, err)
			rec.ErrorClass = "canceled"
			return
		}

		o.logger.Info("Robust turn", "step", rec.Step, "turn", n, "max_turns", maxTurns)
		res := o.caller.Call(ctx, prompt.BuildTurn(base, n, maxTurns, history), o.cfg.Complexity)
		apply(rec, res)
		turn := TurnRecord{Number: n, Backend: res.Backend, Output: res.Output}

		raw := res.Output
		if !res.Success {
			raw = ""
		}
		v := o.validator.Validate(raw, robustOptions)
		if !v.Success {
			turn.Action = ActionValidationError
			turn.Error = v.Error
			if !res.Success {
				turn.Error = res.Error
			}
			o.logger.Warn("Robust turn rejected", "step", rec.Step, "turn", n, "error", turn.Error)
			rec.Turns = append(rec.Turns, turn)
			history = append(history, prompt.Turn{Number: n, Action: turn.Action, Summary: turn.summary()})
			continue
		}

		if prompt.IsFinal(res.Output) {
			turn.Action = ActionThought
			rec.Turns = append(rec.Turns, turn)
			rec.Success = true
			rec.Error = ""
			rec.ErrorClass = ""
			rec.Output = prompt.FinalAnswer(res.Output)
			rec.Confidence = v.Confidence
			return
		}

		if executions := o.executeBlocks(ctx, v.Blocks); len(executions) > 0 {
			turn.Action = ActionCodeExecution
			turn.Executions = executions
		} else {
			turn.Action = ActionThought
		}
		rec.Turns = append(rec.Turns, turn)
		history = append(history, prompt.Turn{Number: n, Action: turn.Action, Summary: turn.summary()})
	}

	rec.Success = false
	rec.Output = ""
	rec.Error = fmt.Sprintf("exceeded maximum turns (%d)", maxTurns)
	rec.ErrorClass = "max_turns"
}

// executeBlocks runs the sanitized executable blocks the runner supports.
func (o *Orchestrator) executeBlocks(ctx context.Context, blocks []validate.CodeBlock) []sandbox.Result {
	if o.runner == nil {
		return nil
	}
	var results []sandbox.Result
	for _, b := range blocks {
		if b.Sanitized == "" || !o.runner.Supports(b.Language) {
			continue
		}
		r := o.runner.Run(ctx, b)
		if !r.Success {
			o.logger.Warn("Generated code failed", "language", b.Language, "error", r.Error)
		}
		results = append(results, r)
	}
	return results
}
