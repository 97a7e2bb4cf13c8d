package prompt

import (
	"fmt"
	"strings"
)

// Markers a model emits to end a multi-turn run.
const (
	FinalAnswerMarker = "FINAL_ANSWER"
	NoMoreStepsMarker = "NO_MORE_STEPS"
)

// Turn summarizes one completed turn of a multi-turn run.
type Turn struct {
	Number  int
	Action  string
	Summary string
}

// maxTurnSummary caps how much of a prior turn is echoed back.
const maxTurnSummary = 500

// BuildTurn frames a base prompt for turn n of at most maxTurns, echoing
// what earlier turns did.
func BuildTurn(base string, n, maxTurns int, history []Turn) string {
	var sb strings.Builder
	sb.WriteString(base)

	if len(history) > 0 {
		sb.WriteString("\n\n## Previous Turns")
		for _, t := range history {
			summary := t.Summary
			if r := []rune(summary); len(r) > maxTurnSummary {
				summary = string(r[:maxTurnSummary]) + "..."
			}
			fmt.Fprintf(&sb, "\n\nTurn %d (%s):\n%s", t.Number, t.Action, summary)
		}
	}

	fmt.Fprintf(&sb, `

## Turn %d of %d

Respond in sections headed with "# ". Put any code to run in fenced blocks with a language tag.
Every code block must handle errors and log what it does.
When the task is complete, include %s followed by the answer for the user.
If nothing else can be done, include %s and explain why.`, n, maxTurns, FinalAnswerMarker, NoMoreStepsMarker)

	return sb.String()
}

// IsFinal reports whether a model response ends a multi-turn run.
func IsFinal(output string) bool {
	return strings.Contains(output, FinalAnswerMarker) || strings.Contains(output, NoMoreStepsMarker)
}

// FinalAnswer returns the text after the final-answer marker, or the whole
// output when the marker is absent.
func FinalAnswer(output string) string {
	if _, after, ok := strings.Cut(output, FinalAnswerMarker); ok {
		return strings.TrimSpace(strings.TrimLeft(after, ": \n"))
	}
	return strings.TrimSpace(output)
}
