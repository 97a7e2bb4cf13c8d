package orchestrator

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Comment headers the agent writes. Re-engagement and draft recall match on
// them, so they stay stable.
const (
	responseSuffix   = "Response:"
	multiStepHeader  = "🤖 Multi-Step Execution:"
	stepRule         = "━━━"
	draftRecallTitle = "📧 Email Draft from previous execution:"
)

// maxStepOutput is how much of a non-email step output the final report
// keeps.
const maxStepOutput = 5000

// maxSummaryLine caps the step summary in a progress note.
const maxSummaryLine = 100

var (
	emailHeaderRe   = regexp.MustCompile(`(?im)\b(subject|to|from|cc|bcc):`)
	emailGreetingRe = regexp.MustCompile(`(?i)\b(dear|hi|hello)\s+\w`)
	emailSignoffRe  = regexp.MustCompile(`(?i)\b(sincerely|best regards|thanks)\b`)
	emailWordRe     = regexp.MustCompile(`(?i)\b(email|draft|send|reply)\b`)
	draftWordRe     = regexp.MustCompile(`(?i)\b(draft|email)\b`)
)

// LooksLikeEmail reports whether text reads like an email draft: it has
// header fields, a greeting or sign-off, mentions email work, or contains an
// address.
func LooksLikeEmail(text string) bool {
	return emailHeaderRe.MatchString(text) ||
		emailGreetingRe.MatchString(text) ||
		emailSignoffRe.MatchString(text) ||
		emailWordRe.MatchString(text) ||
		strings.Contains(text, "@")
}

var (
	fencedRe     = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\n(.*?)\\n```")
	inlineCodeRe = regexp.MustCompile("`([^`]+)`")
	boldRe       = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italicRe     = regexp.MustCompile(`\*([^*]+)\*`)
	headerRe     = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	imageRe      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
)

// StripMarkdown removes markdown formatting the tracker renders as literal
// characters. Code fences keep their contents; links keep text and target.
func StripMarkdown(text string) string {
	out := fencedRe.ReplaceAllString(text, "$1")
	out = inlineCodeRe.ReplaceAllString(out, "$1")
	out = boldRe.ReplaceAllString(out, "$1")
	out = italicRe.ReplaceAllString(out, "$1")
	out = headerRe.ReplaceAllString(out, "$1")
	out = imageRe.ReplaceAllString(out, "$1")
	out = linkRe.ReplaceAllString(out, "$1 ($2)")
	return htmlTagRe.ReplaceAllString(out, "")
}

// SummaryLine returns the first non-blank line of output, capped at 100
// characters.
func SummaryLine(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return truncateRunes(line, maxSummaryLine)
		}
	}
	return ""
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// RenderSteps builds the final report of a decomposed run. Email-like
// outputs are echoed in full; other long outputs are truncated.
func RenderSteps(records []StepRecord, total int) string {
	succeeded := 0
	for _, r := range records {
		if r.Success {
			succeeded++
		}
	}

	var sb strings.Builder
	sb.WriteString(multiStepHeader + "\n\n")
	fmt.Fprintf(&sb, "Completed %d/%d steps successfully.\n\n", succeeded, total)
	switch {
	case succeeded == total:
		sb.WriteString("✅ All steps completed!\n\n")
	case succeeded > 0:
		sb.WriteString("⚠️ Partial completion.\n\n")
	default:
		sb.WriteString("❌ No steps completed successfully.\n\n")
	}

	for _, r := range records {
		if !r.Success {
			fmt.Fprintf(&sb, "%s Step %d Failed %s\nError: %s\n\n", stepRule, r.Step, stepRule, r.Error)
			continue
		}
		output := strings.TrimSpace(r.Output)
		email := LooksLikeEmail(output)
		if !email {
			if n := len([]rune(output)); n > maxStepOutput {
				output = truncateRunes(output, maxStepOutput) + fmt.Sprintf("\n\n...(truncated, %d chars total)", n)
			}
		}
		if email && draftWordRe.MatchString(output) {
			fmt.Fprintf(&sb, "%s Step %d: Email Draft %s\n%s\n\n", stepRule, r.Step, stepRule, output)
		} else {
			fmt.Fprintf(&sb, "%s Step %d Result %s\n%s\n\n", stepRule, r.Step, stepRule, output)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// successComment renders a single-step success.
func successComment(r StepRecord, robust bool) string {
	if robust {
		return robustComment(r)
	}
	return fmt.Sprintf("🤖 %s %s\n\n%s", displayName(r.Backend), responseSuffix, StripMarkdown(strings.TrimSpace(r.Output)))
}

// failureComment renders a failure with enough context to diagnose it
// without server access.
func failureComment(r StepRecord, showStep bool) string {
	var sb strings.Builder
	sb.WriteString("❌ AI error: ")
	sb.WriteString(r.Error)
	if ctx := failureContext(r, showStep); ctx != "" {
		sb.WriteString("\n\n")
		sb.WriteString(ctx)
	}
	if len(r.Turns) > 0 {
		sb.WriteString("\n\nPartial progress:\n")
		sb.WriteString(turnSummary(r.Turns))
	}
	return sb.String()
}

func failureContext(r StepRecord, showStep bool) string {
	var parts []string
	if showStep {
		parts = append(parts, fmt.Sprintf("step %d", r.Step))
	}
	if len(r.AttemptedBackends) > 0 {
		parts = append(parts, "backends: "+strings.Join(r.AttemptedBackends, ", "))
	}
	if r.ErrorClass != "" {
		parts = append(parts, "error class: "+r.ErrorClass)
	}
	if len(parts) == 0 {
		return ""
	}
	return "(" + strings.Join(parts, "; ") + ")"
}

func robustComment(r StepRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🤖 %s %s (%d%% confidence)\n\n", displayName(r.Backend), strings.TrimSuffix(responseSuffix, ":"),
		int(math.Round(r.Confidence*100)))
	sb.WriteString(strings.TrimSpace(r.Output))

	if n := len(r.Turns); n > 0 {
		last := r.Turns[n-1]
		if last.Action == ActionCodeExecution && len(last.Executions) > 0 {
			sb.WriteString("\n\n📊 Execution Results:")
			for _, e := range last.Executions {
				if e.Success {
					sb.WriteString("\n✅ Code executed successfully")
					if out := strings.TrimSpace(e.Output); out != "" {
						sb.WriteString("\nOutput: " + out)
					}
				} else {
					sb.WriteString("\n❌ Execution failed: " + e.Error)
				}
			}
		}
		if n > 1 {
			sb.WriteString("\n\n🔄 Execution Steps:\n")
			sb.WriteString(turnSummary(r.Turns))
		}
	}
	return sb.String()
}

func turnSummary(turns []TurnRecord) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		if t.Action == ActionCodeExecution {
			for _, e := range t.Executions {
				if e.Success {
					lines = append(lines, fmt.Sprintf("Turn %d: ✅ Code executed", t.Number))
				} else {
					lines = append(lines, fmt.Sprintf("Turn %d: ❌ %s", t.Number, e.Error))
				}
			}
			continue
		}
		lines = append(lines, fmt.Sprintf("Turn %d: %s", t.Number, t.Action))
	}
	return strings.Join(lines, "\n")
}

// displayName is the backend label shown in comments.
func displayName(backend string) string {
	if backend == "" {
		return "AI"
	}
	return backend
}
