// Package retitle regenerates a task's title after a run so the task list
// reads as a log of what was done.
package retitle

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/c360studio/taskpilot/llm"
	"github.com/c360studio/taskpilot/model"
	"github.com/c360studio/taskpilot/tracker"
)

// MaxLength caps generated titles, in runes.
const MaxLength = 120

// descriptiveLength is the length at which an existing, non-generic title is
// kept after a successful run.
const descriptiveLength = 50

// Caller generates the optional AI title.
type Caller interface {
	Call(ctx context.Context, prompt string, complexity model.Complexity) *llm.Result
}

// Outcome is the part of a run the title is derived from.
type Outcome struct {
	Success bool
	Error   string

	// Comment is the text posted back to the task.
	Comment string
}

// Generator derives titles. The zero value is not usable; call New.
type Generator struct {
	caller Caller
	logger *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithCaller enables AI titles through the simple tier.
func WithCaller(c Caller) Option {
	return func(g *Generator) { g.caller = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

// New creates a Generator.
func New(opts ...Option) *Generator {
	g := &Generator{logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Apply derives a title and writes it back when it differs from the current
// one. It returns the title written, or "" when nothing changed.
func (g *Generator) Apply(ctx context.Context, client tracker.Client, task tracker.Task, out Outcome) (string, error) {
	title := g.Title(ctx, task, out)
	if title == "" || title == task.Name || utf8.RuneCountInString(title) <= 5 {
		g.logger.Debug("Skipping title update", "task_id", task.ID, "generated", title != "")
		return "", nil
	}

	g.logger.Info("Updating task title", "task_id", task.ID, "from", task.Name, "to", title)
	if err := client.UpdateTitle(ctx, task.ID, title); err != nil {
		return "", fmt.Errorf("update title: %w", err)
	}
	return title, nil
}

// Title derives a new title for task, or "" when the current one should stay.
// Failed runs always get a new title.
func (g *Generator) Title(ctx context.Context, task tracker.Task, out Outcome) string {
	current := strings.TrimSpace(task.Name)
	if out.Success && !IsGeneric(current) && utf8.RuneCountInString(current) >= descriptiveLength {
		return ""
	}

	notes := strings.TrimSpace(task.Notes)

	if t := fromWorkflow(notes, out.Comment); utf8.RuneCountInString(t) >= 10 {
		t = Clean(t)
		if !out.Success {
			t = "❌ " + t
		}
		return truncate(t, MaxLength)
	}

	if !out.Success {
		return truncate(failureTitle(current, notes, out), MaxLength)
	}

	if ai := g.aiTitle(ctx, task, out); utf8.RuneCountInString(ai) > 10 {
		return truncate(Clean(ai), MaxLength)
	}

	var t string
	switch first, summary := firstLine(notes), resultSummary(out.Comment); {
	case utf8.RuneCountInString(first) > 10:
		t = truncate(first, 80)
	case utf8.RuneCountInString(summary) > 10:
		t = truncate(summary, 80)
	default:
		t = firstPhrase(notes) + " - Processed"
	}
	return truncate(Clean(t), MaxLength)
}

func failureTitle(current, notes string, out Outcome) string {
	hint := contextFromNotes(notes)
	descriptive := utf8.RuneCountInString(current) > 15 && !IsGeneric(current)

	if strings.Contains(strings.ToLower(out.Error), "timeout") {
		switch {
		case partialProgress(out.Comment) != "":
			return "⏱️ Timeout (" + partialProgress(out.Comment) + ")"
		case utf8.RuneCountInString(hint) >= 10:
			return "⏱️ Timeout : " + Clean(hint)
		case descriptive:
			return "⏱️ Timeout : " + Clean(current)
		default:
			return "⏱️ Workflow timeout : " + Clean(firstPhrase(notes))
		}
	}

	switch {
	case utf8.RuneCountInString(hint) >= 10:
		return "❌ " + Clean(hint)
	case descriptive:
		return "❌ Failed : " + Clean(current)
	default:
		return "❌ Failed : " + Clean(firstPhrase(notes))
	}
}

const aiTitlePrompt = `Generate a concise, descriptive title (max 10 words) for this task based on its context and processing result.

Task Name: %s
Task Notes: %s...
Processing Result: %s
Result Summary: %s...

The title should:
1. Start with a Category (e.g., "Research:", "Email:", "Summary:", "Analysis:")
2. Be specific (include domain, company name, or subject)
3. Be professional and clear
4. NOT use markdown or emojis
5. If failed, start with "Failed:"

Output ONLY the title.`

func (g *Generator) aiTitle(ctx context.Context, task tracker.Task, out Outcome) string {
	if g.caller == nil {
		return ""
	}
	status := "Success"
	if !out.Success {
		status = "Failure"
	}
	prompt := fmt.Sprintf(aiTitlePrompt, task.Name, truncate(task.Notes, 500), status, truncate(out.Comment, 500))

	r := g.caller.Call(ctx, prompt, model.Simple)
	if r == nil || !r.Success {
		errMsg := "no result"
		if r != nil {
			errMsg = r.Error
		}
		g.logger.Warn("AI title generation failed", "task_id", task.ID, "error", errMsg)
		return ""
	}
	return strings.TrimSpace(r.Output)
}

var genericTitles = []string{
	"task", "todo", "new task", "untitled", "research", "draft", "email", "write", "create", "update",
}

// IsGeneric reports whether title is a placeholder worth replacing.
func IsGeneric(title string) bool {
	t := strings.ToLower(strings.TrimSpace(title))
	for _, g := range genericTitles {
		if t == g {
			return true
		}
	}
	return false
}

var (
	urlRe        = regexp.MustCompile(`https?://\S+`)
	fenceRe      = regexp.MustCompile("(?s)```[a-z]*\\n(.*?)\\n```")
	inlineCodeRe = regexp.MustCompile("`([^`]+)`")
	boldRe       = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italicRe     = regexp.MustCompile(`\*([^*]+)\*`)
	headerRe     = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	statusRe     = regexp.MustCompile("[🤖✅❌⚠🔄📧⏱️]")
	spaceRe      = regexp.MustCompile(`\s+`)
)

// Clean strips URLs, markdown and status emoji from a title and collapses
// whitespace.
func Clean(title string) string {
	s := urlRe.ReplaceAllString(title, "")
	s = fenceRe.ReplaceAllString(s, "$1")
	s = inlineCodeRe.ReplaceAllString(s, "$1")
	s = boldRe.ReplaceAllString(s, "$1")
	s = italicRe.ReplaceAllString(s, "$1")
	s = headerRe.ReplaceAllString(s, "")
	s = statusRe.ReplaceAllString(s, "")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

var (
	progressRe = regexp.MustCompile(`Completed (\d+)/(\d+) steps`)
	stepDoneRe = regexp.MustCompile(`✅ Step (\d+)`)
)

// partialProgress describes how far a timed-out run got.
func partialProgress(comment string) string {
	if m := progressRe.FindStringSubmatch(comment); m != nil && m[1] != "0" {
		return m[1] + "/" + m[2] + " steps"
	}
	if all := stepDoneRe.FindAllStringSubmatch(comment, -1); len(all) > 0 {
		return "through step " + all[len(all)-1][1]
	}
	return ""
}

var sentenceEndRe = regexp.MustCompile(`[.!?]`)

// firstPhrase is the first sentence of the first non-blank line, URLs removed.
func firstPhrase(text string) string {
	line := firstLine(urlRe.ReplaceAllString(text, ""))
	if line == "" {
		return "Task"
	}
	phrase := strings.TrimSpace(sentenceEndRe.Split(line, 2)[0])
	if phrase == "" {
		phrase = line
	}
	return truncate(phrase, 60)
}

func firstLine(text string) string {
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			return l
		}
	}
	return ""
}

// resultSummary is the first line of a run comment that is not a status or
// section header.
func resultSummary(comment string) string {
	for _, l := range strings.Split(comment, "\n") {
		l = strings.TrimSpace(l)
		if l == "" || strings.Contains(l, "Response:") || strings.Contains(l, "━━━") {
			continue
		}
		if r, _ := utf8.DecodeRuneInString(l); strings.ContainsRune("🤖✅❌⚠🔄📧", r) {
			continue
		}
		return truncate(l, 100)
	}
	return ""
}

// capitalize upper-cases the first letter and lower-cases the rest.
func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return s
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}

// nameFromAddress turns "jane.doe@x.com" into "Jane Doe".
func nameFromAddress(addr string) string {
	local, _, _ := strings.Cut(addr, "@")
	words := strings.Fields(strings.NewReplacer(".", " ", "_", " ").Replace(local))
	for i, w := range words {
		words[i] = capitalize(w)
	}
	return strings.Join(words, " ")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
