// Package prompt assembles the text sent to an LLM for a task: task context,
// summarized conversation history, the latest request and category-specific
// tool instructions.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/taskpilot/decompose"
	"github.com/c360studio/taskpilot/intent"
	"github.com/c360studio/taskpilot/tracker"
)

// ErrEmptyPrompt is returned when assembly produces no content.
var ErrEmptyPrompt = errors.New("prompt is empty")

// historyTimeLayout formats comment timestamps in the history block.
const historyTimeLayout = "Jan 02, 03:04 PM"

// Request is the input to a single prompt build.
type Request struct {
	Category intent.Category
	Task     tracker.Task
	History  []tracker.Comment

	// Latest is the text of the triggering comment. Empty when the run was
	// not triggered by a comment.
	Latest string
}

// Excerpt is linked page content appended to the task context.
type Excerpt struct {
	URL      string
	Title    string
	Markdown string
}

// LinkResolver fetches readable excerpts for links mentioned in text.
type LinkResolver interface {
	Excerpts(ctx context.Context, text string) []Excerpt
}

// Builder assembles prompts. It is safe for concurrent use.
type Builder struct {
	toolsDir  string
	templates map[intent.Category]Template
	links     LinkResolver
	logger    *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithToolsDir sets the directory referenced by tool instructions.
func WithToolsDir(dir string) Option {
	return func(b *Builder) {
		b.toolsDir = dir
	}
}

// WithLinkResolver enables linked-content excerpts in the task context.
func WithLinkResolver(r LinkResolver) Option {
	return func(b *Builder) {
		b.links = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

// NewBuilder creates a Builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		toolsDir: DefaultToolsDir,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.templates = newTemplates(b.toolsDir)
	return b
}

// Build assembles the prompt for a request. Sections appear in a fixed
// order: task context, conversation history, latest request, instructions.
func (b *Builder) Build(ctx context.Context, req Request) (string, error) {
	tmpl, ok := b.templates[req.Category]
	if !ok {
		tmpl = b.templates[intent.General]
	}

	var sb strings.Builder
	sb.WriteString(b.taskContext(ctx, req))
	sb.WriteString(historyBlock(Summarize(req.History)))

	if latest := strings.TrimSpace(req.Latest); latest != "" {
		sb.WriteString("\n\nLatest Request: ")
		sb.WriteString(latest)
	}

	if instructions := tmpl.Instructions(); instructions != "" {
		sb.WriteString("\n\n")
		sb.WriteString(instructions)
	}

	prompt := strings.TrimSpace(strings.ToValidUTF8(sb.String(), ""))
	if prompt == "" {
		return "", fmt.Errorf("%w: task %q (has_name=%t, has_notes=%t, comments=%d, latest=%q)",
			ErrEmptyPrompt, req.Task.ID,
			strings.TrimSpace(req.Task.Name) != "",
			strings.TrimSpace(req.Task.Notes) != "",
			len(req.History), req.Latest)
	}
	return prompt, nil
}

func (b *Builder) taskContext(ctx context.Context, req Request) string {
	var sb strings.Builder
	if name := strings.TrimSpace(req.Task.Name); name != "" {
		sb.WriteString("Task: ")
		sb.WriteString(name)
	}
	if notes := strings.TrimSpace(req.Task.Notes); notes != "" {
		sb.WriteString("\n\nNotes: ")
		sb.WriteString(notes)
	}

	if b.links != nil {
		excerpts := b.links.Excerpts(ctx, req.Task.Notes+"\n"+req.Latest)
		if len(excerpts) > 0 {
			b.logger.Debug("Adding linked content", "task_id", req.Task.ID, "links", len(excerpts))
			sb.WriteString("\n\n--- Linked Content ---")
			for _, ex := range excerpts {
				title := ex.Title
				if title == "" {
					title = ex.URL
				}
				fmt.Fprintf(&sb, "\n\n### %s\nSource: %s\n\n%s", title, ex.URL, ex.Markdown)
			}
			sb.WriteString("\n\n--- End Linked Content ---")
		}
	}
	return sb.String()
}

func historyBlock(comments []tracker.Comment) string {
	if len(comments) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("\n\n--- Conversation History ---")
	for _, c := range comments {
		fmt.Fprintf(&sb, "\n\n[%s - %s]:\n%s", c.Author, c.CreatedAt.Format(historyTimeLayout), strings.TrimSpace(c.Text))
	}
	sb.WriteString("\n\n--- End Conversation History ---")
	return sb.String()
}

// BuildStep assembles the prompt for one decomposed step. The instruction
// block is chosen from keywords in the step description.
func (b *Builder) BuildStep(task tracker.Task, step decompose.Step) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task Context: %s", strings.TrimSpace(task.Name))
	if notes := strings.TrimSpace(task.Notes); notes != "" {
		fmt.Fprintf(&sb, "\n\nOverall Goal: %s", notes)
	}
	fmt.Fprintf(&sb, "\n\nCurrent Step (%d): %s", step.Number, step.Description)
	fmt.Fprintf(&sb, "\n\nSuccess Criteria: %s", step.SuccessCriteria)

	if instructions := b.stepInstructions(step.Description); instructions != "" {
		sb.WriteString("\n\n")
		sb.WriteString(instructions)
	}
	return strings.ToValidUTF8(sb.String(), "")
}

func (b *Builder) stepInstructions(description string) string {
	lower := strings.ToLower(description)
	switch {
	case strings.Contains(lower, "market map"):
		return MarketMapInstructions(b.toolsDir)
	case strings.Contains(lower, "research"), strings.Contains(lower, "attio"):
		return CompanyInstructions(b.toolsDir)
	case strings.Contains(lower, "email"):
		return EmailInstructions(b.toolsDir)
	default:
		return ""
	}
}
