// Package validate checks LLM output before anything in it is executed.
//
// A response is parsed according to its declared format, fenced code blocks
// are extracted and each block is scanned against a catalogue of risky
// patterns. Any critical finding fails the whole response. Otherwise the
// result carries a confidence score and a sanitized copy of each block with
// high-risk lines commented out and an error-handling envelope added where
// the code had none.
package validate

import (
	"go/parser"
	"go/token"
	"log/slog"
	"regexp"
	"strings"

	"github.com/c360studio/taskpilot/metrics"
)

// Format is the declared shape of a response.
type Format string

const (
	FormatText     Format = "text"
	FormatJSON     Format = "json"
	FormatSections Format = "sections"
)

// Options controls one validation.
type Options struct {
	Format Format

	// RequireSafetyFeatures reports missing error handling, logging and
	// input validation as low-severity issues.
	RequireSafetyFeatures bool
}

// CodeBlock is one fenced block from the response.
type CodeBlock struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Lines    int    `json:"lines"`

	// Sanitized is Code after sanitization; empty for non-executable blocks.
	Sanitized string `json:"sanitized,omitempty"`
}

// Report is the validation outcome for one code block.
type Report struct {
	Language         string   `json:"language"`
	Lines            int      `json:"lines"`
	Issues           []Issue  `json:"issues"`
	Risk             Severity `json:"risk"`
	HasErrorHandling bool     `json:"has_error_handling"`
	HasLogging       bool     `json:"has_logging"`
	HasValidation    bool     `json:"has_validation"`
}

// Result is the outcome of Validate.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	Content  string            `json:"content,omitempty"`
	Data     map[string]any    `json:"data,omitempty"`
	Sections map[string]string `json:"sections,omitempty"`

	Blocks  []CodeBlock `json:"code_blocks,omitempty"`
	Reports []Report    `json:"validation,omitempty"`

	// Critical lists the reports that caused a failure.
	Critical []Report `json:"critical,omitempty"`

	// Sanitized joins the sanitized executable blocks.
	Sanitized  string  `json:"sanitized,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Validator validates responses.
type Validator struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// WithMetrics counts findings by severity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Validator) { v.metrics = m }
}

// New creates a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

var nonExecutable = map[string]bool{"markdown": true, "md": true, "text": true, "plain": true}

// Validate parses raw, scans its code blocks and sanitizes them.
func (v *Validator) Validate(raw string, opts Options) *Result {
	if strings.TrimSpace(raw) == "" {
		return &Result{Error: "Empty response"}
	}

	res := v.parse(raw, opts.Format)
	if !res.Success {
		return res
	}

	res.Blocks = extractBlocks(raw)
	for _, b := range res.Blocks {
		r := checkBlock(b, opts)
		res.Reports = append(res.Reports, r)
		if r.Risk == Critical {
			res.Critical = append(res.Critical, r)
		}
		for _, is := range r.Issues {
			v.metrics.AddFindings(is.Severity.String(), 1)
		}
	}

	if len(res.Critical) > 0 {
		v.logger.Warn("Critical issues in generated code", "blocks", len(res.Critical))
		return &Result{
			Error:    "Critical security issues detected",
			Content:  res.Content,
			Blocks:   res.Blocks,
			Reports:  res.Reports,
			Critical: res.Critical,
		}
	}

	var executable []string
	for i := range res.Blocks {
		if nonExecutable[res.Blocks[i].Language] {
			continue
		}
		res.Blocks[i].Sanitized = sanitize(res.Blocks[i], res.Reports[i])
		executable = append(executable, res.Blocks[i].Sanitized)
	}
	res.Sanitized = strings.Join(executable, "\n\n")
	res.Confidence = confidence(res.Reports)
	return res
}

func (v *Validator) parse(raw string, format Format) *Result {
	switch format {
	case FormatJSON:
		data, err := parseJSON(raw)
		if err != nil {
			return &Result{Error: err.Error()}
		}
		return &Result{Success: true, Content: raw, Data: data}
	case FormatSections:
		if sections := parseSections(raw); len(sections) > 0 {
			return &Result{Success: true, Content: raw, Sections: sections}
		}
	}
	return &Result{Success: true, Content: raw}
}

var headingRe = regexp.MustCompile(`^#+\s+(.+)`)

// parseSections splits a response on markdown headings. Keys are the
// lowercased heading text with runs of whitespace replaced by underscores.
func parseSections(raw string) map[string]string {
	sections := make(map[string]string)
	current := ""
	for _, line := range strings.SplitAfter(raw, "\n") {
		if m := headingRe.FindStringSubmatch(strings.TrimRight(line, "\n")); m != nil {
			current = strings.Join(strings.Fields(strings.ToLower(m[1])), "_")
			sections[current] = ""
			continue
		}
		if current != "" {
			sections[current] += line
		}
	}
	return sections
}

var (
	fenceRe      = regexp.MustCompile("(?s)```(\\w*)\\n(.*?)```")
	bareGoRe     = regexp.MustCompile(`^\s*(?:package|func)\s+`)
	barePythonRe = regexp.MustCompile(`^\s*(?:def|class|import)\s+`)
)

// extractBlocks returns fenced code blocks. A response with no fences that
// starts like source code is treated as a single block.
func extractBlocks(content string) []CodeBlock {
	var blocks []CodeBlock
	for _, m := range fenceRe.FindAllStringSubmatch(content, -1) {
		lang := strings.ToLower(m[1])
		if lang == "" {
			lang = "unknown"
		}
		blocks = append(blocks, CodeBlock{
			Language: lang,
			Code:     strings.TrimSpace(m[2]),
			Lines:    strings.Count(m[2], "\n"),
		})
	}
	if len(blocks) > 0 {
		return blocks
	}

	lang := ""
	switch {
	case bareGoRe.MatchString(content):
		lang = "go"
	case barePythonRe.MatchString(content):
		lang = "python"
	default:
		return nil
	}
	return []CodeBlock{{Language: lang, Code: content, Lines: strings.Count(content, "\n") + 1}}
}

func checkBlock(b CodeBlock, opts Options) Report {
	r := Report{Language: b.Language, Lines: b.Lines, Risk: Safe}
	if nonExecutable[b.Language] {
		return r
	}

	r.Issues, r.Risk = scanRisks(b.Code)

	if b.Language == "go" || b.Language == "golang" {
		if !goParses(b.Code) {
			r.Issues = append(r.Issues, Issue{Kind: KindSyntax, Severity: High, Message: "Invalid Go syntax"})
			r.Risk = max(r.Risk, High)
		}
	}
	for _, is := range scanShape(b.Code) {
		r.Issues = append(r.Issues, is)
		r.Risk = max(r.Risk, is.Severity)
	}

	r.HasErrorHandling = errorHandlingRe.MatchString(b.Code)
	r.HasLogging = loggingRe.MatchString(b.Code)
	r.HasValidation = validationRe.MatchString(b.Code)
	if opts.RequireSafetyFeatures {
		for _, f := range []struct {
			ok   bool
			name string
		}{
			{r.HasErrorHandling, "error handling"},
			{r.HasLogging, "logging"},
			{r.HasValidation, "validation"},
		} {
			if !f.ok {
				r.Issues = append(r.Issues, Issue{Kind: KindMissingFeature, Severity: Low, Message: "Missing " + f.name})
			}
		}
	}
	return r
}

// goParses accepts a whole file, top-level declarations or a statement list.
func goParses(code string) bool {
	candidates := []string{
		code,
		"package main\n" + code,
		"package main\nfunc _() {\n" + code + "\n}",
	}
	for _, src := range candidates {
		if _, err := parser.ParseFile(token.NewFileSet(), "", src, parser.AllErrors); err == nil {
			return true
		}
	}
	return false
}

// confidence starts at 1.0 and subtracts 0.3 per critical, 0.15 per high and
// 0.05 per other issue, adding 0.05 for each block with both error handling
// and logging.
func confidence(reports []Report) float64 {
	c := 1.0
	for _, r := range reports {
		for _, is := range r.Issues {
			switch is.Severity {
			case Critical:
				c -= 0.3
			case High:
				c -= 0.15
			default:
				c -= 0.05
			}
		}
		if r.HasErrorHandling && r.HasLogging {
			c += 0.05
		}
	}
	return min(max(c, 0), 1)
}
