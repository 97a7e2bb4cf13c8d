// Package sandbox executes sanitized code blocks from validated model
// responses. Each block is written to a temporary file and run by its
// language's interpreter in a fresh process group under a timeout.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/c360studio/taskpilot/procgroup"
	"github.com/c360studio/taskpilot/validate"
)

// ErrUnsupportedLanguage is returned for blocks with no configured interpreter.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Config controls execution.
type Config struct {
	Timeout   time.Duration `yaml:"timeout"`
	MaxOutput int           `yaml:"max_output"`

	// Interpreters maps a block language to the command that runs a script
	// file. The file path is appended as the last argument.
	Interpreters map[string][]string `yaml:"interpreters"`
}

// DefaultConfig runs shell, Python and Ruby blocks for at most 30 seconds.
func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		MaxOutput: 64 << 10,
		Interpreters: map[string][]string{
			"sh":     {"sh"},
			"shell":  {"sh"},
			"bash":   {"bash"},
			"python": {"python3"},
			"py":     {"python3"},
			"ruby":   {"ruby"},
			"rb":     {"ruby"},
		},
	}
}

// Result is the outcome of one block.
type Result struct {
	Language string        `json:"language"`
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Sandbox runs code blocks.
type Sandbox struct {
	cfg          Config
	interpreters map[string][]string
	logger       *slog.Logger
}

// New resolves the configured interpreters. Languages whose interpreter is
// not installed are dropped.
func New(cfg Config, logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	resolved := make(map[string][]string)
	for lang, argv := range cfg.Interpreters {
		if len(argv) == 0 {
			continue
		}
		path, err := exec.LookPath(argv[0])
		if err != nil {
			logger.Debug("Interpreter not found", "language", lang, "command", argv[0])
			continue
		}
		resolved[lang] = append([]string{path}, argv[1:]...)
	}
	return &Sandbox{cfg: cfg, interpreters: resolved, logger: logger}
}

// Supports reports whether blocks in lang can be executed.
func (s *Sandbox) Supports(lang string) bool {
	_, ok := s.interpreters[strings.ToLower(lang)]
	return ok
}

// Run executes the block's sanitized code, falling back to its raw code.
func (s *Sandbox) Run(ctx context.Context, b validate.CodeBlock) Result {
	started := time.Now()
	res := Result{Language: b.Language}
	defer func() { res.Duration = time.Since(started) }()

	argv, ok := s.interpreters[strings.ToLower(b.Language)]
	if !ok {
		res.Error = fmt.Errorf("%s: %w", b.Language, ErrUnsupportedLanguage).Error()
		return res
	}

	code := b.Sanitized
	if code == "" {
		code = b.Code
	}

	f, err := os.CreateTemp("", "taskpilot-exec-*")
	if err != nil {
		res.Error = fmt.Sprintf("create script: %v", err)
		return res
	}
	script := f.Name()
	defer os.Remove(script)
	if _, err := f.WriteString(code); err != nil {
		f.Close()
		res.Error = fmt.Sprintf("write script: %v", err)
		return res
	}
	f.Close()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	s.logger.Info("Executing generated code", "language", b.Language, "lines", b.Lines)
	out, err := procgroup.Run(runCtx, procgroup.Command{
		Path:      argv[0],
		Args:      append(argv[1:len(argv):len(argv)], script),
		MaxOutput: s.cfg.MaxOutput,
	})
	if err != nil {
		if out != nil && out.Killed {
			res.Output = combined(out)
			res.Error = fmt.Sprintf("Execution timed out after %s", s.cfg.Timeout)
			return res
		}
		res.Error = err.Error()
		return res
	}

	res.Output = combined(out)
	if out.ExitCode != 0 {
		res.Error = fmt.Sprintf("Execution failed with exit code %d: %s", out.ExitCode, strings.TrimSpace(res.Output))
		return res
	}
	res.Success = true
	return res
}

func combined(r *procgroup.Result) string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}
