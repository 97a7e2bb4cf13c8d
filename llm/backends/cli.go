package backends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/taskpilot/llm"
	"github.com/c360studio/taskpilot/model"
	"github.com/c360studio/taskpilot/procgroup"
)

// ErrBinaryNotFound is returned when a CLI backend's executable cannot be
// located on PATH or in its search paths.
var ErrBinaryNotFound = errors.New("binary not found")

// modelPlaceholder in Args is replaced by the invocation's model.
const modelPlaceholder = "{{model}}"

var defaultCLIArgs = map[string][]string{
	model.KindClaudeCLI: {"-p", "--model", modelPlaceholder, "--dangerously-skip-permissions"},
	model.KindGeminiCLI: {"--approval-mode", "yolo", "--model", modelPlaceholder},
}

// stderr lines the CLIs print on every run that carry no information.
var noiseMarkers = []string{
	"[WARN] Skipping unreadable directory",
	"EPERM: operation not permitted",
	"EBADF: bad file descriptor",
	"YOLO mode is enabled",
}

var rateLimitMarkers = []string{
	"rate_limit",
	"rate limit",
	"quota",
	"429",
	"RESOURCE_EXHAUSTED",
}

// CLI invokes an LLM through its command-line client. The prompt is written
// to stdin and stdout is the answer. The child runs in its own process group
// so cancellation kills anything it spawned.
type CLI struct {
	label    string
	path     string
	args     []string
	unsetEnv []string
	logger   *slog.Logger
}

// NewCLI resolves the endpoint's binary and returns a backend for it.
func NewCLI(label string, ep *model.EndpointConfig, logger *slog.Logger) (*CLI, error) {
	path, err := FindBinary(ep.Binary, ep.SearchPaths)
	if err != nil {
		return nil, err
	}
	args := ep.Args
	if len(args) == 0 {
		args = defaultCLIArgs[ep.Kind]
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLI{
		label:    label,
		path:     path,
		args:     args,
		unsetEnv: ep.UnsetEnv,
		logger:   logger,
	}, nil
}

// Path returns the resolved executable.
func (c *CLI) Path() string {
	return c.path
}

// Invoke implements llm.Backend.
func (c *CLI) Invoke(ctx context.Context, modelName, prompt string) (*llm.Output, error) {
	args := make([]string, len(c.args))
	for i, a := range c.args {
		args[i] = strings.ReplaceAll(a, modelPlaceholder, modelName)
	}

	c.logger.Debug("Invoking CLI backend", "backend", c.label, "path", c.path, "prompt_chars", len(prompt))

	res, err := procgroup.Run(ctx, procgroup.Command{
		Path:  c.path,
		Args:  args,
		Stdin: prompt,
		Env:   procgroup.Environ(c.unsetEnv...),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, llm.NewFatalError(fmt.Errorf("%s: %w", c.label, err))
	}

	if res.ExitCode != 0 {
		msg := cleanStderr(res.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("%s exited with status %d", c.label, res.ExitCode)
			c.logger.Warn("CLI backend failed without stderr",
				"backend", c.label, "exit_code", res.ExitCode, "stdout_chars", len(res.Stdout))
		}
		err := fmt.Errorf("%s failed: %s", c.label, msg)
		if isRateLimitMessage(msg) || isRateLimitMessage(res.Stdout) {
			return nil, llm.NewRateLimitError(err, 0)
		}
		return nil, llm.NewTransientError(err)
	}

	text := strings.TrimSpace(strings.ToValidUTF8(res.Stdout, ""))
	return &llm.Output{Text: text, Model: modelName}, nil
}

// cleanStderr drops known noise lines. If everything was noise the original
// text is kept.
func cleanStderr(stderr string) string {
	stderr = strings.ToValidUTF8(stderr, "")
	var kept []string
	for _, line := range strings.Split(stderr, "\n") {
		noisy := false
		for _, m := range noiseMarkers {
			if strings.Contains(line, m) {
				noisy = true
				break
			}
		}
		if !noisy {
			kept = append(kept, line)
		}
	}
	cleaned := strings.TrimSpace(strings.Join(kept, "\n"))
	if cleaned == "" {
		return strings.TrimSpace(stderr)
	}
	return cleaned
}

func isRateLimitMessage(s string) bool {
	lower := strings.ToLower(s)
	for _, m := range rateLimitMarkers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// FindBinary locates an executable. Absolute names are used as-is, then PATH
// is consulted, then each search pattern in order. Patterns may start with ~
// and contain doublestar globs; when a pattern matches several files the
// lexically last one wins, which picks the newest of versioned directories.
func FindBinary(name string, searchPaths []string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty binary name: %w", ErrBinaryNotFound)
	}
	if filepath.IsAbs(name) {
		if isExecutable(name) {
			return name, nil
		}
		return "", fmt.Errorf("%s: %w", name, ErrBinaryNotFound)
	}
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}

	for _, pattern := range searchPaths {
		matches, err := doublestar.FilepathGlob(expandHome(pattern))
		if err != nil {
			continue
		}
		sort.Strings(matches)
		for i := len(matches) - 1; i >= 0; i-- {
			if isExecutable(matches[i]) {
				return matches[i], nil
			}
		}
	}
	return "", fmt.Errorf("%s: %w", name, ErrBinaryNotFound)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func isExecutable(p string) bool {
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
