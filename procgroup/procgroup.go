// Package procgroup runs subprocesses in their own process group so that a
// timeout or cancellation kills the whole tree, grandchildren included.
package procgroup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultMaxOutput caps captured stdout and stderr, each.
const DefaultMaxOutput = 4 << 20

// waitDelay bounds how long Wait blocks on pipes after the group is killed.
const waitDelay = 2 * time.Second

// Command describes one subprocess invocation.
type Command struct {
	Path  string
	Args  []string
	Dir   string
	Stdin string

	// Env is the full environment; nil inherits the parent's.
	Env []string

	// MaxOutput caps each captured stream. Zero means DefaultMaxOutput.
	MaxOutput int
}

// Result is the outcome of a finished or killed subprocess.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration

	// Killed is set when the group was killed because ctx ended.
	Killed     bool
	KillReason string

	Truncated bool
}

// Run starts c in a new process group and waits for it. A non-zero exit is
// reported through Result.ExitCode, not as an error. When ctx ends first the
// whole group is killed and ctx's error is returned alongside the partial
// result.
func Run(ctx context.Context, c Command) (*Result, error) {
	if c.Path == "" {
		return nil, errors.New("procgroup: empty command path")
	}
	maxOut := c.MaxOutput
	if maxOut <= 0 {
		maxOut = DefaultMaxOutput
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: maxOut}
	stderr := &limitedWriter{w: &stderrBuf, max: maxOut}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	setup(cmd)
	cmd.Cancel = func() error { return kill(cmd) }
	cmd.WaitDelay = waitDelay

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Path, err)
	}
	err := cmd.Wait()

	res := &Result{
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Duration:  time.Since(started),
		Truncated: stdout.truncated || stderr.truncated,
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.Killed = true
		res.ExitCode = -1
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			res.KillReason = "timeout"
		} else {
			res.KillReason = "canceled"
		}
		return res, ctxErr
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("wait %s: %w", c.Path, err)
	}
	return res, nil
}

// Environ returns the current environment without the named variables.
func Environ(unset ...string) []string {
	env := os.Environ()
	if len(unset) == 0 {
		return env
	}
	out := env[:0:0]
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		drop := false
		for _, u := range unset {
			if name == u {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, kv)
		}
	}
	return out
}

// limitedWriter discards writes past max bytes but reports them as written so
// the child never blocks on a full pipe.
type limitedWriter struct {
	w         *bytes.Buffer
	max       int
	truncated bool
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	room := l.max - l.w.Len()
	if room <= 0 {
		l.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		l.w.Write(p[:room])
		l.truncated = true
		return len(p), nil
	}
	return l.w.Write(p)
}
