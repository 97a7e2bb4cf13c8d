// Package ledger records which comments have already been handled.
//
// The ledger is a JSON object on disk mapping task id to an object of
// comment id to RFC 3339 timestamp. Every mutation is persisted under the
// ledger's lock with a write-then-rename, so a crash leaves either the old
// or the new file. A missing or corrupt file starts an empty ledger.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/taskpilot/metrics"
)

// DefaultRetention is how long marks are kept before Prune drops them.
const DefaultRetention = 30 * 24 * time.Hour

// State is task id -> comment id -> time the comment was handled.
type State map[string]map[string]time.Time

// Ledger is safe for concurrent use.
type Ledger struct {
	mu    sync.Mutex
	path  string
	state State

	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithMetrics counts persistence failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// Open loads the ledger at path. Unreadable or corrupt files are logged and
// replaced by an empty ledger on the next write.
func Open(path string, opts ...Option) *Ledger {
	l := &Ledger{
		path:   path,
		state:  make(State),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	state, err := load(path)
	switch {
	case err == nil:
		l.state = state
	case errors.Is(err, fs.ErrNotExist):
	default:
		l.logger.Warn("Could not load comment ledger, starting fresh", "path", path, "error", err)
	}
	return l
}

func load(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	state := make(State, len(raw))
	for task, comments := range raw {
		marks := make(map[string]time.Time, len(comments))
		for comment, ts := range comments {
			// Unparseable timestamps keep the mark and become prunable.
			t, _ := time.Parse(time.RFC3339, ts)
			marks[comment] = t
		}
		state[task] = marks
	}
	return state, nil
}

// Path returns the backing file.
func (l *Ledger) Path() string {
	return l.path
}

// Processed reports whether the comment has been marked.
func (l *Ledger) Processed(taskID, commentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.state[taskID][commentID]
	return ok
}

// Mark records the comment as handled now and persists the ledger. Marking
// again only refreshes the timestamp. The mark is kept in memory even when
// persisting fails.
func (l *Ledger) Mark(taskID, commentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	marks, ok := l.state[taskID]
	if !ok {
		marks = make(map[string]time.Time)
		l.state[taskID] = marks
	}
	marks[commentID] = l.now().UTC()
	return l.persist()
}

// Comments returns a copy of the marks for one task.
func (l *Ledger) Comments(taskID string) map[string]time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]time.Time, len(l.state[taskID]))
	for id, t := range l.state[taskID] {
		out[id] = t
	}
	return out
}

// Snapshot returns a deep copy of the ledger.
func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(State, len(l.state))
	for task, marks := range l.state {
		cp := make(map[string]time.Time, len(marks))
		for id, t := range marks {
			cp[id] = t
		}
		out[task] = cp
	}
	return out
}

// Len returns the number of marked comments.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, marks := range l.state {
		n += len(marks)
	}
	return n
}

// Tasks returns the task ids with at least one mark, sorted.
func (l *Ledger) Tasks() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.state))
	for id := range l.state {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Prune drops marks older than maxAge and tasks left empty, returning how
// many marks were removed. Nothing is written when nothing changed.
func (l *Ledger) Prune(maxAge time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	removed := 0
	for task, marks := range l.state {
		for id, t := range marks {
			if t.Before(cutoff) {
				delete(marks, id)
				removed++
			}
		}
		if len(marks) == 0 {
			delete(l.state, task)
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, l.persist()
}

// persist writes the ledger atomically. Callers hold l.mu.
func (l *Ledger) persist() error {
	raw := make(map[string]map[string]string, len(l.state))
	for task, marks := range l.state {
		m := make(map[string]string, len(marks))
		for id, t := range marks {
			m[id] = t.UTC().Format(time.RFC3339)
		}
		raw[task] = m
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return l.fail(fmt.Errorf("marshal ledger: %w", err))
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return l.fail(fmt.Errorf("create ledger directory: %w", err))
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return l.fail(fmt.Errorf("write ledger: %w", err))
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return l.fail(fmt.Errorf("replace ledger: %w", err))
	}
	return nil
}

func (l *Ledger) fail(err error) error {
	l.metrics.IncLedgerError()
	l.logger.Error("Failed to persist comment ledger", "path", l.path, "error", err)
	return err
}
