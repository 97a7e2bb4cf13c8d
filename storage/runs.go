// Package storage keeps finished run reports in a NATS KV bucket so recent
// history survives restarts and can be listed from the CLI.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/taskpilot/orchestrator"
)

// BucketRuns is the KV bucket run records live in.
const BucketRuns = "TASKPILOT_RUNS"

// DefaultMaxAge is how long run records are kept.
const DefaultMaxAge = 30 * 24 * time.Hour

// RunRecord is the stored summary of one run. Step outputs are left out;
// they were posted to the task.
type RunRecord struct {
	ID         string        `json:"id"`
	TaskID     string        `json:"task_id"`
	Category   string        `json:"category"`
	Outcome    string        `json:"outcome"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Decomposed bool          `json:"decomposed"`
	Robust     bool          `json:"robust"`
	Total      int           `json:"total"`
	Succeeded  int           `json:"succeeded"`
	Backends   []string      `json:"backends,omitempty"`
	Tokens     int           `json:"tokens"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// NewRunRecord summarizes a report.
func NewRunRecord(r *orchestrator.Report) *RunRecord {
	rec := &RunRecord{
		ID:         r.RunID,
		TaskID:     r.TaskID,
		Category:   string(r.Category),
		Outcome:    r.Outcome(),
		Success:    r.Success,
		Error:      r.Error,
		Decomposed: r.Decomposed,
		Robust:     r.Robust,
		Total:      r.Total,
		StartedAt:  r.StartedAt,
		Duration:   r.Duration,
	}
	seen := make(map[string]bool)
	for _, s := range r.Steps {
		if s.Success {
			rec.Succeeded++
		}
		rec.Tokens += s.Usage.Total()
		if s.Backend != "" && !seen[s.Backend] {
			seen[s.Backend] = true
			rec.Backends = append(rec.Backends, s.Backend)
		}
	}
	return rec
}

// Store provides run storage backed by NATS KV.
type Store struct {
	runs   jetstream.KeyValue
	logger *slog.Logger
}

var _ orchestrator.RunReporter = (*Store)(nil)

// Option configures a Store.
type Option func(*options)

type options struct {
	maxAge time.Duration
	logger *slog.Logger
}

// WithMaxAge sets how long records are kept when the bucket is created.
func WithMaxAge(d time.Duration) Option {
	return func(o *options) { o.maxAge = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewStore opens the run bucket, creating it if it doesn't exist.
func NewStore(ctx context.Context, js jetstream.JetStream, opts ...Option) (*Store, error) {
	o := options{maxAge: DefaultMaxAge, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	runs, err := getOrCreateBucket(ctx, js, BucketRuns, o.maxAge)
	if err != nil {
		return nil, fmt.Errorf("create runs bucket: %w", err)
	}
	return &Store{runs: runs, logger: o.logger}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string, maxAge time.Duration) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Taskpilot %s storage", strings.ToLower(name)),
		History:     1,
		TTL:         maxAge,
	})
}

var invalidKeyRe = regexp.MustCompile(`[^-/_=.a-zA-Z0-9]`)

// key maps a run ID onto the KV key alphabet.
func key(id string) string {
	return invalidKeyRe.ReplaceAllString(id, "_")
}

// Put stores rec under its run ID.
func (s *Store) Put(ctx context.Context, rec *RunRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("run record has no id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	if _, err := s.runs.Put(ctx, key(rec.ID), data); err != nil {
		return fmt.Errorf("store run: %w", err)
	}
	return nil
}

// ReportRun stores a finished report. Failures are logged.
func (s *Store) ReportRun(ctx context.Context, r *orchestrator.Report) {
	if err := s.Put(ctx, NewRunRecord(r)); err != nil {
		s.logger.Warn("Failed to store run", "run_id", r.RunID, "task_id", r.TaskID, "error", err)
	}
}

// Get retrieves a run by ID.
func (s *Store) Get(ctx context.Context, id string) (*RunRecord, error) {
	entry, err := s.runs.Get(ctx, key(id))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}

	var rec RunRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &rec, nil
}

// List returns up to limit runs, newest first. A limit of zero or less
// returns all of them.
func (s *Store) List(ctx context.Context, limit int) ([]*RunRecord, error) {
	return s.list(ctx, limit, func(*RunRecord) bool { return true })
}

// ListByTask returns the runs for one task, newest first.
func (s *Store) ListByTask(ctx context.Context, taskID string) ([]*RunRecord, error) {
	return s.list(ctx, 0, func(r *RunRecord) bool { return r.TaskID == taskID })
}

func (s *Store) list(ctx context.Context, limit int, keep func(*RunRecord) bool) ([]*RunRecord, error) {
	keys, err := s.runs.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list run keys: %w", err)
	}

	runs := make([]*RunRecord, 0, len(keys))
	for _, k := range keys {
		entry, err := s.runs.Get(ctx, k)
		if err != nil {
			continue // expired or deleted since listing
		}
		var rec RunRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			continue
		}
		if keep(&rec) {
			runs = append(runs, &rec)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}
