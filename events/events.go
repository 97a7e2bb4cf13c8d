// Package events publishes run activity to NATS: progress notes, one record
// per LLM invocation and a report per finished run.
//
// Subjects are rooted at a configurable prefix:
//
//	<prefix>.progress.<task_id>   progress notes
//	<prefix>.llm.call             LLM call records
//	<prefix>.run.<outcome>        run reports (success, failure, timeout)
//
// Publishing is fire and forget. Failures are logged and never reach the
// caller.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/c360studio/taskpilot/llm"
	"github.com/c360studio/taskpilot/orchestrator"
)

// DefaultSubjectPrefix roots every subject.
const DefaultSubjectPrefix = "taskpilot"

// Config selects the NATS connection.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// URL of an external server. Ignored when Embedded is set.
	URL string `yaml:"url"`

	// Embedded starts an in-process server instead of connecting out.
	Embedded bool `yaml:"embedded"`

	SubjectPrefix string `yaml:"subject_prefix"`

	// History keeps finished run reports in a JetStream key-value bucket.
	History bool `yaml:"history"`

	// StoreDir holds JetStream data for the embedded server. Empty keeps it
	// in a temporary directory.
	StoreDir string `yaml:"store_dir"`
}

// Event types.
const (
	TypeProgress = "progress"
	TypeLLMCall  = "llm_call"
	TypeRun      = "run"
)

// Envelope wraps every published payload.
type Envelope struct {
	Type      string          `json:"type"`
	TaskID    string          `json:"task_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Progress is the payload of a progress note.
type Progress struct {
	Text string `json:"text"`
}

// Publisher sends events over a NATS connection. It implements
// orchestrator.Notifier, orchestrator.RunReporter and llm.CallRecorder.
type Publisher struct {
	nc       *nats.Conn
	embedded *server.Server
	prefix   string
	logger   *slog.Logger
}

var (
	_ orchestrator.Notifier    = (*Publisher)(nil)
	_ orchestrator.RunReporter = (*Publisher)(nil)
	_ llm.CallRecorder         = (*Publisher)(nil)
)

// NewPublisher publishes on an existing connection.
func NewPublisher(nc *nats.Conn, prefix string, logger *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}
}

// Connect opens the connection cfg describes, starting an embedded server
// when asked to.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !cfg.Embedded {
		if cfg.URL == "" {
			return nil, fmt.Errorf("events: no NATS url configured")
		}
		nc, err := nats.Connect(cfg.URL, nats.Name("taskpilot"))
		if err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		logger.Info("Connected to NATS", "url", cfg.URL)
		return NewPublisher(nc, cfg.SubjectPrefix, logger), nil
	}

	ns, err := StartEmbedded(cfg.History, cfg.StoreDir)
	if err != nil {
		return nil, err
	}
	nc, err := nats.Connect(ns.ClientURL(), nats.Name("taskpilot"))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded NATS: %w", err)
	}
	logger.Info("Started embedded NATS server", "url", ns.ClientURL())
	p := NewPublisher(nc, cfg.SubjectPrefix, logger)
	p.embedded = ns
	return p, nil
}

// StartEmbedded starts an in-process server on a random port, with
// JetStream when jetStream is set.
func StartEmbedded(jetStream bool, storeDir string) (*server.Server, error) {
	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: jetStream,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start")
	}
	return ns, nil
}

// Conn returns the underlying connection.
func (p *Publisher) Conn() *nats.Conn {
	return p.nc
}

// URL returns the connected server URL.
func (p *Publisher) URL() string {
	return p.nc.ConnectedUrl()
}

// Close drains the connection and stops an embedded server.
func (p *Publisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.nc.Close()
		}
	}
	if p.embedded != nil {
		p.embedded.Shutdown()
		p.embedded.WaitForShutdown()
	}
}

// Notify publishes a progress note.
func (p *Publisher) Notify(ctx context.Context, taskID, text string) {
	p.publish(ctx, p.subject("progress", taskID), TypeProgress, taskID, Progress{Text: text})
}

// RecordCall publishes an LLM call record.
func (p *Publisher) RecordCall(ctx context.Context, rec *llm.CallRecord) {
	p.publish(ctx, p.subject("llm", "call"), TypeLLMCall, rec.TaskID, rec)
}

// ReportRun publishes a finished run.
func (p *Publisher) ReportRun(ctx context.Context, r *orchestrator.Report) {
	p.publish(ctx, p.subject("run", r.Outcome()), TypeRun, r.TaskID, r)
}

// subject joins tokens under the prefix. Dots and wildcards inside a token
// would change the subject's shape, so they are replaced.
func (p *Publisher) subject(tokens ...string) string {
	parts := []string{p.prefix}
	for _, t := range tokens {
		if t == "" {
			t = "_"
		}
		parts = append(parts, strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(t))
	}
	return strings.Join(parts, ".")
}

func (p *Publisher) publish(ctx context.Context, subject, typ, taskID string, payload any) {
	if err := ctx.Err(); err != nil {
		p.logger.Debug("Skipping event publish, context done", "subject", subject, "error", err)
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("Failed to marshal event", "type", typ, "error", err)
		return
	}
	data, err := json.Marshal(Envelope{
		Type:      typ,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Payload:   body,
	})
	if err != nil {
		p.logger.Warn("Failed to marshal event envelope", "type", typ, "error", err)
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish event", "subject", subject, "error", err)
	}
}
