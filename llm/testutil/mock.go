// Package testutil provides a scriptable llm.Backend for tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/c360studio/taskpilot/llm"
)

// Reply is one scripted backend response.
type Reply struct {
	Text  string
	Err   error
	Delay time.Duration
	Usage llm.TokenUsage
}

// Backend is a thread-safe fake backend. Replies are consumed in order; once
// exhausted, Default is returned for every further call.
//
// Usage:
//
//	// Primary times out, nothing else scripted
//	slow := &testutil.Backend{Default: testutil.Reply{Delay: time.Hour}}
//
//	// Transient failure, then success
//	flaky := &testutil.Backend{Replies: []testutil.Reply{
//	    {Err: llm.NewTransientError(errors.New("connection reset"))},
//	    {Text: "done"},
//	}}
type Backend struct {
	mu      sync.Mutex
	Replies []Reply
	Default Reply

	// Err, when set, is returned by every call and overrides Replies.
	Err error

	calls   int
	prompts []string
	models  []string
}

// Text returns a backend that always answers text.
func Text(text string) *Backend {
	return &Backend{Default: Reply{Text: text}}
}

// Failing returns a backend that always fails with err.
func Failing(err error) *Backend {
	return &Backend{Err: err}
}

// Invoke implements llm.Backend. Delays honor cancellation of ctx.
func (b *Backend) Invoke(ctx context.Context, model, prompt string) (*llm.Output, error) {
	b.mu.Lock()
	b.calls++
	b.prompts = append(b.prompts, prompt)
	b.models = append(b.models, model)
	reply := b.Default
	if b.calls <= len(b.Replies) {
		reply = b.Replies[b.calls-1]
	}
	if b.Err != nil {
		reply = Reply{Err: b.Err}
	}
	b.mu.Unlock()

	if reply.Delay > 0 {
		t := time.NewTimer(reply.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return &llm.Output{Text: reply.Text, Model: model, Usage: reply.Usage}, nil
}

// CallCount returns the number of times Invoke was called.
func (b *Backend) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Prompts returns every prompt received, in order.
func (b *Backend) Prompts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.prompts...)
}

// LastPrompt returns the most recent prompt, or "" if never called.
func (b *Backend) LastPrompt() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.prompts) == 0 {
		return ""
	}
	return b.prompts[len(b.prompts)-1]
}

// Models returns the model argument of every call, in order.
func (b *Backend) Models() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.models...)
}

// Reset clears recorded calls.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = 0
	b.prompts = nil
	b.models = nil
}

// Recorder collects call records.
type Recorder struct {
	mu      sync.Mutex
	records []llm.CallRecord
}

// RecordCall implements llm.CallRecorder.
func (r *Recorder) RecordCall(_ context.Context, rec *llm.CallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *rec)
}

// Records returns a copy of everything recorded.
func (r *Recorder) Records() []llm.CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]llm.CallRecord(nil), r.records...)
}
