package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskpilot/events"
	"github.com/c360studio/taskpilot/llm"
	"github.com/c360studio/taskpilot/orchestrator"
)

func connect(t *testing.T) (*events.Publisher, *nats.Conn) {
	t.Helper()
	pub, err := events.Connect(context.Background(), events.Config{Enabled: true, Embedded: true}, nil)
	require.NoError(t, err)
	t.Cleanup(pub.Close)

	sub, err := nats.Connect(pub.URL())
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	return pub, sub
}

func receive(t *testing.T, s *nats.Subscription) (*nats.Msg, events.Envelope) {
	t.Helper()
	msg, err := s.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var env events.Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	return msg, env
}

func TestPublisher_Notify(t *testing.T) {
	pub, nc := connect(t)
	s, err := nc.SubscribeSync("taskpilot.progress.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	pub.Notify(context.Background(), "1207.42", "🔄 Step 1/2: Research stripe.com")

	msg, env := receive(t, s)
	assert.Equal(t, "taskpilot.progress.1207_42", msg.Subject)
	assert.Equal(t, events.TypeProgress, env.Type)
	assert.Equal(t, "1207.42", env.TaskID)

	var p events.Progress
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "🔄 Step 1/2: Research stripe.com", p.Text)
}

func TestPublisher_RecordCall(t *testing.T) {
	pub, nc := connect(t)
	s, err := nc.SubscribeSync("taskpilot.llm.call")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	pub.RecordCall(context.Background(), &llm.CallRecord{
		ID: "call-1", TaskID: "t1", Step: 2, Backend: "claude-cli", Outcome: "success",
		Usage: llm.TokenUsage{Input: 10, Output: 20},
	})

	_, env := receive(t, s)
	assert.Equal(t, events.TypeLLMCall, env.Type)
	var rec llm.CallRecord
	require.NoError(t, json.Unmarshal(env.Payload, &rec))
	assert.Equal(t, "call-1", rec.ID)
	assert.Equal(t, 2, rec.Step)
	assert.Equal(t, 30, rec.Usage.Total())
}

func TestPublisher_ReportRun(t *testing.T) {
	pub, nc := connect(t)
	s, err := nc.SubscribeSync("taskpilot.run.*")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	pub.ReportRun(context.Background(), &orchestrator.Report{
		RunID: "r1", TaskID: "t1", TimedOut: true, Error: "workflow timeout after 30m0s",
	})

	msg, env := receive(t, s)
	assert.Equal(t, "taskpilot.run.timeout", msg.Subject)
	var r orchestrator.Report
	require.NoError(t, json.Unmarshal(env.Payload, &r))
	assert.Equal(t, "r1", r.RunID)
	assert.True(t, r.TimedOut)
}

func TestPublisher_CanceledContextSkips(t *testing.T) {
	pub, nc := connect(t)
	s, err := nc.SubscribeSync("taskpilot.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pub.Notify(ctx, "t1", "dropped")

	_, err = s.NextMsg(100 * time.Millisecond)
	assert.ErrorIs(t, err, nats.ErrTimeout)
}

func TestConnect_RequiresURL(t *testing.T) {
	_, err := events.Connect(context.Background(), events.Config{Enabled: true}, nil)
	assert.Error(t, err)
}
