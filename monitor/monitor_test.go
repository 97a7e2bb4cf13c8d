package monitor_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/c360studio/taskpilot/ledger"
	"github.com/c360studio/taskpilot/lockfile"
	"github.com/c360studio/taskpilot/monitor"
	"github.com/c360studio/taskpilot/orchestrator"
	"github.com/c360studio/taskpilot/retitle"
	"github.com/c360studio/taskpilot/tracker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type posted struct {
	TaskID string
	Text   string
}

// fakeTracker serves fixed tasks and comments and records writes. Posted
// comments are added to the task's history only when live is set.
type fakeTracker struct {
	mu         sync.Mutex
	live       bool
	tasks      []tracker.Task
	tasksErr   error
	comments   map[string][]tracker.Comment
	commentErr map[string]error
	posted     []posted
	titles     map[string]string
	fetches    int
}

func newFakeTracker(tasks ...tracker.Task) *fakeTracker {
	return &fakeTracker{
		tasks:      tasks,
		comments:   make(map[string][]tracker.Comment),
		commentErr: make(map[string]error),
		titles:     make(map[string]string),
	}
}

func (f *fakeTracker) FetchIncompleteTasks(context.Context, []string) ([]tracker.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.tasks, f.tasksErr
}

func (f *fakeTracker) FetchComments(_ context.Context, taskID string) ([]tracker.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.comments[taskID], f.commentErr[taskID]
}

func (f *fakeTracker) AddComment(_ context.Context, taskID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, posted{TaskID: taskID, Text: text})
	if f.live {
		id := fmt.Sprintf("posted-%d", len(f.posted))
		f.comments[taskID] = append(f.comments[taskID], comment(id, "Taskpilot", text))
	}
	return nil
}

func (f *fakeTracker) UpdateTitle(_ context.Context, taskID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles[taskID] = title
	return nil
}

func (f *fakeTracker) Posted() []posted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]posted(nil), f.posted...)
}

func (f *fakeTracker) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// fakeRunner records inputs and answers with a canned report.
type fakeRunner struct {
	mu     sync.Mutex
	inputs []orchestrator.Input
	fn     func(in orchestrator.Input) *orchestrator.Report
}

func (r *fakeRunner) Run(_ context.Context, in orchestrator.Input) *orchestrator.Report {
	r.mu.Lock()
	r.inputs = append(r.inputs, in)
	r.mu.Unlock()
	if r.fn != nil {
		return r.fn(in)
	}
	return &orchestrator.Report{
		RunID:   "run-" + in.Task.ID,
		TaskID:  in.Task.ID,
		Success: true,
		Comment: "🤖 Research Response:\n\nDone for " + in.Task.ID,
	}
}

func (r *fakeRunner) Inputs() []orchestrator.Input {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]orchestrator.Input(nil), r.inputs...)
}

type fixture struct {
	tracker *fakeTracker
	runner  *fakeRunner
	ledger  *ledger.Ledger
	cfg     monitor.Config
}

func newFixture(t *testing.T, tasks ...tracker.Task) *fixture {
	t.Helper()
	dir := t.TempDir()
	return &fixture{
		tracker: newFakeTracker(tasks...),
		runner:  &fakeRunner{},
		ledger:  ledger.Open(filepath.Join(dir, "processed_comments.json")),
		cfg: monitor.Config{
			Workers:   4,
			LockPath:  filepath.Join(dir, "taskpilot.lock"),
			AgentName: "Taskpilot",
		},
	}
}

func (f *fixture) monitor(opts ...monitor.Option) *monitor.Monitor {
	return monitor.New(f.cfg, f.tracker, f.runner, f.ledger, opts...)
}

func comment(id, author, text string) tracker.Comment {
	return tracker.Comment{ID: id, Author: author, Text: text}
}

const answered = "🤖 Research Response:\n\nAcme raised a Series B."

func TestCycle_NewTaskRunsOnce(t *testing.T) {
	f := newFixture(t, tracker.Task{ID: "1", Name: "Research Acme Corp funding history"})

	stats, err := f.monitor().Cycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Tasks)
	assert.Equal(t, 1, stats.Runs)
	inputs := f.runner.Inputs()
	require.Len(t, inputs, 1)
	assert.Empty(t, inputs[0].Comment)

	got := f.tracker.Posted()
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].TaskID)
	assert.Contains(t, got[0].Text, "Done for 1")
}

func TestCycle_AnsweredTaskIsLeftAlone(t *testing.T) {
	f := newFixture(t, tracker.Task{ID: "1", Name: "Research Acme"})
	f.tracker.comments["1"] = []tracker.Comment{
		comment("c1", "Taskpilot", answered),
	}

	stats, err := f.monitor().Cycle(context.Background())
	require.NoError(t, err)

	assert.Zero(t, stats.Runs)
	assert.Empty(t, f.runner.Inputs())
	assert.Empty(t, f.tracker.Posted())
	// The agent's own comment is recorded so it is not reconsidered.
	assert.True(t, f.ledger.Processed("1", "c1"))
}

func TestCycle_FailedTaskRetriesEachCycle(t *testing.T) {
	f := newFixture(t, tracker.Task{ID: "1", Name: "Research Acme"})
	f.tracker.comments["1"] = []tracker.Comment{
		comment("c1", "Taskpilot", "❌ Workflow failed: backend unavailable"),
	}
	m := f.monitor()

	for range 2 {
		_, err := m.Cycle(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, f.runner.Inputs(), 2)
}

func TestCycle_UnansweredCommentRunsOnceWithComment(t *testing.T) {
	f := newFixture(t, tracker.Task{ID: "1", Name: "Research Acme"})
	f.tracker.comments["1"] = []tracker.Comment{
		comment("c1", "dana", "Focus on the 2024 round"),
	}

	_, err := f.monitor().Cycle(context.Background())
	require.NoError(t, err)

	inputs := f.runner.Inputs()
	require.Len(t, inputs, 1, "task-triggered run must not duplicate the comment run")
	assert.Equal(t, "Focus on the 2024 round", inputs[0].Comment)
	assert.Empty(t, inputs[0].History)
	assert.True(t, f.ledger.Processed("1", "c1"))
}

func TestCycle_CommentProcessedOnlyOnce(t *testing.T) {
	f := newFixture(t, tracker.Task{ID: "1", Name: "Research Acme"})
	f.tracker.comments["1"] = []tracker.Comment{
		comment("c1", "Taskpilot", answered),
		comment("c2", "dana", "Can you add the lead investor?"),
	}
	m := f.monitor()

	for range 2 {
		_, err := m.Cycle(context.Background())
		require.NoError(t, err)
	}

	inputs := f.runner.Inputs()
	require.Len(t, inputs, 1)
	assert.Equal(t, "Can you add the lead investor?", inputs[0].Comment)
	require.Len(t, inputs[0].History, 1)
	assert.Equal(t, "c1", inputs[0].History[0].ID)
}

func TestCycle_LaterCommentSeesEarlierAnswer(t *testing.T) {
	f := newFixture(t, tracker.Task{ID: "1", Name: "Research Acme"})
	f.tracker.live = true
	f.tracker.comments["1"] = []tracker.Comment{
		comment("c1", "dana", "Focus on the 2024 round"),
		comment("c2", "dana", "ok thanks"),
	}
	m := f.monitor()

	stats, err := m.Cycle(context.Background())
	require.NoError(t, err)

	inputs := f.runner.Inputs()
	require.Len(t, inputs, 1, "an acknowledgement after the answer must not start a run")
	assert.Equal(t, "Focus on the 2024 round", inputs[0].Comment)
	assert.Equal(t, 1, stats.Runs)
	assert.Len(t, f.tracker.Posted(), 1)
	assert.True(t, f.ledger.Processed("1", "c2"))

	// The next cycle finds the posted answer and leaves the task alone.
	_, err = m.Cycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.runner.Inputs(), 1)
}

func TestCycle_FollowupHistoryIncludesEarlierAnswer(t *testing.T) {
	f := newFixture(t, tracker.Task{ID: "1", Name: "Research Acme"})
	f.tracker.comments["1"] = []tracker.Comment{
		comment("c1", "dana", "Focus on the 2024 round"),
		comment("c2", "dana", "Can you also add 2023?"),
	}

	_, err := f.monitor().Cycle(context.Background())
	require.NoError(t, err)

	inputs := f.runner.Inputs()
	require.Len(t, inputs, 2)
	assert.Equal(t, "Can you also add 2023?", inputs[1].Comment)
	require.Len(t, inputs[1].History, 2)
	assert.Equal(t, "c1", inputs[1].History[0].ID)
	assert.Equal(t, "Taskpilot", inputs[1].History[1].Author)
	assert.Contains(t, inputs[1].History[1].Text, "Done for 1")
}

func TestCycle_ReengagementPolicy(t *testing.T) {
	tests := []struct {
		name    string
		comment string
		wantRun bool
	}{
		{"acknowledgement", "thanks, looks good", false},
		{"retry keyword", "please retry with more detail", true},
		{"question mark", "Is this the latest?", true},
		{"followup keyword", "explain the valuation", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tracker.Task{ID: "1", Name: "Research Acme"})
			f.tracker.comments["1"] = []tracker.Comment{
				comment("c1", "Taskpilot", answered),
				comment("c2", "dana", tt.comment),
			}

			_, err := f.monitor().Cycle(context.Background())
			require.NoError(t, err)

			if tt.wantRun {
				assert.Len(t, f.runner.Inputs(), 1)
			} else {
				assert.Empty(t, f.runner.Inputs())
				assert.Empty(t, f.tracker.Posted())
			}
			assert.True(t, f.ledger.Processed("1", "c2"))
		})
	}
}

func TestCycle_AcknowledgedTaskStaysAnswered(t *testing.T) {
	f := newFixture(t, tracker.Task{ID: "1", Name: "Research Acme"})
	f.tracker.comments["1"] = []tracker.Comment{
		comment("c1", "Taskpilot", answered),
		comment("c2", "dana", "thanks, looks good"),
	}
	m := f.monitor()

	for range 2 {
		_, err := m.Cycle(context.Background())
		require.NoError(t, err)
	}
	assert.Empty(t, f.runner.Inputs())
}

func TestCycle_FiltersComments(t *testing.T) {
	f := newFixture(t, tracker.Task{ID: "1", Name: "Research Acme"})
	f.cfg.AllowedAuthors = []string{"Dana"}
	f.tracker.comments["1"] = []tracker.Comment{
		comment("c1", "Taskpilot", answered),
		comment("c2", "mallory", "please retry"),
		comment("c3", "dana", "🔄 Step 1/3: gathering sources"),
		comment("c4", "dana", "   "),
	}

	stats, err := f.monitor().Cycle(context.Background())
	require.NoError(t, err)

	assert.Empty(t, f.runner.Inputs())
	assert.Equal(t, 4, stats.Comments)
	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		assert.True(t, f.ledger.Processed("1", id), id)
	}
}

func TestCycle_RecallsDraftWithoutRunning(t *testing.T) {
	f := newFixture(t, tracker.Task{ID: "1", Name: "Email Acme about the pilot"})
	f.tracker.comments["1"] = []tracker.Comment{
		comment("c1", "Taskpilot", "🤖 Email Response:\n\nHi Sam,\nFollowing up on the pilot.\nBest regards"),
		comment("c2", "dana", "show me the email draft"),
	}

	stats, err := f.monitor().Cycle(context.Background())
	require.NoError(t, err)

	assert.Empty(t, f.runner.Inputs())
	assert.Equal(t, 1, stats.Drafts)
	got := f.tracker.Posted()
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Text, "📧 Email Draft from previous execution:")
	assert.Contains(t, got[0].Text, "Hi Sam,")
}

func TestCycle_DraftRequestWithoutDraftRuns(t *testing.T) {
	f := newFixture(t, tracker.Task{ID: "1", Name: "Research Acme"})
	f.tracker.comments["1"] = []tracker.Comment{
		comment("c1", "Taskpilot", answered),
		comment("c2", "dana", "show me the email draft"),
	}

	_, err := f.monitor().Cycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.runner.Inputs(), 1)
}

func TestCycle_Retitles(t *testing.T) {
	f := newFixture(t, tracker.Task{ID: "1", Name: "todo", Notes: "Research Acme Corp funding history and investors"})

	_, err := f.monitor(monitor.WithRetitler(retitle.New())).Cycle(context.Background())
	require.NoError(t, err)

	f.tracker.mu.Lock()
	title := f.tracker.titles["1"]
	f.tracker.mu.Unlock()
	assert.NotEmpty(t, title)
	assert.NotEqual(t, "todo", title)
}

func TestCycle_LockHeldSkips(t *testing.T) {
	f := newFixture(t, tracker.Task{ID: "1", Name: "Research Acme"})
	lock, err := lockfile.Acquire(f.cfg.LockPath)
	require.NoError(t, err)
	defer lock.Release()

	stats, err := f.monitor().Cycle(context.Background())
	require.NoError(t, err)

	assert.True(t, stats.Locked)
	assert.Zero(t, f.tracker.Fetches())
}

func TestCycle_FetchFailure(t *testing.T) {
	f := newFixture(t)
	f.tracker.tasksErr = errors.New("asana unavailable")

	_, err := f.monitor().Cycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "asana unavailable")

	// The lock is released after a failed cycle.
	lock, err := lockfile.Acquire(f.cfg.LockPath)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestCycle_PartialFetchProceeds(t *testing.T) {
	f := newFixture(t, tracker.Task{ID: "1", Name: "Research Acme"})
	f.tracker.tasksErr = errors.New("project 2: status 500")

	stats, err := f.monitor().Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Runs)
}

func TestCycle_CommentFetchErrorSkipsTask(t *testing.T) {
	f := newFixture(t,
		tracker.Task{ID: "1", Name: "Research Acme"},
		tracker.Task{ID: "2", Name: "Research Globex"},
	)
	f.tracker.commentErr["1"] = errors.New("timeout")

	_, err := f.monitor().Cycle(context.Background())
	require.NoError(t, err)

	inputs := f.runner.Inputs()
	require.Len(t, inputs, 1)
	assert.Equal(t, "2", inputs[0].Task.ID)
}

func TestCycle_PanicIsContained(t *testing.T) {
	f := newFixture(t,
		tracker.Task{ID: "1", Name: "Research Acme"},
		tracker.Task{ID: "2", Name: "Research Globex"},
	)
	f.tracker.comments["1"] = []tracker.Comment{comment("c1", "dana", "go")}
	f.runner.fn = func(in orchestrator.Input) *orchestrator.Report {
		if in.Task.ID == "1" {
			panic("boom")
		}
		return &orchestrator.Report{TaskID: in.Task.ID, Success: true, Comment: "🤖 Response:\n\nok"}
	}

	_, err := f.monitor().Cycle(context.Background())
	require.NoError(t, err)

	assert.True(t, f.ledger.Processed("1", "c1"))
	got := f.tracker.Posted()
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].TaskID)
}

func TestCycle_BoundsConcurrency(t *testing.T) {
	var tasks []tracker.Task
	for i := range 12 {
		tasks = append(tasks, tracker.Task{ID: string(rune('a' + i)), Name: "Research"})
	}
	f := newFixture(t, tasks...)
	f.cfg.Workers = 3

	var active, peak atomic.Int32
	f.runner.fn = func(in orchestrator.Input) *orchestrator.Report {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return &orchestrator.Report{TaskID: in.Task.ID, Success: true}
	}

	stats, err := f.monitor().Cycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 12, stats.Runs)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestCycle_CancelledStopsScheduling(t *testing.T) {
	f := newFixture(t, tracker.Task{ID: "1", Name: "Research Acme"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := f.monitor().Cycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Tasks)
	assert.Empty(t, f.runner.Inputs())
}

func TestCycle_InFlightWorkSurvivesCancel(t *testing.T) {
	f := newFixture(t, tracker.Task{ID: "1", Name: "Research Acme"})
	ctx, cancel := context.WithCancel(context.Background())

	var sawCancel atomic.Bool
	f.runner.fn = func(in orchestrator.Input) *orchestrator.Report {
		cancel()
		return &orchestrator.Report{TaskID: in.Task.ID, Success: true, Comment: "🤖 Response:\n\nok"}
	}
	trackerCtx := &ctxTracker{fakeTracker: f.tracker, sawCancel: &sawCancel}

	m := monitor.New(f.cfg, trackerCtx, f.runner, f.ledger)
	_, err := m.Cycle(ctx)
	require.NoError(t, err)

	assert.Len(t, f.tracker.Posted(), 1)
	assert.False(t, sawCancel.Load(), "post-run writes must not see the cycle's cancellation")
}

// ctxTracker records whether AddComment ran under a cancelled context.
type ctxTracker struct {
	*fakeTracker
	sawCancel *atomic.Bool
}

func (c *ctxTracker) AddComment(ctx context.Context, taskID, text string) error {
	if ctx.Err() != nil {
		c.sawCancel.Store(true)
	}
	return c.fakeTracker.AddComment(ctx, taskID, text)
}

func TestCycle_PrunesLedger(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.ledger = ledger.Open(filepath.Join(t.TempDir(), "l.json"), ledger.WithClock(func() time.Time { return now }))
	require.NoError(t, f.ledger.Mark("old", "c1"))
	now = now.Add(48 * time.Hour)
	f.cfg.LedgerRetention = 24 * time.Hour

	stats, err := f.monitor().Cycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Pruned)
	assert.False(t, f.ledger.Processed("old", "c1"))
}
