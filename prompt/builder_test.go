package prompt

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/taskpilot/decompose"
	"github.com/c360studio/taskpilot/intent"
	"github.com/c360studio/taskpilot/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var toolMarkers = []string{"EmailAPI", "AttioAPI", "ResearchAPI", "NotionAPI", "TaskAPI", "CalendarAPI"}

func TestBuild_SimpleQueryHasNoToolDocs(t *testing.T) {
	b := NewBuilder()
	task := tracker.Task{ID: "1", Notes: "Check the weather forecast for Saturday"}
	require.Equal(t, intent.SimpleQuery, intent.Classify(task, ""))

	got, err := b.Build(context.Background(), Request{Category: intent.SimpleQuery, Task: task})
	require.NoError(t, err)

	assert.Equal(t, "Notes: Check the weather forecast for Saturday", got)
	for _, marker := range toolMarkers {
		assert.NotContains(t, got, marker)
	}
}

func TestBuild_SectionOrder(t *testing.T) {
	b := NewBuilder(WithToolsDir("/opt/tools/"))
	history := []tracker.Comment{{
		ID:        "c1",
		Author:    "Dana",
		Text:      "Can you also cc Lee?",
		CreatedAt: time.Date(2026, 1, 2, 15, 4, 0, 0, time.UTC),
	}}

	got, err := b.Build(context.Background(), Request{
		Category: intent.Email,
		Task:     tracker.Task{ID: "1", Name: "Reply to Acme", Notes: "Thank them for the intro"},
		History:  history,
		Latest:   "make it shorter",
	})
	require.NoError(t, err)

	sections := []string{
		"Task: Reply to Acme",
		"Notes: Thank them for the intro",
		"--- Conversation History ---",
		"[Dana - Jan 02, 03:04 PM]:\nCan you also cc Lee?",
		"--- End Conversation History ---",
		"Latest Request: make it shorter",
		"## Email Instructions",
	}
	last := -1
	for _, s := range sections {
		idx := strings.Index(got, s)
		require.GreaterOrEqual(t, idx, 0, "missing %q", s)
		assert.Greater(t, idx, last, "%q out of order", s)
		last = idx
	}
	assert.Contains(t, got, "/opt/tools/README.md")
	assert.NotContains(t, got, "{{dir}}")
}

func TestBuild_OmitsEmptySections(t *testing.T) {
	b := NewBuilder()
	got, err := b.Build(context.Background(), Request{
		Category: intent.General,
		Task:     tracker.Task{ID: "1", Name: "Plan offsite"},
		Latest:   "   ",
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(got, "Task: Plan offsite\n\n## Available Tools"))
	assert.NotContains(t, got, "Conversation History")
	assert.NotContains(t, got, "Latest Request")
}

func TestBuild_CategoryInstructions(t *testing.T) {
	b := NewBuilder()
	task := tracker.Task{ID: "1", Name: "x"}

	tests := []struct {
		category intent.Category
		want     string
	}{
		{intent.Email, "## Email Instructions"},
		{intent.CompanyResearch, "## Company Research Instructions"},
		{intent.General, "## Available Tools"},
		{intent.Category("unknown"), "## Available Tools"},
	}
	for _, tt := range tests {
		got, err := b.Build(context.Background(), Request{Category: tt.category, Task: task})
		require.NoError(t, err)
		assert.Contains(t, got, tt.want, tt.category)
	}
}

func TestBuild_EmptyPromptFailsLoudly(t *testing.T) {
	b := NewBuilder()
	_, err := b.Build(context.Background(), Request{
		Category: intent.SimpleQuery,
		Task:     tracker.Task{ID: "task-9"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyPrompt))
	assert.Contains(t, err.Error(), "task-9")
	assert.Contains(t, err.Error(), "has_name=false")
	assert.Contains(t, err.Error(), "comments=0")
}

func TestBuild_DropsInvalidUTF8(t *testing.T) {
	b := NewBuilder()
	got, err := b.Build(context.Background(), Request{
		Category: intent.SimpleQuery,
		Task:     tracker.Task{ID: "1", Name: "what time\xff is it"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Task: what time is it", got)
}

type stubLinks struct {
	seen string
}

func (s *stubLinks) Excerpts(_ context.Context, text string) []Excerpt {
	s.seen = text
	return []Excerpt{{URL: "https://example.com/post", Title: "Launch post", Markdown: "We launched."}}
}

func TestBuild_LinkedContentInTaskContext(t *testing.T) {
	links := &stubLinks{}
	b := NewBuilder(WithLinkResolver(links))

	got, err := b.Build(context.Background(), Request{
		Category: intent.General,
		Task:     tracker.Task{ID: "1", Name: "Summarize", Notes: "see https://example.com/post"},
		Latest:   "thanks",
	})
	require.NoError(t, err)

	assert.Contains(t, links.seen, "https://example.com/post")
	linked := strings.Index(got, "### Launch post")
	latest := strings.Index(got, "Latest Request")
	require.GreaterOrEqual(t, linked, 0)
	assert.Less(t, linked, latest)
}

func TestBuildStep(t *testing.T) {
	b := NewBuilder()
	task := tracker.Task{ID: "1", Name: "Research fintechs", Notes: "Add to Attio if VCBench score > 40%"}

	tests := []struct {
		desc string
		want string
	}{
		{"Research stripe.com, run VCBench analysis", "## Company Research Instructions"},
		{"Build a market map of payments research", "## Market Map Instructions"},
		{"Write an email to the founders", "## Email Instructions"},
		{"Summarize the results", ""},
	}
	for _, tt := range tests {
		step := decompose.Step{Number: 2, Description: tt.desc, SuccessCriteria: "done"}
		got := b.BuildStep(task, step)

		assert.True(t, strings.HasPrefix(got, "Task Context: Research fintechs"))
		assert.Contains(t, got, "Overall Goal: Add to Attio if VCBench score > 40%")
		assert.Contains(t, got, "Current Step (2): "+tt.desc)
		assert.Contains(t, got, "Success Criteria: done")
		if tt.want == "" {
			assert.NotContains(t, got, "## ")
		} else {
			assert.Contains(t, got, tt.want)
		}
	}
}

func TestBuildTurn(t *testing.T) {
	got := BuildTurn("base prompt", 2, 5, []Turn{{Number: 1, Action: "thought", Summary: strings.Repeat("s", 600)}})

	assert.True(t, strings.HasPrefix(got, "base prompt"))
	assert.Contains(t, got, "Turn 1 (thought):")
	assert.Contains(t, got, strings.Repeat("s", 500)+"...")
	assert.NotContains(t, got, strings.Repeat("s", 501))
	assert.Contains(t, got, "## Turn 2 of 5")
}

func TestFinalAnswer(t *testing.T) {
	assert.True(t, IsFinal("done. FINAL_ANSWER: 42"))
	assert.True(t, IsFinal("NO_MORE_STEPS"))
	assert.False(t, IsFinal("keep going"))
	assert.Equal(t, "42", FinalAnswer("work...\nFINAL_ANSWER: 42"))
	assert.Equal(t, "plain", FinalAnswer("  plain "))
}
