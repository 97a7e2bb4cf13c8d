package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/c360studio/taskpilot/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeComments(texts ...string) []tracker.Comment {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	out := make([]tracker.Comment, len(texts))
	for i, text := range texts {
		out[i] = tracker.Comment{
			ID:        string(rune('a' + i)),
			TaskID:    "t1",
			Author:    "Dana",
			Text:      text,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
	}
	return out
}

func TestSummarize_ShortHistoryUnchanged(t *testing.T) {
	comments := makeComments("one", "two", "three", "four")
	assert.Equal(t, comments, Summarize(comments))
}

func TestSummarize_FewCommentsUnchangedEvenIfLong(t *testing.T) {
	long := strings.Repeat("x", 4000)
	comments := makeComments(long, long, long)
	assert.Equal(t, comments, Summarize(comments))
}

func TestSummarize_CollapsesOlderComments(t *testing.T) {
	filler := strings.Repeat("z", 1200)
	comments := makeComments(
		"Please research the company "+filler,
		"Also draft an email "+filler,
		"Let's analyze the data "+filler,
		"recent one",
		"recent two",
		"recent three "+filler,
	)

	got := Summarize(comments)
	require.Len(t, got, 4)

	summary := got[0]
	assert.Equal(t, SummaryCommentID, summary.ID)
	assert.Equal(t, SummaryAuthor, summary.Author)
	assert.Equal(t, comments[0].CreatedAt, summary.CreatedAt)
	assert.Equal(t,
		"Previous conversation (3 comments) : company research, email discussion, data analysis",
		summary.Text)
	assert.Equal(t, comments[3:], got[1:])
}

func TestSummarize_GeneralQuestionsTopic(t *testing.T) {
	filler := strings.Repeat("q", 2000)
	comments := makeComments(filler, filler, "x", "y", filler)

	got := Summarize(comments)
	require.Len(t, got, 4)
	assert.Equal(t, "Previous conversation (2 comments) : general questions", got[0].Text)
}

func TestSummarize_Idempotent(t *testing.T) {
	filler := strings.Repeat("w", 3000)
	comments := makeComments(filler, filler, "a", "b", filler)

	once := Summarize(comments)
	twice := Summarize(once)
	assert.Equal(t, once, twice)
}
