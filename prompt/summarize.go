package prompt

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/c360studio/taskpilot/tracker"
)

const (
	// SummaryBudget is the total comment-text length, in characters, above
	// which older history is collapsed.
	SummaryBudget = 5000

	// SummaryCommentID identifies the synthetic comment that replaces
	// collapsed history.
	SummaryCommentID = "summary"

	// SummaryAuthor is the author recorded on the synthetic comment.
	SummaryAuthor = "System"

	keepRecent = 3
)

// topicBuckets map keywords found in collapsed history to a topic label.
var topicBuckets = []struct {
	keywords []string
	topic    string
}{
	{keywords: []string{"company", "research"}, topic: "company research"},
	{keywords: []string{"email", "draft"}, topic: "email discussion"},
	{keywords: []string{"task", "asana"}, topic: "task management"},
	{keywords: []string{"data", "analyze"}, topic: "data analysis"},
}

// Summarize collapses long comment histories. When the combined text length
// reaches SummaryBudget, every comment except the last three is replaced by a
// single System comment listing the topics discussed. Short histories are
// returned unchanged, as are histories whose only older entry is already a
// summary.
func Summarize(comments []tracker.Comment) []tracker.Comment {
	if len(comments) <= keepRecent {
		return comments
	}

	total := 0
	for _, c := range comments {
		total += utf8.RuneCountInString(c.Text)
	}
	if total < SummaryBudget {
		return comments
	}

	cut := len(comments) - keepRecent
	older := comments[:cut]
	if len(older) == 1 && older[0].ID == SummaryCommentID {
		return comments
	}

	summary := tracker.Comment{
		ID:        SummaryCommentID,
		TaskID:    older[0].TaskID,
		Author:    SummaryAuthor,
		Text:      fmt.Sprintf("Previous conversation (%d comments) : %s", len(older), strings.Join(topics(older), ", ")),
		CreatedAt: older[0].CreatedAt,
	}

	out := make([]tracker.Comment, 0, keepRecent+1)
	out = append(out, summary)
	return append(out, comments[cut:]...)
}

func topics(comments []tracker.Comment) []string {
	texts := make([]string, len(comments))
	for i, c := range comments {
		texts[i] = c.Text
	}
	combined := strings.ToLower(strings.Join(texts, " "))

	var found []string
	for _, b := range topicBuckets {
		for _, kw := range b.keywords {
			if strings.Contains(combined, kw) {
				found = append(found, b.topic)
				break
			}
		}
	}
	if len(found) == 0 {
		return []string{"general questions"}
	}
	return found
}
