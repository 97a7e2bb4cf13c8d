package orchestrator

import (
	"regexp"
	"strings"

	"github.com/c360studio/taskpilot/tracker"
)

// ReengagePolicy decides whether a comment on an already-answered task
// warrants another run. Matching is case-insensitive substring search.
type ReengagePolicy struct {
	RetryKeywords    []string `yaml:"retry_keywords"`
	FollowupKeywords []string `yaml:"followup_keywords"`
}

// DefaultReengagePolicy returns the stock keyword lists.
func DefaultReengagePolicy() ReengagePolicy {
	return ReengagePolicy{
		RetryKeywords: []string{"retry", "again", "redo", "rerun", "re-run", "try again"},
		FollowupKeywords: []string{
			"show", "can you", "could you", "would you", "please",
			"what", "where", "how", "why", "explain", "clarify",
			"tell me", "give me", "provide", "display",
		},
	}
}

// Reason explains a re-engagement decision.
type Reason string

const (
	ReasonNoPriorResponse Reason = "no_prior_response"
	ReasonRetry           Reason = "retry_requested"
	ReasonFollowup        Reason = "followup_question"
	ReasonAnswered        Reason = "already_answered"
)

// Decide reports whether comment should trigger a run given the task's
// comment history. A task whose latest comment is not a successful agent
// response is always eligible.
func (p ReengagePolicy) Decide(history []tracker.Comment, comment string) (bool, Reason) {
	if !HasSuccessfulResponse(history) {
		return true, ReasonNoPriorResponse
	}
	lower := strings.ToLower(comment)
	if containsAny(lower, p.RetryKeywords) {
		return true, ReasonRetry
	}
	if strings.Contains(comment, "?") || containsAny(lower, p.FollowupKeywords) {
		return true, ReasonFollowup
	}
	return false, ReasonAnswered
}

func containsAny(lower string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

var (
	agentPrefixes    = []string{"✅", "❌", "🤖", "⚠️", "🔄", "📧"}
	agentPhrases     = []string{"Workflow failed", "Agent error", "Multi-Step Execution"}
	responseHeaderRe = regexp.MustCompile(`^[\w .-]+ Response( \(\d+% confidence\))?:?\s*$`)
	stepSectionRe    = regexp.MustCompile(`━━━ Step \d+`)
	progressRe       = regexp.MustCompile(`Step \d+/\d+:`)
)

// IsAgentComment reports whether text was written by the agent: status
// prefixes, response headers, multi-step report sections or progress notes.
func IsAgentComment(text string) bool {
	trimmed := strings.TrimSpace(text)
	for _, p := range agentPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	for _, p := range agentPhrases {
		if strings.Contains(trimmed, p) {
			return true
		}
	}
	first, _, _ := strings.Cut(trimmed, "\n")
	return responseHeaderRe.MatchString(first) ||
		stepSectionRe.MatchString(trimmed) ||
		progressRe.MatchString(trimmed)
}

// HasSuccessfulResponse reports whether the latest comment is a final agent
// response that did not fail. Progress notes and error reports do not count.
func HasSuccessfulResponse(history []tracker.Comment) bool {
	if len(history) == 0 {
		return false
	}
	text := strings.TrimSpace(history[len(history)-1].Text)
	if !IsAgentComment(text) {
		return false
	}
	if !strings.HasPrefix(text, "🤖") && !strings.HasPrefix(text, "📧") {
		return false
	}
	return !strings.Contains(text, "No steps completed successfully") &&
		!strings.Contains(text, "Workflow failed") &&
		!strings.Contains(text, "Agent error")
}

// WantsDraft reports whether comment asks to see a previously drafted email.
func WantsDraft(comment string) bool {
	lower := strings.ToLower(comment)
	return strings.Contains(lower, "show") &&
		(strings.Contains(lower, "email") || strings.Contains(lower, "draft"))
}

var (
	draftSectionRe  = regexp.MustCompile(`(?s)━━━ Step \d+: Email Draft ━━━\n(.*?)(?:\n━━━|\z)`)
	resultSectionRe = regexp.MustCompile(`(?s)━━━ Step \d+ Result ━━━\n(.*?)(?:\n━━━|\z)`)
	responseBodyRe  = regexp.MustCompile(`(?s)Response(?: \(\d+% confidence\))?:?\n\n(.*)`)
	recalledBodyRe  = regexp.MustCompile(`(?s)Email Draft from previous execution:\n\n(.*)`)
)

// RecallDraft returns the most recent email draft the agent posted, searching
// multi-step report sections and single-step responses newest first.
func RecallDraft(history []tracker.Comment) (string, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		text := history[i].Text
		if !IsAgentComment(text) {
			continue
		}
		if m := draftSectionRe.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1]), true
		}
		for _, m := range resultSectionRe.FindAllStringSubmatch(text, -1) {
			if body := strings.TrimSpace(m[1]); looksLikeDraft(body) {
				return body, true
			}
		}
		if m := recalledBodyRe.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1]), true
		}
		if m := responseBodyRe.FindStringSubmatch(text); m != nil && looksLikeDraft(m[1]) {
			return strings.TrimSpace(m[1]), true
		}
	}
	return "", false
}

func looksLikeDraft(text string) bool {
	return emailHeaderRe.MatchString(text) || emailGreetingRe.MatchString(text)
}

// DraftComment renders a recalled draft for posting.
func DraftComment(draft string) string {
	return draftRecallTitle + "\n\n" + draft
}
