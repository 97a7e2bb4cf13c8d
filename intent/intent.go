// Package intent classifies a task's free text into one of a fixed set of
// categories. Classification is pure: no I/O and no state.
package intent

import (
	"strings"
	"unicode/utf8"

	"github.com/c360studio/taskpilot/tracker"
)

// Category is the closed set of task intents.
type Category string

const (
	// SimpleQuery is a short factual question that needs no tools.
	SimpleQuery Category = "simple_query"

	// Email covers drafting, sending and replying to mail.
	Email Category = "email"

	// CompanyResearch covers company lookups, CRM updates and market maps.
	CompanyResearch Category = "company_research"

	// General is everything else.
	General Category = "general"
)

// Categories lists every category in classification priority order.
var Categories = []Category{SimpleQuery, Email, CompanyResearch, General}

// simpleQueryMaxLen is the longest combined text still considered a simple query.
const simpleQueryMaxLen = 100

var (
	simpleQueryExclusions = []string{"attio", "email", "send", "draft"}
	questionIndicators    = []string{"weather", "time", "what", "when", "where", "who", "how", "why"}
	emailKeywords         = []string{"email", "draft", "send", "reply", "message", "mail", "compose"}
	companyKeywords       = []string{
		"research", "company", "attio", "vcbench", "harmonic",
		"competitor", "startup", "domain", "market map", "theorymcp",
	}
)

// IsValid reports whether c is one of the known categories.
func (c Category) IsValid() bool {
	switch c {
	case SimpleQuery, Email, CompanyResearch, General:
		return true
	}
	return false
}

// String returns the string representation of the category.
func (c Category) String() string {
	return string(c)
}

// ParseCategory converts a string to a Category, returning General for
// unknown values.
func ParseCategory(s string) Category {
	c := Category(s)
	if c.IsValid() {
		return c
	}
	return General
}

// Classify returns the category for a task and an optional triggering comment.
func Classify(task tracker.Task, comment string) Category {
	return ClassifyText(task.Text(comment))
}

// ClassifyText returns the category for already-combined text. Rules are
// evaluated in priority order and the first match wins.
func ClassifyText(text string) Category {
	lower := strings.ToLower(text)

	switch {
	case isSimpleQuery(lower):
		return SimpleQuery
	case containsAny(lower, emailKeywords):
		return Email
	case containsAny(lower, companyKeywords):
		return CompanyResearch
	default:
		return General
	}
}

func isSimpleQuery(lower string) bool {
	if utf8.RuneCountInString(lower) > simpleQueryMaxLen {
		return false
	}
	if containsAny(lower, simpleQueryExclusions) {
		return false
	}
	return containsAny(lower, questionIndicators)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
