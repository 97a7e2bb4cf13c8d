package llm

import "strings"

var fallbackMessages = []struct {
	keyword string
	message string
}{
	{"email", "Unable to process this email task automatically. Manual email processing required."},
	{"task", "Unable to process this task automatically. Manual task creation required."},
	{"search", "Unable to perform this search automatically. Manual search required."},
	{"company", "Unable to process this company data automatically. Manual CRM update required."},
}

// SafeFallback returns a human-readable placeholder for callers that prefer
// a soft failure over an error comment. The first keyword found in the
// prompt picks the message.
func SafeFallback(prompt string) string {
	lower := strings.ToLower(prompt)
	for _, f := range fallbackMessages {
		if strings.Contains(lower, f.keyword) {
			return f.message
		}
	}
	return "AI assistance unavailable. This task requires manual intervention."
}
