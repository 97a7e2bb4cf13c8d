package retitle

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	researchNotesRe   = regexp.MustCompile(`(?i)research\s+([a-z0-9.-]+\.[a-z]{2,})`)
	researchCommentRe = regexp.MustCompile(`(?i)research.*?([a-z0-9.-]+\.[a-z]{2,})`)
	crmNotesRe        = regexp.MustCompile(`(?i)attio.*?([a-z0-9.-]+\.[a-z]{2,})`)
	companyCommentRe  = regexp.MustCompile(`(?i)company.*?([a-z0-9.-]+\.[a-z]{2,})`)
	marketMapRe       = regexp.MustCompile(`(?i)market\s+map`)
	marketMapCtxRe    = regexp.MustCompile(`(?i)market\s+map.*?(?:for|about|on)?\s*["']?([^"'\n]{10,50})["']?`)
	anyDomainRe       = regexp.MustCompile(`(?i)([a-z0-9.-]+\.[a-z]{2,})`)
	subjectRe         = regexp.MustCompile(`Subject:[ \t]*(.+)`)
	recipientRe       = regexp.MustCompile(`(?i)(?:email|write to|send to)\s+([a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,})`)
	hostRe            = regexp.MustCompile(`https?://(?:www\.)?([^/\s]+)`)
	searchRe          = regexp.MustCompile(`(?i)\bsearch\s+(?:for\s+)?["']?(.{10,50})["']?`)
	taskRe            = regexp.MustCompile(`(?i)(?:create task|add task|task for)\s+["']?(.{10,50})["']?`)
	calendarRe        = regexp.MustCompile(`(?i)(?:schedule|calendar|meeting)\s+(?:with\s+)?["']?(.{10,50})["']?`)
	vcbenchRe         = regexp.MustCompile(`(?i)vcbench`)
	trailingPunctRe   = regexp.MustCompile(`[.,:;!?]+$`)

	knownDomainRe = regexp.MustCompile(`(?i)([a-z0-9.-]+\.(?:com|io|ai|co|net|org))`)
	addressRe     = regexp.MustCompile(`(?i)([a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,})`)
)

type actionPattern struct {
	re     *regexp.Regexp
	prefix string
}

var workflowActions = []actionPattern{
	{regexp.MustCompile(`(?im)^(?:analyze|review|summarize)\s+(?:(?:a|an|the)\s+)?(.{10,60})`), "Analysis"},
	{regexp.MustCompile(`(?im)^(?:draft|write|compose)\s+(?:(?:a|an|the)\s+)?(.{10,60})`), "Draft"},
	{regexp.MustCompile(`(?im)^(?:create|generate|build)\s+(?:(?:a|an|the)\s+)?(.{10,60})`), "Create"},
	{regexp.MustCompile(`(?im)^(?:find|search|locate)\s+(?:(?:a|an|the)\s+)?(.{10,60})`), "Search"},
	{regexp.MustCompile(`(?im)^(?:update|modify|change)\s+(?:(?:a|an|the)\s+)?(.{10,60})`), "Update"},
}

var noteActions = []*regexp.Regexp{
	regexp.MustCompile(`(?im)^(research|analyze|review|summarize|create|draft|send|write|update|find|check|add)\s+(.{10,60})`),
	regexp.MustCompile(`(?i)(research|analyze|review|summarize|create|draft|send|write|update|find|check|add)\s+(?:(?:a|an|the)\s+)?(.{10,60})`),
}

// submatch returns the first capture group of re in s, or "".
func submatch(re *regexp.Regexp, s string) string {
	if m := re.FindStringSubmatch(s); len(m) > 1 {
		return m[1]
	}
	return ""
}

// fromWorkflow recognizes the kind of work a run did and names it, e.g.
// "Research : stripe.com" or "Email : Intro to Acme". It returns "" when no
// pattern applies.
func fromWorkflow(notes, comment string) string {
	if d := submatch(researchNotesRe, notes); d != "" {
		return "Research : " + d
	}
	if d := submatch(researchCommentRe, comment); d != "" {
		return "Research : " + d
	}

	if d := submatch(crmNotesRe, notes); d != "" {
		return "Company Review : " + d
	}
	if d := submatch(companyCommentRe, comment); d != "" {
		return "Company Review : " + d
	}

	if marketMapRe.MatchString(notes) || marketMapRe.MatchString(comment) {
		if c := submatch(marketMapCtxRe, notes); c != "" {
			return "Market Map : " + strings.TrimSpace(c)
		}
		if d := submatch(anyDomainRe, notes); d != "" {
			return "Market Map : " + d
		}
		return "Market Map Generation"
	}

	if s := strings.TrimSpace(submatch(subjectRe, comment)); utf8.RuneCountInString(s) > 5 {
		return "Email : " + s
	}

	if addr := submatch(recipientRe, notes); addr != "" {
		return "Email to " + nameFromAddress(addr)
	}

	if host := submatch(hostRe, notes); host != "" {
		return "Summary : " + host
	}

	if q := submatch(searchRe, notes); q != "" {
		return "Search : " + strings.TrimSpace(q)
	}
	if t := submatch(taskRe, notes); t != "" {
		return "Task : " + strings.TrimSpace(t)
	}
	if e := submatch(calendarRe, notes); e != "" {
		return "Calendar : " + strings.TrimSpace(e)
	}

	if vcbenchRe.MatchString(notes) || vcbenchRe.MatchString(comment) {
		if d := submatch(anyDomainRe, notes); d != "" {
			return "VCBench Analysis : " + d
		}
		return "VCBench Company Analysis"
	}

	for _, a := range workflowActions {
		if c := submatch(a.re, notes); c != "" {
			c = truncate(trailingPunctRe.ReplaceAllString(strings.TrimSpace(c), ""), 50)
			if utf8.RuneCountInString(c) >= 5 {
				return a.prefix + " : " + c
			}
		}
	}

	if utf8.RuneCountInString(notes) > 20 {
		first := strings.TrimSpace(sentenceEndRe.Split(notes, 2)[0])
		if n := utf8.RuneCountInString(first); n > 15 && n < 100 {
			return first
		}
	}
	return ""
}

// contextFromNotes names what a task was about, for titles of failed runs.
func contextFromNotes(notes string) string {
	if notes == "" {
		return ""
	}

	if d := submatch(knownDomainRe, notes); d != "" {
		verbRe := regexp.MustCompile(`(?i)(research|analyze|review|find|check|add|create|update)\s+.*?` + regexp.QuoteMeta(d))
		if v := submatch(verbRe, notes); v != "" {
			return capitalize(v) + " " + d
		}
		return d
	}

	if addr := submatch(addressRe, notes); addr != "" {
		return "Email to " + nameFromAddress(addr)
	}

	if host := submatch(hostRe, notes); host != "" {
		return "Article from " + host
	}

	for _, l := range strings.Split(notes, "\n") {
		l = strings.TrimSpace(l)
		if n := utf8.RuneCountInString(l); n >= 10 {
			if n <= 100 {
				return l
			}
			break
		}
	}

	for _, re := range noteActions {
		if m := re.FindStringSubmatch(notes); m != nil {
			c := truncate(trailingPunctRe.ReplaceAllString(strings.TrimSpace(m[2]), ""), 50)
			if utf8.RuneCountInString(c) >= 5 {
				return capitalize(m[1]) + " " + c
			}
		}
	}
	return ""
}
