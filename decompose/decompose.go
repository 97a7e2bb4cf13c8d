// Package decompose splits a task into an ordered list of independently
// executable steps.
//
// Detection is pattern based and pure. A task naming several companies to
// research becomes one step per company; everything else is a single step.
package decompose

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/c360studio/taskpilot/tracker"
)

// Step is one unit of decomposed work.
type Step struct {
	Number          int    `json:"number"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	SuccessCriteria string `json:"success_criteria"`
	RetryOnFailure  bool   `json:"retry_on_failure"`
}

const (
	singleStepName     = "Execute task"
	singleStepCriteria = "Task completed successfully"
	researchCriteria   = "Company researched and decision made (add to Attio or skip)"
)

var (
	// domainRe matches domain-like tokens. Go's regexp has no lookbehind, so
	// tokens preceded by "@" are rejected in scanDomains instead.
	domainRe = regexp.MustCompile(`\b[\w-]+\.(?:com|io|ai|co|net|org|so)\b`)

	thresholdRe      = regexp.MustCompile(`>\s*(\d+)\s*%`)
	// Lazy so the whole number after ">" is captured, not its last digit.
	scoreThresholdRe = regexp.MustCompile(`score.*>.*?(\d+)`)
	numberedListRe   = regexp.MustCompile(`\d+\.\s+`)
)

// Decompose returns the ordered steps for a task and optional triggering
// comment. The result is never empty.
func Decompose(task tracker.Task, comment string) []Step {
	return DecomposeText(task.Text(comment))
}

// ShouldDecompose reports whether Decompose yields more than one step.
func ShouldDecompose(task tracker.Task, comment string) bool {
	return len(Decompose(task, comment)) > 1
}

// DecomposeText returns the ordered steps for already-combined text.
func DecomposeText(text string) []Step {
	lower := strings.ToLower(text)

	if isMultiCompanyResearch(text, lower) {
		if steps := companySteps(text, lower); len(steps) > 0 {
			return steps
		}
		return []Step{singleStep(text)}
	}

	// Multi-step workflows are recognized but not yet split; they run as one step.
	if isMultiStepWorkflow(lower) {
		return []Step{singleStep(text)}
	}

	return []Step{singleStep(text)}
}

// ExtractDomains returns the distinct domain-like tokens in text in order of
// first appearance. Tokens immediately preceded by "@" are email-address
// domains and are never returned.
func ExtractDomains(text string) []string {
	all := scanDomains(text)
	seen := make(map[string]bool, len(all))
	domains := make([]string, 0, len(all))
	for _, d := range all {
		if seen[d] {
			continue
		}
		seen[d] = true
		domains = append(domains, d)
	}
	return domains
}

// CountDomains returns the number of domain-like tokens in text, counting
// repeats and excluding email-address domains.
func CountDomains(text string) int {
	return len(scanDomains(text))
}

func scanDomains(text string) []string {
	var out []string
	for _, loc := range domainRe.FindAllStringIndex(text, -1) {
		if loc[0] > 0 && text[loc[0]-1] == '@' {
			continue
		}
		out = append(out, text[loc[0]:loc[1]])
	}
	return out
}

func isMultiCompanyResearch(text, lower string) bool {
	if !strings.Contains(lower, "research") && !strings.Contains(lower, "analyze") {
		return false
	}

	count := CountDomains(text)
	hasList := strings.Contains(text, " and ") || strings.Count(text, ",") >= 2

	return count >= 2 || (count >= 1 && hasList)
}

func isMultiStepWorkflow(lower string) bool {
	for _, marker := range []string{"then ", "after ", "first "} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	if strings.Contains(lower, "if ") && strings.Contains(lower, "add") {
		return true
	}
	return numberedListRe.MatchString(lower)
}

func companySteps(text, lower string) []Step {
	domains := ExtractDomains(text)
	if len(domains) == 0 {
		return nil
	}

	actions := researchActions(text, lower)
	steps := make([]Step, 0, len(domains))
	for i, domain := range domains {
		desc := append([]string{"Research " + domain}, actions...)
		steps = append(steps, Step{
			Number:          i + 1,
			Name:            "Research " + domain,
			Description:     strings.Join(desc, ", "),
			SuccessCriteria: researchCriteria,
			RetryOnFailure:  true,
		})
	}
	return steps
}

// researchActions lists the per-company follow-up actions requested by the text.
func researchActions(text, lower string) []string {
	var actions []string
	if strings.Contains(lower, "vcbench") {
		actions = append(actions, "run VCBench analysis")
	}
	if strings.Contains(lower, "harmonic") {
		actions = append(actions, "get Harmonic traction data")
	}

	if strings.Contains(lower, "attio") {
		if strings.Contains(lower, "add") {
			if threshold := scoreThreshold(text, lower); threshold != "" {
				actions = append(actions, fmt.Sprintf("add to Attio if VCBench score > %s%%", threshold))
			} else {
				actions = append(actions, "add to Attio if meets criteria")
			}
		} else {
			actions = append(actions, "update Attio record")
		}
	}
	return actions
}

func scoreThreshold(text, lower string) string {
	if m := thresholdRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if m := scoreThresholdRe.FindStringSubmatch(lower); m != nil {
		return m[1]
	}
	return ""
}

func singleStep(text string) Step {
	return Step{
		Number:          1,
		Name:            singleStepName,
		Description:     text,
		SuccessCriteria: singleStepCriteria,
		RetryOnFailure:  false,
	}
}
