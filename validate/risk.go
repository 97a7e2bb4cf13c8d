package validate

import (
	"fmt"
	"regexp"
)

// Severity ranks how dangerous a finding is.
type Severity int

const (
	Safe Severity = iota
	Low
	Medium
	High
	Critical
)

var severityNames = [...]string{"safe", "low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < Safe || s > Critical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Issue kinds.
const (
	KindSecurity       = "security"
	KindMissingFeature = "missing_feature"
	KindSyntax         = "syntax"
	KindLogic          = "logic"
	KindSafety         = "safety"
	KindReliability    = "reliability"
	KindResource       = "resource"
)

// Issue is one finding in a code block.
type Issue struct {
	Kind     string   `json:"kind"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`

	// Pattern is set for catalogue matches; sanitization comments out the
	// lines it matches.
	Pattern string `json:"pattern,omitempty"`
}

type riskRule struct {
	re       *regexp.Regexp
	severity Severity
	message  string
}

func rule(pattern string, s Severity, msg string) riskRule {
	return riskRule{re: regexp.MustCompile(pattern), severity: s, message: msg}
}

var riskCatalogue = []riskRule{
	// Filesystem destruction
	rule(`rm\s+-rf?\s+/`, Critical, "Destructive file deletion detected"),
	rule(`mkfs`, Critical, "Filesystem format command detected"),
	rule(`dd\s+if=.*of=/dev`, Critical, "Direct disk write detected"),

	// Remote code and network
	rule(`curl.*\|\s*(bash|sh)`, High, "Remote code execution detected"),
	rule(`wget.*\|\s*(bash|sh)`, High, "Remote code execution detected"),
	rule(`nc\s+-l`, Medium, "Network listener detected"),

	// Credentials
	rule(`(?i)(?:api[_-]?key|password|token|secret)\s*[:=]\s*["'][\w\-]+["']`, High, "Potential credential exposure"),
	rule(`(?:ENV\[|os\.Getenv\(|os\.environ|process\.env)[^\n]*(?:KEY|TOKEN|SECRET)`, Medium, "Environment variable access"),

	// Dynamic execution
	rule(`\beval\s*\(`, High, "Dynamic code evaluation detected"),
	rule(`\bexec\s*\(`, High, "Dynamic code execution detected"),
	rule(`\bsystem\s*\(`, Medium, "System command execution"),
	rule("`[^`]+`", Low, "Backtick command execution"),
	rule(`%x\{`, Low, "Percent-x command execution"),

	// Processes
	rule(`fork\s*\{\s*fork`, Critical, "Fork bomb pattern detected"),
	rule(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`, Critical, "Fork bomb pattern detected"),
	rule(`Process\.kill|os\.kill\(|syscall\.Kill`, Medium, "Process termination detected"),
	rule(`Signal\.trap|signal\.Notify|signal\.signal\(`, Low, "Signal handling detected"),

	// Resource exhaustion
	rule(`loop\s*do\s*\z`, Medium, "Infinite loop risk"),
	rule(`while\s+(?:true|True|:)`, Low, "Potentially infinite loop"),
	rule(`sleep\s*\(?\s*\d{4,}`, Low, "Long sleep detected"),
}

var (
	errorHandlingRe = regexp.MustCompile(`begin|rescue|ensure|try|catch|error|except|err != nil|set -e`)
	loggingRe       = regexp.MustCompile(`log|logger|puts|print|echo|fmt\.Fprint`)
	validationRe    = regexp.MustCompile(`validate|valid\?|check|verify|nil\?|empty\?|!= nil|is None|\[ -[zn] `)
)

// Shape checks that need a second pattern to clear them.
var (
	unboundedLoopRe = regexp.MustCompile(`(?m)(?:while\s+(?:true|True)\s*:?|for\s*\{|loop\s+do)\s*$`)
	loopExitRe      = regexp.MustCompile(`\b(?:break|return|exit)\b`)

	fileOpRe    = regexp.MustCompile(`os\.(?:Remove|RemoveAll|WriteFile|Create)\(|File\.(?:open|write|delete|unlink)|os\.remove\(|shutil\.rmtree|\brm\s+-`)
	fileCheckRe = regexp.MustCompile(`os\.Stat|os\.path\.exists|File\.exist\?|File\.file\?|\[ -[efd] `)

	networkRe = regexp.MustCompile(`http\.(?:Get|Post)\(|requests\.(?:get|post)\(|urllib|Net::HTTP|\bcurl\s`)
	timeoutRe = regexp.MustCompile(`(?i)timeout|--max-time|\s-m\s+\d`)

	openRe  = regexp.MustCompile(`os\.Open\(|os\.Create\(|\bopen\(|\.new\s*\(`)
	closeRe = regexp.MustCompile(`\.(?:close|Close)\b|\bwith open\(|\bensure\b`)
)

// scanRisks returns catalogue matches for code and the highest severity.
func scanRisks(code string) ([]Issue, Severity) {
	var issues []Issue
	level := Safe
	for _, r := range riskCatalogue {
		if !r.re.MatchString(code) {
			continue
		}
		issues = append(issues, Issue{
			Kind:     KindSecurity,
			Severity: r.severity,
			Message:  r.message,
			Pattern:  r.re.String(),
		})
		level = max(level, r.severity)
	}
	return issues, level
}

// scanShape flags risky code shapes that are not dangerous on their own.
func scanShape(code string) []Issue {
	var issues []Issue
	if unboundedLoopRe.MatchString(code) && !loopExitRe.MatchString(code) {
		issues = append(issues, Issue{Kind: KindLogic, Severity: Medium, Message: "Potentially infinite loop without break condition"})
	}
	if fileOpRe.MatchString(code) && !fileCheckRe.MatchString(code) {
		issues = append(issues, Issue{Kind: KindSafety, Severity: Low, Message: "File operations without existence checks"})
	}
	if networkRe.MatchString(code) && !timeoutRe.MatchString(code) {
		issues = append(issues, Issue{Kind: KindReliability, Severity: Low, Message: "Network operations without timeout"})
	}
	if openRe.MatchString(code) && !closeRe.MatchString(code) {
		issues = append(issues, Issue{Kind: KindResource, Severity: Low, Message: "Resource allocation without cleanup"})
	}
	return issues
}
