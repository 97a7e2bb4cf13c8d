package llm

import (
	"regexp"
	"strings"

	"github.com/c360studio/taskpilot/model"
)

const (
	complexPromptChars  = 10000
	moderatePromptChars = 2000
)

var (
	analysisIndicators  = regexp.MustCompile(`(?i)analyze|evaluate|compare|assess`)
	multiStepIndicators = regexp.MustCompile(`(?i)first.*then|step \d+|multiple`)
)

// DetectComplexity infers a tier for prompts submitted with model.Auto.
func DetectComplexity(prompt string) model.Complexity {
	switch {
	case len(prompt) > complexPromptChars,
		analysisIndicators.MatchString(prompt),
		multiStepIndicators.MatchString(prompt):
		return model.Complex
	case len(prompt) > moderatePromptChars || strings.Contains(prompt, "```"):
		return model.Moderate
	default:
		return model.Simple
	}
}

// resolveComplexity maps Auto and unknown values to a concrete tier.
func resolveComplexity(prompt string, c model.Complexity) model.Complexity {
	switch c {
	case model.Simple, model.Moderate, model.Complex:
		return c
	default:
		return DetectComplexity(prompt)
	}
}
