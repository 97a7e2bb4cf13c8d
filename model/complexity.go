// Package model maps prompt complexity to ordered tiers of LLM backends and
// tracks backend health.
//
// Callers never name a backend directly. They state how hard a prompt is
// (simple, moderate, complex) and the registry resolves the tier: an ordered
// fallback chain, a per-backend timeout and a retry budget.
package model

// Complexity is the difficulty tier of a prompt.
type Complexity string

const (
	// Simple is for short factual prompts.
	Simple Complexity = "simple"

	// Moderate is for longer prompts or prompts containing code.
	Moderate Complexity = "moderate"

	// Complex is for long, analytical or multi-step prompts.
	Complex Complexity = "complex"

	// Auto asks the gateway to infer the tier from the prompt.
	Auto Complexity = "auto"
)

// IsValid reports whether c names a concrete tier or Auto.
func (c Complexity) IsValid() bool {
	switch c {
	case Simple, Moderate, Complex, Auto:
		return true
	}
	return false
}

// String returns the string representation of the complexity.
func (c Complexity) String() string {
	return string(c)
}

// ParseComplexity converts a string to a Complexity, returning empty for
// invalid values.
func ParseComplexity(s string) Complexity {
	c := Complexity(s)
	if c.IsValid() {
		return c
	}
	return ""
}
