package llm

import "context"

// Backend invokes one concrete LLM provider. Implementations live in the
// backends package and classify their failures with the error types in this
// package so the gateway can decide between retrying and moving on.
type Backend interface {
	Invoke(ctx context.Context, model, prompt string) (*Output, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, model, prompt string) (*Output, error)

// Invoke calls f.
func (f BackendFunc) Invoke(ctx context.Context, model, prompt string) (*Output, error) {
	return f(ctx, model, prompt)
}

// Output is the raw result of a successful backend invocation.
type Output struct {
	Text  string
	Model string
	Usage TokenUsage
}

// TokenUsage counts tokens for one invocation. Backends that cannot report
// usage leave it zero and the gateway estimates it.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int {
	return u.Input + u.Output
}

// EstimateTokens approximates a token count as one token per four bytes.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}
