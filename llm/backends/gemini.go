package backends

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"

	"github.com/c360studio/taskpilot/llm"
	"github.com/c360studio/taskpilot/model"
)

// contentGenerator is the slice of *genai.Models the backend uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiAPI calls Gemini through the Google GenAI SDK.
type GeminiAPI struct {
	label     string
	models    contentGenerator
	maxTokens int32
}

// NewGeminiAPI creates a Gemini API backend. The key is read from the
// endpoint's api_key_env, defaulting to GEMINI_API_KEY.
func NewGeminiAPI(ctx context.Context, label string, ep *model.EndpointConfig) (*GeminiAPI, error) {
	env := ep.APIKeyEnv
	if env == "" {
		env = "GEMINI_API_KEY"
	}
	key := os.Getenv(env)
	if key == "" {
		return nil, fmt.Errorf("%s: %s is not set", label, env)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create GenAI client: %w", err)
	}
	return &GeminiAPI{label: label, models: client.Models, maxTokens: int32(ep.MaxTokens)}, nil
}

// Invoke implements llm.Backend.
func (g *GeminiAPI) Invoke(ctx context.Context, modelName, prompt string) (*llm.Output, error) {
	var cfg *genai.GenerateContentConfig
	if g.maxTokens > 0 {
		cfg = &genai.GenerateContentConfig{MaxOutputTokens: g.maxTokens}
	}

	resp, err := g.models.GenerateContent(ctx, modelName, genai.Text(prompt), cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyGenAIError(fmt.Errorf("%s: %w", g.label, err))
	}

	out := &llm.Output{Text: resp.Text(), Model: modelName}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.TokenUsage{Input: int(u.PromptTokenCount), Output: int(u.CandidatesTokenCount)}
	}
	return out, nil
}

func classifyGenAIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return llm.NewRateLimitError(err, 0)
		case apiErr.Code >= 500, apiErr.Code == 408:
			return llm.NewTransientError(err)
		case apiErr.Code >= 400:
			return llm.NewFatalError(err)
		}
	}
	if isRateLimitMessage(err.Error()) {
		return llm.NewRateLimitError(err, 0)
	}
	if strings.Contains(err.Error(), "API key") {
		return llm.NewFatalError(err)
	}
	return llm.NewTransientError(err)
}
