package backends

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/c360studio/taskpilot/llm"
	"github.com/c360studio/taskpilot/model"
)

// generator is the slice of *api.Client the backend uses.
type generator interface {
	Generate(ctx context.Context, req *api.GenerateRequest, fn api.GenerateResponseFunc) error
}

// Ollama calls a local Ollama server through its native API.
type Ollama struct {
	label     string
	client    generator
	maxTokens int
}

// NewOllama creates an Ollama backend. An empty URL uses OLLAMA_HOST or the
// default local address.
func NewOllama(label string, ep *model.EndpointConfig, httpClient *http.Client) (*Ollama, error) {
	var client *api.Client
	if ep.URL == "" {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", label, err)
		}
		client = c
	} else {
		u, err := url.Parse(strings.TrimSuffix(ep.URL, "/"))
		if err != nil {
			return nil, fmt.Errorf("%s: parse url: %w", label, err)
		}
		if httpClient == nil {
			httpClient = http.DefaultClient
		}
		client = api.NewClient(u, httpClient)
	}
	return &Ollama{label: label, client: client, maxTokens: ep.MaxTokens}, nil
}

// Invoke implements llm.Backend.
func (o *Ollama) Invoke(ctx context.Context, modelName, prompt string) (*llm.Output, error) {
	stream := false
	req := &api.GenerateRequest{
		Model:  modelName,
		Prompt: prompt,
		Stream: &stream,
	}
	if o.maxTokens > 0 {
		req.Options = map[string]any{"num_predict": o.maxTokens}
	}

	var text strings.Builder
	out := &llm.Output{Model: modelName}
	err := o.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		text.WriteString(resp.Response)
		if resp.Done {
			out.Usage = llm.TokenUsage{Input: resp.PromptEvalCount, Output: resp.EvalCount}
			if resp.Model != "" {
				out.Model = resp.Model
			}
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyOllamaError(fmt.Errorf("%s: %w", o.label, err))
	}
	out.Text = text.String()
	return out, nil
}

func classifyOllamaError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return llm.NewRateLimitError(err, 0)
		case statusErr.StatusCode >= 500, statusErr.StatusCode == http.StatusRequestTimeout:
			return llm.NewTransientError(err)
		case statusErr.StatusCode >= 400:
			return llm.NewFatalError(err)
		}
	}
	return llm.NewTransientError(err)
}
