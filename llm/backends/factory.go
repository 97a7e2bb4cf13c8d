// Package backends implements llm.Backend for the supported providers: the
// Claude and Gemini command-line clients, the Anthropic and OpenAI-compatible
// HTTP APIs, the Gemini API and a local Ollama server.
package backends

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/c360studio/taskpilot/llm"
	"github.com/c360studio/taskpilot/model"
)

// New creates the backend for one endpoint.
func New(ctx context.Context, name string, ep *model.EndpointConfig, logger *slog.Logger) (llm.Backend, error) {
	if ep == nil {
		return nil, fmt.Errorf("backend %s: no endpoint configuration", name)
	}
	switch ep.Kind {
	case model.KindClaudeCLI, model.KindGeminiCLI:
		return NewCLI(name, ep, logger)
	case model.KindAnthropic:
		if ep.APIKeyEnv == "" {
			cp := *ep
			cp.APIKeyEnv = "ANTHROPIC_API_KEY"
			ep = &cp
		}
		return newHTTP(name, anthropicProvider{}, ep, http.DefaultClient, logger), nil
	case model.KindOpenAI:
		return newHTTP(name, openAIProvider{}, ep, http.DefaultClient, logger), nil
	case model.KindGemini:
		return NewGeminiAPI(ctx, name, ep)
	case model.KindOllama:
		return NewOllama(name, ep, nil)
	default:
		return nil, fmt.Errorf("backend %s: unknown kind %q", name, ep.Kind)
	}
}

// NewAll creates a backend for every endpoint in the registry. Endpoints that
// cannot be created, such as a CLI that is not installed, are logged and left
// out; the gateway treats them as unconfigured and falls through.
func NewAll(ctx context.Context, reg *model.Registry, logger *slog.Logger) map[string]llm.Backend {
	if logger == nil {
		logger = slog.Default()
	}
	out := make(map[string]llm.Backend)
	for _, name := range reg.ListEndpoints() {
		b, err := New(ctx, name, reg.GetEndpoint(name), logger)
		if err != nil {
			logger.Warn("Backend unavailable", "backend", name, "error", err)
			continue
		}
		out[name] = b
	}
	return out
}
