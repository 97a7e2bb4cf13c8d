package backends

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/taskpilot/llm"
	"github.com/c360studio/taskpilot/model"
)

// maxResponseSize caps how much of an HTTP response body is read.
const maxResponseSize = 10 << 20

// provider adapts one HTTP API's wire format.
type provider interface {
	BuildURL(baseURL string) string
	SetHeaders(req *http.Request, apiKey string)
	BuildRequestBody(model, prompt string, maxTokens int) ([]byte, error)
	ParseResponse(body []byte) (*llm.Output, error)
}

// HTTP invokes a hosted model over a JSON API.
type HTTP struct {
	label     string
	provider  provider
	url       string
	apiKey    string
	maxTokens int
	client    *http.Client
	logger    *slog.Logger
}

func newHTTP(label string, p provider, ep *model.EndpointConfig, client *http.Client, logger *slog.Logger) *HTTP {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	var key string
	if ep.APIKeyEnv != "" {
		key = os.Getenv(ep.APIKeyEnv)
	}
	return &HTTP{
		label:     label,
		provider:  p,
		url:       p.BuildURL(ep.URL),
		apiKey:    key,
		maxTokens: ep.MaxTokens,
		client:    client,
		logger:    logger,
	}
}

// Invoke implements llm.Backend.
func (h *HTTP) Invoke(ctx context.Context, modelName, prompt string) (*llm.Output, error) {
	body, err := h.provider.BuildRequestBody(modelName, prompt, h.maxTokens)
	if err != nil {
		return nil, llm.NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	h.logger.Debug("Sending LLM request", "backend", h.label, "model", modelName, "url", h.url)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, llm.NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	h.provider.SetHeaders(req, h.apiKey)

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, llm.NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp.StatusCode, resp.Header, respBody)
	}

	out, err := h.provider.ParseResponse(respBody)
	if err != nil {
		return nil, llm.NewTransientError(err)
	}
	if out.Model == "" {
		out.Model = modelName
	}
	return out, nil
}

// classifyHTTPError maps a non-200 status to the gateway's error taxonomy.
func classifyHTTPError(status int, header http.Header, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 500 {
		msg = msg[:500] + "..."
	}
	err := fmt.Errorf("HTTP %d: %s", status, msg)

	switch {
	case status == http.StatusTooManyRequests:
		return llm.NewRateLimitError(err, retryAfter(header))
	case status >= 500, status == http.StatusRequestTimeout:
		return llm.NewTransientError(err)
	default:
		return llm.NewFatalError(err)
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
