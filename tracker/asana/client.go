// Package asana implements tracker.Client over the Asana REST API.
//
// Every request is retried with exponential backoff on network errors and
// 5xx responses. A 429 response is retried after waiting out its Retry-After
// header. Other 4xx responses fail immediately.
package asana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/c360studio/taskpilot/tracker"
)

// DefaultBaseURL is the Asana API root.
const DefaultBaseURL = "https://app.asana.com/api/1.0"

// maxBodySize caps how much of a response body is read.
const maxBodySize = 10 << 20

// Config configures the client.
type Config struct {
	BaseURL string `yaml:"base_url"`

	// TokenEnv names the environment variable holding the personal access
	// token.
	TokenEnv string `yaml:"token_env"`

	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     uint64        `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxRetryAfter caps how long a 429 response may make us wait.
	MaxRetryAfter time.Duration `yaml:"max_retry_after"`

	PageSize int `yaml:"page_size"`
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		BaseURL:        DefaultBaseURL,
		TokenEnv:       "ASANA_API_KEY",
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 2 * time.Second,
		MaxRetryAfter:  60 * time.Second,
		PageSize:       100,
	}
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("asana: HTTP %d: %s", e.Code, e.Body)
}

// Client talks to Asana.
type Client struct {
	cfg    Config
	token  string
	http   *http.Client
	logger *slog.Logger
}

var _ tracker.Client = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithToken sets the token directly instead of reading Config.TokenEnv.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) (*Client, error) {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.TokenEnv == "" {
		cfg.TokenEnv = def.TokenEnv
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = def.MaxRetryAfter
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.token == "" {
		c.token = os.Getenv(cfg.TokenEnv)
	}
	if c.token == "" {
		return nil, fmt.Errorf("asana: no API token (set %s)", cfg.TokenEnv)
	}
	return c, nil
}

type taskData struct {
	GID       string `json:"gid"`
	Name      string `json:"name"`
	Notes     string `json:"notes"`
	Completed bool   `json:"completed"`
}

type storyData struct {
	GID       string    `json:"gid"`
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy *struct {
		Name string `json:"name"`
	} `json:"created_by"`
}

type page[T any] struct {
	Data     []T `json:"data"`
	NextPage *struct {
		Offset string `json:"offset"`
	} `json:"next_page"`
}

// FetchIncompleteTasks lists incomplete tasks across projects. A task in
// several projects is returned once. Projects that fail are skipped; their
// errors are joined into the returned error alongside the tasks that were
// fetched.
func (c *Client) FetchIncompleteTasks(ctx context.Context, projectIDs []string) ([]tracker.Task, error) {
	var (
		tasks []tracker.Task
		seen  = make(map[string]bool)
		errs  []error
	)
	for _, project := range projectIDs {
		q := url.Values{
			"opt_fields":      {"name,notes,completed"},
			"completed_since": {"now"},
		}
		items, err := getAll[taskData](ctx, c, "/projects/"+url.PathEscape(project)+"/tasks", q)
		if err != nil {
			c.logger.Warn("Failed to fetch project tasks", "project", project, "error", err)
			errs = append(errs, fmt.Errorf("project %s: %w", project, err))
			continue
		}
		for _, t := range items {
			if t.Completed || seen[t.GID] {
				continue
			}
			seen[t.GID] = true
			tasks = append(tasks, tracker.Task{ID: t.GID, Name: t.Name, Notes: t.Notes})
		}
	}
	return tasks, errors.Join(errs...)
}

// FetchComments returns the user comments on a task, oldest first. System
// stories are dropped.
func (c *Client) FetchComments(ctx context.Context, taskID string) ([]tracker.Comment, error) {
	q := url.Values{"opt_fields": {"gid,text,created_at,created_by.name,type"}}
	stories, err := getAll[storyData](ctx, c, "/tasks/"+url.PathEscape(taskID)+"/stories", q)
	if err != nil {
		return nil, err
	}

	var comments []tracker.Comment
	for _, s := range stories {
		if s.Type != "comment" {
			continue
		}
		cm := tracker.Comment{ID: s.GID, TaskID: taskID, Text: s.Text, CreatedAt: s.CreatedAt}
		if s.CreatedBy != nil {
			cm.Author = s.CreatedBy.Name
		}
		comments = append(comments, cm)
	}
	return comments, nil
}

// AddComment posts text as a comment on the task.
func (c *Client) AddComment(ctx context.Context, taskID, text string) error {
	body := map[string]any{"data": map[string]string{"text": text}}
	return c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/stories", nil, body, nil)
}

// UpdateTitle renames the task.
func (c *Client) UpdateTitle(ctx context.Context, taskID, title string) error {
	body := map[string]any{"data": map[string]string{"name": title}}
	return c.do(ctx, http.MethodPut, "/tasks/"+url.PathEscape(taskID), nil, body, nil)
}

// getAll follows next_page offsets until the listing is exhausted.
func getAll[T any](ctx context.Context, c *Client, path string, q url.Values) ([]T, error) {
	q.Set("limit", strconv.Itoa(c.cfg.PageSize))

	var all []T
	for {
		var p page[T]
		if err := c.do(ctx, http.MethodGet, path, q, nil, &p); err != nil {
			return nil, err
		}
		all = append(all, p.Data...)
		if p.NextPage == nil || p.NextPage.Offset == "" {
			return all, nil
		}
		q.Set("offset", p.NextPage.Offset)
	}
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	target := c.cfg.BaseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	op := func() error {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, rd)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := c.retryAfter(resp.Header.Get("Retry-After"))
			c.logger.Warn("Tracker rate limited, waiting", "path", path, "retry_after", wait)
			if err := sleep(ctx, wait); err != nil {
				return backoff.Permanent(err)
			}
			return &StatusError{Code: resp.StatusCode, Body: snippet(data)}
		case resp.StatusCode >= 500:
			return &StatusError{Code: resp.StatusCode, Body: snippet(data)}
		case resp.StatusCode >= 400:
			return backoff.Permanent(&StatusError{Code: resp.StatusCode, Body: snippet(data)})
		}

		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.InitialBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, c.cfg.MaxRetries), ctx)

	return backoff.RetryNotify(op, b, func(err error, next time.Duration) {
		c.logger.Warn("Retrying tracker request", "method", method, "path", path, "in", next, "error", err)
	})
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP
// date. A missing or unparseable header waits the cap.
func (c *Client) retryAfter(h string) time.Duration {
	wait := c.cfg.MaxRetryAfter
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil {
		wait = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(h); err == nil {
		wait = time.Until(t)
	}
	if wait < 0 {
		wait = 0
	}
	return min(wait, c.cfg.MaxRetryAfter)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
