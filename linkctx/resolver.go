// Package linkctx turns links mentioned in a task into short markdown
// excerpts that can be placed in a prompt.
package linkctx

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/c360studio/taskpilot/prompt"
)

var urlRe = regexp.MustCompile(`https?://[^\s<>()"'\]]+`)

// Config controls link resolution.
type Config struct {
	MaxLinks int           `yaml:"max_links"`
	MaxChars int           `yaml:"max_chars"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxBytes int64         `yaml:"max_bytes"`
}

// DefaultConfig returns the link resolution defaults.
func DefaultConfig() Config {
	return Config{
		MaxLinks: 3,
		MaxChars: 2000,
		Timeout:  15 * time.Second,
		MaxBytes: 2 * 1024 * 1024,
	}
}

type fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Page, error)
}

// Resolver implements prompt.LinkResolver.
type Resolver struct {
	cfg       Config
	fetcher   fetcher
	converter *Converter
	logger    *slog.Logger
}

// NewResolver creates a Resolver backed by an SSRF-safe Fetcher.
func NewResolver(cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cfg:       cfg,
		fetcher:   NewFetcher(cfg.Timeout, "taskpilot/1.0", cfg.MaxBytes),
		converter: NewConverter(),
		logger:    logger,
	}
}

// FindURLs returns the distinct http(s) URLs in text, in order of appearance.
func FindURLs(text string) []string {
	seen := make(map[string]bool)
	var urls []string
	for _, u := range urlRe.FindAllString(text, -1) {
		u = strings.TrimRight(u, ".,;:!?")
		if !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	return urls
}

// Excerpts fetches up to MaxLinks URLs found in text. Links that fail to
// fetch or convert are skipped.
func (r *Resolver) Excerpts(ctx context.Context, text string) []prompt.Excerpt {
	urls := FindURLs(text)
	if len(urls) > r.cfg.MaxLinks {
		urls = urls[:r.cfg.MaxLinks]
	}

	var out []prompt.Excerpt
	for _, u := range urls {
		ex, err := r.excerpt(ctx, u)
		if err != nil {
			r.logger.Debug("Skipping link", "url", u, "error", err)
			continue
		}
		if ex.Markdown != "" {
			out = append(out, ex)
		}
	}
	return out
}

func (r *Resolver) excerpt(ctx context.Context, u string) (prompt.Excerpt, error) {
	page, err := r.fetcher.Fetch(ctx, u)
	if err != nil {
		return prompt.Excerpt{}, err
	}

	ex := prompt.Excerpt{URL: u}
	switch {
	case strings.Contains(page.ContentType, "html"):
		title, markdown, err := r.converter.Convert(page.Body)
		if err != nil {
			return prompt.Excerpt{}, err
		}
		ex.Title, ex.Markdown = title, markdown
	case strings.HasPrefix(page.ContentType, "text/"):
		ex.Markdown = strings.TrimSpace(string(page.Body))
	default:
		return prompt.Excerpt{}, nil
	}

	if runes := []rune(ex.Markdown); len(runes) > r.cfg.MaxChars {
		ex.Markdown = string(runes[:r.cfg.MaxChars]) + "\n\n...(truncated)"
	}
	return ex, nil
}
