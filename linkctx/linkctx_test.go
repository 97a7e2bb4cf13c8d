package linkctx

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "https", url: "https://go.dev/doc/effective_go"},
		{name: "http", url: "http://example.com/a"},
		{name: "ftp rejected", url: "ftp://example.com", wantErr: true},
		{name: "localhost rejected", url: "https://localhost:8080", wantErr: true},
		{name: "loopback rejected", url: "http://127.0.0.1/", wantErr: true},
		{name: "private rejected", url: "https://192.168.1.1/path", wantErr: true},
		{name: "cgnat rejected", url: "https://100.64.1.1/", wantErr: true},
		{name: "internal domain rejected", url: "https://db.internal/", wantErr: true},
		{name: "ipv6 loopback rejected", url: "http://[::1]/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsPrivateIP_MappedIPv4(t *testing.T) {
	assert.True(t, IsPrivateIP(net.ParseIP("::ffff:10.0.0.1")))
	assert.False(t, IsPrivateIP(net.ParseIP("8.8.8.8")))
}

func TestFindURLs(t *testing.T) {
	text := "See https://a.com/x, and (http://b.io/y). Again https://a.com/x."
	assert.Equal(t, []string{"https://a.com/x", "http://b.io/y"}, FindURLs(text))
	assert.Empty(t, FindURLs("no links here"))
}

func TestConverter_PrefersMainContent(t *testing.T) {
	page := `<html><head><title> Launch Notes </title></head><body>
<nav>Home | Blog</nav>
<main><h1>We launched</h1><p>Payments are <strong>live</strong>.</p></main>
<footer>legal</footer></body></html>`

	title, markdown, err := NewConverter().Convert([]byte(page))
	require.NoError(t, err)

	assert.Equal(t, "Launch Notes", title)
	assert.Contains(t, markdown, "# We launched")
	assert.Contains(t, markdown, "**live**")
	assert.NotContains(t, markdown, "Home | Blog")
	assert.NotContains(t, markdown, "legal")
}

func TestConverter_StripsNoiseWithoutMain(t *testing.T) {
	page := `<html><body><nav>menu</nav><p>Body text</p><script>alert(1)</script></body></html>`

	_, markdown, err := NewConverter().Convert([]byte(page))
	require.NoError(t, err)
	assert.Equal(t, "Body text", markdown)
}

type stubFetcher struct {
	pages map[string]*Page
	calls []string
}

func (s *stubFetcher) Fetch(_ context.Context, u string) (*Page, error) {
	s.calls = append(s.calls, u)
	if p, ok := s.pages[u]; ok {
		return p, nil
	}
	return nil, errors.New("not found")
}

func TestResolver_Excerpts(t *testing.T) {
	fetch := &stubFetcher{pages: map[string]*Page{
		"https://a.com/post": {ContentType: "text/html; charset=utf-8", Body: []byte("<title>A</title><article><p>Alpha</p></article>")},
		"https://b.com/raw":  {ContentType: "text/plain", Body: []byte(strings.Repeat("b", 50))},
		"https://c.com/img":  {ContentType: "image/png", Body: []byte{0x89}},
	}}
	r := &Resolver{
		cfg:       Config{MaxLinks: 3, MaxChars: 10},
		fetcher:   fetch,
		converter: NewConverter(),
		logger:    slog.Default(),
	}

	got := r.Excerpts(context.Background(),
		"https://a.com/post https://missing.com https://b.com/raw https://c.com/img")

	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].Title)
	assert.Equal(t, "Alpha", got[0].Markdown)
	assert.Equal(t, strings.Repeat("b", 10)+"\n\n...(truncated)", got[1].Markdown)
	assert.Len(t, fetch.calls, 3, "only MaxLinks URLs are fetched")
}
