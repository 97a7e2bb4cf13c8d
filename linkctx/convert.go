package linkctx

import (
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
)

var (
	blankRunRe = regexp.MustCompile(`\n{3,}`)

	// noiseTags are dropped when a page has no main or article element.
	noiseTags = map[string]bool{
		"nav": true, "header": true, "footer": true, "aside": true,
		"script": true, "style": true, "noscript": true, "iframe": true,
		"form": true, "button": true, "svg": true,
	}
)

// Converter turns HTML pages into compact markdown.
type Converter struct {
	md *md.Converter
}

// NewConverter creates a Converter with GitHub-flavored output.
func NewConverter() *Converter {
	c := md.NewConverter("", true, nil)
	c.Use(plugin.GitHubFlavored())
	return &Converter{md: c}
}

// Convert returns the page title and the markdown of its main content.
func (c *Converter) Convert(page []byte) (title, markdown string, err error) {
	doc, err := html.Parse(strings.NewReader(string(page)))
	if err != nil {
		return "", "", err
	}

	title = pageTitle(doc)

	content := firstElement(doc, func(n *html.Node) bool {
		return n.Data == "main" || n.Data == "article" || hasAttr(n, "role", "main")
	})
	if content == nil {
		stripNoise(doc)
		content = firstElement(doc, func(n *html.Node) bool { return n.Data == "body" })
	}
	if content == nil {
		content = doc
	}

	var sb strings.Builder
	if err := html.Render(&sb, content); err != nil {
		return "", "", err
	}

	markdown, err = c.md.ConvertString(sb.String())
	if err != nil {
		return "", "", err
	}
	return title, tidy(markdown), nil
}

func pageTitle(doc *html.Node) string {
	n := firstElement(doc, func(n *html.Node) bool { return n.Data == "title" })
	if n == nil || n.FirstChild == nil {
		return ""
	}
	return strings.TrimSpace(n.FirstChild.Data)
}

func firstElement(root *html.Node, match func(*html.Node) bool) *html.Node {
	if root.Type == html.ElementNode && match(root) {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if found := firstElement(c, match); found != nil {
			return found
		}
	}
	return nil
}

func hasAttr(n *html.Node, key, val string) bool {
	for _, a := range n.Attr {
		if a.Key == key && a.Val == val {
			return true
		}
	}
	return false
}

func stripNoise(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && noiseTags[c.Data] {
			n.RemoveChild(c)
		} else {
			stripNoise(c)
		}
		c = next
	}
}

func tidy(markdown string) string {
	lines := strings.Split(markdown, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(blankRunRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}
