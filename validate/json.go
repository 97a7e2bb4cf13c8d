package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	fencedObject   = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	bareObject     = regexp.MustCompile(`(?s)\{.*\}`)
	trailingCommas = regexp.MustCompile(`,\s*([}\]])`)
)

var errNoJSON = errors.New("no JSON found in response")

// parseJSON pulls the first JSON object out of a model response. Fenced
// blocks win over bare braces. Line comments and trailing commas, which
// models often emit, are removed before decoding.
func parseJSON(content string) (map[string]any, error) {
	raw := ""
	if m := fencedObject.FindStringSubmatch(content); len(m) > 1 {
		raw = m[1]
	} else {
		raw = bareObject.FindString(content)
	}
	if raw == "" {
		return nil, errNoJSON
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(repairJSON(raw)), &data); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return data, nil
}

func repairJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = dropLineComment(line)
	}
	return trailingCommas.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// dropLineComment strips a // comment that starts outside a string literal.
func dropLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}
	inString, escaped := false, false
	for i := 0; i < len(line)-1; i++ {
		switch ch := line[i]; {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == '/' && line[i+1] == '/':
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
