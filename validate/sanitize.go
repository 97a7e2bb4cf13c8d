package validate

import (
	"regexp"
	"strings"
)

const sanitizedMarker = "SANITIZED: "

var slashComment = map[string]bool{
	"go": true, "golang": true, "js": true, "javascript": true, "ts": true,
	"typescript": true, "java": true, "c": true, "cpp": true, "rust": true,
}

// sanitize comments out lines that match a high or critical catalogue
// pattern and wraps code lacking error handling in an envelope for its
// language.
func sanitize(b CodeBlock, r Report) string {
	code := b.Code
	prefix := "# "
	if slashComment[b.Language] {
		prefix = "// "
	}

	for _, is := range r.Issues {
		if is.Severity < High || is.Pattern == "" {
			continue
		}
		re, err := regexp.Compile(is.Pattern)
		if err != nil {
			continue
		}
		lines := strings.Split(code, "\n")
		for i, line := range lines {
			if re.MatchString(line) && !strings.HasPrefix(line, prefix+sanitizedMarker) {
				lines[i] = prefix + sanitizedMarker + line
			}
		}
		code = strings.Join(lines, "\n")
	}

	if !r.HasErrorHandling {
		code = wrap(b.Language, code)
	}
	return code
}

// wrap adds a generic error-handling envelope. Languages without a known
// envelope are returned unchanged.
func wrap(lang, code string) string {
	switch lang {
	case "sh", "bash", "shell", "zsh":
		return "set -e\n" +
			"trap 'echo \"Error executing generated code at line $LINENO\" >&2' ERR\n" +
			code + "\n"
	case "python", "py", "python3":
		return "try:\n" + indent(code, "    ") + "\n" +
			"except Exception as e:\n" +
			"    import sys, traceback\n" +
			"    print(f\"Error executing generated code: {e}\", file=sys.stderr)\n" +
			"    traceback.print_exc(limit=5)\n" +
			"    raise\n"
	case "ruby", "rb":
		return "begin\n" + indent(code, "  ") + "\n" +
			"rescue StandardError => e\n" +
			"  warn \"Error executing generated code: #{e.message}\"\n" +
			"  warn e.backtrace.first(5).join(\"\\n\")\n" +
			"  raise\n" +
			"end\n"
	default:
		return code
	}
}

func indent(code, pad string) string {
	lines := strings.Split(code, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = pad + l
		}
	}
	return strings.Join(lines, "\n")
}
