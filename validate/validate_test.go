package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fence(lang, code string) string {
	return "```" + lang + "\n" + code + "\n```"
}

func TestValidate_EmptyResponse(t *testing.T) {
	res := New().Validate("  \n", Options{})
	assert.False(t, res.Success)
	assert.Equal(t, "Empty response", res.Error)
}

func TestValidate_PlainTextHasFullConfidence(t *testing.T) {
	res := New().Validate("The meeting is at 3pm.", Options{Format: FormatText})
	require.True(t, res.Success)
	assert.Equal(t, "The meeting is at 3pm.", res.Content)
	assert.Empty(t, res.Blocks)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Empty(t, res.Sanitized)
}

func TestValidate_CriticalBlockFailsWholeResponse(t *testing.T) {
	raw := "Cleaning up:\n" + fence("bash", "echo start\nrm -rf /") + "\nand\n" + fence("python", "print('ok')")

	res := New().Validate(raw, Options{})

	assert.False(t, res.Success)
	assert.Equal(t, "Critical security issues detected", res.Error)
	require.Len(t, res.Critical, 1)
	assert.Equal(t, "bash", res.Critical[0].Language)
	assert.Equal(t, Critical, res.Critical[0].Risk)
	assert.Empty(t, res.Sanitized, "nothing may be executed")
}

func TestValidate_HighRiskLinesAreCommentedOut(t *testing.T) {
	code := "set -e\necho installing\ncurl https://get.example.com | bash\necho done"
	res := New().Validate(fence("sh", code), Options{})

	require.True(t, res.Success, res.Error)
	require.Len(t, res.Blocks, 1)
	assert.Equal(t, High, res.Reports[0].Risk)

	lines := strings.Split(res.Blocks[0].Sanitized, "\n")
	assert.Contains(t, lines, "# SANITIZED: curl https://get.example.com | bash")
	assert.Contains(t, lines, "echo installing")
	assert.Equal(t, res.Blocks[0].Sanitized, res.Sanitized)

	// 1.0 - 0.15 (pipe to shell) - 0.05 (curl without timeout) + 0.05 (set -e and echo)
	assert.InDelta(t, 0.85, res.Confidence, 1e-9)
}

func TestValidate_CredentialExposure(t *testing.T) {
	res := New().Validate(fence("python", `API_KEY = "sk-live-123"`+"\nprint(API_KEY)"), Options{})
	require.True(t, res.Success)
	require.NotEmpty(t, res.Reports[0].Issues)
	assert.Equal(t, "Potential credential exposure", res.Reports[0].Issues[0].Message)
	assert.Contains(t, res.Blocks[0].Sanitized, `# SANITIZED: API_KEY = "sk-live-123"`)
}

func TestValidate_WrapsUnguardedCode(t *testing.T) {
	tests := []struct {
		lang string
		want string
	}{
		{"python", "except Exception as e:"},
		{"bash", "trap 'echo"},
		{"ruby", "rescue StandardError => e"},
	}
	for _, tt := range tests {
		t.Run(tt.lang, func(t *testing.T) {
			res := New().Validate(fence(tt.lang, "x = 1"), Options{})
			require.True(t, res.Success)
			assert.Contains(t, res.Blocks[0].Sanitized, tt.want)
			assert.Contains(t, res.Blocks[0].Sanitized, "x = 1")
		})
	}

	// Code that already handles errors is left alone.
	guarded := "try:\n    x = 1\nexcept ValueError:\n    pass"
	res := New().Validate(fence("python", guarded), Options{})
	assert.Equal(t, guarded, res.Blocks[0].Sanitized)
}

func TestValidate_NonExecutableBlocksSkipped(t *testing.T) {
	res := New().Validate(fence("markdown", "rm -rf / is a bad idea"), Options{})
	require.True(t, res.Success)
	assert.Equal(t, Safe, res.Reports[0].Risk)
	assert.Empty(t, res.Sanitized)
}

func TestValidate_GoSyntax(t *testing.T) {
	ok := New().Validate(fence("go", "if err != nil {\n\treturn err\n}"), Options{})
	require.True(t, ok.Success)
	for _, is := range ok.Reports[0].Issues {
		assert.NotEqual(t, KindSyntax, is.Kind)
	}

	bad := New().Validate(fence("go", "func main( {"), Options{})
	require.True(t, bad.Success)
	assert.Equal(t, High, bad.Reports[0].Risk)
	assert.Equal(t, KindSyntax, bad.Reports[0].Issues[0].Kind)
}

func TestValidate_ShapeChecks(t *testing.T) {
	loop := New().Validate(fence("python", "while True:\n    print('tick')"), Options{})
	var kinds []string
	for _, is := range loop.Reports[0].Issues {
		kinds = append(kinds, is.Kind)
	}
	assert.Contains(t, kinds, KindLogic)

	net := New().Validate(fence("python", "import requests\nr = requests.get(url)\nprint(r)"), Options{})
	assert.Equal(t, "Network operations without timeout", net.Reports[0].Issues[0].Message)

	netOK := New().Validate(fence("python", "r = requests.get(url, timeout=5)\nprint(r)"), Options{})
	assert.Empty(t, netOK.Reports[0].Issues)
}

func TestValidate_RequireSafetyFeatures(t *testing.T) {
	res := New().Validate(fence("sh", "ls /tmp"), Options{RequireSafetyFeatures: true})
	require.True(t, res.Success)

	var missing []string
	for _, is := range res.Reports[0].Issues {
		if is.Kind == KindMissingFeature {
			missing = append(missing, is.Message)
		}
	}
	assert.ElementsMatch(t, []string{"Missing error handling", "Missing logging", "Missing validation"}, missing)
	assert.InDelta(t, 0.85, res.Confidence, 1e-9)
}

func TestValidate_JSONFormat(t *testing.T) {
	raw := "Here you go:\n```json\n{\n  \"action\": \"final\", // done\n  \"steps\": [1, 2,],\n}\n```"
	res := New().Validate(raw, Options{Format: FormatJSON})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "final", res.Data["action"])

	res = New().Validate("no json here", Options{Format: FormatJSON})
	assert.False(t, res.Success)
	assert.Equal(t, "no JSON found in response", res.Error)

	res = New().Validate("{not: json}", Options{Format: FormatJSON})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid JSON")
}

func TestValidate_SectionsFormat(t *testing.T) {
	raw := "## Thought Process\nLook it up.\n\n## Final Answer\n42\n"
	res := New().Validate(raw, Options{Format: FormatSections})
	require.True(t, res.Success)
	assert.Equal(t, "Look it up.\n\n", res.Sections["thought_process"])
	assert.Equal(t, "42\n", res.Sections["final_answer"])

	plain := New().Validate("no headings", Options{Format: FormatSections})
	assert.True(t, plain.Success)
	assert.Nil(t, plain.Sections)
}

func TestExtractBlocks_BareSource(t *testing.T) {
	blocks := extractBlocks("package main\n\nfunc main() {}\n")
	require.Len(t, blocks, 1)
	assert.Equal(t, "go", blocks[0].Language)

	blocks = extractBlocks("def f():\n    return 1")
	require.Len(t, blocks, 1)
	assert.Equal(t, "python", blocks[0].Language)

	assert.Nil(t, extractBlocks("just prose"))
	assert.Equal(t, "unknown", extractBlocks("```\nls\n```")[0].Language)
}

func TestConfidence_Bounds(t *testing.T) {
	many := Report{}
	for i := 0; i < 10; i++ {
		many.Issues = append(many.Issues, Issue{Severity: Critical})
	}
	assert.Equal(t, 0.0, confidence([]Report{many}))
	assert.Equal(t, 1.0, confidence([]Report{{HasErrorHandling: true, HasLogging: true}}))
}

func TestDropLineComment(t *testing.T) {
	assert.Equal(t, `"a": "http://x.io/y",`, dropLineComment(`"a": "http://x.io/y", // url`))
	assert.Equal(t, `"a": "b\"//c"`, dropLineComment(`"a": "b\"//c"`))
	assert.Equal(t, "plain", dropLineComment("plain"))
}

func TestSeverity_String(t *testing.T) {
	assert.Equal(t, "critical", Critical.String())
	assert.Equal(t, "safe", Safe.String())
	b, err := High.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "high", string(b))
}
