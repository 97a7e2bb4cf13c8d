package prompt

import "github.com/c360studio/taskpilot/intent"

// Template renders the category-specific tail of a prompt.
type Template interface {
	// Instructions returns the block appended after the shared context
	// sections. Empty means no instructions.
	Instructions() string
}

// minimalTemplate adds nothing beyond task context, history and the latest
// request.
type minimalTemplate struct{}

func (minimalTemplate) Instructions() string { return "" }

// toolTemplate appends a fixed tool-usage block.
type toolTemplate struct {
	instructions string
}

func (t toolTemplate) Instructions() string { return t.instructions }

// newTemplates resolves one template per category.
func newTemplates(toolsDir string) map[intent.Category]Template {
	return map[intent.Category]Template{
		intent.SimpleQuery:     minimalTemplate{},
		intent.Email:           toolTemplate{instructions: EmailInstructions(toolsDir)},
		intent.CompanyResearch: toolTemplate{instructions: CompanyInstructions(toolsDir)},
		intent.General:         toolTemplate{instructions: GeneralInstructions(toolsDir)},
	}
}
