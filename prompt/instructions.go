package prompt

import "strings"

// DefaultToolsDir is where the tool API modules are installed when no
// directory is configured.
const DefaultToolsDir = "~/.taskpilot/tools"

// EmailInstructions returns the tool-usage block for email tasks.
func EmailInstructions(toolsDir string) string {
	return expand(`## Email Instructions

You have access to the email tool API in {{dir}}. Read {{dir}}/README.md for exact signatures before calling anything.

- EmailAPI.search(query, limit) - find prior threads for context
- EmailAPI.thread(thread_id) - read a full conversation
- EmailAPI.create_draft(to, subject, body, cc) - save a draft, never send
- EmailAPI.update_draft(draft_id, body) - revise an existing draft

Rules:
- Create drafts only. Never send mail on the user's behalf.
- Keep message bodies plain UTF-8 text. Do not HTML-escape quotes or apostrophes.
- Your final answer MUST show the full draft: To, Subject and the complete body, exactly as saved.
- If the recipient is ambiguous, search past threads first and state which address you chose.`, toolsDir)
}

// CompanyInstructions returns the tool-usage block for company research.
func CompanyInstructions(toolsDir string) string {
	return expand(`## Company Research Instructions

You have access to the research tool APIs in {{dir}}. Read {{dir}}/README.md for exact signatures before calling anything.

- ResearchAPI.company(domain) - firmographics, funding and team
- ResearchAPI.vcbench(domain) - VCBench score and analysis
- ResearchAPI.traction(domain) - Harmonic traction data (headcount, web traffic)
- AttioAPI.find_company(domain) - look up an existing CRM record
- AttioAPI.add_company(domain, notes) - create a CRM record
- AttioAPI.update_company(record_id, notes) - append notes to a CRM record
- NotionAPI.create_page(parent, title, markdown) - write long-form findings

Market maps:
- Use the theorymcp market-map tools (market_map_create, market_map_add_company, market_map_export) for any market map request.
- Save the exported map link in your final answer.

Safety:
- Check for an existing Attio record before creating one.
- Only add a company to Attio when the stated criteria are met, and report the score that justified it.
- Never delete CRM records.`, toolsDir)
}

// GeneralInstructions returns the full tool catalogue for general tasks.
func GeneralInstructions(toolsDir string) string {
	return expand(`## Available Tools

Tool APIs live in {{dir}}. Read {{dir}}/README.md for exact signatures before calling anything.

- TaskAPI - read and update tasks and subtasks in the tracker
- EmailAPI - search mail and create drafts (never send)
- AttioAPI - look up, add and update CRM records
- ResearchAPI - company research, VCBench scores, Harmonic traction data, web search
- NotionAPI - create and update pages
- CalendarAPI - list events and propose meeting times (never accept invites)
- MarketMapAPI - build and export market maps
- DiscoveryAPI - find companies matching a thesis

## Execution

1. Work out what the request actually needs before calling tools.
2. Prefer reading over writing. Make the smallest change that completes the task.
3. When a tool call fails, report the error and what you tried instead of guessing.
4. End with a short plain-text summary of what you did and anything left for a human.`, toolsDir)
}

// MarketMapInstructions returns the tool-usage block for market-map steps.
func MarketMapInstructions(toolsDir string) string {
	return expand(`## Market Map Instructions

Use the theorymcp market-map tools, documented in {{dir}}/README.md:

- market_map_create(title, categories) - start a new map
- market_map_add_company(map_id, category, domain) - place a company
- market_map_export(map_id) - return a shareable link

Place each company in exactly one category and finish with the exported link.`, toolsDir)
}

func expand(text, toolsDir string) string {
	if toolsDir == "" {
		toolsDir = DefaultToolsDir
	}
	return strings.ReplaceAll(text, "{{dir}}", strings.TrimSuffix(toolsDir, "/"))
}
