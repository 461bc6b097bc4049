package extractor

import (
	"fmt"
	"strings"

	"github.com/storyforge/epicsync/internal/models"
)

const systemPrompt = `You are an expert agile coach who breaks down epics into well-formed user stories. You always respond with valid JSON and nothing else.`

// buildPrompt renders the user message for a parent item. The contract
// requires 2 to 5 stories and a bare JSON object so parseStories can
// decode the reply directly.
func buildPrompt(parent models.ParentItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Break the following epic down into 2-5 user stories.\n\n")
	fmt.Fprintf(&b, "Epic title: %s\n\n", parent.Title)
	fmt.Fprintf(&b, "Epic description:\n%s\n\n", parent.Description)
	b.WriteString(`Each story needs:
- "heading": a concise title in the form "As a <role>, I want <capability>"
- "description": one or two sentences explaining the value
- "acceptance_criteria": a list of 2-4 concrete, testable criteria

Respond with ONLY a JSON object in this exact shape, no markdown fences, no commentary:
{"stories": [{"heading": "...", "description": "...", "acceptance_criteria": ["..."]}]}`)
	return b.String()
}
