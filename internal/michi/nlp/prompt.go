package nlp

import (
	"fmt"
	"sort"
	"strings"
)

// Prompt is the input to a single classification call.
type Prompt struct {
	// System is the instruction block sent as the system message.
	System string
	// User is the (already pronoun-resolved) message text.
	User string
}

// PromptContext carries the catalogue and conversation hints the model is
// allowed to see.
type PromptContext struct {
	Intents     []string
	Projects    []string
	Companies   []string
	LastProject string
	LastAction  string
}

const systemPromptTmpl = `You classify chat messages sent to an automation assistant.

Your only job is to translate the user's message into a structured JSON object.
You NEVER execute anything yourself.

Known intents: %s
Known projects: %s
Known companies: %s
Conversation context: last project %s, last action %s

RULES (strict):
1. Respond ONLY with valid JSON. No markdown, no code fences.
2. Use only intents and projects from the lists above, or "unknown".
3. Never include secret values, API keys, tokens, or passwords.
4. If you are unsure, set "ambiguous": true and add clarifying questions.

JSON shape:
{
  "intent": "<intent or unknown>",
  "action": "<action verb>",
  "project": "<project or empty>",
  "company": "<company or empty>",
  "confidence": 0.0-1.0,
  "confidenceFactors": {"keywordMatch": 0-1, "contextMatch": 0-1, "historyMatch": 0-1, "specificity": 0-1},
  "alternatives": [{"intent": "...", "project": "...", "confidence": 0-1}],
  "ambiguous": true|false,
  "clarifyingQuestions": ["..."]
}
`

// BuildPrompt renders the system and user messages for text.
func BuildPrompt(text string, pc PromptContext) Prompt {
	return Prompt{
		System: fmt.Sprintf(systemPromptTmpl,
			listOrNone(pc.Intents),
			listOrNone(pc.Projects),
			listOrNone(pc.Companies),
			orNone(pc.LastProject),
			orNone(pc.LastAction),
		),
		User: strings.TrimSpace(text),
	}
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	return strings.Join(sorted, ", ")
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
