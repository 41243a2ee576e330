// Package llmutil handles the formatting tics of generative model output
// before it reaches operator-facing surfaces.
package llmutil

import (
	"regexp"
	"strings"
)

// Regex definitions use \x60 (hex representation) for backticks because Go raw strings cannot contain backticks.

// codeBlockRegex matches a whole-response markdown fence, with or without
// a language tag.
var codeBlockRegex = regexp.MustCompile("(?s)^\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60$")

// CleanResponse normalizes a model reply into plain prose: markdown
// fences are unwrapped, matched surrounding quotes dropped, and
// whitespace trimmed. Models asked for a short summary still wrap it in
// formatting often enough that every caller needs this.
func CleanResponse(response string) string {
	text := strings.TrimSpace(response)

	if matches := codeBlockRegex.FindStringSubmatch(text); len(matches) > 1 {
		text = strings.TrimSpace(matches[1])
	}

	// Drop one layer of matched surrounding quotes.
	if len(text) >= 2 {
		first, last := text[0], text[len(text)-1]
		if first == last && (first == '"' || first == '\'') {
			text = strings.TrimSpace(text[1 : len(text)-1])
		}
	}
	return text
}
