package chunker

import (
	"regexp"
	"strings"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	disallowedRe = regexp.MustCompile(`[^\p{L}\p{N}_\s.,!?;:()\-'"]+`)
)

// Clean collapses whitespace and drops characters other than letters, digits
// and basic punctuation.
func Clean(text string) string {
	text = whitespaceRe.ReplaceAllString(text, " ")
	text = disallowedRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
}

// Tokens returns the whitespace tokens of the cleaned text. Chunk offsets index into this slice.
func Tokens(text string) []string {
	return strings.Fields(Clean(text))
}
