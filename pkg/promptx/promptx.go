// Package promptx provides small prompt-handling utilities used across
// the project.
package promptx

import (
	"strings"
	"unicode/utf8"
)

// Sanitize removes control characters except tab/newline/CR, drops
// invalid UTF-8 and trims surrounding space.
func Sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if !utf8.ValidString(out) {
		out = strings.ToValidUTF8(out, "")
	}
	return strings.TrimSpace(out)
}

// Normalize is the canonical form used for cache keying: lowercase and
// trimmed. Kept separate from Sanitize so keys stay stable even if
// sanitization rules evolve.
func Normalize(s string) string {
	return strings.TrimSpace(strings.ToLower(s))
}

// Truncate cuts s to at most n bytes without splitting a rune.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
