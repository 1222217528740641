package utils

import (
	"strings"
)

// Truncate returns s cut to maxLen runes, ending in "..." when shortened.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// TruncateRunes cuts s to at most maxLen runes without adding a marker.
func TruncateRunes(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n == maxLen {
			return s[:i]
		}
		n++
	}
	return s
}

// CollapseWhitespace trims s and replaces every run of whitespace with a single space.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
