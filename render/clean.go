package render

import (
	"strings"
	"unicode"
)

// CleanText strips NUL and other control characters, keeping newlines, tabs
// and carriage returns, then trims. Compound-document strings routinely carry
// trailing NULs. An empty result means the field is absent.
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\t', '\r':
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(cleaned)
}
