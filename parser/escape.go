package parser

import "strings"

// escapeHTML escapes the five significant characters, returning the input
// unchanged (no allocation) when none are present.
func escapeHTML(s string) string {
	if strings.IndexAny(s, `&<>"'`) < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 16)
	for _, r := range s {
		switch r {
		case '&':
			b.WriteString("&amp;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&#39;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
