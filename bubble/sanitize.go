package bubble

import (
	"html/template"
	"strings"
)

const (
	// escapedNewline is the literal two-character sequence the widget sends
	// in place of a newline.
	escapedNewline = `\n`
	// LineBreak replaces each escapedNewline.
	LineBreak = "<br>"
)

// Sanitize replaces every literal `\n` sequence with a line break token.
// Every other character, real whitespace included, is left as is.
func Sanitize(text string) string {
	return strings.ReplaceAll(text, escapedNewline, LineBreak)
}

// SanitizeMarkup is Sanitize for insertion into a page: the text between
// line breaks is HTML-escaped, the line breaks stay markup. Markup typed by
// the user, a literal "<br>" included, is shown as text; only the `\n`
// sequence produces a line break.
func SanitizeMarkup(text string) template.HTML {
	parts := strings.Split(text, escapedNewline)
	for i, p := range parts {
		parts[i] = template.HTMLEscapeString(p)
	}
	return template.HTML(strings.Join(parts, LineBreak))
}
