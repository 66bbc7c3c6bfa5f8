package channels

import (
	"regexp"
	"strings"
)

var (
	internalRe = regexp.MustCompile(`(?s)<internal>(.*?)</internal>`)
	hostRe     = regexp.MustCompile(`(?s)<host>(.*?)</host>`)
)

// renderStreamText renders agent output for the chat surface: closed
// internal blocks become thought lines, host blocks disappear, and
// everything after an unclosed tag stays hidden until the tag closes.
func renderStreamText(s string) string {
	s = hostRe.ReplaceAllString(s, "")
	s = internalRe.ReplaceAllStringFunc(s, renderThought)
	if i := strings.Index(s, "<internal>"); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, "<host>"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// finalizeStreamText renders a completed response and extracts the
// host blocks as operational notes.
func finalizeStreamText(s string) (visible string, hostNotes []string) {
	for _, match := range hostRe.FindAllStringSubmatch(s, -1) {
		if note := strings.TrimSpace(match[1]); note != "" {
			hostNotes = append(hostNotes, note)
		}
	}
	return renderStreamText(s), hostNotes
}

func renderThought(block string) string {
	inner := strings.TrimPrefix(block, "<internal>")
	inner = strings.TrimSuffix(inner, "</internal>")
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return ""
	}
	return "🧠 " + inner
}
