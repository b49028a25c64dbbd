package memory

import (
	"strings"
)

const preambleHeader = "Previous conversation context:"

// BuildPreamble renders history as prior-context text for the session
// configuration, never exceeding maxChars. Oldest turns are dropped first
// when over budget.
func BuildPreamble(h History, maxChars int) string {
	if len(h) == 0 {
		return ""
	}
	if maxChars > 0 {
		h = trimToCharBudget(h, maxChars)
	}
	if len(h) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(preambleHeader)
	for _, t := range h {
		marker := "User"
		if t.Role == RoleAssistant {
			marker = "Assistant"
		}
		b.WriteString("\n")
		b.WriteString(marker)
		b.WriteString(" (")
		b.WriteString(t.Timestamp.Format("15:04"))
		b.WriteString("): ")
		b.WriteString(t.Text)
	}
	b.WriteString("\n---")
	return b.String()
}
