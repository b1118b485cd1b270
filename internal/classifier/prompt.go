package classifier

import (
	"strings"

	"github.com/brightears/bma-messenger-hub-sub001/internal/ai"
)

const maxMessageRunes = 500

const classifyPrompt = `You route customer messages to a department.

Departments:
{{categories}}

Recent conversation (oldest first):
{{history}}

Latest customer message:
{{message}}

Pick the single department that should handle the latest message and say how
confident you are, from 0 to 100. Extract entities you are sure about
(product, order number, location) into "entities".`

// buildPrompt renders a bounded prompt: the last limit context messages, each
// truncated, plus the message being classified.
func buildPrompt(text string, categories []string, history []ai.Message, limit int) string {
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}

	var h strings.Builder
	if len(history) == 0 {
		h.WriteString("(none)")
	}
	for i, m := range history {
		if i > 0 {
			h.WriteByte('\n')
		}
		role := "customer"
		if m.Role == "assistant" {
			role = "agent"
		}
		h.WriteString(role)
		h.WriteString(": ")
		h.WriteString(truncate(m.Text, maxMessageRunes))
	}

	var cats strings.Builder
	for _, c := range categories {
		cats.WriteString("- ")
		cats.WriteString(c)
		cats.WriteByte('\n')
	}

	r := strings.NewReplacer(
		"{{categories}}", strings.TrimRight(cats.String(), "\n"),
		"{{history}}", h.String(),
		"{{message}}", truncate(text, maxMessageRunes),
	)
	return r.Replace(classifyPrompt)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
