package routing

import (
	"strings"
)

const (
	// JustificationExhausted is recorded when clarification ran out.
	JustificationExhausted = "max clarification attempts exhausted"

	defaultGenericPrompt  = "Thanks for your message! So we can pass it to the right team, could you tell us a bit more? Is it about {categories}?"
	defaultCategoryPrompt = "Thanks! Just to be sure we send you to the right people: is your question about {category}? A few more details would help."
)

// Prompts holds clarification texts by language then category. The empty
// language is the default set, the empty category the generic prompt.
// Placeholders: {category}, {categories}.
type Prompts map[string]map[string]string

// clarification picks the most specific prompt for the session language and
// the classifier's best guess.
func (p Prompts) clarification(lang, guess string, categories []string) string {
	lookups := [][2]string{
		{lang, guess},
		{"", guess},
		{lang, ""},
		{"", ""},
	}

	text := ""
	for _, l := range lookups {
		if t := p[l[0]][l[1]]; t != "" {
			text = t
			break
		}
	}
	if text == "" {
		text = defaultGenericPrompt
		if guess != "" {
			text = defaultCategoryPrompt
		}
	}

	return strings.NewReplacer(
		"{category}", guess,
		"{categories}", humanList(categories),
	).Replace(text)
}

func humanList(items []string) string {
	switch len(items) {
	case 0:
		return "something else"
	case 1:
		return items[0]
	}
	return strings.Join(items[:len(items)-1], ", ") + " or " + items[len(items)-1]
}
