package classifier

import (
	"sort"
	"strings"
	"unicode"
)

// Rules is the hot-swappable keyword configuration.
type Rules struct {
	// Keywords maps a category to the phrases that route to it.
	Keywords map[string][]string
	// Priority breaks ties between categories matched by the same message;
	// earlier wins. Categories not listed share the lowest rank.
	Priority []string
}

type compiledRules struct {
	keywords map[string][]keyword
	rank     map[string]int
	unranked int
}

type keyword struct {
	raw  string
	stem string
}

func compile(r Rules) *compiledRules {
	c := &compiledRules{
		keywords: make(map[string][]keyword, len(r.Keywords)),
		rank:     make(map[string]int, len(r.Priority)),
		unranked: len(r.Priority),
	}
	for i, cat := range r.Priority {
		if _, dup := c.rank[cat]; !dup {
			c.rank[cat] = i
		}
	}
	for cat, words := range r.Keywords {
		for _, w := range words {
			w = strings.ToLower(strings.TrimSpace(w))
			if w == "" {
				continue
			}
			c.keywords[cat] = append(c.keywords[cat], keyword{raw: w, stem: stem(w)})
		}
	}
	return c
}

func (c *compiledRules) rankOf(cat string) int {
	if r, ok := c.rank[cat]; ok {
		return r
	}
	return c.unranked
}

type match struct {
	category string
	keyword  string
	rank     int
}

// matchKeywords returns every allowed category with a keyword hit, best rank
// first and alphabetical within a rank so the order is deterministic.
func (c *compiledRules) matchKeywords(text string, allowed []string) []match {
	lower := strings.ToLower(text)
	stems := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(lower, notWordRune) {
		stems[stem(w)] = struct{}{}
	}

	candidates := allowed
	if len(candidates) == 0 {
		for cat := range c.keywords {
			candidates = append(candidates, cat)
		}
	}

	var out []match
	for _, cat := range candidates {
		for _, kw := range c.keywords[cat] {
			if hit(lower, stems, kw) {
				out = append(out, match{category: cat, keyword: kw.raw, rank: c.rankOf(cat)})
				break
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].rank != out[j].rank {
			return out[i].rank < out[j].rank
		}
		return out[i].category < out[j].category
	})
	return out
}

func hit(lower string, stems map[string]struct{}, kw keyword) bool {
	if strings.Contains(lower, kw.raw) {
		return true
	}
	if strings.ContainsFunc(kw.raw, notWordRune) {
		return false
	}
	_, ok := stems[kw.stem]
	return ok
}

func notWordRune(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

var suffixes = []string{"ing", "ies", "es", "ed", "ly", "s"}

// stem strips one common English suffix and a trailing silent e, so
// price/pricing/prices and charge/charged share a stem. Short words are left alone.
func stem(w string) string {
	for _, suf := range suffixes {
		if strings.HasSuffix(w, suf) && len(w)-len(suf) >= 3 {
			w = strings.TrimSuffix(w, suf)
			if suf == "ies" {
				return w + "y"
			}
			break
		}
	}
	if len(w) > 3 && strings.HasSuffix(w, "e") {
		w = strings.TrimSuffix(w, "e")
	}
	return w
}
