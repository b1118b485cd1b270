package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"
)

// jsonGuard is always the last system message.
const jsonGuard = `Reply with valid JSON only. No text outside JSON.
Format strictly:
{"category":"<one of the allowed categories>","confidence":0-100,"entities":{"key":"value"}}
If the message fits none of the categories use "category":"" and "confidence":0.`

// ParseScore decodes a model reply, repairing common JSON damage
// (code fences, trailing commas, single quotes) before giving up.
func ParseScore(raw string) (Score, error) {
	raw = stripFences(raw)
	if raw == "" {
		return Score{}, ErrEmptyResponse
	}

	var s Score
	if err := json.Unmarshal([]byte(raw), &s); err == nil {
		return clampScore(s), nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return Score{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := json.Unmarshal([]byte(repaired), &s); err != nil {
		return Score{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	log.Debug().Str("raw", short(raw)).Msg("[ai] repaired model JSON")
	return clampScore(s), nil
}

func clampScore(s Score) Score {
	s.Category = strings.TrimSpace(s.Category)
	switch {
	case s.ConfidencePercent < 0:
		s.ConfidencePercent = 0
	case s.ConfidencePercent > 100:
		s.ConfidencePercent = 100
	}
	return s
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func categoriesLine(categories []string) string {
	return "Allowed categories: " + strings.Join(categories, ", ")
}

func short(s string) string {
	if r := []rune(s); len(r) > 180 {
		return string(r[:180]) + "..."
	}
	return s
}
