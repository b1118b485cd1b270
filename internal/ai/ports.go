package ai

import (
	"context"
	"errors"
)

// Scorer is the external intelligence; it knows nothing about sessions or platforms.
// Implementations own their retry policy, callers only bound the call with ctx.
type Scorer interface {
	Score(ctx context.Context, prompt string, categories []string) (Score, error)
}

// Score is the structured answer of the model. ConfidencePercent is 0..100.
type Score struct {
	Category          string            `json:"category"`
	ConfidencePercent float64           `json:"confidence"`
	Entities          map[string]string `json:"entities,omitempty"`
}

// Message is the neutral dialogue format used to build prompts.
type Message struct {
	Role string // "user" | "assistant"
	Text string
}

var (
	ErrEmptyResponse     = errors.New("ai: empty response")
	ErrMalformedResponse = errors.New("ai: malformed response")
)

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, prompt string, categories []string) (Score, error)

func (f ScorerFunc) Score(ctx context.Context, prompt string, categories []string) (Score, error) {
	return f(ctx, prompt, categories)
}
