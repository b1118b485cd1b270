package routing

import (
	"errors"
	"fmt"
	"slices"
)

const (
	DefaultThreshold         = 0.7
	DefaultMaxClarifications = 3
	DefaultFallbackCategory  = "general"
)

// Settings are the hot-reloadable routing knobs.
type Settings struct {
	Categories        []string
	FallbackCategory  string
	Threshold         float64
	MaxClarifications int
	Prompts           Prompts
	// Acknowledgement, when set, is sent to the customer once routed.
	Acknowledgement string
}

func DefaultSettings() Settings {
	return Settings{
		Categories:        []string{"sales", "technical", "billing", DefaultFallbackCategory},
		FallbackCategory:  DefaultFallbackCategory,
		Threshold:         DefaultThreshold,
		MaxClarifications: DefaultMaxClarifications,
	}
}

// Validate rejects settings the coordinator cannot run with.
func (s Settings) Validate() error {
	if len(s.Categories) == 0 {
		return errors.New("routing: at least one category is required")
	}
	if s.FallbackCategory == "" {
		return errors.New("routing: fallback category is required")
	}
	if !slices.Contains(s.Categories, s.FallbackCategory) {
		return fmt.Errorf("routing: fallback category %q is not in categories", s.FallbackCategory)
	}
	if s.Threshold <= 0 || s.Threshold > 1 {
		return fmt.Errorf("routing: threshold %.2f out of range (0,1]", s.Threshold)
	}
	if s.MaxClarifications < 1 {
		return fmt.Errorf("routing: max clarifications must be >= 1, got %d", s.MaxClarifications)
	}
	return nil
}
