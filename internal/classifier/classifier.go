// Package classifier turns a customer message into a routing candidate:
// keyword rules first, the AI scorer only when the rules cannot decide.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brightears/bma-messenger-hub-sub001/internal/ai"
)

const (
	DefaultAITimeout       = 500 * time.Millisecond
	DefaultContextMessages = 6
)

// ErrClassificationUnavailable is attached to ai-failed results.
var ErrClassificationUnavailable = errors.New("classification unavailable")

type Method string

const (
	MethodKeyword  Method = "keyword"
	MethodAI       Method = "ai"
	MethodAIFailed Method = "ai-failed"
)

type Result struct {
	Category   string            `json:"category"`
	Confidence float64           `json:"confidence"`
	Method     Method            `json:"method"`
	Entities   map[string]string `json:"entities,omitempty"`
	// Err explains an ai-failed result; it is informational only.
	Err error `json:"-"`
}

// Classified reports whether a category was produced.
func (r Result) Classified() bool {
	return r.Category != ""
}

type Classifier struct {
	scorer       ai.Scorer
	rules        atomic.Pointer[compiledRules]
	timeout      time.Duration
	contextLimit int
}

type Option func(*Classifier)

func WithAITimeout(d time.Duration) Option {
	return func(c *Classifier) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithContextLimit(n int) Option {
	return func(c *Classifier) { c.contextLimit = n }
}

// New builds a classifier. scorer may be nil, in which case every message the
// keyword rules cannot place comes back ai-failed.
func New(scorer ai.Scorer, rules Rules, opts ...Option) *Classifier {
	c := &Classifier{
		scorer:       scorer,
		timeout:      DefaultAITimeout,
		contextLimit: DefaultContextMessages,
	}
	c.rules.Store(compile(rules))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetRules swaps keyword sets and priority order for subsequent calls.
func (c *Classifier) SetRules(r Rules) {
	c.rules.Store(compile(r))
}

// Classify never returns an error: AI trouble degrades to an ai-failed result
// with zero confidence.
func (c *Classifier) Classify(ctx context.Context, text string, categories []string, history []ai.Message) Result {
	rules := c.rules.Load()
	matches := rules.matchKeywords(text, categories)

	offered := categories
	switch {
	case len(matches) == 1 || (len(matches) > 1 && matches[0].rank < matches[1].rank):
		m := matches[0]
		return Result{
			Category:   m.category,
			Confidence: 1.0,
			Method:     MethodKeyword,
			Entities:   map[string]string{"keyword": m.keyword},
		}
	case len(matches) > 1:
		// tie at the best rank: let the model choose between the tied categories
		offered = nil
		for _, m := range matches {
			if m.rank == matches[0].rank {
				offered = append(offered, m.category)
			}
		}
		log.Debug().Strs("tied", offered).Msg("keyword tie, asking ai")
	}

	return c.classifyAI(ctx, text, offered, history)
}

func (c *Classifier) classifyAI(ctx context.Context, text string, categories []string, history []ai.Message) Result {
	if c.scorer == nil {
		return failed(fmt.Errorf("%w: no scorer configured", ErrClassificationUnavailable))
	}
	if len(categories) == 0 {
		return failed(fmt.Errorf("%w: no categories to choose from", ErrClassificationUnavailable))
	}

	prompt := buildPrompt(text, categories, history, c.contextLimit)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type reply struct {
		score ai.Score
		err   error
	}
	ch := make(chan reply, 1)
	go func() {
		s, err := c.scorer.Score(ctx, prompt, categories)
		ch <- reply{score: s, err: err}
	}()

	var r reply
	select {
	case r = <-ch:
	case <-ctx.Done():
		r.err = ctx.Err()
	}
	if r.err != nil {
		log.Warn().Err(r.err).Dur("budget", c.timeout).Msg("ai classification failed")
		return failed(fmt.Errorf("%w: %v", ErrClassificationUnavailable, r.err))
	}

	category, ok := canonical(r.score.Category, categories)
	if !ok {
		log.Debug().Str("category", r.score.Category).Msg("ai returned unknown category")
		return Result{Method: MethodAI}
	}

	return Result{
		Category:   category,
		Confidence: normalise(r.score.ConfidencePercent),
		Method:     MethodAI,
		Entities:   r.score.Entities,
	}
}

// normalise maps a 0..100 score onto [0,1]; NaN counts as no confidence.
func normalise(percent float64) float64 {
	if math.IsNaN(percent) {
		return 0
	}
	return math.Min(1, math.Max(0, percent/100))
}

func canonical(got string, categories []string) (string, bool) {
	for _, c := range categories {
		if strings.EqualFold(strings.TrimSpace(got), c) {
			return c, true
		}
	}
	return "", false
}

func failed(err error) Result {
	return Result{Method: MethodAIFailed, Err: err}
}
