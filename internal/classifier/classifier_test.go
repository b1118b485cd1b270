package classifier_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightears/bma-messenger-hub-sub001/internal/ai"
	"github.com/brightears/bma-messenger-hub-sub001/internal/classifier"
)

var departments = []string{"sales", "technical", "billing"}

type fakeScorer struct {
	mu      sync.Mutex
	score   ai.Score
	err     error
	delay   time.Duration
	calls   int
	prompts []string
	offered [][]string
}

func (f *fakeScorer) Score(ctx context.Context, prompt string, categories []string) (ai.Score, error) {
	f.mu.Lock()
	f.calls++
	f.prompts = append(f.prompts, prompt)
	f.offered = append(f.offered, categories)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ai.Score{}, ctx.Err()
		}
	}
	return f.score, f.err
}

func TestClassify_KeywordMatch(t *testing.T) {
	scorer := &fakeScorer{}
	c := classifier.New(scorer, classifier.Rules{
		Keywords: map[string][]string{"sales": {"price", "quote"}},
	})

	got := c.Classify(context.Background(), "need a price quote", departments, nil)

	assert.Equal(t, "sales", got.Category)
	assert.Equal(t, 1.0, got.Confidence)
	assert.Equal(t, classifier.MethodKeyword, got.Method)
	assert.Zero(t, scorer.calls, "keyword hit must not reach the scorer")
}

func TestClassify_KeywordCaseAndStem(t *testing.T) {
	c := classifier.New(nil, classifier.Rules{
		Keywords: map[string][]string{
			"billing":   {"invoices", "charge"},
			"technical": {"not working", "crash"},
		},
	})

	tests := []struct {
		text string
		want string
	}{
		{"Can you resend the INVOICE?", "billing"},
		{"I was charged twice", "billing"},
		{"The player is NOT WORKING again", "technical"},
		{"app crashes on start", "technical"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := c.Classify(context.Background(), tt.text, departments, nil)
			assert.Equal(t, tt.want, got.Category)
			assert.Equal(t, classifier.MethodKeyword, got.Method)
		})
	}
}

func TestClassify_PriorityTieBreak(t *testing.T) {
	scorer := &fakeScorer{}
	c := classifier.New(scorer, classifier.Rules{
		Keywords: map[string][]string{
			"sales":   {"price"},
			"billing": {"invoice"},
		},
		Priority: []string{"billing", "sales"},
	})

	got := c.Classify(context.Background(), "price on my invoice is wrong", departments, nil)
	assert.Equal(t, "billing", got.Category)
	assert.Equal(t, classifier.MethodKeyword, got.Method)
	assert.Zero(t, scorer.calls)
}

func TestClassify_EqualPriorityAsksAIWithTiedCategories(t *testing.T) {
	scorer := &fakeScorer{score: ai.Score{Category: "Billing", ConfidencePercent: 80}}
	c := classifier.New(scorer, classifier.Rules{
		Keywords: map[string][]string{
			"sales":   {"price"},
			"billing": {"invoice"},
		},
	})

	got := c.Classify(context.Background(), "price on my invoice is wrong", departments, nil)

	require.Equal(t, 1, scorer.calls)
	assert.ElementsMatch(t, []string{"sales", "billing"}, scorer.offered[0])
	assert.Equal(t, "billing", got.Category, "category is mapped to its configured spelling")
	assert.InDelta(t, 0.8, got.Confidence, 1e-9)
	assert.Equal(t, classifier.MethodAI, got.Method)
}

func TestClassify_AIConfidenceClamped(t *testing.T) {
	tests := []struct {
		name    string
		percent float64
		want    float64
	}{
		{"above range", 250, 1},
		{"below range", -40, 0},
		{"not a number", math.NaN(), 0},
		{"in range", 63, 0.63},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scorer := ai.ScorerFunc(func(context.Context, string, []string) (ai.Score, error) {
				return ai.Score{Category: "sales", ConfidencePercent: tt.percent}, nil
			})
			c := classifier.New(scorer, classifier.Rules{})

			got := c.Classify(context.Background(), "hello there", departments, nil)

			assert.Equal(t, classifier.MethodAI, got.Method)
			assert.InDelta(t, tt.want, got.Confidence, 1e-9)
		})
	}
}

func TestClassify_AIFallback(t *testing.T) {
	scorer := &fakeScorer{score: ai.Score{Category: "technical", ConfidencePercent: 45}}
	c := classifier.New(scorer, classifier.Rules{
		Keywords: map[string][]string{"sales": {"price", "quote"}},
	})

	history := []ai.Message{
		{Role: "user", Text: "hello"},
		{Role: "assistant", Text: "How can we help?"},
	}
	got := c.Classify(context.Background(), "it's broken", departments, history)

	assert.Equal(t, "technical", got.Category)
	assert.InDelta(t, 0.45, got.Confidence, 1e-9)
	assert.Equal(t, classifier.MethodAI, got.Method)

	require.Len(t, scorer.prompts, 1)
	p := scorer.prompts[0]
	assert.Contains(t, p, "it's broken")
	assert.Contains(t, p, "agent: How can we help?")
	for _, d := range departments {
		assert.Contains(t, p, "- "+d)
	}
}

func TestClassify_AITimeout(t *testing.T) {
	scorer := &fakeScorer{delay: time.Second, score: ai.Score{Category: "sales", ConfidencePercent: 99}}
	c := classifier.New(scorer, classifier.Rules{}, classifier.WithAITimeout(30*time.Millisecond))

	start := time.Now()
	got := c.Classify(context.Background(), "hmm", departments, nil)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, classifier.MethodAIFailed, got.Method)
	assert.Empty(t, got.Category)
	assert.Zero(t, got.Confidence)
	assert.ErrorIs(t, got.Err, classifier.ErrClassificationUnavailable)
}

func TestClassify_ScorerIgnoringContextIsStillBounded(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	scorer := ai.ScorerFunc(func(context.Context, string, []string) (ai.Score, error) {
		<-block
		return ai.Score{}, nil
	})
	c := classifier.New(scorer, classifier.Rules{}, classifier.WithAITimeout(20*time.Millisecond))

	got := c.Classify(context.Background(), "hmm", departments, nil)
	assert.Equal(t, classifier.MethodAIFailed, got.Method)
}

func TestClassify_AIError(t *testing.T) {
	scorer := &fakeScorer{err: errors.New("503 upstream")}
	c := classifier.New(scorer, classifier.Rules{})

	got := c.Classify(context.Background(), "hmm", departments, nil)
	assert.Equal(t, classifier.MethodAIFailed, got.Method)
	assert.False(t, got.Classified())
}

func TestClassify_AIUnknownCategory(t *testing.T) {
	scorer := &fakeScorer{score: ai.Score{Category: "legal", ConfidencePercent: 95}}
	c := classifier.New(scorer, classifier.Rules{})

	got := c.Classify(context.Background(), "hmm", departments, nil)
	assert.Equal(t, classifier.MethodAI, got.Method)
	assert.Empty(t, got.Category)
	assert.Zero(t, got.Confidence)
}

func TestClassify_NoScorer(t *testing.T) {
	c := classifier.New(nil, classifier.Rules{})
	got := c.Classify(context.Background(), "hmm", departments, nil)
	assert.Equal(t, classifier.MethodAIFailed, got.Method)
}

func TestClassify_KeywordsOutsideOfferedCategoriesIgnored(t *testing.T) {
	scorer := &fakeScorer{score: ai.Score{Category: "technical", ConfidencePercent: 90}}
	c := classifier.New(scorer, classifier.Rules{
		Keywords: map[string][]string{"legal": {"contract"}},
	})

	got := c.Classify(context.Background(), "contract question", departments, nil)
	assert.Equal(t, classifier.MethodAI, got.Method)
	assert.Equal(t, "technical", got.Category)
}

func TestClassify_SetRules(t *testing.T) {
	c := classifier.New(nil, classifier.Rules{})

	assert.Equal(t, classifier.MethodAIFailed, c.Classify(context.Background(), "price?", departments, nil).Method)

	c.SetRules(classifier.Rules{Keywords: map[string][]string{"sales": {"price"}}})
	assert.Equal(t, "sales", c.Classify(context.Background(), "price?", departments, nil).Category)
}

func TestClassify_ContextIsBounded(t *testing.T) {
	scorer := &fakeScorer{score: ai.Score{Category: "sales", ConfidencePercent: 10}}
	c := classifier.New(scorer, classifier.Rules{}, classifier.WithContextLimit(2))

	history := []ai.Message{
		{Role: "user", Text: "alpha-msg"},
		{Role: "user", Text: "bravo-msg"},
		{Role: "user", Text: "charlie-msg"},
		{Role: "user", Text: strings.Repeat("x", 2000)},
	}
	c.Classify(context.Background(), "latest", departments, history)

	require.Len(t, scorer.prompts, 1)
	p := scorer.prompts[0]
	assert.NotContains(t, p, "alpha-msg")
	assert.NotContains(t, p, "bravo-msg")
	assert.Contains(t, p, "charlie-msg")
	assert.NotContains(t, p, strings.Repeat("x", 600))
}
