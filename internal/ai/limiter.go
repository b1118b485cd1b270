package ai

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

type rateLimited struct {
	next    Scorer
	limiter *rate.Limiter
}

// WithRateLimit caps calls to next at rps with the given burst. A caller whose
// deadline expires while waiting for a token gets the wait error back.
func WithRateLimit(next Scorer, rps float64, burst int) Scorer {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *rateLimited) Score(ctx context.Context, prompt string, categories []string) (Score, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Score{}, fmt.Errorf("ai rate limit: %w", err)
	}
	return r.next.Score(ctx, prompt, categories)
}
