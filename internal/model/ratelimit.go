package model

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited throttles how often streams are opened on the wrapped adapter.
// Open blocks until the limiter admits the request or ctx is done.
type RateLimited struct {
	next    Adapter
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a token bucket of perSecond opens per second
// and the given burst. A burst below one is raised to one.
func NewRateLimited(next Adapter, perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (r *RateLimited) Open(ctx context.Context, req Request) (Stream, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return r.next.Open(ctx, req)
}

// Unwrap returns the adapter being throttled.
func (r *RateLimited) Unwrap() Adapter { return r.next }
