package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter throttles an operation with a token bucket.
//
// The daemon uses it to bound how fast backend processes are started, so a
// burst of first-time users cannot fork-bomb the host. All methods are safe
// for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter refilling perSecond tokens per second with the
// given bucket size.
//
// Special cases:
//   - perSecond <= 0: no limiting at all
//   - burst < 1: treated as 1 so that Wait can ever succeed
func New(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Unlimited reports whether the limiter never throttles.
func (r *RateLimiter) Unlimited() bool {
	return r.limiter.Limit() == rate.Inf
}

// Allow consumes a token if one is available without waiting.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx ends. It fails immediately
// when the wait would outlast the context deadline.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// SetLimit changes the refill rate. perSecond <= 0 disables limiting.
func (r *RateLimiter) SetLimit(perSecond float64) {
	if perSecond <= 0 {
		r.limiter.SetLimit(rate.Inf)
		return
	}
	r.limiter.SetLimit(rate.Limit(perSecond))
	if r.limiter.Burst() < 1 {
		r.limiter.SetBurst(1)
	}
}

// Tokens returns the number of tokens currently in the bucket.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
