// Package ratelimiter paces outbound calls to the remote photo service so a
// cycle iterating thousands of photos never floods it with back-to-back
// requests.
package ratelimiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter wraps golang.org/x/time/rate.Limiter, binding it to a caller
// context so Wait cancels the same way the rest of the sync engine's
// blocking calls do.
type RateLimiter struct {
	limiter *rate.Limiter
	ctx     context.Context
}

// New creates a RateLimiter that lets burst calls through immediately and
// then paces subsequent calls to at most one per interval. iCloud's web API
// tolerates a short burst (e.g. an album listing immediately followed by its
// first few photo downloads) before it starts throttling, so callers pick a
// burst that matches their own access pattern rather than sharing one fixed
// constant.
func New(interval time.Duration, burst int, ctx context.Context) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Every(interval), burst),
		ctx:     ctx,
	}
}

// Wait blocks until a token is available, or returns ctx's error if it is
// cancelled first.
func (r *RateLimiter) Wait() error {
	return r.limiter.Wait(r.ctx)
}

// Stop is a no-op kept for call-site parity with callers that manage a
// limiter's lifecycle explicitly; x/time/rate.Limiter needs no explicit
// shutdown.
func (r *RateLimiter) Stop() {}
