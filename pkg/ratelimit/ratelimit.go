// Package ratelimit implements the per-tenant token bucket that guards
// pipeline admission. Bucket state lives in a shared store so every replica
// draws from the same budget; the two-key refill-and-drain runs as one
// atomic script. Callers never wait for tokens: a denial returns immediately
// with a retry hint.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long the caller should wait before trying again.
	// Zero when allowed.
	RetryAfter time.Duration
}

// Limiter is the admission contract. Rate is tokens per minute and burst is
// the bucket capacity; both come from the tenant's effective limits.
type Limiter interface {
	// Allow attempts to take n tokens from the tenant's bucket.
	Allow(ctx context.Context, tenantID string, rate, burst float64, n int) (Decision, error)
	// Reset drops the tenant's bucket state so the next call starts from a
	// full bucket.
	Reset(ctx context.Context, tenantID string) error
}

// Noop allows every request. It stands in when rate limiting is disabled.
type Noop struct{}

// Allow reports the bucket as untouched.
func (Noop) Allow(ctx context.Context, tenantID string, rate, burst float64, n int) (Decision, error) {
	return Decision{Allowed: true, Remaining: burst}, nil
}

// Reset does nothing.
func (Noop) Reset(ctx context.Context, tenantID string) error { return nil }

var _ Limiter = Noop{}
