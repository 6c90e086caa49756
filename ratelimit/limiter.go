// Package ratelimit provides a token-bucket rate limiter backed by
// golang.org/x/time/rate for gating resource construction, protecting a slow
// backing source from reconstruction storms.
package ratelimit

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/Keksclan/goLazySquirrel/loader"
)

// ErrLimited is returned by a guarded loader when the bucket is empty.
var ErrLimited = errors.New("ratelimit: load rejected")

// Limiter wraps a token-bucket limiter that decides whether a construction
// attempt may proceed.
type Limiter struct {
	lim *rate.Limiter
}

// NewLimiter creates a Limiter that permits lps loads per second with the
// given burst size.
func NewLimiter(lps float64, burst int) *Limiter {
	return &Limiter{lim: rate.NewLimiter(rate.Limit(lps), burst)}
}

// Allow reports whether a single load may proceed.
func (l *Limiter) Allow() bool {
	return l.lim.Allow()
}

// Guard wraps a load function with l. Rejected loads fail fast with
// [ErrLimited] instead of queueing behind the bucket.
func Guard[K comparable, V any](l *Limiter, next loader.Func[K, V]) loader.Func[K, V] {
	return func(ctx context.Context, key K) (*V, error) {
		if !l.Allow() {
			return nil, ErrLimited
		}
		return next(ctx, key)
	}
}
