// Package retry provides a generic retry helper with exponential backoff and
// jitter for use around resource loaders whose backing source can fail
// transiently. It is completely optional and never applied unless wired in
// explicitly.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// backoff returns the delay for the given attempt (0-indexed) according to
// exponential back-off with optional jitter. The returned duration is capped
// at cfg.MaxDelay when one is set.
func backoff(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if max := float64(cfg.MaxDelay); max > 0 && delay > max {
		delay = max
	}
	if cfg.Jitter > 0 {
		// jitter adds up to ±Jitter fraction of the delay.
		delay += delay * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
