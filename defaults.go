package golazysquirrel

import (
	"time"

	"github.com/Keksclan/goLazySquirrel/breaker"
	"github.com/Keksclan/goLazySquirrel/retry"
)

// DefaultRetryConfig returns the recommended retry configuration for loaders
// whose backing source fails transiently. Every error is considered
// retryable; narrow RetryIf when the loader can distinguish permanent
// failures.
func DefaultRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
		Jitter:      0.2,
		RetryIf:     func(error) bool { return true },
	}
}

// DefaultBreakerConfig returns the recommended circuit breaker configuration
// for use with [WithBreaker].
func DefaultBreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold:   5,
		OpenTimeout:        10 * time.Second,
		HalfOpenMaxSuccess: 2,
	}
}
