package golazysquirrel

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Keksclan/goLazySquirrel/breaker"
	"github.com/Keksclan/goLazySquirrel/loader"
	"github.com/Keksclan/goLazySquirrel/metrics"
	"github.com/Keksclan/goLazySquirrel/pin"
	"github.com/Keksclan/goLazySquirrel/ratelimit"
	"github.com/Keksclan/goLazySquirrel/remote"
	"github.com/Keksclan/goLazySquirrel/retry"
	"github.com/Keksclan/goLazySquirrel/tracing"
)

// Option configures a Cache.
type Option[K comparable, V any] func(*config[K, V])

// Loader decorator priorities. Lower values wrap further out, so the rate
// limiter rejects before the breaker counts, and the breaker rejects before
// the retrier spins.
const (
	orderRateLimit = 10
	orderBreaker   = 20
	orderRetry     = 30
)

// WithLoader sets the default loader invoked by [Cache.Fetch] on a miss.
func WithLoader[K comparable, V any](fn loader.Func[K, V]) Option[K, V] {
	return func(c *config[K, V]) {
		c.loader = fn
	}
}

// WithDiscardLoser switches the construction policy from strict
// serialization (one attempt per key, concurrent fetchers wait and share
// the result) to discard-the-loser: concurrent fetchers of a missing key
// may each invoke the loader, the first publication wins, and losers throw
// their instance away and return the winner's. Use it when constructions
// are cheap enough that racing beats waiting.
func WithDiscardLoser[K comparable, V any]() Option[K, V] {
	return func(c *config[K, V]) {
		c.discardLoser = true
	}
}

// WithRetry wraps the loader so transient construction failures are retried
// according to cfg.
func WithRetry[K comparable, V any](cfg retry.Config) Option[K, V] {
	return func(c *config[K, V]) {
		c.chain.Add(orderRetry, func(next loader.Func[K, V]) loader.Func[K, V] {
			return retry.Loader(cfg, next)
		})
	}
}

// WithBreaker wraps the loader in a circuit breaker so a persistently
// failing backing source is not hammered by every miss.
func WithBreaker[K comparable, V any](cfg breaker.Config) Option[K, V] {
	return func(c *config[K, V]) {
		b := breaker.New(cfg)
		c.chain.Add(orderBreaker, func(next loader.Func[K, V]) loader.Func[K, V] {
			return breaker.Guard(b, next)
		})
	}
}

// WithLoadRateLimit gates construction behind a token bucket permitting lps
// loads per second with the given burst. Rejected loads fail fast with
// [ratelimit.ErrLimited].
func WithLoadRateLimit[K comparable, V any](lps float64, burst int) Option[K, V] {
	return func(c *config[K, V]) {
		l := ratelimit.NewLimiter(lps, burst)
		c.chain.Add(orderRateLimit, func(next loader.Func[K, V]) loader.Func[K, V] {
			return ratelimit.Guard(l, next)
		})
	}
}

// WithPin adds a ristretto-backed pin layer holding strong handles to up to
// maxEntries recently fetched resources for ttl each, so hot keys survive
// gaps in caller liveness. Available for ristretto-compatible key types.
func WithPin[K pin.Key, V any](maxEntries int64, ttl time.Duration) Option[K, V] {
	return func(c *config[K, V]) {
		c.newPin = func() (pinner[K, V], error) {
			return pin.NewKeeper[K, V](maxEntries, ttl)
		}
	}
}

// WithRemote adds a second-chance byte store consulted between a miss and
// the loader, with successful loads written through. keyOf maps cache keys
// to store keys; a nil keyOf falls back to fmt.Sprint.
func WithRemote[K comparable, V any](store remote.Store, codec remote.Codec[V], keyOf func(K) string) Option[K, V] {
	return func(c *config[K, V]) {
		c.store = store
		c.codec = codec
		c.storeKey = keyOf
	}
}

// WithMetrics registers Prometheus counters for cache behaviour on reg.
func WithMetrics[K comparable, V any](reg prometheus.Registerer) Option[K, V] {
	return func(c *config[K, V]) {
		c.metrics = metrics.New(reg)
	}
}

// WithTracing enables OpenTelemetry spans around fetches and loads.
func WithTracing[K comparable, V any](cfg *tracing.Config) Option[K, V] {
	return func(c *config[K, V]) {
		c.tracing = cfg
	}
}

// WithLogger sets a logger for construction failures and discarded
// duplicate loads. Without it the cache is silent.
func WithLogger[K comparable, V any](log *zap.Logger) Option[K, V] {
	return func(c *config[K, V]) {
		c.log = log
	}
}
