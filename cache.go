// Package golazysquirrel provides a weak-reference lookup cache for shared,
// expensive-to-construct resources.
//
// The cache maps keys to weak references: it never extends a resource's
// lifetime. While any caller still holds a *V handle, Fetch returns that
// same live instance. Once every handle is dropped and the resource is
// collected, the entry goes stale and the next Fetch reconstructs the
// resource through the loader and re-registers it:
//
//	c, _ := gs.New(
//		gs.WithLoader(loadWidget),
//		gs.WithRetry[string, Widget](gs.DefaultRetryConfig()),
//	)
//	w, err := c.Fetch(ctx, "widget-1")
//
// Optional layers — a ristretto-backed pin holder, a Redis second-chance
// store, Prometheus counters and OpenTelemetry spans — are wired in via
// functional [Option] values.
package golazysquirrel

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Keksclan/goLazySquirrel/loader"
	"github.com/Keksclan/goLazySquirrel/metrics"
	"github.com/Keksclan/goLazySquirrel/remote"
	"github.com/Keksclan/goLazySquirrel/tracing"
	"github.com/Keksclan/goLazySquirrel/weakref"
)

// Cache is a weak-reference lookup cache. The zero value is not usable;
// construct with [New]. All methods are safe for concurrent use.
type Cache[K comparable, V any] struct {
	entries *weakref.Map[K, V]

	load     loader.Func[K, V]      // decorated default loader; nil without WithLoader
	decorate loader.Decorator[K, V] // applied to per-call loaders too

	mu      sync.Mutex
	flights map[K]*flight[V]

	discardLoser bool
	pin          pinner[K, V]
	store        remote.Store
	codec        remote.Codec[V]
	storeKey     func(K) string
	metrics      *metrics.Set
	tracing      *tracing.Config
	log          *zap.Logger
}

// flight is one in-progress construction; concurrent fetchers of the same
// key wait on it and share its result, including the outcome recorded on
// their fetch spans.
type flight[V any] struct {
	wg      sync.WaitGroup
	val     *V
	outcome string
	err     error
}

// New creates a [Cache] by applying the supplied functional [Option] values.
// Loader decorators execute in a fixed priority order (rate limit outermost,
// then breaker, then retry), not in the order options are passed.
func New[K comparable, V any](opts ...Option[K, V]) (*Cache[K, V], error) {
	var cfg config[K, V]
	for _, o := range opts {
		o(&cfg)
	}

	c := &Cache[K, V]{
		entries:      weakref.NewMap[K, V](),
		flights:      make(map[K]*flight[V]),
		decorate:     cfg.chain.Compose(),
		discardLoser: cfg.discardLoser,
		store:        cfg.store,
		codec:        cfg.codec,
		storeKey:     cfg.storeKey,
		metrics:      cfg.metrics,
		tracing:      cfg.tracing,
		log:          cfg.log,
	}

	if cfg.loader != nil {
		c.load = c.decorate(cfg.loader)
	}
	if c.store != nil && c.storeKey == nil {
		c.storeKey = func(k K) string { return fmt.Sprint(k) }
	}
	if cfg.newPin != nil {
		p, err := cfg.newPin()
		if err != nil {
			return nil, err
		}
		c.pin = p
	}
	return c, nil
}

// Fetch returns a live shared handle to the resource for key. A live cached
// instance is returned directly; otherwise the resource is constructed via
// the loader configured with [WithLoader], published under key, and
// returned. On construction failure a [*LoadError] is returned and the
// cache is left unmodified.
func (c *Cache[K, V]) Fetch(ctx context.Context, key K) (*V, error) {
	if c.load == nil {
		return nil, ErrNoLoader
	}
	return c.fetch(ctx, key, c.load)
}

// FetchWith is [Cache.Fetch] with a per-call loader. The configured
// decorators (retry, breaker, rate limit) apply to fn as well.
func (c *Cache[K, V]) FetchWith(ctx context.Context, key K, fn loader.Func[K, V]) (*V, error) {
	return c.fetch(ctx, key, c.decorate(fn))
}

func (c *Cache[K, V]) fetch(ctx context.Context, key K, load loader.Func[K, V]) (*V, error) {
	end := tracing.EndFunc(func(string, error) {})
	if c.tracing != nil {
		ctx, end = tracing.FetchSpan(ctx, c.tracing, fmt.Sprint(key))
	}

	if v, st := c.entries.Get(key); st == weakref.Live {
		c.metrics.Hit()
		c.repin(key, v)
		end(tracing.OutcomeHit, nil)
		return v, nil
	} else if st == weakref.Stale {
		c.metrics.Miss(metrics.ReasonStale)
	} else {
		c.metrics.Miss(metrics.ReasonAbsent)
	}

	var (
		v       *V
		outcome string
		err     error
	)
	if c.discardLoser {
		v, outcome, err = c.loadRacy(ctx, key, load)
	} else {
		v, outcome, err = c.loadSerialized(ctx, key, load)
	}
	if err != nil {
		end(tracing.OutcomeError, err)
		return nil, err
	}
	end(outcome, nil)
	return v, nil
}

// loadSerialized is the default policy: exactly one construction attempt per
// key at a time. Concurrent fetchers of the same key wait and share the
// winner's result — or its error.
func (c *Cache[K, V]) loadSerialized(ctx context.Context, key K, load loader.Func[K, V]) (*V, string, error) {
	c.mu.Lock()
	if f, ok := c.flights[key]; ok {
		c.mu.Unlock()
		f.wg.Wait()
		return f.val, f.outcome, f.err
	}
	f := &flight[V]{}
	f.wg.Add(1)
	c.flights[key] = f
	c.mu.Unlock()

	// A previous flight may have published between our lookup and the
	// flight registration.
	if v, st := c.entries.Get(key); st == weakref.Live {
		f.val = v
		f.outcome = tracing.OutcomeHit
		c.metrics.Hit()
		c.repin(key, v)
	} else {
		var fromRemote bool
		f.val, fromRemote, f.err = c.build(ctx, key, load)
		if f.err == nil {
			c.publish(key, f.val)
			if fromRemote {
				f.outcome = tracing.OutcomeRemote
			} else {
				f.outcome = tracing.OutcomeLoad
				c.writeThrough(ctx, key, f.val)
			}
		}
	}
	f.wg.Done()

	c.mu.Lock()
	delete(c.flights, key)
	c.mu.Unlock()

	return f.val, f.outcome, f.err
}

// loadRacy constructs outside any lock: concurrent fetchers of the same key
// may each invoke the loader, the first to publish wins, and losers discard
// their instance and return the winner's.
func (c *Cache[K, V]) loadRacy(ctx context.Context, key K, load loader.Func[K, V]) (*V, string, error) {
	v, fromRemote, err := c.build(ctx, key, load)
	if err != nil {
		return nil, "", err
	}
	outcome := tracing.OutcomeLoad
	if fromRemote {
		outcome = tracing.OutcomeRemote
	}

	winner, won := c.entries.StoreIfAbsent(key, v)
	if !won {
		c.metrics.Discarded()
		if c.log != nil {
			c.log.Debug("discarded duplicate construction",
				zap.String("key", fmt.Sprint(key)))
		}
		return winner, outcome, nil
	}

	c.repin(key, v)
	if !fromRemote {
		c.writeThrough(ctx, key, v)
	}
	return v, outcome, nil
}

// build produces a resource for key — from the remote second-chance store
// when configured, otherwise through the loader — without publishing it.
func (c *Cache[K, V]) build(ctx context.Context, key K, load loader.Func[K, V]) (*V, bool, error) {
	if v, ok := c.remoteGet(ctx, key); ok {
		return v, true, nil
	}

	end := tracing.EndFunc(func(string, error) {})
	if c.tracing != nil {
		ctx, end = tracing.LoadSpan(ctx, c.tracing, fmt.Sprint(key))
	}
	v, err := load(ctx, key)
	if err == nil && v == nil {
		err = errNilResource
	}
	end("", err)
	if err != nil {
		c.metrics.LoadFailure()
		if c.log != nil {
			c.log.Warn("resource construction failed",
				zap.String("key", fmt.Sprint(key)), zap.Error(err))
		}
		return nil, false, &LoadError{Key: key, Err: err}
	}
	c.metrics.Load()
	return v, false, nil
}

// publish registers a weak reference to v under key and pins it when a pin
// layer is configured.
func (c *Cache[K, V]) publish(key K, v *V) {
	c.entries.Store(key, v)
	c.repin(key, v)
}

func (c *Cache[K, V]) repin(key K, v *V) {
	if c.pin != nil {
		c.pin.Pin(key, v)
	}
}

func (c *Cache[K, V]) remoteGet(ctx context.Context, key K) (*V, bool) {
	if c.store == nil {
		return nil, false
	}
	b, ok, err := c.store.Get(ctx, c.storeKey(key))
	if err != nil || !ok {
		return nil, false
	}
	v, err := c.codec.Decode(b)
	if err != nil {
		if c.log != nil {
			c.log.Warn("remote entry undecodable",
				zap.String("key", fmt.Sprint(key)), zap.Error(err))
		}
		return nil, false
	}
	c.metrics.RemoteHit()
	return v, true
}

// writeThrough stores v in the remote store. Encode or store errors are not
// the caller's problem: the resource is already live in-process.
func (c *Cache[K, V]) writeThrough(ctx context.Context, key K, v *V) {
	if c.store == nil {
		return
	}
	b, err := c.codec.Encode(v)
	if err != nil {
		if c.log != nil {
			c.log.Warn("remote write-through skipped",
				zap.String("key", fmt.Sprint(key)), zap.Error(err))
		}
		return
	}
	_ = c.store.Set(ctx, c.storeKey(key), b)
}

// Peek returns the live resource for key without loading, pinning or
// recording metrics.
func (c *Cache[K, V]) Peek(key K) (*V, bool) {
	v, st := c.entries.Get(key)
	return v, st == weakref.Live
}

// Evict drops the entry and any pin for key. The resource stays alive as
// long as callers hold handles; the next Fetch reconstructs.
func (c *Cache[K, V]) Evict(key K) {
	c.entries.Delete(key)
	if c.pin != nil {
		c.pin.Unpin(key)
	}
}

// Len returns the number of entries, including stale ones not yet cleaned
// up.
func (c *Cache[K, V]) Len() int {
	return c.entries.Len()
}

// Purge drops every entry and releases every pin. Resources still held by
// callers are unaffected: the entries were never owning and the pins were
// only the cache's own handles.
func (c *Cache[K, V]) Purge() {
	c.entries.Purge()
	if c.pin != nil {
		c.pin.Purge()
	}
}

// Close releases the pin layer. The remote store is caller-owned and is not
// closed here.
func (c *Cache[K, V]) Close() {
	if c.pin != nil {
		c.pin.Close()
	}
}
