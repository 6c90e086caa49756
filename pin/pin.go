// Package pin provides an optional strong-handle holder backed by ristretto.
//
// The weak-reference map never extends a resource's lifetime, so a key whose
// callers churn faster than they overlap pays a reconstruction on every gap.
// A Keeper closes those gaps: it holds its own strong handle to each pinned
// resource for a TTL, participating in lifetime exactly like any other
// caller. Dropping a pin (TTL expiry, eviction pressure, Close) releases
// only the Keeper's handle.
package pin

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Key constrains pinnable keys to types ristretto can hash and the cache
// can use as map keys.
type Key interface {
	ristretto.Key
	comparable
}

// Keeper holds strong handles to recently loaded resources.
type Keeper[K Key, V any] struct {
	rc  *ristretto.Cache[K, *V]
	ttl time.Duration
}

// NewKeeper creates a Keeper that pins up to maxEntries resources, each for
// ttl (zero means pins never expire on their own).
func NewKeeper[K Key, V any](maxEntries int64, ttl time.Duration) (*Keeper[K, V], error) {
	rc, err := ristretto.NewCache(&ristretto.Config[K, *V]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Keeper[K, V]{rc: rc, ttl: ttl}, nil
}

// Pin holds a strong handle to v under key for the Keeper's TTL. Re-pinning
// an already pinned key refreshes its TTL.
func (p *Keeper[K, V]) Pin(key K, v *V) {
	p.rc.SetWithTTL(key, v, 1, p.ttl)
	p.rc.Wait()
}

// Get returns the pinned handle for key, if any.
func (p *Keeper[K, V]) Get(key K) (*V, bool) {
	return p.rc.Get(key)
}

// Unpin releases the Keeper's handle for key. The resource stays alive as
// long as any other handle exists.
func (p *Keeper[K, V]) Unpin(key K) {
	p.rc.Del(key)
}

// Purge releases every pin.
func (p *Keeper[K, V]) Purge() {
	p.rc.Clear()
}

// Close releases all pins and the underlying cache.
func (p *Keeper[K, V]) Close() {
	p.rc.Close()
}
