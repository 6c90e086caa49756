// Package loader defines the construction contract the cache invokes on a
// miss, plus the decorator shape used to wrap loaders with retry, circuit
// breaking and rate limiting.
package loader

import "context"

// Func constructs the resource for a key. It is invoked only when no live
// resource is observable through the cache. A nil resource with a nil error
// is treated as a construction failure by the cache.
type Func[K comparable, V any] func(ctx context.Context, key K) (*V, error)

// Decorator wraps a Func with additional behaviour around construction.
type Decorator[K comparable, V any] func(next Func[K, V]) Func[K, V]
