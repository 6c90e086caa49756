// Package core wires loader decorators together in a deterministic order,
// keeping the composition logic out of the public API surface.
package core

import (
	"cmp"
	"slices"

	"github.com/Keksclan/goLazySquirrel/loader"
)

// entry is a single decorator with a fixed execution order. Lower Order
// values wrap further out (run first).
type entry[K comparable, V any] struct {
	order int
	wrap  loader.Decorator[K, V]
}

// Chain collects decorators and produces a single composed decorator.
// Execution order is determined by the order values passed to Add, not by
// insertion order.
type Chain[K comparable, V any] struct {
	entries []entry[K, V]
}

// Add registers a decorator with the given order.
func (c *Chain[K, V]) Add(order int, wrap loader.Decorator[K, V]) {
	c.entries = append(c.entries, entry[K, V]{order: order, wrap: wrap})
}

// Compose sorts the collected decorators by order (stable) and returns one
// decorator applying them all: the lowest order ends up outermost.
func (c *Chain[K, V]) Compose() loader.Decorator[K, V] {
	slices.SortStableFunc(c.entries, func(a, b entry[K, V]) int {
		return cmp.Compare(a.order, b.order)
	})

	entries := c.entries
	return func(next loader.Func[K, V]) loader.Func[K, V] {
		for i := len(entries) - 1; i >= 0; i-- {
			next = entries[i].wrap(next)
		}
		return next
	}
}
