// Package weakref implements the weak-reference map at the heart of the
// cache: keys mapped to non-owning observations of shared resources.
//
// A Map entry never keeps its resource alive. A live entry can be upgraded
// to a strong *V handle; once every strong handle elsewhere is dropped the
// resource is collected, the entry goes stale, and a per-resource cleanup
// removes it from the map.
//
// One caveat inherited from the weak package: pointer-free values smaller
// than 16 bytes go through the runtime's tiny allocator and may share an
// allocation block with unrelated longer-lived objects, in which case the
// entry stays live as long as any of those neighbours do. Resource types
// that small should carry a pointer-bearing field if prompt staleness
// matters.
package weakref

import (
	"runtime"
	"sync"
	"weak"
)

// State describes what a lookup observed for a key.
type State int

const (
	// Absent means no entry exists for the key.
	Absent State = iota

	// Stale means an entry existed but its resource has been collected.
	// Stale entries are removed by the lookup that observes them.
	Stale

	// Live means the entry resolved to a live resource.
	Live
)

// Map associates comparable keys with weak references to resources of type
// V. All methods are safe for concurrent use; a single map-wide mutex guards
// the entries.
type Map[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]weak.Pointer[V]
}

// NewMap creates an empty Map.
func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{entries: make(map[K]weak.Pointer[V])}
}

// Get attempts to upgrade the entry for key to a strong handle. On Live the
// returned handle is valid and owning. A Stale entry is deleted before
// returning.
func (m *Map[K, V]) Get(key K) (*V, State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wp, ok := m.entries[key]
	if !ok {
		return nil, Absent
	}
	v := wp.Value()
	if v == nil {
		delete(m.entries, key)
		return nil, Stale
	}
	return v, Live
}

// Store publishes a weak reference to v under key, overwriting any previous
// entry. The entry self-evicts once v is collected.
func (m *Map[K, V]) Store(key K, v *V) {
	wp := weak.Make(v)

	m.mu.Lock()
	m.entries[key] = wp
	m.mu.Unlock()

	m.armCleanup(key, v, wp)
}

// StoreIfAbsent publishes v unless a live resource is already registered
// under key. It returns the resource now observable through the map and
// whether v was the one published.
func (m *Map[K, V]) StoreIfAbsent(key K, v *V) (*V, bool) {
	wp := weak.Make(v)

	m.mu.Lock()
	if cur, ok := m.entries[key]; ok {
		if live := cur.Value(); live != nil {
			m.mu.Unlock()
			return live, false
		}
	}
	m.entries[key] = wp
	m.mu.Unlock()

	m.armCleanup(key, v, wp)
	return v, true
}

// armCleanup schedules removal of the entry once v is collected. The weak
// pointer comparison ensures a newer entry published under the same key is
// never deleted by an older resource's cleanup.
func (m *Map[K, V]) armCleanup(key K, v *V, wp weak.Pointer[V]) {
	runtime.AddCleanup(v, func(k K) {
		m.mu.Lock()
		if cur, ok := m.entries[k]; ok && cur == wp {
			delete(m.entries, k)
		}
		m.mu.Unlock()
	}, key)
}

// Delete removes the entry for key, if any. The resource itself is
// unaffected: the map never owned it.
func (m *Map[K, V]) Delete(key K) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// Len returns the number of entries, counting stale entries that have not
// been observed or cleaned up yet.
func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Purge drops every entry. Live resources are unaffected.
func (m *Map[K, V]) Purge() {
	m.mu.Lock()
	m.entries = make(map[K]weak.Pointer[V])
	m.mu.Unlock()
}
