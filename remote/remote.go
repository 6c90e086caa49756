// Package remote defines an optional second-chance byte store consulted
// between a weak-map miss and the loader. A remote hit decodes into a fresh
// resource without paying the loader's construction cost; successful loads
// are written through so other processes (or a later incarnation of this
// one) can skip theirs.
package remote

import (
	"context"
	"encoding/json"
)

// Store is a byte-oriented key/value store. Implementations are expected to
// fail soft: an unreachable store reads as a miss and discards writes, so
// the cache degrades to loader-only operation.
type Store interface {
	// Get retrieves the bytes for key. The boolean indicates a hit.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores the bytes for key.
	Set(ctx context.Context, key string, val []byte) error

	// Close releases the store's connections.
	Close() error
}

// Codec translates resources to and from their stored byte form.
type Codec[V any] interface {
	Encode(v *V) ([]byte, error)
	Decode(b []byte) (*V, error)
}

// JSONCodec is a Codec backed by encoding/json, sufficient for resources
// that round-trip through their exported fields.
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Encode(v *V) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec[V]) Decode(b []byte) (*V, error) {
	v := new(V)
	if err := json.Unmarshal(b, v); err != nil {
		return nil, err
	}
	return v, nil
}
