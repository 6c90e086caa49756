package golazysquirrel

import (
	"errors"
	"fmt"
)

// ErrNoLoader is returned by [Cache.Fetch] when no loader was configured
// via [WithLoader]. Use [Cache.FetchWith] to supply one per call.
var ErrNoLoader = errors.New("lazysquirrel: no loader configured")

// errNilResource marks a loader that returned neither a resource nor an
// error.
var errNilResource = errors.New("loader returned nil resource")

// LoadError reports that the loader could not produce a resource for a key.
// The cache stores nothing for a failed construction; a subsequent Fetch
// for the same key invokes the loader again.
type LoadError struct {
	Key any
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("lazysquirrel: load %v: %v", e.Key, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
