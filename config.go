package golazysquirrel

import (
	"go.uber.org/zap"

	"github.com/Keksclan/goLazySquirrel/internal/core"
	"github.com/Keksclan/goLazySquirrel/loader"
	"github.com/Keksclan/goLazySquirrel/metrics"
	"github.com/Keksclan/goLazySquirrel/remote"
	"github.com/Keksclan/goLazySquirrel/tracing"
)

// config holds the internal configuration assembled via functional options.
type config[K comparable, V any] struct {
	loader       loader.Func[K, V]
	chain        core.Chain[K, V]
	discardLoser bool
	newPin       func() (pinner[K, V], error)
	store        remote.Store
	codec        remote.Codec[V]
	storeKey     func(K) string
	metrics      *metrics.Set
	tracing      *tracing.Config
	log          *zap.Logger
}

// pinner is the strong-handle holder contract the cache drives. Satisfied
// by *pin.Keeper for ristretto-compatible key types.
type pinner[K comparable, V any] interface {
	Pin(key K, v *V)
	Unpin(key K)
	Purge()
	Close()
}
