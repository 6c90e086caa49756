// Package breaker provides a minimal, thread-safe circuit breaker that
// shields a failing backing source from repeated construction attempts.
//
// States:
//   - Closed: loads flow normally; failures are counted.
//   - Open: loads are rejected with [ErrOpen]; after OpenTimeout the breaker
//     transitions to HalfOpen.
//   - HalfOpen: a limited number of probe loads are allowed through; if all
//     succeed the breaker closes, any failure reopens it.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Keksclan/goLazySquirrel/loader"
)

// ErrOpen is returned by a guarded loader while the breaker is open.
var ErrOpen = errors.New("breaker: open")

// State represents the current circuit breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// Config holds the circuit breaker parameters.
type Config struct {
	// FailureThreshold is the number of consecutive construction failures in
	// Closed state before the breaker trips to Open.
	FailureThreshold int

	// OpenTimeout is how long the breaker stays Open before transitioning
	// to HalfOpen.
	OpenTimeout time.Duration

	// HalfOpenMaxSuccess is the number of consecutive successful loads
	// required in HalfOpen state to close the breaker again.
	HalfOpenMaxSuccess int
}

// Breaker is a minimal circuit breaker. All methods are safe for concurrent
// use.
type Breaker struct {
	mu sync.Mutex

	cfg Config

	state     State
	failures  int // consecutive failures in Closed
	successes int // consecutive successes in HalfOpen
	openedAt  time.Time
	nowFunc   func() time.Time // for testing; defaults to time.Now
}

// New creates a Breaker with the given configuration.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:     cfg,
		state:   Closed,
		nowFunc: time.Now,
	}
}

// State returns the current state of the breaker. In Open state it may
// auto-transition to HalfOpen if the timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkOpenTimeout()
	return b.state
}

// Allow reports whether a load attempt is allowed through. It returns true
// when the breaker is Closed, or HalfOpen with remaining probe slots.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.checkOpenTimeout()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		return b.successes < b.cfg.HalfOpenMaxSuccess
	default: // Open
		return false
	}
}

// report records the outcome of a load attempt.
func (b *Breaker) report(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		switch b.state {
		case Closed:
			b.failures = 0
		case HalfOpen:
			b.successes++
			if b.successes >= b.cfg.HalfOpenMaxSuccess {
				b.state = Closed
				b.failures = 0
				b.successes = 0
			}
		}
		return
	}

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
}

// OnSuccess records a successful load.
func (b *Breaker) OnSuccess() { b.report(true) }

// OnFailure records a failed load.
func (b *Breaker) OnFailure() { b.report(false) }

// checkOpenTimeout transitions from Open to HalfOpen when the timeout has
// elapsed. Must be called with b.mu held.
func (b *Breaker) checkOpenTimeout() {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = HalfOpen
		b.successes = 0
	}
}

// trip moves to Open. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.successes = 0
}

func (b *Breaker) now() time.Time {
	if b.nowFunc != nil {
		return b.nowFunc()
	}
	return time.Now()
}

// Guard wraps a load function with b. While the breaker is open the loader
// is not invoked and [ErrOpen] is returned; otherwise every outcome is
// reported back to the breaker.
func Guard[K comparable, V any](b *Breaker, next loader.Func[K, V]) loader.Func[K, V] {
	return func(ctx context.Context, key K) (*V, error) {
		if !b.Allow() {
			return nil, ErrOpen
		}
		v, err := next(ctx, key)
		b.report(err == nil)
		return v, err
	}
}
