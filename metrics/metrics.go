// Package metrics exposes Prometheus counters for cache behaviour. A nil
// *Set is valid and records nothing, so an unconfigured cache pays no
// instrumentation cost.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Miss reasons.
const (
	ReasonAbsent = "absent"
	ReasonStale  = "stale"
)

// Set holds the cache's counters, registered on a single Registerer.
type Set struct {
	hits         prometheus.Counter
	misses       *prometheus.CounterVec
	loads        prometheus.Counter
	loadFailures prometheus.Counter
	discarded    prometheus.Counter
	remoteHits   prometheus.Counter
}

// New creates the counter set and registers it on reg.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lazysquirrel",
			Name:      "hits_total",
			Help:      "Fetches served from a live weak reference.",
		}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lazysquirrel",
			Name:      "misses_total",
			Help:      "Fetches that found no live resource, by reason.",
		}, []string{"reason"}),
		loads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lazysquirrel",
			Name:      "loads_total",
			Help:      "Successful resource constructions.",
		}),
		loadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lazysquirrel",
			Name:      "load_failures_total",
			Help:      "Construction attempts that returned an error.",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lazysquirrel",
			Name:      "discarded_loads_total",
			Help:      "Constructed resources discarded because a concurrent load won publication.",
		}),
		remoteHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lazysquirrel",
			Name:      "remote_hits_total",
			Help:      "Misses satisfied by the remote second-chance store.",
		}),
	}
	reg.MustRegister(s.hits, s.misses, s.loads, s.loadFailures, s.discarded, s.remoteHits)
	return s
}

// Hit records a fetch served from a live weak reference.
func (s *Set) Hit() {
	if s == nil {
		return
	}
	s.hits.Inc()
}

// Miss records a fetch that found no live resource, with a reason of
// [ReasonAbsent] or [ReasonStale].
func (s *Set) Miss(reason string) {
	if s == nil {
		return
	}
	s.misses.WithLabelValues(reason).Inc()
}

// Load records a successful construction.
func (s *Set) Load() {
	if s == nil {
		return
	}
	s.loads.Inc()
}

// LoadFailure records a failed construction.
func (s *Set) LoadFailure() {
	if s == nil {
		return
	}
	s.loadFailures.Inc()
}

// Discarded records a constructed resource thrown away because a concurrent
// load published first.
func (s *Set) Discarded() {
	if s == nil {
		return
	}
	s.discarded.Inc()
}

// RemoteHit records a miss satisfied by the remote store.
func (s *Set) RemoteHit() {
	if s == nil {
		return
	}
	s.remoteHits.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
