package golazysquirrel

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/Keksclan/goLazySquirrel/remote"
	"github.com/Keksclan/goLazySquirrel/tracing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// widget is the test resource; Gen distinguishes reconstructions. The Name
// field keeps the allocation pointer-bearing: a tiny pointer-free widget
// could share a tiny-allocator block with the loader's call counter and
// never be collected while the counter lives.
type widget struct {
	Gen  int    `json:"gen"`
	Name string `json:"name"`
}

// countingLoader returns a loader producing a new widget per call and the
// call counter.
func countingLoader() (func(context.Context, string) (*widget, error), *atomic.Int32) {
	var calls atomic.Int32
	return func(_ context.Context, key string) (*widget, error) {
		return &widget{Gen: int(calls.Add(1)), Name: key}, nil
	}, &calls
}

func TestFetch_LoaderCalledOnceWhileHandleHeld(t *testing.T) {
	load, calls := countingLoader()
	c, err := New(WithLoader(load))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	v1, err := c.Fetch(t.Context(), "A")
	if err != nil {
		t.Fatalf("Fetch 1: %v", err)
	}
	if v1.Gen != 1 {
		t.Fatalf("gen=%d, want 1", v1.Gen)
	}

	// While v1 is held, a second fetch returns the same instance without
	// invoking the loader.
	v2, err := c.Fetch(t.Context(), "A")
	if err != nil {
		t.Fatalf("Fetch 2: %v", err)
	}
	if v2 != v1 {
		t.Fatal("expected the same live instance")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("loader called %d times, want 1", n)
	}
	runtime.KeepAlive(v1)
}

func TestFetch_ReloadsAfterCollection(t *testing.T) {
	load, calls := countingLoader()
	c, err := New(WithLoader(load))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Fetch and drop the only handle inside a helper so nothing on this
	// frame keeps the resource alive.
	func() {
		v, err := c.Fetch(t.Context(), "A")
		if err != nil {
			t.Fatalf("Fetch 1: %v", err)
		}
		if v.Gen != 1 {
			t.Fatalf("gen=%d, want 1", v.Gen)
		}
	}()

	runtime.GC()
	runtime.GC()

	// The cache never kept the resource alive, so the entry is stale now.
	if _, ok := c.Peek("A"); ok {
		t.Fatal("cache kept the resource alive")
	}

	v, err := c.Fetch(t.Context(), "A")
	if err != nil {
		t.Fatalf("Fetch 2: %v", err)
	}
	if v.Gen != 2 {
		t.Fatalf("gen=%d, want a reconstructed resource", v.Gen)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("loader called %d times, want 2", n)
	}
	runtime.KeepAlive(v)
}

func TestFetch_LoaderFailureLeavesCacheUnmodified(t *testing.T) {
	boom := errors.New("backing source down")
	fail := true
	c, err := New(WithLoader(func(_ context.Context, key string) (*widget, error) {
		if fail {
			return nil, boom
		}
		return &widget{Gen: 1}, nil
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Fetch(t.Context(), "B")
	if err == nil {
		t.Fatal("expected construction failure")
	}
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("expected *LoadError, got %T", err)
	}
	if le.Key != "B" {
		t.Fatalf("LoadError.Key=%v, want B", le.Key)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped loader error, got %v", err)
	}

	// No entry was stored for the failed construction.
	if c.Len() != 0 {
		t.Fatalf("len=%d after failure, want 0", c.Len())
	}

	// A now-succeeding loader works normally.
	fail = false
	v, err := c.Fetch(t.Context(), "B")
	if err != nil {
		t.Fatalf("Fetch after recovery: %v", err)
	}
	if v.Gen != 1 {
		t.Fatalf("gen=%d, want 1", v.Gen)
	}
	runtime.KeepAlive(v)
}

func TestFetch_NilLoaderResultIsFailure(t *testing.T) {
	c, err := New(WithLoader(func(context.Context, string) (*widget, error) {
		return nil, nil
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Fetch(t.Context(), "k")
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("expected *LoadError, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("len=%d, want 0", c.Len())
	}
}

func TestFetch_NoLoaderConfigured(t *testing.T) {
	c, err := New[string, widget]()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Fetch(t.Context(), "k"); !errors.Is(err, ErrNoLoader) {
		t.Fatalf("expected ErrNoLoader, got %v", err)
	}

	// FetchWith supplies the loader per call.
	v, err := c.FetchWith(t.Context(), "k", func(context.Context, string) (*widget, error) {
		return &widget{Gen: 1}, nil
	})
	if err != nil {
		t.Fatalf("FetchWith: %v", err)
	}
	if v.Gen != 1 {
		t.Fatalf("gen=%d, want 1", v.Gen)
	}
	runtime.KeepAlive(v)
}

func TestFetch_SerializedLoads(t *testing.T) {
	const fetchers = 8

	release := make(chan struct{})
	var calls atomic.Int32
	c, err := New(WithLoader(func(context.Context, string) (*widget, error) {
		calls.Add(1)
		<-release
		return &widget{Gen: 1}, nil
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results := make([]*widget, fetchers)
	var wg sync.WaitGroup
	for i := range fetchers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Fetch(context.Background(), "hot")
			if err != nil {
				t.Errorf("Fetch: %v", err)
				return
			}
			results[i] = v
		}()
	}

	// Give every fetcher a chance to arrive, then let the single flight
	// finish.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("loader called %d times, want 1", n)
	}
	for i := 1; i < fetchers; i++ {
		if results[i] != results[0] {
			t.Fatal("expected every fetcher to share one instance")
		}
	}
	runtime.KeepAlive(results)
}

func TestFetch_SerializedLoads_FailureSharedByWaiters(t *testing.T) {
	boom := errors.New("boom")
	release := make(chan struct{})
	var calls atomic.Int32
	c, err := New(WithLoader(func(context.Context, string) (*widget, error) {
		calls.Add(1)
		<-release
		return nil, boom
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	errs := make([]error, 4)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Fetch(context.Background(), "k")
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("loader called %d times, want 1", n)
	}
	for _, err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("expected shared failure, got %v", err)
		}
	}
}

func TestFetch_DiscardLoser(t *testing.T) {
	// A barrier forces both fetchers into the loader concurrently, so both
	// construct and exactly one publication wins.
	var entered sync.WaitGroup
	entered.Add(2)

	var calls atomic.Int32
	c, err := New(
		WithLoader(func(context.Context, string) (*widget, error) {
			n := int(calls.Add(1))
			entered.Done()
			entered.Wait()
			return &widget{Gen: n}, nil
		}),
		WithDiscardLoser[string, widget](),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results := make([]*widget, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Fetch(context.Background(), "k")
			if err != nil {
				t.Errorf("Fetch: %v", err)
				return
			}
			results[i] = v
		}()
	}
	wg.Wait()

	if n := calls.Load(); n != 2 {
		t.Fatalf("loader called %d times, want 2", n)
	}
	if results[0] != results[1] {
		t.Fatal("expected the loser to return the winner's instance")
	}
	runtime.KeepAlive(results)
}

func TestPeekEvictLen(t *testing.T) {
	load, calls := countingLoader()
	c, err := New(WithLoader(load))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, ok := c.Peek("k"); ok {
		t.Fatal("expected miss before any fetch")
	}
	// Peek never loads.
	if n := calls.Load(); n != 0 {
		t.Fatalf("loader called %d times by Peek, want 0", n)
	}

	v, err := c.Fetch(t.Context(), "k")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got, ok := c.Peek("k"); !ok || got != v {
		t.Fatal("expected Peek to observe the live instance")
	}
	if c.Len() != 1 {
		t.Fatalf("len=%d, want 1", c.Len())
	}

	c.Evict("k")
	if _, ok := c.Peek("k"); ok {
		t.Fatal("expected miss after Evict")
	}
	// The resource itself outlives eviction.
	if v.Gen != 1 {
		t.Fatal("resource mutated by Evict")
	}
	runtime.KeepAlive(v)
}

func TestPurge_LeavesLiveResourcesUntouched(t *testing.T) {
	load, _ := countingLoader()
	c, err := New(WithLoader(load))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	v, err := c.Fetch(t.Context(), "k")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	c.Purge()
	if c.Len() != 0 {
		t.Fatalf("len=%d after Purge, want 0", c.Len())
	}
	if v.Gen != 1 {
		t.Fatal("resource mutated by Purge")
	}
	runtime.KeepAlive(v)
}

func TestFetch_PinKeepsHotKeyAlive(t *testing.T) {
	load, calls := countingLoader()
	c, err := New(
		WithLoader(load),
		WithPin[string, widget](100, time.Minute),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)

	func() {
		if _, err := c.Fetch(t.Context(), "hot"); err != nil {
			t.Fatalf("Fetch 1: %v", err)
		}
	}()

	runtime.GC()
	runtime.GC()

	// The pin layer holds its own handle, so the weak entry stays live and
	// the loader is not invoked again.
	v, err := c.Fetch(t.Context(), "hot")
	if err != nil {
		t.Fatalf("Fetch 2: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("loader called %d times, want 1", n)
	}

	// Dropping the pin releases the cache's only handle.
	c.Evict("hot")
	runtime.KeepAlive(v)
}

// fakeStore is an in-memory remote.Store recording traffic.
type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string][]byte)}
}

func (s *fakeStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[key]
	return b, ok, nil
}

func (s *fakeStore) Set(_ context.Context, key string, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = val
	s.sets++
	return nil
}

func (s *fakeStore) Close() error { return nil }

func TestFetch_RemoteSecondChance(t *testing.T) {
	store := newFakeStore()
	codec := remote.JSONCodec[widget]{}

	load1, calls1 := countingLoader()
	c1, err := New(
		WithLoader(load1),
		WithRemote[string, widget](store, codec, nil),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// First fetch loads and writes through.
	v, err := c1.Fetch(t.Context(), "w")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if n := calls1.Load(); n != 1 {
		t.Fatalf("loader called %d times, want 1", n)
	}
	store.mu.Lock()
	sets := store.sets
	store.mu.Unlock()
	if sets != 1 {
		t.Fatalf("write-throughs=%d, want 1", sets)
	}
	runtime.KeepAlive(v)

	// A fresh cache sharing the store satisfies its miss remotely and never
	// invokes its loader.
	load2, calls2 := countingLoader()
	c2, err := New(
		WithLoader(load2),
		WithRemote[string, widget](store, codec, nil),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	v2, err := c2.Fetch(t.Context(), "w")
	if err != nil {
		t.Fatalf("Fetch from remote: %v", err)
	}
	if v2.Gen != 1 {
		t.Fatalf("gen=%d, want the stored resource", v2.Gen)
	}
	if n := calls2.Load(); n != 0 {
		t.Fatalf("loader called %d times, want 0", n)
	}

	// The remote hit was published: the next fetch is a plain live hit.
	v3, err := c2.Fetch(t.Context(), "w")
	if err != nil {
		t.Fatalf("Fetch after remote hit: %v", err)
	}
	if v3 != v2 {
		t.Fatal("expected the published instance")
	}
	runtime.KeepAlive(v2)
}

func TestFetch_MetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	load, _ := countingLoader()
	c, err := New(
		WithLoader(load),
		WithMetrics[string, widget](reg),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	v, err := c.Fetch(t.Context(), "k") // miss(absent) + load
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if _, err := c.Fetch(t.Context(), "k"); err != nil { // hit
		t.Fatalf("Fetch: %v", err)
	}
	runtime.KeepAlive(v)

	want := map[string]float64{
		"lazysquirrel_hits_total":   1,
		"lazysquirrel_misses_total": 1,
		"lazysquirrel_loads_total":  1,
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		wantVal, ok := want[mf.GetName()]
		if !ok {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		if total != wantVal {
			t.Fatalf("%s = %v, want %v", mf.GetName(), total, wantVal)
		}
		delete(want, mf.GetName())
	}
	if len(want) != 0 {
		t.Fatalf("metrics not gathered: %v", want)
	}
}

// gatedStore blocks Get until released, signalling when a reader arrives.
type gatedStore struct {
	*fakeStore
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.entered <- struct{}{}
	<-s.release
	return s.fakeStore.Get(ctx, key)
}

func TestFetch_WaitersShareRemoteOutcome(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	codec := remote.JSONCodec[widget]{}
	b, err := codec.Encode(&widget{Gen: 7, Name: "w"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	store := &gatedStore{
		fakeStore: newFakeStore(),
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
	store.data["w"] = b

	c, err := New(
		WithLoader(func(context.Context, string) (*widget, error) {
			t.Error("loader must not run when the store holds the entry")
			return nil, errors.New("unreachable")
		}),
		WithRemote[string, widget](store, codec, nil),
		WithTracing[string, widget](&tracing.Config{TracerProvider: tp}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results := make([]*widget, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Fetch(context.Background(), "w")
			if err != nil {
				t.Errorf("Fetch: %v", err)
				return
			}
			results[i] = v
		}()
	}

	// The winner parks inside the store; give the second fetcher time to
	// join the flight before letting the store answer.
	<-store.entered
	time.Sleep(50 * time.Millisecond)
	close(store.release)
	wg.Wait()

	if results[0] != results[1] || results[0].Gen != 7 {
		t.Fatal("expected both fetchers to share the remote resource")
	}

	var fetchSpans int
	for _, span := range rec.Ended() {
		if span.Name() != "lazysquirrel.fetch" {
			continue
		}
		fetchSpans++
		for _, kv := range span.Attributes() {
			if string(kv.Key) == "cache.outcome" {
				if got := kv.Value.Emit(); got != tracing.OutcomeRemote {
					t.Fatalf("outcome %q, want %q", got, tracing.OutcomeRemote)
				}
			}
		}
	}
	if fetchSpans != 2 {
		t.Fatalf("expected 2 fetch spans, got %d", fetchSpans)
	}
	runtime.KeepAlive(results)
}

func TestLoadSerialized_LiveRecheckCountsAsHit(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(
		WithLoader(func(context.Context, string) (*widget, error) {
			t.Error("loader must not run for a live entry")
			return nil, errors.New("unreachable")
		}),
		WithMetrics[string, widget](reg),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// A flight that finds the entry published after its first lookup
	// resolves as a hit, not a load.
	w := &widget{Gen: 1, Name: "w"}
	c.entries.Store("w", w)

	v, outcome, err := c.loadSerialized(t.Context(), "w", c.load)
	if err != nil {
		t.Fatalf("loadSerialized: %v", err)
	}
	if v != w {
		t.Fatal("expected the published instance")
	}
	if outcome != tracing.OutcomeHit {
		t.Fatalf("outcome %q, want %q", outcome, tracing.OutcomeHit)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var hits float64
	for _, mf := range families {
		if mf.GetName() != "lazysquirrel_hits_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			hits += m.GetCounter().GetValue()
		}
	}
	if hits != 1 {
		t.Fatalf("hits=%v, want 1", hits)
	}
	runtime.KeepAlive(w)
}
