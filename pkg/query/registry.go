package query

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/go-logr/logr"

	"github.com/l7mp/deltaview/pkg/delta"
	"github.com/l7mp/deltaview/pkg/metrics"
)

// Registry caches shared computations by identity, so that any number of consumers of the same
// upstream observe a single polled computation. A registry is an explicit context object: create
// one per engine and pass it to the constructors that need sharing.
type Registry struct {
	mu      sync.RWMutex
	entries map[any]any
	metrics *metrics.Metrics
	logger  logr.Logger
	log     logr.Logger
}

// NewRegistry creates an empty registry. The metrics may be nil.
func NewRegistry(logger logr.Logger, m *metrics.Metrics) *Registry {
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &Registry{
		entries: make(map[any]any),
		metrics: m,
		logger:  logger,
		log:     logger.WithName("registry"),
	}
}

// TypeKey returns a registry key identifying a computation by a static type, typically the type
// of the constructor's configuration or a dedicated marker type.
func TypeKey[T any]() any { return reflect.TypeFor[T]() }

// Share returns a new fork of the computation registered under key. If no computation exists yet,
// build is called to create it. Build is called without holding any registry lock, so it may
// itself call Share recursively. Keys must always be used with the same collection type.
func Share[K comparable, V any](r *Registry, key any, build func() Query[K, V]) *Fork[K, V] {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return mustShared[K, V](key, e).Fork()
	}

	r.log.V(4).Info("registering shared computation", "key", fmt.Sprintf("%v", key))
	q := build()

	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		// registered concurrently or by a recursive build
		r.mu.Unlock()
		return mustShared[K, V](key, e).Fork()
	}
	s := NewShared(fmt.Sprintf("%v", key), q, r.logger, r.metrics)
	r.entries[key] = s
	r.mu.Unlock()

	return s.Fork()
}

// Len returns the number of shared computations in the registry.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Forget drops the shared computation registered under key. Existing forks keep working.
func (r *Registry) Forget(key any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

func mustShared[K comparable, V any](key any, e any) *Shared[K, V] {
	s, ok := e.(*Shared[K, V])
	if !ok {
		panic(fmt.Sprintf("registry: key %v is registered with collection type %T", key, e))
	}
	return s
}

// cursor is an arena slot holding the backlog of one fork.
type cursor[K comparable, V any] struct {
	gen     uint32
	live    bool
	backlog *delta.Collector[K, V]
	// drained is the last generation that resolved the fork
	drained uint64
}

// Shared polls an upstream computation at most once per generation and distributes its changes to
// any number of forks. Each fork keeps its own backlog of changes folded with the merge law, so a
// fork that is not resolved in some generation sees the net effect on its next resolve.
type Shared[K comparable, V any] struct {
	name     string
	upstream Query[K, V]
	mu       sync.Mutex
	polled   bool
	pollGen  uint64
	view     delta.View[K, V]
	cursors  []cursor[K, V]
	free     []int
	live     int
	metrics  *metrics.Metrics
	log      logr.Logger
}

// NewShared creates a shared computation over upstream. Most callers should use Share instead.
func NewShared[K comparable, V any](name string, upstream Query[K, V], logger logr.Logger, m *metrics.Metrics) *Shared[K, V] {
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &Shared[K, V]{
		name:     name,
		upstream: upstream,
		metrics:  m,
		log:      logger.WithName("shared").WithValues("name", name),
	}
}

// Fork creates a new independent cursor. The first resolve of the fork reports the full current
// state of the shared computation as insertions.
func (s *Shared[K, V]) Fork() *Fork[K, V] {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idx int
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		s.cursors = append(s.cursors, cursor[K, V]{})
		idx = len(s.cursors) - 1
	}

	c := &s.cursors[idx]
	c.live = true
	c.backlog = delta.NewCollector[K, V]()
	c.drained = 0
	if s.view != nil {
		s.view.Range(func(k K, v V) bool {
			c.backlog.Add(k, delta.Insert(v))
			return true
		})
	}
	s.live++
	s.metrics.Forks(s.name, s.live)
	s.log.V(4).Info("fork created", "slot", idx, "forks", s.live)

	return &Fork[K, V]{shared: s, slot: idx, gen: c.gen}
}

// Forks returns the number of live forks.
func (s *Shared[K, V]) Forks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// poll resolves the upstream if it has not been resolved in the generation of ctx yet and fans the
// changes out to every live cursor. The upstream is resolved without holding the lock, so that
// shared computations may be nested.
func (s *Shared[K, V]) poll(ctx *Context) {
	s.mu.Lock()
	if s.polled && s.pollGen == ctx.Generation() {
		s.mu.Unlock()
		return
	}
	s.polled, s.pollGen = true, ctx.Generation()
	s.mu.Unlock()

	cs, view := s.upstream.Describe(ctx).Resolve()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = view
	for i := range s.cursors {
		if s.cursors[i].live {
			s.cursors[i].backlog.AddAll(cs)
		}
	}
	s.log.V(5).Info("polled upstream", "generation", ctx.Generation(), "changes", cs.Len(),
		"forks", s.live)
}

func (s *Shared[K, V]) drain(ctx *Context, slot int, gen uint32) (*delta.ChangeSet[K, V], delta.View[K, V]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.checkSlot(slot, gen)
	if c.drained != 0 && c.drained == ctx.Generation() {
		panic(fmt.Sprintf("shared %s: fork (slot %d) resolved twice in generation %d", s.name, slot,
			ctx.Generation()))
	}
	c.drained = ctx.Generation()
	view := s.view
	if view == nil {
		view = delta.EmptyView[K, V]()
	}
	return c.backlog.Drain(), view
}

func (s *Shared[K, V]) release(slot int, gen uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.checkSlot(slot, gen)
	c.live = false
	c.backlog = nil
	c.gen++
	s.free = append(s.free, slot)
	s.live--
	s.metrics.Forks(s.name, s.live)
	s.log.V(4).Info("fork closed", "slot", slot, "forks", s.live)
}

func (s *Shared[K, V]) checkSlot(slot int, gen uint32) *cursor[K, V] {
	c := &s.cursors[slot]
	if !c.live || c.gen != gen {
		panic(fmt.Sprintf("shared %s: stale fork handle (slot %d)", s.name, slot))
	}
	return c
}

// Fork is an independent cursor on a shared computation. Forks are cheap: resolving a fork resolves
// the shared upstream only if no other fork did so in the same generation.
type Fork[K comparable, V any] struct {
	shared *Shared[K, V]
	slot   int
	gen    uint32
}

// Name returns the name of the shared computation.
func (f *Fork[K, V]) Name() string { return "fork:" + f.shared.name }

// Upstreams returns the shared upstream.
func (f *Fork[K, V]) Upstreams() []Node { return nodes(f.shared.upstream) }

// Clone returns a new fork of the same shared computation.
func (f *Fork[K, V]) Clone() *Fork[K, V] { return f.shared.Fork() }

// Close releases the cursor. The shared upstream keeps running for the other forks. Using a fork
// after Close panics.
func (f *Fork[K, V]) Close() { f.shared.release(f.slot, f.gen) }

// Request implements Query.
func (f *Fork[K, V]) Request(req Request) { f.shared.upstream.Request(req) }

// Describe implements Query. A fork is resolved at most once per generation, every consumer of a
// shared computation needs its own fork.
func (f *Fork[K, V]) Describe(ctx *Context) Compute[K, V] {
	return newCompute(ctx, f.Name(), func() (*delta.ChangeSet[K, V], delta.View[K, V]) {
		f.shared.poll(ctx)
		return f.shared.drain(ctx, f.slot, f.gen)
	})
}
