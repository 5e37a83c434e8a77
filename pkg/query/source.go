package query

import (
	"fmt"
	"sync"

	"github.com/l7mp/deltaview/pkg/delta"
)

// Source is a mutable input collection. Producers may call Set and Remove from any goroutine; the
// mutations are buffered and folded with the merge law until the next generation resolves the
// source.
type Source[K comparable, V any] struct {
	name    string
	mu      sync.Mutex
	pending *delta.Collector[K, V]
	// next is the state after the pending changes, state is the state of the last generation
	next, state map[K]V
	// resolved is the last generation that resolved the source
	resolved uint64
}

// NewSource creates an empty source.
func NewSource[K comparable, V any](name string) *Source[K, V] {
	return &Source[K, V]{
		name:    name,
		pending: delta.NewCollector[K, V](),
		next:    make(map[K]V),
		state:   make(map[K]V),
	}
}

// Name returns the name of the source.
func (s *Source[K, V]) Name() string { return s.name }

// Upstreams returns nil.
func (s *Source[K, V]) Upstreams() []Node { return nil }

// Set maps k to v.
func (s *Source[K, V]) Set(k K, v V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.next[k]
	s.pending.Add(k, delta.Delta(v, old, ok))
	s.next[k] = v
}

// Remove deletes k. Removing a key that does not exist is a no-op.
func (s *Source[K, V]) Remove(k K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.next[k]
	if !ok {
		return
	}
	s.pending.Add(k, delta.Remove(old))
	delete(s.next, k)
}

// Get returns the latest value of k, including mutations not yet resolved.
func (s *Source[K, V]) Get(k K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.next[k]
	return v, ok
}

// Len returns the number of keys, including mutations not yet resolved.
func (s *Source[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.next)
}

// Describe implements Query. A source drains its pending changes when resolved, so it must be
// resolved at most once per generation: share it through a Registry to feed several consumers.
func (s *Source[K, V]) Describe(ctx *Context) Compute[K, V] {
	return newCompute(ctx, s.name, func() (*delta.ChangeSet[K, V], delta.View[K, V]) {
		s.mu.Lock()
		if s.resolved != 0 && s.resolved == ctx.Generation() {
			s.mu.Unlock()
			panic(fmt.Sprintf("source %s: resolved twice in generation %d", s.name, ctx.Generation()))
		}
		s.resolved = ctx.Generation()
		cs := s.pending.Drain()
		s.mu.Unlock()

		// state is only touched by the driver
		cs.Apply(s.state)
		return cs, delta.MapView[K, V](s.state)
	})
}

// Request implements Query.
func (s *Source[K, V]) Request(req Request) {
	if req != RequestShrinkToFit {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = shrink(s.next)
	s.state = shrink(s.state)
}

// shrink reallocates a map to fit its current size.
func shrink[K comparable, V any](m map[K]V) map[K]V {
	ret := make(map[K]V, len(m))
	for k, v := range m {
		ret[k] = v
	}
	return ret
}
