// Package streammap implements a dynamic multiplexer over a keyed set of independently
// progressing sub-computations. A sub-computation is polled only after its waker has signalled
// pending work, and the values it produces are batched into the per-generation change set of the
// stream map.
package streammap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"k8s.io/client-go/util/workqueue"

	"github.com/l7mp/deltaview/pkg/delta"
	"github.com/l7mp/deltaview/pkg/metrics"
	"github.com/l7mp/deltaview/pkg/query"
)

// SubComputation is a long-lived incremental process keyed in a stream map. Poll is called in
// the generation following a Wake on the waker of the sub-computation and returns the new value of
// the key, if any. Sub-computations holding resources may implement a Close() method, which is
// called when the key is removed or replaced.
type SubComputation[V any] interface {
	Poll(ctx *query.Context, w *Waker) (V, bool)
}

// SubFunc adapts a function to a SubComputation.
type SubFunc[V any] func(ctx *query.Context, w *Waker) (V, bool)

// Poll implements SubComputation.
func (f SubFunc[V]) Poll(ctx *query.Context, w *Waker) (V, bool) { return f(ctx, w) }

type closer interface {
	Close()
}

// Waker schedules its key for polling in the next generation. Wakers are safe for concurrent use
// and a waker of a removed or replaced sub-computation is a no-op.
type Waker struct {
	wake    func()
	retired atomic.Bool
}

// Wake schedules the key of the waker.
func (w *Waker) Wake() {
	if w.retired.Load() {
		return
	}
	w.wake()
}

type entry[V any] struct {
	sub   SubComputation[V]
	waker *Waker
}

// removal is a structural record of a key dropped since the last generation.
type removal[V any] struct {
	last V
}

// Options configures a stream map.
type Options struct {
	// Name identifies the stream map in logs and metrics. Default is "streammap".
	Name string
	// Metrics is an optional set of collectors.
	Metrics *metrics.Metrics
	// Logger is the base logger.
	Logger logr.Logger
}

// StreamMap is a query over a dynamic table of sub-computations. Insert and Remove may be called
// from any goroutine. Each generation first reports the keys removed since the last generation,
// then polls the keys whose waker fired, in one batch. Inserting a key schedules its first poll;
// the key becomes visible only once its sub-computation produces a value.
type StreamMap[K comparable, V any] struct {
	name    string
	queue   workqueue.TypedInterface[K]
	metrics *metrics.Metrics
	log     logr.Logger

	mu      sync.RWMutex
	table   map[K]*entry[V]
	values  map[K]V
	removed map[K]removal[V]
}

// New creates an empty stream map.
func New[K comparable, V any](opts Options) *StreamMap[K, V] {
	name := opts.Name
	if name == "" {
		name = "streammap"
	}
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &StreamMap[K, V]{
		name:    name,
		queue:   workqueue.NewTyped[K](),
		metrics: opts.Metrics,
		log:     logger.WithName("streammap").WithValues("name", name),
		table:   make(map[K]*entry[V]),
		values:  make(map[K]V),
		removed: make(map[K]removal[V]),
	}
}

func (s *StreamMap[K, V]) Name() string            { return s.name }
func (s *StreamMap[K, V]) Upstreams() []query.Node { return nil }

// Insert adds a sub-computation under k and schedules it. An existing sub-computation of k is
// closed and replaced; the last value of k stays visible until the new one produces a value.
func (s *StreamMap[K, V]) Insert(k K, sub SubComputation[V]) {
	e := &entry[V]{sub: sub, waker: &Waker{wake: func() { s.queue.Add(k) }}}

	s.mu.Lock()
	old, replaced := s.table[k]
	s.table[k] = e
	n := len(s.table)
	s.mu.Unlock()

	if replaced {
		retire(old)
	}
	s.metrics.Streams(s.name, n)
	s.log.V(4).Info("sub-computation inserted", "key", k, "replaced", replaced)
	e.waker.Wake()
}

// Remove drops the sub-computation of k. The removal is reported in the next generation if k has
// produced a value. Pending notifications of k are ignored.
func (s *StreamMap[K, V]) Remove(k K) {
	s.mu.Lock()
	e, ok := s.table[k]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.table, k)
	if last, ok := s.values[k]; ok {
		delete(s.values, k)
		if _, pending := s.removed[k]; !pending {
			s.removed[k] = removal[V]{last: last}
		}
	}
	n := len(s.table)
	s.mu.Unlock()

	retire(e)
	s.metrics.Streams(s.name, n)
	s.log.V(4).Info("sub-computation removed", "key", k)
}

// Len returns the number of sub-computations.
func (s *StreamMap[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.table)
}

// Has returns true if k has a sub-computation.
func (s *StreamMap[K, V]) Has(k K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.table[k]
	return ok
}

// Close drops every sub-computation and stops accepting notifications. The next generation reports
// the removal of every key with a value.
func (s *StreamMap[K, V]) Close() {
	s.queue.ShutDown()
	s.mu.Lock()
	entries := s.table
	s.table = make(map[K]*entry[V])
	for k, last := range s.values {
		if _, pending := s.removed[k]; !pending {
			s.removed[k] = removal[V]{last: last}
		}
	}
	s.values = make(map[K]V)
	s.mu.Unlock()
	for _, e := range entries {
		retire(e)
	}
	s.metrics.Streams(s.name, 0)
}

// Request implements query.Query.
func (s *StreamMap[K, V]) Request(req query.Request) {
	if req != query.RequestShrinkToFit {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = shrink(s.values)
	s.table = shrink(s.table)
}

// Describe implements query.Query.
func (s *StreamMap[K, V]) Describe(ctx *query.Context) query.Compute[K, V] {
	return &compute[K, V]{s: s, ctx: ctx}
}

type compute[K comparable, V any] struct {
	s        *StreamMap[K, V]
	ctx      *query.Context
	resolved bool
}

// Resolve implements query.Compute.
func (c *compute[K, V]) Resolve() (*delta.ChangeSet[K, V], delta.View[K, V]) {
	if c.resolved {
		panic(fmt.Sprintf("%s: resolve called twice in generation %d", c.s.name, c.ctx.Generation()))
	}
	c.resolved = true
	return c.s.poll(c.ctx), &valueView[K, V]{s: c.s}
}

type ready[K comparable, V any] struct {
	key K
	e   *entry[V]
}

func (s *StreamMap[K, V]) poll(ctx *query.Context) *delta.ChangeSet[K, V] {
	out := delta.NewCollector[K, V]()

	// structural changes first
	s.mu.Lock()
	for k, r := range s.removed {
		out.Add(k, delta.Remove(r.last))
	}
	s.removed = make(map[K]removal[V])

	// notifications arriving while polling go to the next generation
	n := s.queue.Len()
	batch := make([]ready[K, V], 0, n)
	for i := 0; i < n; i++ {
		k, shutdown := s.queue.Get()
		if shutdown {
			break
		}
		s.queue.Done(k)
		if e, ok := s.table[k]; ok {
			batch = append(batch, ready[K, V]{key: k, e: e})
		}
	}
	s.mu.Unlock()

	type result struct {
		v  V
		ok bool
	}
	results := make([]result, len(batch))
	for i, r := range batch {
		v, ok := r.e.sub.Poll(ctx, r.e.waker)
		results[i] = result{v: v, ok: ok}
	}

	s.mu.Lock()
	for i, r := range batch {
		if !results[i].ok || s.table[r.key] != r.e {
			// no progress, or removed/replaced while polling
			continue
		}
		last, hasLast := s.values[r.key]
		s.values[r.key] = results[i].v
		out.Add(r.key, delta.Delta(results[i].v, last, hasLast))
	}
	s.mu.Unlock()

	ret := out.Drain()
	ctx.Logger().V(4).Info("streammap: polled", "streammap", s.name, "ready", len(batch),
		"changes", ret.Len())
	ctx.Metrics().Changes(s.name, ret.Len())
	return ret
}

func retire[V any](e *entry[V]) {
	e.waker.retired.Store(true)
	if c, ok := e.sub.(closer); ok {
		c.Close()
	}
}

// valueView reads the last values of the live keys.
type valueView[K comparable, V any] struct {
	s *StreamMap[K, V]
}

func (v *valueView[K, V]) Access(k K) (V, bool) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	val, ok := v.s.values[k]
	return val, ok
}

func (v *valueView[K, V]) Range(f func(K, V) bool) {
	v.s.mu.RLock()
	values := make(map[K]V, len(v.s.values))
	for k, val := range v.s.values {
		values[k] = val
	}
	v.s.mu.RUnlock()

	for k, val := range values {
		if !f(k, val) {
			return
		}
	}
}

func shrink[K comparable, V any](m map[K]V) map[K]V {
	ret := make(map[K]V, len(m))
	for k, v := range m {
		ret[k] = v
	}
	return ret
}
