package allocator

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/l7mp/deltaview/pkg/delta"
	"github.com/l7mp/deltaview/pkg/metrics"
	"github.com/l7mp/deltaview/pkg/query"
)

var (
	// ErrAllocationExhausted is returned for keys that could not be placed at maximum capacity.
	ErrAllocationExhausted = errors.New("allocation exhausted")
	// ErrInvalidCapacity is returned for an invalid capacity setting.
	ErrInvalidCapacity = errors.New("invalid capacity")
	// ErrNotAllocated is returned for keys unknown to the allocator.
	ErrNotAllocated = errors.New("not allocated")
)

// Options configures a reactive allocator.
type Options[K comparable] struct {
	// Name identifies the allocator in logs and metrics. Default is "allocator".
	Name string
	// InitialCapacity is the size of the address space at start. Must be positive.
	InitialCapacity uint32
	// MaxCapacity bounds the growth of the address space. Default is InitialCapacity.
	MaxCapacity uint32
	// OnRelocate is called synchronously for every key moved by a growth event, before the
	// generation that moved it returns.
	OnRelocate func(k K, offset uint32)
	// OnGrow is called synchronously with the new capacity after each growth event.
	OnGrow func(capacity uint32)
	// Metrics is an optional set of collectors.
	Metrics *metrics.Metrics
	// Logger is the base logger.
	Logger logr.Logger
}

// Allocator turns a collection of requested sizes into a collection of assigned offsets in a
// bounded linear address space. When an allocation fails the address space is grown (doubled,
// capped at the maximum capacity) and every surviving allocation is compacted into the new space;
// the resulting relocations are reported in the same generation as the allocation that triggered
// the growth.
type Allocator[K comparable] struct {
	name       string
	upstream   query.Query[K, uint32]
	maxCap     uint32
	onRelocate func(K, uint32)
	onGrow     func(uint32)
	metrics    *metrics.Metrics
	log        logr.Logger

	mu        sync.RWMutex
	linear    *Linear
	regions   map[K]Region
	exhausted map[K]exhaustion
	seq       uint64
}

// exhaustion is a pending request that did not fit. Requests are retried in the order they were
// exhausted.
type exhaustion struct {
	size uint32
	seq  uint64
}

// New creates a reactive allocator over a collection of requested sizes.
func New[K comparable](upstream query.Query[K, uint32], opts Options[K]) (*Allocator[K], error) {
	if opts.InitialCapacity == 0 {
		return nil, fmt.Errorf("%w: initial capacity must be positive", ErrInvalidCapacity)
	}
	maxCap := opts.MaxCapacity
	if maxCap == 0 {
		maxCap = opts.InitialCapacity
	}
	if maxCap < opts.InitialCapacity {
		return nil, fmt.Errorf("%w: maximum capacity %d is below initial capacity %d",
			ErrInvalidCapacity, maxCap, opts.InitialCapacity)
	}

	name := opts.Name
	if name == "" {
		name = "allocator"
	}
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	a := &Allocator[K]{
		name:       name,
		upstream:   upstream,
		maxCap:     maxCap,
		onRelocate: opts.OnRelocate,
		onGrow:     opts.OnGrow,
		metrics:    opts.Metrics,
		log:        logger.WithName("allocator").WithValues("name", name),
		linear:     NewLinear(opts.InitialCapacity),
		regions:    make(map[K]Region),
		exhausted:  make(map[K]exhaustion),
	}
	a.metrics.AllocatorCapacity(name, opts.InitialCapacity)
	return a, nil
}

func (a *Allocator[K]) Name() string            { return a.name }
func (a *Allocator[K]) Upstreams() []query.Node { return nodes(a.upstream) }

// Request implements query.Query.
func (a *Allocator[K]) Request(req query.Request) {
	if req == query.RequestShrinkToFit {
		a.mu.Lock()
		a.regions = shrink(a.regions)
		a.exhausted = shrink(a.exhausted)
		a.mu.Unlock()
	}
	a.upstream.Request(req)
}

// Capacity returns the current size of the address space.
func (a *Allocator[K]) Capacity() uint32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.linear.Capacity()
}

// Used returns the total size of the allocated regions.
func (a *Allocator[K]) Used() uint32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.linear.Used()
}

// Region returns the region assigned to a key.
func (a *Allocator[K]) Region(k K) (Region, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if r, ok := a.regions[k]; ok {
		return r, nil
	}
	if e, ok := a.exhausted[k]; ok {
		return Region{}, fmt.Errorf("%w: key %v requesting %d at capacity %d", ErrAllocationExhausted,
			k, e.size, a.linear.Capacity())
	}
	return Region{}, fmt.Errorf("%w: key %v", ErrNotAllocated, k)
}

// Exhausted returns the keys that requested a region but could not be placed.
func (a *Allocator[K]) Exhausted() []K {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return sets.KeySet(a.exhausted).UnsortedList()
}

// Describe implements query.Query.
func (a *Allocator[K]) Describe(ctx *query.Context) query.Compute[K, uint32] {
	uc := a.upstream.Describe(ctx)
	return &compute[K]{a: a, ctx: ctx, upstream: uc}
}

type compute[K comparable] struct {
	a        *Allocator[K]
	ctx      *query.Context
	upstream query.Compute[K, uint32]
	resolved bool
}

// Resolve implements query.Compute.
func (c *compute[K]) Resolve() (*delta.ChangeSet[K, uint32], delta.View[K, uint32]) {
	if c.resolved {
		panic(fmt.Sprintf("%s: resolve called twice in generation %d", c.a.name, c.ctx.Generation()))
	}
	c.resolved = true

	cs, _ := c.upstream.Resolve()
	out := c.a.update(c.ctx, cs)
	return out, &offsetView[K]{a: c.a}
}

// update applies the size changes of one generation and returns the offset changes.
func (a *Allocator[K]) update(ctx *query.Context, cs *delta.ChangeSet[K, uint32]) *delta.ChangeSet[K, uint32] {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := delta.NewCollector[K, uint32]()
	freed := false

	// removals first so that their space is available to this generation
	cs.Range(func(k K, c delta.ValueChange[uint32]) bool {
		if !c.IsRemove() {
			return true
		}
		delete(a.exhausted, k)
		if r, ok := a.regions[k]; ok {
			a.linear.Free(r.Offset, r.Size)
			delete(a.regions, k)
			out.Add(k, delta.Remove(r.Offset))
			freed = true
		}
		return true
	})

	cs.Range(func(k K, c delta.ValueChange[uint32]) bool {
		size, ok := c.New()
		if !ok {
			return true
		}
		r, had := a.regions[k]
		if had {
			if r.Size == size {
				return true
			}
			a.linear.Free(r.Offset, r.Size)
			delete(a.regions, k)
			freed = true
		}
		delete(a.exhausted, k)

		offset, ok := a.place(ctx, out, size)
		if !ok {
			a.exhaust(ctx, k, size)
			if had {
				out.Add(k, delta.Remove(r.Offset))
			}
			return true
		}
		a.regions[k] = Region{Offset: offset, Size: size}
		out.Add(k, delta.Delta(offset, r.Offset, had))
		return true
	})

	// space freed in this generation may fit exhausted keys, including the ones exhausted above
	if freed && len(a.exhausted) > 0 {
		a.retry(ctx, out)
	}

	ret := out.Drain()
	a.metrics.Changes(a.name, ret.Len())
	return ret
}

// place allocates a region, growing the address space as needed.
func (a *Allocator[K]) place(ctx *query.Context, out *delta.Collector[K, uint32], size uint32) (uint32, bool) {
	for {
		if offset, ok := a.linear.Allocate(size); ok {
			return offset, true
		}
		capacity := a.linear.Capacity()
		if capacity >= a.maxCap {
			return 0, false
		}
		next := a.maxCap
		if capacity <= a.maxCap/2 {
			next = capacity * 2
		}
		a.grow(ctx, out, next)
	}
}

// grow resets the address space to capacity and compacts the surviving regions in offset order.
func (a *Allocator[K]) grow(ctx *query.Context, out *delta.Collector[K, uint32], capacity uint32) {
	keys := make([]K, 0, len(a.regions))
	for k := range a.regions {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(x, y K) int { return cmp.Compare(a.regions[x].Offset, a.regions[y].Offset) })

	old := a.linear.Capacity()
	a.linear.Reset(capacity)
	for _, k := range keys {
		r := a.regions[k]
		offset, ok := a.linear.Allocate(r.Size)
		if !ok {
			// the surviving regions fit in the old capacity
			panic(fmt.Sprintf("%s: compaction of %d regions failed at capacity %d", a.name,
				len(keys), capacity))
		}
		a.regions[k] = Region{Offset: offset, Size: r.Size}
		out.Add(k, delta.Update(offset, r.Offset))
		if a.onRelocate != nil {
			a.onRelocate(k, offset)
		}
	}

	a.metrics.AllocatorCapacity(a.name, capacity)
	a.metrics.Relocations(a.name, len(keys))
	ctx.Logger().V(2).Info("allocator: grown", "allocator", a.name, "from", old, "to", capacity,
		"relocations", len(keys))
	if a.onGrow != nil {
		a.onGrow(capacity)
	}
}

// retry places the exhausted keys that fit, oldest first.
func (a *Allocator[K]) retry(ctx *query.Context, out *delta.Collector[K, uint32]) {
	keys := make([]K, 0, len(a.exhausted))
	for k := range a.exhausted {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(x, y K) int { return cmp.Compare(a.exhausted[x].seq, a.exhausted[y].seq) })

	for _, k := range keys {
		size := a.exhausted[k].size
		offset, ok := a.linear.Allocate(size)
		if !ok {
			continue
		}
		delete(a.exhausted, k)
		a.regions[k] = Region{Offset: offset, Size: size}
		out.Add(k, delta.Insert(offset))
		ctx.Logger().V(4).Info("allocator: placed exhausted key", "allocator", a.name,
			"key", k, "offset", offset)
	}
}

func (a *Allocator[K]) exhaust(ctx *query.Context, k K, size uint32) {
	a.seq++
	a.exhausted[k] = exhaustion{size: size, seq: a.seq}
	a.metrics.AllocatorExhausted(a.name)
	largest, free := uint32(0), a.linear.FreeRegions()
	for _, r := range free {
		largest = max(largest, r.Size)
	}
	a.log.V(1).Info("allocation exhausted", "key", k, "size", size, "capacity",
		a.linear.Capacity(), "used", a.linear.Used(), "free-regions", len(free),
		"largest-free", largest, "generation", ctx.Generation())
}

// offsetView reads the current offsets of the allocator.
type offsetView[K comparable] struct {
	a *Allocator[K]
}

func (v *offsetView[K]) Access(k K) (uint32, bool) {
	v.a.mu.RLock()
	defer v.a.mu.RUnlock()
	r, ok := v.a.regions[k]
	return r.Offset, ok
}

func (v *offsetView[K]) Range(f func(K, uint32) bool) {
	v.a.mu.RLock()
	offsets := make(map[K]uint32, len(v.a.regions))
	for k, r := range v.a.regions {
		offsets[k] = r.Offset
	}
	v.a.mu.RUnlock()

	for k, o := range offsets {
		if !f(k, o) {
			return
		}
	}
}

func nodes(upstreams ...any) []query.Node {
	ret := []query.Node{}
	for _, u := range upstreams {
		if n, ok := u.(query.Node); ok {
			ret = append(ret, n)
		}
	}
	return ret
}

func shrink[K comparable, V any](m map[K]V) map[K]V {
	ret := make(map[K]V, len(m))
	for k, v := range m {
		ret[k] = v
	}
	return ret
}
