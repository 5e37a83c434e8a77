package query

import (
	"github.com/l7mp/deltaview/pkg/delta"
)

// filterMapOp is a stateless operator that maps and filters the values of a collection.
type filterMapOp[K comparable, V, O any] struct {
	name     string
	upstream Query[K, V]
	f        func(K, V) (O, bool)
}

// FilterMap maps each value with f and drops the keys for which f returns false. The old and new
// image of each change are mapped independently, so a key entering or leaving the filter yields an
// insertion or a removal.
func FilterMap[K comparable, V, O any](upstream Query[K, V], f func(K, V) (O, bool)) Query[K, O] {
	return &filterMapOp[K, V, O]{name: "filter-map", upstream: upstream, f: f}
}

// Map maps each value with f.
func Map[K comparable, V, O any](upstream Query[K, V], f func(K, V) O) Query[K, O] {
	return &filterMapOp[K, V, O]{
		name:     "map",
		upstream: upstream,
		f:        func(k K, v V) (O, bool) { return f(k, v), true },
	}
}

// Filter keeps the keys for which pred returns true.
func Filter[K comparable, V any](upstream Query[K, V], pred func(K, V) bool) Query[K, V] {
	return &filterMapOp[K, V, V]{
		name:     "filter",
		upstream: upstream,
		f:        func(k K, v V) (V, bool) { return v, pred(k, v) },
	}
}

func (op *filterMapOp[K, V, O]) Name() string      { return op.name }
func (op *filterMapOp[K, V, O]) Upstreams() []Node { return nodes(op.upstream) }
func (op *filterMapOp[K, V, O]) Request(req Request) {
	op.upstream.Request(req)
}

// Describe implements Query.
func (op *filterMapOp[K, V, O]) Describe(ctx *Context) Compute[K, O] {
	uc := op.upstream.Describe(ctx)
	return newCompute(ctx, op.name, func() (*delta.ChangeSet[K, O], delta.View[K, O]) {
		cs, view := uc.Resolve()

		ret := delta.NewChangeSet[K, O]()
		cs.Range(func(k K, c delta.ValueChange[V]) bool {
			var oldO, newO O
			old, hasOld := c.Old()
			if hasOld {
				oldO, hasOld = op.f(k, old)
			}
			v, hasNew := c.New()
			if hasNew {
				newO, hasNew = op.f(k, v)
			}
			if change, ok := delta.FromImages(oldO, hasOld, newO, hasNew); ok {
				ret.Set(k, change)
			}
			return true
		})

		return ret, delta.FuncView[K, O]{
			AccessFunc: func(k K) (O, bool) {
				v, ok := view.Access(k)
				if !ok {
					var zero O
					return zero, false
				}
				return op.f(k, v)
			},
			RangeFunc: func(fn func(K, O) bool) {
				view.Range(func(k K, v V) bool {
					o, ok := op.f(k, v)
					if !ok {
						return true
					}
					return fn(k, o)
				})
			},
		}
	})
}

// materializeOp caches the view of its upstream in a map.
type materializeOp[K comparable, V any] struct {
	upstream Query[K, V]
	state    map[K]V
}

// Materialize caches the state of a collection, so that lookups in the returned view do not
// recompute lazily mapped upstream values.
func Materialize[K comparable, V any](upstream Query[K, V]) Query[K, V] {
	return &materializeOp[K, V]{upstream: upstream, state: make(map[K]V)}
}

func (op *materializeOp[K, V]) Name() string      { return "materialize" }
func (op *materializeOp[K, V]) Upstreams() []Node { return nodes(op.upstream) }

// Request implements Query.
func (op *materializeOp[K, V]) Request(req Request) {
	if req == RequestShrinkToFit {
		op.state = shrink(op.state)
	}
	op.upstream.Request(req)
}

// Describe implements Query.
func (op *materializeOp[K, V]) Describe(ctx *Context) Compute[K, V] {
	uc := op.upstream.Describe(ctx)
	return newCompute(ctx, "materialize", func() (*delta.ChangeSet[K, V], delta.View[K, V]) {
		cs, _ := uc.Resolve()
		cs.Apply(op.state)
		return cs, delta.MapView[K, V](op.state)
	})
}
