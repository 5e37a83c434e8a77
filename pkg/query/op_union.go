package query

import (
	"github.com/l7mp/deltaview/pkg/delta"
)

// UnionFunc combines the optional values of a key in two collections into an optional output
// value. Returning false removes the key from the union.
type UnionFunc[V1, V2, O any] func(a V1, hasA bool, b V2, hasB bool) (O, bool)

// unionOp merges two collections keyed by the same key type.
type unionOp[K comparable, V1, V2, O any] struct {
	name string
	a    Query[K, V1]
	b    Query[K, V2]
	f    UnionFunc[V1, V2, O]
}

// Union combines two collections with f. For every key the union view is f applied to the values
// of the key in the current views of a and b.
func Union[K comparable, V1, V2, O any](a Query[K, V1], b Query[K, V2], f UnionFunc[V1, V2, O]) Query[K, O] {
	return &unionOp[K, V1, V2, O]{name: "union", a: a, b: b, f: f}
}

// UnionSelect merges two collections of the same type, preferring the value of a.
func UnionSelect[K comparable, V any](a, b Query[K, V]) Query[K, V] {
	return &unionOp[K, V, V, V]{name: "union-select", a: a, b: b,
		f: func(va V, hasA bool, vb V, hasB bool) (V, bool) {
			if hasA {
				return va, true
			}
			return vb, hasB
		}}
}

// Intersect keeps the keys present in both collections.
func Intersect[K comparable, V1, V2 any](a Query[K, V1], b Query[K, V2]) Query[K, Pair[V1, V2]] {
	return &unionOp[K, V1, V2, Pair[V1, V2]]{name: "intersect", a: a, b: b,
		f: func(va V1, hasA bool, vb V2, hasB bool) (Pair[V1, V2], bool) {
			return Pair[V1, V2]{First: va, Second: vb}, hasA && hasB
		}}
}

func (op *unionOp[K, V1, V2, O]) Name() string      { return op.name }
func (op *unionOp[K, V1, V2, O]) Upstreams() []Node { return nodes(op.a, op.b) }

// Request implements Query.
func (op *unionOp[K, V1, V2, O]) Request(req Request) {
	op.a.Request(req)
	op.b.Request(req)
}

// Describe implements Query.
func (op *unionOp[K, V1, V2, O]) Describe(ctx *Context) Compute[K, O] {
	ac, bc := op.a.Describe(ctx), op.b.Describe(ctx)
	return newCompute(ctx, op.name, func() (*delta.ChangeSet[K, O], delta.View[K, O]) {
		csA, viewA := ac.Resolve()
		csB, viewB := bc.Resolve()

		ret := delta.NewChangeSet[K, O]()
		emit := func(k K, oldA V1, hasOldA bool, newA V1, hasNewA bool, oldB V2, hasOldB bool, newB V2, hasNewB bool) {
			var oldO, newO O
			hasOld, hasNew := false, false
			if hasOldA || hasOldB {
				oldO, hasOld = op.f(oldA, hasOldA, oldB, hasOldB)
			}
			if hasNewA || hasNewB {
				newO, hasNew = op.f(newA, hasNewA, newB, hasNewB)
			}
			if c, ok := delta.FromImages(oldO, hasOld, newO, hasNew); ok {
				ret.Set(k, c)
			}
		}

		csA.Range(func(k K, ca delta.ValueChange[V1]) bool {
			oldA, hasOldA := ca.Old()
			newA, hasNewA := ca.New()

			var oldB, newB V2
			var hasOldB, hasNewB bool
			if cb, ok := csB.Get(k); ok {
				// changed on both sides: merge once using both images
				oldB, hasOldB = cb.Old()
				newB, hasNewB = cb.New()
			} else {
				newB, hasNewB = viewB.Access(k)
				oldB, hasOldB = newB, hasNewB
			}

			emit(k, oldA, hasOldA, newA, hasNewA, oldB, hasOldB, newB, hasNewB)
			return true
		})

		csB.Range(func(k K, cb delta.ValueChange[V2]) bool {
			if csA.Has(k) {
				return true
			}
			oldB, hasOldB := cb.Old()
			newB, hasNewB := cb.New()
			newA, hasNewA := viewA.Access(k)

			emit(k, newA, hasNewA, newA, hasNewA, oldB, hasOldB, newB, hasNewB)
			return true
		})

		return ret, &unionView[K, V1, V2, O]{a: viewA, b: viewB, f: op.f}
	})
}

// unionView evaluates the union function on the current views on demand.
type unionView[K comparable, V1, V2, O any] struct {
	a delta.View[K, V1]
	b delta.View[K, V2]
	f UnionFunc[V1, V2, O]
}

func (v *unionView[K, V1, V2, O]) Access(k K) (O, bool) {
	va, hasA := v.a.Access(k)
	vb, hasB := v.b.Access(k)
	if !hasA && !hasB {
		var zero O
		return zero, false
	}
	return v.f(va, hasA, vb, hasB)
}

func (v *unionView[K, V1, V2, O]) Range(f func(K, O) bool) {
	cont := true
	v.a.Range(func(k K, va V1) bool {
		vb, hasB := v.b.Access(k)
		if o, ok := v.f(va, true, vb, hasB); ok {
			cont = f(k, o)
		}
		return cont
	})
	if !cont {
		return
	}
	v.b.Range(func(k K, vb V2) bool {
		if _, hasA := v.a.Access(k); hasA {
			return true
		}
		var zero V1
		if o, ok := v.f(zero, false, vb, true); ok {
			return f(k, o)
		}
		return true
	})
}
