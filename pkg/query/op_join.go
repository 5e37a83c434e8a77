package query

import (
	"fmt"
	"sync"

	"github.com/l7mp/deltaview/pkg/delta"
)

// CrossJoinWarnThreshold is the size of the cross product above which a cross join logs a
// warning. Cross joins are meant for small control collections.
const CrossJoinWarnThreshold = 4096

// Pair is a tuple of two values.
type Pair[A, B any] struct {
	First  A
	Second B
}

// String stringifies a pair.
func (p Pair[A, B]) String() string { return fmt.Sprintf("(%v,%v)", p.First, p.Second) }

// crossJoinOp computes the Cartesian product of two collections.
type crossJoinOp[K1, K2 comparable, V1, V2 any] struct {
	a      Query[K1, V1]
	b      Query[K2, V2]
	warned sync.Once
}

// CrossJoin returns the Cartesian product of two collections, keyed by the pair of keys. The
// operator is quadratic in the size of its inputs and should only be used on small collections.
func CrossJoin[K1, K2 comparable, V1, V2 any](a Query[K1, V1], b Query[K2, V2]) Query[Pair[K1, K2], Pair[V1, V2]] {
	return &crossJoinOp[K1, K2, V1, V2]{a: a, b: b}
}

func (op *crossJoinOp[K1, K2, V1, V2]) Name() string      { return "cross-join" }
func (op *crossJoinOp[K1, K2, V1, V2]) Upstreams() []Node { return nodes(op.a, op.b) }

// Request implements Query.
func (op *crossJoinOp[K1, K2, V1, V2]) Request(req Request) {
	op.a.Request(req)
	op.b.Request(req)
}

// Describe implements Query.
func (op *crossJoinOp[K1, K2, V1, V2]) Describe(ctx *Context) Compute[Pair[K1, K2], Pair[V1, V2]] {
	ac, bc := op.a.Describe(ctx), op.b.Describe(ctx)
	return newCompute(ctx, "cross-join", func() (*delta.ChangeSet[Pair[K1, K2], Pair[V1, V2]], delta.View[Pair[K1, K2], Pair[V1, V2]]) {
		csA, viewA := ac.Resolve()
		csB, viewB := bc.Resolve()

		ret := delta.NewChangeSet[Pair[K1, K2], Pair[V1, V2]]()
		emit := func(k1 K1, k2 K2, oldA V1, hasOldA bool, newA V1, hasNewA bool, oldB V2, hasOldB bool, newB V2, hasNewB bool) {
			c, ok := delta.FromImages(
				Pair[V1, V2]{First: oldA, Second: oldB}, hasOldA && hasOldB,
				Pair[V1, V2]{First: newA, Second: newB}, hasNewA && hasNewB)
			if ok {
				ret.Set(Pair[K1, K2]{First: k1, Second: k2}, c)
			}
		}

		// changed on both sides
		csA.Range(func(k1 K1, ca delta.ValueChange[V1]) bool {
			oldA, hasOldA := ca.Old()
			newA, hasNewA := ca.New()
			csB.Range(func(k2 K2, cb delta.ValueChange[V2]) bool {
				oldB, hasOldB := cb.Old()
				newB, hasNewB := cb.New()
				emit(k1, k2, oldA, hasOldA, newA, hasNewA, oldB, hasOldB, newB, hasNewB)
				return true
			})
			return true
		})

		// changed in a only, against the unchanged keys of b
		csA.Range(func(k1 K1, ca delta.ValueChange[V1]) bool {
			oldA, hasOldA := ca.Old()
			newA, hasNewA := ca.New()
			viewB.Range(func(k2 K2, vb V2) bool {
				if !csB.Has(k2) {
					emit(k1, k2, oldA, hasOldA, newA, hasNewA, vb, true, vb, true)
				}
				return true
			})
			return true
		})

		// changed in b only, against the unchanged keys of a
		csB.Range(func(k2 K2, cb delta.ValueChange[V2]) bool {
			oldB, hasOldB := cb.Old()
			newB, hasNewB := cb.New()
			viewA.Range(func(k1 K1, va V1) bool {
				if !csA.Has(k1) {
					emit(k1, k2, va, true, va, true, oldB, hasOldB, newB, hasNewB)
				}
				return true
			})
			return true
		})

		return ret, &crossJoinView[K1, K2, V1, V2]{a: viewA, b: viewB, op: op, ctx: ctx}
	})
}

// crossJoinView enumerates the cross product of the current views.
type crossJoinView[K1, K2 comparable, V1, V2 any] struct {
	a   delta.View[K1, V1]
	b   delta.View[K2, V2]
	op  *crossJoinOp[K1, K2, V1, V2]
	ctx *Context
}

func (v *crossJoinView[K1, K2, V1, V2]) Access(k Pair[K1, K2]) (Pair[V1, V2], bool) {
	va, ok := v.a.Access(k.First)
	if !ok {
		return Pair[V1, V2]{}, false
	}
	vb, ok := v.b.Access(k.Second)
	if !ok {
		return Pair[V1, V2]{}, false
	}
	return Pair[V1, V2]{First: va, Second: vb}, true
}

func (v *crossJoinView[K1, K2, V1, V2]) Range(f func(Pair[K1, K2], Pair[V1, V2]) bool) {
	if n := delta.Len(v.a) * delta.Len(v.b); n > CrossJoinWarnThreshold {
		v.op.warned.Do(func() {
			v.ctx.Logger().Info("cross join enumerating a large product, use it on small "+
				"control collections only", "size", n)
		})
	}

	cont := true
	v.a.Range(func(k1 K1, va V1) bool {
		v.b.Range(func(k2 K2, vb V2) bool {
			cont = f(Pair[K1, K2]{First: k1, Second: k2}, Pair[V1, V2]{First: va, Second: vb})
			return cont
		})
		return cont
	})
}
