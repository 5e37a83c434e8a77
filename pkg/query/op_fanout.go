package query

import (
	"github.com/l7mp/deltaview/pkg/delta"
)

// fanoutOp propagates the values of a one-side collection to the many-side keys of a relation.
type fanoutOp[M, O comparable, V any] struct {
	upstream Query[O, V]
	rel      Relation[M, O]
}

// Fanout produces a collection keyed by the many-side keys of rel, where each key maps to the
// upstream value of the one-side key it points to. Keys pointing to an absent one-side key are
// absent.
func Fanout[M, O comparable, V any](upstream Query[O, V], rel Relation[M, O]) Query[M, V] {
	return &fanoutOp[M, O, V]{upstream: upstream, rel: rel}
}

func (op *fanoutOp[M, O, V]) Name() string      { return "fanout" }
func (op *fanoutOp[M, O, V]) Upstreams() []Node { return nodes(op.upstream, op.rel) }

// Request implements Query.
func (op *fanoutOp[M, O, V]) Request(req Request) {
	op.upstream.Request(req)
	op.rel.Request(req)
}

// Describe implements Query.
func (op *fanoutOp[M, O, V]) Describe(ctx *Context) Compute[M, V] {
	uc, rc := op.upstream.Describe(ctx), op.rel.DescribeRelation(ctx)
	return newCompute(ctx, "fanout", func() (*delta.ChangeSet[M, V], delta.View[M, V]) {
		csU, viewU := uc.Resolve()
		csR, viewR := rc.ResolveRelation()
		prevU := delta.PreviousView(csU, viewU)

		ret := delta.NewChangeSet[M, V]()

		// relation changes: old one-side key through the previous view, new one through the
		// current view
		csR.Range(func(m M, c delta.ValueChange[O]) bool {
			var oldV, newV V
			hasOld, hasNew := false, false
			if o, ok := c.Old(); ok {
				oldV, hasOld = prevU.Access(o)
			}
			if o, ok := c.New(); ok {
				newV, hasNew = viewU.Access(o)
			}
			if change, ok := delta.FromImages(oldV, hasOld, newV, hasNew); ok {
				ret.Set(m, change)
			}
			return true
		})

		// upstream changes: re-emit for each dependent not repointed in this generation
		csU.Range(func(o O, c delta.ValueChange[V]) bool {
			viewR.AccessMulti(o, func(m M) bool {
				if !csR.Has(m) {
					ret.Set(m, c)
				}
				return true
			})
			return true
		})

		return ret, &fanoutView[M, O, V]{upstream: viewU, rel: viewR}
	})
}

type fanoutView[M, O comparable, V any] struct {
	upstream delta.View[O, V]
	rel      RelationView[M, O]
}

func (v *fanoutView[M, O, V]) Access(m M) (V, bool) {
	o, ok := v.rel.Access(m)
	if !ok {
		var zero V
		return zero, false
	}
	return v.upstream.Access(o)
}

func (v *fanoutView[M, O, V]) Range(f func(M, V) bool) {
	v.rel.Range(func(m M, o O) bool {
		val, ok := v.upstream.Access(o)
		if !ok {
			return true
		}
		return f(m, val)
	})
}
