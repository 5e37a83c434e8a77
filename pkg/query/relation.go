package query

import (
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/l7mp/deltaview/pkg/delta"
)

// RelationView is the view of a many-to-one relation. In addition to the forward lookup it can
// enumerate all the many-side keys that currently point to a given one-side key.
type RelationView[M, O comparable] interface {
	delta.View[M, O]
	// AccessMulti calls f for each key that maps to o, until f returns false.
	AccessMulti(o O, f func(M) bool)
}

// RelationCompute is the computation handle of a relation.
type RelationCompute[M, O comparable] interface {
	ResolveRelation() (*delta.ChangeSet[M, O], RelationView[M, O])
}

// Relation is a many-to-one relation, i.e., a collection mapping many-side keys to one-side keys
// that also supports reverse lookups.
type Relation[M, O comparable] interface {
	Query[M, O]
	DescribeRelation(ctx *Context) RelationCompute[M, O]
}

// indexOp turns a collection into a relation by maintaining a reverse index.
type indexOp[M, O comparable] struct {
	upstream Query[M, O]
	mu       sync.RWMutex
	reverse  map[O]sets.Set[M]
}

// Index maintains a reverse index over a collection mapping many-side keys to one-side keys. The
// reverse lookup runs in O(dependents).
func Index[M, O comparable](upstream Query[M, O]) Relation[M, O] {
	return &indexOp[M, O]{upstream: upstream, reverse: make(map[O]sets.Set[M])}
}

func (op *indexOp[M, O]) Name() string      { return "index" }
func (op *indexOp[M, O]) Upstreams() []Node { return nodes(op.upstream) }

// Request implements Query.
func (op *indexOp[M, O]) Request(req Request) {
	if req == RequestShrinkToFit {
		op.mu.Lock()
		reverse := make(map[O]sets.Set[M], len(op.reverse))
		for o, ms := range op.reverse {
			reverse[o] = sets.New(ms.UnsortedList()...)
		}
		op.reverse = reverse
		op.mu.Unlock()
	}
	op.upstream.Request(req)
}

// Describe implements Query.
func (op *indexOp[M, O]) Describe(ctx *Context) Compute[M, O] {
	rc := op.DescribeRelation(ctx)
	return newCompute(ctx, "index", func() (*delta.ChangeSet[M, O], delta.View[M, O]) {
		return rc.ResolveRelation()
	})
}

// DescribeRelation implements Relation.
func (op *indexOp[M, O]) DescribeRelation(ctx *Context) RelationCompute[M, O] {
	uc := op.upstream.Describe(ctx)
	return &relationCompute[M, O]{f: func() (*delta.ChangeSet[M, O], RelationView[M, O]) {
		cs, view := uc.Resolve()

		op.mu.Lock()
		cs.Range(func(m M, c delta.ValueChange[O]) bool {
			if o, ok := c.Old(); ok {
				if ms, exists := op.reverse[o]; exists {
					ms.Delete(m)
					if ms.Len() == 0 {
						delete(op.reverse, o)
					}
				}
			}
			if o, ok := c.New(); ok {
				ms, exists := op.reverse[o]
				if !exists {
					ms = sets.New[M]()
					op.reverse[o] = ms
				}
				ms.Insert(m)
			}
			return true
		})
		op.mu.Unlock()

		return cs, &indexView[M, O]{View: view, op: op}
	}}
}

type relationCompute[M, O comparable] struct {
	resolved bool
	f        func() (*delta.ChangeSet[M, O], RelationView[M, O])
}

func (c *relationCompute[M, O]) ResolveRelation() (*delta.ChangeSet[M, O], RelationView[M, O]) {
	if c.resolved {
		panic("index: resolve called twice")
	}
	c.resolved = true
	return c.f()
}

// indexView adds reverse lookups to the upstream view.
type indexView[M, O comparable] struct {
	delta.View[M, O]
	op *indexOp[M, O]
}

func (v *indexView[M, O]) AccessMulti(o O, f func(M) bool) {
	v.op.mu.RLock()
	ms := v.op.reverse[o]
	keys := make([]M, 0, ms.Len())
	for m := range ms {
		keys = append(keys, m)
	}
	v.op.mu.RUnlock()

	// f may look up other views, do not call it under the lock
	for _, m := range keys {
		if !f(m) {
			return
		}
	}
}
