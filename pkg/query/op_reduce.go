package query

import (
	"fmt"
	"sync"

	"github.com/l7mp/deltaview/pkg/delta"
)

// reduceOp collapses a many-to-one relation into a reference-counted presence set.
type reduceOp[M, O comparable, V any] struct {
	upstream Query[M, V]
	rel      Query[M, O]
	mu       sync.RWMutex
	counts   map[O]uint32
}

// Reduce produces the set of one-side keys that are pointed to by at least one many-side key
// present in upstream. Reference counts are maintained across generations, and within a generation
// only the net count change of each one-side key is considered, so a key that drops to zero and
// comes back in the same generation does not flicker.
func Reduce[M, O comparable, V any](upstream Query[M, V], rel Query[M, O]) Query[O, struct{}] {
	return &reduceOp[M, O, V]{upstream: upstream, rel: rel, counts: make(map[O]uint32)}
}

func (op *reduceOp[M, O, V]) Name() string      { return "reduce" }
func (op *reduceOp[M, O, V]) Upstreams() []Node { return nodes(op.upstream, op.rel) }

// Request implements Query.
func (op *reduceOp[M, O, V]) Request(req Request) {
	if req == RequestShrinkToFit {
		op.mu.Lock()
		op.counts = shrink(op.counts)
		op.mu.Unlock()
	}
	op.upstream.Request(req)
	op.rel.Request(req)
}

// Describe implements Query.
func (op *reduceOp[M, O, V]) Describe(ctx *Context) Compute[O, struct{}] {
	uc, rc := op.upstream.Describe(ctx), op.rel.Describe(ctx)
	return newCompute(ctx, "reduce", func() (*delta.ChangeSet[O, struct{}], delta.View[O, struct{}]) {
		csU, viewU := uc.Resolve()
		csR, viewR := rc.Resolve()
		prevU, prevR := delta.PreviousView(csU, viewU), delta.PreviousView(csR, viewR)

		net := make(map[O]int64)
		account := func(m M) {
			_, wasPresent := prevU.Access(m)
			oldO, wasLinked := prevR.Access(m)
			_, isPresent := viewU.Access(m)
			newO, isLinked := viewR.Access(m)

			was, is := wasPresent && wasLinked, isPresent && isLinked
			if was && is && oldO == newO {
				return
			}
			if was {
				net[oldO]--
			}
			if is {
				net[newO]++
			}
		}

		csU.Range(func(m M, _ delta.ValueChange[V]) bool {
			account(m)
			return true
		})
		csR.Range(func(m M, _ delta.ValueChange[O]) bool {
			if !csU.Has(m) {
				account(m)
			}
			return true
		})

		ret := delta.NewChangeSet[O, struct{}]()
		op.mu.Lock()
		for o, d := range net {
			if d == 0 {
				continue
			}
			c := op.counts[o]
			n := int64(c) + d
			switch {
			case n < 0:
				op.mu.Unlock()
				panic(fmt.Sprintf("reduce: reference count of %v dropped below zero", o))
			case n == 0:
				delete(op.counts, o)
				ret.Set(o, delta.Remove(struct{}{}))
			default:
				op.counts[o] = uint32(n)
				if c == 0 {
					ret.Set(o, delta.Insert(struct{}{}))
				}
			}
		}
		op.mu.Unlock()

		return ret, &reduceView[M, O, V]{op: op}
	})
}

// reduceView reads the reference count table.
type reduceView[M, O comparable, V any] struct {
	op *reduceOp[M, O, V]
}

func (v *reduceView[M, O, V]) Access(o O) (struct{}, bool) {
	v.op.mu.RLock()
	defer v.op.mu.RUnlock()
	_, ok := v.op.counts[o]
	return struct{}{}, ok
}

func (v *reduceView[M, O, V]) Range(f func(O, struct{}) bool) {
	v.op.mu.RLock()
	keys := make([]O, 0, len(v.op.counts))
	for o := range v.op.counts {
		keys = append(keys, o)
	}
	v.op.mu.RUnlock()

	for _, o := range keys {
		if !f(o, struct{}{}) {
			return
		}
	}
}

// Count returns the current reference count of a one-side key. Only available on queries
// created by Reduce.
func Count[O comparable](q Query[O, struct{}], o O) (uint32, bool) {
	c, ok := q.(refCounter[O])
	if !ok {
		return 0, false
	}
	return c.count(o), true
}

type refCounter[O comparable] interface {
	count(o O) uint32
}

func (op *reduceOp[M, O, V]) count(o O) uint32 {
	op.mu.RLock()
	defer op.mu.RUnlock()
	return op.counts[o]
}
