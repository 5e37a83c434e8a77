package streammap

import (
	"github.com/l7mp/deltaview/pkg/delta"
	"github.com/l7mp/deltaview/pkg/query"
)

// BuildFunc creates the sub-computation of a key from its upstream value.
type BuildFunc[K comparable, S, V any] func(k K, spec S) SubComputation[V]

// spawnOp maintains one sub-computation per key of an upstream collection.
type spawnOp[K comparable, S, V any] struct {
	upstream query.Query[K, S]
	build    BuildFunc[K, S, V]
	streams  *StreamMap[K, V]
}

// Spawn creates a stream map driven by an upstream collection: each upstream key gets a
// sub-computation built from its value, which is replaced when the value changes and dropped when
// the key is removed.
func Spawn[K comparable, S, V any](upstream query.Query[K, S], build BuildFunc[K, S, V], opts Options) query.Query[K, V] {
	if opts.Name == "" {
		opts.Name = "spawn"
	}
	return &spawnOp[K, S, V]{upstream: upstream, build: build, streams: New[K, V](opts)}
}

func (op *spawnOp[K, S, V]) Name() string            { return op.streams.Name() }
func (op *spawnOp[K, S, V]) Upstreams() []query.Node { return upstreamNodes(op.upstream) }

// Request implements query.Query.
func (op *spawnOp[K, S, V]) Request(req query.Request) {
	op.streams.Request(req)
	op.upstream.Request(req)
}

// Describe implements query.Query.
func (op *spawnOp[K, S, V]) Describe(ctx *query.Context) query.Compute[K, V] {
	uc := op.upstream.Describe(ctx)
	sc := op.streams.Describe(ctx)
	return &spawnCompute[K, S, V]{op: op, upstream: uc, streams: sc}
}

type spawnCompute[K comparable, S, V any] struct {
	op       *spawnOp[K, S, V]
	upstream query.Compute[K, S]
	streams  query.Compute[K, V]
}

// Resolve implements query.Compute. The double-resolve guard of the stream map applies.
func (c *spawnCompute[K, S, V]) Resolve() (*delta.ChangeSet[K, V], delta.View[K, V]) {
	cs, _ := c.upstream.Resolve()
	cs.Range(func(k K, ch delta.ValueChange[S]) bool {
		if spec, ok := ch.New(); ok {
			c.op.streams.Insert(k, c.op.build(k, spec))
		} else {
			c.op.streams.Remove(k)
		}
		return true
	})
	return c.streams.Resolve()
}

func upstreamNodes(qs ...any) []query.Node {
	ret := []query.Node{}
	for _, q := range qs {
		if n, ok := q.(query.Node); ok {
			ret = append(ret, n)
		}
	}
	return ret
}
