package query

import (
	"github.com/l7mp/deltaview/pkg/delta"
)

// SinkFunc consumes the changes and the view of a collection in one generation.
type SinkFunc[K comparable, V any] func(ctx *Context, changes *delta.ChangeSet[K, V], view delta.View[K, V]) error

// Sink is the terminal consumer of a pipeline, e.g., a GPU resource synchronizer. A sink is a
// Runner, so it can be driven by an Executor.
type Sink[K comparable, V any] struct {
	name     string
	upstream Query[K, V]
	fn       SinkFunc[K, V]
}

// NewSink creates a sink that calls fn with the result of each generation.
func NewSink[K comparable, V any](name string, upstream Query[K, V], fn SinkFunc[K, V]) *Sink[K, V] {
	return &Sink[K, V]{name: name, upstream: upstream, fn: fn}
}

func (s *Sink[K, V]) Name() string      { return s.name }
func (s *Sink[K, V]) Upstreams() []Node { return nodes(s.upstream) }

// Run implements Runner.
func (s *Sink[K, V]) Run(ctx *Context) error {
	cs, view := s.upstream.Describe(ctx).Resolve()
	ctx.Logger().V(4).Info("sink: generation result", "sink", s.name, "changes", cs.Len())
	return s.fn(ctx, cs, view)
}

// Request forwards a request to the upstream of the sink.
func (s *Sink[K, V]) Request(req Request) { s.upstream.Request(req) }

// instrumentOp counts the changes flowing through a point of the pipeline.
type instrumentOp[K comparable, V any] struct {
	name     string
	upstream Query[K, V]
}

// Instrument wraps a query and reports the number of changes it emits in each generation to the
// metrics of the executor, labeled with name.
func Instrument[K comparable, V any](name string, upstream Query[K, V]) Query[K, V] {
	return &instrumentOp[K, V]{name: name, upstream: upstream}
}

func (op *instrumentOp[K, V]) Name() string        { return op.name }
func (op *instrumentOp[K, V]) Upstreams() []Node   { return nodes(op.upstream) }
func (op *instrumentOp[K, V]) Request(req Request) { op.upstream.Request(req) }

// Describe implements Query.
func (op *instrumentOp[K, V]) Describe(ctx *Context) Compute[K, V] {
	uc := op.upstream.Describe(ctx)
	return newCompute(ctx, op.name, func() (*delta.ChangeSet[K, V], delta.View[K, V]) {
		cs, view := uc.Resolve()
		ctx.Metrics().Changes(op.name, cs.Len())
		return cs, view
	})
}
