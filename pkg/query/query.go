package query

import (
	"fmt"

	"github.com/l7mp/deltaview/pkg/delta"
)

// Query is an incrementally maintained keyed collection. Each polling generation the consumer
// calls Describe to obtain a Compute bound to the generation, then resolves it exactly once.
type Query[K comparable, V any] interface {
	// Describe returns a fresh computation handle for the generation. It performs no work.
	Describe(ctx *Context) Compute[K, V]
	// Request delivers an out-of-band control operation to the query and all of its upstreams.
	Request(req Request)
}

// Compute is a computation handle of one generation.
type Compute[K comparable, V any] interface {
	// Resolve performs the recomputation and returns the changes of the generation and a view of
	// the new state. Resolving the same handle twice panics.
	Resolve() (*delta.ChangeSet[K, V], delta.View[K, V])
}

// Request is an out-of-band control operation propagated to every upstream of a query.
type Request int

const (
	// RequestShrinkToFit asks stateful operators to release unused internal storage.
	RequestShrinkToFit Request = iota
)

// String stringifies a request.
func (r Request) String() string {
	switch r {
	case RequestShrinkToFit:
		return "shrink-to-fit"
	default:
		return fmt.Sprintf("request(%d)", int(r))
	}
}

// Node is implemented by operators that can report their position in the operator graph.
type Node interface {
	// Name returns the operator name.
	Name() string
	// Upstreams returns the upstream operators that are themselves Nodes.
	Upstreams() []Node
}

// nodes is a helper to collect the upstreams of an operator that implement Node.
func nodes(upstreams ...any) []Node {
	ret := make([]Node, 0, len(upstreams))
	for _, u := range upstreams {
		if n, ok := u.(Node); ok {
			ret = append(ret, n)
		}
	}
	return ret
}

// compute wraps a resolve function with a double-resolve guard and logging.
type compute[K comparable, V any] struct {
	ctx      *Context
	name     string
	resolved bool
	f        func() (*delta.ChangeSet[K, V], delta.View[K, V])
}

func newCompute[K comparable, V any](ctx *Context, name string, f func() (*delta.ChangeSet[K, V], delta.View[K, V])) Compute[K, V] {
	return &compute[K, V]{ctx: ctx, name: name, f: f}
}

// Resolve implements Compute.
func (c *compute[K, V]) Resolve() (*delta.ChangeSet[K, V], delta.View[K, V]) {
	if c.resolved {
		panic(fmt.Sprintf("%s: resolve called twice in generation %d", c.name, c.ctx.Generation()))
	}
	c.resolved = true

	cs, view := c.f()
	c.ctx.Logger().V(5).Info("resolved", "operator", c.name, "changes", cs.Len())
	return cs, view
}

// Resolve is a shorthand to describe and resolve a query in one go.
func Resolve[K comparable, V any](ctx *Context, q Query[K, V]) (*delta.ChangeSet[K, V], delta.View[K, V]) {
	return q.Describe(ctx).Resolve()
}
