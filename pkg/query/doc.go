// Package query implements composable operators that incrementally maintain derived keyed
// collections under continuous mutation.
//
// Every collection implements the two-phase poll contract of Query: once per polling generation
// the consumer calls Describe to obtain a Compute handle, which is resolved exactly once into the
// change set of the generation and a view of the new state. Operators propagate the changes of
// their upstreams instead of recomputing their output, and use the view of their upstreams (or the
// previous view reconstructed from the old images of the changes) to compute combined changes.
//
// Key components:
//   - Source: a mutable input collection fed by producers from any goroutine.
//   - Map, FilterMap, Filter, Materialize: stateless per-key transformations and caching.
//   - Union, UnionSelect, Intersect: merge of two collections with the same key type.
//   - CrossJoin: Cartesian product of two small collections.
//   - Index, Fanout: one-to-many propagation through a relation with reverse lookup.
//   - Reduce: many-to-one reference counting.
//   - Registry, Share, Fork: sharing of one polled computation across many consumers.
//   - Executor, Sink: the single driver of a set of pipelines.
//
// Example usage:
//
//	exec := query.NewExecutor(ctx, query.Options{Logger: logger})
//	names := query.NewSource[int, string]("names")
//	visible := query.NewSource[int, bool]("visible")
//	shown := query.Union(names, visible, func(n string, hasN bool, v bool, hasV bool) (string, bool) {
//		return n, hasN && hasV && v
//	})
//	sink := query.NewSink("shown", shown, func(ctx *query.Context, cs *delta.ChangeSet[int, string], _ delta.View[int, string]) error {
//		return nil
//	})
//	names.Set(1, "a")
//	visible.Set(1, true)
//	err := exec.Step(sink)
package query
