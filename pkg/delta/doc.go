// Package delta implements the change model of incremental keyed collections.
//
// A keyed collection changes in discrete polling generations. In each generation every key that
// changed is described by exactly one ValueChange: a delta (the key now maps to a new value,
// optionally replacing an old one) or a removal (the key is gone, the last value is retained).
//
// Sequential changes of the same key are folded with the merge law implemented by Merge:
//
//	Delta(d1, p1) + Delta(d2, _) = Delta(d2, p1)
//	Delta(d1, p1) + Remove(_)    = Remove(p1), or nothing at all if p1 is absent
//	Remove(p)     + Delta(d, _)  = Delta(d, p)
//	Remove(_)     + Remove(_)    = invariant violation
//
// The cancellation case is essential: a key inserted and removed within one unobserved window must
// vanish from the change set instead of leaking a phantom removal downstream.
//
// Example usage:
//
//	c := delta.NewCollector[int, string]()
//	c.Add(1, delta.Insert("a"))
//	c.Add(1, delta.Remove("a")) // cancels
//	cs := c.Drain()             // cs.IsEmpty() == true
package delta
