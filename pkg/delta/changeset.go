package delta

import (
	"fmt"
	"strings"
)

// ChangeSet is the set of changes produced by a collection in one polling generation, with at most
// one change per key. A nil change set is a valid empty change set.
type ChangeSet[K comparable, V any] struct {
	changes map[K]ValueChange[V]
}

// NewChangeSet creates an empty change set.
func NewChangeSet[K comparable, V any]() *ChangeSet[K, V] {
	return &ChangeSet[K, V]{changes: make(map[K]ValueChange[V])}
}

// NewChangeSetFromMap wraps a map of changes. The change set takes ownership of the map.
func NewChangeSetFromMap[K comparable, V any](m map[K]ValueChange[V]) *ChangeSet[K, V] {
	if m == nil {
		m = make(map[K]ValueChange[V])
	}
	return &ChangeSet[K, V]{changes: m}
}

// Get returns the change for a key.
func (cs *ChangeSet[K, V]) Get(k K) (ValueChange[V], bool) {
	if cs == nil {
		return ValueChange[V]{}, false
	}
	c, ok := cs.changes[k]
	return c, ok
}

// Has returns true if the key changed.
func (cs *ChangeSet[K, V]) Has(k K) bool {
	_, ok := cs.Get(k)
	return ok
}

// Len returns the number of changed keys.
func (cs *ChangeSet[K, V]) Len() int {
	if cs == nil {
		return 0
	}
	return len(cs.changes)
}

// IsEmpty returns true if no key changed.
func (cs *ChangeSet[K, V]) IsEmpty() bool { return cs.Len() == 0 }

// Range calls f for each change until f returns false.
func (cs *ChangeSet[K, V]) Range(f func(K, ValueChange[V]) bool) {
	if cs == nil {
		return
	}
	for k, c := range cs.changes {
		if !f(k, c) {
			return
		}
	}
}

// Keys returns the changed keys in unspecified order.
func (cs *ChangeSet[K, V]) Keys() []K {
	ret := make([]K, 0, cs.Len())
	cs.Range(func(k K, _ ValueChange[V]) bool {
		ret = append(ret, k)
		return true
	})
	return ret
}

// Set stores a change for a key, overwriting any previous change. Use a Collector to merge.
func (cs *ChangeSet[K, V]) Set(k K, c ValueChange[V]) { cs.changes[k] = c }

// Apply applies the change set to a map holding the state of a collection.
func (cs *ChangeSet[K, V]) Apply(state map[K]V) {
	cs.Range(func(k K, c ValueChange[V]) bool {
		if v, ok := c.New(); ok {
			state[k] = v
		} else {
			delete(state, k)
		}
		return true
	})
}

// String returns a string representation of the change set for debugging.
func (cs *ChangeSet[K, V]) String() string {
	if cs.IsEmpty() {
		return "∅"
	}
	parts := make([]string, 0, cs.Len())
	cs.Range(func(k K, c ValueChange[V]) bool {
		parts = append(parts, fmt.Sprintf("%v:%s", k, c))
		return true
	})
	return "{" + strings.Join(parts, ", ") + "}"
}

// Collector accumulates raw changes and folds the changes of each key using the merge law. The
// zero value is not usable, use NewCollector.
type Collector[K comparable, V any] struct {
	changes map[K]ValueChange[V]
}

// NewCollector creates an empty collector.
func NewCollector[K comparable, V any]() *Collector[K, V] {
	return &Collector[K, V]{changes: make(map[K]ValueChange[V])}
}

// Add merges a change into the collector. If the change cancels the pending change of the same key
// then the key is dropped.
func (c *Collector[K, V]) Add(k K, change ValueChange[V]) {
	prev, ok := c.changes[k]
	if !ok {
		c.changes[k] = change
		return
	}
	merged, keep := Merge(prev, change)
	if !keep {
		delete(c.changes, k)
		return
	}
	c.changes[k] = merged
}

// AddAll merges a change set into the collector.
func (c *Collector[K, V]) AddAll(cs *ChangeSet[K, V]) {
	cs.Range(func(k K, change ValueChange[V]) bool {
		c.Add(k, change)
		return true
	})
}

// Len returns the number of keys with a pending change.
func (c *Collector[K, V]) Len() int { return len(c.changes) }

// Drain returns the accumulated change set and resets the collector.
func (c *Collector[K, V]) Drain() *ChangeSet[K, V] {
	ret := &ChangeSet[K, V]{changes: c.changes}
	c.changes = make(map[K]ValueChange[V])
	return ret
}
