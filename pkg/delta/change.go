package delta

import (
	"fmt"
)

// ValueChange registers the change of a single key in one polling generation. A change is either a
// delta (the key now maps to a new value, optionally replacing an old one) or a removal (the key no
// longer exists, the last known value is kept in the old image).
type ValueChange[V any] struct {
	new, old V
	hasOld   bool
	remove   bool
}

// Insert creates a delta for a key that did not exist before.
func Insert[V any](v V) ValueChange[V] { return ValueChange[V]{new: v} }

// Update creates a delta for a key that already mapped to old.
func Update[V any](v, old V) ValueChange[V] { return ValueChange[V]{new: v, old: old, hasOld: true} }

// Remove creates a removal for a key that mapped to old.
func Remove[V any](old V) ValueChange[V] { return ValueChange[V]{old: old, hasOld: true, remove: true} }

// Delta creates a delta with an optional old image.
func Delta[V any](v V, old V, hasOld bool) ValueChange[V] {
	if hasOld {
		return Update(v, old)
	}
	return Insert(v)
}

// IsRemove returns true if the change is a removal.
func (c ValueChange[V]) IsRemove() bool { return c.remove }

// IsInsert returns true for a delta on a key that did not exist before.
func (c ValueChange[V]) IsInsert() bool { return !c.remove && !c.hasOld }

// New returns the value after the change. The second return is false for removals.
func (c ValueChange[V]) New() (V, bool) {
	if c.remove {
		var zero V
		return zero, false
	}
	return c.new, true
}

// Old returns the value before the change. The second return is false for insertions.
func (c ValueChange[V]) Old() (V, bool) { return c.old, c.hasOld }

// String stringifies a change.
func (c ValueChange[V]) String() string {
	switch {
	case c.remove:
		return fmt.Sprintf("remove(%v)", c.old)
	case c.hasOld:
		return fmt.Sprintf("delta(%v<-%v)", c.new, c.old)
	default:
		return fmt.Sprintf("delta(%v)", c.new)
	}
}

// Merge folds two sequential changes of the same key into one. The second return is false if the
// pair cancels out, i.e., the key was inserted and removed without ever being observed. Merging two
// removals is an invariant violation of the producer and panics.
func Merge[V any](earlier, later ValueChange[V]) (ValueChange[V], bool) {
	switch {
	case !earlier.remove && !later.remove:
		return ValueChange[V]{new: later.new, old: earlier.old, hasOld: earlier.hasOld}, true
	case !earlier.remove && later.remove:
		if !earlier.hasOld {
			return ValueChange[V]{}, false
		}
		return Remove(earlier.old), true
	case earlier.remove && !later.remove:
		return Update(later.new, earlier.old), true
	default:
		panic(fmt.Sprintf("delta: double remove: %s followed by %s", earlier, later))
	}
}

// Map transforms both images of a change. The change kind is preserved.
func Map[V, O any](c ValueChange[V], f func(V) O) ValueChange[O] {
	ret := ValueChange[O]{hasOld: c.hasOld, remove: c.remove}
	if !c.remove {
		ret.new = f(c.new)
	}
	if c.hasOld {
		ret.old = f(c.old)
	}
	return ret
}

// FromImages builds a change from an old and a new image, any of which may be absent. The second
// return is false if both images are absent.
func FromImages[V any](old V, hasOld bool, v V, hasNew bool) (ValueChange[V], bool) {
	switch {
	case hasNew:
		return Delta(v, old, hasOld), true
	case hasOld:
		return Remove(old), true
	default:
		return ValueChange[V]{}, false
	}
}
