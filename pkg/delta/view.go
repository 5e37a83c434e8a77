package delta

// View is a read-only handle on the current state of a keyed collection. Views are cheap to copy
// and may be shared by any number of downstream operators within one generation.
type View[K comparable, V any] interface {
	// Access returns the value of a key.
	Access(k K) (V, bool)
	// Range enumerates all key-value pairs until f returns false.
	Range(f func(K, V) bool)
}

// MapView is a view backed by a plain map. The map must not be modified while the view is in use.
type MapView[K comparable, V any] map[K]V

// Access returns the value of a key.
func (m MapView[K, V]) Access(k K) (V, bool) {
	v, ok := m[k]
	return v, ok
}

// Range enumerates all key-value pairs.
func (m MapView[K, V]) Range(f func(K, V) bool) {
	for k, v := range m {
		if !f(k, v) {
			return
		}
	}
}

// FuncView adapts a pair of functions to the View interface.
type FuncView[K comparable, V any] struct {
	AccessFunc func(K) (V, bool)
	RangeFunc  func(func(K, V) bool)
}

// Access returns the value of a key.
func (f FuncView[K, V]) Access(k K) (V, bool) { return f.AccessFunc(k) }

// Range enumerates all key-value pairs.
func (f FuncView[K, V]) Range(fn func(K, V) bool) { f.RangeFunc(fn) }

// EmptyView returns a view with no keys.
func EmptyView[K comparable, V any]() View[K, V] { return MapView[K, V](nil) }

// Len counts the keys of a view by enumeration.
func Len[K comparable, V any](v View[K, V]) int {
	n := 0
	v.Range(func(K, V) bool {
		n++
		return true
	})
	return n
}

// Snapshot copies a view into a map.
func Snapshot[K comparable, V any](v View[K, V]) map[K]V {
	ret := make(map[K]V)
	v.Range(func(k K, val V) bool {
		ret[k] = val
		return true
	})
	return ret
}

// previousView reconstructs the state of a collection before the last generation from the current
// view and the change set that produced it.
type previousView[K comparable, V any] struct {
	changes *ChangeSet[K, V]
	current View[K, V]
}

// PreviousView returns a view of the state before changes were applied to current. No snapshot is
// taken: lookups consult the old image of the key's change first and fall back to the current
// view.
func PreviousView[K comparable, V any](changes *ChangeSet[K, V], current View[K, V]) View[K, V] {
	return &previousView[K, V]{changes: changes, current: current}
}

func (p *previousView[K, V]) Access(k K) (V, bool) {
	if c, ok := p.changes.Get(k); ok {
		return c.Old()
	}
	return p.current.Access(k)
}

func (p *previousView[K, V]) Range(f func(K, V) bool) {
	cont := true
	p.current.Range(func(k K, v V) bool {
		if p.changes.Has(k) {
			return true
		}
		cont = f(k, v)
		return cont
	})
	if !cont {
		return
	}
	p.changes.Range(func(k K, c ValueChange[V]) bool {
		if old, ok := c.Old(); ok {
			return f(k, old)
		}
		return true
	})
}
