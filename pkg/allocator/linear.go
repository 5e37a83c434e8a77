package allocator

import (
	"fmt"
	"slices"
)

// Region is a contiguous range [Offset, Offset+Size) of the linear address space.
type Region struct {
	Offset, Size uint32
}

// End returns the first offset past the region.
func (r Region) End() uint32 { return r.Offset + r.Size }

// Overlaps returns true if the two regions share at least one offset.
func (r Region) Overlaps(o Region) bool {
	return r.Size > 0 && o.Size > 0 && r.Offset < o.End() && o.Offset < r.End()
}

// String stringifies a region.
func (r Region) String() string { return fmt.Sprintf("[%d,%d)", r.Offset, r.End()) }

// Linear is a best-fit allocator over the address space [0, capacity). Free regions are kept
// sorted by offset and adjacent free regions are coalesced. Linear is not safe for concurrent use.
type Linear struct {
	capacity uint32
	used     uint32
	free     []Region
}

// NewLinear creates an allocator with the whole address space free.
func NewLinear(capacity uint32) *Linear {
	l := &Linear{}
	l.Reset(capacity)
	return l
}

// Capacity returns the size of the address space.
func (l *Linear) Capacity() uint32 { return l.capacity }

// Used returns the total size of the allocated regions.
func (l *Linear) Used() uint32 { return l.used }

// FreeRegions returns a copy of the free list.
func (l *Linear) FreeRegions() []Region { return slices.Clone(l.free) }

// Allocate returns the offset of a new region of the given size. The smallest free region that
// fits is used; ties are broken by the lowest offset. Zero-sized regions are placed at offset 0 and
// consume no space.
func (l *Linear) Allocate(size uint32) (uint32, bool) {
	if size == 0 {
		return 0, true
	}

	best := -1
	for i, r := range l.free {
		if r.Size < size {
			continue
		}
		if best < 0 || r.Size < l.free[best].Size {
			best = i
			if r.Size == size {
				break
			}
		}
	}
	if best < 0 {
		return 0, false
	}

	r := &l.free[best]
	offset := r.Offset
	if r.Size == size {
		l.free = slices.Delete(l.free, best, best+1)
	} else {
		r.Offset += size
		r.Size -= size
	}
	l.used += size
	return offset, true
}

// Free returns a region to the free list. Freeing a region that is outside the address space or
// overlaps a free region panics.
func (l *Linear) Free(offset, size uint32) {
	if size == 0 {
		return
	}
	reg := Region{Offset: offset, Size: size}
	if reg.End() > l.capacity || reg.End() < offset {
		panic(fmt.Sprintf("linear allocator: free of %s outside capacity %d", reg, l.capacity))
	}

	i, _ := slices.BinarySearchFunc(l.free, offset, func(r Region, off uint32) int {
		switch {
		case r.Offset < off:
			return -1
		case r.Offset > off:
			return 1
		default:
			return 0
		}
	})
	if (i > 0 && l.free[i-1].Overlaps(reg)) || (i < len(l.free) && l.free[i].Overlaps(reg)) {
		panic(fmt.Sprintf("linear allocator: double free of %s", reg))
	}

	l.free = slices.Insert(l.free, i, reg)
	l.used -= size

	// coalesce with the successor first so that i stays valid
	if i+1 < len(l.free) && l.free[i].End() == l.free[i+1].Offset {
		l.free[i].Size += l.free[i+1].Size
		l.free = slices.Delete(l.free, i+1, i+2)
	}
	if i > 0 && l.free[i-1].End() == l.free[i].Offset {
		l.free[i-1].Size += l.free[i].Size
		l.free = slices.Delete(l.free, i, i+1)
	}
}

// Reset frees every region and sets the size of the address space.
func (l *Linear) Reset(capacity uint32) {
	l.capacity = capacity
	l.used = 0
	l.free = l.free[:0]
	if capacity > 0 {
		l.free = append(l.free, Region{Offset: 0, Size: capacity})
	}
}
