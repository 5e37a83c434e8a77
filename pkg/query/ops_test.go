package query

import (
	"github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/deltaview/pkg/delta"
)

// visibleIf keeps the value of a if b is present and true.
func visibleIf(v string, hasV bool, b bool, hasB bool) (string, bool) {
	return v, hasV && hasB && b
}

var _ = ginkgo.Describe("Map and Filter", func() {
	var (
		d   *driver
		src *Source[int, int]
	)

	ginkgo.BeforeEach(func() {
		d = newDriver()
		src = NewSource[int, int]("numbers")
	})

	ginkgo.It("should map values", func() {
		q := Map(Query[int, int](src), func(_ int, v int) int { return v * 10 })
		m := newMirror[int, int]()
		src.Set(1, 1)
		src.Set(2, 2)
		step(d, q, m)
		Expect(m.state).To(Equal(map[int]int{1: 10, 2: 20}))

		src.Set(1, 3)
		cs, _ := step(d, q, m)
		c, _ := cs.Get(1)
		Expect(c).To(Equal(delta.Update(30, 10)))
	})

	ginkgo.It("should insert and remove keys crossing the filter", func() {
		q := Filter(Query[int, int](src), func(_ int, v int) bool { return v%2 == 0 })
		m := newMirror[int, int]()
		src.Set(1, 1)
		src.Set(2, 2)
		cs, _ := step(d, q, m)
		Expect(cs.Keys()).To(ConsistOf(2))

		// 1 enters, 2 leaves
		src.Set(1, 4)
		src.Set(2, 3)
		cs, _ = step(d, q, m)
		c, _ := cs.Get(1)
		Expect(c).To(Equal(delta.Insert(4)))
		c, _ = cs.Get(2)
		Expect(c).To(Equal(delta.Remove(2)))

		// staying outside the filter yields no change
		src.Set(2, 5)
		cs, _ = step(d, q, m)
		Expect(cs.IsEmpty()).To(BeTrue())
	})

	ginkgo.It("should materialize the mapped state", func() {
		calls := 0
		q := Materialize(Map(Query[int, int](src), func(_ int, v int) int {
			calls++
			return v + 1
		}))
		m := newMirror[int, int]()
		src.Set(1, 1)
		_, view := step(d, q, m)
		before := calls
		for i := 0; i < 10; i++ {
			v, ok := view.Access(1)
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal(2))
		}
		Expect(calls).To(Equal(before))
	})
})

var _ = ginkgo.Describe("Union", func() {
	var (
		d        *driver
		a        *Source[int, string]
		b        *Source[int, bool]
		u        Query[int, string]
		m        *mirror[int, string]
		checkAll func(view delta.View[int, string])
	)

	ginkgo.BeforeEach(func() {
		d = newDriver()
		a = NewSource[int, string]("a")
		b = NewSource[int, bool]("b")
		u = Union(Query[int, string](a), Query[int, bool](b), visibleIf)
		m = newMirror[int, string]()

		checkAll = func(view delta.View[int, string]) {
			for k := 0; k < 5; k++ {
				va, hasA := a.Get(k)
				vb, hasB := b.Get(k)
				want, wantOK := "", false
				if hasA || hasB {
					want, wantOK = visibleIf(va, hasA, vb, hasB)
				}
				got, ok := view.Access(k)
				ExpectWithOffset(1, ok).To(Equal(wantOK), "key %d", k)
				if ok {
					ExpectWithOffset(1, got).To(Equal(want), "key %d", k)
				}
			}
		}
	})

	ginkgo.It("should implement the end-to-end scenario", func() {
		a.Set(1, "a")
		a.Set(2, "b")
		b.Set(1, true)
		_, view := step(d, u, m)
		v, ok := view.Access(1)
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("a"))
		_, ok = view.Access(2)
		Expect(ok).To(BeFalse())

		b.Set(2, true)
		cs, view := step(d, u, m)
		v, ok = view.Access(2)
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("b"))
		c, _ := cs.Get(2)
		Expect(c).To(Equal(delta.Insert("b")))
		Expect(cs.Len()).To(Equal(1))
	})

	ginkgo.It("should emit a key changed on both sides once", func() {
		a.Set(1, "a")
		b.Set(1, true)
		step(d, u, m)

		a.Set(1, "x")
		b.Set(1, false)
		cs, _ := step(d, u, m)
		Expect(cs.Len()).To(Equal(1))
		c, _ := cs.Get(1)
		Expect(c).To(Equal(delta.Remove("a")))
	})

	ginkgo.It("should stay total over a sequence of mutations", func() {
		ops := []func(){
			func() { a.Set(0, "p"); a.Set(1, "q"); b.Set(1, true) },
			func() { b.Set(0, true); a.Remove(1) },
			func() { a.Set(1, "r"); b.Set(1, false); b.Set(3, true) },
			func() { a.Set(3, "s"); b.Remove(0) },
			func() { b.Set(1, true); a.Set(4, "t"); a.Remove(4) },
			func() { a.Remove(0); a.Remove(3); b.Remove(1) },
		}
		for _, op := range ops {
			op()
			_, view := step(d, u, m)
			checkAll(view)
		}
	})

	ginkgo.It("should prefer the first collection in UnionSelect", func() {
		x := NewSource[int, string]("x")
		y := NewSource[int, string]("y")
		q := UnionSelect(Query[int, string](x), Query[int, string](y))
		mm := newMirror[int, string]()
		x.Set(1, "x1")
		y.Set(1, "y1")
		y.Set(2, "y2")
		step(d, q, mm)
		Expect(mm.state).To(Equal(map[int]string{1: "x1", 2: "y2"}))

		x.Remove(1)
		cs, _ := step(d, q, mm)
		c, _ := cs.Get(1)
		Expect(c).To(Equal(delta.Update("y1", "x1")))
	})

	ginkgo.It("should intersect two collections", func() {
		q := Intersect(Query[int, string](a), Query[int, bool](b))
		mm := newMirror[int, Pair[string, bool]]()
		a.Set(1, "a")
		a.Set(2, "b")
		b.Set(2, false)
		step(d, q, mm)
		Expect(mm.state).To(Equal(map[int]Pair[string, bool]{2: {First: "b", Second: false}}))
	})
})

var _ = ginkgo.Describe("CrossJoin", func() {
	var (
		d *driver
		a *Source[int, string]
		b *Source[string, int]
		j Query[Pair[int, string], Pair[string, int]]
		m *mirror[Pair[int, string], Pair[string, int]]
	)

	ginkgo.BeforeEach(func() {
		d = newDriver()
		a = NewSource[int, string]("a")
		b = NewSource[string, int]("b")
		j = CrossJoin(Query[int, string](a), Query[string, int](b))
		m = newMirror[Pair[int, string], Pair[string, int]]()
	})

	ginkgo.It("should enumerate the cross product", func() {
		a.Set(1, "a1")
		a.Set(2, "a2")
		b.Set("x", 10)
		cs, view := step(d, j, m)
		Expect(cs.Len()).To(Equal(2))
		Expect(delta.Len(view)).To(Equal(2))
		v, ok := view.Access(Pair[int, string]{First: 2, Second: "x"})
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(Pair[string, int]{First: "a2", Second: 10}))
	})

	ginkgo.It("should emit all three delta classes", func() {
		a.Set(1, "a1")
		b.Set("x", 10)
		step(d, j, m)

		// both changed, a only, b only
		a.Set(1, "a1'")
		a.Set(2, "a2")
		b.Set("y", 20)
		cs, view := step(d, j, m)
		Expect(cs.Len()).To(Equal(4))
		c, _ := cs.Get(Pair[int, string]{First: 1, Second: "x"})
		Expect(c).To(Equal(delta.Update(Pair[string, int]{"a1'", 10}, Pair[string, int]{"a1", 10})))
		Expect(delta.Len(view)).To(Equal(4))

		b.Remove("x")
		cs, _ = step(d, j, m)
		Expect(cs.Len()).To(Equal(2))
		for _, k := range cs.Keys() {
			c, _ := cs.Get(k)
			Expect(c.IsRemove()).To(BeTrue())
			Expect(k.Second).To(Equal("x"))
		}
	})
})

var _ = ginkgo.Describe("Fanout", func() {
	var (
		d        *driver
		material *Source[string, string] // material -> color
		mesh     *Source[int, string]    // mesh -> material
		f        Query[int, string]
		m        *mirror[int, string]
	)

	ginkgo.BeforeEach(func() {
		d = newDriver()
		material = NewSource[string, string]("material")
		mesh = NewSource[int, string]("mesh-material")
		f = Fanout(Query[string, string](material), Index(Query[int, string](mesh)))
		m = newMirror[int, string]()
	})

	ginkgo.It("should follow the relation", func() {
		material.Set("m1", "red")
		material.Set("m2", "blue")
		mesh.Set(1, "m1")
		mesh.Set(2, "m1")
		mesh.Set(3, "m3")
		step(d, f, m)
		Expect(m.state).To(Equal(map[int]string{1: "red", 2: "red"}))
	})

	ginkgo.It("should stay consistent after repointing", func() {
		material.Set("m1", "red")
		material.Set("m2", "blue")
		mesh.Set(1, "m1")
		step(d, f, m)

		mesh.Set(1, "m2")
		cs, view := step(d, f, m)
		c, _ := cs.Get(1)
		Expect(c).To(Equal(delta.Update("blue", "red")))
		v, _ := view.Access(1)
		want, _ := material.Get("m2")
		Expect(v).To(Equal(want))
	})

	ginkgo.It("should propagate upstream changes to every dependent", func() {
		material.Set("m1", "red")
		mesh.Set(1, "m1")
		mesh.Set(2, "m1")
		mesh.Set(3, "m2")
		step(d, f, m)

		material.Set("m1", "green")
		cs, _ := step(d, f, m)
		Expect(cs.Keys()).To(ConsistOf(1, 2))

		material.Remove("m1")
		material.Set("m2", "yellow")
		cs, _ = step(d, f, m)
		Expect(cs.Keys()).To(ConsistOf(1, 2, 3))
		Expect(m.state).To(Equal(map[int]string{3: "yellow"}))
	})

	ginkgo.It("should handle an upstream change and a repoint in the same generation", func() {
		material.Set("m1", "red")
		material.Set("m2", "blue")
		mesh.Set(1, "m1")
		step(d, f, m)

		material.Set("m1", "green")
		material.Set("m2", "cyan")
		mesh.Set(1, "m2")
		cs, _ := step(d, f, m)
		c, _ := cs.Get(1)
		Expect(c).To(Equal(delta.Update("cyan", "red")))
	})
})

var _ = ginkgo.Describe("Reduce", func() {
	var (
		d       *driver
		present *Source[int, struct{}]
		rel     *Source[int, string]
		r       Query[string, struct{}]
		m       *mirror[string, struct{}]
	)

	ginkgo.BeforeEach(func() {
		d = newDriver()
		present = NewSource[int, struct{}]("present")
		rel = NewSource[int, string]("parent")
		r = Reduce(Query[int, struct{}](present), Query[int, string](rel))
		m = newMirror[string, struct{}]()
	})

	ginkgo.It("should count references", func() {
		for i := 0; i < 3; i++ {
			present.Set(i, struct{}{})
			rel.Set(i, "o")
		}
		cs, _ := step(d, r, m)
		Expect(cs.Len()).To(Equal(1))
		n, ok := Count(r, "o")
		Expect(ok).To(BeTrue())
		Expect(n).To(Equal(uint32(3)))

		present.Remove(0)
		present.Remove(1)
		cs, view := step(d, r, m)
		Expect(cs.IsEmpty()).To(BeTrue())
		_, ok = view.Access("o")
		Expect(ok).To(BeTrue())

		present.Remove(2)
		cs, view = step(d, r, m)
		Expect(cs.Len()).To(Equal(1))
		c, _ := cs.Get("o")
		Expect(c.IsRemove()).To(BeTrue())
		_, ok = view.Access("o")
		Expect(ok).To(BeFalse())

		cs, _ = step(d, r, m)
		Expect(cs.IsEmpty()).To(BeTrue())
	})

	ginkgo.It("should move references on repointing", func() {
		present.Set(1, struct{}{})
		rel.Set(1, "a")
		step(d, r, m)

		rel.Set(1, "b")
		cs, _ := step(d, r, m)
		ca, _ := cs.Get("a")
		cb, _ := cs.Get("b")
		Expect(ca.IsRemove()).To(BeTrue())
		Expect(cb.IsInsert()).To(BeTrue())
	})

	ginkgo.It("should not flicker on a net-zero generation", func() {
		present.Set(1, struct{}{})
		rel.Set(1, "a")
		present.Set(2, struct{}{})
		rel.Set(2, "b")
		step(d, r, m)

		// 1 leaves a while 2 joins it
		rel.Set(1, "b")
		rel.Set(2, "a")
		cs, _ := step(d, r, m)
		Expect(cs.IsEmpty()).To(BeTrue())
		n, _ := Count(r, "a")
		Expect(n).To(Equal(uint32(1)))
	})

	ginkgo.It("should ignore many-side keys without a relation", func() {
		present.Set(1, struct{}{})
		cs, _ := step(d, r, m)
		Expect(cs.IsEmpty()).To(BeTrue())

		rel.Set(1, "a")
		cs, _ = step(d, r, m)
		Expect(cs.Keys()).To(ConsistOf("a"))
	})
})
