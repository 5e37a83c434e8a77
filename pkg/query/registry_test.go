package query

import (
	"github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/deltaview/pkg/delta"
)

type visibleMeshes struct{}
type meshNames struct{}

var _ = ginkgo.Describe("Registry", func() {
	var (
		d   *driver
		reg *Registry
		src *Source[int, string]
		cq  *countingQuery[int, string]
	)

	ginkgo.BeforeEach(func() {
		d = newDriver()
		reg = NewRegistry(logger, nil)
		src = NewSource[int, string]("names")
		cq = &countingQuery[int, string]{Query: src}
	})

	build := func() Query[int, string] { return cq }

	ginkgo.It("should resolve the upstream once per generation", func() {
		f1 := Share(reg, TypeKey[meshNames](), build)
		f2 := Share(reg, TypeKey[meshNames](), build)
		Expect(reg.Len()).To(Equal(1))

		src.Set(1, "a")
		ctx := d.next()
		cs1, _ := f1.Describe(ctx).Resolve()
		cs2, view := f2.Describe(ctx).Resolve()
		Expect(cq.resolves).To(Equal(1))
		Expect(cs1.Keys()).To(ConsistOf(1))
		Expect(cs2.Keys()).To(ConsistOf(1))
		v, ok := view.Access(1)
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("a"))
	})

	ginkgo.It("should fold the backlog of a fork that skipped generations", func() {
		f1 := Share(reg, TypeKey[meshNames](), build)
		f2 := f1.Clone()
		m1, m2 := newMirror[int, string](), newMirror[int, string]()

		src.Set(1, "a")
		src.Set(2, "b")
		step(d, Query[int, string](f1), m1)
		step(d, Query[int, string](f2), m2)

		src.Set(1, "c")
		step(d, Query[int, string](f1), m1)
		src.Remove(2)
		step(d, Query[int, string](f1), m1)

		ctx := d.next()
		f1.Describe(ctx).Resolve()
		cs, view := f2.Describe(ctx).Resolve()
		m2.apply(cs)
		Expect(delta.Snapshot(view)).To(Equal(m2.state))
		Expect(m2.state).To(Equal(map[int]string{1: "c"}))
		Expect(m1.state).To(Equal(m2.state))
	})

	ginkgo.It("should prefill a new fork with the current state", func() {
		f1 := Share(reg, TypeKey[meshNames](), build)
		src.Set(1, "a")
		src.Set(2, "b")
		step(d, Query[int, string](f1), newMirror[int, string]())

		f2 := Share(reg, TypeKey[meshNames](), build)
		m2 := newMirror[int, string]()
		cs, _ := step(d, Query[int, string](f2), m2)
		Expect(cs.Len()).To(Equal(2))
		c, _ := cs.Get(2)
		Expect(c).To(Equal(delta.Insert("b")))
	})

	ginkgo.It("should reuse the slot of a closed fork", func() {
		f1 := Share(reg, TypeKey[meshNames](), build)
		f2 := f1.Clone()
		Expect(f1.shared.Forks()).To(Equal(2))

		f2.Close()
		Expect(f1.shared.Forks()).To(Equal(1))
		Expect(func() { f2.Describe(d.next()).Resolve() }).To(Panic())
		Expect(func() { f2.Close() }).To(Panic())

		f3 := f1.Clone()
		Expect(f3.slot).To(Equal(f2.slot))
		Expect(f3.gen).NotTo(Equal(f2.gen))
		Expect(func() { f3.Describe(d.next()).Resolve() }).NotTo(Panic())
	})

	ginkgo.It("should allow recursive builds", func() {
		outer := Share(reg, TypeKey[visibleMeshes](), func() Query[int, string] {
			inner := Share(reg, TypeKey[meshNames](), build)
			return Filter(Query[int, string](inner), func(_ int, v string) bool { return v != "" })
		})
		Expect(reg.Len()).To(Equal(2))

		src.Set(1, "a")
		src.Set(2, "")
		m := newMirror[int, string]()
		step(d, Query[int, string](outer), m)
		Expect(m.state).To(Equal(map[int]string{1: "a"}))
	})

	ginkgo.It("should panic on a key registered with another type", func() {
		Share(reg, TypeKey[meshNames](), build)
		Expect(func() {
			Share(reg, TypeKey[meshNames](), func() Query[int, int] { return NewSource[int, int]("x") })
		}).To(Panic())
	})

	ginkgo.It("should forget a computation", func() {
		f1 := Share(reg, TypeKey[meshNames](), build)
		reg.Forget(TypeKey[meshNames]())
		Expect(reg.Len()).To(BeZero())

		src.Set(1, "a")
		cs, _ := f1.Describe(d.next()).Resolve()
		Expect(cs.Len()).To(Equal(1))
	})

	ginkgo.It("should panic on a double resolve of a fork", func() {
		f1 := Share(reg, TypeKey[meshNames](), build)
		c := f1.Describe(d.next())
		c.Resolve()
		Expect(func() { c.Resolve() }).To(Panic())
	})

	ginkgo.It("should panic when one fork feeds two consumers in a generation", func() {
		f1 := Share(reg, TypeKey[meshNames](), build)
		src.Set(1, "a")

		ctx := d.next()
		cs, _ := f1.Describe(ctx).Resolve()
		Expect(cs.Len()).To(Equal(1))
		Expect(func() { f1.Describe(ctx).Resolve() }).To(Panic())

		src.Set(2, "b")
		cs, _ = f1.Describe(d.next()).Resolve()
		Expect(cs.Keys()).To(ConsistOf(2))
	})
})
