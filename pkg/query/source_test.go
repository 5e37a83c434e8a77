package query

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/go-logr/logr/funcr"
	"github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/l7mp/deltaview/pkg/delta"
	"github.com/l7mp/deltaview/pkg/metrics"
)

var _ = ginkgo.Describe("Source", func() {
	var (
		d   *driver
		src *Source[int, string]
		m   *mirror[int, string]
	)

	ginkgo.BeforeEach(func() {
		d = newDriver()
		src = NewSource[int, string]("names")
		m = newMirror[int, string]()
	})

	ginkgo.It("should report insertions, updates and removals", func() {
		src.Set(1, "a")
		src.Set(2, "b")
		cs, _ := step(d, Query[int, string](src), m)
		Expect(cs.Len()).To(Equal(2))
		c, _ := cs.Get(1)
		Expect(c).To(Equal(delta.Insert("a")))

		src.Set(1, "c")
		src.Remove(2)
		cs, view := step(d, Query[int, string](src), m)
		c, _ = cs.Get(1)
		Expect(c).To(Equal(delta.Update("c", "a")))
		c, _ = cs.Get(2)
		Expect(c).To(Equal(delta.Remove("b")))
		_, ok := view.Access(2)
		Expect(ok).To(BeFalse())
	})

	ginkgo.It("should merge the mutations of one generation", func() {
		src.Set(1, "a")
		step(d, Query[int, string](src), m)

		src.Set(1, "b")
		src.Set(1, "c")
		src.Set(2, "x")
		src.Remove(2)
		cs, _ := step(d, Query[int, string](src), m)
		Expect(cs.Len()).To(Equal(1))
		c, _ := cs.Get(1)
		Expect(c).To(Equal(delta.Update("c", "a")))
	})

	ginkgo.It("should ignore the removal of an absent key", func() {
		src.Remove(42)
		cs, _ := step(d, Query[int, string](src), m)
		Expect(cs.IsEmpty()).To(BeTrue())
	})

	ginkgo.It("should expose unresolved mutations through Get", func() {
		src.Set(1, "a")
		v, ok := src.Get(1)
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("a"))
		Expect(src.Len()).To(Equal(1))
	})

	ginkgo.It("should keep its state across a shrink request", func() {
		src.Set(1, "a")
		step(d, Query[int, string](src), m)
		src.Request(RequestShrinkToFit)
		src.Set(2, "b")
		_, view := step(d, Query[int, string](src), m)
		Expect(delta.Snapshot(view)).To(Equal(map[int]string{1: "a", 2: "b"}))
	})

	ginkgo.It("should panic when resolved twice", func() {
		c := src.Describe(d.next())
		c.Resolve()
		Expect(func() { c.Resolve() }).To(Panic())
	})
})

var _ = ginkgo.Describe("Executor", func() {
	ginkgo.It("should drive sinks once per generation", func() {
		exec := NewExecutor(context.Background(), Options{Logger: logger})
		src := NewSource[int, string]("names")
		var seen []int
		sink := NewSink("names", Query[int, string](src),
			func(ctx *Context, cs *delta.ChangeSet[int, string], _ delta.View[int, string]) error {
				seen = append(seen, cs.Len())
				return nil
			})

		src.Set(1, "a")
		src.Set(2, "b")
		Expect(exec.Step(sink)).To(Succeed())
		src.Remove(1)
		Expect(exec.Step(sink)).To(Succeed())
		Expect(exec.Step(sink)).To(Succeed())

		Expect(seen).To(Equal([]int{2, 1, 0}))
		Expect(exec.Generation()).To(Equal(uint64(3)))
		Expect(exec.Stop()).To(Succeed())
	})

	ginkgo.It("should report the errors of sinks", func() {
		exec := NewExecutor(context.Background(), Options{Logger: logger})
		sink := NewSink("failing", Query[int, string](NewSource[int, string]("empty")),
			func(*Context, *delta.ChangeSet[int, string], delta.View[int, string]) error {
				return context.DeadlineExceeded
			})
		err := exec.Step(sink)
		Expect(err).To(HaveOccurred())
		Expect(err).To(MatchError(context.DeadlineExceeded))
		Expect(exec.Stop()).To(Succeed())
	})

	ginkgo.It("should count the changes of instrumented operators", func() {
		reg := prometheus.NewRegistry()
		exec := NewExecutor(context.Background(), Options{Logger: logger, Metrics: metrics.New(reg)})
		src := NewSource[int, string]("names")
		sink := NewSink("names", Instrument("names", Query[int, string](src)),
			func(*Context, *delta.ChangeSet[int, string], delta.View[int, string]) error { return nil })

		src.Set(1, "a")
		src.Set(2, "b")
		Expect(exec.Step(sink)).To(Succeed())
		src.Set(1, "c")
		Expect(exec.Step(sink)).To(Succeed())
		Expect(exec.Stop()).To(Succeed())

		Expect(testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP deltaview_changes_emitted_total Number of per-key changes emitted by an operator.
# TYPE deltaview_changes_emitted_total counter
deltaview_changes_emitted_total{operator="names"} 3
# HELP deltaview_generations_total Number of polling generations executed.
# TYPE deltaview_generations_total counter
deltaview_generations_total 2
`), "deltaview_changes_emitted_total", "deltaview_generations_total")).To(Succeed())
	})

	ginkgo.It("should log the errors of tasks on a standalone context", func() {
		var mu sync.Mutex
		var lines []string
		log := funcr.New(func(prefix, args string) {
			mu.Lock()
			defer mu.Unlock()
			lines = append(lines, args)
		}, funcr.Options{})

		ctx := NewContext(context.Background(), 1, log)
		ctx.Go(func(context.Context) error { return errors.New("encode failed") })
		Eventually(func() string {
			mu.Lock()
			defer mu.Unlock()
			return strings.Join(lines, "\n")
		}).Should(ContainSubstring("encode failed"))
	})

	ginkgo.It("should run async tasks on the worker pool", func() {
		exec := NewExecutor(context.Background(), Options{Logger: logger, WorkerPoolSize: 2})
		ctx := exec.Next()
		done := make(chan struct{})
		ctx.Go(func(context.Context) error {
			close(done)
			return nil
		})
		Eventually(done).Should(BeClosed())
		Expect(exec.Stop()).To(Succeed())
	})
})

var _ = ginkgo.Describe("Source sharing", func() {
	ginkgo.It("should panic when two consumers resolve it in one generation", func() {
		src := NewSource[int, string]("names")
		ctx := NewContext(context.Background(), 1, logger)
		src.Describe(ctx).Resolve()
		Expect(func() { src.Describe(ctx).Resolve() }).To(Panic())
	})

	ginkgo.It("should feed two consumers through a registry", func() {
		d := newDriver()
		reg := NewRegistry(logger, nil)
		src := NewSource[int, string]("names")
		build := func() Query[int, string] { return src }
		upper := Map(Query[int, string](Share(reg, TypeKey[string](), build)), func(_ int, v string) string { return v + "!" })
		lower := Filter(Query[int, string](Share(reg, TypeKey[string](), build)), func(_ int, v string) bool { return v != "" })
		mu, ml := newMirror[int, string](), newMirror[int, string]()

		src.Set(1, "a")
		ctx := d.next()
		cs, _ := upper.Describe(ctx).Resolve()
		mu.apply(cs)
		cs, _ = lower.Describe(ctx).Resolve()
		ml.apply(cs)
		Expect(mu.state).To(Equal(map[int]string{1: "a!"}))
		Expect(ml.state).To(Equal(map[int]string{1: "a"}))
	})
})
