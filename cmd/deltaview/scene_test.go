package main

import (
	"bytes"
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/l7mp/deltaview/pkg/allocator"
	"github.com/l7mp/deltaview/pkg/config"
	"github.com/l7mp/deltaview/pkg/metrics"
	"github.com/l7mp/deltaview/pkg/query"
	"github.com/l7mp/deltaview/pkg/visualize"
)

var _ = Describe("Scene", func() {
	var cfg *config.Config

	BeforeEach(func() {
		cfg = config.Default()
		cfg.Entities = 50
		cfg.ChurnPercent = 20
		cfg.Seed = 7
		cfg.Allocator.InitialCapacity = 16
		cfg.Allocator.MaxCapacity = 1 << 16
	})

	It("should keep the vertex layout consistent under churn", func() {
		s, err := newScene(cfg, metrics.New(prometheus.NewRegistry()), logger)
		Expect(err).NotTo(HaveOccurred())
		exec := query.NewExecutor(context.Background(), query.Options{Logger: logger})

		s.populate()
		for g := 0; g < 30; g++ {
			if g > 0 {
				s.mutate()
			}
			Expect(exec.Step(s.sinks...)).To(Succeed())
			if g%10 == 9 {
				s.shrink()
			}

			regions := []allocator.Region{}
			for i := 0; i < s.meshCount(); i++ {
				r, err := s.vertices.Region(meshName(i))
				if err != nil {
					Expect(err).To(MatchError(allocator.ErrNotAllocated))
					continue
				}
				Expect(r.End()).To(BeNumerically("<=", s.vertices.Capacity()))
				for _, o := range regions {
					Expect(r.Overlaps(o)).To(BeFalse(), "%s overlaps %s", r, o)
				}
				regions = append(regions, r)
			}
		}
		Expect(exec.Stop()).To(Succeed())

		Expect(s.vertices.Exhausted()).To(BeEmpty())
		Expect(s.vertices.Used()).To(BeNumerically(">", 0))
		Expect(s.stats.grows).To(BeNumerically(">", 0))
		Expect(s.stats.relocations).To(BeNumerically(">", 0))
		Expect(s.stats.labels).To(BeNumerically(">", 0))
		Expect(s.stats.passes).To(BeNumerically(">=", 6))
		Expect(s.registry.Len()).To(Equal(3))
		Expect(s.encoded.Len()).To(BeNumerically(">", 0))
	})

	It("should render the operator graph", func() {
		s, err := newScene(cfg, nil, logger)
		Expect(err).NotTo(HaveOccurred())
		g := visualize.BuildGraph("scene", s.nodes...)
		Expect(g.Sources()).To(HaveLen(6))

		cmd := newRootCommand()
		out := &bytes.Buffer{}
		cmd.SetOut(out)
		cmd.SetArgs([]string{"graph", "--format", "mermaid", "--entities", "20"})
		Expect(cmd.Execute()).To(Succeed())
		Expect(out.String()).To(ContainSubstring("flowchart"))
	})
})
