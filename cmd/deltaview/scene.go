package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"

	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/l7mp/deltaview/pkg/allocator"
	"github.com/l7mp/deltaview/pkg/config"
	"github.com/l7mp/deltaview/pkg/delta"
	"github.com/l7mp/deltaview/pkg/metrics"
	"github.com/l7mp/deltaview/pkg/query"
	"github.com/l7mp/deltaview/pkg/streammap"
)

type entityID int
type meshID string

type mesh struct {
	Vertices uint32
}

// placement is a mesh at an offset of the vertex buffer.
type placement struct {
	id     meshID
	offset uint32
}

// registry keys of the shared computations
type (
	visibleNames struct{}
	meshOfKey    struct{}
	meshesKey    struct{}
)

// stats accumulates what the sinks observed.
type stats struct {
	labels, draws, passes, uploads, relocations, grows int
}

// scene is a synthetic scene database wired into a pipeline that derives the visible labels, the
// draw list, the render passes and the vertex buffer layout of the used meshes.
type scene struct {
	cfg *config.Config
	rng *rand.Rand
	log logr.Logger

	names   *query.Source[entityID, string]
	visible *query.Source[entityID, bool]
	meshOf  *query.Source[entityID, meshID]
	meshes  *query.Source[meshID, mesh]
	cameras *query.Source[string, float64]
	layers  *query.Source[int, string]

	registry *query.Registry
	vertices *allocator.Allocator[meshID]
	encoded  *lru.Cache[placement, string]
	sinks    []query.Runner
	nodes    []query.Node
	stats    stats
}

func newScene(cfg *config.Config, m *metrics.Metrics, log logr.Logger) (*scene, error) {
	seed := uint64(cfg.Seed)
	if seed == 0 {
		seed = 0x5eed
	}
	s := &scene{
		cfg:      cfg,
		rng:      rand.New(rand.NewPCG(seed, seed>>1)),
		log:      log.WithName("scene"),
		names:    query.NewSource[entityID, string]("names"),
		visible:  query.NewSource[entityID, bool]("visible"),
		meshOf:   query.NewSource[entityID, meshID]("mesh-of"),
		meshes:   query.NewSource[meshID, mesh]("meshes"),
		cameras:  query.NewSource[string, float64]("cameras"),
		layers:   query.NewSource[int, string]("layers"),
		registry: query.NewRegistry(log, m),
	}

	// a mesh moved back to an earlier offset is not encoded again
	encoded, err := lru.New[placement, string](2 * s.meshCount())
	if err != nil {
		return nil, fmt.Errorf("failed to create encoding cache: %w", err)
	}
	s.encoded = encoded

	shown := func() query.Query[entityID, string] {
		return query.Union(query.Query[entityID, string](s.names), query.Query[entityID, bool](s.visible),
			func(name string, hasName bool, vis bool, hasVis bool) (string, bool) {
				return name, hasName && hasVis && vis
			})
	}
	share := func() query.Query[entityID, string] {
		return query.Share(s.registry, query.TypeKey[visibleNames](), shown)
	}
	meshOf := func() query.Query[entityID, meshID] {
		return query.Share(s.registry, query.TypeKey[meshOfKey](),
			func() query.Query[entityID, meshID] { return s.meshOf })
	}
	meshes := func() query.Query[meshID, mesh] {
		return query.Share(s.registry, query.TypeKey[meshesKey](),
			func() query.Query[meshID, mesh] { return s.meshes })
	}

	// labels of the visible entities
	labels := query.NewSink("labels", query.Instrument("labels", share()),
		func(_ *query.Context, cs *delta.ChangeSet[entityID, string], _ delta.View[entityID, string]) error {
			s.stats.labels += cs.Len()
			return nil
		})

	// draw list: visible entities with the mesh they point to
	meshPerEntity := query.Fanout(meshes(), query.Index(meshOf()))
	draws := query.NewSink("draws", query.Instrument("draws", query.Intersect(share(), meshPerEntity)),
		func(_ *query.Context, cs *delta.ChangeSet[entityID, query.Pair[string, mesh]], _ delta.View[entityID, query.Pair[string, mesh]]) error {
			s.stats.draws += cs.Len()
			return nil
		})

	// vertex buffer layout of the meshes used by at least one visible entity
	present := query.Map(share(), func(entityID, string) struct{} { return struct{}{} })
	used := query.Reduce(present, meshOf())
	sizes := query.Union(used, meshes(),
		func(_ struct{}, isUsed bool, m mesh, hasMesh bool) (uint32, bool) {
			return m.Vertices, isUsed && hasMesh
		})
	vertices, err := allocator.New(query.Instrument("sizes", sizes), allocator.Options[meshID]{
		Name:            "vertices",
		InitialCapacity: cfg.Allocator.InitialCapacity,
		MaxCapacity:     cfg.Allocator.MaxCapacity,
		OnRelocate:      func(meshID, uint32) { s.stats.relocations++ },
		OnGrow: func(capacity uint32) {
			s.stats.grows++
			s.log.V(1).Info("vertex buffer grown", "capacity", capacity)
		},
		Metrics: m,
		Logger:  log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create vertex allocator: %w", err)
	}
	s.vertices = vertices

	// one upload task per placed mesh, restarted when the mesh moves
	uploads := query.NewSink("uploads", streammap.Spawn(query.Query[meshID, uint32](vertices),
		func(id meshID, offset uint32) streammap.SubComputation[string] {
			return streammap.NewTask(func(ctx context.Context) (string, error) {
				return s.encode(ctx, placement{id: id, offset: offset})
			})
		}, streammap.Options{Name: "uploads", Metrics: m, Logger: log}),
		func(_ *query.Context, cs *delta.ChangeSet[meshID, string], _ delta.View[meshID, string]) error {
			s.stats.uploads += cs.Len()
			return nil
		})

	// render passes: every camera renders every layer
	passes := query.NewSink("passes", query.CrossJoin(query.Query[string, float64](s.cameras), query.Query[int, string](s.layers)),
		func(_ *query.Context, cs *delta.ChangeSet[query.Pair[string, int], query.Pair[float64, string]], _ delta.View[query.Pair[string, int], query.Pair[float64, string]]) error {
			s.stats.passes += cs.Len()
			return nil
		})

	s.sinks = []query.Runner{labels, draws, uploads, passes}
	s.nodes = []query.Node{labels, draws, uploads, passes}
	return s, nil
}

func (s *scene) meshCount() int { return max(1, s.cfg.Entities/10) }

func meshName(i int) meshID { return meshID(fmt.Sprintf("mesh-%d", i)) }

// populate creates the initial scene.
func (s *scene) populate() {
	for i := 0; i < s.meshCount(); i++ {
		s.meshes.Set(meshName(i), mesh{Vertices: 8 + uint32(s.rng.IntN(56))})
	}
	for i := 0; i < s.cfg.Entities; i++ {
		e := entityID(i)
		s.names.Set(e, fmt.Sprintf("entity-%d", i))
		s.visible.Set(e, i%3 != 0)
		s.meshOf.Set(e, meshName(i%s.meshCount()))
	}
	s.cameras.Set("main", 1.0)
	s.cameras.Set("shadow", 0.5)
	s.layers.Set(0, "opaque")
	s.layers.Set(1, "transparent")
	s.layers.Set(2, "overlay")
}

// mutate applies random churn to the scene.
func (s *scene) mutate() {
	if s.cfg.Entities == 0 {
		return
	}
	n := max(1, s.cfg.Entities*s.cfg.ChurnPercent/100)
	for i := 0; i < n; i++ {
		e := entityID(s.rng.IntN(s.cfg.Entities))
		switch s.rng.IntN(5) {
		case 0:
			vis, _ := s.visible.Get(e)
			s.visible.Set(e, !vis)
		case 1:
			s.names.Set(e, fmt.Sprintf("entity-%d-%d", e, s.rng.IntN(1000)))
		case 2:
			s.meshOf.Set(e, meshName(s.rng.IntN(s.meshCount())))
		case 3:
			s.meshes.Set(meshName(s.rng.IntN(s.meshCount())), mesh{Vertices: 8 + uint32(s.rng.IntN(120))})
		default:
			if _, ok := s.names.Get(e); ok {
				s.names.Remove(e)
			} else {
				s.names.Set(e, fmt.Sprintf("entity-%d", e))
			}
		}
	}
	if s.rng.IntN(25) == 0 {
		if _, ok := s.cameras.Get("debug"); ok {
			s.cameras.Remove("debug")
		} else {
			s.cameras.Set("debug", 0.25)
		}
	}
}

// shrink releases the unused storage of every pipeline.
func (s *scene) shrink() {
	for _, r := range s.sinks {
		if q, ok := r.(interface{ Request(query.Request) }); ok {
			q.Request(query.RequestShrinkToFit)
		}
	}
}

// encode stands in for encoding the vertex data of a mesh into the buffer. It runs on the worker
// pool.
func (s *scene) encode(ctx context.Context, p placement) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if v, ok := s.encoded.Get(p); ok {
		return v, nil
	}
	h := fnv.New32a()
	fmt.Fprintf(h, "%s@%d", p.id, p.offset)
	v := fmt.Sprintf("%s@%d#%08x", p.id, p.offset, h.Sum32())
	s.encoded.Add(p, v)
	return v, nil
}
