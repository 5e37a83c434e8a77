// Package metrics exposes Prometheus collectors for the incremental collection engine. All methods
// are safe to call on a nil *Metrics, in which case they do nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "deltaview"

// Metrics holds the collectors of one engine instance.
type Metrics struct {
	generations        prometheus.Counter
	changes            *prometheus.CounterVec
	allocatorCapacity  *prometheus.GaugeVec
	allocatorExhausted *prometheus.CounterVec
	relocations        *prometheus.CounterVec
	forks              *prometheus.GaugeVec
	streams            *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. If reg is nil the collectors are
// created but not registered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		generations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Number of polling generations executed.",
		}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_emitted_total",
			Help:      "Number of per-key changes emitted by an operator.",
		}, []string{"operator"}),
		allocatorCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "allocator_capacity",
			Help:      "Current capacity of a reactive allocator.",
		}, []string{"allocator"}),
		allocatorExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocator_exhausted_total",
			Help:      "Number of allocation requests that could not be served at maximum capacity.",
		}, []string{"allocator"}),
		relocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocator_relocations_total",
			Help:      "Number of allocations moved by a growth event.",
		}, []string{"allocator"}),
		forks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "forks",
			Help:      "Number of live forks of a shared computation.",
		}, []string{"shared"}),
		streams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams",
			Help:      "Number of sub-computations in a stream map.",
		}, []string{"streammap"}),
	}

	if reg != nil {
		reg.MustRegister(m.generations, m.changes, m.allocatorCapacity, m.allocatorExhausted,
			m.relocations, m.forks, m.streams)
	}

	return m
}

// Generation counts a finished polling generation.
func (m *Metrics) Generation() {
	if m == nil {
		return
	}
	m.generations.Inc()
}

// Changes counts the changes emitted by an operator in one generation.
func (m *Metrics) Changes(operator string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.changes.WithLabelValues(operator).Add(float64(n))
}

// AllocatorCapacity records the capacity of an allocator.
func (m *Metrics) AllocatorCapacity(allocator string, capacity uint32) {
	if m == nil {
		return
	}
	m.allocatorCapacity.WithLabelValues(allocator).Set(float64(capacity))
}

// AllocatorExhausted counts a failed allocation.
func (m *Metrics) AllocatorExhausted(allocator string) {
	if m == nil {
		return
	}
	m.allocatorExhausted.WithLabelValues(allocator).Inc()
}

// Relocations counts allocations moved by a growth event.
func (m *Metrics) Relocations(allocator string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.relocations.WithLabelValues(allocator).Add(float64(n))
}

// Forks records the number of live forks of a shared computation.
func (m *Metrics) Forks(shared string, n int) {
	if m == nil {
		return
	}
	m.forks.WithLabelValues(shared).Set(float64(n))
}

// Streams records the number of sub-computations in a stream map.
func (m *Metrics) Streams(streamMap string, n int) {
	if m == nil {
		return
	}
	m.streams.WithLabelValues(streamMap).Set(float64(n))
}
