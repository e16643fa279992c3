// Package prom adapts genstore.Metrics to Prometheus counters and gauges,
// so genstore.Store/readthrough.ReadThroughGenerational/partitioned.Store
// can be wired straight into a /metrics endpoint.
package prom

import (
	"github.com/localcache/genstore/genstore"
	"github.com/prometheus/client_golang/prometheus"
)

// Adapter implements genstore.Metrics and exports Prometheus
// counters/gauges. Safe for concurrent use; all Prometheus metric types
// are goroutine-safe.
type Adapter struct {
	hits       prometheus.Counter
	misses     prometheus.Counter
	promotions prometheus.Counter
	invalidate prometheus.Counter
	evicts     *prometheus.CounterVec
	sizeGen0   prometheus.Gauge
	sizeGen1   prometheus.Gauge
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "hits_total",
			Help:        "Gen0/Gen1 lookup hits",
			ConstLabels: constLabels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "misses_total",
			Help:        "Lookups that found neither generation",
			ConstLabels: constLabels,
		}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "promotions_total",
			Help:        "Gen1 hits promoted into Gen0",
			ConstLabels: constLabels,
		}),
		invalidate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "invalidations_total",
			Help:        "Explicit Invalidate/InvalidateMany removals",
			ConstLabels: constLabels,
		}),
		evicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "evictions_total",
				Help:        "Entries dropped by collection or Clear, by reason",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		sizeGen0: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "gen0_entries",
			Help:        "Current Gen0 (young) entry count",
			ConstLabels: constLabels,
		}),
		sizeGen1: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "gen1_entries",
			Help:        "Current Gen1 (old) entry count",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.hits, a.misses, a.promotions, a.invalidate, a.evicts, a.sizeGen0, a.sizeGen1)
	return a
}

func (a *Adapter) Hit()        { a.hits.Inc() }
func (a *Adapter) Miss()       { a.misses.Inc() }
func (a *Adapter) Promote()    { a.promotions.Inc() }
func (a *Adapter) Invalidate() { a.invalidate.Inc() }

// Evict increments the eviction counter with a reason label and count.
func (a *Adapter) Evict(r genstore.EvictReason, count int) {
	a.evicts.WithLabelValues(reason(r)).Add(float64(count))
}

// Size updates the Gen0/Gen1 entry gauges.
func (a *Adapter) Size(gen0, gen1 int) {
	a.sizeGen0.Set(float64(gen0))
	a.sizeGen1.Set(float64(gen1))
}

func reason(r genstore.EvictReason) string {
	switch r {
	case genstore.EvictClear:
		return "clear"
	default:
		return "collection"
	}
}

// Compile-time check: ensure Adapter implements genstore.Metrics.
var _ genstore.Metrics = (*Adapter)(nil)
