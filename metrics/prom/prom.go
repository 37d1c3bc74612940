// Package prom exports memocache signals as Prometheus metrics.
package prom

import (
	"time"

	"github.com/IvanBrykalov/memocache/cache"
	"github.com/prometheus/client_golang/prometheus"
)

// Adapter implements cache.Metrics and exports Prometheus counters/gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits     *prometheus.CounterVec
	misses   prometheus.Counter
	computes *prometheus.CounterVec
	latency  prometheus.Histogram
	skipped  prometheus.Counter
	cleanups *prometheus.CounterVec
	size     *prometheus.GaugeVec
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
		hits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "hits_total",
				Help:        "Cache hits by tier",
				ConstLabels: constLabels,
			},
			[]string{"tier"},
		),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "misses_total",
			Help:        "Cache misses",
			ConstLabels: constLabels,
		}),
		computes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "computations_total",
				Help:        "Computation invocations by result",
				ConstLabels: constLabels,
			},
			[]string{"result"},
		),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "compute_duration_seconds",
			Help:        "Duration of computation invocations",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "skipped_total",
			Help:        "Failed entries dropped by cleanup passes",
			ConstLabels: constLabels,
		}),
		cleanups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "cleanups_total",
				Help:        "Cleanup passes by kind",
				ConstLabels: constLabels,
			},
			[]string{"kind"},
		),
		size: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "size_entries",
				Help:        "Number of entries per tier",
				ConstLabels: constLabels,
			},
			[]string{"tier"},
		),
	}
	reg.MustRegister(a.hits, a.misses, a.computes, a.latency, a.skipped, a.cleanups, a.size)
	return a
}

// Hit increments the hit counter of the serving tier.
func (a *Adapter) Hit(t cache.Tier) { a.hits.WithLabelValues(t.String()).Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Compute records one computation invocation.
func (a *Adapter) Compute(d time.Duration, err error) {
	a.computes.WithLabelValues(result(err)).Inc()
	a.latency.Observe(d.Seconds())
}

// Skip increments the skipped-entry counter.
func (a *Adapter) Skip() { a.skipped.Inc() }

// Cleanup increments the pass counter with a kind label.
func (a *Adapter) Cleanup(k cache.CleanupKind) {
	a.cleanups.WithLabelValues(k.String()).Inc()
}

// Size updates the per-tier gauges.
func (a *Adapter) Size(hot, warm, cold int) {
	a.size.WithLabelValues(cache.TierHot.String()).Set(float64(hot))
	a.size.WithLabelValues(cache.TierWarm.String()).Set(float64(warm))
	a.size.WithLabelValues(cache.TierCold.String()).Set(float64(cold))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Compile-time check: ensure Adapter implements cache.Metrics.
var _ cache.Metrics = (*Adapter)(nil)
