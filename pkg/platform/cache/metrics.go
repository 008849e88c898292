package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for caches. A nil *Metrics records nothing.
type Metrics struct {
	Hits      *prometheus.CounterVec
	Misses    *prometheus.CounterVec
	Evictions *prometheus.CounterVec
	Entries   *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Hits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "radioguard_cache_hits_total",
			Help: "Total number of cache lookups that found a live entry",
		}, []string{"cache"}),
		Misses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "radioguard_cache_misses_total",
			Help: "Total number of cache lookups that found nothing",
		}, []string{"cache"}),
		Evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "radioguard_cache_evictions_total",
			Help: "Total number of entries removed because they expired",
		}, []string{"cache"}),
		Entries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "radioguard_cache_entries",
			Help: "Number of entries held by an in-memory cache",
		}, []string{"cache"}),
	}
}

func (m *Metrics) lookup(name string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.Hits.WithLabelValues(name).Inc()
		return
	}
	m.Misses.WithLabelValues(name).Inc()
}

func (m *Metrics) evicted(name string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Evictions.WithLabelValues(name).Add(float64(n))
}

func (m *Metrics) setEntries(name string, n int) {
	if m == nil {
		return
	}
	m.Entries.WithLabelValues(name).Set(float64(n))
}
