package logger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the logger. A nil *Metrics records nothing.
type Metrics struct {
	Entries           *prometheus.CounterVec
	TransportFailures *prometheus.CounterVec
	Dropped           prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Entries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "radioguard_log_entries_total",
			Help: "Total number of log entries accepted, by level",
		}, []string{"level"}),
		TransportFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "radioguard_log_transport_failures_total",
			Help: "Total number of failed transport writes and flushes",
		}, []string{"transport"}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "radioguard_log_dropped_total",
			Help: "Total number of entries discarded because the logger was closed",
		}),
	}
}

func (m *Metrics) entry(l Level) {
	if m == nil {
		return
	}
	m.Entries.WithLabelValues(l.String()).Inc()
}

func (m *Metrics) transportFailed(name string) {
	if m == nil {
		return
	}
	m.TransportFailures.WithLabelValues(name).Inc()
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.Dropped.Inc()
}
