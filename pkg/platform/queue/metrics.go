package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for request queues. A nil *Metrics records nothing.
type Metrics struct {
	Depth    *prometheus.GaugeVec
	Running  *prometheus.GaugeVec
	Limit    *prometheus.GaugeVec
	Admitted *prometheus.CounterVec
	WaitTime *prometheus.HistogramVec
}

// NewMetrics creates queue metrics registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Depth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "radioguard_request_queue_depth",
			Help: "Number of calls waiting for admission",
		}, []string{"queue"}),
		Running: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "radioguard_request_queue_running",
			Help: "Number of admitted calls currently executing",
		}, []string{"queue"}),
		Limit: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "radioguard_request_queue_concurrency_limit",
			Help: "Concurrency bound currently in force, after adaptive backpressure",
		}, []string{"queue"}),
		Admitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "radioguard_request_queue_admitted_total",
			Help: "Total number of calls admitted",
		}, []string{"queue"}),
		WaitTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "radioguard_request_queue_wait_seconds",
			Help:    "Time calls spent pending before admission",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"queue"}),
	}
}

func (m *Metrics) setDepth(name string, n int) {
	if m == nil {
		return
	}
	m.Depth.WithLabelValues(name).Set(float64(n))
}

func (m *Metrics) setRunning(name string, n int) {
	if m == nil {
		return
	}
	m.Running.WithLabelValues(name).Set(float64(n))
}

func (m *Metrics) setLimit(name string, n int) {
	if m == nil {
		return
	}
	m.Limit.WithLabelValues(name).Set(float64(n))
}

func (m *Metrics) observeAdmission(name string, wait time.Duration) {
	if m == nil {
		return
	}
	m.Admitted.WithLabelValues(name).Inc()
	m.WaitTime.WithLabelValues(name).Observe(wait.Seconds())
}
