package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"radioguard/internal/platform/logger"
	"radioguard/pkg/platform/cache"
	"radioguard/pkg/platform/circuit"
	"radioguard/pkg/platform/queue"
)

// Metrics holds the process registry and every component's collectors.
type Metrics struct {
	Registry *prometheus.Registry

	Breakers *circuit.Metrics
	Queues   *queue.Metrics
	Cache    *cache.Metrics
	Logger   *logger.Metrics

	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
}

// New creates a fresh registry with Go runtime and process collectors plus
// the component metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Breakers: circuit.NewMetrics(reg),
		Queues:   queue.NewMetrics(reg),
		Cache:    cache.NewMetrics(reg),
		Logger:   logger.NewMetrics(reg),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "radioguard_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "radioguard_http_requests_total",
			Help: "Total number of HTTP requests by route and status code",
		}, []string{"route", "method", "status"}),
	}
}

// ObserveRequest records one served request.
func (m *Metrics) ObserveRequest(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(route, method).Observe(d.Seconds())
	m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
