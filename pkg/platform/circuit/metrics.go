package circuit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics shared by every breaker in a process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	State       *prometheus.GaugeVec
	Transitions *prometheus.CounterVec
	Rejected    *prometheus.CounterVec
}

// NewMetrics creates breaker metrics registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		State: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "radioguard_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"breaker"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "radioguard_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions by target state",
		}, []string{"breaker", "state"}),
		Rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "radioguard_circuit_breaker_rejected_total",
			Help: "Total number of calls rejected because the circuit was open",
		}, []string{"breaker"}),
	}
}

func (m *Metrics) setState(name string, s State) {
	if m == nil {
		return
	}
	m.State.WithLabelValues(name).Set(float64(s))
}

func (m *Metrics) incTransition(name string, to State) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(name, to.String()).Inc()
}

func (m *Metrics) incRejected(name string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(name).Inc()
}
