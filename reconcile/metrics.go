package reconcile

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeApplied   = "applied"
	outcomeAbsent    = "absent"
	outcomeNoop      = "noop"
	outcomeProcessed = "processed"
	outcomeRejected  = "rejected"
)

type Metrics struct {
	resources *prometheus.CounterVec
	batches   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		resources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "partial_sync",
			Name:      "resources_total",
			Help:      "Resources seen in change notifications, by outcome.",
		}, []string{"resource", "outcome"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "partial_sync",
			Name:      "batches_total",
			Help:      "Change notifications processed, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.resources, m.batches)
	return m
}

func (m *Metrics) resource(name, outcome string) {
	if m == nil {
		return
	}
	m.resources.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) batch(outcome string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(outcome).Inc()
}
