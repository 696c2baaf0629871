package inventory

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Mutation outcomes reported to Prometheus.
const (
	OutcomeApplied      = "applied"
	OutcomeDuplicate    = "duplicate"
	OutcomeInsufficient = "insufficient_stock"
	OutcomeContention   = "contention"
	OutcomeInvalid      = "invalid"
	OutcomeError        = "error"
)

// Metrics exposes Prometheus collectors for the mutation coordinator.
type Metrics struct {
	mutations *prometheus.CounterVec
	lockWait  prometheus.Histogram
}

// NewMetrics registers the coordinator metrics against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	mutations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_mutations_total",
		Help: "Stock mutation attempts partitioned by movement type and outcome.",
	}, []string{"type", "outcome"})
	lockWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stockledger_lock_wait_seconds",
		Help:    "Time spent waiting for a stock position lock.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})
	registerer.MustRegister(mutations, lockWait)
	return &Metrics{mutations: mutations, lockWait: lockWait}
}

func (m *Metrics) observeMutation(t MovementType, outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(string(t), outcome).Inc()
}

func (m *Metrics) observeLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}
