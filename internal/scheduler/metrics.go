package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts scheduler activity.
type Metrics struct {
	CyclesTotal *prometheus.CounterVec
	PairsTotal  *prometheus.CounterVec
}

// NewMetrics builds the scheduler metric set and registers it on reg
// when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "scheduler",
			Name:      "cycles_total",
			Help:      "Cleanup cycles attempted by this node, by result.",
		}, []string{"result"}),
		PairsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "scheduler",
			Name:      "pairs_total",
			Help:      "Task and tenant pairs processed, by task and result.",
		}, []string{"task", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.CyclesTotal, m.PairsTotal)
	}
	return m
}
