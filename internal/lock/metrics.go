package lock

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes lease activity counters.
type Metrics struct {
	AcquireTotal *prometheus.CounterVec // result=acquired|contended|unavailable|error
	ReleaseTotal *prometheus.CounterVec // result=released|exhausted|error
	RefreshTotal *prometheus.CounterVec // result=extended|lost|unavailable
	Held         prometheus.Gauge
}

// NewMetrics builds and registers the lock metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AcquireTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "lock",
			Name:      "acquire_total",
			Help:      "Lease acquisition attempts by result",
		}, []string{"result"}),
		ReleaseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "lock",
			Name:      "release_total",
			Help:      "Lease release attempts by result",
		}, []string{"result"}),
		RefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "lock",
			Name:      "refresh_total",
			Help:      "Lease refresh attempts by result",
		}, []string{"result"}),
		Held: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetd",
			Subsystem: "lock",
			Name:      "held",
			Help:      "Leases this node currently believes it owns",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.AcquireTotal, m.ReleaseTotal, m.RefreshTotal, m.Held)
	}
	return m
}
