package errorgate

import "github.com/prometheus/client_golang/prometheus"

var (
	reportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shoten_error_reports_total",
			Help: "Error reports received by the gate",
		},
		[]string{"severity"},
	)
	suppressedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shoten_error_reports_suppressed_total",
			Help: "Error reports counted but not presented",
		},
	)
	activeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shoten_error_reports_active",
			Help: "Error reports currently being presented",
		},
	)
	lockdownGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shoten_lockdown",
			Help: "Lockdown state (1=locked, 0=enabled)",
		},
	)
)

// MetricsCollectors returns collectors for the error gate.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		reportsTotal,
		suppressedTotal,
		activeGauge,
		lockdownGauge,
	}
}
