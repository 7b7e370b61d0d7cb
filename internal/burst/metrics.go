package burst

import "github.com/prometheus/client_golang/prometheus"

var (
	armsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shoten_burst_arms_total",
			Help: "Burst plans armed",
		},
	)
	capturesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shoten_burst_captures_total",
			Help: "Capture requests issued by the burst scheduler",
		},
	)
	captureFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shoten_burst_capture_failures_total",
			Help: "Capture requests rejected by the device",
		},
	)
	stalledPlans = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shoten_burst_stall_warnings_total",
			Help: "Warnings emitted while a burst plan makes no progress",
		},
	)
	takenGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shoten_burst_taken",
			Help: "Captures taken in the current plan",
		},
	)
	targetGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shoten_burst_target",
			Help: "Captures requested by the current plan",
		},
	)
)

// MetricsCollectors returns collectors for the burst scheduler.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		armsTotal,
		capturesTotal,
		captureFailures,
		stalledPlans,
		takenGauge,
		targetGauge,
	}
}
