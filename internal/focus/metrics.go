package focus

import "github.com/prometheus/client_golang/prometheus"

var (
	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shoten_focus_steps_total",
			Help: "Lens step commands issued",
		},
		[]string{"direction", "magnitude"},
	)
	stepFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shoten_focus_step_failures_total",
			Help: "Lens step commands rejected by the device",
		},
	)
	plansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shoten_focus_plans_total",
			Help: "Focus targets planned",
		},
	)
	calibrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shoten_focus_calibrations_total",
			Help: "Completed drive-to-minimum calibrations",
		},
	)
	calibrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shoten_focus_calibration_duration_seconds",
			Help:    "Wall-clock duration of drive-to-minimum calibrations",
			Buckets: []float64{0.5, 1, 2, 3, 4, 5, 8},
		},
	)
	positionGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shoten_focus_position_ticks",
			Help: "Estimated lens position",
		},
	)
	targetGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shoten_focus_target_ticks",
			Help: "Planned lens position",
		},
	)
	reliableGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shoten_focus_estimate_reliable",
			Help: "Whether the position estimate is trusted (1) or desynchronized by a failed step (0)",
		},
	)
)

// MetricsCollectors returns collectors for the focus controller.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		stepsTotal,
		stepFailures,
		plansTotal,
		calibrationsTotal,
		calibrationDuration,
		positionGauge,
		targetGauge,
		reliableGauge,
	}
}
