package marshal

import "github.com/prometheus/client_golang/prometheus"

var (
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shoten_loop_queue_depth",
			Help: "Thunks waiting to run on a loop",
		},
		[]string{"loop"},
	)
	panicsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shoten_loop_panics_total",
			Help: "Panics recovered on a loop",
		},
		[]string{"loop"},
	)
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shoten_device_events_total",
			Help: "Device callbacks received, by kind",
		},
		[]string{"kind"},
	)
	progressDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shoten_progress_updates_dropped_total",
			Help: "Progress updates superseded before delivery",
		},
	)
	decodeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shoten_live_view_decode_failures_total",
			Help: "Live view frames that failed to decode",
		},
	)
)

// MetricsCollectors returns collectors for the event marshaling layer.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		queueDepth,
		panicsTotal,
		eventsTotal,
		progressDropped,
		decodeFailures,
	}
}
