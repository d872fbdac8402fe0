package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsTotal tracks the total number of job events recorded
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crabd_events_total",
			Help: "Total number of job events recorded",
		},
		[]string{"kind"},
	)

	// AlertsTotal tracks the total number of alerts successfully dispatched
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crabd_alerts_total",
			Help: "Total number of alerts successfully dispatched",
		},
		[]string{"transport", "state"},
	)

	// AlertsFailedTotal tracks the total number of alerts that failed to dispatch
	AlertsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crabd_alerts_failed_total",
			Help: "Total number of alerts that failed all dispatch attempts",
		},
		[]string{"transport", "state"},
	)

	// AlertsDroppedTotal tracks status deltas dropped under backpressure
	AlertsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crabd_alerts_dropped_total",
			Help: "Total number of status deltas dropped under backpressure",
		},
	)

	// JobsByState tracks the number of jobs currently in each derived state
	JobsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crabd_jobs_by_state",
			Help: "Number of jobs currently in each derived state",
		},
		[]string{"state"},
	)

	// MonitorTickSeconds tracks the duration of monitor evaluation passes
	MonitorTickSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crabd_monitor_tick_seconds",
			Help:    "Duration of monitor evaluation passes",
			Buckets: prometheus.DefBuckets,
		},
	)

	// EventsPrunedTotal tracks events removed by the retention pruner
	EventsPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crabd_events_pruned_total",
			Help: "Total number of events removed by the retention pruner",
		},
	)
)

// RecordEvent records a job event metric
func RecordEvent(kind string) {
	EventsTotal.WithLabelValues(kind).Inc()
}

// RecordAlert records a successful alert dispatch metric
func RecordAlert(transport, state string) {
	AlertsTotal.WithLabelValues(transport, state).Inc()
}

// RecordAlertFailed records a failed alert dispatch metric
func RecordAlertFailed(transport, state string) {
	AlertsFailedTotal.WithLabelValues(transport, state).Inc()
}

// RecordDropped records a status delta dropped under backpressure
func RecordDropped() {
	AlertsDroppedTotal.Inc()
}

// UpdateJobsByState replaces the per-state job counts
func UpdateJobsByState(counts map[string]int) {
	JobsByState.Reset()
	for state, n := range counts {
		JobsByState.WithLabelValues(state).Set(float64(n))
	}
}

// ObserveTick records the duration of one monitor pass
func ObserveTick(seconds float64) {
	MonitorTickSeconds.Observe(seconds)
}

// RecordPruned records events removed by the retention pruner
func RecordPruned(n int64) {
	EventsPrunedTotal.Add(float64(n))
}
