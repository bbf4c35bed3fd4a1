package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sampling metrics
	ReadingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoilwatch_readings_total",
			Help: "Total number of readings processed",
		},
		[]string{"device_id", "state"}, // state: fresh, warning, spoiled, invalid
	)

	LatestRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spoilwatch_latest_ratio",
			Help: "Most recent Rs/Ro ratio per device",
		},
		[]string{"device_id"},
	)

	DeviceUnreachableTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoilwatch_device_unreachable_total",
			Help: "Total number of failed device polls",
		},
		[]string{"device_id"},
	)

	DeviceUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spoilwatch_device_up",
			Help: "1 if the last poll of the device succeeded",
		},
		[]string{"device_id"},
	)

	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spoilwatch_poll_duration_seconds",
			Help:    "Device poll latency in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"device_id"},
	)

	SkippedTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoilwatch_skipped_ticks_total",
			Help: "Device ticks skipped because work was already in flight",
		},
		[]string{"device_id", "reason"}, // reason: in_flight, locked
	)

	// Alert metrics
	AlertActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoilwatch_alert_actions_total",
			Help: "Alert engine decisions that changed or notified an alert",
		},
		[]string{"device_id", "action"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoilwatch_notifications_total",
			Help: "Voice notification attempts",
		},
		[]string{"status"}, // status: sent, failed
	)

	InconsistentStateTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spoilwatch_inconsistent_alert_state_total",
			Help: "Ticks aborted because persisted alert state was inconsistent",
		},
	)

	// Retention metrics
	RetentionDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoilwatch_retention_deleted_total",
			Help: "Rows removed by retention cleanup",
		},
		[]string{"table"},
	)

	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoilwatch_events_published_total",
			Help: "Alert events handed to the event bus",
		},
		[]string{"status"},
	)
)
