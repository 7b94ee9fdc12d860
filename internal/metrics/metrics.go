// Package metrics provides Prometheus metrics for medalarmd.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "medalarmd"
)

// HTTP metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)
)

// Scheduling metrics
var (
	// AlarmsCreatedTotal counts definitions accepted by the orchestrator.
	AlarmsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "alarms_created_total",
			Help:      "Total alarm definitions created",
		},
	)

	// DuplicatesRejectedTotal counts create attempts stopped by the duplicate probe.
	DuplicatesRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "duplicates_rejected_total",
			Help:      "Create attempts rejected as duplicates",
		},
	)

	// WakeupsArmedTotal counts wake-ups handed to the waker.
	WakeupsArmedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "wakeups_armed_total",
			Help:      "Total wake-ups armed",
		},
	)

	// WakeupsFiredTotal counts wake-ups that elapsed and reached the fire path.
	WakeupsFiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "wakeups_fired_total",
			Help:      "Total wake-ups fired",
		},
	)

	// StatusUpdatesTotal counts history status writes by outcome.
	StatusUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "status_updates_total",
			Help:      "History status updates",
		},
		[]string{"status"}, // TAKEN, SKIPPED, NOT_ACTION
	)

	// RescheduleRunsTotal counts batch re-arm sweeps by result.
	RescheduleRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "reschedule_runs_total",
			Help:      "Batch re-arm sweeps",
		},
		[]string{"result"}, // ok, partial, failed
	)

	// DeferredTotal counts one-minute deferred overrides.
	DeferredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "deferred_total",
			Help:      "One-minute deferred fire overrides armed",
		},
	)

	// SplitsTotal counts split-edit operations by variant.
	SplitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "splits_total",
			Help:      "Split-edit operations",
		},
		[]string{"variant"}, // daily, alternating
	)
)

// Maintenance metrics
var (
	// HistoryPrunedTotal counts history rows removed by retention pruning.
	HistoryPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "history_pruned_total",
			Help:      "History rows removed by retention pruning",
		},
	)
)

// Notifier metrics
var (
	// NotificationsSentTotal counts delivered notifications by channel.
	NotificationsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "sent_total",
			Help:      "Notifications delivered",
		},
		[]string{"channel"},
	)

	// NotificationErrors counts delivery failures by channel.
	NotificationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "errors_total",
			Help:      "Notification delivery failures",
		},
		[]string{"channel"},
	)

	// NotificationsDroppedTotal counts bus events dropped by backpressure.
	NotificationsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "dropped_total",
			Help:      "Bus events dropped before delivery",
		},
	)
)

// Info metric
var (
	// BuildInfo exposes build information.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_time"},
	)
)

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, commit, buildTime string) {
	BuildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}
