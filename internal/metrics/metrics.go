package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP API
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_dispatch_http_requests_total",
			Help: "Total number of HTTP API requests processed",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alert_dispatch_http_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Delivery
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_dispatch_notifications_total",
			Help: "Notification attempts by channel type, notification type and outcome",
		},
		[]string{"channel_type", "notification_type", "outcome"}, // outcome: success or a failure kind
	)

	NotificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alert_dispatch_notification_duration_seconds",
			Help:    "Time spent delivering one notification",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel_type"},
	)

	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_dispatch_rate_limited_total",
			Help: "Notification attempts refused by a channel rate limit",
		},
		[]string{"channel"},
	)

	SuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_dispatch_suppressed_total",
			Help: "Dispatches suppressed by a maintenance window or silence",
		},
		[]string{"reason"}, // maintenance_window, silence
	)

	// Alert lifecycle
	AlertsFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_dispatch_alerts_fired_total",
			Help: "New alerts fired by severity",
		},
		[]string{"severity"},
	)

	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_dispatch_escalations_total",
			Help: "Escalation tier advances",
		},
		[]string{"tier"},
	)

	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_dispatch_events_published_total",
			Help: "Lifecycle events published to the message stream",
		},
		[]string{"subject", "status"},
	)

	// Current state, refreshed by the stats collector
	ActiveAlerts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alert_dispatch_active_alerts",
		Help: "Unresolved alerts",
	})

	CriticalAlerts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alert_dispatch_critical_alerts",
		Help: "Unresolved CRITICAL alerts",
	})

	UnacknowledgedAlerts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alert_dispatch_unacknowledged_alerts",
		Help: "Unresolved alerts nobody has acknowledged",
	})

	ResolvedAlerts24h = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alert_dispatch_resolved_alerts_24h",
		Help: "Alerts resolved in the last 24 hours",
	})

	ActiveSilences = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alert_dispatch_active_silences",
		Help: "Silences currently in effect",
	})

	ActiveMaintenanceWindows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alert_dispatch_active_maintenance_windows",
		Help: "Maintenance windows currently in effect",
	})

	// Host resources, sampled by the resource monitor
	HostCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alert_dispatch_host_cpu_percent",
		Help: "Host CPU usage in percent",
	})

	HostMemoryPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alert_dispatch_host_memory_percent",
		Help: "Host memory usage in percent",
	})

	// Scheduled jobs
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_dispatch_job_runs_total",
			Help: "Scheduled job runs by job and status",
		},
		[]string{"job", "status"},
	)
)
