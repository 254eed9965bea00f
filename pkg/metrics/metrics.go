package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selftest_connections_total",
			Help: "Total number of connections accepted",
		},
		[]string{"protocol", "tls_style"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "selftest_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "selftest_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	ImplicitTLSBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selftest_implicit_tls_blocked_total",
			Help: "Connections to implicit TLS ports refused because a downgrade scenario was active",
		},
		[]string{"protocol"},
	)
)

// Protocol decision points
var (
	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selftest_auth_attempts_total",
			Help: "Credentials received, split by whether TLS was active",
		},
		[]string{"protocol", "tls"},
	)

	StartTLSTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selftest_starttls_total",
			Help: "STARTTLS commands by outcome",
		},
		[]string{"protocol", "result"},
	)

	DisruptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selftest_disruptions_total",
			Help: "Connections deliberately disrupted by a scenario",
		},
		[]string{"protocol", "scenario"},
	)

	ScenarioConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selftest_scenario_connections_total",
			Help: "Connections served per scenario and mode source",
		},
		[]string{"protocol", "scenario", "source"},
	)
)

// Event log
var (
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selftest_events_total",
			Help: "Events appended to the event log",
		},
		[]string{"kind"},
	)

	EventAppendErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "selftest_event_append_errors_total",
			Help: "Events that could not be appended",
		},
	)

	MirrorDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "selftest_event_mirror_dropped_total",
			Help: "Events dropped because the mirror queue was full",
		},
	)
)

// Control plane
var (
	ModeAssignmentsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "selftest_mode_assignments_current",
			Help: "Live scenario overrides",
		},
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selftest_api_requests_total",
			Help: "Control API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	ArchiveUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selftest_archive_uploads_total",
			Help: "Session archive uploads by result",
		},
		[]string{"result"},
	)
)

// Archive storage
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selftest_s3_operations_total",
			Help: "S3 operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "selftest_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)
