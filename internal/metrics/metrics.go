// Package metrics provides Prometheus metrics for BlazeCatch.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "blazecatch"
)

// Capture metrics
var (
	// CapturesTotal counts raw payloads accepted by the adapters.
	CapturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "payloads_total",
			Help:      "Total raw payloads decoded by capture adapters",
		},
		[]string{"kind"},
	)

	// CaptureDropped counts malformed payloads dropped by the adapters.
	CaptureDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "dropped_total",
			Help:      "Total raw payloads dropped because they could not be decoded",
		},
		[]string{"kind"},
	)
)

// Pipeline metrics
var (
	// PipelineOutcomes counts pipeline results by outcome
	// (created, updated, rejected, suppressed, disabled, invalid).
	PipelineOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "outcomes_total",
			Help:      "Total captures processed by outcome",
		},
		[]string{"outcome"},
	)

	// RuleMatches counts rule hits by action.
	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "matches_total",
			Help:      "Total rule matches by action",
		},
		[]string{"action"},
	)

	// RulesDisabled tracks rules excluded because their pattern failed to compile.
	RulesDisabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "disabled",
			Help:      "Number of rules disabled at load time",
		},
	)

	// SuppressionNotices counts aggregate storm notices emitted.
	SuppressionNotices = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stormguard",
			Name:      "notices_total",
			Help:      "Total suppression notices emitted",
		},
	)

	// EvictionsTotal counts entries evicted from session history.
	EvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "evictions_total",
			Help:      "Total history entries evicted for capacity",
		},
	)

	// SessionsActive tracks live sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of active sessions",
		},
	)
)

// Dispatch metrics
var (
	// NoticesPublished counts notices published on the bus by type.
	NoticesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "notices_total",
			Help:      "Total notices published by type",
		},
		[]string{"type"},
	)

	// SubscriberFailures counts subscriber panics recovered by the bus.
	SubscriberFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "subscriber_failures_total",
			Help:      "Total subscriber panics recovered during publish",
		},
	)

	// SubscriberDropped counts notices dropped because a channel subscriber was full.
	SubscriberDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "subscriber_dropped_total",
			Help:      "Total notices dropped for slow channel subscribers",
		},
	)
)

// Storage metrics
var (
	// StorageErrors counts storage operation errors.
	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "errors_total",
			Help:      "Total storage operation errors",
		},
		[]string{"operation", "backend"},
	)

	// ArchivePending tracks events waiting to be flushed to the archive.
	ArchivePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "pending_events",
			Help:      "Events waiting to be flushed to the archive",
		},
	)

	// ArchiveDroppedTotal counts events dropped due to archive backpressure.
	ArchiveDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "dropped_total",
			Help:      "Total events dropped due to archive buffer overflow",
		},
	)

	// ArchiveInsertedTotal counts events written to the archive.
	ArchiveInsertedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "inserted_total",
			Help:      "Total events inserted into the archive",
		},
	)
)

// HTTP metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks requests being served.
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests being served",
		},
	)

	// StreamsActive tracks open notice streams.
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "streams_active",
			Help:      "Number of open server-sent event streams",
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
