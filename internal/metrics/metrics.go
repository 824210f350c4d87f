package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session code reservation
var (
	// CodeReservationAttempts tracks how many candidates were generated per reservation
	CodeReservationAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "session_code_reservation_attempts",
			Help:    "Candidates generated before a unique session code was found",
			Buckets: []float64{1, 2, 3, 5, 10},
		},
	)

	// CodeReservationExhausted counts reservations that ran out of attempts
	CodeReservationExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_code_reservation_exhausted_total",
			Help: "Session code reservations that exhausted their attempt budget",
		},
	)
)

// Action list mutations
var (
	// ActionMutationsTotal tracks append/replace/end operations by result
	ActionMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "action_mutations_total",
			Help: "Action list mutations by operation and result",
		},
		[]string{"operation", "result"},
	)

	// ActionVersionConflicts counts compare-and-swap conflicts that triggered a re-read
	ActionVersionConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "action_version_conflicts_total",
			Help: "Optimistic concurrency conflicts on session action lists",
		},
		[]string{"operation"},
	)
)

// Time-margin sweep
var (
	// SweepTicksTotal tracks sweep ticks by result (ok, failed, skipped)
	SweepTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_ticks_total",
			Help: "Time-margin sweep ticks by result",
		},
		[]string{"result"},
	)

	// SweepSessionsUpdated counts sessions whose margins were persisted
	SweepSessionsUpdated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweep_sessions_updated_total",
			Help: "Sessions updated by the time-margin sweep",
		},
	)

	// SweepSessionFailures counts per-session failures inside a tick
	SweepSessionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweep_session_failures_total",
			Help: "Per-session failures during the time-margin sweep",
		},
	)

	// SweepTickDuration tracks how long a full tick takes in seconds
	SweepTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sweep_tick_duration_seconds",
			Help:    "Duration of a time-margin sweep tick",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)
)

// Archive worker
var (
	// ArchiveJobsTotal tracks archive jobs by result (uploaded, retried, skipped)
	ArchiveJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archive_jobs_total",
			Help: "Session archive jobs by result",
		},
		[]string{"result"},
	)
)

// HTTP
var (
	// HTTPRequestDuration tracks request latency by route template and status
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by method, route and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Storage
var (
	// SessionDecodeFailures counts stored sessions skipped because their actions could not be decoded
	SessionDecodeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_decode_failures_total",
			Help: "Stored sessions whose actions document could not be decoded",
		},
	)
)
