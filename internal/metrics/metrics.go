// SPDX-License-Identifier: MIT

// Package metrics declares the prometheus collectors for the control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "parkd"

// Ingest pipeline.
var (
	IngestResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "results_total",
			Help:      "Webhook ingest outcomes by result",
		},
		[]string{"result"},
	)

	IngestMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "malformed_total",
			Help:      "Uplinks rejected as unparseable",
		},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "End-to-end webhook processing latency",
			Buckets:   prometheus.DefBuckets,
		},
	)

	SpoolDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "spool",
			Name:      "depth",
			Help:      "Envelopes waiting in the disk spool by directory",
		},
		[]string{"dir"},
	)

	SpoolDrained = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spool",
			Name:      "drained_total",
			Help:      "Spool drain outcomes",
		},
		[]string{"outcome"},
	)
)

// Downlink queue and dispatcher.
var (
	DownlinkEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downlink",
			Name:      "enqueued_total",
			Help:      "Downlink enqueue outcomes (queued, coalesced, superseded)",
		},
		[]string{"outcome"},
	)

	DownlinkDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downlink",
			Name:      "dispatched_total",
			Help:      "Downlink dispatch attempts by result",
		},
		[]string{"result"},
	)

	DownlinkDeferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downlink",
			Name:      "deferred_total",
			Help:      "Envelopes deferred because no gateway was online",
		},
	)

	DownlinkStuck = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downlink",
			Name:      "stuck_total",
			Help:      "Envelopes flagged stuck at the LNS",
		},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "downlink",
			Name:      "queue_depth",
			Help:      "Persistent downlink queue depth by state",
		},
		[]string{"state"},
	)

	ReconcileCorrections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downlink",
			Name:      "reconcile_corrections_total",
			Help:      "Corrective envelopes issued by the reconciliation sweep",
		},
	)
)

// Reservations.
var (
	ReservationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reservations",
			Name:      "created_total",
			Help:      "Reservation create outcomes",
		},
		[]string{"outcome"},
	)

	ReservationsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reservations",
			Name:      "expired_total",
			Help:      "Reservations transitioned to expired by the sweep",
		},
	)
)

// Rate limiting and auth.
var (
	RateLimitExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_exceeded_total",
			Help:      "Total rate limit rejections",
		},
		[]string{"bucket"},
	)

	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Authentication failures by reason",
		},
		[]string{"reason"},
	)

	RefreshFamilyRevokes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "refresh_family_revokes_total",
			Help:      "Refresh token families revoked after reuse detection",
		},
	)
)

// Background scheduler.
var (
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Background job runs by job and result",
		},
		[]string{"job", "result"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Background job run duration",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		},
		[]string{"job"},
	)
)

// State machine.
var (
	Evaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "display",
			Name:      "evaluations_total",
			Help:      "Space re-evaluations by trigger",
		},
		[]string{"trigger"},
	)

	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "display",
			Name:      "state_transitions_total",
			Help:      "Space state transitions by target state",
		},
		[]string{"state"},
	)
)
