// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripsync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tripsync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	PendingActions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tripsync_pending_actions",
			Help: "Number of actions waiting in the pending queue",
		},
	)

	ActionsQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripsync_actions_queued_total",
			Help: "Total number of actions queued while offline",
		},
		[]string{"type"},
	)

	Flushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripsync_queue_flushes_total",
			Help: "Total number of queue flushes by outcome",
		},
		[]string{"outcome"},
	)

	FlushedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripsync_queue_flushed_records_total",
			Help: "Records processed by queue flushes, by result",
		},
		[]string{"result"},
	)

	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tripsync_queue_flush_duration_seconds",
			Help:    "Queue flush duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConnectivityTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripsync_connectivity_transitions_total",
			Help: "Connectivity transitions observed by the coordinator",
		},
		[]string{"state"},
	)

	StageCommits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripsync_stage_commits_total",
			Help: "Trip stage changes committed to the store",
		},
		[]string{"stage"},
	)
)
