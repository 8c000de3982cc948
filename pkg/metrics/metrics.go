// Package metrics exposes Prometheus counters for the overlay node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsnode_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smsnode_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"method", "path"},
	)

	// Inbound units
	UnitsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsnode_units_received_total",
			Help: "Raw transport units received",
		},
		[]string{"kind"}, // "protocol", "legacy" or "fallback"
	)

	FragmentsDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smsnode_fragments_duplicate_total",
			Help: "Fragments dropped because the part was already buffered",
		},
	)

	AssembliesCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smsnode_assemblies_completed_total",
			Help: "Multi-part messages reassembled",
		},
	)

	AssembliesStale = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smsnode_assemblies_stale_total",
			Help: "Partial assemblies discarded by the staleness sweep",
		},
	)

	// Outbound units
	UnitsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsnode_units_sent_total",
			Help: "Transport units handed to the transport",
		},
		[]string{"outcome"}, // "accepted", "rejected", "sent", "failed", "delivered"
	)

	// Lifecycle
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsnode_status_transitions_total",
			Help: "Message status transitions by target status",
		},
		[]string{"status"},
	)

	UnresolvedReferences = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsnode_unresolved_references_total",
			Help: "Edits and deletes whose referenced message is unknown",
		},
		[]string{"command"},
	)
)
