// Package metrics contains the prometheus collectors shared by the control
// client and the reference control server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClientRequests counts the requests issued by the transport, by endpoint
	// and terminal outcome (success, transport, server, decode, cancelled).
	ClientRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rmbt_control_client_requests_total",
			Help: "Number of control server requests by endpoint and outcome.",
		},
		[]string{"endpoint", "outcome"},
	)

	// ClientRequestDuration is the time between dispatch and the terminal
	// outcome of a request.
	ClientRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rmbt_control_client_request_duration_seconds",
			Help:    "Duration of control server requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Bootstraps counts the identity bootstraps actually dispatched.
	Bootstraps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rmbt_control_client_bootstraps_total",
			Help: "Number of settings bootstraps issued to obtain a client identity.",
		},
		[]string{"outcome"},
	)

	// ServerRequests counts the requests handled by the reference server.
	ServerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rmbt_control_server_requests_total",
			Help: "Number of requests handled by the control server.",
		},
		[]string{"endpoint", "code"},
	)

	// SyncCodes counts sync code issuance and redemption.
	SyncCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rmbt_control_server_sync_codes_total",
			Help: "Number of sync codes issued, redeemed, or rejected.",
		},
		[]string{"action"},
	)

	// ResultsStored counts results persisted by the reference server.
	ResultsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rmbt_control_server_results_total",
			Help: "Number of submitted results by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
)
