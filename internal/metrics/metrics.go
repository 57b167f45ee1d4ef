package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stockpile"

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)
)

// Auth and reset flow metrics
var (
	ResetFlowTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reset_flow_total",
			Help:      "Password reset flow steps by outcome",
		},
		[]string{"step", "outcome"}, // step: request, validate, submit
	)

	AuthEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_events_total",
			Help:      "Sign-up, sign-in and sign-out attempts by outcome",
		},
		[]string{"event", "outcome"},
	)

	IdentityProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_provider_errors_total",
			Help:      "Identity provider failures by error code",
		},
		[]string{"code"},
	)
)

// Background sweeper metrics
var (
	SweeperTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_tasks_total",
			Help:      "Total number of sweeper task runs",
		},
		[]string{"task", "status"},
	)

	SweeperTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweeper_task_duration_seconds",
			Help:      "Sweeper task execution time distribution",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 30},
		},
		[]string{"task"},
	)

	SweeperItemsRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_items_removed_total",
			Help:      "Expired items removed by sweeper tasks",
		},
		[]string{"task"},
	)
)
