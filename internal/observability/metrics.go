package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sampling and delivery
	SamplesCaptured = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locsync_samples_captured_total",
			Help: "Position captures by result",
		},
		[]string{"result"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locsync_deliveries_total",
			Help: "Samples handed to the collector by mode and result",
		},
		[]string{"mode", "result"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "locsync_queue_depth",
			Help: "Samples waiting for delivery",
		},
	)

	QueueDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locsync_queue_dropped_total",
			Help: "Queued samples discarded before delivery",
		},
		[]string{"reason"},
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locsync_token_refresh_total",
			Help: "Access token refresh attempts by result",
		},
		[]string{"result"},
	)

	CollectorRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "locsync_collector_request_duration_seconds",
			Help:    "Collector call latency in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2, 3, 5, 10},
		},
		[]string{"call", "status"},
	)

	SchedulerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "locsync_scheduler_state",
			Help: "Scheduler state: 0 stopped, 1 running, 2 suspended",
		},
	)

	// Control API
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "locsync_http_request_duration_seconds",
			Help:    "Control API request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locsync_http_requests_total",
			Help: "Total number of control API requests",
		},
		[]string{"method", "path", "status"},
	)

	WebSocketConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "locsync_websocket_connections_active",
			Help: "Number of open status stream connections",
		},
	)
)
