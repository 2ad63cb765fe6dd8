package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TripsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "trips_created_total", Help: "Trips created, by outcome (created, pending_sync)"},
		[]string{"outcome"},
	)
	JoinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "joins_total", Help: "Join attempts by result"},
		[]string{"result"},
	)
	CancellationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "cancellations_total", Help: "Trip cancellations by actor"},
		[]string{"by"},
	)
	SideEffectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "side_effect_failures_total", Help: "Best-effort steps that failed after a committed change"},
		[]string{"op", "step"},
	)
	TxRetries = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "store_tx_retries_total", Help: "Guarded updates retried after a conflicting write"})
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "notifications_sent_total", Help: "Notifications appended by type"},
		[]string{"type"},
	)
	RouteLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "carpool", Name: "route_resolution_seconds", Help: "Directions lookup latency"})
	OpenTrips    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "carpool", Name: "open_trips", Help: "Open trips in the last evaluated listing"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
