package api

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"route", "method"},
	)

	eventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_emitted_total",
			Help: "Total number of events emitted through the API",
		},
		[]string{"type"},
	)
	transactionsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_transactions_enqueued_total",
			Help: "Total number of transactions enqueued through the API",
		},
	)
	wsConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_websocket_connections_active",
			Help: "Number of currently open WebSocket connections",
		},
	)
)

var registerOnce sync.Once

// registerMetrics registers the API collectors with the default registry.
// Safe to call from every NewServer.
func registerMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			eventsEmittedTotal,
			transactionsEnqueuedTotal,
			wsConnectionsActive,
		)
	})
}
