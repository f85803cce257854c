package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fusion"

// IndexState is the value of the index readiness gauge.
type IndexState float64

const (
	StatePending IndexState = 0
	StateReady   IndexState = 1
	StateFailed  IndexState = 2
)

// Gateway Prometheus metrics.
var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of protocol requests",
		},
		[]string{"type", "status"}, // status: "ok" / "error"
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time until the first frame of a request was sent",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"type"},
	)

	PlanErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_errors_total",
			Help:      "Query planning failures",
		},
		[]string{"kind"}, // "validation" / "index_missing" / "index_not_ready" / "other"
	)

	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Response frames sent",
		},
		[]string{"kind"}, // "data" / "complete" / "error"
	)

	ActiveCursors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_cursors",
			Help:      "Open changefeed cursors",
		},
	)

	OpenConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Open websocket connections",
		},
	)

	IndexReadiness = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_state",
			Help:      "Index readiness: 0 pending, 1 ready, 2 failed",
		},
		[]string{"collection", "index"},
	)
)

var registerOnce sync.Once

// RegisterGatewayMetrics registers the gateway metrics with the default
// registry. Safe to call more than once.
func RegisterGatewayMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestsTotal,
			RequestDuration,
			PlanErrorsTotal,
			FramesTotal,
			ActiveCursors,
			OpenConnections,
			IndexReadiness,
		)
	})
}

// SetIndexState records the readiness of one index.
func SetIndexState(collection, index string, s IndexState) {
	IndexReadiness.WithLabelValues(collection, index).Set(float64(s))
}

// DeleteIndexState drops the series of a closed index.
func DeleteIndexState(collection, index string) {
	IndexReadiness.DeleteLabelValues(collection, index)
}

// ObserveRequest counts one finished request.
func ObserveRequest(reqType string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	RequestsTotal.WithLabelValues(reqType, status).Inc()
}
