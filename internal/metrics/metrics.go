package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "wiremess"

	StatusSuccess = "success"
	StatusFailure = "failure"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	MessagesCommittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "messages_committed_total",
			Help:      "Messages committed by the ingestion pipeline",
		},
		[]string{"kind"},
	)

	SendOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "send_outcomes_total",
			Help:      "SendMessage results by outcome",
		},
		[]string{"outcome"},
	)

	CompensationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "compensations_total",
			Help:      "Shell messages discarded after a failed attachment leg",
		},
		[]string{"reason", "status"},
	)

	BlobOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blob",
			Name:      "operations_total",
			Help:      "Blob storage operations",
		},
		[]string{"driver", "operation", "status"},
	)

	BlobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "blob",
			Name:      "duration_seconds",
			Help:      "Blob storage operation duration in seconds",
			Buckets:   []float64{0.005, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"driver", "operation"},
	)

	BroadcastDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "deliveries_total",
			Help:      "Per-connection event deliveries",
		},
		[]string{"event", "status"},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "active_connections",
			Help:      "Connections currently registered in the presence registry",
		},
	)
)

// RecordRequest records an HTTP request.
func RecordRequest(method, route, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(method, route, status).Inc()
	RequestDuration.WithLabelValues(method, route).Observe(durationSec)
}

// RecordMessageCommitted counts a committed message row.
func RecordMessageCommitted(kind string) {
	MessagesCommittedTotal.WithLabelValues(kind).Inc()
}

// RecordSendOutcome counts a SendMessage result.
func RecordSendOutcome(outcome string) {
	SendOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordCompensation counts a compensating delete.
func RecordCompensation(reason, status string) {
	CompensationsTotal.WithLabelValues(reason, status).Inc()
}

// RecordBlobOperation records a blob storage call.
func RecordBlobOperation(driver, operation, status string, durationSec float64) {
	BlobOperationsTotal.WithLabelValues(driver, operation, status).Inc()
	BlobDuration.WithLabelValues(driver, operation).Observe(durationSec)
}

// RecordDelivery counts a single per-connection delivery attempt.
func RecordDelivery(event, status string) {
	BroadcastDeliveriesTotal.WithLabelValues(event, status).Inc()
}

// StatusOf maps an error to a status label.
func StatusOf(err error) string {
	if err != nil {
		return StatusFailure
	}
	return StatusSuccess
}
