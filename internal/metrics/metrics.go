// Package metrics exposes prometheus counters for engine operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selfaudit_operations_total",
		Help: "Engine operations by name and result",
	}, []string{"op", "result"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "selfaudit_operation_duration_seconds",
		Help:    "Engine operation latency including the storage transaction",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"op"})

	comparisonsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selfaudit_comparisons_total",
		Help: "Run comparisons by overall trend",
	}, []string{"trend"})

	completionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selfaudit_completions_total",
		Help: "Completed runs by confidence",
	}, []string{"confidence"})

	webhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selfaudit_webhook_deliveries_total",
		Help: "Webhook deliveries by webhook id and result",
	}, []string{"webhook", "result"})
)

// Observe records one engine operation. changed=false operations count as
// "noop".
func Observe(op string, start time.Time, changed bool, err error) {
	result := "changed"
	switch {
	case err != nil:
		result = "error"
	case !changed:
		result = "noop"
	}
	operationsTotal.WithLabelValues(op, result).Inc()
	operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func Comparison(trend string) {
	comparisonsTotal.WithLabelValues(trend).Inc()
}

func Completion(confidence string) {
	completionsTotal.WithLabelValues(confidence).Inc()
}

func WebhookDelivery(webhookID string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	webhookDeliveries.WithLabelValues(webhookID, result).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
