package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	GatewayRequests    *prometheus.CounterVec
	GatewayLatency     *prometheus.HistogramVec
	WebhookDeliveries  *prometheus.CounterVec
	InvoicesCreated    *prometheus.CounterVec
	OrdersMaterialized *prometheus.CounterVec
	Errors             *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "btcpay_requests_total",
				Help:      "Total BTCPay API requests by operation and status.",
			}, []string{"operation", "status"}),
			GatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "btcpay_request_duration_seconds",
				Help:      "Latency distribution for BTCPay API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation", "status"}),
			WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_deliveries_total",
				Help:      "Webhook deliveries by event kind and outcome.",
			}, []string{"kind", "outcome"}),
			InvoicesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invoices_created_total",
				Help:      "Invoices created, labelled by whether currency conversion applied.",
			}, []string{"converted"}),
			OrdersMaterialized: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_materialized_total",
				Help:      "Orders created or completed from invoices, by path.",
			}, []string{"path"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.GatewayRequests,
			metricsInstance.GatewayLatency,
			metricsInstance.WebhookDeliveries,
			metricsInstance.InvoicesCreated,
			metricsInstance.OrdersMaterialized,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
