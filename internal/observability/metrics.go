// Package observability exposes Prometheus collectors for provider calls,
// payment transitions and webhook outcomes.
package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/payment"
	"github.com/aliuwahab/kitua-sub001/internal/provider"
)

type Config struct {
	ServiceName string
	Environment string
}

// Metrics is safe to use as a nil pointer; every method becomes a no-op.
type Metrics struct {
	providerCalls    *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	transitions      *prometheus.CounterVec
	discarded        *prometheus.CounterVec
	webhooks         *prometheus.CounterVec
	reconcileResults *prometheus.CounterVec
	gatherer         prometheus.Gatherer
}

func New(registry *prometheus.Registry, cfg Config) *Metrics {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "kitua"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &Metrics{
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "payments_provider_calls_total",
				Help:        "Outbound provider calls by operation and error kind.",
				ConstLabels: constLabels,
			},
			[]string{"provider", "operation", "result"},
		),
		providerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "payments_provider_call_duration_seconds",
				Help:        "Latency of outbound provider calls.",
				Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
				ConstLabels: constLabels,
			},
			[]string{"provider", "operation"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "payments_status_transitions_total",
				Help:        "Committed payment status transitions.",
				ConstLabels: constLabels,
			},
			[]string{"provider", "from", "to", "source"},
		),
		discarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "payments_provider_updates_discarded_total",
				Help:        "Provider-reported statuses that were not applied.",
				ConstLabels: constLabels,
			},
			[]string{"provider", "reason"},
		),
		webhooks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "payments_webhooks_total",
				Help:        "Inbound webhook deliveries by outcome.",
				ConstLabels: constLabels,
			},
			[]string{"provider", "outcome"},
		),
		reconcileResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "payments_reconciliation_total",
				Help:        "Payments visited by the reconciliation sweep by result.",
				ConstLabels: constLabels,
			},
			[]string{"result"},
		),
		gatherer: registry,
	}

	registry.MustRegister(
		m.providerCalls,
		m.providerLatency,
		m.transitions,
		m.discarded,
		m.webhooks,
		m.reconcileResults,
	)
	return m
}

func (m *Metrics) ObserveProviderCall(providerName, operation string, kind provider.ErrorKind, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if kind != "" {
		result = string(kind)
	}
	m.providerCalls.WithLabelValues(providerName, operation, result).Inc()
	m.providerLatency.WithLabelValues(providerName, operation).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveTransition(providerName string, from, to payment.Status, source string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(providerName, string(from), string(to), source).Inc()
}

func (m *Metrics) ObserveDiscarded(providerName, reason string) {
	if m == nil {
		return
	}
	m.discarded.WithLabelValues(providerName, reason).Inc()
}

func (m *Metrics) ObserveWebhook(providerName, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(providerName, outcome).Inc()
}

func (m *Metrics) ObserveReconcile(checked, changed, expired, failed int) {
	if m == nil {
		return
	}
	m.reconcileResults.WithLabelValues("checked").Add(float64(checked))
	m.reconcileResults.WithLabelValues("changed").Add(float64(changed))
	m.reconcileResults.WithLabelValues("expired").Add(float64(expired))
	m.reconcileResults.WithLabelValues("failed").Add(float64(failed))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
