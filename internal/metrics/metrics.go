// Package metrics holds the Prometheus counters of the orchestrators.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const pre = "bookledger_"

// Metrics groups every counter. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	StageEntered        *prometheus.CounterVec
	StageFailures       *prometheus.CounterVec
	PurchaseStatus      *prometheus.CounterVec
	GrantRetries        prometheus.Counter
	GrantRetryExhausted prometheus.Counter
	LedgerEvents        *prometheus.CounterVec
}

// New creates the counters on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		StageEntered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: pre + "publication_stage_entered_total",
			Help: "Publication jobs entering each stage.",
		}, []string{"stage"}),
		StageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: pre + "stage_failures_total",
			Help: "Failed stage attempts by stage and error kind.",
		}, []string{"stage", "kind"}),
		PurchaseStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: pre + "purchase_status_total",
			Help: "Purchases entering each payment status.",
		}, []string{"status"}),
		GrantRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: pre + "grant_retries_total",
			Help: "Background access grant attempts.",
		}),
		GrantRetryExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: pre + "grant_retry_exhausted_total",
			Help: "Paid purchases whose access grant ran out of attempts. Needs an operator.",
		}),
		LedgerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: pre + "ledger_events_applied_total",
			Help: "Ledger events mirrored into the index.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		m.StageEntered, m.StageFailures, m.PurchaseStatus,
		m.GrantRetries, m.GrantRetryExhausted, m.LedgerEvents,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Stage(stage string) {
	if m != nil {
		m.StageEntered.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) Failure(stage, kind string) {
	if m != nil {
		m.StageFailures.WithLabelValues(stage, kind).Inc()
	}
}

func (m *Metrics) Purchase(status string) {
	if m != nil {
		m.PurchaseStatus.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) GrantRetry() {
	if m != nil {
		m.GrantRetries.Inc()
	}
}

func (m *Metrics) GrantExhausted() {
	if m != nil {
		m.GrantRetryExhausted.Inc()
	}
}

func (m *Metrics) LedgerEvent(kind string) {
	if m != nil {
		m.LedgerEvents.WithLabelValues(kind).Inc()
	}
}
