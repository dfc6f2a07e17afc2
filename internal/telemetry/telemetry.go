// Package telemetry holds the orchestrator's Prometheus counters.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts provider and blob traffic for one orchestrator process.
type Metrics struct {
	ProviderCalls   *prometheus.CounterVec // op, outcome
	ProviderRetries prometheus.Counter
	BlobOps         *prometheus.CounterVec // op, outcome
	WorkersTerminal *prometheus.CounterVec // state

	registry *prometheus.Registry
}

// NewMetrics creates and registers the counters on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		ProviderCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loadagent_provider_calls_total",
				Help: "Container provider API calls",
			},
			[]string{"op", "outcome"},
		),
		ProviderRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "loadagent_provider_retries_total",
				Help: "Retried provider calls",
			},
		),
		BlobOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loadagent_blob_ops_total",
				Help: "Blob store operations",
			},
			[]string{"op", "outcome"},
		),
		WorkersTerminal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loadagent_workers_terminal_total",
				Help: "Workers reaching a terminal state",
			},
			[]string{"state"},
		),
		registry: registry,
	}

	registry.MustRegister(m.ProviderCalls, m.ProviderRetries, m.BlobOps, m.WorkersTerminal)
	return m
}

// Registry exposes the private registry for scraping or test inspection.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// CountProviderCall records one provider call outcome. Nil-safe so
// components can run without telemetry wired.
func (m *Metrics) CountProviderCall(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ProviderCalls.WithLabelValues(op, outcome).Inc()
}

// CountBlobOp records one blob operation outcome.
func (m *Metrics) CountBlobOp(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.BlobOps.WithLabelValues(op, outcome).Inc()
}

// CountRetry records a retried provider call.
func (m *Metrics) CountRetry() {
	if m == nil {
		return
	}
	m.ProviderRetries.Inc()
}

// CountTerminal records a worker reaching state.
func (m *Metrics) CountTerminal(state string) {
	if m == nil {
		return
	}
	m.WorkersTerminal.WithLabelValues(state).Inc()
}
