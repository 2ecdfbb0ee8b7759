// Package metrics exposes Prometheus counters for the login flow.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Interaction outcomes
const (
	OutcomeRedirect  = "redirect"
	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"
)

// Metrics holds the Prometheus collectors of the login flow. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Interactions     *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	LinkingDecisions *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		Interactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oauth_interactions_total",
				Help: "Total number of login interaction steps by outcome",
			},
			[]string{"provider", "outcome"},
		),
		ProviderErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oauth_provider_errors_total",
				Help: "Total number of failed provider calls by stage",
			},
			[]string{"provider", "stage"},
		),
		LinkingDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oauth_linking_decisions_total",
				Help: "Total number of identity linking decisions",
			},
			[]string{"provider", "decision"},
		),
	}
}

// RecordInteraction counts one interaction step
func (m *Metrics) RecordInteraction(provider, outcome string) {
	if m == nil {
		return
	}
	m.Interactions.WithLabelValues(provider, outcome).Inc()
}

// RecordProviderError counts one failed provider call
func (m *Metrics) RecordProviderError(provider, stage string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, stage).Inc()
}

// RecordLinkingDecision counts one linking decision
func (m *Metrics) RecordLinkingDecision(provider, decision string) {
	if m == nil {
		return
	}
	m.LinkingDecisions.WithLabelValues(provider, decision).Inc()
}
