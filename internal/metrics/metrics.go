// Package metrics exposes token acquisition counters in Prometheus format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "identity_session"

const (
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultSuccess = "success"
	ResultError   = "error"

	OutcomeSuccess      = "success"
	OutcomeCached       = "cached"
	OutcomeUnauthorized = "unauthorized"
	OutcomeNetwork      = "network"
	OutcomeFatal        = "fatal"
	OutcomeSkipped      = "skipped"
)

// Metrics groups the counters recorded by the authentication service.
// A nil *Metrics records nothing.
type Metrics struct {
	cacheLookups *prometheus.CounterVec
	fetches      *prometheus.CounterVec
	refreshes    *prometheus.CounterVec
}

// New creates the counters and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_cache_lookups_total",
			Help:      "Token cache lookups by result.",
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_fetches_total",
			Help:      "Token endpoint requests by result.",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Background token refreshes by outcome.",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(m.cacheLookups, m.fetches, m.refreshes)
	}
	return m
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := ResultMiss
	if hit {
		result = ResultHit
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) Fetch(err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.fetches.WithLabelValues(result).Inc()
}

func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}
