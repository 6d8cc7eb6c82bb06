package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are shared by every store in the process, labelled by source
type Metrics struct {
	requests  *prometheus.CounterVec
	skipped   *prometheus.CounterVec
	stale     *prometheus.CounterVec
	observers *prometheus.GaugeVec
}

// NewMetrics creates the store collectors and registers them with reg when it is not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricehub",
			Name:      "provider_requests_total",
			Help:      "Provider fetches by outcome (success, failure).",
		}, []string{"source", "outcome"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricehub",
			Name:      "fetch_skipped_total",
			Help:      "Fetch attempts skipped by the debounce window.",
		}, []string{"source"}),
		stale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricehub",
			Name:      "stale_responses_total",
			Help:      "Provider responses discarded because a newer request superseded them.",
		}, []string{"source"}),
		observers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pricehub",
			Name:      "observers",
			Help:      "Registered store observers.",
		}, []string{"source"}),
	}

	if reg != nil {
		reg.MustRegister(m.requests, m.skipped, m.stale, m.observers)
	}
	return m
}

func (m *Metrics) request(source, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) skip(source string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(source).Inc()
}

func (m *Metrics) staleResponse(source string) {
	if m == nil {
		return
	}
	m.stale.WithLabelValues(source).Inc()
}

func (m *Metrics) setObservers(source string, n int) {
	if m == nil {
		return
	}
	m.observers.WithLabelValues(source).Set(float64(n))
}
