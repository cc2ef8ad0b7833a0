// Package metrics exposes the engine's Prometheus instruments. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "txengine"

type Metrics struct {
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	leases      *prometheus.CounterVec
	inFlight    *prometheus.GaugeVec
	submit      *prometheus.HistogramVec
}

// New creates the instruments and registers them with reg. Instruments that
// are already registered are reused, so several engines can share a registry.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Record state transitions by chain and target state.",
		}, []string{"chain_id", "state"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "attempt_failures_total",
			Help:      "Failed lifecycle attempts by chain, stage and classification.",
		}, []string{"chain_id", "stage", "classification"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "outcomes_total",
			Help:      "Terminal outcomes reported to the owner.",
		}, []string{"chain_id", "outcome"}),
		leases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nonce",
			Name:      "leases_total",
			Help:      "Nonce leases issued by chain.",
		}, []string{"chain_id"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "in_flight",
			Help:      "Records currently between creation and submission.",
		}, []string{"chain_id"}),
		submit: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "submit_duration_seconds",
			Help:      "Time from record creation to acceptance by the network.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"chain_id"}),
	}

	if reg == nil {
		return m, nil
	}
	var err error
	if m.transitions, err = register(reg, m.transitions); err != nil {
		return nil, err
	}
	if m.failures, err = register(reg, m.failures); err != nil {
		return nil, err
	}
	if m.outcomes, err = register(reg, m.outcomes); err != nil {
		return nil, err
	}
	if m.leases, err = register(reg, m.leases); err != nil {
		return nil, err
	}
	if m.inFlight, err = register(reg, m.inFlight); err != nil {
		return nil, err
	}
	if m.submit, err = register(reg, m.submit); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) Transition(chainID, state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(chainID, state).Inc()
}

func (m *Metrics) AttemptFailed(chainID, stage, classification string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(chainID, stage, classification).Inc()
}

func (m *Metrics) Outcome(chainID, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(chainID, outcome).Inc()
}

func (m *Metrics) LeaseIssued(chainID string) {
	if m == nil {
		return
	}
	m.leases.WithLabelValues(chainID).Inc()
}

// Started marks a record in flight; the returned func ends it and records
// whether and how fast it was submitted.
func (m *Metrics) Started(chainID string) func(submitted bool, elapsed time.Duration) {
	if m == nil {
		return func(bool, time.Duration) {}
	}
	g := m.inFlight.WithLabelValues(chainID)
	g.Inc()
	return func(submitted bool, elapsed time.Duration) {
		g.Dec()
		if submitted {
			m.submit.WithLabelValues(chainID).Observe(elapsed.Seconds())
		}
	}
}
