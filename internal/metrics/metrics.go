// Package metrics exposes Prometheus collectors for session resumption and
// relay rendezvous. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hostlink"

// Metrics groups every collector hostlink registers.
type Metrics struct {
	registry *prometheus.Registry

	proofValidations *prometheus.CounterVec
	challengesIssued prometheus.Counter
	sessionsCreated  prometheus.Counter
	sessionsEvicted  prometheus.Counter
	sessionsRemoved  *prometheus.CounterVec
	relayConnects    *prometheus.CounterVec
	registeredHosts  prometheus.Gauge
	relayFrames      *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry, so tests and
// multiple components in one process never collide on registration.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		proofValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "proof_validations_total",
			Help:      "Resumption proof validations by outcome.",
		}, []string{"outcome"}),
		challengesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "challenges_issued_total",
			Help:      "Resume challenges issued.",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Resumable sessions created.",
		}),
		sessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "evicted_total",
			Help:      "Sessions evicted by the per-user LRU cap.",
		}),
		sessionsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "removed_total",
			Help:      "Sessions removed, by cause.",
		}, []string{"cause"}),
		relayConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "client_connects_total",
			Help:      "Client rendezvous attempts by outcome.",
		}, []string{"outcome"}),
		registeredHosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "registered_hosts",
			Help:      "Hosts currently linked to the relay.",
		}),
		relayFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "forwarded_frames_total",
			Help:      "Frames forwarded between clients and hosts, by direction.",
		}, []string{"direction"}),
	}
	m.registry.MustRegister(
		m.proofValidations,
		m.challengesIssued,
		m.sessionsCreated,
		m.sessionsEvicted,
		m.sessionsRemoved,
		m.relayConnects,
		m.registeredHosts,
		m.relayFrames,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) ProofValidated(outcome string) {
	if m == nil {
		return
	}
	m.proofValidations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ChallengeIssued() {
	if m == nil {
		return
	}
	m.challengesIssued.Inc()
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

func (m *Metrics) SessionsEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsEvicted.Add(float64(n))
}

// SessionsRemoved counts removals; cause is "deleted", "invalidated" or "expired".
func (m *Metrics) SessionsRemoved(cause string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsRemoved.WithLabelValues(cause).Add(float64(n))
}

func (m *Metrics) RelayConnect(outcome string) {
	if m == nil {
		return
	}
	m.relayConnects.WithLabelValues(outcome).Inc()
}

func (m *Metrics) HostRegistered() {
	if m == nil {
		return
	}
	m.registeredHosts.Inc()
}

func (m *Metrics) HostUnregistered() {
	if m == nil {
		return
	}
	m.registeredHosts.Dec()
}

// FrameForwarded counts a relayed frame; direction is "to_host" or "to_client".
func (m *Metrics) FrameForwarded(direction string) {
	if m == nil {
		return
	}
	m.relayFrames.WithLabelValues(direction).Inc()
}
