// Package metrics holds the Prometheus collectors shared by the
// reconciliation services.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fleetgoal"

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics groups the domain collectors. A nil *Metrics records nothing.
type Metrics struct {
	pings         *prometheus.CounterVec
	pingLatency   *prometheus.HistogramVec
	admissions    *prometheus.CounterVec
	locks         *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the collectors registered on the default registerer.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New builds the collectors and registers them on reg, reusing collectors
// that are already registered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ping",
			Name:      "requests_total",
			Help:      "Pings answered, by returned opcode",
		}, []string{"opcode"}),
		pingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ping",
			Name:      "duration_seconds",
			Help:      "Latency of ping reconciliation",
			Buckets:   histogramBuckets,
		}, []string{"opcode"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions, by outcome",
		}, []string{"outcome"}),
		locks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "attempts_total",
			Help:      "Lock acquisition attempts, by lock kind and outcome",
		}, []string{"kind", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deploy",
			Name:      "state_transitions_total",
			Help:      "Deploy macro state changes",
		}, []string{"from", "to"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "events_total",
			Help:      "Notification dispatch outcomes",
		}, []string{"kind", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Read-through cache lookups",
		}, []string{"cache", "result"}),
	}
	if reg != nil {
		m.pings = register(reg, m.pings)
		m.pingLatency = register(reg, m.pingLatency)
		m.admissions = register(reg, m.admissions)
		m.locks = register(reg, m.locks)
		m.transitions = register(reg, m.transitions)
		m.notifications = register(reg, m.notifications)
		m.cacheLookups = register(reg, m.cacheLookups)
	}
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// ObservePing records one answered ping.
func (m *Metrics) ObservePing(opcode string, d time.Duration) {
	if m == nil {
		return
	}
	m.pings.WithLabelValues(opcode).Inc()
	m.pingLatency.WithLabelValues(opcode).Observe(d.Seconds())
}

// Admission records an admission outcome such as "admitted" or "cap".
func (m *Metrics) Admission(outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(outcome).Inc()
}

// LockAttempt records a lock acquisition attempt.
func (m *Metrics) LockAttempt(kind, outcome string) {
	if m == nil {
		return
	}
	m.locks.WithLabelValues(kind, outcome).Inc()
}

// DeployTransition records a macro state change.
func (m *Metrics) DeployTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// Notification records a dispatch outcome.
func (m *Metrics) Notification(kind, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, outcome).Inc()
}

// CacheLookup records a cache hit or miss.
func (m *Metrics) CacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}
