// Package metrics exposes prometheus counters for the credential engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "credential"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	operations       *prometheus.CounterVec
	versionConflicts *prometheus.CounterVec
	sessionsEvicted  prometheus.Counter
	reuseDetected    prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Credential engine operations by outcome.",
		}, []string{"operation", "outcome"}),
		versionConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Account replace attempts rejected by the version check.",
		}, []string{"operation"}),
		sessionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Session records dropped by the retention policy.",
		}),
		reuseDetected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_reuse_detected_total",
			Help:      "Rotated session secrets presented again.",
		}),
	}
}

func (m *Metrics) Operation(op, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) VersionConflict(op string) {
	if m == nil {
		return
	}
	m.versionConflicts.WithLabelValues(op).Inc()
}

func (m *Metrics) SessionsEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsEvicted.Add(float64(n))
}

func (m *Metrics) ReuseDetected() {
	if m == nil {
		return
	}
	m.reuseDetected.Inc()
}
