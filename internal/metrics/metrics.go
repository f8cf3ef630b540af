// Package metrics exposes the daemon's Prometheus instrumentation:
// sandbox pool utilization, kill-chain phase transitions, and emergency
// halt latency. Adapted from Hector's pkg/observability/metrics.go
// nil-receiver pattern (every recorder is a no-op on a nil *Metrics so
// callers never need to guard with "if metrics != nil").
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every registered collector for the daemon.
type Metrics struct {
	registry *prometheus.Registry

	poolInUse    prometheus.Gauge
	poolCapacity prometheus.Gauge
	poolWaiters  prometheus.Gauge

	phaseTransitions *prometheus.CounterVec
	currentPhase     *prometheus.GaugeVec

	haltLatency  prometheus.Histogram
	haltTriggers *prometheus.CounterVec

	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec

	activeEngagements prometheus.Gauge
}

// New builds and registers every collector in a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.poolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ghostframe", Subsystem: "sandbox_pool", Name: "in_use", Help: "Sandbox handles currently checked out.",
	})
	m.poolCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ghostframe", Subsystem: "sandbox_pool", Name: "capacity", Help: "Configured sandbox pool size.",
	})
	m.poolWaiters = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ghostframe", Subsystem: "sandbox_pool", Name: "waiters", Help: "Goroutines blocked waiting for a sandbox handle.",
	})

	m.phaseTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ghostframe", Subsystem: "killchain", Name: "phase_transitions_total", Help: "Kill chain phase transitions.",
	}, []string{"from", "to"})
	m.currentPhase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ghostframe", Subsystem: "killchain", Name: "current_phase", Help: "1 for the engagement's current phase, 0 otherwise.",
	}, []string{"engagement_id", "phase"})

	m.haltLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ghostframe", Subsystem: "halt", Name: "latency_seconds", Help: "Time from halt trigger to all agents frozen.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
	})
	m.haltTriggers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ghostframe", Subsystem: "halt", Name: "triggers_total", Help: "Emergency halt activations by path.",
	}, []string{"path"})

	m.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ghostframe", Subsystem: "tool", Name: "calls_total", Help: "Tool invocations by name and outcome.",
	}, []string{"tool_name", "outcome"})
	m.toolCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ghostframe", Subsystem: "tool", Name: "call_duration_seconds", Help: "Tool execution duration.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"tool_name"})

	m.activeEngagements = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ghostframe", Subsystem: "engagement", Name: "active", Help: "Engagements not in a terminal state.",
	})

	m.registry.MustRegister(
		m.poolInUse, m.poolCapacity, m.poolWaiters,
		m.phaseTransitions, m.currentPhase,
		m.haltLatency, m.haltTriggers,
		m.toolCalls, m.toolCallDuration,
		m.activeEngagements,
	)
	return m
}

// SetPoolUtilization records the sandbox pool's current usage.
func (m *Metrics) SetPoolUtilization(inUse, capacity, waiters int) {
	if m == nil {
		return
	}
	m.poolInUse.Set(float64(inUse))
	m.poolCapacity.Set(float64(capacity))
	m.poolWaiters.Set(float64(waiters))
}

// RecordPhaseTransition records a kill chain phase transition and updates
// the per-engagement current-phase gauge.
func (m *Metrics) RecordPhaseTransition(engagementID, from, to string) {
	if m == nil {
		return
	}
	m.phaseTransitions.WithLabelValues(from, to).Inc()
	m.currentPhase.WithLabelValues(engagementID, from).Set(0)
	m.currentPhase.WithLabelValues(engagementID, to).Set(1)
}

// RecordHalt records an emergency halt's end-to-end latency and which
// path triggered it.
func (m *Metrics) RecordHalt(path string, latency time.Duration) {
	if m == nil {
		return
	}
	m.haltLatency.Observe(latency.Seconds())
	m.haltTriggers.WithLabelValues(path).Inc()
}

// RecordToolCall records one tool invocation's outcome and duration.
func (m *Metrics) RecordToolCall(toolName, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(toolName, outcome).Inc()
	m.toolCallDuration.WithLabelValues(toolName).Observe(duration.Seconds())
}

// SetActiveEngagements records the current count of non-terminal
// engagements.
func (m *Metrics) SetActiveEngagements(count int) {
	if m == nil {
		return
	}
	m.activeEngagements.Set(float64(count))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
