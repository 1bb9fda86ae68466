// File: internal/observability/metrics.go
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the Prometheus instruments published by the agent.
// All instruments are registered on construction; callers share a single
// instance across the episode pipeline.
type Metrics struct {
	EpisodesTotal       *prometheus.CounterVec
	StepsTotal          *prometheus.CounterVec
	ReasonerCalls       *prometheus.CounterVec
	MemoryLookups       *prometheus.CounterVec
	ReplayedStepsTotal  prometheus.Counter
	SupervisorDecisions *prometheus.CounterVec
	StepDuration        prometheus.Histogram
	EpisodeDuration     prometheus.Histogram
}

// NewMetrics builds the instrument set and registers it on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EpisodesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marionette_episodes_total",
				Help: "Episodes finished, labeled by terminal state.",
			},
			[]string{"outcome"},
		),
		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marionette_steps_total",
				Help: "Device actions executed, labeled by action type.",
			},
			[]string{"action"},
		),
		ReasonerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marionette_reasoner_calls_total",
				Help: "Model invocations, labeled by role and status.",
			},
			[]string{"role", "status"},
		),
		MemoryLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marionette_memory_lookups_total",
				Help: "Procedural memory lookups, labeled hit or miss.",
			},
			[]string{"result"},
		),
		ReplayedStepsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "marionette_replayed_steps_total",
				Help: "Steps executed from recalled action sequences.",
			},
		),
		SupervisorDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marionette_supervisor_decisions_total",
				Help: "Supervisor verdicts, labeled by decision kind.",
			},
			[]string{"kind"},
		),
		StepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "marionette_step_duration_seconds",
				Help:    "Wall time per executed step, including settle delay.",
				Buckets: prometheus.DefBuckets,
			},
		),
		EpisodeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "marionette_episode_duration_seconds",
				Help:    "Wall time per episode.",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
			},
		),
	}

	reg.MustRegister(
		m.EpisodesTotal,
		m.StepsTotal,
		m.ReasonerCalls,
		m.MemoryLookups,
		m.ReplayedStepsTotal,
		m.SupervisorDecisions,
		m.StepDuration,
		m.EpisodeDuration,
	)
	return m
}

// NewNopMetrics returns an instrument set on a private registry. Useful
// for tests and for callers that do not expose a metrics endpoint.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
