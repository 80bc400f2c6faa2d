// Package metrics exposes Prometheus collectors for optimisation runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xkilldash9x/scriptgym/api/schemas"
)

const namespace = "scriptgym"

// Run outcomes recorded by RunFinished.
const (
	OutcomeConverged = "converged"
	OutcomeExhausted = "exhausted"
	OutcomeFailed    = "failed"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing,
// so components can take it as an optional dependency.
//
// Metrics:
//   - scriptgym_scenarios_total{outcome} - scenarios scored, passed or failed
//   - scriptgym_optimizations_total - script rewrites applied
//   - scriptgym_cycles_total - cycles started
//   - scriptgym_runs_total{outcome} - finished runs by outcome
//   - scriptgym_scenario_score - histogram of overall scenario scores
//   - scriptgym_completion_duration_seconds{role,status} - completion latency
type Metrics struct {
	ScenariosTotal     *prometheus.CounterVec
	OptimizationsTotal prometheus.Counter
	CyclesTotal        prometheus.Counter
	RunsTotal          *prometheus.CounterVec
	ScenarioScore      prometheus.Histogram
	CompletionDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ScenariosTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scenarios_total",
				Help:      "Total number of scenarios scored",
			},
			[]string{"outcome"}, // "passed" or "failed"
		),
		OptimizationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimizations_total",
			Help:      "Total number of script rewrites applied",
		}),
		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Total number of optimisation cycles started",
		}),
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of finished runs",
			},
			[]string{"outcome"},
		),
		ScenarioScore: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scenario_score",
			Help:      "Overall rating of scored scenarios",
			Buckets:   prometheus.LinearBuckets(1, 1, 10), // 1..10
		}),
		CompletionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "completion_duration_seconds",
				Help:      "Latency of completion calls by role",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
			},
			[]string{"role", "status"},
		),
	}
}

// ScenarioScored records one scored scenario.
func (m *Metrics) ScenarioScored(score float64, passed bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if passed {
		outcome = "passed"
	}
	m.ScenariosTotal.WithLabelValues(outcome).Inc()
	m.ScenarioScore.Observe(score)
}

// OptimizationApplied records one script rewrite.
func (m *Metrics) OptimizationApplied() {
	if m == nil {
		return
	}
	m.OptimizationsTotal.Inc()
}

// CycleStarted records the start of a cycle.
func (m *Metrics) CycleStarted() {
	if m == nil {
		return
	}
	m.CyclesTotal.Inc()
}

// RunFinished records the outcome of a run.
func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCompletion implements llmclient.CompletionObserver.
func (m *Metrics) ObserveCompletion(role schemas.AgentRole, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.CompletionDuration.WithLabelValues(string(role), status).Observe(d.Seconds())
}
