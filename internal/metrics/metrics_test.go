package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scriptgym/api/schemas"
	"github.com/xkilldash9x/scriptgym/internal/llmclient"
)

var _ llmclient.CompletionObserver = (*Metrics)(nil)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ScenarioScored(8.3, true)
	m.ScenarioScored(3, false)
	m.ScenarioScored(4, false)
	m.OptimizationApplied()
	m.CycleStarted()
	m.CycleStarted()
	m.RunFinished(OutcomeConverged)
	m.ObserveCompletion(schemas.RoleEvaluator, 250*time.Millisecond, nil)
	m.ObserveCompletion(schemas.RoleEvaluator, time.Second, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScenariosTotal.WithLabelValues("passed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ScenariosTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OptimizationsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CyclesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues(OutcomeConverged)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.CompletionDuration))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "scriptgym_scenario_score")
	assert.Contains(t, names, "scriptgym_completion_duration_seconds")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ScenarioScored(5, true)
		m.OptimizationApplied()
		m.CycleStarted()
		m.RunFinished(OutcomeFailed)
		m.ObserveCompletion(schemas.RoleAgent, time.Second, nil)
	})
}
