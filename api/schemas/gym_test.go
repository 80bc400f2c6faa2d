package schemas

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreMetrics_Overall(t *testing.T) {
	tests := []struct {
		name     string
		metrics  ScoreMetrics
		expected float64
	}{
		{"all equal", ScoreMetrics{8, 8, 8}, 8.0},
		{"rounds down", ScoreMetrics{7, 7, 8}, 7.3},
		{"rounds up", ScoreMetrics{7, 8, 8}, 7.7},
		{"zeros", ScoreMetrics{}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.metrics.Overall())
		})
	}
}

func TestThresholdSet_Passes(t *testing.T) {
	th := ThresholdSet{Repetition: 7, Negotiation: 7, Empathy: 7, Overall: 7}

	assert.True(t, th.Passes(EvaluationResult{Metrics: ScoreMetrics{7, 7, 7}, OverallRating: 7}))
	// A high overall does not compensate for a single metric below target.
	assert.False(t, th.Passes(EvaluationResult{Metrics: ScoreMetrics{10, 6, 10}, OverallRating: 8.7}))
	assert.False(t, th.Passes(EvaluationResult{Metrics: ScoreMetrics{7, 7, 7}, OverallRating: 6.9}))
}

func TestThresholdSet_MetBy_NegotiationMeanShort(t *testing.T) {
	th := ThresholdSet{Repetition: 7, Negotiation: 7, Empathy: 7, Overall: 7}
	results := []EvaluationResult{
		{Metrics: ScoreMetrics{8, 8, 8}, OverallRating: 8},
		{Metrics: ScoreMetrics{8, 8, 8}, OverallRating: 8},
		{Metrics: ScoreMetrics{8, 8, 8}, OverallRating: 8},
		{Metrics: ScoreMetrics{8, 8, 8}, OverallRating: 8},
		{Metrics: ScoreMetrics{8, 2, 8}, OverallRating: 3},
	}
	means := MeansOf(results)
	assert.InDelta(t, 6.8, means.Negotiation, 1e-9)
	assert.False(t, th.MetBy(means))
}

func TestMeansOf_Empty(t *testing.T) {
	assert.Equal(t, BatchMeans{}, MeansOf(nil))
}

func TestThresholdSet_Validate(t *testing.T) {
	require.NoError(t, ThresholdSet{Repetition: 8, Negotiation: 8, Empathy: 8, Overall: 8}.Validate())
	err := ThresholdSet{Repetition: 11}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repetition")
}

func TestRunConfig_ValidateAndRedact(t *testing.T) {
	cfg := RunConfig{APIKey: "secret", MaxCycles: 1, BatchSize: 1}
	require.NoError(t, cfg.Validate())
	assert.Empty(t, cfg.Redacted().APIKey)
	assert.Equal(t, "secret", cfg.APIKey, "Redacted must not mutate the receiver")

	cfg.MaxCycles = 0
	assert.ErrorContains(t, cfg.Validate(), "max_cycles")
}

func TestTranscript_String(t *testing.T) {
	tr := Transcript{
		{Speaker: SpeakerAgent, Text: "Hi, this is Rachel."},
		{Speaker: SpeakerCounterparty, Text: "Who?"},
	}
	assert.Equal(t, "AGENT: Hi, this is Rachel.\nCOUNTERPARTY: Who?", tr.String())
}

func TestNewRunID(t *testing.T) {
	start := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	assert.Equal(t, "20260304050607", NewRunID(start))
}

func TestRunIDSequence(t *testing.T) {
	var seq RunIDSequence
	start := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	assert.Equal(t, "20260304050607", seq.Next(start))
	assert.Equal(t, "20260304050607-2", seq.Next(start.Add(300*time.Millisecond)))
	assert.Equal(t, "20260304050607-3", seq.Next(start))
	assert.Equal(t, "20260304050608", seq.Next(start.Add(time.Second)))
}

func TestRunIDSequence_Concurrent(t *testing.T) {
	var seq RunIDSequence
	start := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	const n = 16
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- seq.Next(start)
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestPersona_Complete(t *testing.T) {
	p := Persona{Name: "A", PersonalityTraits: "B", FinancialSituation: "C", CommunicationStyle: "D", ObjectionType: "E"}
	assert.True(t, p.Complete())
	p.ObjectionType = "  "
	assert.False(t, p.Complete())
}

func TestRunRecord_BestCycle(t *testing.T) {
	result := func(cycle int, score float64, passed bool) ScenarioResult {
		m := ScoreMetrics{Repetition: int(score), Negotiation: int(score), Empathy: int(score)}
		return ScenarioResult{Cycle: cycle, Score: score, Metrics: m, Passed: passed}
	}

	t.Run("empty record", func(t *testing.T) {
		_, ok := (&RunRecord{}).BestCycle()
		assert.False(t, ok)
		assert.Empty(t, (&RunRecord{}).Cycles())
	})

	t.Run("earlier cycle beats a worse final cycle", func(t *testing.T) {
		rec := &RunRecord{
			Results: []ScenarioResult{
				result(1, 4, false), result(1, 4, false),
				result(2, 8, true), result(2, 6, false),
				result(3, 3, false), result(3, 5, false),
			},
			SuccessRate: 0,
		}
		cycles := rec.Cycles()
		require.Len(t, cycles, 3)
		assert.Equal(t, CycleSummary{
			Cycle: 2, Scenarios: 2, Passes: 1, PassRate: 0.5,
			Means: BatchMeans{Repetition: 7, Negotiation: 7, Empathy: 7, Overall: 7},
		}, cycles[1])

		best, ok := rec.BestCycle()
		require.True(t, ok)
		assert.Equal(t, 2, best.Cycle)
	})

	t.Run("ties go to the higher mean, then the earlier cycle", func(t *testing.T) {
		rec := &RunRecord{Results: []ScenarioResult{
			result(1, 5, false), result(2, 6, false), result(3, 6, false),
		}}
		best, ok := rec.BestCycle()
		require.True(t, ok)
		assert.Equal(t, 2, best.Cycle)
	})

	t.Run("partial cycle", func(t *testing.T) {
		rec := &RunRecord{Results: []ScenarioResult{result(1, 2, false), result(2, 9, true)}}
		best, _ := rec.BestCycle()
		assert.Equal(t, CycleSummary{
			Cycle: 2, Scenarios: 1, Passes: 1, PassRate: 1,
			Means: BatchMeans{Repetition: 9, Negotiation: 9, Empathy: 9, Overall: 9},
		}, best)
	})
}
