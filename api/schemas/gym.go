package schemas

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// -- Scripts --

// Script is the behavioural instruction text of the agent-under-test.
// ComposedText is always derived from BaseTemplate and never edited by hand.
type Script struct {
	BaseTemplate string `json:"base_template"`
	ComposedText string `json:"composed_text"`
}

// -- Personas --

// Persona is the profile of a simulated defaulter. It is created once per
// scenario and never mutated afterwards.
type Persona struct {
	Name               string `json:"name"`
	PersonalityTraits  string `json:"personality_traits"`
	FinancialSituation string `json:"financial_situation"`
	CommunicationStyle string `json:"communication_style"`
	ObjectionType      string `json:"objection_type"`
}

// Complete reports whether every field of the persona is populated.
func (p Persona) Complete() bool {
	for _, v := range []string{p.Name, p.PersonalityTraits, p.FinancialSituation, p.CommunicationStyle, p.ObjectionType} {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}

// -- Transcripts --

// Speaker identifies which party produced a turn.
type Speaker string

const (
	SpeakerAgent        Speaker = "agent"
	SpeakerCounterparty Speaker = "counterparty"
)

// Turn is a single utterance in a conversation.
type Turn struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// Transcript is the ordered, append-only record of a simulated conversation.
type Transcript []Turn

// Len returns the number of turns.
func (t Transcript) Len() int { return len(t) }

// String renders the transcript as role-prefixed lines, e.g. "AGENT: hello".
func (t Transcript) String() string {
	lines := make([]string, 0, len(t))
	for _, turn := range t {
		lines = append(lines, fmt.Sprintf("%s: %s", strings.ToUpper(string(turn.Speaker)), turn.Text))
	}
	return strings.Join(lines, "\n")
}

// -- Scoring --

// ScoreMetrics holds the three rubric metrics, each on a 0-10 scale.
type ScoreMetrics struct {
	Repetition  int `json:"repetition"`
	Negotiation int `json:"negotiation"`
	Empathy     int `json:"empathy"`
}

// Overall is the mean of the three metrics rounded to one decimal place.
func (m ScoreMetrics) Overall() float64 {
	return RoundTenth(float64(m.Repetition+m.Negotiation+m.Empathy) / 3.0)
}

// EvaluationResult is the outcome of grading a single transcript.
type EvaluationResult struct {
	Metrics       ScoreMetrics `json:"metrics"`
	OverallRating float64      `json:"overall_rating"`
	Feedback      string       `json:"feedback"`
}

// RoundTenth rounds half away from zero to one decimal place.
func RoundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}

// ThresholdSet holds the minimum acceptable value per metric and overall.
// It is supplied per run and never changes during the run.
type ThresholdSet struct {
	Repetition  float64 `json:"repetition" mapstructure:"repetition" yaml:"repetition"`
	Negotiation float64 `json:"negotiation" mapstructure:"negotiation" yaml:"negotiation"`
	Empathy     float64 `json:"empathy" mapstructure:"empathy" yaml:"empathy"`
	Overall     float64 `json:"overall" mapstructure:"overall" yaml:"overall"`
}

// Passes reports whether a single evaluation meets all four thresholds at once.
func (t ThresholdSet) Passes(r EvaluationResult) bool {
	return float64(r.Metrics.Repetition) >= t.Repetition &&
		float64(r.Metrics.Negotiation) >= t.Negotiation &&
		float64(r.Metrics.Empathy) >= t.Empathy &&
		r.OverallRating >= t.Overall
}

// MetBy reports whether every batch mean meets its corresponding threshold.
func (t ThresholdSet) MetBy(m BatchMeans) bool {
	return m.Repetition >= t.Repetition &&
		m.Negotiation >= t.Negotiation &&
		m.Empathy >= t.Empathy &&
		m.Overall >= t.Overall
}

// Validate checks that every threshold lies on the 0-10 metric scale.
func (t ThresholdSet) Validate() error {
	for name, v := range map[string]float64{
		"repetition":  t.Repetition,
		"negotiation": t.Negotiation,
		"empathy":     t.Empathy,
		"overall":     t.Overall,
	} {
		if v < 0 || v > 10 {
			return fmt.Errorf("threshold %s must be between 0 and 10, got %v", name, v)
		}
	}
	return nil
}

// BatchMeans holds the per-metric averages across one batch of scenarios.
type BatchMeans struct {
	Repetition  float64 `json:"repetition"`
	Negotiation float64 `json:"negotiation"`
	Empathy     float64 `json:"empathy"`
	Overall     float64 `json:"overall"`
}

// MeansOf averages the metrics of the given results. An empty batch yields zeros.
func MeansOf(results []EvaluationResult) BatchMeans {
	if len(results) == 0 {
		return BatchMeans{}
	}
	var m BatchMeans
	for _, r := range results {
		m.Repetition += float64(r.Metrics.Repetition)
		m.Negotiation += float64(r.Metrics.Negotiation)
		m.Empathy += float64(r.Metrics.Empathy)
		m.Overall += r.OverallRating
	}
	n := float64(len(results))
	m.Repetition /= n
	m.Negotiation /= n
	m.Empathy /= n
	m.Overall /= n
	return m
}

// -- Run records --

// FailureRecord is the unit of feedback handed to the script optimizer.
type FailureRecord struct {
	Persona    Persona          `json:"persona"`
	Result     EvaluationResult `json:"result"`
	Transcript Transcript       `json:"transcript"`
}

// ScenarioResult is the persisted outcome of one scenario.
type ScenarioResult struct {
	Cycle         int          `json:"cycle"`
	Scenario      int          `json:"scenario"`
	Persona       Persona      `json:"persona"`
	Score         float64      `json:"score"`
	Metrics       ScoreMetrics `json:"metrics"`
	Transcript    Transcript   `json:"transcript"`
	Feedback      string       `json:"feedback"`
	Passed        bool         `json:"passed"`
	ScriptUsed    string       `json:"script_used"`
	UpdatedScript *string      `json:"updated_script,omitempty"`
}

// OptimizationEvent records one script rewrite.
type OptimizationEvent struct {
	Cycle     int    `json:"cycle"`
	Scenario  int    `json:"scenario"`
	OldScript string `json:"old_script"`
	NewScript string `json:"new_script"`
	Reasoning string `json:"reasoning"`
}

// RunConfig is the per-run input to the optimisation controller.
type RunConfig struct {
	Provider   string       `json:"provider,omitempty"`
	APIKey     string       `json:"api_key,omitempty"`
	Model      string       `json:"model_name,omitempty"`
	BaseScript string       `json:"base_prompt"`
	MaxCycles  int          `json:"max_cycles"`
	BatchSize  int          `json:"batch_size"`
	MaxTurns   int          `json:"max_turns,omitempty"`
	Thresholds ThresholdSet `json:"thresholds"`
}

// Redacted returns a copy safe for persistence and logging.
func (c RunConfig) Redacted() RunConfig {
	c.APIKey = ""
	return c
}

// Validate checks the run configuration for sane values.
func (c RunConfig) Validate() error {
	if c.MaxCycles <= 0 {
		return fmt.Errorf("max_cycles must be greater than 0")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be greater than 0")
	}
	if c.MaxTurns < 0 {
		return fmt.Errorf("max_turns must not be negative")
	}
	return c.Thresholds.Validate()
}

// RunIDLayout formats the wall-clock run start into a run id.
const RunIDLayout = "20060102150405"

// NewRunID derives a run id from the given start time.
func NewRunID(start time.Time) string {
	return start.Format(RunIDLayout)
}

// RunIDSequence hands out run ids that are unique within the process. Runs
// started in the same second get a numeric suffix: 20260314092653,
// 20260314092653-2, and so on. The zero value is ready to use.
type RunIDSequence struct {
	mu   sync.Mutex
	base string
	n    int
}

// Next returns the id for a run started at start.
func (s *RunIDSequence) Next(start time.Time) string {
	id := NewRunID(start)
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.base {
		s.base, s.n = id, 1
		return id
	}
	s.n++
	return fmt.Sprintf("%s-%d", id, s.n)
}

// RunRecord is the persisted artifact of one full controller execution.
type RunRecord struct {
	ID                  string              `json:"id"`
	Timestamp           time.Time           `json:"timestamp"`
	Config              RunConfig           `json:"config"`
	Results             []ScenarioResult    `json:"results"`
	OptimizationHistory []OptimizationEvent `json:"optimization_history"`
	SuccessRate         float64             `json:"success_rate"`
	TotalCycles         int                 `json:"total_cycles"`
	Converged           bool                `json:"converged"`
	Error               string              `json:"error,omitempty"`
}

// CycleSummary aggregates the recorded scenarios of one cycle.
type CycleSummary struct {
	Cycle     int        `json:"cycle"`
	Scenarios int        `json:"scenarios"`
	Passes    int        `json:"passes"`
	PassRate  float64    `json:"pass_rate"`
	Means     BatchMeans `json:"means"`
}

// Cycles summarises the recorded results per cycle, in cycle order. A cycle
// cut short by cancellation is summarised over the scenarios it recorded.
func (r *RunRecord) Cycles() []CycleSummary {
	var (
		out   []CycleSummary
		batch []EvaluationResult
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		cs := &out[len(out)-1]
		cs.Scenarios = len(batch)
		cs.PassRate = float64(cs.Passes) / float64(cs.Scenarios)
		cs.Means = MeansOf(batch)
		batch = batch[:0]
	}
	for _, res := range r.Results {
		if len(out) == 0 || out[len(out)-1].Cycle != res.Cycle {
			flush()
			out = append(out, CycleSummary{Cycle: res.Cycle})
		}
		if res.Passed {
			out[len(out)-1].Passes++
		}
		batch = append(batch, EvaluationResult{Metrics: res.Metrics, OverallRating: res.Score})
	}
	flush()
	return out
}

// BestCycle returns the cycle with the highest pass rate, breaking ties on the
// mean overall rating and then on the earlier cycle. ok is false when nothing
// was recorded.
func (r *RunRecord) BestCycle() (best CycleSummary, ok bool) {
	for _, cs := range r.Cycles() {
		if !ok || cs.PassRate > best.PassRate ||
			(cs.PassRate == best.PassRate && cs.Means.Overall > best.Means.Overall) {
			best, ok = cs, true
		}
	}
	return best, ok
}
