package schemas

import (
	"time"
)

// EventType categorises progress events streamed while a run executes.
type EventType string

const (
	EventLog          EventType = "log"
	EventResult       EventType = "result"
	EventOptimization EventType = "optimization"
	EventError        EventType = "error"
	EventDone         EventType = "done"
)

// Event is the envelope for every progress event. Only the fields relevant to
// Type are populated; the JSON form is flat so clients can switch on "type".
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// log / error
	Message string `json:"message,omitempty"`

	// result / optimization
	Cycle    int `json:"cycle,omitempty"`
	Scenario int `json:"scenario,omitempty"`

	// result
	Persona       string        `json:"persona,omitempty"`
	Score         float64       `json:"score,omitempty"`
	Metrics       *ScoreMetrics `json:"metrics,omitempty"`
	Transcript    string        `json:"transcript,omitempty"`
	Feedback      string        `json:"feedback,omitempty"`
	Passed        bool          `json:"passed,omitempty"`
	ScriptUsed    string        `json:"prompt_used,omitempty"`
	UpdatedScript *string       `json:"updated_prompt,omitempty"`

	// optimization
	OldScript string `json:"old_prompt,omitempty"`
	NewScript string `json:"new_prompt,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`

	// done
	Converged   bool    `json:"converged,omitempty"`
	SuccessRate float64 `json:"success_rate,omitempty"`
}

// LogEvent builds a log event.
func LogEvent(runID, message string) Event {
	return Event{Type: EventLog, RunID: runID, Timestamp: time.Now().UTC(), Message: message}
}

// ErrorEvent builds an error event.
func ErrorEvent(runID, message string) Event {
	return Event{Type: EventError, RunID: runID, Timestamp: time.Now().UTC(), Message: message}
}

// ResultEvent builds a result event from a scenario result.
func ResultEvent(runID string, r ScenarioResult) Event {
	metrics := r.Metrics
	return Event{
		Type:          EventResult,
		RunID:         runID,
		Timestamp:     time.Now().UTC(),
		Cycle:         r.Cycle,
		Scenario:      r.Scenario,
		Persona:       r.Persona.Name,
		Score:         r.Score,
		Metrics:       &metrics,
		Transcript:    r.Transcript.String(),
		Feedback:      r.Feedback,
		Passed:        r.Passed,
		ScriptUsed:    r.ScriptUsed,
		UpdatedScript: r.UpdatedScript,
	}
}

// OptimizationEventOf builds an optimization event from a recorded rewrite.
func OptimizationEventOf(runID string, o OptimizationEvent) Event {
	return Event{
		Type:      EventOptimization,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Cycle:     o.Cycle,
		Scenario:  o.Scenario,
		OldScript: o.OldScript,
		NewScript: o.NewScript,
		Reasoning: o.Reasoning,
	}
}

// DoneEvent builds the terminal event of a run.
func DoneEvent(rec *RunRecord) Event {
	return Event{
		Type:        EventDone,
		RunID:       rec.ID,
		Timestamp:   time.Now().UTC(),
		Converged:   rec.Converged,
		SuccessRate: rec.SuccessRate,
		Cycle:       rec.TotalCycles,
	}
}
