// Package evaluator grades transcripts against the collection rubric.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptgym/api/schemas"
	"github.com/xkilldash9x/scriptgym/internal/llmutil"
)

// Feedback texts of the fail-closed results.
const (
	FeedbackNoResponse  = "LLM failed to respond"
	FeedbackUnparseable = "CRITICAL ERROR: Evaluator output was unparseable. Treated as total failure."
)

const (
	gradingTemperature = 0.1
	systemPrompt       = "You are a QA lead evaluating voice agents. Return ONLY JSON."

	minScore = 0
	maxScore = 10
)

const rubricTemplate = `You are an expert Voice Agent QA Analyst. Evaluate the conversation based on these 4 metrics on a scale of 1-10 (10 being perfect):

1. **Repetition:** (10 = No repetitive phrases, 1 = Robotically repeats the same lines).
2. **Negotiation:** (10 = Successfully moved towards payment/plan, 1 = Gave up or got rolled over).
3. **Empathy:** (10 = Validated user feelings perfectly, 1 = Cold/Transactional).
4. **Overall:** (The calculated average of the above three scores).

**STRICT GRADING RUBRIC (0-10):**

**FAILURES (Score 1-4):**
- Agent said "I don't have a plan" or "I don't know" -> **AUTOMATIC SCORE: 2**
- Agent tried to pass the buck to a supervisor -> **AUTOMATIC SCORE: 3**
- Agent was polite but offered no financial solution -> **MAX SCORE: 4** (Politeness does not pay bills).

**MEDIOCRE (Score 5-7):**
- Agent offered a plan but it was vague.
- Agent sounded robotic or repetitive.

**SUCCESS (Score 8-10):**
- Agent de-escalated anger effectively.
- Agent proposed a SPECIFIC dollar amount (e.g., "$50/month").
- Agent secured a verbal commitment to pay.

**CRITICAL RULE:** If the Defaulter did not agree to pay by the end of the call, the Negotiation Score CANNOT exceed 4.


**Conversation**:
%s

**CRITICAL:** Return the result in strictly valid JSON format:
{
  "metrics": {
    "repetition": int,
    "negotiation": int,
    "empathy": int
  },
  "overall_score": int,
  "feedback": "string"
}
`

// gradeResponse is the wire shape requested from the grader. overall_score is
// accepted but never trusted. Every metric is required and must be a whole
// number; 8.0 is accepted, 7.6 is not.
type gradeResponse struct {
	Metrics *struct {
		Repetition  *float64 `json:"repetition"`
		Negotiation *float64 `json:"negotiation"`
		Empathy     *float64 `json:"empathy"`
	} `json:"metrics"`
	OverallScore *float64 `json:"overall_score"`
	Feedback     *string  `json:"feedback"`
}

// Evaluator scores a transcript with one grading call.
type Evaluator struct {
	llm    schemas.LLMClient
	logger *zap.Logger
}

// New creates an Evaluator.
func New(llm schemas.LLMClient, logger *zap.Logger) *Evaluator {
	return &Evaluator{llm: llm, logger: logger.Named("evaluator")}
}

// Evaluate grades transcript. It never fails: an unavailable grader or output
// that cannot be parsed yields a zero result with explanatory feedback, which
// always fails any positive threshold.
func (e *Evaluator) Evaluate(ctx context.Context, transcript schemas.Transcript) schemas.EvaluationResult {
	req := schemas.GenerationRequest{
		Role: schemas.RoleEvaluator,
		Messages: []schemas.Message{
			{Role: schemas.RoleSystem, Content: systemPrompt},
			{Role: schemas.RoleUser, Content: BuildPrompt(transcript)},
		},
		Options: schemas.GenerationOptions{
			Temperature:     gradingTemperature,
			ForceJSONFormat: true,
		},
	}

	raw, err := e.llm.Generate(ctx, req)
	if err != nil {
		e.logger.Warn("Grading call failed.", zap.Error(err))
		raw = ""
	}
	return e.Score(raw)
}

// Score turns raw grader output into an EvaluationResult. A missing or
// fractional metric fails closed. Metrics are clamped to the 0-10 scale and
// the overall rating is recomputed from them.
func (e *Evaluator) Score(raw string) schemas.EvaluationResult {
	parsed := llmutil.Parse[gradeResponse](raw)
	if !parsed.OK {
		if errors.Is(parsed.Err, llmutil.ErrEmptyResponse) {
			return failure(FeedbackNoResponse)
		}
		e.logger.Warn("Evaluator output was unparseable.", zap.Error(parsed.Err))
		return failure(FeedbackUnparseable)
	}

	g := parsed.Value
	if g.Metrics == nil || g.Feedback == nil {
		e.logger.Warn("Evaluator output is missing required fields.", zap.String("raw", truncate(raw, 300)))
		return failure(FeedbackUnparseable)
	}

	rep, neg, emp := g.Metrics.Repetition, g.Metrics.Negotiation, g.Metrics.Empathy
	if !wholeScore(rep) || !wholeScore(neg) || !wholeScore(emp) {
		e.logger.Warn("Evaluator metrics are missing or not whole numbers.", zap.String("raw", truncate(raw, 300)))
		return failure(FeedbackUnparseable)
	}

	metrics := schemas.ScoreMetrics{
		Repetition:  clamp(*rep),
		Negotiation: clamp(*neg),
		Empathy:     clamp(*emp),
	}
	result := schemas.EvaluationResult{
		Metrics:       metrics,
		OverallRating: metrics.Overall(),
		Feedback:      *g.Feedback,
	}
	if g.OverallScore != nil && math.Abs(*g.OverallScore-result.OverallRating) >= 1 {
		e.logger.Debug("Grader overall score disagrees with its metrics; using the recomputed mean.",
			zap.Float64("reported", *g.OverallScore), zap.Float64("recomputed", result.OverallRating))
	}
	return result
}

// BuildPrompt renders the rubric around the serialised transcript.
func BuildPrompt(transcript schemas.Transcript) string {
	return fmt.Sprintf(rubricTemplate, transcript.String())
}

func failure(feedback string) schemas.EvaluationResult {
	return schemas.EvaluationResult{Feedback: feedback}
}

// wholeScore reports whether a metric is present and integral.
func wholeScore(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0) && *v == math.Trunc(*v)
}

func clamp(v float64) int {
	if v < minScore {
		return minScore
	}
	if v > maxScore {
		return maxScore
	}
	return int(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
