// Package optimizer rewrites the agent script from observed failures.
package optimizer

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptgym/api/schemas"
	"github.com/xkilldash9x/scriptgym/internal/llmutil"
)

const (
	rewriteTemperature = 0.4
	systemPrompt       = "You are an expert prompt engineer. You output only raw text prompt files."
)

// Reasoning summarises why a rewrite was requested. It is recorded with the
// optimization event.
type Reasoning struct {
	Brief   string
	Changed bool
}

// Optimizer issues one rewrite call per invocation.
type Optimizer struct {
	llm    schemas.LLMClient
	logger *zap.Logger
}

// New creates an Optimizer.
func New(llm schemas.LLMClient, logger *zap.Logger) *Optimizer {
	return &Optimizer{llm: llm, logger: logger.Named("optimizer")}
}

// Optimize asks for a rewrite of currentScript that addresses failures. An
// unavailable or empty response returns currentScript unchanged, so the agent
// is never left without a script.
func (o *Optimizer) Optimize(ctx context.Context, currentScript string, failures []schemas.FailureRecord, passRate float64, thresholds schemas.ThresholdSet) (string, Reasoning) {
	brief := FailureBrief(failures, thresholds)
	reasoning := Reasoning{Brief: brief}

	req := schemas.GenerationRequest{
		Role: schemas.RoleOptimizer,
		Messages: []schemas.Message{
			{Role: schemas.RoleSystem, Content: systemPrompt},
			{Role: schemas.RoleUser, Content: BuildPrompt(currentScript, brief, passRate, thresholds)},
		},
		Options: schemas.GenerationOptions{Temperature: rewriteTemperature},
	}

	raw, err := o.llm.Generate(ctx, req)
	if err != nil {
		o.logger.Warn("Rewrite call failed, keeping the current script.", zap.Error(err))
		return currentScript, reasoning
	}

	rewritten := llmutil.CleanTextOutput(raw)
	if rewritten == "" {
		o.logger.Warn("Rewrite call returned nothing, keeping the current script.")
		return currentScript, reasoning
	}

	reasoning.Changed = rewritten != currentScript
	o.logger.Info("Script rewritten.",
		zap.Int("failures", len(failures)),
		zap.Int("old_length", len(currentScript)),
		zap.Int("new_length", len(rewritten)),
	)
	return rewritten, reasoning
}

// Gaps lists every metric of r below its threshold as "Metric (got < target)".
func Gaps(r schemas.EvaluationResult, t schemas.ThresholdSet) []string {
	var gaps []string
	check := func(name string, got, target float64) {
		if got < target {
			gaps = append(gaps, fmt.Sprintf("%s (%s < %s)", name, formatScore(got), formatScore(target)))
		}
	}
	check("Repetition", float64(r.Metrics.Repetition), t.Repetition)
	check("Negotiation", float64(r.Metrics.Negotiation), t.Negotiation)
	check("Empathy", float64(r.Metrics.Empathy), t.Empathy)
	check("Overall", r.OverallRating, t.Overall)
	return gaps
}

// FailureBrief renders one line per failure with its persona, gaps and feedback.
func FailureBrief(failures []schemas.FailureRecord, t schemas.ThresholdSet) string {
	lines := make([]string, 0, len(failures))
	for _, f := range failures {
		name := f.Persona.Name
		if name == "" {
			name = "Unknown"
		}
		gaps := strings.Join(Gaps(f.Result, t), ", ")
		if gaps == "" {
			gaps = "none"
		}
		lines = append(lines, fmt.Sprintf("- **Scenario: %s** | Gaps: %s | Feedback: %s", name, gaps, f.Result.Feedback))
	}
	return strings.Join(lines, "\n")
}

// BuildPrompt renders the rewrite instructions.
func BuildPrompt(currentScript, brief string, passRate float64, t schemas.ThresholdSet) string {
	var sb strings.Builder
	sb.WriteString("You are a Lead Conversation Designer and AI Architect.\n")
	sb.WriteString("Your task is to REWRITE an AI System Prompt to fix specific behavioral failures observed in testing.\n\n")

	sb.WriteString("**CONTEXT:**\n")
	sb.WriteString("We are training a Debt Collection Voice Agent.\n")
	fmt.Fprintf(&sb, "- Current Success Rate: %.1f%%\n", passRate*100)
	fmt.Fprintf(&sb, "- Target Overall Score: %s/10\n", formatScore(t.Overall))
	fmt.Fprintf(&sb, "- Target Metrics: Repetition: %s, Negotiation: %s, Empathy: %s, Overall: %s\n\n",
		formatScore(t.Repetition), formatScore(t.Negotiation), formatScore(t.Empathy), formatScore(t.Overall))

	sb.WriteString("**INPUT DATA:**\n")
	sb.WriteString("--- CURRENT SYSTEM PROMPT ---\n")
	sb.WriteString(currentScript)
	sb.WriteString("\n-----------------------------\n\n")
	sb.WriteString("--- FAILED TEST CASES ---\n")
	sb.WriteString(brief)
	sb.WriteString("\n-------------------------\n\n")

	sb.WriteString(`**DIAGNOSTIC PROTOCOL (Mental Sandbox):**
1. Analyze the failures. Did the Agent freeze? Did it get angry? Did it lack a plan?
2. Map failures to specific fixes:
   - **Low Negotiation:** The Agent likely lacked specific numbers/authority. -> *Action: Add specific authorized offers (e.g., "$50/mo").*
   - **Low Empathy:** The Agent ignored the user's struggle. -> *Action: Add a rule to "Always validate hardship before asking for money".*
   - **Low Repetition:** The Agent repeated the same phrase. -> *Action: Add a rule to "Vary responses".*
   - **"No Plan":** The Agent said "I don't know". -> *Action: Explicitly provide policy details (Company Name, PO Box, Interest Rate).*

**INSTRUCTIONS FOR REWRITING:**
Rewrite the CURRENT SYSTEM PROMPT to fix these issues.

**CRITICAL CONSTRAINT CHECKLIST:**
1. **PRESERVE SAFETY:** Do NOT remove the CRITICAL OUTPUT RULES (No headers, no markdown) at the top.
2. **ANTI-HALLUCINATION:** Keep the "Strict Constraints" but MODIFY them to allow specific authorized actions (like offering a payment plan).
3. **XML HYGIENE:** Use strictly valid XML tags.
   - CORRECT: <instructions>...</instructions>
   - WRONG: <instructions... or </instructionsinstructions>
4. **NO DYNAMIC MATH:** Hardcode all numbers.

**OUTPUT:**
Return ONLY the full, refined System Prompt. Do not include explanation or markdown backticks.
`)
	return sb.String()
}

func formatScore(v float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%.1f", v), ".0")
}
