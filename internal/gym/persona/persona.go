// Package persona generates simulated defaulters and role-plays them.
package persona

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptgym/api/schemas"
	"github.com/xkilldash9x/scriptgym/internal/llmutil"
)

const (
	generatorTemperature = 0.9

	generatorSystemPrompt = "You are a creative writer generating personas for training. Output valid flat JSON only."

	generatorPrompt = `Generate a realistic persona for a customer who has defaulted on a loan.
The persona should be challenging but realistic for a debt collection voice agent to handle.

RETURN RAW JSON ONLY. NO MARKDOWN.
Input Schema:
{
  "name": "Full Name (String)",
  "personality_traits": "Traits (String)",
  "financial_situation": "Context (String)",
  "communication_style": "Style (String)",
  "objection_type": "Objection (String)"
}
Ensure all fields are simple strings, not objects.`
)

// DefaultPersona is returned whenever generation fails.
func DefaultPersona() schemas.Persona {
	return schemas.Persona{
		Name:               "John Doe",
		PersonalityTraits:  "Neutral",
		FinancialSituation: "Forgot to pay",
		CommunicationStyle: "Direct",
		ObjectionType:      "Forgot",
	}
}

// Generator produces one persona per scenario.
type Generator struct {
	llm    schemas.LLMClient
	logger *zap.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(llm schemas.LLMClient, logger *zap.Logger) *Generator {
	return &Generator{llm: llm, logger: logger.Named("persona_generator")}
}

// Generate asks the generator role for a persona. It never fails: any
// unavailable, malformed or incomplete output yields DefaultPersona.
func (g *Generator) Generate(ctx context.Context) schemas.Persona {
	req := schemas.GenerationRequest{
		Role: schemas.RoleGenerator,
		Messages: []schemas.Message{
			{Role: schemas.RoleSystem, Content: generatorSystemPrompt},
			{Role: schemas.RoleUser, Content: generatorPrompt},
		},
		Options: schemas.GenerationOptions{
			Temperature:     generatorTemperature,
			ForceJSONFormat: true,
		},
	}

	raw, err := g.llm.Generate(ctx, req)
	if err != nil {
		g.logger.Warn("Persona generation failed, using default persona.", zap.Error(err))
		return DefaultPersona()
	}

	parsed := llmutil.Parse[schemas.Persona](raw)
	if !parsed.OK {
		g.logger.Warn("Persona output was malformed, using default persona.",
			zap.Error(parsed.Err), zap.Int("response_length", len(parsed.Raw)))
		return DefaultPersona()
	}
	if !parsed.Value.Complete() {
		g.logger.Warn("Persona output was incomplete, using default persona.", zap.String("name", parsed.Value.Name))
		return DefaultPersona()
	}

	g.logger.Debug("Persona generated.", zap.String("persona", parsed.Value.Name))
	return parsed.Value
}

// SystemPrompt renders the role-play instructions for p.
func SystemPrompt(p schemas.Persona) string {
	return fmt.Sprintf(`You are roleplaying a specific customer persona who owes money to RiverLine Bank.
Current Persona: %s
Personality Traits: %s
Financial Situation: %s
Communication Style: %s
Primary Objection: %s
Loan Details: $500 overdue, 30 days late.

**INSTRUCTIONS:**
- Respond naturally as a human would in a voice call.
- React emotionally to the Agent's tone. If they are rude or robotic, get angry. If they are empathetic, calm down slightly.
- **Objections:** You have excuses (lost job, medical bills, disputed debt). Make the agent work to find the truth.
- **Resolution:** Only agree to pay if the Agent offers a specific, realistic plan (e.g., small monthly installments) and treats you with respect.
- Keep responses concise (1-3 sentences) to simulate real dialogue.
`, p.Name, p.PersonalityTraits, p.FinancialSituation, p.CommunicationStyle, p.ObjectionType)
}
