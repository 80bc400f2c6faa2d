package persona

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptgym/api/schemas"
)

const counterpartyTemperature = 0.7

// Counterparty role-plays a persona against the agent. Like the agent session,
// it belongs to one scenario and is used sequentially.
type Counterparty struct {
	persona schemas.Persona
	llm     schemas.LLMClient
	logger  *zap.Logger
	history []schemas.Message
}

// NewCounterparty starts a conversation in character as p.
func NewCounterparty(p schemas.Persona, llm schemas.LLMClient, logger *zap.Logger) *Counterparty {
	return &Counterparty{
		persona: p,
		llm:     llm,
		logger:  logger.Named("counterparty").With(zap.String("persona", p.Name)),
		history: []schemas.Message{{Role: schemas.RoleSystem, Content: SystemPrompt(p)}},
	}
}

// Persona returns the profile being played.
func (c *Counterparty) Persona() schemas.Persona { return c.persona }

// Respond replies to the agent's latest utterance. A failed call yields "".
func (c *Counterparty) Respond(ctx context.Context, agentUtterance string) string {
	c.history = append(c.history, schemas.Message{Role: schemas.RoleUser, Content: agentUtterance})

	reply, err := c.llm.Generate(ctx, schemas.GenerationRequest{
		Role:     schemas.RoleGenerator,
		Messages: append([]schemas.Message(nil), c.history...),
		Options:  schemas.GenerationOptions{Temperature: counterpartyTemperature},
	})
	if err != nil {
		c.logger.Warn("Counterparty completion failed", zap.Error(err))
		return ""
	}
	reply = strings.TrimSpace(reply)
	if reply != "" {
		c.history = append(c.history, schemas.Message{Role: schemas.RoleAssistant, Content: reply})
	}
	return reply
}
