// Package simulation drives bounded conversations between the agent and a
// simulated counterparty.
package simulation

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptgym/api/schemas"
)

// DefaultMaxTurns bounds a conversation when the caller gives no limit.
const DefaultMaxTurns = 10

// DefaultStopPhrases end a conversation when either party says them.
var DefaultStopPhrases = []string{"goodbye", "bye"}

// Participant is one side of a conversation. An empty reply means the party
// could not continue.
type Participant interface {
	Respond(ctx context.Context, input string) string
}

// Simulator runs conversations. It holds no per-conversation state and may be
// reused across scenarios.
type Simulator struct {
	logger      *zap.Logger
	stopPhrases []string
}

// NewSimulator creates a Simulator. A nil or empty stopPhrases uses DefaultStopPhrases.
func NewSimulator(logger *zap.Logger, stopPhrases []string) *Simulator {
	phrases := make([]string, 0, len(stopPhrases))
	for _, p := range stopPhrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			phrases = append(phrases, p)
		}
	}
	if len(phrases) == 0 {
		phrases = DefaultStopPhrases
	}
	return &Simulator{logger: logger.Named("simulator"), stopPhrases: phrases}
}

// Run lets the agent open, then alternates counterparty and agent for at most
// maxTurns exchanges. The transcript holds at most 2*maxTurns+1 turns. It ends
// early on an empty utterance, on a stop phrase (always after the agent has
// answered) or when ctx is done.
func (s *Simulator) Run(ctx context.Context, agent, counterparty Participant, maxTurns int) schemas.Transcript {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	transcript := make(schemas.Transcript, 0, 2*maxTurns+1)

	agentMsg := agent.Respond(ctx, "")
	if agentMsg == "" {
		s.logger.Warn("Agent failed to open the conversation.")
		return transcript
	}
	transcript = append(transcript, schemas.Turn{Speaker: schemas.SpeakerAgent, Text: agentMsg})
	if s.isStop(agentMsg) {
		return transcript
	}

	for turn := 0; turn < maxTurns; turn++ {
		if ctx.Err() != nil {
			s.logger.Debug("Conversation interrupted.", zap.Int("turns", transcript.Len()))
			break
		}

		counterpartyMsg := counterparty.Respond(ctx, agentMsg)
		if counterpartyMsg == "" {
			s.logger.Warn("Counterparty failed to respond.", zap.Int("turns", transcript.Len()))
			break
		}
		transcript = append(transcript, schemas.Turn{Speaker: schemas.SpeakerCounterparty, Text: counterpartyMsg})

		agentMsg = agent.Respond(ctx, counterpartyMsg)
		if agentMsg == "" {
			s.logger.Warn("Agent failed to respond.", zap.Int("turns", transcript.Len()))
			break
		}
		transcript = append(transcript, schemas.Turn{Speaker: schemas.SpeakerAgent, Text: agentMsg})

		if s.isStop(agentMsg) || s.isStop(counterpartyMsg) {
			break
		}
	}

	s.logger.Debug("Conversation finished.", zap.Int("turns", transcript.Len()))
	return transcript
}

func (s *Simulator) isStop(utterance string) bool {
	lower := strings.ToLower(utterance)
	for _, p := range s.stopPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
