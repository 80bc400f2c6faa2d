// Package agent holds the conversational state of the agent-under-test.
package agent

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptgym/api/schemas"
	"github.com/xkilldash9x/scriptgym/internal/gym/script"
)

const (
	// Temperature used for every agent reply.
	Temperature = 0.7
	// DefaultCounterpartyName is used when Reset is given an empty name.
	DefaultCounterpartyName = "John Doe"
)

// StopSequences keep the model from writing the counterparty's side of the call.
// Providers accept at most four.
var StopSequences = []string{"Defaulter:", "User:", "\n\n", "[Your turn"}

// Session is the agent-under-test. It is owned by a single run and is not safe
// for concurrent use; the controller drives it strictly sequentially.
type Session struct {
	llm    schemas.LLMClient
	logger *zap.Logger

	script       schemas.Script
	systemPrompt string
	history      []schemas.Message
}

// NewSession creates a session around the given base template. The system
// prompt carries UnknownNameValue until the first Reset.
func NewSession(llm schemas.LLMClient, logger *zap.Logger, base string) *Session {
	s := &Session{
		llm:    llm,
		logger: logger.Named("agent"),
		script: script.New(base),
	}
	s.applyName(script.UnknownNameValue)
	return s
}

// Reset starts a fresh conversation with the named counterparty.
func (s *Session) Reset(counterpartyName string) {
	if strings.TrimSpace(counterpartyName) == "" {
		counterpartyName = DefaultCounterpartyName
	}
	s.applyName(counterpartyName)
}

func (s *Session) applyName(name string) {
	s.systemPrompt = script.Instantiate(s.script.ComposedText, script.NamePlaceholder, name)
	s.history = []schemas.Message{{Role: schemas.RoleSystem, Content: s.systemPrompt}}
}

// UpdateScript recomposes the script around newText. The running conversation
// keeps its prompt; the change is visible from the next Reset.
func (s *Session) UpdateScript(newText string) {
	s.script = script.Rebase(s.script, newText)
}

// Respond appends input as a user turn (unless empty), asks the model for the
// next agent utterance and records it. A failed call yields "".
func (s *Session) Respond(ctx context.Context, input string) string {
	if input != "" {
		s.history = append(s.history, schemas.Message{Role: schemas.RoleUser, Content: input})
	}

	req := schemas.GenerationRequest{
		Messages: append([]schemas.Message(nil), s.history...),
		Role:     schemas.RoleAgent,
		Options: schemas.GenerationOptions{
			Temperature:   Temperature,
			StopSequences: StopSequences,
		},
	}
	reply, err := s.llm.Generate(ctx, req)
	if err != nil {
		s.logger.Warn("Agent completion failed", zap.Error(err))
		return ""
	}
	reply = strings.TrimSpace(reply)
	if reply != "" {
		s.history = append(s.history, schemas.Message{Role: schemas.RoleAssistant, Content: reply})
	}
	return reply
}

// Script returns the current script.
func (s *Session) Script() schemas.Script { return s.script }

// RawScript returns the composed, un-instantiated script text.
func (s *Session) RawScript() string { return s.script.ComposedText }

// SystemPrompt returns the instantiated prompt of the current conversation.
func (s *Session) SystemPrompt() string { return s.systemPrompt }

// History returns a copy of the conversation so far, system message included.
func (s *Session) History() []schemas.Message {
	return append([]schemas.Message(nil), s.history...)
}
