package persona

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scriptgym/api/schemas"
	"github.com/xkilldash9x/scriptgym/internal/mocks"
)

const validPersonaJSON = `{"name":"Maria Lopez","personality_traits":"Anxious, evasive","financial_situation":"Lost her job last month","communication_style":"Short answers","objection_type":"I have no money"}`

func TestGenerator_Generate(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		err      error
		expected schemas.Persona
		logMsg   string
	}{
		{
			name:  "clean JSON",
			reply: validPersonaJSON,
			expected: schemas.Persona{
				Name: "Maria Lopez", PersonalityTraits: "Anxious, evasive", FinancialSituation: "Lost her job last month",
				CommunicationStyle: "Short answers", ObjectionType: "I have no money",
			},
		},
		{
			name:     "fenced JSON with chatter",
			reply:    "Sure! Here you go:\n```json\n" + validPersonaJSON + "\n```",
			expected: schemas.Persona{Name: "Maria Lopez", PersonalityTraits: "Anxious, evasive", FinancialSituation: "Lost her job last month", CommunicationStyle: "Short answers", ObjectionType: "I have no money"},
		},
		{
			name:     "nested object field",
			reply:    `{"name":"X","personality_traits":{"primary":"angry"},"financial_situation":"a","communication_style":"b","objection_type":"c"}`,
			expected: DefaultPersona(),
			logMsg:   "Persona output was malformed, using default persona.",
		},
		{
			name:     "missing field",
			reply:    `{"name":"X","personality_traits":"a","financial_situation":"b","communication_style":"c"}`,
			expected: DefaultPersona(),
			logMsg:   "Persona output was incomplete, using default persona.",
		},
		{
			name:     "empty reply",
			reply:    "",
			expected: DefaultPersona(),
			logMsg:   "Persona output was malformed, using default persona.",
		},
		{
			name:     "completion error",
			err:      errors.New("unavailable"),
			expected: DefaultPersona(),
			logMsg:   "Persona generation failed, using default persona.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.DebugLevel)
			llm := mocks.NewScriptedLLM().On(schemas.RoleGenerator, func(schemas.GenerationRequest) (string, error) {
				return tt.reply, tt.err
			})
			got := NewGenerator(llm, zap.New(core)).Generate(context.Background())
			assert.Equal(t, tt.expected, got)
			if tt.logMsg != "" {
				assert.Equal(t, 1, logs.FilterMessage(tt.logMsg).Len())
			}

			calls := llm.Calls(schemas.RoleGenerator)
			require.Len(t, calls, 1, "no retry on malformed output")
			assert.True(t, calls[0].Options.ForceJSONFormat)
		})
	}
}

func TestSystemPrompt(t *testing.T) {
	p := DefaultPersona()
	prompt := SystemPrompt(p)
	assert.Contains(t, prompt, "Current Persona: John Doe")
	assert.Contains(t, prompt, "RiverLine Bank")
	assert.Contains(t, prompt, "$500 overdue, 30 days late")
	assert.Contains(t, prompt, "1-3 sentences")
}

func TestCounterparty_Respond(t *testing.T) {
	llm := mocks.NewScriptedLLM().Reply(schemas.RoleGenerator, "Who is this?", "")
	cp := NewCounterparty(DefaultPersona(), llm, zaptest.NewLogger(t))
	ctx := context.Background()

	assert.Equal(t, "Who is this?", cp.Respond(ctx, "Hi, this is Rachel."))
	assert.Empty(t, cp.Respond(ctx, "Rachel from RiverLine Bank."))

	calls := llm.Calls(schemas.RoleGenerator)
	require.Len(t, calls, 2)
	require.Len(t, calls[1].Messages, 4)
	assert.Equal(t, schemas.RoleSystem, calls[1].Messages[0].Role)
	assert.Equal(t, schemas.RoleAssistant, calls[1].Messages[2].Role)
	assert.Equal(t, "Rachel from RiverLine Bank.", calls[1].Messages[3].Content)
	assert.Equal(t, "John Doe", cp.Persona().Name)
}
