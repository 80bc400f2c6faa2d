package mocks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scriptgym/api/schemas"
)

func TestScriptedLLM_RepliesInOrderThenRepeats(t *testing.T) {
	llm := NewScriptedLLM().Reply(schemas.RoleAgent, "one", "two")
	ctx := context.Background()
	req := schemas.GenerationRequest{Role: schemas.RoleAgent}

	for _, want := range []string{"one", "two", "two"} {
		got, err := llm.Generate(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	got, err := llm.Generate(ctx, schemas.GenerationRequest{Role: schemas.RoleEvaluator})
	require.NoError(t, err)
	assert.Empty(t, got, "unscripted roles answer empty")
	assert.Len(t, llm.Calls(schemas.RoleAgent), 3)
	assert.Len(t, llm.Calls(""), 4)
}

func TestScriptedLLM_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewScriptedLLM().Generate(ctx, schemas.GenerationRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecordingEmitter_OfType(t *testing.T) {
	rec := &RecordingEmitter{}
	rec.Emit(context.Background(), schemas.LogEvent("r", "a"))
	rec.Emit(context.Background(), schemas.ErrorEvent("r", "b"))
	rec.Emit(context.Background(), schemas.LogEvent("r", "c"))

	logs := rec.OfType(schemas.EventLog)
	require.Len(t, logs, 2)
	assert.Equal(t, "c", logs[1].Message)
	assert.Len(t, rec.Events(), 3)
}
