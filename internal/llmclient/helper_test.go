package llmclient

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scriptgym/api/schemas"
	"github.com/xkilldash9x/scriptgym/internal/config"
)

// setupTestLogger is a helper to create a zap logger for testing with an observer.
func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

// fastBackoff retries immediately, up to the given number of attempts in total.
func fastBackoff(attempts int) backoffFactory {
	return func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), uint64(attempts-1))
	}
}

// getValidLLMConfig returns a valid LLMModelConfig for testing purposes.
func getValidLLMConfig(provider config.LLMProvider) config.LLMModelConfig {
	return config.LLMModelConfig{
		Provider:    provider,
		APIKey:      "test-api-key",
		Model:       "test-model",
		APITimeout:  5 * time.Second,
		MaxAttempts: 3,
	}
}

// createTestRequest provides a standard generation request: a system prompt,
// one exchange, and a pending user turn.
func createTestRequest() schemas.GenerationRequest {
	return schemas.GenerationRequest{
		Role: schemas.RoleAgent,
		Messages: []schemas.Message{
			{Role: schemas.RoleSystem, Content: "You are Rachel."},
			{Role: schemas.RoleAssistant, Content: "Hi, this is Rachel."},
			{Role: schemas.RoleUser, Content: "Who?"},
		},
		Options: schemas.GenerationOptions{
			Temperature:   0.7,
			StopSequences: []string{"Defaulter:", "User:"},
		},
	}
}
