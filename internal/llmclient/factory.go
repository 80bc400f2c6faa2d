// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptgym/api/schemas"
	"github.com/xkilldash9x/scriptgym/internal/config"
)

// NewClient is a factory function that creates an LLMClient based on the configuration.
func NewClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(cfg, logger)
	case config.ProviderGroq, config.ProviderOpenAI, config.ProviderLocal:
		return NewOpenAICompatClient(cfg, logger)
	case config.ProviderVertex:
		return NewVertexClient(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s, %s, %s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderGroq, config.ProviderOpenAI, config.ProviderLocal, config.ProviderVertex)
	}
}

// NewRouterFromConfig builds one client for the default model plus one per role
// override, and wraps them in a RoleRouter.
func NewRouterFromConfig(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger, opts ...RouterOption) (*RoleRouter, error) {
	def, err := NewClient(ctx, cfg.Default, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create default LLM client: %w", err)
	}

	overrides := make(map[schemas.AgentRole]schemas.LLMClient)
	for _, role := range schemas.AllAgentRoles {
		if !cfg.HasOverride(role) {
			continue
		}
		client, err := NewClient(ctx, cfg.ForRole(role), logger)
		if err != nil {
			_ = def.Close()
			for _, c := range overrides {
				_ = c.Close()
			}
			return nil, fmt.Errorf("failed to create LLM client for role %s: %w", role, err)
		}
		overrides[role] = client
	}

	return NewRoleRouter(logger, def, overrides, opts...)
}
