package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/scriptgym/api/schemas"
	"github.com/xkilldash9x/scriptgym/internal/config"
)

// contentGenerator is the slice of the genai SDK used here; *genai.Models satisfies it.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// VertexClient implements schemas.LLMClient with the genai SDK against Vertex AI,
// or the Gemini API backend when only an API key is configured.
type VertexClient struct {
	models         contentGenerator
	model          string
	logger         *zap.Logger
	config         config.LLMModelConfig
	backoffFactory backoffFactory
}

// NewVertexClient builds a genai SDK client. Vertex requires a project; a bare API
// key selects the Gemini API backend.
func NewVertexClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*VertexClient, error) {
	cc := &genai.ClientConfig{}
	switch {
	case cfg.Project != "":
		cc.Backend = genai.BackendVertexAI
		cc.Project = cfg.Project
		cc.Location = cfg.Location
	case cfg.APIKey != "":
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = cfg.APIKey
	default:
		return nil, fmt.Errorf("vertex provider requires either a project or an API key")
	}
	cc.HTTPClient = &http.Client{Timeout: timeoutOrDefault(cfg.APITimeout)}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return newVertexClientWith(client.Models, cfg, logger), nil
}

func newVertexClientWith(models contentGenerator, cfg config.LLMModelConfig, logger *zap.Logger) *VertexClient {
	return &VertexClient{
		models:         models,
		model:          cfg.Model,
		logger:         logger.Named("llm_client.vertex"),
		config:         cfg,
		backoffFactory: newBackoffFactory(cfg),
	}
}

// Generate converts the chat history to genai contents and calls the model.
func (c *VertexClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	contents, genCfg := c.buildRequest(req)

	var text string
	operation := func() error {
		resp, err := c.models.GenerateContent(ctx, c.model, contents, genCfg)
		if err != nil {
			var apiErr genai.APIError
			if errors.As(err, &apiErr) && !retryableStatus(apiErr.Code) {
				return backoff.Permanent(fmt.Errorf("genai API error: %w", err))
			}
			c.logger.Warn("genai request failed, retrying...", zap.Error(err))
			return err
		}
		if resp == nil || len(resp.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("genai returned no candidates"))
		}
		text = resp.Text()
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		return "", unwrapPermanent(err)
	}
	return text, nil
}

// Close is a no-op; the SDK client holds no resources beyond its HTTP client.
func (c *VertexClient) Close() error { return nil }

func (c *VertexClient) buildRequest(req schemas.GenerationRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	genCfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Options.Temperature)),
		StopSequences:   req.Options.StopSequences,
		MaxOutputTokens: int32(maxTokens(req.Options, c.config)),
	}
	if req.Options.ForceJSONFormat {
		genCfg.ResponseMIMEType = "application/json"
	}
	if sys := req.SystemPrompt(); sys != "" {
		genCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: sys}}}
	}

	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case schemas.RoleSystem:
			continue
		case schemas.RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	if n := len(contents); n == 0 || contents[n-1].Role != "user" {
		contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: continueTurn}}})
	}
	return contents, genCfg
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
