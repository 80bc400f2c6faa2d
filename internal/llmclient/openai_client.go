package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scriptgym/api/schemas"
	"github.com/xkilldash9x/scriptgym/internal/config"
)

// Base URLs of the OpenAI-compatible providers.
const (
	groqBaseURL   = "https://api.groq.com/openai/v1"
	openAIBaseURL = "https://api.openai.com/v1"
	localBaseURL  = "http://localhost:1234/v1"

	localPlaceholderKey = "lm-studio"
)

// OpenAICompatClient talks to any chat-completions endpoint speaking the OpenAI
// wire format: Groq, OpenAI and local servers such as LM Studio.
type OpenAICompatClient struct {
	provider       config.LLMProvider
	apiKey         string
	endpoint       string
	model          string
	httpClient     *http.Client
	limiter        *rate.Limiter
	rateLimitWait  time.Duration
	logger         *zap.Logger
	config         config.LLMModelConfig
	backoffFactory backoffFactory
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	Stop           []string        `json:"stop,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// NewOpenAICompatClient initializes a client for groq, openai or local.
func NewOpenAICompatClient(cfg config.LLMModelConfig, logger *zap.Logger) (*OpenAICompatClient, error) {
	baseURL := strings.TrimRight(cfg.Endpoint, "/")
	apiKey := cfg.APIKey

	switch cfg.Provider {
	case config.ProviderGroq:
		if baseURL == "" {
			baseURL = groqBaseURL
		}
	case config.ProviderOpenAI:
		if baseURL == "" {
			baseURL = openAIBaseURL
		}
	case config.ProviderLocal:
		if baseURL == "" {
			baseURL = localBaseURL
		}
		if apiKey == "" {
			apiKey = localPlaceholderKey
		}
	default:
		return nil, fmt.Errorf("provider %q is not OpenAI-compatible", cfg.Provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%s API Key is required", cfg.Provider)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &OpenAICompatClient{
		provider:       cfg.Provider,
		apiKey:         apiKey,
		endpoint:       baseURL + "/chat/completions",
		model:          cfg.Model,
		httpClient:     &http.Client{Timeout: timeoutOrDefault(cfg.APITimeout)},
		limiter:        limiter,
		rateLimitWait:  cfg.RateLimitWait,
		logger:         logger.Named("llm_client." + string(cfg.Provider)),
		config:         cfg,
		backoffFactory: newBackoffFactory(cfg),
	}, nil
}

// Generate posts the chat history and returns the first choice's content.
func (c *OpenAICompatClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	var content string
	attempt := 0
	operation := func() error {
		attempt++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(fmt.Errorf("rate limiter error: %w", err))
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err), zap.Int("attempt", attempt))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := c.cooldown(resp.Header.Get("Retry-After"), attempt)
			c.logger.Warn("Rate limit hit, cooling down", zap.Duration("wait", wait), zap.Int("attempt", attempt))
			if err := sleepCtx(ctx, wait); err != nil {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("%s API rate limited (429)", c.provider)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s API server error: status %d, body: %s", c.provider, resp.StatusCode, truncate(string(respBody), 512))
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("%s API error: status %d, body: %s", c.provider, resp.StatusCode, truncate(string(respBody), 512)))
		}

		var payload chatResponse
		if err := json.Unmarshal(respBody, &payload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}
		if len(payload.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("%s API returned no choices", c.provider))
		}

		c.logger.Debug("LLM generation complete",
			zap.String("role", string(req.Role)),
			zap.Duration("duration", time.Since(start)),
			zap.Int("prompt_tokens", payload.Usage.PromptTokens),
			zap.Int("completion_tokens", payload.Usage.CompletionTokens),
		)
		content = payload.Choices[0].Message.Content
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		return "", unwrapPermanent(err)
	}
	return content, nil
}

// Close releases idle connections.
func (c *OpenAICompatClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *OpenAICompatClient) buildRequest(req schemas.GenerationRequest) chatRequest {
	out := chatRequest{
		Model:       c.model,
		Messages:    make([]chatMessage, 0, len(req.Messages)),
		Temperature: req.Options.Temperature,
		Stop:        req.Options.StopSequences,
		MaxTokens:   maxTokens(req.Options, c.config),
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	// Local servers commonly reject response_format.
	if req.Options.ForceJSONFormat && c.provider != config.ProviderLocal {
		out.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	// OpenAI accepts at most four stop sequences.
	if len(out.Stop) > 4 {
		out.Stop = out.Stop[:4]
	}
	return out
}

// cooldown honours Retry-After when given in seconds, otherwise grows linearly
// with the attempt number.
func (c *OpenAICompatClient) cooldown(retryAfter string, attempt int) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return c.rateLimitWait * time.Duration(attempt)
}
