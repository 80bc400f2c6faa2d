package schemas

import (
	"context"
)

// -- LLM Client Schemas & Interface --

// Role identifies the author of a single message in a chat history.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the chat history sent to a completion provider.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// AgentRole names the logical caller of a completion. Each role can be routed to a
// different model, and at most one call per role is in flight at a time.
type AgentRole string

const (
	RoleAgent     AgentRole = "agent"     // The agent-under-test speaking its script.
	RoleGenerator AgentRole = "generator" // Persona generation and the simulated defaulter.
	RoleEvaluator AgentRole = "evaluator" // Transcript grading.
	RoleOptimizer AgentRole = "optimizer" // Script rewriting.
)

// AllAgentRoles lists every logical role in routing order.
var AllAgentRoles = []AgentRole{RoleAgent, RoleGenerator, RoleEvaluator, RoleOptimizer}

// GenerationOptions provides detailed parameters to control the text generation
// process of the LLM, such as creativity (temperature) and output format.
type GenerationOptions struct {
	Temperature     float64  `json:"temperature"`              // Controls randomness. Lower is more deterministic.
	ForceJSONFormat bool     `json:"force_json_format"`        // If true, asks the provider for a JSON-only response.
	StopSequences   []string `json:"stop_sequences,omitempty"` // Generation halts when any of these is produced.
	MaxTokens       int      `json:"max_tokens,omitempty"`     // Zero means provider default.
}

// GenerationRequest encapsulates a complete request to the LLM: the ordered chat
// history, the logical role making the call, and generation options.
type GenerationRequest struct {
	Messages []Message         `json:"messages"`
	Role     AgentRole         `json:"role"`
	Options  GenerationOptions `json:"options"`
}

// SystemPrompt joins every system message in the history, in order.
func (r GenerationRequest) SystemPrompt() string {
	var out string
	for _, m := range r.Messages {
		if m.Role != RoleSystem {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += m.Content
	}
	return out
}

// LLMClient defines a standard interface for interacting with a Large Language
// Model, abstracting the specifics of the underlying provider (e.g., Gemini, Groq).
type LLMClient interface {
	// Generate produces a text completion based on the provided request. Retries
	// and backoff are internal to the implementation; an error means the retry
	// budget is exhausted.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Close cleans up any resources held by the client (e.g., network connections, SDK resources).
	Close() error
}
