package models

import (
	"time"
)

// IdentityClaims is the validated identity carried through one request.
// Immutable after validation.
type IdentityClaims struct {
	Subject   string    `json:"subject"`
	Issuer    string    `json:"issuer"`
	Audience  string    `json:"audience"`
	ExpiresAt time.Time `json:"expires_at"`
	Scopes    []string  `json:"scopes,omitempty"`
}

// HasScope reports whether the claims carry the given scope.
func (c *IdentityClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// WorkloadCredential is a short-lived service-to-service credential
// exchanged from a validated user identity. Held in process memory
// only; an expired credential must never reach the gateway.
type WorkloadCredential struct {
	Token     string
	Subject   string
	Scope     string
	ExpiresAt time.Time
}

// Expired reports whether the credential is past its lifetime.
func (c *WorkloadCredential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Message is one entry in the conversation handed to the reasoning
// provider. Role is one of system, user, assistant, tool.
type Message struct {
	Role       string                 `json:"role"`
	Content    string                 `json:"content"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Tool describes an invocable gateway tool: name, description, and a
// JSON-schema argument description. The set is discovered from the
// gateway at startup, not re-derived per call.
//
// Precondition: every registered tool is a side-effect-free read. The
// gateway client retries invocations and therefore assumes replaying a
// call is safe; declaring a mutating tool violates this contract.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ToolCall is a reasoning-issued request to invoke a gateway tool.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolCallResult carries either the tool's payload or a typed failure.
// A failed call is data fed back to reasoning, not a request error.
type ToolCallResult struct {
	CallID        string        `json:"call_id"`
	Name          string        `json:"name"`
	CorrelationID string        `json:"correlation_id"`
	Content       string        `json:"content,omitempty"`
	Err           error         `json:"-"`
	ErrorMessage  string        `json:"error,omitempty"`
	Latency       time.Duration `json:"latency"`
}

// Failed reports whether the invocation produced an error payload.
func (r *ToolCallResult) Failed() bool { return r.Err != nil || r.ErrorMessage != "" }

// LLMRequest is one reasoning round: full history plus tool definitions.
type LLMRequest struct {
	Messages []Message   `json:"messages"`
	Tools    []Tool      `json:"tools,omitempty"`
	Config   ModelConfig `json:"model_config"`
}

// LLMResponse is the reasoning outcome: either final content or a
// batch of tool calls to dispatch.
type LLMResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	ModelUsed    string     `json:"model_used,omitempty"`
	TokenUsage   TokenUsage `json:"token_usage"`
}

// ModelConfig selects and tunes the reasoning model.
type ModelConfig struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p,omitempty"`
}

// TokenUsage tracks token consumption across reasoning rounds.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates usage from another round.
func (t *TokenUsage) Add(other TokenUsage) {
	t.PromptTokens += other.PromptTokens
	t.CompletionTokens += other.CompletionTokens
	t.TotalTokens += other.TotalTokens
}
