// Package llm provides the reasoning capability: given conversation
// history and the gateway tool definitions, a provider returns either
// a final answer or a batch of tool calls.
package llm

import (
	"context"

	"github.com/opsagent-dev/opsagent/pkg/agent/models"
)

// Provider is an interface for reasoning model providers.
type Provider interface {
	// Chat sends one reasoning round and returns the response.
	Chat(ctx context.Context, request models.LLMRequest) (*models.LLMResponse, error)

	// Name returns the provider name.
	Name() string

	// SupportedModels returns a list of supported model names.
	SupportedModels() []string
}

// ProviderRegistry manages reasoning providers by name.
type ProviderRegistry interface {
	Register(provider Provider) error
	Get(name string) (Provider, error)
	List() []string
}
