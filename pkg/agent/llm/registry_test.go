package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/opsagent-dev/opsagent/pkg/agent/models"
)

// MockProvider for testing
type MockProvider struct {
	mock.Mock
	name string
}

func (m *MockProvider) Chat(ctx context.Context, request models.LLMRequest) (*models.LLMResponse, error) {
	args := m.Called(ctx, request)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LLMResponse), args.Error(1)
}

func (m *MockProvider) Name() string {
	return m.name
}

func (m *MockProvider) SupportedModels() []string {
	return []string{"mock-model-1", "mock-model-2"}
}

func TestRegistry_Register(t *testing.T) {
	registry := NewRegistry()

	provider := &MockProvider{name: "test-provider"}

	// First registration should succeed
	err := registry.Register(provider)
	require.NoError(t, err)

	// Duplicate registration should fail
	err = registry.Register(provider)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already registered")
}

func TestRegistry_Get(t *testing.T) {
	registry := NewRegistry()

	provider1 := &MockProvider{name: "provider1"}
	provider2 := &MockProvider{name: "provider2"}

	require.NoError(t, registry.Register(provider1))
	require.NoError(t, registry.Register(provider2))

	retrieved, err := registry.Get("provider1")
	require.NoError(t, err)
	require.Equal(t, "provider1", retrieved.Name())

	_, err = registry.Get("nonexistent")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestRegistry_List(t *testing.T) {
	registry := NewRegistry()

	names := registry.List()
	require.Empty(t, names)

	provider1 := &MockProvider{name: "provider1"}
	provider2 := &MockProvider{name: "provider2"}

	require.NoError(t, registry.Register(provider1))
	require.NoError(t, registry.Register(provider2))

	names = registry.List()
	require.Len(t, names, 2)
	require.Contains(t, names, "provider1")
	require.Contains(t, names, "provider2")
}

func TestRegistry_Concurrent(t *testing.T) {
	registry := NewRegistry()

	done := make(chan bool, 10)

	for i := 0; i < 10; i++ {
		go func(idx int) {
			provider := &MockProvider{name: string(rune('a' + idx))}
			registry.Register(provider)
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	names := registry.List()
	require.Len(t, names, 10)
}
