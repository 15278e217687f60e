package llm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opsagent-dev/opsagent/pkg/agent/models"
)

func TestToOpenAIMessages(t *testing.T) {
	messages, err := toOpenAIMessages([]models.Message{
		{Role: "system", Content: "be helpful"},
		{Role: "user", Content: "list my buckets"},
		{Role: "assistant", Content: "", ToolCalls: []models.ToolCall{
			{ID: "call_1", Name: "list_buckets", Arguments: map[string]interface{}{"region": "us-east-1"}},
		}},
		{Role: "tool", Content: `["a","b"]`, ToolCallID: "call_1"},
		{Role: "assistant", Content: "you have two buckets"},
	})
	require.NoError(t, err)
	require.Len(t, messages, 5)

	assistant := messages[2].OfAssistant
	require.NotNil(t, assistant)
	require.Len(t, assistant.ToolCalls, 1)
	require.Equal(t, "call_1", assistant.ToolCalls[0].OfFunction.ID)
	require.Equal(t, "list_buckets", assistant.ToolCalls[0].OfFunction.Function.Name)
	require.JSONEq(t, `{"region":"us-east-1"}`, assistant.ToolCalls[0].OfFunction.Function.Arguments)
}

func TestToOpenAIMessagesUnknownRole(t *testing.T) {
	_, err := toOpenAIMessages([]models.Message{{Role: "observer", Content: "x"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported message role")
}
