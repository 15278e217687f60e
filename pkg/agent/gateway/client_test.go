package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	agenterrors "github.com/opsagent-dev/opsagent/pkg/agent/errors"
	"github.com/opsagent-dev/opsagent/pkg/agent/models"
)

type fakeCaller struct {
	bearer    string
	callTool  func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	listTools func(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	onClose   func()
}

func (f *fakeCaller) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{}, nil
}

func (f *fakeCaller) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if f.listTools == nil {
		return &mcp.ListToolsResult{}, nil
	}
	return f.listTools(ctx, req)
}

func (f *fakeCaller) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return f.callTool(ctx, req)
}

func (f *fakeCaller) Close() error {
	if f.onClose != nil {
		f.onClose()
	}
	return nil
}

func newTestClient(t *testing.T, cfg Config, dial func(ctx context.Context, bearer string) (caller, error)) *Client {
	t.Helper()
	if cfg.URL == "" {
		cfg.URL = "http://gateway.test/mcp"
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Millisecond
	}
	c, err := NewClient(cfg, logr.Discard())
	require.NoError(t, err)
	c.dial = dial
	return c
}

func validCred() *models.WorkloadCredential {
	return &models.WorkloadCredential{
		Token:     "token-1",
		Subject:   "user-123",
		Scope:     "tools/read",
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func listBucketsCall() *models.ToolCall {
	return &models.ToolCall{
		ID:        "call_1",
		Name:      "list_buckets",
		Arguments: map[string]interface{}{"region": "us-east-1"},
	}
}

func TestInvokeSuccess(t *testing.T) {
	var correlation string
	c := newTestClient(t, Config{}, func(ctx context.Context, bearer string) (caller, error) {
		return &fakeCaller{
			bearer: bearer,
			callTool: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				require.Equal(t, "list_buckets", req.Params.Name)
				correlation, _ = req.Params.Meta.AdditionalFields["correlationId"].(string)
				return mcp.NewToolResultText(`["alpha","beta","gamma"]`), nil
			},
		}, nil
	})

	result := c.Invoke(context.Background(), listBucketsCall(), validCred(), nil)

	require.False(t, result.Failed())
	require.Equal(t, `["alpha","beta","gamma"]`, result.Content)
	require.Equal(t, "call_1", result.CallID)
	require.NotEmpty(t, result.CorrelationID)
	require.Equal(t, result.CorrelationID, correlation)
	require.Greater(t, result.Latency, time.Duration(0))
}

func TestInvokeRetriesTransientFailures(t *testing.T) {
	var attempts atomic.Int64
	c := newTestClient(t, Config{MaxAttempts: 3}, func(ctx context.Context, bearer string) (caller, error) {
		return &fakeCaller{
			callTool: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				if attempts.Add(1) < 3 {
					return nil, errors.New("connection reset by peer")
				}
				return mcp.NewToolResultText("ok"), nil
			},
		}, nil
	})

	result := c.Invoke(context.Background(), listBucketsCall(), validCred(), nil)

	require.False(t, result.Failed())
	require.Equal(t, "ok", result.Content)
	require.EqualValues(t, 3, attempts.Load())
}

func TestInvokeExhaustsAttempts(t *testing.T) {
	var attempts atomic.Int64
	c := newTestClient(t, Config{MaxAttempts: 3}, func(ctx context.Context, bearer string) (caller, error) {
		return &fakeCaller{
			callTool: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				attempts.Add(1)
				return nil, errors.New("connection reset by peer")
			},
		}, nil
	})

	result := c.Invoke(context.Background(), listBucketsCall(), validCred(), nil)

	require.True(t, result.Failed())
	require.EqualValues(t, 3, attempts.Load())
	var gwErr *agenterrors.GatewayError
	require.ErrorAs(t, result.Err, &gwErr)
	require.Equal(t, agenterrors.GatewayUnavailable, gwErr.Reason)
}

func TestInvokeToolErrorNotRetried(t *testing.T) {
	var attempts atomic.Int64
	c := newTestClient(t, Config{MaxAttempts: 3}, func(ctx context.Context, bearer string) (caller, error) {
		return &fakeCaller{
			callTool: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				attempts.Add(1)
				return mcp.NewToolResultError("bucket does not exist"), nil
			},
		}, nil
	})

	result := c.Invoke(context.Background(), listBucketsCall(), validCred(), nil)

	require.True(t, result.Failed())
	require.EqualValues(t, 1, attempts.Load())
	var gwErr *agenterrors.GatewayError
	require.ErrorAs(t, result.Err, &gwErr)
	require.Equal(t, agenterrors.GatewayToolError, gwErr.Reason)
	require.Contains(t, result.ErrorMessage, "bucket does not exist")
}

func TestInvokeTimeoutIsCapturedInResult(t *testing.T) {
	c := newTestClient(t, Config{MaxAttempts: 1, CallTimeout: 20 * time.Millisecond}, func(ctx context.Context, bearer string) (caller, error) {
		return &fakeCaller{
			callTool: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}, nil
	})

	result := c.Invoke(context.Background(), listBucketsCall(), validCred(), nil)

	require.True(t, result.Failed())
	var gwErr *agenterrors.GatewayError
	require.ErrorAs(t, result.Err, &gwErr)
	require.Equal(t, agenterrors.GatewayTimeout, gwErr.Reason)
	require.Equal(t, "TIMEOUT", agenterrors.Code(result.Err))
}

func TestInvokeRefreshesCredentialExactlyOnce(t *testing.T) {
	var refreshes atomic.Int64
	c := newTestClient(t, Config{MaxAttempts: 1}, func(ctx context.Context, bearer string) (caller, error) {
		return &fakeCaller{
			callTool: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				if bearer == "token-1" {
					return nil, errors.New("request failed: 401 Unauthorized")
				}
				return mcp.NewToolResultText("ok"), nil
			},
		}, nil
	})

	refresh := func(ctx context.Context) (*models.WorkloadCredential, error) {
		refreshes.Add(1)
		cred := validCred()
		cred.Token = "token-2"
		return cred, nil
	}

	result := c.Invoke(context.Background(), listBucketsCall(), validCred(), refresh)

	require.False(t, result.Failed())
	require.Equal(t, "ok", result.Content)
	require.EqualValues(t, 1, refreshes.Load())
}

func TestInvokeRejectionAfterRefreshFails(t *testing.T) {
	var refreshes atomic.Int64
	c := newTestClient(t, Config{MaxAttempts: 1}, func(ctx context.Context, bearer string) (caller, error) {
		return &fakeCaller{
			callTool: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return nil, errors.New("request failed: 401 Unauthorized")
			},
		}, nil
	})

	refresh := func(ctx context.Context) (*models.WorkloadCredential, error) {
		refreshes.Add(1)
		cred := validCred()
		cred.Token = "token-2"
		return cred, nil
	}

	result := c.Invoke(context.Background(), listBucketsCall(), validCred(), refresh)

	require.True(t, result.Failed())
	require.EqualValues(t, 1, refreshes.Load())
	var gwErr *agenterrors.GatewayError
	require.ErrorAs(t, result.Err, &gwErr)
	require.Equal(t, agenterrors.GatewayRejected, gwErr.Reason)
}

func TestInvokeRefusesExpiredCredential(t *testing.T) {
	var sawTokens []string
	c := newTestClient(t, Config{MaxAttempts: 1}, func(ctx context.Context, bearer string) (caller, error) {
		sawTokens = append(sawTokens, bearer)
		return &fakeCaller{
			callTool: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return mcp.NewToolResultText("ok"), nil
			},
		}, nil
	})

	expired := validCred()
	expired.ExpiresAt = time.Now().Add(-time.Minute)

	refresh := func(ctx context.Context) (*models.WorkloadCredential, error) {
		cred := validCred()
		cred.Token = "fresh-token"
		return cred, nil
	}

	result := c.Invoke(context.Background(), listBucketsCall(), expired, refresh)

	require.False(t, result.Failed())
	// The expired token never reaches the gateway.
	require.Equal(t, []string{"fresh-token"}, sawTokens)
}

func TestInvokeCredentialRolloverReplacesSession(t *testing.T) {
	var dials, closes atomic.Int64
	c := newTestClient(t, Config{MaxAttempts: 1}, func(ctx context.Context, bearer string) (caller, error) {
		dials.Add(1)
		return &fakeCaller{
			onClose: func() { closes.Add(1) },
			callTool: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return mcp.NewToolResultText("ok"), nil
			},
		}, nil
	})

	for i := 0; i < 5; i++ {
		cred := validCred()
		cred.Token = fmt.Sprintf("token-%d", i)
		result := c.Invoke(context.Background(), listBucketsCall(), cred, nil)
		require.False(t, result.Failed())
	}

	// One live session per subject; every superseded one is closed.
	require.EqualValues(t, 5, dials.Load())
	require.EqualValues(t, 4, closes.Load())
	c.mu.Lock()
	require.Len(t, c.conns, 1)
	c.mu.Unlock()
}

func TestInvokeDistinctCorrelationIDs(t *testing.T) {
	c := newTestClient(t, Config{}, func(ctx context.Context, bearer string) (caller, error) {
		return &fakeCaller{
			callTool: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return mcp.NewToolResultText("ok"), nil
			},
		}, nil
	})

	first := c.Invoke(context.Background(), listBucketsCall(), validCred(), nil)
	second := c.Invoke(context.Background(), listBucketsCall(), validCred(), nil)
	require.NotEqual(t, first.CorrelationID, second.CorrelationID)
}

func TestListTools(t *testing.T) {
	c := newTestClient(t, Config{}, func(ctx context.Context, bearer string) (caller, error) {
		return &fakeCaller{
			listTools: func(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
				return &mcp.ListToolsResult{Tools: []mcp.Tool{
					{
						Name:        "list_buckets",
						Description: "List storage buckets",
						InputSchema: mcp.ToolInputSchema{
							Type:       "object",
							Properties: map[string]interface{}{"region": map[string]interface{}{"type": "string"}},
							Required:   []string{"region"},
						},
					},
				}}, nil
			},
		}, nil
	})

	tools, err := c.ListTools(context.Background(), validCred())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "list_buckets", tools[0].Name)
	require.Equal(t, "object", tools[0].Parameters["type"])
	require.Equal(t, []string{"region"}, tools[0].Parameters["required"])
}

func TestListToolsUnavailable(t *testing.T) {
	c := newTestClient(t, Config{}, func(ctx context.Context, bearer string) (caller, error) {
		return nil, errors.New("dial tcp: connection refused")
	})

	_, err := c.ListTools(context.Background(), validCred())
	var gwErr *agenterrors.GatewayError
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, agenterrors.GatewayUnavailable, gwErr.Reason)
}
