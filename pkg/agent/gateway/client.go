// Package gateway issues tool invocations against the remote MCP
// execution endpoint, authenticating with the per-subject workload
// credential.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	agenterrors "github.com/opsagent-dev/opsagent/pkg/agent/errors"
	"github.com/opsagent-dev/opsagent/pkg/agent/models"
)

const (
	DefaultCallTimeout    = 30 * time.Second
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 200 * time.Millisecond

	clientName    = "opsagent"
	clientVersion = "0.1.0"
)

// Config holds the tool execution boundary configuration.
type Config struct {
	// URL of the MCP gateway.
	URL string
	// CallTimeout bounds a single tool invocation attempt.
	CallTimeout time.Duration
	// MaxAttempts bounds the transient-failure retry loop per call.
	MaxAttempts int
	// InitialBackoff seeds the exponential backoff between attempts.
	InitialBackoff time.Duration
}

// RefreshFunc obtains a fresh workload credential after the gateway
// rejects the current one. The client calls it at most once per
// invocation.
type RefreshFunc func(ctx context.Context) (*models.WorkloadCredential, error)

// caller is the slice of the MCP client session the gateway uses.
type caller interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Client invokes tools on the remote gateway. MCP sessions are cached
// per subject and torn down when the subject's credential is replaced,
// so a credential rollover never leaks the superseded session.
//
// Precondition (documented, not enforced): every tool behind the
// gateway is a side-effect-free read, so retrying an invocation is
// always safe.
type Client struct {
	cfg Config
	log logr.Logger

	mu    sync.Mutex
	conns map[string]*gatewayConn

	// dial is replaceable in tests.
	dial func(ctx context.Context, bearer string) (caller, error)
}

// gatewayConn pairs a cached MCP session with the credential token it
// was dialed with.
type gatewayConn struct {
	token string
	sess  caller
}

// NewClient creates a gateway client for the configured endpoint.
func NewClient(cfg Config, log logr.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("gateway URL is required")
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}

	c := &Client{
		cfg:   cfg,
		log:   log,
		conns: make(map[string]*gatewayConn),
	}
	c.dial = c.dialMCP
	return c, nil
}

// ListTools discovers the gateway's tool set for the dispatch table.
func (c *Client) ListTools(ctx context.Context, cred *models.WorkloadCredential) ([]models.Tool, error) {
	sess, err := c.session(ctx, cred)
	if err != nil {
		return nil, &agenterrors.GatewayError{Reason: agenterrors.GatewayUnavailable, Err: err}
	}

	res, err := sess.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.drop(cred)
		return nil, &agenterrors.GatewayError{Reason: agenterrors.GatewayUnavailable, Err: err}
	}

	tools := make([]models.Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		tools = append(tools, models.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters: map[string]interface{}{
				"type":       t.InputSchema.Type,
				"properties": t.InputSchema.Properties,
				"required":   t.InputSchema.Required,
			},
		})
	}
	return tools, nil
}

// Invoke executes one tool call and always returns a result: failures
// are carried in the result's error payload, never as a request-level
// error. Transient failures retry with bounded exponential backoff; a
// credential rejection triggers exactly one refresh-and-retry.
func (c *Client) Invoke(ctx context.Context, call *models.ToolCall, cred *models.WorkloadCredential, refresh RefreshFunc) *models.ToolCallResult {
	result := &models.ToolCallResult{
		CallID:        call.ID,
		Name:          call.Name,
		CorrelationID: uuid.NewString(),
	}
	start := time.Now()
	defer func() { result.Latency = time.Since(start) }()

	log := c.log.WithValues("tool", call.Name, "correlationID", result.CorrelationID)

	// Never present an expired credential to the gateway.
	if cred.Expired(time.Now()) {
		refreshed, err := c.refreshCredential(ctx, refresh)
		if err != nil {
			c.fail(result, &agenterrors.GatewayError{Reason: agenterrors.GatewayRejected, Tool: call.Name, Err: err})
			return result
		}
		cred = refreshed
	}

	content, err := c.invokeWithRetry(ctx, call, cred, result.CorrelationID)
	if err != nil && c.authRejected(err) && refresh != nil {
		log.V(1).Info("credential rejected, refreshing once")
		c.drop(cred)
		refreshed, refreshErr := c.refreshCredential(ctx, refresh)
		if refreshErr != nil {
			c.fail(result, &agenterrors.GatewayError{Reason: agenterrors.GatewayRejected, Tool: call.Name, Err: refreshErr})
			return result
		}
		cred = refreshed
		content, err = c.invokeWithRetry(ctx, call, cred, result.CorrelationID)
	}

	if err != nil {
		c.fail(result, c.classify(call.Name, err))
		log.V(1).Info("tool invocation failed", "error", result.ErrorMessage)
		return result
	}

	result.Content = content
	log.V(1).Info("tool invocation completed", "latency", time.Since(start))
	return result
}

// Close tears down all cached gateway sessions.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for subject, conn := range c.conns {
		_ = conn.sess.Close()
		delete(c.conns, subject)
	}
}

var errToolRejected = errors.New("gateway rejected credential")

func (c *Client) invokeWithRetry(ctx context.Context, call *models.ToolCall, cred *models.WorkloadCredential, correlationID string) (string, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.InitialBackoff

	return backoff.Retry(ctx, func() (string, error) {
		content, err := c.invokeOnce(ctx, call, cred, correlationID)
		if err == nil {
			return content, nil
		}
		if !c.transient(err) {
			return "", backoff.Permanent(err)
		}
		c.drop(cred)
		return "", err
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(c.cfg.MaxAttempts)))
}

func (c *Client) invokeOnce(ctx context.Context, call *models.ToolCall, cred *models.WorkloadCredential, correlationID string) (string, error) {
	sess, err := c.session(ctx, cred)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = call.Name
	req.Params.Arguments = call.Arguments
	req.Params.Meta = &mcp.Meta{AdditionalFields: map[string]any{
		"correlationId": correlationID,
	}}

	res, err := sess.CallTool(callCtx, req)
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return "", &agenterrors.TimeoutError{Op: "tool " + call.Name, Err: err}
		}
		return "", err
	}

	content := flattenContent(res.Content)
	if res.IsError {
		return "", &agenterrors.GatewayError{
			Reason: agenterrors.GatewayToolError,
			Tool:   call.Name,
			Err:    errors.New(content),
		}
	}
	return content, nil
}

// session returns the cached MCP session for the credential's subject,
// dialing and initializing one on first use. A session dialed with a
// superseded token is closed and replaced.
func (c *Client) session(ctx context.Context, cred *models.WorkloadCredential) (caller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[cred.Subject]; ok {
		if conn.token == cred.Token {
			return conn.sess, nil
		}
		_ = conn.sess.Close()
		delete(c.conns, cred.Subject)
	}

	sess, err := c.dial(ctx, cred.Token)
	if err != nil {
		return nil, err
	}
	c.conns[cred.Subject] = &gatewayConn{token: cred.Token, sess: sess}
	return sess, nil
}

func (c *Client) dialMCP(ctx context.Context, bearer string) (caller, error) {
	mc, err := mcpclient.NewStreamableHttpClient(c.cfg.URL,
		transport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + bearer,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gateway client: %w", err)
	}
	if err := mc.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting gateway session: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	if _, err := mc.Initialize(ctx, initReq); err != nil {
		_ = mc.Close()
		return nil, fmt.Errorf("initializing gateway session: %w", err)
	}
	return mc, nil
}

func (c *Client) drop(cred *models.WorkloadCredential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[cred.Subject]; ok && conn.token == cred.Token {
		_ = conn.sess.Close()
		delete(c.conns, cred.Subject)
	}
}

func (c *Client) refreshCredential(ctx context.Context, refresh RefreshFunc) (*models.WorkloadCredential, error) {
	if refresh == nil {
		return nil, errToolRejected
	}
	cred, err := refresh(ctx)
	if err != nil {
		return nil, err
	}
	if cred.Expired(time.Now()) {
		return nil, fmt.Errorf("refreshed credential already expired")
	}
	return cred, nil
}

// transient reports whether the failure is worth another attempt:
// timeouts and transport-level errors, but not tool errors or
// credential rejections.
func (c *Client) transient(err error) bool {
	var gwErr *agenterrors.GatewayError
	if errors.As(err, &gwErr) {
		return false
	}
	if c.authRejected(err) {
		return false
	}
	return true
}

// authRejected detects a credential rejection from the transport. The
// streamable HTTP transport surfaces the status line in the error.
func (c *Client) authRejected(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(strings.ToLower(msg), "unauthorized")
}

func (c *Client) classify(tool string, err error) error {
	var (
		gwErr      *agenterrors.GatewayError
		timeoutErr *agenterrors.TimeoutError
	)
	switch {
	case errors.As(err, &gwErr):
		return gwErr
	case errors.As(err, &timeoutErr):
		return &agenterrors.GatewayError{Reason: agenterrors.GatewayTimeout, Tool: tool, Err: err}
	case c.authRejected(err):
		return &agenterrors.GatewayError{Reason: agenterrors.GatewayRejected, Tool: tool, Err: err}
	default:
		return &agenterrors.GatewayError{Reason: agenterrors.GatewayUnavailable, Tool: tool, Err: err}
	}
}

func (c *Client) fail(result *models.ToolCallResult, err error) {
	result.Err = err
	result.ErrorMessage = err.Error()
}

func flattenContent(content []mcp.Content) string {
	var sb strings.Builder
	for _, item := range content {
		switch v := item.(type) {
		case mcp.TextContent:
			sb.WriteString(v.Text)
		default:
			raw, err := json.Marshal(item)
			if err == nil {
				sb.Write(raw)
			}
		}
	}
	return sb.String()
}
