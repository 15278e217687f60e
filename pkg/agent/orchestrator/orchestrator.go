package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/opsagent-dev/opsagent/internal/metrics"
	agenterrors "github.com/opsagent-dev/opsagent/pkg/agent/errors"
	"github.com/opsagent-dev/opsagent/pkg/agent/gateway"
	"github.com/opsagent-dev/opsagent/pkg/agent/llm"
	"github.com/opsagent-dev/opsagent/pkg/agent/models"
	"github.com/opsagent-dev/opsagent/pkg/agent/session"
)

const (
	// DefaultMaxIterations bounds the reason/dispatch loop for one request.
	DefaultMaxIterations = 5
	// MaxIterations is the hard ceiling regardless of configuration.
	MaxIterations = 10

	defaultMaxConcurrentTools = 4
	defaultHistoryLimit       = 40

	// noAnswerFallback stands in when the loop ends without any text
	// from the model.
	noAnswerFallback = "I could not finish the request within the allowed number of tool steps."
)

// ErrForeignSession is returned when a caller addresses a session owned
// by a different subject.
var ErrForeignSession = errors.New("session belongs to a different subject")

// TokenValidator verifies an inbound bearer token and extracts identity.
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (*models.IdentityClaims, error)
}

// CredentialExchanger trades a validated identity for a workload credential.
type CredentialExchanger interface {
	Exchange(ctx context.Context, claims *models.IdentityClaims, scope string) (*models.WorkloadCredential, error)
	Invalidate(subject, scope string)
}

// ToolGateway dispatches tool calls to the remote gateway.
type ToolGateway interface {
	ListTools(ctx context.Context, cred *models.WorkloadCredential) ([]models.Tool, error)
	Invoke(ctx context.Context, call *models.ToolCall, cred *models.WorkloadCredential, refresh gateway.RefreshFunc) *models.ToolCallResult
}

// Config holds orchestrator tunables.
type Config struct {
	// SystemPrompt is prepended to every model conversation.
	SystemPrompt string
	// GatewayScope is the scope requested for workload credentials.
	GatewayScope string
	// MaxIterations bounds the reason/dispatch loop. Zero means DefaultMaxIterations.
	MaxIterations int
	// MaxConcurrentTools bounds parallel tool dispatch within one batch.
	MaxConcurrentTools int
	// HistoryLimit caps the number of prior turns replayed to the model.
	HistoryLimit int
	// Model selects provider and generation parameters.
	Model models.ModelConfig
}

func (c *Config) setDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxIterations > MaxIterations {
		c.MaxIterations = MaxIterations
	}
	if c.MaxConcurrentTools <= 0 {
		c.MaxConcurrentTools = defaultMaxConcurrentTools
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
}

// Request is one inbound conversation turn.
type Request struct {
	// SessionID is empty for a new conversation.
	SessionID string
	// RawToken is the caller's bearer token, never logged.
	RawToken string
	// Message is the user's utterance.
	Message string
}

// Response is the assistant's reply for one request.
type Response struct {
	SessionID string   `json:"session_id"`
	Message   string   `json:"message"`
	ToolsUsed []string `json:"tools_used,omitempty"`
}

// Orchestrator drives one conversation turn through validation, credential
// exchange, history replay, model reasoning, tool dispatch, and persistence.
type Orchestrator struct {
	cfg       Config
	validator TokenValidator
	exchanger CredentialExchanger
	gateway   ToolGateway
	store     session.Service
	provider  llm.Provider
	log       logr.Logger

	mu    sync.RWMutex
	tools []models.Tool
}

// New creates an Orchestrator. The tool inventory starts empty; call
// RefreshTools once a credential is available.
func New(cfg Config, validator TokenValidator, exchanger CredentialExchanger, gw ToolGateway, store session.Service, provider llm.Provider, log logr.Logger) (*Orchestrator, error) {
	if validator == nil || exchanger == nil || gw == nil || store == nil || provider == nil {
		return nil, fmt.Errorf("orchestrator requires validator, exchanger, gateway, store, and provider")
	}
	cfg.setDefaults()
	return &Orchestrator{
		cfg:       cfg,
		validator: validator,
		exchanger: exchanger,
		gateway:   gw,
		store:     store,
		provider:  provider,
		log:       log,
	}, nil
}

// RefreshTools reloads the tool inventory from the gateway.
func (o *Orchestrator) RefreshTools(ctx context.Context, cred *models.WorkloadCredential) error {
	tools, err := o.gateway.ListTools(ctx, cred)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.tools = tools
	o.mu.Unlock()
	o.log.Info("tool inventory refreshed", "tools", len(tools))
	return nil
}

// Tools returns the current tool inventory.
func (o *Orchestrator) Tools() []models.Tool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]models.Tool, len(o.tools))
	copy(out, o.tools)
	return out
}

// Handle runs one conversation turn end to end. On failure nothing is
// persisted and the session is left exactly as it was.
func (o *Orchestrator) Handle(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp, err := o.handle(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = agenterrors.Code(err)
	}
	metrics.ConversationsTotal.WithLabelValues(outcome).Inc()
	if err != nil {
		return nil, err
	}
	o.log.V(1).Info("conversation turn complete",
		"session", resp.SessionID, "tools", len(resp.ToolsUsed), "latency", time.Since(start))
	return resp, nil
}

func (o *Orchestrator) handle(ctx context.Context, req *Request) (*Response, error) {
	claims, err := o.validator.Validate(ctx, req.RawToken)
	if err != nil {
		metrics.TokenValidationsTotal.WithLabelValues(agenterrors.Code(err)).Inc()
		return nil, err
	}
	metrics.TokenValidationsTotal.WithLabelValues("ok").Inc()

	cred, err := o.exchangeWithRetry(ctx, claims)
	if err != nil {
		return nil, err
	}

	sessionID, history, err := o.loadHistory(ctx, req.SessionID, claims.Subject)
	if err != nil {
		return nil, err
	}

	o.ensureTools(ctx, cred)

	messages := o.buildMessages(history, req.Message)
	finalContent, toolTurns, toolsUsed, err := o.reason(ctx, claims, cred, messages)
	if err != nil {
		return nil, err
	}

	turns := make([]session.Turn, 0, 2+len(toolTurns))
	turns = append(turns, session.Turn{Role: session.RoleUser, Content: req.Message})
	turns = append(turns, toolTurns...)
	turns = append(turns, session.Turn{Role: session.RoleAssistant, Content: finalContent})
	if _, err := o.store.Append(ctx, sessionID, claims.Subject, turns...); err != nil {
		return nil, err
	}

	return &Response{SessionID: sessionID, Message: finalContent, ToolsUsed: toolsUsed}, nil
}

// exchangeWithRetry performs the credential exchange, retrying once when
// the identity provider is transiently unavailable.
func (o *Orchestrator) exchangeWithRetry(ctx context.Context, claims *models.IdentityClaims) (*models.WorkloadCredential, error) {
	cred, err := o.exchanger.Exchange(ctx, claims, o.cfg.GatewayScope)
	if err == nil {
		metrics.ExchangesTotal.WithLabelValues("ok").Inc()
		return cred, nil
	}
	var xe *agenterrors.ExchangeError
	if errors.As(err, &xe) && xe.Retryable() && ctx.Err() == nil {
		cred, err = o.exchanger.Exchange(ctx, claims, o.cfg.GatewayScope)
		if err == nil {
			metrics.ExchangesTotal.WithLabelValues("ok").Inc()
			return cred, nil
		}
	}
	metrics.ExchangesTotal.WithLabelValues(agenterrors.Code(err)).Inc()
	return nil, err
}

func (o *Orchestrator) loadHistory(ctx context.Context, sessionID, subject string) (string, []session.Turn, error) {
	if sessionID == "" {
		return uuid.NewString(), nil, nil
	}
	sess, err := o.store.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return sessionID, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	if sess.Subject != subject {
		return "", nil, ErrForeignSession
	}
	turns := sess.Turns
	if len(turns) > o.cfg.HistoryLimit {
		turns = turns[len(turns)-o.cfg.HistoryLimit:]
	}
	return sessionID, turns, nil
}

// ensureTools lazily discovers the gateway tool inventory on first use.
// Discovery failure degrades to a tool-less conversation rather than
// failing the request.
func (o *Orchestrator) ensureTools(ctx context.Context, cred *models.WorkloadCredential) {
	o.mu.RLock()
	loaded := len(o.tools) > 0
	o.mu.RUnlock()
	if loaded {
		return
	}
	if err := o.RefreshTools(ctx, cred); err != nil {
		o.log.Error(err, "tool discovery failed, continuing without tools")
	}
}

func (o *Orchestrator) buildMessages(history []session.Turn, userMessage string) []models.Message {
	messages := make([]models.Message, 0, 2+len(history))
	if o.cfg.SystemPrompt != "" {
		messages = append(messages, models.Message{Role: "system", Content: o.cfg.SystemPrompt})
	}
	for _, turn := range history {
		switch turn.Role {
		case session.RoleUser:
			messages = append(messages, models.Message{Role: "user", Content: turn.Content})
		case session.RoleAssistant:
			messages = append(messages, models.Message{Role: "assistant", Content: turn.Content})
		case session.RoleTool:
			// Replayed tool outcomes become plain context. The model only
			// sees structured tool messages within the live loop.
			content := turn.Content
			if turn.ToolError != "" {
				content = "error: " + turn.ToolError
			}
			messages = append(messages, models.Message{
				Role:    "user",
				Content: fmt.Sprintf("[earlier result of tool %s] %s", turn.ToolName, content),
			})
		}
	}
	messages = append(messages, models.Message{Role: "user", Content: userMessage})
	return messages
}

// reason runs the bounded model loop, dispatching tool batches until the
// model answers in plain text or the iteration limit is reached.
func (o *Orchestrator) reason(ctx context.Context, claims *models.IdentityClaims, cred *models.WorkloadCredential, messages []models.Message) (string, []session.Turn, []string, error) {
	var (
		toolTurns []session.Turn
		toolsUsed []string
		lastText  string
	)

	tools := o.Tools()

	for iteration := 0; iteration < o.cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return "", nil, nil, err
		}

		resp, err := o.provider.Chat(ctx, models.LLMRequest{
			Messages: messages,
			Tools:    tools,
			Config:   o.cfg.Model,
		})
		if err != nil {
			metrics.LLMCallsTotal.WithLabelValues(o.provider.Name(), "error").Inc()
			return "", nil, nil, fmt.Errorf("model call failed: %w", err)
		}
		metrics.LLMCallsTotal.WithLabelValues(o.provider.Name(), "ok").Inc()
		metrics.LLMTokensTotal.WithLabelValues(o.provider.Name(), "prompt").Add(float64(resp.TokenUsage.PromptTokens))
		metrics.LLMTokensTotal.WithLabelValues(o.provider.Name(), "completion").Add(float64(resp.TokenUsage.CompletionTokens))

		if resp.Content != "" {
			lastText = resp.Content
		}
		if len(resp.ToolCalls) == 0 {
			// An empty reply with no tool calls would persist an empty
			// assistant turn; answer with the last text instead.
			if lastText == "" {
				lastText = noAnswerFallback
			}
			return lastText, toolTurns, toolsUsed, nil
		}

		results := o.dispatch(ctx, claims, cred, resp.ToolCalls)
		if err := ctx.Err(); err != nil {
			return "", nil, nil, err
		}

		messages = append(messages, models.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for i, result := range results {
			call := resp.ToolCalls[i]
			content := result.Content
			if result.Failed() {
				content = "tool call failed: " + result.ErrorMessage
			}
			messages = append(messages, models.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: call.ID,
			})
			toolTurns = append(toolTurns, session.Turn{
				Role:      session.RoleTool,
				Content:   result.Content,
				ToolName:  call.Name,
				ToolArgs:  call.Arguments,
				ToolError: result.ErrorMessage,
				Latency:   result.Latency,
			})
			toolsUsed = append(toolsUsed, call.Name)
		}
	}

	if lastText == "" {
		lastText = noAnswerFallback
	}
	o.log.Info("iteration limit reached", "max", o.cfg.MaxIterations)
	return lastText, toolTurns, toolsUsed, nil
}

// dispatch runs one batch of tool calls concurrently. Individual failures
// are captured in the results, never returned as errors; result order
// matches call order.
func (o *Orchestrator) dispatch(ctx context.Context, claims *models.IdentityClaims, cred *models.WorkloadCredential, calls []models.ToolCall) []*models.ToolCallResult {
	refresh := func(ctx context.Context) (*models.WorkloadCredential, error) {
		o.exchanger.Invalidate(claims.Subject, o.cfg.GatewayScope)
		return o.exchanger.Exchange(ctx, claims, o.cfg.GatewayScope)
	}

	results := make([]*models.ToolCallResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrentTools)
	for i := range calls {
		i := i
		call := calls[i]
		g.Go(func() error {
			result := o.gateway.Invoke(gctx, &call, cred, refresh)
			results[i] = result
			outcome := "ok"
			if result.Failed() {
				outcome = agenterrors.Code(result.Err)
			}
			metrics.ToolInvocationsTotal.WithLabelValues(call.Name, outcome).Inc()
			metrics.ToolInvocationDuration.WithLabelValues(call.Name).Observe(result.Latency.Seconds())
			return nil
		})
	}
	// The group never returns an error; failures live in the results.
	_ = g.Wait()
	return results
}
