package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts inbound API requests by route and status code.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsagent_http_requests_total",
		Help: "Total number of HTTP requests handled, by route and status code.",
	}, []string{"route", "code"})

	// RequestDuration tracks inbound API request latency by route.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opsagent_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds, by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// TokenValidationsTotal counts inbound token validations by outcome.
	TokenValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsagent_token_validations_total",
		Help: "Total number of inbound token validations, by outcome.",
	}, []string{"outcome"})

	// ExchangesTotal counts workload credential exchanges by outcome.
	ExchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsagent_credential_exchanges_total",
		Help: "Total number of workload credential exchanges, by outcome.",
	}, []string{"outcome"})

	// ToolInvocationsTotal counts gateway tool invocations by tool and outcome.
	ToolInvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsagent_tool_invocations_total",
		Help: "Total number of tool gateway invocations, by tool and outcome.",
	}, []string{"tool", "outcome"})

	// ToolInvocationDuration tracks gateway tool invocation latency by tool.
	ToolInvocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opsagent_tool_invocation_duration_seconds",
		Help:    "Tool gateway invocation latency in seconds, by tool.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"tool"})

	// LLMCallsTotal counts model calls by provider and outcome.
	LLMCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsagent_llm_calls_total",
		Help: "Total number of model calls, by provider and outcome.",
	}, []string{"provider", "outcome"})

	// LLMTokensTotal counts tokens consumed by model calls.
	LLMTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsagent_llm_tokens_total",
		Help: "Total tokens consumed by model calls, by provider and direction.",
	}, []string{"provider", "direction"})

	// ConversationsTotal counts orchestrated conversation turns by outcome.
	ConversationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsagent_conversations_total",
		Help: "Total number of orchestrated conversation turns, by outcome.",
	}, []string{"outcome"})

	// SessionsSweptTotal counts expired sessions removed by the retention sweeper.
	SessionsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opsagent_sessions_swept_total",
		Help: "Total number of expired sessions removed by the retention sweeper.",
	})
)
