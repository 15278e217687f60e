// Package errors defines the typed failure taxonomy shared across the
// agent core. Every external boundary (identity provider, token
// exchange, tool gateway, session store) surfaces one of these types so
// the HTTP layer can classify without string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AuthReason identifies which token property was violated.
type AuthReason string

const (
	AuthExpiredToken  AuthReason = "EXPIRED_TOKEN"
	AuthBadSignature  AuthReason = "BAD_SIGNATURE"
	AuthWrongAudience AuthReason = "WRONG_AUDIENCE"
	AuthUnknownIssuer AuthReason = "UNKNOWN_ISSUER"
	AuthMalformed     AuthReason = "MALFORMED_TOKEN"
)

// AuthError is a client-caused token validation failure. Never retried.
type AuthError struct {
	Reason AuthReason
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("auth: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ExchangeReason classifies workload credential exchange failures.
type ExchangeReason string

const (
	ExchangeUnauthorized ExchangeReason = "UNAUTHORIZED"
	ExchangeUnavailable  ExchangeReason = "UNAVAILABLE"
	ExchangeInvalidScope ExchangeReason = "INVALID_SCOPE"
)

// ExchangeError is an infrastructure failure at the token exchange
// endpoint. Only Unavailable is retryable.
type ExchangeError struct {
	Reason ExchangeReason
	Err    error
}

func (e *ExchangeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exchange: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("exchange: %s", e.Reason)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// Retryable reports whether the orchestrator may retry the exchange.
func (e *ExchangeError) Retryable() bool { return e.Reason == ExchangeUnavailable }

// GatewayReason classifies per-tool-call failures at the gateway.
type GatewayReason string

const (
	GatewayRejected    GatewayReason = "REJECTED"
	GatewayUnavailable GatewayReason = "UNAVAILABLE"
	GatewayTimeout     GatewayReason = "TIMEOUT"
	GatewayToolError   GatewayReason = "TOOL_ERROR"
)

// GatewayError is a tool invocation failure. It is carried inside the
// tool call result and never fails the whole request.
type GatewayError struct {
	Reason GatewayReason
	Tool   string
	Err    error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway: tool %q: %s: %v", e.Tool, e.Reason, e.Err)
	}
	return fmt.Sprintf("gateway: tool %q: %s", e.Tool, e.Reason)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// StoreError is a session read or append failure. The request fails
// without persisting partial state.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("session store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// TimeoutError marks a deadline expiry at a named suspension point.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// HTTPStatus maps a core error to its HTTP-equivalent classification:
// 401 for auth failures, 502 for exchange or gateway unavailability,
// 504 for timeouts, 500 otherwise.
func HTTPStatus(err error) int {
	var (
		authErr     *AuthError
		exchangeErr *ExchangeError
		timeoutErr  *TimeoutError
	)
	switch {
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout
	case errors.As(err, &exchangeErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the short machine-readable code for a core error, or
// "INTERNAL" for anything outside the taxonomy.
func Code(err error) string {
	var (
		authErr     *AuthError
		exchangeErr *ExchangeError
		gatewayErr  *GatewayError
		storeErr    *StoreError
		timeoutErr  *TimeoutError
	)
	switch {
	case errors.As(err, &authErr):
		return string(authErr.Reason)
	case errors.As(err, &exchangeErr):
		return string(exchangeErr.Reason)
	case errors.As(err, &gatewayErr):
		return string(gatewayErr.Reason)
	case errors.As(err, &storeErr):
		return "STORE_FAILED"
	case errors.As(err, &timeoutErr):
		return "TIMEOUT"
	default:
		return "INTERNAL"
	}
}
