package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "auth failure maps to 401",
			err:  &AuthError{Reason: AuthExpiredToken},
			want: http.StatusUnauthorized,
		},
		{
			name: "wrapped auth failure maps to 401",
			err:  fmt.Errorf("handling request: %w", &AuthError{Reason: AuthBadSignature}),
			want: http.StatusUnauthorized,
		},
		{
			name: "exchange unavailable maps to 502",
			err:  &ExchangeError{Reason: ExchangeUnavailable},
			want: http.StatusBadGateway,
		},
		{
			name: "exchange unauthorized maps to 502",
			err:  &ExchangeError{Reason: ExchangeUnauthorized},
			want: http.StatusBadGateway,
		},
		{
			name: "timeout maps to 504",
			err:  &TimeoutError{Op: "reasoning", Err: errors.New("deadline")},
			want: http.StatusGatewayTimeout,
		},
		{
			name: "store failure maps to 500",
			err:  &StoreError{Op: "append", Err: errors.New("disk full")},
			want: http.StatusInternalServerError,
		},
		{
			name: "unknown error maps to 500",
			err:  errors.New("boom"),
			want: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestCode(t *testing.T) {
	require.Equal(t, "EXPIRED_TOKEN", Code(&AuthError{Reason: AuthExpiredToken}))
	require.Equal(t, "INVALID_SCOPE", Code(&ExchangeError{Reason: ExchangeInvalidScope}))
	require.Equal(t, "TOOL_ERROR", Code(&GatewayError{Reason: GatewayToolError, Tool: "list_buckets"}))
	require.Equal(t, "STORE_FAILED", Code(&StoreError{Op: "get", Err: errors.New("x")}))
	require.Equal(t, "TIMEOUT", Code(&TimeoutError{Op: "tool", Err: errors.New("x")}))
	require.Equal(t, "INTERNAL", Code(errors.New("boom")))
}

func TestRetryable(t *testing.T) {
	require.True(t, (&ExchangeError{Reason: ExchangeUnavailable}).Retryable())
	require.False(t, (&ExchangeError{Reason: ExchangeUnauthorized}).Retryable())
	require.False(t, (&ExchangeError{Reason: ExchangeInvalidScope}).Retryable())
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	wrapped := &GatewayError{Reason: GatewayUnavailable, Tool: "t", Err: cause}
	require.ErrorIs(t, wrapped, cause)
	require.Contains(t, wrapped.Error(), "root cause")
}
