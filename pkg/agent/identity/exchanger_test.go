package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	agenterrors "github.com/opsagent-dev/opsagent/pkg/agent/errors"
	"github.com/opsagent-dev/opsagent/pkg/agent/models"
)

func testClaims() *models.IdentityClaims {
	return &models.IdentityClaims{
		Subject:  "user-123",
		Issuer:   "https://idp.example.com",
		Audience: "opsagent-client",
	}
}

func newTestExchanger(t *testing.T, handler http.HandlerFunc) (*Exchanger, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	e, err := NewExchanger(Config{
		TokenURL:     server.URL,
		ClientID:     "opsagent-workload",
		ClientSecret: "s3cret",
	}, logr.Discard())
	require.NoError(t, err)
	return e, server
}

func grantHandler(t *testing.T, calls *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "opsagent-workload", user)
		require.Equal(t, "s3cret", pass)

		require.NoError(t, r.ParseForm())
		require.Equal(t, grantTypeTokenExchange, r.PostForm.Get("grant_type"))
		require.Equal(t, "user-123", r.PostForm.Get("subject_token"))
		require.Equal(t, subjectTokenType, r.PostForm.Get("subject_token_type"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "workload-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"scope":        r.PostForm.Get("scope"),
		})
	}
}

func TestExchange(t *testing.T) {
	var calls atomic.Int64
	e, _ := newTestExchanger(t, grantHandler(t, &calls))

	cred, err := e.Exchange(context.Background(), testClaims(), "tools/read")
	require.NoError(t, err)
	require.Equal(t, "workload-token", cred.Token)
	require.Equal(t, "user-123", cred.Subject)
	require.Equal(t, "tools/read", cred.Scope)
	require.False(t, cred.Expired(time.Now()))
	require.EqualValues(t, 1, calls.Load())
}

func TestExchangeServesFromCache(t *testing.T) {
	var calls atomic.Int64
	e, _ := newTestExchanger(t, grantHandler(t, &calls))

	first, err := e.Exchange(context.Background(), testClaims(), "tools/read")
	require.NoError(t, err)
	second, err := e.Exchange(context.Background(), testClaims(), "tools/read")
	require.NoError(t, err)

	require.Equal(t, first.Token, second.Token)
	require.EqualValues(t, 1, calls.Load())

	// A different scope is a different cache key.
	_, err = e.Exchange(context.Background(), testClaims(), "sessions/write")
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())
}

func TestExchangeRefreshesNearExpiry(t *testing.T) {
	var calls atomic.Int64
	e, _ := newTestExchanger(t, grantHandler(t, &calls))

	base := time.Now()
	e.now = func() time.Time { return base }

	_, err := e.Exchange(context.Background(), testClaims(), "tools/read")
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())

	// At 70% of the lifetime the cached credential still serves.
	e.now = func() time.Time { return base.Add(time.Duration(0.7 * float64(time.Hour))) }
	_, err = e.Exchange(context.Background(), testClaims(), "tools/read")
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())

	// Past 80% the cache refuses it and a fresh exchange happens.
	e.now = func() time.Time { return base.Add(time.Duration(0.9 * float64(time.Hour))) }
	_, err = e.Exchange(context.Background(), testClaims(), "tools/read")
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())
}

func TestExchangeInvalidate(t *testing.T) {
	var calls atomic.Int64
	e, _ := newTestExchanger(t, grantHandler(t, &calls))

	_, err := e.Exchange(context.Background(), testClaims(), "tools/read")
	require.NoError(t, err)

	e.Invalidate("user-123", "tools/read")

	_, err = e.Exchange(context.Background(), testClaims(), "tools/read")
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())
}

func TestExchangeConcurrentCallsCollapse(t *testing.T) {
	var calls atomic.Int64
	slow := func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		grantHandler(t, &calls)(w, r)
	}
	e, _ := newTestExchanger(t, slow)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Exchange(context.Background(), testClaims(), "tools/read")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, calls.Load())
}

func TestExchangeFailureClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		reason    agenterrors.ExchangeReason
		retryable bool
	}{
		{
			name:   "invalid scope",
			status: http.StatusBadRequest,
			body:   `{"error":"invalid_scope","error_description":"scope not granted"}`,
			reason: agenterrors.ExchangeInvalidScope,
		},
		{
			name:   "client credential rejected",
			status: http.StatusUnauthorized,
			body:   `{"error":"invalid_client"}`,
			reason: agenterrors.ExchangeUnauthorized,
		},
		{
			name:   "bad request",
			status: http.StatusBadRequest,
			body:   `{"error":"invalid_request"}`,
			reason: agenterrors.ExchangeUnauthorized,
		},
		{
			name:      "endpoint down",
			status:    http.StatusServiceUnavailable,
			body:      `{}`,
			reason:    agenterrors.ExchangeUnavailable,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestExchanger(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := e.Exchange(context.Background(), testClaims(), "tools/read")
			require.Error(t, err)
			var xe *agenterrors.ExchangeError
			require.ErrorAs(t, err, &xe)
			require.Equal(t, tt.reason, xe.Reason)
			require.Equal(t, tt.retryable, xe.Retryable())
		})
	}
}

func TestExchangeNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	e, err := NewExchanger(Config{
		TokenURL:     server.URL,
		ClientID:     "id",
		ClientSecret: "secret",
	}, logr.Discard())
	require.NoError(t, err)

	_, err = e.Exchange(context.Background(), testClaims(), "tools/read")
	var xe *agenterrors.ExchangeError
	require.ErrorAs(t, err, &xe)
	require.Equal(t, agenterrors.ExchangeUnavailable, xe.Reason)
	require.True(t, xe.Retryable())
}

func TestExchangeMissingSubject(t *testing.T) {
	e, err := NewExchanger(Config{
		TokenURL:     "http://localhost:1",
		ClientID:     "id",
		ClientSecret: "secret",
	}, logr.Discard())
	require.NoError(t, err)

	_, err = e.Exchange(context.Background(), &models.IdentityClaims{}, "tools/read")
	var xe *agenterrors.ExchangeError
	require.ErrorAs(t, err, &xe)
	require.Equal(t, agenterrors.ExchangeUnauthorized, xe.Reason)
}

func TestNewExchangerValidation(t *testing.T) {
	_, err := NewExchanger(Config{ClientID: "id", ClientSecret: "s"}, logr.Discard())
	require.Error(t, err)
	_, err = NewExchanger(Config{TokenURL: "http://idp", ClientID: "id"}, logr.Discard())
	require.Error(t, err)
}
