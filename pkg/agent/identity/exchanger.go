// Package identity exchanges a validated user identity for a
// short-lived workload credential scoped to the tool gateway.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	agenterrors "github.com/opsagent-dev/opsagent/pkg/agent/errors"
	"github.com/opsagent-dev/opsagent/pkg/agent/models"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultRefreshRatio = 0.8

	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	subjectTokenType       = "urn:ietf:params:oauth:token-type:access_token"
)

// Config holds the token exchange endpoint configuration. ClientSecret
// is the only long-lived secret in the core: it stays in memory and is
// never logged or echoed in any response.
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	// RefreshRatio is the fraction of a credential's lifetime after
	// which the cache stops serving it (default 0.8).
	RefreshRatio float64
}

// Exchanger obtains workload credentials from the exchange endpoint
// and caches them per (subject, scope) until near expiry, so a burst
// of tool calls within one turn performs at most one network exchange.
type Exchanger struct {
	cfg        Config
	httpClient *http.Client
	log        logr.Logger

	mu    sync.RWMutex
	cache map[string]*cacheEntry
	group singleflight.Group

	now func() time.Time
}

type cacheEntry struct {
	cred *models.WorkloadCredential
	// staleAt is when the cache stops serving this credential, ahead
	// of its actual expiry.
	staleAt time.Time
}

// NewExchanger creates an Exchanger for the configured endpoint.
func NewExchanger(cfg Config, log logr.Logger) (*Exchanger, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token URL is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client credential is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RefreshRatio <= 0 || cfg.RefreshRatio > 1 {
		cfg.RefreshRatio = DefaultRefreshRatio
	}
	return &Exchanger{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
		cache:      make(map[string]*cacheEntry),
		now:        time.Now,
	}, nil
}

// Exchange returns a workload credential for the subject and scope,
// serving from cache when an unexpired one exists. Concurrent calls
// for the same (subject, scope) collapse to a single network exchange.
func (e *Exchanger) Exchange(ctx context.Context, claims *models.IdentityClaims, scope string) (*models.WorkloadCredential, error) {
	if claims == nil || claims.Subject == "" {
		return nil, &agenterrors.ExchangeError{
			Reason: agenterrors.ExchangeUnauthorized,
			Err:    fmt.Errorf("missing subject"),
		}
	}

	key := claims.Subject + "|" + scope
	if cred := e.cached(key); cred != nil {
		return cred, nil
	}

	v, err, _ := e.group.Do(key, func() (interface{}, error) {
		// Re-check under the flight: a concurrent caller may have
		// populated the cache while we waited.
		if cred := e.cached(key); cred != nil {
			return cred, nil
		}
		cred, err := e.exchange(ctx, claims.Subject, scope)
		if err != nil {
			return nil, err
		}
		e.store(key, cred)
		return cred, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.WorkloadCredential), nil
}

// Invalidate drops the cached credential for (subject, scope). The
// gateway client uses this to force one fresh exchange after the
// remote endpoint rejects a credential.
func (e *Exchanger) Invalidate(subject, scope string) {
	e.mu.Lock()
	delete(e.cache, subject+"|"+scope)
	e.mu.Unlock()
}

func (e *Exchanger) cached(key string) *models.WorkloadCredential {
	e.mu.RLock()
	entry, ok := e.cache[key]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	now := e.now()
	if !now.Before(entry.staleAt) || entry.cred.Expired(now) {
		return nil
	}
	return entry.cred
}

func (e *Exchanger) store(key string, cred *models.WorkloadCredential) {
	now := e.now()
	lifetime := cred.ExpiresAt.Sub(now)
	if lifetime <= 0 {
		return
	}
	e.mu.Lock()
	e.cache[key] = &cacheEntry{
		cred:    cred,
		staleAt: now.Add(time.Duration(float64(lifetime) * e.cfg.RefreshRatio)),
	}
	e.mu.Unlock()
}

type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

type exchangeErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// exchange performs the RFC 8693 token-exchange POST: client credential
// via basic auth, the validated subject as the subject assertion.
func (e *Exchanger) exchange(ctx context.Context, subject, scope string) (*models.WorkloadCredential, error) {
	form := url.Values{}
	form.Set("grant_type", grantTypeTokenExchange)
	form.Set("subject_token", subject)
	form.Set("subject_token_type", subjectTokenType)
	if scope != "" {
		form.Set("scope", scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &agenterrors.ExchangeError{Reason: agenterrors.ExchangeUnavailable, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(e.cfg.ClientID, e.cfg.ClientSecret)

	start := e.now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &agenterrors.ExchangeError{Reason: agenterrors.ExchangeUnavailable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, e.classifyFailure(resp)
	}

	var body exchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &agenterrors.ExchangeError{
			Reason: agenterrors.ExchangeUnavailable,
			Err:    fmt.Errorf("decoding exchange response: %w", err),
		}
	}
	if body.AccessToken == "" || body.ExpiresIn <= 0 {
		return nil, &agenterrors.ExchangeError{
			Reason: agenterrors.ExchangeUnavailable,
			Err:    fmt.Errorf("exchange response missing token or expiry"),
		}
	}

	grantedScope := body.Scope
	if grantedScope == "" {
		grantedScope = scope
	}

	e.log.V(1).Info("workload credential exchanged",
		"subject", subject, "scope", grantedScope,
		"latency", e.now().Sub(start), "expiresIn", body.ExpiresIn)

	return &models.WorkloadCredential{
		Token:     body.AccessToken,
		Subject:   subject,
		Scope:     grantedScope,
		ExpiresAt: e.now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}

func (e *Exchanger) classifyFailure(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var body exchangeErrorResponse
	_ = json.Unmarshal(raw, &body)

	switch {
	case body.Error == "invalid_scope":
		return &agenterrors.ExchangeError{
			Reason: agenterrors.ExchangeInvalidScope,
			Err:    fmt.Errorf("%s", body.ErrorDescription),
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &agenterrors.ExchangeError{
			Reason: agenterrors.ExchangeUnauthorized,
			Err:    fmt.Errorf("exchange endpoint returned status %d", resp.StatusCode),
		}
	case resp.StatusCode == http.StatusBadRequest:
		return &agenterrors.ExchangeError{
			Reason: agenterrors.ExchangeUnauthorized,
			Err:    fmt.Errorf("exchange rejected: %s", body.Error),
		}
	default:
		return &agenterrors.ExchangeError{
			Reason: agenterrors.ExchangeUnavailable,
			Err:    fmt.Errorf("exchange endpoint returned status %d", resp.StatusCode),
		}
	}
}
