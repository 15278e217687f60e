// Package auth validates inbound bearer tokens against the identity
// provider's published signing keys.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	agenterrors "github.com/opsagent-dev/opsagent/pkg/agent/errors"
	"github.com/opsagent-dev/opsagent/pkg/agent/models"
)

const (
	DefaultClockSkew       = 5 * time.Second
	DefaultRefreshInterval = 15 * time.Minute
	discoveryPath          = "/.well-known/openid-configuration"
)

var errKeyNotFound = errors.New("signing key not found in key set")

// Config holds the identity provider boundary configuration.
type Config struct {
	// Issuer is the expected token issuer URL.
	Issuer string
	// Audience is the expected token audience (the app client id).
	Audience string
	// JWKSURL overrides discovery of the signing key set endpoint.
	JWKSURL string
	// ClockSkew is the leeway applied when checking expiry.
	ClockSkew time.Duration
	// RefreshInterval is the minimum interval between key set fetches.
	RefreshInterval time.Duration
}

// Validator verifies bearer token signature, issuer, audience, and
// expiry against the issuer's signing key set. The key set is cached
// and refreshed on a TTL, plus once on a signature failure that could
// indicate key rotation.
type Validator struct {
	issuer   string
	audience string
	jwksURL  string
	cache    *jwk.Cache
	parser   *jwt.Parser
	log      logr.Logger
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Scope    string `json:"scope,omitempty"`
	TokenUse string `json:"token_use,omitempty"`
}

// NewValidator resolves the signing key set endpoint (via the issuer's
// OIDC discovery document unless overridden) and registers it with a
// TTL-refreshed cache. The cache lives until ctx is cancelled.
func NewValidator(ctx context.Context, cfg Config, log logr.Logger) (*Validator, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, fmt.Errorf("audience is required")
	}
	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		discovered, err := discoverJWKSURL(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("resolving key set endpoint: %w", err)
		}
		jwksURL = discovered
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(cfg.RefreshInterval)); err != nil {
		return nil, fmt.Errorf("registering key set %s: %w", jwksURL, err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384"}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	)

	log.V(1).Info("token validator ready", "issuer", cfg.Issuer, "jwksURL", jwksURL)

	return &Validator{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		jwksURL:  jwksURL,
		cache:    cache,
		parser:   parser,
		log:      log,
	}, nil
}

// Validate verifies the raw bearer token and returns its claims. Any
// violation yields an *agenterrors.AuthError with the specific reason.
func (v *Validator) Validate(ctx context.Context, raw string) (*models.IdentityClaims, error) {
	claims, err := v.parse(ctx, raw)
	if err != nil && v.signatureSuspect(err) {
		// Key rotation at the issuer invalidates cached keys. Refresh
		// the set once and retry before failing.
		if _, refreshErr := v.cache.Refresh(ctx, v.jwksURL); refreshErr != nil {
			v.log.Error(refreshErr, "key set refresh failed", "jwksURL", v.jwksURL)
		} else {
			claims, err = v.parse(ctx, raw)
		}
	}
	if err != nil {
		return nil, v.classify(err)
	}

	if claims.TokenUse != "" && claims.TokenUse != "access" && claims.TokenUse != "id" {
		return nil, &agenterrors.AuthError{
			Reason: agenterrors.AuthMalformed,
			Err:    fmt.Errorf("unexpected token_use %q", claims.TokenUse),
		}
	}

	identity := &models.IdentityClaims{
		Subject:  claims.Subject,
		Issuer:   claims.Issuer,
		Audience: v.audience,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.Scope != "" {
		identity.Scopes = strings.Fields(claims.Scope)
	}
	return identity, nil
}

func (v *Validator) parse(ctx context.Context, raw string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	_, err := v.parser.ParseWithClaims(raw, claims, v.keyfunc(ctx))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *Validator) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header missing kid")
		}
		set, err := v.cache.Get(ctx, v.jwksURL)
		if err != nil {
			return nil, fmt.Errorf("fetching key set: %w", err)
		}
		key, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("%w: kid %q", errKeyNotFound, kid)
		}
		var pub interface{}
		if err := key.Raw(&pub); err != nil {
			return nil, fmt.Errorf("materializing key %q: %w", kid, err)
		}
		return pub, nil
	}
}

// signatureSuspect reports whether the parse failure could be explained
// by a rotated signing key, in which case one refresh-and-retry is
// warranted.
func (v *Validator) signatureSuspect(err error) bool {
	return errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, errKeyNotFound)
}

func (v *Validator) classify(err error) error {
	reason := agenterrors.AuthMalformed
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		reason = agenterrors.AuthExpiredToken
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		reason = agenterrors.AuthWrongAudience
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		reason = agenterrors.AuthUnknownIssuer
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, errKeyNotFound),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		reason = agenterrors.AuthBadSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		reason = agenterrors.AuthMalformed
	}
	return &agenterrors.AuthError{Reason: reason, Err: err}
}

// discoverJWKSURL reads jwks_uri from the issuer's OIDC discovery
// document.
func discoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	url := strings.TrimSuffix(issuer, "/") + discoveryPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery document returned status %d", resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decoding discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", errors.New("discovery document missing jwks_uri")
	}
	return doc.JWKSURI, nil
}
