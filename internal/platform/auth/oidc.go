package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/hanko-field/fulfillment/internal/platform/httpx"
	"github.com/hanko-field/fulfillment/internal/platform/requestctx"
)

var (
	// ErrJWKSKeyNotFound is returned when the requested key ID is absent from the JWKS document.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport or decoding errors while refreshing JWKS.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

const defaultJWKSValidity = 15 * time.Minute

// JWKSCache fetches signing keys on demand and keeps them until the provider's max-age expires.
type JWKSCache struct {
	url    string
	client *http.Client
	now    func() time.Time

	mu     sync.Mutex
	keys   map[string]jose.JSONWebKey
	expiry time.Time
}

// NewJWKSCache constructs a cache for url. A nil client uses a 10s timeout client.
func NewJWKSCache(url string, client *http.Client, now func() time.Time) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if now == nil {
		now = time.Now
	}
	return &JWKSCache{url: url, client: client, now: now}
}

// Key resolves the public key for kid, refreshing once on a miss to pick up rotations.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.keys) == 0 || !c.now().Before(c.expiry) {
		if err := c.refreshLocked(ctx); err != nil {
			return nil, err
		}
	}
	if jwk, ok := c.keys[kid]; ok {
		return jwk.Key, nil
	}
	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}
	if jwk, ok := c.keys[kid]; ok {
		return jwk.Key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode jwks: %v", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID != "" && jwk.Valid() {
			keys[jwk.KeyID] = jwk
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrJWKSFetchFailed)
	}

	c.keys = keys
	c.expiry = c.now().Add(maxAge(resp.Header.Get("Cache-Control")))
	return nil
}

func maxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultJWKSValidity
}

// Caller is the verified service principal calling an internal endpoint.
type Caller struct {
	Subject string
	Email   string
	Issuer  string
}

type callerContextKey struct{}

// WithCaller stores the caller on ctx.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext returns the caller stored by RequireOIDC.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return Caller{}, false
	}
	caller, ok := ctx.Value(callerContextKey{}).(Caller)
	return caller, ok
}

// OIDCVerifier validates Google-signed identity tokens sent by schedulers and operators.
type OIDCVerifier struct {
	keys          *JWKSCache
	audience      string
	issuers       map[string]struct{}
	allowedEmails map[string]struct{}
	now           func() time.Time
}

// OIDCOptions configures NewOIDCVerifier. Empty AllowedEmails admits any verified caller.
type OIDCOptions struct {
	Audience      string
	Issuers       []string
	AllowedEmails []string
	Now           func() time.Time
}

// NewOIDCVerifier builds a verifier backed by keys.
func NewOIDCVerifier(keys *JWKSCache, opts OIDCOptions) (*OIDCVerifier, error) {
	if keys == nil {
		return nil, errors.New("auth: jwks cache is required")
	}
	if strings.TrimSpace(opts.Audience) == "" {
		return nil, errors.New("auth: oidc audience is required")
	}
	v := &OIDCVerifier{
		keys:          keys,
		audience:      strings.TrimSpace(opts.Audience),
		issuers:       toSet(opts.Issuers, false),
		allowedEmails: toSet(opts.AllowedEmails, true),
		now:           opts.Now,
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v, nil
}

// Verify parses and validates raw, returning the caller on success.
func (v *OIDCVerifier) Verify(ctx context.Context, raw string) (Caller, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		return Caller{}, err
	}
	if !claims.VerifyAudience(v.audience, true) {
		return Caller{}, errors.New("auth: audience mismatch")
	}
	if !claims.VerifyExpiresAt(v.now().Unix(), true) {
		return Caller{}, errors.New("auth: token expired")
	}
	issuer, _ := claims["iss"].(string)
	if len(v.issuers) > 0 {
		if _, ok := v.issuers[issuer]; !ok {
			return Caller{}, fmt.Errorf("auth: issuer %q not allowed", issuer)
		}
	}
	email, _ := claims["email"].(string)
	if len(v.allowedEmails) > 0 {
		if verified, _ := claims["email_verified"].(bool); !verified {
			return Caller{}, errors.New("auth: caller email not verified")
		}
		if _, ok := v.allowedEmails[strings.ToLower(email)]; !ok {
			return Caller{}, fmt.Errorf("auth: caller %q not allowed", email)
		}
	}
	subject, _ := claims["sub"].(string)
	return Caller{Subject: subject, Email: email, Issuer: issuer}, nil
}

// RequireOIDC rejects requests without a valid bearer token.
func (v *OIDCVerifier) RequireOIDC() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "bearer token required", http.StatusUnauthorized))
				return
			}
			caller, err := v.Verify(ctx, token)
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrJWKSFetchFailed) {
					status = http.StatusServiceUnavailable
				}
				requestctx.Logger(ctx).Warn("oidc verification failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "token verification failed", status))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(ctx, caller)))
		})
	}
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func toSet(values []string, lower bool) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if lower {
			value = strings.ToLower(value)
		}
		if value != "" {
			set[value] = struct{}{}
		}
	}
	return set
}
