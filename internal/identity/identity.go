// Package identity verifies the bearer credentials presented to the admin
// API. The actual identity provider is an external OIDC-like service out of
// scope for this repo; this package's only contract with it is "take a
// bearer token, return a subject and role claims, or fail".
package identity

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrUnauthenticated is returned when a request carries no usable bearer
// credential.
var ErrUnauthenticated = errors.New("identity: missing or invalid bearer credential")

// Claims is the subset of the verified token this server cares about.
type Claims struct {
	Subject string
	Roles   []string
}

// HasRole reports whether c carries role.
func (c Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Verifier validates a bearer token extracted from an Authorization header.
type Verifier interface {
	Verify(ctx context.Context, bearer string) (Claims, error)
}

// BearerFromHeader extracts the token from a "Bearer <token>" Authorization
// header value. Returns false if the header is absent or malformed.
func BearerFromHeader(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

// Config configures a JWT-based Verifier against an external OIDC-like
// provider.
type Config struct {
	// IssuerURL is the identity provider's base URL; JWKS is fetched from
	// IssuerURL + "/.well-known/jwks.json".
	IssuerURL string
	Realm     string
	ClientID  string
	// RoleClaim names the claim holding the caller's roles, e.g. "roles".
	RoleClaim string
	// JWKSRefresh bounds how long a fetched key set is trusted before a
	// re-fetch is attempted.
	JWKSRefresh time.Duration

	HTTPClient *http.Client
}

type jwtVerifier struct {
	cfg Config
	log *zap.Logger

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewJWTVerifier builds a Verifier that validates RS256 tokens against a
// JWKS endpoint published by the configured identity provider.
func NewJWTVerifier(cfg Config, log *zap.Logger) Verifier {
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = "roles"
	}
	if cfg.JWKSRefresh == 0 {
		cfg.JWKSRefresh = 10 * time.Minute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &jwtVerifier{cfg: cfg, log: log, keys: make(map[string]*rsa.PublicKey)}
}

func (v *jwtVerifier) Verify(ctx context.Context, bearer string) (Claims, error) {
	tok, err := jwt.Parse(bearer, v.keyFunc(ctx), jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.cfg.IssuerURL))
	if err != nil {
		return Claims{}, errors.Wrap(err, "parse bearer token")
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok || !tok.Valid {
		return Claims{}, ErrUnauthenticated
	}
	sub, _ := claims.GetSubject()
	c := Claims{Subject: sub}
	if raw, ok := claims[v.cfg.RoleClaim]; ok {
		if list, ok := raw.([]interface{}); ok {
			for _, r := range list {
				if s, ok := r.(string); ok {
					c.Roles = append(c.Roles, s)
				}
			}
		}
	}
	return c, nil
}

func (v *jwtVerifier) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(tok *jwt.Token) (interface{}, error) {
		kid, _ := tok.Header["kid"].(string)
		key, err := v.key(ctx, kid)
		if err != nil {
			return nil, err
		}
		return key, nil
	}
}

func (v *jwtVerifier) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	fresh := time.Since(v.fetchedAt) < v.cfg.JWKSRefresh
	v.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}
	if err := v.refreshKeys(ctx); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok = v.keys[kid]
	if !ok {
		return nil, errors.Errorf("identity: unknown signing key %q", kid)
	}
	return key, nil
}

type jwksResponse struct {
	Keys []struct {
		Kid string `json:"kid"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (v *jwtVerifier) refreshKeys(ctx context.Context) error {
	url := strings.TrimRight(v.cfg.IssuerURL, "/") + "/.well-known/jwks.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build jwks request")
	}
	resp, err := v.cfg.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "fetch jwks")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("identity: jwks fetch returned %d", resp.StatusCode)
	}
	var parsed jwksResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return errors.Wrap(err, "decode jwks")
	}
	keys := make(map[string]*rsa.PublicKey, len(parsed.Keys))
	for _, k := range parsed.Keys {
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			v.log.Warn("skipping malformed jwks entry", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		keys[k.Kid] = pub
	}
	v.mu.Lock()
	v.keys = keys
	v.fetchedAt = time.Now()
	v.mu.Unlock()
	return nil
}

// Mock is a Verifier used when the mock-auth flag is set, e.g. for local
// development; the flag takes precedence over a configured identity provider.
type Mock struct {
	Subject string
	Roles   []string
}

// Verify always succeeds, returning the configured static claims.
func (m Mock) Verify(context.Context, string) (Claims, error) {
	roles := m.Roles
	if roles == nil {
		roles = []string{"admin"}
	}
	subject := m.Subject
	if subject == "" {
		subject = "mock-admin"
	}
	return Claims{Subject: subject, Roles: roles}, nil
}
