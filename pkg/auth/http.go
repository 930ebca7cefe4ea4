package auth

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Roles understood by the operator endpoints. Admin implies viewer.
const (
	RoleViewer = "viewer"
	RoleAdmin  = "admin"
)

var ErrNoToken = errors.New("missing bearer token")

type Principal struct {
	Subject string
	Roles   []string
	// Address is set when the caller proved control of a ledger account
	// through a signed request instead of a bearer token.
	Address string
}

type contextKey string

const principalContextKey contextKey = "ledgersync.principal"

type MiddlewareConfig struct {
	JWKSURL     string
	Issuer      string
	Audience    string
	StaticToken string
	Timeout     time.Duration
}

type MiddlewareOption func(*MiddlewareConfig)

func WithJWKS(url string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.JWKSURL = strings.TrimSpace(url)
	}
}

func WithIssuer(issuer string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Issuer = strings.TrimSpace(issuer)
	}
}

func WithAudience(audience string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Audience = strings.TrimSpace(audience)
	}
}

// WithStaticToken accepts one shared bearer token as an admin principal.
func WithStaticToken(token string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.StaticToken = strings.TrimSpace(token)
	}
}

func WithTimeout(timeout time.Duration) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Timeout = timeout
	}
}

// TokenVerifier turns an Authorization header into a Principal.
type TokenVerifier struct {
	mode   string
	secret []byte
	cfg    MiddlewareConfig
	jwks   *jwksCache
	now    func() time.Time
}

func NewTokenVerifier(mode, secret string, options ...MiddlewareOption) *TokenVerifier {
	cfg := MiddlewareConfig{Timeout: 5 * time.Second}
	for _, opt := range options {
		opt(&cfg)
	}
	v := &TokenVerifier{
		mode:   strings.ToLower(strings.TrimSpace(mode)),
		secret: []byte(secret),
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if v.mode == "oidc_rs256" {
		v.jwks = newJWKSCache(cfg.JWKSURL, cfg.Timeout)
	}
	return v
}

// Verify returns ErrNoToken when the request carries no bearer token at all,
// so callers can fall back to signature authentication.
func (v *TokenVerifier) Verify(r *http.Request) (Principal, error) {
	if v.mode == "" || v.mode == "off" {
		return Principal{Subject: "anonymous", Roles: []string{RoleAdmin}}, nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return Principal{}, ErrNoToken
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	if token == "" {
		return Principal{}, ErrNoToken
	}
	if v.cfg.StaticToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(v.cfg.StaticToken)) == 1 {
		return Principal{Subject: "admin-token", Roles: []string{RoleAdmin}}, nil
	}
	var (
		claims TokenClaims
		err    error
	)
	switch v.mode {
	case "oidc_hs256":
		claims, err = VerifyHS256Token(token, string(v.secret), v.now(), v.cfg.Issuer, v.cfg.Audience)
	case "oidc_rs256":
		claims, err = VerifyRS256Token(token, v.now(), v.jwks, v.cfg.Issuer, v.cfg.Audience)
	case "static":
		err = errors.New("token mismatch")
	default:
		err = errors.New("unsupported auth mode")
	}
	if err != nil {
		return Principal{}, err
	}
	return Principal{Subject: claims.Subject, Roles: claims.Roles}, nil
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, r := range p.Roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	if _, ok := set[RoleAdmin]; ok {
		return true
	}
	for _, rr := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}

// TokenClaims are the registered claims plus the role list.
type TokenClaims struct {
	Roles Roles `json:"roles"`
	jwt.RegisteredClaims
}

// Roles accepts either a JSON array or a single string.
type Roles []string

func (r *Roles) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*r = list
		return nil
	}
	var single string
	if err := json.Unmarshal(b, &single); err != nil {
		return err
	}
	if single != "" {
		*r = []string{single}
	}
	return nil
}

func parserOptions(method string, now time.Time, issuer, audience string) []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return opts
}

func VerifyHS256Token(token, secret string, now time.Time, issuer, audience string) (TokenClaims, error) {
	if secret == "" {
		return TokenClaims{}, errors.New("secret is required")
	}
	var claims TokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, parserOptions(jwt.SigningMethodHS256.Alg(), now, issuer, audience)...)
	if err != nil {
		return TokenClaims{}, err
	}
	if claims.Subject == "" {
		return TokenClaims{}, errors.New("subject required")
	}
	return claims, nil
}

func VerifyRS256Token(token string, now time.Time, cache *jwksCache, issuer, audience string) (TokenClaims, error) {
	var claims TokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if strings.TrimSpace(kid) == "" {
			return nil, errors.New("kid required")
		}
		return cache.key(context.Background(), kid, now)
	}, parserOptions(jwt.SigningMethodRS256.Alg(), now, issuer, audience)...)
	if err != nil {
		return TokenClaims{}, err
	}
	if claims.Subject == "" {
		return TokenClaims{}, errors.New("subject required")
	}
	return claims, nil
}

type jwksCache struct {
	url       string
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	client    *http.Client
}

func newJWKSCache(jwksURL string, timeout time.Duration) *jwksCache {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &jwksCache{
		url:    jwksURL,
		keys:   map[string]*rsa.PublicKey{},
		client: &http.Client{Timeout: timeout},
	}
}

func (c *jwksCache) key(ctx context.Context, kid string, now time.Time) (*rsa.PublicKey, error) {
	if c == nil {
		return nil, errors.New("jwks cache is nil")
	}
	if c.url == "" {
		return nil, errors.New("jwks url is required")
	}
	c.mu.RLock()
	if key, ok := c.keys[kid]; ok && now.Before(c.expiresAt) {
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()
	if err := c.refresh(ctx, now); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	if !ok {
		return nil, errors.New("kid not found in jwks")
	}
	return key, nil
}

func (c *jwksCache) refresh(ctx context.Context, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.expiresAt) {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New("jwks fetch failed")
	}
	var payload struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}
	next := map[string]*rsa.PublicKey{}
	for _, k := range payload.Keys {
		if strings.ToUpper(k.Kty) != "RSA" || strings.TrimSpace(k.Kid) == "" {
			continue
		}
		pub, err := rsaFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		next[k.Kid] = pub
	}
	if len(next) == 0 {
		return errors.New("jwks has no valid rsa keys")
	}
	c.keys = next
	c.expiresAt = now.Add(5 * time.Minute)
	return nil
}

func rsaFromJWK(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	e := 0
	for _, b := range eb {
		e = e<<8 + int(b)
	}
	if e <= 1 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}

func IsValidURL(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	parsed, err := url.Parse(raw)
	return err == nil && parsed.Scheme != "" && parsed.Host != ""
}
