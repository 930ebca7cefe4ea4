package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func signHS256(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestVerifyHS256Token(t *testing.T) {
	tok := signHS256(t, jwt.MapClaims{
		"sub":   "ops-1",
		"roles": []string{"viewer"},
		"iss":   "issuer-hs",
		"aud":   "ledgersync",
		"exp":   time.Now().Add(time.Minute).Unix(),
	}, "test-secret")
	claims, err := VerifyHS256Token(tok, "test-secret", time.Now(), "issuer-hs", "ledgersync")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.Subject != "ops-1" || len(claims.Roles) != 1 || claims.Roles[0] != RoleViewer {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyHS256TokenRejections(t *testing.T) {
	now := time.Now()
	base := func() jwt.MapClaims {
		return jwt.MapClaims{"sub": "u", "iss": "i", "aud": []string{"a", "b"}, "exp": now.Add(time.Minute).Unix()}
	}
	cases := map[string]struct {
		claims   jwt.MapClaims
		secret   string
		issuer   string
		audience string
	}{
		"issuer":   {claims: base(), secret: "s", issuer: "other"},
		"audience": {claims: base(), secret: "s", audience: "c"},
		"expired":  {claims: jwt.MapClaims{"sub": "u", "exp": now.Add(-time.Minute).Unix()}, secret: "s"},
		"no_exp":   {claims: jwt.MapClaims{"sub": "u"}, secret: "s"},
		"no_sub":   {claims: jwt.MapClaims{"exp": now.Add(time.Minute).Unix()}, secret: "s"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			tok := signHS256(t, tc.claims, "s")
			if _, err := VerifyHS256Token(tok, tc.secret, now, tc.issuer, tc.audience); err == nil {
				t.Fatal("expected rejection")
			}
		})
	}
	tok := signHS256(t, base(), "s")
	if _, err := VerifyHS256Token(tok, "wrong", now, "", ""); err == nil {
		t.Fatal("expected signature mismatch")
	}
	if _, err := VerifyHS256Token(tok, "", now, "", ""); err == nil {
		t.Fatal("expected missing secret error")
	}
}

func TestRolesAcceptsSingleString(t *testing.T) {
	var r Roles
	if err := json.Unmarshal([]byte(`"admin"`), &r); err != nil || len(r) != 1 || r[0] != "admin" {
		t.Fatalf("unexpected roles %v err=%v", r, err)
	}
}

func TestVerifyRoundTripsPrincipal(t *testing.T) {
	tok := signHS256(t, jwt.MapClaims{"sub": "ops", "roles": "viewer", "exp": time.Now().Add(time.Minute).Unix()}, "secret")
	v := NewTokenVerifier("oidc_hs256", "secret")

	req := httptest.NewRequest(http.MethodGet, "/cache", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	p, err := v.Verify(req)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	got, ok := PrincipalFromContext(WithPrincipal(req.Context(), p))
	if !ok || got.Subject != "ops" || !HasAnyRole(got, RoleViewer) || HasAnyRole(got, RoleAdmin) {
		t.Fatalf("unexpected principal %+v ok=%v", got, ok)
	}

	if _, err := v.Verify(httptest.NewRequest(http.MethodGet, "/cache", nil)); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
	bad := httptest.NewRequest(http.MethodGet, "/cache", nil)
	bad.Header.Set("Authorization", "Bearer garbage")
	if _, err := v.Verify(bad); err == nil || errors.Is(err, ErrNoToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestStaticTokenIsAdmin(t *testing.T) {
	v := NewTokenVerifier("oidc_hs256", "secret", WithStaticToken("ops-token"))
	req := httptest.NewRequest(http.MethodPost, "/cache", nil)
	req.Header.Set("Authorization", "Bearer ops-token")
	p, err := v.Verify(req)
	if err != nil || !HasAnyRole(p, RoleAdmin) {
		t.Fatalf("expected admin principal, got %+v err=%v", p, err)
	}
	if !HasAnyRole(p, RoleViewer) {
		t.Fatal("admin must satisfy viewer routes")
	}

	req.Header.Del("Authorization")
	if _, err := v.Verify(req); err != ErrNoToken {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
	if p, err := NewTokenVerifier("off", "").Verify(req); err != nil || p.Subject != "anonymous" {
		t.Fatalf("off mode should pass through, got %+v %v", p, err)
	}
}

func TestVerifyRS256TokenWithJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa key: %v", err)
	}
	jwks := map[string]any{"keys": []map[string]string{{
		"kid": "k1",
		"kty": "RSA",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	defer srv.Close()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "svc", "roles": []string{"admin"}, "exp": time.Now().Add(time.Minute).Unix()})
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := VerifyRS256Token(signed, time.Now(), newJWKSCache(srv.URL, time.Second), "", "")
	if err != nil || claims.Subject != "svc" {
		t.Fatalf("verify rs256: %+v %v", claims, err)
	}

	token.Header["kid"] = "missing"
	signed, _ = token.SignedString(key)
	if _, err := VerifyRS256Token(signed, time.Now(), newJWKSCache(srv.URL, time.Second), "", ""); err == nil {
		t.Fatal("expected unknown kid rejection")
	}
}

func TestIsValidURL(t *testing.T) {
	if !IsValidURL("https://issuer.example.com/jwks") || IsValidURL("") || IsValidURL("not a url") {
		t.Fatal("unexpected url validation")
	}
}
