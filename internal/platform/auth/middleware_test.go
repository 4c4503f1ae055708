package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, path, authHeader string, h echo.HandlerFunc) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath(path)
	return mw(h)(c)
}

func wantCode(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "/api/v1/surgical-cases", "", okHandler)
	wantCode(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "/", tt.header, okHandler)
			wantCode(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ClaimsExtraction(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "surgeon-42",
			Issuer:    "https://idp.example.org",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "st-marys",
		Roles:    []string{"surgeon"},
		Scopes:   []string{"schedule.write"},
	}
	token := createTestToken(t, claims, testSigningKey)

	var tenant any
	handler := func(c echo.Context) error {
		ctx := c.Request().Context()
		if got := UserIDFromContext(ctx); got != "surgeon-42" {
			t.Errorf("user = %q", got)
		}
		if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != "surgeon" {
			t.Errorf("roles = %v", roles)
		}
		if scopes := ScopesFromContext(ctx); len(scopes) != 1 {
			t.Errorf("scopes = %v", scopes)
		}
		tenant = c.Get(TenantKey)
		return nil
	}
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp.example.org"})
	if err := runMiddleware(t, mw, "/", "Bearer "+token, handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tenant != "st-marys" {
		t.Errorf("tenant = %v", tenant)
	}
}

func TestJWTMiddleware_RejectedTokens(t *testing.T) {
	expired := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}
	tests := map[string]struct {
		claims Claims
		key    []byte
		cfg    JWTConfig
	}{
		"expired":      {expired, testSigningKey, JWTConfig{SigningKey: testSigningKey}},
		"wrong key":    {Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u"}}, []byte("other"), JWTConfig{SigningKey: testSigningKey}},
		"wrong issuer": {Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Issuer: "evil"}}, testSigningKey, JWTConfig{SigningKey: testSigningKey, Issuer: "good"}},
		"wrong audience": {
			Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Audience: jwt.ClaimStrings{"billing"}}},
			testSigningKey,
			JWTConfig{SigningKey: testSigningKey, Audience: "orsched"},
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			token := createTestToken(t, tt.claims, tt.key)
			err := runMiddleware(t, JWTMiddleware(tt.cfg), "/", "Bearer "+token, okHandler)
			wantCode(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})
	for _, path := range []string{"/health", "/health/db", "/metrics"} {
		called := false
		err := runMiddleware(t, mw, path, "", func(c echo.Context) error {
			called = true
			return nil
		})
		if err != nil || !called {
			t.Errorf("%s: err = %v called = %v", path, err, called)
		}
	}
	err := runMiddleware(t, mw, "/api/v1/surgical-cases", "", okHandler)
	wantCode(t, err, http.StatusUnauthorized)
}

func newJWKSServer(t *testing.T, kid string, pub *rsa.PublicKey) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(OIDCProvider{Issuer: srv.URL, JWKSURI: srv.URL + "/jwks"})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(JWKSResponse{Keys: []JWKSKey{{
			Kty: "RSA",
			Kid: kid,
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}}})
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestJWTMiddleware_JWKSDiscovery(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	srv := newJWKSServer(t, "k1", &key.PublicKey)

	sign := func(kid string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "nurse-7", Issuer: srv.URL},
			Roles:            []string{"nurse"},
		})
		tok.Header["kid"] = kid
		s, err := tok.SignedString(key)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	mw := JWTMiddleware(JWTConfig{Issuer: srv.URL})
	err = runMiddleware(t, mw, "/", "Bearer "+sign("k1"), func(c echo.Context) error {
		if got := UserIDFromContext(c.Request().Context()); got != "nurse-7" {
			t.Errorf("user = %q", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = runMiddleware(t, mw, "/", "Bearer "+sign("rotated-away"), okHandler)
	wantCode(t, err, http.StatusUnauthorized)
}

func TestDiscoverOIDC_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"issuer":"x"}`))
	}))
	defer srv.Close()
	if _, err := DiscoverOIDC(srv.URL); err == nil {
		t.Error("expected error for a document without jwks_uri")
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	if _, err := DiscoverOIDC(down.URL); err == nil {
		t.Error("expected error for a failing endpoint")
	}
}

func TestParseRSAPublicKey(t *testing.T) {
	if _, err := parseRSAPublicKey(JWKSKey{N: "!!", E: "AQAB"}); err == nil {
		t.Error("expected modulus error")
	}
	if _, err := parseRSAPublicKey(JWKSKey{N: "AQAB", E: "!!"}); err == nil {
		t.Error("expected exponent error")
	}
	pub, err := parseRSAPublicKey(JWKSKey{N: "AQAB", E: "AQAB"})
	if err != nil || pub.E != 65537 {
		t.Errorf("pub = %+v err = %v", pub, err)
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	mw := DevAuthMiddleware(AuthSkipper)
	err := runMiddleware(t, mw, "/api/v1/or-rooms", "", func(c echo.Context) error {
		ctx := c.Request().Context()
		if UserIDFromContext(ctx) != "dev-user" {
			t.Errorf("user = %q", UserIDFromContext(ctx))
		}
		if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != "admin" {
			t.Errorf("roles = %v", roles)
		}
		if c.Get(TenantKey) != "default" {
			t.Errorf("tenant = %v", c.Get(TenantKey))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = runMiddleware(t, mw, "/metrics", "", func(c echo.Context) error {
		if UserIDFromContext(c.Request().Context()) != "" {
			t.Error("public path should not get a dev identity")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestWithUser(t *testing.T) {
	ctx := WithUser(context.Background(), "user-123", "scheduler")
	if UserIDFromContext(ctx) != "user-123" {
		t.Errorf("user = %q", UserIDFromContext(ctx))
	}
	if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != "scheduler" {
		t.Errorf("roles = %v", roles)
	}
	if UserIDFromContext(context.Background()) != "" {
		t.Error("expected empty user")
	}
}
