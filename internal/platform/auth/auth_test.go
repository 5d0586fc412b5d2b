package auth

import (
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
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(roles ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "nurse-7",
			Issuer:    "triage-tests",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
}

// run sends one request through mw and reports the status and the identity
// seen by the handler.
func run(t *testing.T, mw echo.MiddlewareFunc, path, authHeader string) (int, string, []string) {
	t.Helper()
	e := echo.New()
	var user string
	var roles []string
	e.GET(path, func(c echo.Context) error {
		user = UserIDFromContext(c.Request().Context())
		roles = RolesFromContext(c.Request().Context())
		return c.NoContent(http.StatusNoContent)
	}, mw)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec.Code, user, roles
}

func TestJWTMiddleware_HS256(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "triage-tests"})

	token := createTestToken(t, validClaims(RoleNurse), testSigningKey)
	code, user, roles := run(t, mw, "/api/v1/triage-records", "Bearer "+token)
	if code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", code)
	}
	if user != "nurse-7" || len(roles) != 1 || roles[0] != RoleNurse {
		t.Errorf("unexpected identity %q %v", user, roles)
	}
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "triage-tests"})

	expired := validClaims(RoleNurse)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	wrongIssuer := validClaims(RoleNurse)
	wrongIssuer.Issuer = "someone-else"

	tests := map[string]string{
		"missing header": "",
		"basic auth":     "Basic dXNlcjpwYXNz",
		"empty bearer":   "Bearer ",
		"garbage":        "Bearer not-a-jwt",
		"expired":        "Bearer " + createTestToken(t, expired, testSigningKey),
		"wrong issuer":   "Bearer " + createTestToken(t, wrongIssuer, testSigningKey),
		"wrong key":      "Bearer " + createTestToken(t, validClaims(RoleNurse), []byte("another-key")),
	}
	for name, header := range tests {
		if code, _, _ := run(t, mw, "/api/v1/triage-records", header); code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", name, code)
		}
	}
}

func TestJWTMiddleware_SkipsPublicPaths(t *testing.T) {
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})
	for _, path := range []string{"/health", "/ready", "/metrics"} {
		if code, _, _ := run(t, mw, path, ""); code != http.StatusNoContent {
			t.Errorf("%s: expected 204 without a token, got %d", path, code)
		}
	}
	if code, _, _ := run(t, mw, "/api/v1/triage-records/queue", ""); code != http.StatusUnauthorized {
		t.Errorf("protected path: expected 401, got %d", code)
	}
}

func TestJWTMiddleware_JWKSViaDiscovery(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"issuer": srv.URL, "jwks_uri": srv.URL + "/jwks"})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(JWKSResponse{Keys: []JWKSKey{{
			Kty: "RSA",
			Kid: "k1",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	})

	claims := validClaims(RolePhysician)
	claims.Issuer = srv.URL
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	mw := JWTMiddleware(JWTConfig{Issuer: srv.URL})
	code, _, roles := run(t, mw, "/x", "Bearer "+signed)
	if code != http.StatusNoContent || len(roles) != 1 || roles[0] != RolePhysician {
		t.Errorf("expected RS256 token accepted, got %d %v", code, roles)
	}

	token.Header["kid"] = "unknown"
	other, _ := token.SignedString(key)
	if code, _, _ := run(t, mw, "/x", "Bearer "+other); code != http.StatusUnauthorized {
		t.Errorf("unknown kid: expected 401, got %d", code)
	}
}

func TestNewOIDCProvider_MissingJWKS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"issuer":"x"}`))
	}))
	defer srv.Close()
	if _, err := NewOIDCProvider(srv.URL); err == nil {
		t.Error("expected error for a document without jwks_uri")
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	code, user, roles := run(t, DevAuthMiddleware(), "/x", "")
	if code != http.StatusNoContent || user != "dev-user" || len(roles) != 1 || roles[0] != RoleAdmin {
		t.Errorf("unexpected dev identity %d %q %v", code, user, roles)
	}
	if _, user, _ := run(t, DevAuthMiddleware(), "/x", "Bearer abc"); user != "" {
		t.Errorf("a supplied token must not be replaced by the dev identity, got %q", user)
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  int
	}{
		{"nurse allowed", []string{RoleNurse}, http.StatusOK},
		{"physician allowed", []string{"scheduler", RolePhysician}, http.StatusOK},
		{"admin bypass", []string{RoleAdmin}, http.StatusOK},
		{"other role denied", []string{"billing"}, http.StatusForbidden},
		{"no roles denied", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(WithUser(req.Context(), "u1", tt.roles))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := RequireRole(RoleNurse, RolePhysician)(func(c echo.Context) error {
				return c.NoContent(http.StatusOK)
			})(c)
			code := rec.Code
			if he, ok := err.(*echo.HTTPError); ok {
				code = he.Code
			}
			if code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, code)
			}
		})
	}
}
