package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/aiconsole/internal/config"
	"github.com/pitabwire/aiconsole/model"
)

// --- test helpers ---

func generateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func generateECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func rsaKeyToJWK(kid string, pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func ecKeyToJWK(kid string, pub *ecdsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "EC",
		"crv": "P-256",
		"use": "sig",
		"x":   base64.RawURLEncoding.EncodeToString(pub.X.Bytes()),
		"y":   base64.RawURLEncoding.EncodeToString(pub.Y.Bytes()),
	}
}

// startJWKSServer serves keys and counts fetches. Setting fail makes it
// answer 500.
func startJWKSServer(t *testing.T, keys ...map[string]any) (*httptest.Server, *atomic.Int32, *atomic.Bool) {
	t.Helper()
	var hits atomic.Int32
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(srv.Close)
	return srv, &hits, &fail
}

func signJWT(t *testing.T, key any, method jwt.SigningMethod, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func testIdentityCfg() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     "https://auth.example.com",
		Audience:   "ai-console",
		Algorithms: []string{"RS256", "ES256"},
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"email":      "email",
			"roles":      "roles",
		},
	}
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "operator-1",
		"email": "operator@example.com",
		"roles": []string{"admin"},
		"iss":   "https://auth.example.com",
		"aud":   "ai-console",
		"exp":   jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
		"iat":   jwt.NewNumericDate(time.Now()),
	}
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// authenticate runs req through an Authenticator over keys and returns the
// recorder and the error message, if any.
func authenticate(t *testing.T, keys KeySource, req *http.Request) (*httptest.ResponseRecorder, string) {
	t.Helper()
	w := httptest.NewRecorder()
	Authenticator(testIdentityCfg(), "console_token", keys)(okHandler).ServeHTTP(w, req)

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if w.Code != http.StatusOK {
		json.NewDecoder(w.Body).Decode(&resp)
	}
	return w, resp.Error.Message
}

func bearerRequest(token string) *http.Request {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// --- JWKSClient tests ---

func TestJWKSClient_GetKey_RSA(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv, _, _ := startJWKSServer(t, rsaKeyToJWK("rsa-key-1", &rsaKey.PublicKey))

	client := NewJWKSClient(srv.URL, 1*time.Hour, nil)
	key, err := client.GetKey("rsa-key-1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		t.Fatalf("key type = %T, want *rsa.PublicKey", key)
	}
	if pub.N.Cmp(rsaKey.N) != 0 || pub.E != rsaKey.E {
		t.Error("decoded RSA key does not match")
	}
}

func TestJWKSClient_GetKey_EC(t *testing.T) {
	ecKey := generateECKey(t)
	srv, _, _ := startJWKSServer(t, ecKeyToJWK("ec-key-1", &ecKey.PublicKey))

	client := NewJWKSClient(srv.URL, 1*time.Hour, nil)
	key, err := client.GetKey("ec-key-1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		t.Fatalf("key type = %T, want *ecdsa.PublicKey", key)
	}
	if pub.X.Cmp(ecKey.X) != 0 || pub.Y.Cmp(ecKey.Y) != 0 {
		t.Error("decoded EC key does not match")
	}
}

func TestJWKSClient_GetKey_unknown(t *testing.T) {
	srv, _, _ := startJWKSServer(t)

	client := NewJWKSClient(srv.URL, 1*time.Hour, nil)
	if _, err := client.GetKey("missing"); err == nil {
		t.Error("expected error for unknown kid")
	}
}

func TestJWKSClient_caching(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv, hits, _ := startJWKSServer(t, rsaKeyToJWK("k1", &rsaKey.PublicKey))

	client := NewJWKSClient(srv.URL, 1*time.Hour, nil)
	for range 3 {
		if _, err := client.GetKey("k1"); err != nil {
			t.Fatalf("GetKey: %v", err)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestJWKSClient_servesCachedKeyWhenRefreshFails(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv, hits, fail := startJWKSServer(t, rsaKeyToJWK("k1", &rsaKey.PublicKey))

	client := NewJWKSClient(srv.URL, time.Nanosecond, nil)
	client.minRefresh = 0
	if _, err := client.GetKey("k1"); err != nil {
		t.Fatalf("GetKey: %v", err)
	}

	fail.Store(true)
	time.Sleep(time.Millisecond)
	if _, err := client.GetKey("k1"); err != nil {
		t.Errorf("GetKey after failed refresh: %v, want cached key", err)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("fetches = %d, want 2", n)
	}
}

func TestJWKSClient_multipleKeys(t *testing.T) {
	rsaKey := generateRSAKey(t)
	ecKey := generateECKey(t)
	srv, _, _ := startJWKSServer(t,
		rsaKeyToJWK("rsa", &rsaKey.PublicKey),
		ecKeyToJWK("ec", &ecKey.PublicKey),
		map[string]any{"kid": "sym", "kty": "oct", "k": "c2VjcmV0"},
	)

	client := NewJWKSClient(srv.URL, 1*time.Hour, nil)
	if _, err := client.GetKey("rsa"); err != nil {
		t.Errorf("GetKey(rsa): %v", err)
	}
	if _, err := client.GetKey("ec"); err != nil {
		t.Errorf("GetKey(ec): %v", err)
	}
	if _, err := client.GetKey("sym"); err == nil {
		t.Error("symmetric keys should not be served")
	}
}

// --- Authenticator tests ---

func TestAuthenticator_validToken(t *testing.T) {
	rsaKey := generateRSAKey(t)
	keys := StaticKeys{"test-key": &rsaKey.PublicKey}
	tokenStr := signJWT(t, rsaKey, jwt.SigningMethodRS256, "test-key", validClaims())

	handler := Authenticator(testIdentityCfg(), "", keys)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFrom(r.Context())
		if sub, _ := claims["sub"].(string); sub != "operator-1" {
			t.Errorf("sub = %q, want operator-1", sub)
		}
		if TokenFrom(r.Context()) != tokenStr {
			t.Error("raw token should be in context")
		}
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, bearerRequest(tokenStr))
	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestAuthenticator_validToken_EC_viaJWKS(t *testing.T) {
	ecKey := generateECKey(t)
	srv, _, _ := startJWKSServer(t, ecKeyToJWK("ec-test", &ecKey.PublicKey))
	keys := NewJWKSClient(srv.URL, 1*time.Hour, nil)

	tokenStr := signJWT(t, ecKey, jwt.SigningMethodES256, "ec-test", validClaims())
	if w, msg := authenticate(t, keys, bearerRequest(tokenStr)); w.Code != 200 {
		t.Errorf("status = %d (%s), want 200", w.Code, msg)
	}
}

func TestAuthenticator_tokenCookie(t *testing.T) {
	rsaKey := generateRSAKey(t)
	keys := StaticKeys{"k": &rsaKey.PublicKey}

	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(&http.Cookie{Name: "console_token", Value: signJWT(t, rsaKey, jwt.SigningMethodRS256, "k", validClaims())})
	if w, msg := authenticate(t, keys, req); w.Code != 200 {
		t.Errorf("status = %d (%s), want 200", w.Code, msg)
	}
}

func TestAuthenticator_rejections(t *testing.T) {
	rsaKey := generateRSAKey(t)
	keys := StaticKeys{"k": &rsaKey.PublicKey}

	withClaims := func(edit func(jwt.MapClaims)) string {
		c := validClaims()
		edit(c)
		return signJWT(t, rsaKey, jwt.SigningMethodRS256, "k", c)
	}

	tests := []struct {
		name string
		req  *http.Request
		want string
	}{
		{"missing credentials", httptest.NewRequest("GET", "/", nil), "Missing credentials"},
		{"basic auth", func() *http.Request {
			r := httptest.NewRequest("GET", "/", nil)
			r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
			return r
		}(), "Invalid authorization header format"},
		{"expired", bearerRequest(withClaims(func(c jwt.MapClaims) {
			c["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		})), "Token expired"},
		{"wrong issuer", bearerRequest(withClaims(func(c jwt.MapClaims) {
			c["iss"] = "https://evil.example.com"
		})), "Invalid token issuer"},
		{"wrong audience", bearerRequest(withClaims(func(c jwt.MapClaims) {
			c["aud"] = "someone-else"
		})), "Invalid token audience"},
		{"missing exp", bearerRequest(withClaims(func(c jwt.MapClaims) {
			delete(c, "exp")
		})), "Token is missing a required claim"},
		{"unknown kid", bearerRequest(signJWT(t, rsaKey, jwt.SigningMethodRS256, "other", validClaims())), "Unknown signing key"},
		{"disallowed algorithm", bearerRequest(signJWT(t, []byte("secret"), jwt.SigningMethodHS256, "k", validClaims())), "Disallowed signing algorithm"},
		{"garbage", bearerRequest("not-a-jwt"), "Malformed token"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w, msg := authenticate(t, keys, tc.req)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			if msg != tc.want {
				t.Errorf("message = %q, want %q", msg, tc.want)
			}
		})
	}
}

func TestAuthenticator_clockSkewTolerance(t *testing.T) {
	rsaKey := generateRSAKey(t)
	keys := StaticKeys{"k": &rsaKey.PublicKey}

	c := validClaims()
	c["exp"] = jwt.NewNumericDate(time.Now().Add(-10 * time.Second))
	if w, msg := authenticate(t, keys, bearerRequest(signJWT(t, rsaKey, jwt.SigningMethodRS256, "k", c))); w.Code != 200 {
		t.Errorf("status = %d (%s), want 200 within leeway", w.Code, msg)
	}
}

// --- extractClaim tests ---

func TestExtractClaim_dotNotation(t *testing.T) {
	claims := map[string]any{
		"realm_access": map[string]any{
			"roles": []any{"admin", "viewer"},
		},
		"scope": "agents:read agents:write",
		"sub":   "operator-1",
	}

	if v := extractClaimString(claims, "sub"); v != "operator-1" {
		t.Errorf("sub = %q, want operator-1", v)
	}

	roles := extractClaimStringSlice(claims, "realm_access.roles")
	if len(roles) != 2 || roles[0] != "admin" {
		t.Errorf("realm_access.roles = %v, want [admin viewer]", roles)
	}

	if scopes := extractClaimStringSlice(claims, "scope"); len(scopes) != 2 {
		t.Errorf("scope = %v, want two entries", scopes)
	}

	if v := extractClaimString(claims, "nonexistent.path"); v != "" {
		t.Errorf("nonexistent.path = %q, want empty", v)
	}

	if v := extractClaimString(nil, "sub"); v != "" {
		t.Errorf("nil claims = %q, want empty", v)
	}
}
