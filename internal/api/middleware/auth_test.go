package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const testKeyID = "tablet-test-key"

// jwksFor строит JWKS JSON с публичным ключом key.
func jwksFor(t *testing.T, key *rsa.PrivateKey) json.RawMessage {
	t.Helper()
	set := map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": testKeyID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}},
	}
	raw, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("JWKS: %v", err)
	}
	return raw
}

type authFixture struct {
	key  *rsa.PrivateKey
	auth *JWTAuth
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("RSA: %v", err)
	}
	kf, err := keyfunc.NewJWKSetJSON(jwksFor(t, key))
	if err != nil {
		t.Fatalf("keyfunc: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &authFixture{key: key, auth: NewJWTAuthWithKeyfunc(kf, 5*time.Second, logger)}
}

func (f *authFixture) token(t *testing.T, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKeyID
	signed, err := tok.SignedString(f.key)
	if err != nil {
		t.Fatalf("подпись токена: %v", err)
	}
	return signed
}

func validClaims(sub string) Claims {
	now := time.Now()
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
}

// serve прогоняет запрос через middleware и возвращает Principal,
// который увидел handler (ok=false — handler не вызван).
func (f *authFixture) serve(t *testing.T, header string) (*httptest.ResponseRecorder, Principal, bool) {
	t.Helper()
	var (
		seen   Principal
		called bool
	)
	h := f.auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, called = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tags/recommendations", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen, called
}

func TestJWTAuth_Principal(t *testing.T) {
	f := newAuthFixture(t)
	claims := validClaims("inspector-7")
	claims.ProjectID = "site-a"
	claims.ScopeString = "photos:write " + ScopeOperator
	claims.ScopeArray = []string{"tags:write"}

	rec, p, called := f.serve(t, "Bearer "+f.token(t, claims))
	if rec.Code != http.StatusOK || !called {
		t.Fatalf("ожидался 200 и вызов handler, получен %d: %s", rec.Code, rec.Body.String())
	}
	if p.Subject != "inspector-7" || p.ProjectID != "site-a" {
		t.Errorf("неожиданный Principal: %+v", p)
	}
	if !p.HasScope(ScopeOperator) || !p.HasScope("tags:write") || len(p.Scopes) != 3 {
		t.Errorf("scopes не объединены: %v", p.Scopes)
	}
}

func TestJWTAuth_Rejected(t *testing.T) {
	f := newAuthFixture(t)

	expired := validClaims("inspector-7")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	noSubject := validClaims("")

	noExp := validClaims("inspector-7")
	noExp.ExpiresAt = nil

	other := newAuthFixture(t)

	tests := []struct {
		name   string
		header string
	}{
		{"нет заголовка", ""},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"без префикса", "token123"},
		{"пустой токен", "Bearer "},
		{"мусор вместо JWT", "Bearer not-a-jwt"},
		{"просрочен", "Bearer " + f.token(t, expired)},
		{"без exp", "Bearer " + f.token(t, noExp)},
		{"без sub", "Bearer " + f.token(t, noSubject)},
		{"чужой ключ", "Bearer " + other.token(t, validClaims("inspector-7"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _, called := f.serve(t, tt.header)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("ожидался 401, получен %d", rec.Code)
			}
			if called {
				t.Error("handler не должен быть вызван")
			}
		})
	}
}

func TestJWTAuth_LeewayAcceptsClockSkew(t *testing.T) {
	f := newAuthFixture(t)
	claims := validClaims("inspector-7")
	// Часы планшета отстают: nbf чуть в будущем, в пределах допуска
	claims.NotBefore = jwt.NewNumericDate(time.Now().Add(2 * time.Second))

	rec, _, called := f.serve(t, "Bearer "+f.token(t, claims))
	if rec.Code != http.StatusOK || !called {
		t.Errorf("nbf в пределах leeway: ожидался 200, получен %d", rec.Code)
	}
}

func TestRequireScope(t *testing.T) {
	tests := []struct {
		name      string
		principal *Principal
		want      int
	}{
		{"оператор", &Principal{Subject: "lead", Scopes: []string{ScopeOperator}}, http.StatusOK},
		{"инспектор без scope", &Principal{Subject: "inspector", Scopes: []string{"photos:write"}}, http.StatusForbidden},
		{"без аутентификации", nil, http.StatusOK},
	}
	h := RequireScope(ScopeOperator)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/queue/pause", nil)
			if tt.principal != nil {
				req = req.WithContext(WithPrincipal(req.Context(), *tt.principal))
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("ожидался %d, получен %d", tt.want, rec.Code)
			}
		})
	}
}

func TestSubjectFromContext(t *testing.T) {
	if sub := SubjectFromContext(context.Background()); sub != "" {
		t.Errorf("ожидалась пустая строка, получено %q", sub)
	}
	ctx := WithPrincipal(context.Background(), Principal{Subject: "inspector-1"})
	if sub := SubjectFromContext(ctx); sub != "inspector-1" {
		t.Errorf("ожидалось inspector-1, получено %q", sub)
	}
}
