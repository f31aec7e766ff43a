package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-hmac-secret"

func signToken(t *testing.T, secret, scope string, mutate func(*Claims)) string {
	t.Helper()
	claims := &Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator",
			Issuer:    "notegate",
			Audience:  jwt.ClaimStrings{"notegate-api"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	if mutate != nil {
		mutate(claims)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func authHandler(a *Authenticator, scopes ...string) http.Handler {
	return a.Middleware(scopes...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Subject", SubjectFromContext(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))
}

func serveWithToken(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/notes", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthenticatorScopes(t *testing.T) {
	a := NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: "notegate", Audience: "notegate-api"}, nil)
	h := authHandler(a, ScopeNotesWrite)

	rec := serveWithToken(h, signToken(t, testSecret, "notes:write wallet:control", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "operator", rec.Header().Get("X-Subject"))

	rec = serveWithToken(h, signToken(t, testSecret, "wallet:control", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.JSONEq(t, `{"message":"insufficient scope"}`, rec.Body.String())

	rec = serveWithToken(h, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestAuthenticatorRejectsInvalidTokens(t *testing.T) {
	a := NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: "notegate", Audience: "notegate-api"}, nil)
	h := authHandler(a)
	cases := map[string]string{
		"wrong secret": signToken(t, "other", ScopeNotesWrite, nil),
		"expired": signToken(t, testSecret, ScopeNotesWrite, func(c *Claims) {
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		}),
		"no expiry": signToken(t, testSecret, ScopeNotesWrite, func(c *Claims) { c.ExpiresAt = nil }),
		"issuer":    signToken(t, testSecret, ScopeNotesWrite, func(c *Claims) { c.Issuer = "someone-else" }),
		"audience":  signToken(t, testSecret, ScopeNotesWrite, func(c *Claims) { c.Audience = jwt.ClaimStrings{"other"} }),
		"garbage":   "not.a.token",
	}
	for name, token := range cases {
		rec := serveWithToken(h, token)
		require.Equal(t, http.StatusUnauthorized, rec.Code, name)
	}
}

func TestAuthenticatorAnonymousReads(t *testing.T) {
	a := NewAuthenticator(AuthConfig{HMACSecret: testSecret, AllowAnonymousReads: true}, nil)
	require.Equal(t, http.StatusOK, serveWithToken(authHandler(a), "").Code)
	require.Equal(t, http.StatusUnauthorized, serveWithToken(authHandler(a, ScopeWalletControl), "").Code)
}

func TestExtractBearer(t *testing.T) {
	require.Equal(t, "abc", extractBearer("Bearer abc"))
	require.Equal(t, "abc", extractBearer("bearer  abc "))
	require.Empty(t, extractBearer("Basic abc"))
	require.Empty(t, extractBearer("Bearer"))
}
