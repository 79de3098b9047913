package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoOperator() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetOperatorID(r.Context())))
	})
}

func TestMiddleware(t *testing.T) {
	cfg := NewJWTConfig("s3cret", true)
	token, err := cfg.IssueToken("op-7", time.Hour)
	require.NoError(t, err)

	expired, err := cfg.IssueToken("op-7", -time.Hour)
	require.NoError(t, err)

	foreign, err := NewJWTConfig("other", true).IssueToken("op-7", time.Hour)
	require.NoError(t, err)

	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"branch": "main"}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		target string
		status int
		body   string
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, "/", 200, "op-7"},
		{"query token", func(r *http.Request) {}, "/?token=" + token, 200, "op-7"},
		{"header", func(r *http.Request) { r.Header.Set(OperatorHeader, "op-9") }, "/", 200, "op-9"},
		{"anonymous", func(r *http.Request) {}, "/", 200, ""},
		{"malformed", func(r *http.Request) { r.Header.Set("Authorization", "Token abc") }, "/", 401, ""},
		{"expired", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+expired) }, "/", 401, ""},
		{"wrong key", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+foreign) }, "/", 401, ""},
		{"no subject", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+noSub) }, "/", 401, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			cfg.Middleware(echoOperator()).ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == 200 {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestMiddleware_HeaderDisabled(t *testing.T) {
	cfg := NewJWTConfig("", false)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(OperatorHeader, "op-9")
	rec := httptest.NewRecorder()
	cfg.Middleware(echoOperator()).ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
	assert.Empty(t, rec.Body.String())
}
