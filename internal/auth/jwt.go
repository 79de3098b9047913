package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const operatorIDKey contextKey = "operatorID"

// OperatorHeader lets trusted development clients name the operator without a token
const OperatorHeader = "X-Operator-ID"

const devSecret = "default-secret-key-change-in-production"

var ErrInvalidToken = errors.New("invalid token")

// JWTConfig holds JWT configuration
type JWTConfig struct {
	SecretKey string
	// AllowHeader accepts OperatorHeader when no bearer token is sent
	AllowHeader bool
}

func NewJWTConfig(secretKey string, allowHeader bool) *JWTConfig {
	if secretKey == "" {
		secretKey = devSecret
	}
	return &JWTConfig{SecretKey: secretKey, AllowHeader: allowHeader}
}

// IssueToken signs an HS256 token whose subject is the operator. A zero ttl never expires.
func (c *JWTConfig) IssueToken(operatorID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  operatorID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.SecretKey))
}

// ParseToken validates a token and returns its subject
func (c *JWTConfig) ParseToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(c.SecretKey), nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}

// OperatorFromRequest resolves the operator of a request from the bearer
// token, the token query parameter (websocket clients) or OperatorHeader.
// It returns "" with a nil error for anonymous requests.
func (c *JWTConfig) OperatorFromRequest(r *http.Request) (string, error) {
	tokenString := ""
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", ErrInvalidToken
		}
		tokenString = parts[1]
	} else if q := r.URL.Query().Get("token"); q != "" {
		tokenString = q
	}
	if tokenString != "" {
		return c.ParseToken(tokenString)
	}
	if c.AllowHeader {
		return strings.TrimSpace(r.Header.Get(OperatorHeader)), nil
	}
	return "", nil
}

// Middleware stores the operator in the request context. Anonymous requests
// pass through; handlers that need an operator check GetOperatorID.
func (c *JWTConfig) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operatorID, err := c.OperatorFromRequest(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized","code":"unauthorized","message":"Invalid token"}`))
			return
		}
		if operatorID != "" {
			r = r.WithContext(WithOperatorID(r.Context(), operatorID))
		}
		next.ServeHTTP(w, r)
	})
}

func WithOperatorID(ctx context.Context, operatorID string) context.Context {
	return context.WithValue(ctx, operatorIDKey, operatorID)
}

// GetOperatorID extracts the operator from context
func GetOperatorID(ctx context.Context) string {
	if id, ok := ctx.Value(operatorIDKey).(string); ok {
		return id
	}
	return ""
}
