// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zymochat/platform/internal/model"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// IdentityIDKey is the context key for the authenticated identity id.
	IdentityIDKey ContextKey = "identity_id"
	// RoleKey is the context key for the identity role.
	RoleKey ContextKey = "role"
)

// Claims represents JWT claims. Subject carries the identity id.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// VerifyToken parses and validates a bearer token. Failure modes map onto
// the taxonomy: malformed tokens and expired tokens both surface as
// ErrUnauthorized, with distinct wrapped causes.
func VerifyToken(tokenString, secret string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, fmt.Errorf("token expired: %w", model.ErrUnauthorized)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, fmt.Errorf("token malformed: %w", model.ErrUnauthorized)
	case err != nil, !token.Valid:
		return nil, fmt.Errorf("token invalid: %w", model.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject: %w", model.ErrUnauthorized)
	}
	return claims, nil
}

// BearerToken extracts the bearer credential from a request: the
// Authorization header, or a token query parameter for WebSocket upgrades
// where browsers cannot set headers.
func BearerToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Auth creates JWT authentication middleware.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := BearerToken(r)
			if tokenString == "" {
				http.Error(w, `{"error":"missing authorization"}`, http.StatusUnauthorized)
				return
			}

			claims, err := VerifyToken(tokenString, jwtSecret)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), IdentityIDKey, claims.Subject)
			ctx = context.WithValue(ctx, RoleKey, claims.Role)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetIdentityID gets the identity id from context.
func GetIdentityID(ctx context.Context) string {
	if v := ctx.Value(IdentityIDKey); v != nil {
		return v.(string)
	}
	return ""
}

// GetRole gets the identity role from context.
func GetRole(ctx context.Context) string {
	if v := ctx.Value(RoleKey); v != nil {
		return v.(string)
	}
	return ""
}
