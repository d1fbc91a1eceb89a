package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	ctxAccountKey contextKey = "account"
	ctxRoleKey    contextKey = "role"
)

// RoleExecutor marks tokens allowed to execute and close on behalf of
// traders (the matching/liquidation service and operator tooling).
const RoleExecutor = "executor"

type apiClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates the Bearer token and stores the caller's account
// (token subject) and role in the request context. Tokens are HS256-signed
// with the shared service secret.
func Authenticator(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			claims := &apiClaims{}
			token, err := jwt.ParseWithClaims(
				strings.TrimPrefix(header, "Bearer "),
				claims,
				func(t *jwt.Token) (interface{}, error) {
					if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
					}
					return secret, nil
				},
			)
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if claims.Subject == "" {
				writeError(w, http.StatusUnauthorized, "token has no subject")
				return
			}

			ctx := context.WithValue(r.Context(), ctxAccountKey, claims.Subject)
			ctx = context.WithValue(ctx, ctxRoleKey, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireExecutor gates endpoints reserved for the executor role.
func RequireExecutor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if roleFrom(r.Context()) != RoleExecutor {
			writeError(w, http.StatusForbidden, "executor role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func accountFrom(ctx context.Context) string {
	account, _ := ctx.Value(ctxAccountKey).(string)
	return account
}

func roleFrom(ctx context.Context) string {
	role, _ := ctx.Value(ctxRoleKey).(string)
	return role
}
