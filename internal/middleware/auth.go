// Package middleware provides HTTP middleware for the chat daemon.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// EmailKey is the context key for the signed-in email.
	EmailKey ContextKey = "email"
	// UserIDKey is the context key for a user id carried by the token.
	UserIDKey ContextKey = "user_id"
)

// Claims represents JWT claims. Email is the login identity; UserID is
// optional and skips the identity lookup when present.
type Claims struct {
	jwt.RegisteredClaims
	Email  string `json:"email"`
	UserID string `json:"user_id,omitempty"`
}

// Auth creates JWT authentication middleware.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing or malformed authorization header")
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			email := strings.TrimSpace(claims.Email)
			if email == "" {
				writeError(w, http.StatusUnauthorized, "token has no email claim")
				return
			}

			reportEmail(r.Context(), email)
			ctx := context.WithValue(r.Context(), EmailKey, email)
			ctx = context.WithValue(ctx, UserIDKey, claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from the Authorization header. EventSource
// clients cannot set headers, so GET requests may pass it as access_token.
func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if r.Method == http.MethodGet {
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, true
		}
	}
	return "", false
}

// GetEmail gets the signed-in email from context.
func GetEmail(ctx context.Context) string {
	if v, ok := ctx.Value(EmailKey).(string); ok {
		return v
	}
	return ""
}

// GetUserID gets the token's user id from context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}

// NewToken signs an HS256 token for email. Used by tooling and tests.
func NewToken(jwtSecret, email, userID string, claims jwt.RegisteredClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: claims,
		Email:            email,
		UserID:           userID,
	})
	return token.SignedString([]byte(jwtSecret))
}
