package auth

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"backbone/internal/domain"
)

type contextKey string

const claimsKey contextKey = "auth.claims"

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

func IsAdmin(next http.Handler) http.Handler {
	return RequireRole(domain.RoleAdmin)(next)
}

func RequireRole(requiredRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := extractClaims(r)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			role, ok := claims["role"].(string)
			if !ok || role != requiredRole {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := extractClaims(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func GetUserIDFromRequest(r *http.Request) (uint, error) {
	claims, err := extractClaims(r)
	if err != nil {
		return 0, err
	}

	// JWT numbers are parsed as float64 by default
	userID, ok := claims["user_id"].(float64)
	if !ok || userID <= 0 {
		return 0, errors.New("invalid user ID in token")
	}

	return uint(userID), nil
}

// OptionalUserID returns the caller's id when a valid token is present.
// Anonymous requests yield nil.
func OptionalUserID(r *http.Request) *uint {
	id, err := GetUserIDFromRequest(r)
	if err != nil {
		return nil
	}
	return &id
}

func extractClaims(r *http.Request) (map[string]any, error) {
	if claims, ok := r.Context().Value(claimsKey).(map[string]any); ok {
		return claims, nil
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, errors.New("missing or malformed Authorization header")
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	return ValidateJWT(token)
}

func IsValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}
