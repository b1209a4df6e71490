package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"backbone/internal/support"
)

const defaultTokenLifetime = 7 * 24 * time.Hour

var (
	secretOnce sync.Once
	secret     []byte
)

func jwtSecret() []byte {
	secretOnce.Do(func() {
		secret = []byte(support.GetEnv("JWT_SECRET", ""))
	})
	return secret
}

// resetSecretForTests re-reads JWT_SECRET on next use.
func resetSecretForTests() {
	secretOnce = sync.Once{}
	secret = nil
}

func GenerateJWT(userID uint, role string) (string, error) {
	key := jwtSecret()
	if len(key) == 0 {
		return "", errors.New("JWT_SECRET is not set")
	}

	lifetime := time.Duration(support.GetEnvInt("JWT_LIFETIME_HOURS", 0)) * time.Hour
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"iat":     now.Unix(),
		"exp":     now.Add(lifetime).Unix(),
	})
	return token.SignedString(key)
}

func ValidateJWT(tokenString string) (jwt.MapClaims, error) {
	key := jwtSecret()
	if len(key) == 0 {
		return nil, errors.New("JWT_SECRET is not set")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
