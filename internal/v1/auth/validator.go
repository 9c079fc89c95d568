package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/blitzlink/backend/internal/v1/logging"
	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL is the lifetime of tokens minted by the identity service.
const TokenTTL = 7 * 24 * time.Hour

// CustomClaims represents the claims the identity service puts into every
// session token. It embeds jwt.RegisteredClaims and adds the identity fields
// the gateway attaches to each connection.
type CustomClaims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email"`
	jwt.RegisteredClaims
}

// TokenValidator is the interface the gateway consumes. Implemented by
// Validator in production and by mocks in tests.
type TokenValidator interface {
	ValidateToken(tokenString string) (*CustomClaims, error)
}

// Validator verifies HMAC-SHA256 session tokens issued by the identity
// service with the shared secret.
type Validator struct {
	secret []byte
}

// NewValidator creates a Validator for the given shared secret.
func NewValidator(secret string) (*Validator, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes (got %d)", len(secret))
	}
	return &Validator{secret: []byte(secret)}, nil
}

// ValidateToken parses and validates a JWT token string. It enforces the
// HS256 signing method and requires the userId, username and email claims to
// be present, non-empty strings.
//
// Returns the custom claims if the token is valid, an error otherwise.
func (v *Validator) ValidateToken(tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to CustomClaims")
	}

	if claims.UserID == "" || claims.Username == "" || claims.Email == "" {
		return nil, errors.New("token is missing required identity claims")
	}

	return claims, nil
}

// Mint issues a token carrying the given identity, signed with the shared
// secret. The identity service uses the same claims layout; this helper keeps
// the contract executable in tests and dev tooling.
func (v *Validator) Mint(userID, username, email string, now time.Time) (string, error) {
	claims := CustomClaims{
		UserID:   userID,
		Username: username,
		Email:    email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// GetAllowedOriginsFromEnv reads a comma-separated origin list from the
// environment, falling back to the provided defaults.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	// Example: ALLOWED_ORIGINS="http://localhost:3000,https://your-app.com"
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins:\n%s", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}
