package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "unit-test-secret-key-0123456789abcdef"

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(testSecret)
	require.NoError(t, err)
	return v
}

func TestNewValidator_RejectsShortSecret(t *testing.T) {
	_, err := NewValidator("short")
	assert.Error(t, err)
}

func TestValidateToken_RoundTrip(t *testing.T) {
	v := newTestValidator(t)

	token, err := v.Mint("u1", "alice", "alice@example.com", time.Now())
	require.NoError(t, err)

	claims, err := v.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, "u1", claims.Subject)
}

func TestValidateToken_Expired(t *testing.T) {
	v := newTestValidator(t)

	// Minted 8 days ago, past the 7-day TTL.
	token, err := v.Mint("u1", "alice", "alice@example.com", time.Now().Add(-8*24*time.Hour))
	require.NoError(t, err)

	_, err = v.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	v := newTestValidator(t)

	other, err := NewValidator("a-completely-different-signing-secret-key")
	require.NoError(t, err)

	token, err := other.Mint("u1", "alice", "alice@example.com", time.Now())
	require.NoError(t, err)

	_, err = v.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_MissingIdentityClaims(t *testing.T) {
	v := newTestValidator(t)

	// A structurally valid token without the identity claims must be rejected
	// even though the signature verifies.
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token, err := raw.SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = v.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_RejectsNoneAlgorithm(t *testing.T) {
	v := newTestValidator(t)

	raw := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"userId":   "attacker",
		"username": "attacker",
		"email":    "a@b.c",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	token, err := raw.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.ValidateToken(token)
	assert.Error(t, err, "alg=none tokens must never validate")
}

func TestValidateToken_Garbage(t *testing.T) {
	v := newTestValidator(t)

	_, err := v.ValidateToken("not.a.token")
	assert.Error(t, err)

	_, err = v.ValidateToken("")
	assert.Error(t, err)
}
