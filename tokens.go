package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// RefreshTokenBytes is the entropy of a refresh token.
const RefreshTokenBytes = 64

// GenerateSecureToken returns n random bytes, base64url encoded.
func GenerateSecureToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secure token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateRefreshToken returns a new opaque refresh token string.
func GenerateRefreshToken() (string, error) {
	return GenerateSecureToken(RefreshTokenBytes)
}

// HashToken is the digest stored in place of an opaque token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// HashRefreshToken is the digest stored in place of the refresh token.
func HashRefreshToken(token string) string {
	return HashToken(token)
}
