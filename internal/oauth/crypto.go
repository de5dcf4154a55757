package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// TokenBytes is the entropy of every broker-issued code and token.
const TokenBytes = 32

// RandomString returns a base64url-encoded random string.
func RandomString(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewToken returns a fresh 256-bit opaque credential.
func NewToken() (string, error) {
	return RandomString(TokenBytes)
}

// HashToken returns a hex-encoded SHA-256 hash.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// ShortID returns a log-safe prefix of a secret value.
func ShortID(value string) string {
	if len(value) <= 8 {
		return "***"
	}
	return value[:8] + "..."
}
