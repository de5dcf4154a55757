package oauth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/oauth2"
)

// PKCEMethodS256 is the only code challenge method the broker accepts.
const PKCEMethodS256 = "S256"

var (
	ErrMissingVerifier = errors.New("code_verifier required")
	ErrInvalidVerifier = errors.New("invalid code_verifier")
)

// NewPKCEVerifier returns a 32-byte base64url code verifier.
func NewPKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// S256Challenge derives the S256 code challenge for a verifier.
func S256Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCE checks a code verifier against a stored S256 challenge.
func VerifyPKCE(challenge, verifier string) error {
	if verifier == "" {
		return ErrMissingVerifier
	}
	computed := S256Challenge(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrInvalidVerifier
	}
	return nil
}

// NormalizeChallengeMethod defaults an empty method to S256.
func NormalizeChallengeMethod(method string) string {
	if strings.TrimSpace(method) == "" {
		return PKCEMethodS256
	}
	return method
}
