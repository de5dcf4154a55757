package oauth

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS256Challenge_RFC7636Vector(t *testing.T) {
	// RFC 7636 appendix B.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", S256Challenge(verifier))
}

func TestVerifyPKCE(t *testing.T) {
	verifier := NewPKCEVerifier()
	challenge := S256Challenge(verifier)

	assert.NoError(t, VerifyPKCE(challenge, verifier))
	assert.ErrorIs(t, VerifyPKCE(challenge, ""), ErrMissingVerifier)
	assert.ErrorIs(t, VerifyPKCE(challenge, NewPKCEVerifier()), ErrInvalidVerifier)
	assert.ErrorIs(t, VerifyPKCE(verifier, verifier), ErrInvalidVerifier)
}

func TestNewPKCEVerifier(t *testing.T) {
	a, b := NewPKCEVerifier(), NewPKCEVerifier()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43)
}

func TestNormalizeChallengeMethod(t *testing.T) {
	assert.Equal(t, PKCEMethodS256, NormalizeChallengeMethod(""))
	assert.Equal(t, PKCEMethodS256, NormalizeChallengeMethod("  "))
	assert.Equal(t, "plain", NormalizeChallengeMethod("plain"))
}

func TestNewToken(t *testing.T) {
	token, err := NewToken()
	require.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)
	assert.Len(t, raw, TokenBytes)

	other, err := NewToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestHashToken(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashToken(""))
	assert.Len(t, HashToken("abc"), 64)
	assert.NotEqual(t, HashToken("a"), HashToken("b"))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "***", ShortID("short"))
	assert.Equal(t, "abcdefgh...", ShortID("abcdefghijklmnop"))
}
