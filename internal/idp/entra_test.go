package idp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testTenantID = "72f988bf-86f1-41af-91ab-2d7cd011db47"

type fakeEntra struct {
	t          *testing.T
	tenant     string
	server     *httptest.Server
	key        *rsa.PrivateKey
	kid        string
	jwksHits   atomic.Int32
	lastForm   url.Values
	idClaims   jwt.MapClaims
	tokenError bool
}

func newFakeEntra(t *testing.T) *fakeEntra {
	return newFakeEntraForTenant(t, testTenantID)
}

// newFakeEntraForTenant serves an authority whose path segment is tenant.
// Issued id_tokens always name testTenantID, as Entra does.
func newFakeEntraForTenant(t *testing.T, tenant string) *fakeEntra {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &fakeEntra{t: t, tenant: tenant, key: key, kid: "key-1"}
	mux := http.NewServeMux()
	mux.HandleFunc("/"+tenant+"/oauth2/v2.0/token", f.handleToken)
	mux.HandleFunc("/"+tenant+"/discovery/v2.0/keys", f.handleKeys)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	f.idClaims = jwt.MapClaims{
		"iss":                f.server.URL + "/" + testTenantID + "/v2.0",
		"tid":                testTenantID,
		"aud":                "broker-client",
		"exp":                time.Now().Add(time.Hour).Unix(),
		"iat":                time.Now().Unix(),
		"sub":                "pairwise-sub",
		"oid":                "00000000-0000-0000-0000-0000000000u1",
		"preferred_username": "a@b.com",
	}
	return f
}

func (f *fakeEntra) authority() string {
	return f.server.URL + "/" + f.tenant
}

func (f *fakeEntra) client() *Entra {
	return NewEntra(EntraConfig{
		Authority:    f.authority(),
		ClientID:     "broker-client",
		ClientSecret: "broker-secret",
	}, zap.NewNop())
}

func (f *fakeEntra) signIDToken(claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = f.kid
	signed, err := token.SignedString(f.key)
	assert.NoError(f.t, err)
	return signed
}

func (f *fakeEntra) handleToken(w http.ResponseWriter, r *http.Request) {
	assert.NoError(f.t, r.ParseForm())
	f.lastForm = r.PostForm

	w.Header().Set("Content-Type", "application/json")
	if f.tokenError {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "AADSTS70008: code expired",
		})
		return
	}

	body := map[string]any{
		"access_token":  "IDPAT",
		"refresh_token": "IDPRT",
		"token_type":    "Bearer",
		"expires_in":    3600,
	}
	if f.idClaims != nil {
		body["id_token"] = f.signIDToken(f.idClaims)
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (f *fakeEntra) handleKeys(w http.ResponseWriter, _ *http.Request) {
	f.jwksHits.Add(1)
	pub := f.key.PublicKey
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"keys": []map[string]string{{
			"kid": f.kid,
			"kty": "RSA",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func TestEntra_AuthorizationURL(t *testing.T) {
	f := newFakeEntra(t)

	raw, err := f.client().AuthorizationURL(AuthURLRequest{
		Scopes:        []string{"openid", "profile", "offline_access"},
		RedirectURI:   "https://broker.example.com/callback",
		State:         "idp-state",
		CodeChallenge: "challenge",
	})
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/"+testTenantID+"/oauth2/v2.0/authorize", u.Path)

	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "broker-client", q.Get("client_id"))
	assert.Equal(t, "https://broker.example.com/callback", q.Get("redirect_uri"))
	assert.Equal(t, "openid profile offline_access", q.Get("scope"))
	assert.Equal(t, "idp-state", q.Get("state"))
	assert.Equal(t, "challenge", q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
}

func TestEntra_AuthorizationURLRequiresStateAndChallenge(t *testing.T) {
	f := newFakeEntra(t)
	_, err := f.client().AuthorizationURL(AuthURLRequest{State: "s"})
	assert.Error(t, err)
}

func TestEntra_ExchangeCode(t *testing.T) {
	f := newFakeEntra(t)

	result, err := f.client().ExchangeCode(context.Background(), ExchangeRequest{
		Code:         "idp123",
		Scopes:       []string{"openid", "User.Read"},
		RedirectURI:  "https://broker.example.com/callback",
		CodeVerifier: "verifier",
	})
	require.NoError(t, err)
	assert.Equal(t, &Result{
		AccessToken:  "IDPAT",
		RefreshToken: "IDPRT",
		AccountID:    "00000000-0000-0000-0000-0000000000u1",
		Username:     "a@b.com",
	}, result)

	assert.Equal(t, "authorization_code", f.lastForm.Get("grant_type"))
	assert.Equal(t, "idp123", f.lastForm.Get("code"))
	assert.Equal(t, "verifier", f.lastForm.Get("code_verifier"))
	assert.Equal(t, "broker-secret", f.lastForm.Get("client_secret"))
	assert.Equal(t, "openid User.Read", f.lastForm.Get("scope"))
}

func TestEntra_ExchangeCodeDomainTenant(t *testing.T) {
	f := newFakeEntraForTenant(t, "contoso.onmicrosoft.com")

	result, err := f.client().ExchangeCode(context.Background(), ExchangeRequest{Code: "idp123"})
	require.NoError(t, err)
	assert.Equal(t, "00000000-0000-0000-0000-0000000000u1", result.AccountID)

	delete(f.idClaims, "tid")
	_, err = f.client().ExchangeCode(context.Background(), ExchangeRequest{Code: "idp123"})
	require.NoError(t, err)
}

func TestEntra_ExchangeCodeDomainTenantRejectsBadIssuer(t *testing.T) {
	cases := map[string]func(jwt.MapClaims){
		"tid mismatch":    func(c jwt.MapClaims) { c["tid"] = "11111111-2222-3333-4444-555555555555" },
		"not a tenant id": func(c jwt.MapClaims) { c["iss"] = strings.Replace(c["iss"].(string), testTenantID, "contoso", 1) },
		"foreign host":    func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com/" + testTenantID + "/v2.0" },
		"v1 issuer":       func(c jwt.MapClaims) { c["iss"] = strings.TrimSuffix(c["iss"].(string), "/v2.0") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFakeEntraForTenant(t, "contoso.onmicrosoft.com")
			mutate(f.idClaims)

			_, err := f.client().ExchangeCode(context.Background(), ExchangeRequest{Code: "c"})
			assert.ErrorIs(t, err, ErrExchange)
		})
	}
}

func TestEntra_ExplicitIssuer(t *testing.T) {
	f := newFakeEntraForTenant(t, "contoso.onmicrosoft.com")
	f.idClaims["iss"] = "https://sts.example.com/custom/v2.0"

	c := NewEntra(EntraConfig{
		Authority:    f.authority(),
		ClientID:     "broker-client",
		ClientSecret: "broker-secret",
		Issuer:       "https://sts.example.com/custom/v2.0",
	}, zap.NewNop())
	_, err := c.ExchangeCode(context.Background(), ExchangeRequest{Code: "c"})
	require.NoError(t, err)

	f.idClaims["iss"] = f.server.URL + "/" + testTenantID + "/v2.0"
	_, err = c.ExchangeCode(context.Background(), ExchangeRequest{Code: "c"})
	assert.ErrorIs(t, err, ErrExchange)
}

func TestEntra_ExchangeCodeCachesKeys(t *testing.T) {
	f := newFakeEntra(t)
	c := f.client()

	for i := 0; i < 3; i++ {
		_, err := c.ExchangeCode(context.Background(), ExchangeRequest{Code: "c"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.jwksHits.Load())
}

func TestEntra_ExchangeCodeWithoutIDToken(t *testing.T) {
	f := newFakeEntra(t)
	f.idClaims = nil

	result, err := f.client().ExchangeCode(context.Background(), ExchangeRequest{Code: "c"})
	require.NoError(t, err)
	assert.Equal(t, "IDPAT", result.AccessToken)
	assert.Empty(t, result.AccountID)
	assert.Empty(t, result.Username)
}

func TestEntra_ExchangeCodeRejected(t *testing.T) {
	f := newFakeEntra(t)
	f.tokenError = true

	_, err := f.client().ExchangeCode(context.Background(), ExchangeRequest{Code: "c"})
	assert.ErrorIs(t, err, ErrExchange)
}

func TestEntra_ExchangeCodeRejectsForeignIDToken(t *testing.T) {
	cases := map[string]func(jwt.MapClaims){
		"wrong audience": func(c jwt.MapClaims) { c["aud"] = "someone-else" },
		"wrong issuer":   func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com/v2.0" },
		"expired":        func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFakeEntra(t)
			mutate(f.idClaims)

			_, err := f.client().ExchangeCode(context.Background(), ExchangeRequest{Code: "c"})
			assert.ErrorIs(t, err, ErrExchange)
		})
	}
}

func TestEntra_UsernameFallsBackToEmail(t *testing.T) {
	f := newFakeEntra(t)
	delete(f.idClaims, "preferred_username")
	delete(f.idClaims, "oid")
	f.idClaims["email"] = "fallback@b.com"

	result, err := f.client().ExchangeCode(context.Background(), ExchangeRequest{Code: "c"})
	require.NoError(t, err)
	assert.Equal(t, "pairwise-sub", result.AccountID)
	assert.Equal(t, "fallback@b.com", result.Username)
}

func TestRSAPublicKeyRejectsBadInput(t *testing.T) {
	_, err := rsaPublicKey("!!", "AQAB")
	assert.Error(t, err)
	_, err = rsaPublicKey("AQAB", "")
	assert.Error(t, err)
}
