package oauth

import "time"

// ClientMetadata is the registration payload of a dynamically registered client.
type ClientMetadata struct {
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"`
}

// Client represents a registered OAuth client. Clients never expire.
type Client struct {
	ClientMetadata
	ClientID         string `json:"client_id"`
	ClientIDIssuedAt int64  `json:"client_id_issued_at"`
}

// IsPublic reports whether the client authenticates without a secret.
func (c *Client) IsPublic() bool {
	return c.TokenEndpointAuthMethod == "" || c.TokenEndpointAuthMethod == "none"
}

// PendingAuthorization correlates one authorization attempt with the IdP round trip.
// It is keyed by IdPState.
type PendingAuthorization struct {
	ClientID            string   `json:"clientId"`
	CodeChallenge       string   `json:"codeChallenge"`
	CodeChallengeMethod string   `json:"codeChallengeMethod"`
	RedirectURI         string   `json:"redirectUri"`
	Scopes              []string `json:"scopes"`
	State               string   `json:"state"`
	IdPState            string   `json:"idpState"`
	IdPCodeVerifier     string   `json:"idpCodeVerifier"`
	ExpiresAt           int64    `json:"expiresAt"`
}

// StoredAuthCode is a broker-issued, single-use authorization code.
type StoredAuthCode struct {
	ClientID        string `json:"clientId"`
	CodeChallenge   string `json:"codeChallenge"`
	IdPAccessToken  string `json:"idpAccessToken"`
	IdPRefreshToken string `json:"idpRefreshToken,omitempty"`
	RedirectURI     string `json:"redirectUri"`
	UserID          string `json:"userId"`
	Email           string `json:"email"`
	ExpiresAt       int64  `json:"expiresAt"`
}

// StoredToken is the record behind a broker-issued access token.
type StoredToken struct {
	UserID          string   `json:"userId"`
	Email           string   `json:"email"`
	ClientID        string   `json:"clientId"`
	Scopes          []string `json:"scopes"`
	IdPRefreshToken string   `json:"idpRefreshToken,omitempty"`
	ExpiresAt       int64    `json:"expiresAt"`
}

// StoredRefreshToken is the record behind a broker-issued refresh token.
// Refresh tokens have no expiry; they die by rotation.
type StoredRefreshToken struct {
	UserID          string   `json:"userId"`
	Email           string   `json:"email"`
	ClientID        string   `json:"clientId"`
	Scopes          []string `json:"scopes"`
	IdPRefreshToken string   `json:"idpRefreshToken,omitempty"`
}

// ExpiresAtMillis returns the epoch-millisecond expiry for a record written at now.
func ExpiresAtMillis(now time.Time, ttl time.Duration) int64 {
	return now.Add(ttl).UnixMilli()
}

// Expired reports whether an epoch-millisecond expiry lies in the past.
// A zero expiry never expires.
func Expired(expiresAt int64, now time.Time) bool {
	return expiresAt != 0 && expiresAt < now.UnixMilli()
}
