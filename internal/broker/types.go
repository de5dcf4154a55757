package broker

// AuthorizationParams is a validated authorization request from a client.
type AuthorizationParams struct {
	State               string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	RedirectURI         string
}

// CallbackParams are the query parameters of the IdP redirect.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// TokenResponse is the token endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// AuthInfo describes a verified access token. ExpiresAt is in Unix seconds.
type AuthInfo struct {
	Token     string   `json:"-"`
	ClientID  string   `json:"client_id"`
	Scopes    []string `json:"scopes"`
	ExpiresAt int64    `json:"expires_at"`
	UserID    string   `json:"user_id"`
	Email     string   `json:"email,omitempty"`
}
