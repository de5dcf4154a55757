// Package idp talks to the upstream identity provider that authenticates end
// users on the broker's behalf.
package idp

import (
	"context"
	"errors"
)

// ErrExchange wraps every failure of the upstream code exchange.
var ErrExchange = errors.New("idp code exchange failed")

// AuthURLRequest describes the upstream authorization redirect.
type AuthURLRequest struct {
	Scopes              []string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ExchangeRequest describes an upstream authorization code redemption.
type ExchangeRequest struct {
	Code         string
	Scopes       []string
	RedirectURI  string
	CodeVerifier string
}

// Result is what the broker keeps from a successful exchange. AccountID and
// Username are empty when the IdP does not identify the account.
type Result struct {
	AccessToken  string
	RefreshToken string
	AccountID    string
	Username     string
}

// Client is the upstream IdP.
type Client interface {
	AuthorizationURL(req AuthURLRequest) (string, error)
	ExchangeCode(ctx context.Context, req ExchangeRequest) (*Result, error)
}
