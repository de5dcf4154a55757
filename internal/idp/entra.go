package idp

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// EntraConfig configures the Microsoft Entra ID client.
type EntraConfig struct {
	// Authority is the tenant authority, e.g.
	// https://login.microsoftonline.com/<tenant>.
	Authority    string
	ClientID     string
	ClientSecret string
	// Issuer overrides the expected id_token issuer. Defaults to Authority + "/v2.0"
	// when the tenant segment is a GUID. For tenants named by domain the issuer
	// must be the authority host followed by the token's tid GUID.
	Issuer     string
	HTTPClient *http.Client
}

// Entra is a confidential OAuth client of Microsoft Entra ID.
type Entra struct {
	oauth      oauth2.Config
	issuer     string
	issuerBase string
	httpClient *http.Client
	keys       *keySet
	logger     *zap.Logger
}

// idTokenClaims are the Entra v2.0 id_token claims the broker reads.
type idTokenClaims struct {
	jwt.RegisteredClaims
	ObjectID          string `json:"oid"`
	TenantID          string `json:"tid"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
}

// NewEntra creates an Entra client for one tenant.
func NewEntra(cfg EntraConfig, logger *zap.Logger) *Entra {
	authority := strings.TrimRight(cfg.Authority, "/")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	issuer, issuerBase := cfg.Issuer, ""
	if issuer == "" {
		base, tenant := splitAuthority(authority)
		if _, err := uuid.Parse(tenant); err == nil {
			issuer = authority + "/v2.0"
		} else {
			issuerBase = base
		}
	}

	return &Entra{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authority + "/oauth2/v2.0/authorize",
				TokenURL:  authority + "/oauth2/v2.0/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		issuer:     issuer,
		issuerBase: issuerBase,
		httpClient: httpClient,
		keys:       newKeySet(authority+"/discovery/v2.0/keys", httpClient, logger),
		logger:     logger,
	}
}

// AuthorizationURL builds the Entra authorize URL carrying the broker's own
// state and PKCE challenge.
func (e *Entra) AuthorizationURL(req AuthURLRequest) (string, error) {
	if req.State == "" || req.CodeChallenge == "" {
		return "", fmt.Errorf("state and code challenge are required")
	}
	method := req.CodeChallengeMethod
	if method == "" {
		method = "S256"
	}

	cfg := e.oauth
	cfg.RedirectURL = req.RedirectURI
	cfg.Scopes = req.Scopes

	return cfg.AuthCodeURL(req.State,
		oauth2.SetAuthURLParam("code_challenge", req.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", method),
		oauth2.SetAuthURLParam("response_mode", "query"),
	), nil
}

// ExchangeCode redeems an Entra authorization code and resolves the account
// from the returned id_token.
func (e *Entra) ExchangeCode(ctx context.Context, req ExchangeRequest) (*Result, error) {
	cfg := e.oauth
	cfg.RedirectURL = req.RedirectURI
	cfg.Scopes = req.Scopes

	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	token, err := cfg.Exchange(ctx, req.Code,
		oauth2.VerifierOption(req.CodeVerifier),
		oauth2.SetAuthURLParam("scope", strings.Join(req.Scopes, " ")),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchange, err)
	}

	result := &Result{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		e.logger.Warn("IdP token response carried no id_token; account is unidentified")
		return result, nil
	}

	claims, err := e.verifyIDToken(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchange, err)
	}
	result.AccountID = claims.ObjectID
	if result.AccountID == "" {
		result.AccountID = claims.Subject
	}
	result.Username = claims.PreferredUsername
	if result.Username == "" {
		result.Username = claims.Email
	}
	return result, nil
}

func (e *Entra) verifyIDToken(ctx context.Context, raw string) (*idTokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(e.oauth.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(time.Minute),
	}
	if e.issuer != "" {
		opts = append(opts, jwt.WithIssuer(e.issuer))
	}

	token, err := jwt.ParseWithClaims(raw, &idTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in token header")
		}
		return e.keys.get(ctx, kid)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("id_token verification failed: %w", err)
	}

	claims, ok := token.Claims.(*idTokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid id_token")
	}
	if e.issuer == "" {
		if err := e.checkTenantIssuer(claims); err != nil {
			return nil, fmt.Errorf("id_token verification failed: %w", err)
		}
	}
	return claims, nil
}

// checkTenantIssuer accepts iss of the form <base>/<GUID>/v2.0 where the
// GUID matches the tid claim when one is present.
func (e *Entra) checkTenantIssuer(claims *idTokenClaims) error {
	tenant, ok := strings.CutPrefix(claims.Issuer, e.issuerBase+"/")
	if ok {
		tenant, ok = strings.CutSuffix(tenant, "/v2.0")
	}
	if !ok {
		return fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if _, err := uuid.Parse(tenant); err != nil {
		return fmt.Errorf("issuer %q does not name a tenant id", claims.Issuer)
	}
	if claims.TenantID != "" && !strings.EqualFold(claims.TenantID, tenant) {
		return fmt.Errorf("issuer tenant %s does not match tid %s", tenant, claims.TenantID)
	}
	return nil
}

// splitAuthority splits https://host/<tenant> into its base and tenant segment.
func splitAuthority(authority string) (base, tenant string) {
	i := strings.LastIndex(authority, "/")
	if i < 0 {
		return authority, ""
	}
	return authority[:i], authority[i+1:]
}

var _ Client = (*Entra)(nil)
