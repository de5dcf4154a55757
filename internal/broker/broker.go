// Package broker runs the authorization code flow between an OAuth client,
// the broker and the upstream IdP, and issues the broker's own opaque tokens.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/providentiaww/mcp-auth-broker/internal/events"
	"github.com/providentiaww/mcp-auth-broker/internal/idp"
	"github.com/providentiaww/mcp-auth-broker/internal/metrics"
	"github.com/providentiaww/mcp-auth-broker/internal/oauth"
)

const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"

	unknownUser = "unknown"
)

// Config holds the fixed parts of the flow.
type Config struct {
	// CallbackURL is the broker's redirect URI registered with the IdP.
	CallbackURL string
	// IdPScopes are requested from the IdP regardless of the client's request.
	IdPScopes []string
	// IssuedScopes are stamped on tokens minted from an authorization code.
	IssuedScopes []string
}

// ConfigFrom derives the broker config from the OAuth endpoint config.
func ConfigFrom(cfg oauth.Config) Config {
	return Config{
		CallbackURL:  cfg.CallbackURL(),
		IdPScopes:    cfg.IdPScopes,
		IssuedScopes: cfg.IssuedScopes,
	}
}

// Broker is stateless apart from the Store; every transition is persisted
// before it is acknowledged.
type Broker struct {
	store    oauth.Store
	idp      idp.Client
	cfg      Config
	events   events.Publisher
	metrics  *metrics.Metrics
	logger   *zap.Logger
	newToken func() (string, error)
}

// Option configures a Broker.
type Option func(*Broker)

// WithEvents sets the audit event publisher.
func WithEvents(p events.Publisher) Option {
	return func(b *Broker) { b.events = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// New creates a broker.
func New(store oauth.Store, idpClient idp.Client, cfg Config, opts ...Option) *Broker {
	if len(cfg.IdPScopes) == 0 {
		cfg.IdPScopes = oauth.DefaultIdPScopes
	}
	if len(cfg.IssuedScopes) == 0 {
		cfg.IssuedScopes = oauth.DefaultIssuedScopes
	}
	b := &Broker{
		store:    store,
		idp:      idpClient,
		cfg:      cfg,
		events:   events.NopPublisher{},
		logger:   zap.NewNop(),
		newToken: oauth.NewToken,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Authorize records a pending authorization and returns the IdP URL the user
// agent must be sent to. The client's requested scopes are kept for the record
// but never forwarded upstream.
func (b *Broker) Authorize(ctx context.Context, client *oauth.Client, params AuthorizationParams) (string, error) {
	if client == nil {
		return "", errors.New("client is required")
	}

	idpState := uuid.NewString()
	verifier := oauth.NewPKCEVerifier()

	scopes := params.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	pending := &oauth.PendingAuthorization{
		ClientID:            client.ClientID,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: oauth.NormalizeChallengeMethod(params.CodeChallengeMethod),
		RedirectURI:         params.RedirectURI,
		Scopes:              scopes,
		State:               params.State,
		IdPState:            idpState,
		IdPCodeVerifier:     verifier,
	}
	if err := b.store.StorePendingAuth(ctx, idpState, pending); err != nil {
		return "", fmt.Errorf("failed to store pending authorization: %w", err)
	}

	authURL, err := b.idp.AuthorizationURL(idp.AuthURLRequest{
		Scopes:              b.cfg.IdPScopes,
		RedirectURI:         b.cfg.CallbackURL,
		State:               idpState,
		CodeChallenge:       oauth.S256Challenge(verifier),
		CodeChallengeMethod: oauth.PKCEMethodS256,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build IdP authorization URL: %w", err)
	}

	b.metrics.AuthorizationStarted()
	b.logger.Info("Authorization started",
		zap.String("client_id", client.ClientID),
		zap.String("idp_state", oauth.ShortID(idpState)))
	return authURL, nil
}

// Callback completes the IdP round trip and returns the client redirect
// carrying a fresh broker code. Failures are *CallbackError values with the
// HTTP status to answer with, or wrapped store errors.
func (b *Broker) Callback(ctx context.Context, params CallbackParams) (string, error) {
	if params.Error != "" {
		b.metrics.Callback("idp_error")
		reason := params.ErrorDescription
		if reason == "" {
			reason = params.Error
		}
		return "", badCallback("Authentication failed: " + reason)
	}
	if params.Code == "" || params.State == "" {
		b.metrics.Callback("missing_params")
		return "", badCallback("Missing code or state parameter")
	}

	pending, err := b.store.GetPendingAuth(ctx, params.State)
	if err != nil {
		b.metrics.Callback("store_error")
		return "", fmt.Errorf("failed to load pending authorization: %w", err)
	}
	if pending == nil {
		b.metrics.Callback("invalid_state")
		return "", badCallback("Invalid or expired state parameter")
	}

	result, err := b.idp.ExchangeCode(ctx, idp.ExchangeRequest{
		Code:         params.Code,
		Scopes:       b.cfg.IdPScopes,
		RedirectURI:  b.cfg.CallbackURL,
		CodeVerifier: pending.IdPCodeVerifier,
	})
	if err != nil {
		b.metrics.Callback("exchange_failed")
		b.logger.Error("IdP token exchange failed", zap.String("client_id", pending.ClientID), zap.Error(err))
		return "", failedCallback(err)
	}

	redirect, err := url.Parse(pending.RedirectURI)
	if err != nil {
		b.metrics.Callback("invalid_redirect")
		return "", failedCallback(fmt.Errorf("invalid stored redirect URI: %w", err))
	}

	code, err := b.newToken()
	if err != nil {
		return "", failedCallback(err)
	}

	userID := result.AccountID
	if userID == "" {
		userID = unknownUser
	}

	if err := b.store.StoreCodeChallenge(ctx, code, pending.CodeChallenge); err != nil {
		b.metrics.Callback("store_error")
		return "", fmt.Errorf("failed to store code challenge: %w", err)
	}
	err = b.store.StoreAuthCode(ctx, code, &oauth.StoredAuthCode{
		ClientID:        pending.ClientID,
		CodeChallenge:   pending.CodeChallenge,
		IdPAccessToken:  result.AccessToken,
		IdPRefreshToken: result.RefreshToken,
		RedirectURI:     pending.RedirectURI,
		UserID:          userID,
		Email:           result.Username,
	})
	if err != nil {
		b.metrics.Callback("store_error")
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}

	q := redirect.Query()
	q.Set("code", code)
	q.Set("state", pending.State)
	redirect.RawQuery = q.Encode()

	b.metrics.Callback("success")
	b.logger.Info("Authorization completed",
		zap.String("client_id", pending.ClientID),
		zap.String("user_id", userID))
	b.publish(ctx, events.New(events.AuthorizationCompleted, pending.ClientID, userID))

	return redirect.String(), nil
}

// ChallengeForAuthorizationCode returns the PKCE challenge bound to a broker
// code without consuming the code, or "" when there is none.
func (b *Broker) ChallengeForAuthorizationCode(ctx context.Context, _ *oauth.Client, code string) (string, error) {
	challenge, err := b.store.GetCodeChallenge(ctx, code)
	if err != nil {
		return "", fmt.Errorf("failed to load code challenge: %w", err)
	}
	return challenge, nil
}

// ExchangeAuthorizationCode redeems a broker code for a token pair. PKCE is
// verified by the caller through ChallengeForAuthorizationCode. A non-empty
// redirectURI must match the one the code was issued for.
func (b *Broker) ExchangeAuthorizationCode(ctx context.Context, client *oauth.Client, code, _, redirectURI string) (*TokenResponse, error) {
	stored, err := b.store.GetAuthCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization code: %w", err)
	}
	if stored == nil {
		return nil, ErrInvalidGrant
	}

	if err := b.store.DeleteCodeChallenge(ctx, code); err != nil {
		b.logger.Warn("Failed to delete code challenge", zap.String("code", oauth.ShortID(code)), zap.Error(err))
	}

	if client != nil && client.ClientID != stored.ClientID {
		b.logger.Warn("Authorization code presented by another client",
			zap.String("client_id", client.ClientID),
			zap.String("issued_to", stored.ClientID))
		return nil, ErrInvalidGrant
	}
	if redirectURI != "" && redirectURI != stored.RedirectURI {
		return nil, ErrInvalidGrant
	}

	return b.issue(ctx, GrantAuthorizationCode, grant{
		userID:          stored.UserID,
		email:           stored.Email,
		clientID:        stored.ClientID,
		scopes:          b.cfg.IssuedScopes,
		idpRefreshToken: stored.IdPRefreshToken,
	})
}

// ExchangeRefreshToken rotates a refresh token. The old token is deleted
// before the new pair is minted, so it is dead even if the response is lost.
// Requested scopes are ignored; the stored grant is carried forward.
func (b *Broker) ExchangeRefreshToken(ctx context.Context, client *oauth.Client, refreshToken string, _ []string) (*TokenResponse, error) {
	stored, err := b.store.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	if stored == nil {
		return nil, ErrInvalidGrant
	}
	if client != nil && client.ClientID != stored.ClientID {
		b.logger.Warn("Refresh token presented by another client",
			zap.String("client_id", client.ClientID),
			zap.String("issued_to", stored.ClientID))
		return nil, ErrInvalidGrant
	}

	deleted, err := b.store.DeleteRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	if !deleted {
		// A concurrent redemption won the rotation.
		return nil, ErrInvalidGrant
	}

	return b.issue(ctx, GrantRefreshToken, grant{
		userID:          stored.UserID,
		email:           stored.Email,
		clientID:        stored.ClientID,
		scopes:          stored.Scopes,
		idpRefreshToken: stored.IdPRefreshToken,
	})
}

// VerifyAccessToken resolves a bearer token.
func (b *Broker) VerifyAccessToken(ctx context.Context, token string) (*AuthInfo, error) {
	stored, err := b.store.GetAccessToken(ctx, token)
	if err != nil {
		b.metrics.Verification("error")
		return nil, fmt.Errorf("failed to load access token: %w", err)
	}
	if stored == nil {
		b.metrics.Verification("invalid")
		return nil, ErrInvalidToken
	}

	b.metrics.Verification("valid")
	return &AuthInfo{
		Token:     token,
		ClientID:  stored.ClientID,
		Scopes:    stored.Scopes,
		ExpiresAt: stored.ExpiresAt / 1000,
		UserID:    stored.UserID,
		Email:     stored.Email,
	}, nil
}

type grant struct {
	userID          string
	email           string
	clientID        string
	scopes          []string
	idpRefreshToken string
}

// issue mints and persists an access/refresh pair with identical payloads.
func (b *Broker) issue(ctx context.Context, grantType string, g grant) (*TokenResponse, error) {
	accessToken, err := b.newToken()
	if err != nil {
		return nil, err
	}
	refreshToken, err := b.newToken()
	if err != nil {
		return nil, err
	}

	err = b.store.StoreAccessToken(ctx, accessToken, &oauth.StoredToken{
		UserID:          g.userID,
		Email:           g.email,
		ClientID:        g.clientID,
		Scopes:          slices.Clone(g.scopes),
		IdPRefreshToken: g.idpRefreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store access token: %w", err)
	}
	err = b.store.StoreRefreshToken(ctx, refreshToken, &oauth.StoredRefreshToken{
		UserID:          g.userID,
		Email:           g.email,
		ClientID:        g.clientID,
		Scopes:          slices.Clone(g.scopes),
		IdPRefreshToken: g.idpRefreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	b.metrics.TokenIssued(grantType)
	b.logger.Info("Issued tokens",
		zap.String("grant_type", grantType),
		zap.String("client_id", g.clientID),
		zap.String("user_id", g.userID),
		zap.String("access_token", oauth.ShortID(accessToken)))

	eventType := events.TokenIssued
	if grantType == GrantRefreshToken {
		eventType = events.TokenRefreshed
	}
	b.publish(ctx, events.New(eventType, g.clientID, g.userID).With("grant_type", grantType))

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(oauth.AccessTokenTTL.Seconds()),
		RefreshToken: refreshToken,
	}, nil
}

func (b *Broker) publish(ctx context.Context, ev events.Event) {
	if err := b.events.Publish(ctx, ev); err != nil {
		b.logger.Warn("Failed to publish event", zap.String("type", ev.Type), zap.Error(err))
	}
}
