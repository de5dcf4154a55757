package oauth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/providentiaww/mcp-auth-broker/internal/broker"
	"github.com/providentiaww/mcp-auth-broker/internal/metrics"
	"github.com/providentiaww/mcp-auth-broker/internal/oauth"
)

const (
	AuthorizationServerMetadataPath = "/.well-known/oauth-authorization-server"
	ProtectedResourceMetadataPath   = "/.well-known/oauth-protected-resource"

	maxRegistrationBody = 64 << 10
)

// Server provides the OAuth 2.0 endpoints in front of the broker.
type Server struct {
	cfg      oauth.Config
	broker   *broker.Broker
	registry *oauth.Registry
	logger   *zap.Logger
}

// NewServer creates a new OAuth server.
func NewServer(cfg oauth.Config, b *broker.Broker, registry *oauth.Registry, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		broker:   b,
		registry: registry,
		logger:   logger,
	}
}

// Routes mounts the OAuth endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux, m *metrics.Metrics) {
	mux.Handle(AuthorizationServerMetadataPath, m.Middleware("metadata", http.HandlerFunc(s.HandleAuthorizationServerMetadata)))
	mux.Handle(ProtectedResourceMetadataPath, m.Middleware("metadata", http.HandlerFunc(s.HandleProtectedResourceMetadata)))
	mux.Handle("/authorize", m.Middleware("authorize", http.HandlerFunc(s.HandleAuthorize)))
	mux.Handle("/callback", m.Middleware("callback", http.HandlerFunc(s.HandleCallback)))
	mux.Handle("/token", m.Middleware("token", http.HandlerFunc(s.HandleToken)))
	if s.cfg.DCRMode != "disabled" {
		mux.Handle("/register", m.Middleware("register", http.HandlerFunc(s.HandleRegister)))
	}
}

// ResourceMetadataURL is advertised in WWW-Authenticate challenges.
func (s *Server) ResourceMetadataURL() string {
	return s.cfg.BaseURL + ProtectedResourceMetadataPath
}

// HandleAuthorizationServerMetadata serves RFC 8414 discovery metadata.
func (s *Server) HandleAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := s.cfg.BaseURL
	data := map[string]interface{}{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{broker.GrantAuthorizationCode, broker.GrantRefreshToken},
		"code_challenge_methods_supported":      []string{oauth.PKCEMethodS256},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_post", "client_secret_basic"},
		"scopes_supported":                      s.cfg.IssuedScopes,
	}
	if s.cfg.DCRMode != "disabled" {
		data["registration_endpoint"] = issuer + "/register"
	}

	writeJSON(w, http.StatusOK, data)
}

// HandleProtectedResourceMetadata serves RFC 9728 resource metadata.
func (s *Server) HandleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resource":                 s.cfg.BaseURL,
		"authorization_servers":    []string{s.cfg.BaseURL},
		"scopes_supported":         s.cfg.IssuedScopes,
		"bearer_methods_supported": []string{"header", "body"},
	})
}

// HandleAuthorize validates the client request and sends the user agent to the IdP.
// Client and redirect URI problems are answered directly; everything after the
// redirect URI is trusted is reported back to the client.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	query := r.URL.Query()

	client, err := s.registry.Get(ctx, query.Get("client_id"))
	if err != nil {
		s.logger.Error("Failed to load client", zap.Error(err))
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "Failed to load client")
		return
	}
	if client == nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client", "Unknown client_id")
		return
	}

	redirectURI := query.Get("redirect_uri")
	if redirectURI == "" && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
	}
	if redirectURI == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is required")
		return
	}
	if !client.HasRedirectURI(redirectURI) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "Unregistered redirect_uri")
		return
	}

	state := query.Get("state")
	if query.Get("response_type") != "code" {
		redirectError(w, r, redirectURI, state, "unsupported_response_type", "response_type must be code")
		return
	}
	challenge := query.Get("code_challenge")
	if challenge == "" {
		redirectError(w, r, redirectURI, state, "invalid_request", "code_challenge is required")
		return
	}
	method := oauth.NormalizeChallengeMethod(query.Get("code_challenge_method"))
	if method != oauth.PKCEMethodS256 {
		redirectError(w, r, redirectURI, state, "invalid_request", "code_challenge_method must be S256")
		return
	}

	target, err := s.broker.Authorize(ctx, client, broker.AuthorizationParams{
		State:               state,
		Scopes:              oauth.ParseScope(query.Get("scope")),
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		RedirectURI:         redirectURI,
	})
	if err != nil {
		s.logger.Error("Authorization failed", zap.String("client_id", client.ClientID), zap.Error(err))
		redirectError(w, r, redirectURI, state, "server_error", "Failed to start authorization")
		return
	}

	http.Redirect(w, r, target, http.StatusFound)
}

// HandleCallback receives the IdP redirect.
func (s *Server) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	target, err := s.broker.Callback(r.Context(), broker.CallbackParams{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	})
	if err != nil {
		var cbErr *broker.CallbackError
		if errors.As(err, &cbErr) {
			if cbErr.Status >= http.StatusInternalServerError {
				s.logger.Error("Callback failed", zap.Error(err))
			} else {
				s.logger.Warn("Callback rejected", zap.String("reason", cbErr.Message))
			}
			http.Error(w, cbErr.Message, cbErr.Status)
			return
		}
		s.logger.Error("Callback failed", zap.Error(err))
		http.Error(w, "Failed to complete authentication", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, target, http.StatusFound)
}

// HandleToken exchanges authorization codes or refresh tokens.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "Invalid form body")
		return
	}

	grantType := r.PostFormValue("grant_type")
	if grantType == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "grant_type is required")
		return
	}
	if grantType != broker.GrantAuthorizationCode && grantType != broker.GrantRefreshToken {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "Unsupported grant_type")
		return
	}

	client, err := s.authenticateClient(r)
	if err != nil {
		if errors.Is(err, oauth.ErrInvalidClient) {
			writeOAuthError(w, http.StatusUnauthorized, "invalid_client", err.Error())
			return
		}
		s.logger.Error("Client authentication failed", zap.Error(err))
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "Failed to authenticate client")
		return
	}
	if len(client.GrantTypes) > 0 && !slices.Contains(client.GrantTypes, grantType) {
		writeOAuthError(w, http.StatusBadRequest, "unauthorized_client", "Client is not allowed to use this grant_type")
		return
	}

	switch grantType {
	case broker.GrantAuthorizationCode:
		s.handleAuthorizationCodeGrant(w, r, client)
	case broker.GrantRefreshToken:
		s.handleRefreshTokenGrant(w, r, client)
	}
}

func (s *Server) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, client *oauth.Client) {
	ctx := r.Context()
	code := r.PostFormValue("code")
	if code == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}
	verifier := r.PostFormValue("code_verifier")
	if verifier == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "code_verifier is required")
		return
	}

	challenge, err := s.broker.ChallengeForAuthorizationCode(ctx, client, code)
	if err != nil {
		s.tokenServerError(w, err)
		return
	}
	if challenge == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "Invalid authorization code")
		return
	}
	if err := oauth.VerifyPKCE(challenge, verifier); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "code_verifier does not match the challenge")
		return
	}

	tokens, err := s.broker.ExchangeAuthorizationCode(ctx, client, code, verifier, r.PostFormValue("redirect_uri"))
	if err != nil {
		if errors.Is(err, broker.ErrInvalidGrant) {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "Invalid or expired authorization code")
			return
		}
		s.tokenServerError(w, err)
		return
	}
	writeTokens(w, tokens)
}

func (s *Server) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, client *oauth.Client) {
	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	tokens, err := s.broker.ExchangeRefreshToken(r.Context(), client, refreshToken, oauth.ParseScope(r.PostFormValue("scope")))
	if err != nil {
		if errors.Is(err, broker.ErrInvalidGrant) {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "Invalid refresh token")
			return
		}
		s.tokenServerError(w, err)
		return
	}
	writeTokens(w, tokens)
}

func (s *Server) tokenServerError(w http.ResponseWriter, err error) {
	s.logger.Error("Token request failed", zap.Error(err))
	writeOAuthError(w, http.StatusInternalServerError, "server_error", "Internal server error")
}

// authenticateClient accepts client_secret_basic and client_secret_post.
func (s *Server) authenticateClient(r *http.Request) (*oauth.Client, error) {
	clientID, secret, ok := r.BasicAuth()
	if ok {
		if id, err := url.QueryUnescape(clientID); err == nil {
			clientID = id
		}
		if sec, err := url.QueryUnescape(secret); err == nil {
			secret = sec
		}
	} else {
		clientID = r.PostFormValue("client_id")
		secret = r.PostFormValue("client_secret")
	}
	if clientID == "" {
		return nil, fmt.Errorf("%w: client_id required", oauth.ErrInvalidClient)
	}
	return s.registry.Authenticate(r.Context(), clientID, secret)
}

type registrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// HandleRegister registers dynamic clients (RFC 7591).
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.DCRMode == "disabled" {
		http.NotFound(w, r)
		return
	}
	if s.cfg.DCRMode == "protected" && !s.checkDCRAccess(r) {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_token", "Registration requires an initial access token")
		return
	}

	var req registrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBody)).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "Invalid JSON body")
		return
	}

	client, secret, err := s.registry.Register(r.Context(), oauth.ClientMetadata{
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		ClientName:              req.ClientName,
		Scope:                   req.Scope,
	})
	if err != nil {
		if errors.Is(err, oauth.ErrInvalidClientMetadata) {
			writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", err.Error())
			return
		}
		s.logger.Error("Client registration failed", zap.Error(err))
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "Failed to register client")
		return
	}

	resp := map[string]interface{}{
		"client_id":                  client.ClientID,
		"client_id_issued_at":        client.ClientIDIssuedAt,
		"redirect_uris":              client.RedirectURIs,
		"grant_types":                client.GrantTypes,
		"response_types":             client.ResponseTypes,
		"token_endpoint_auth_method": client.TokenEndpointAuthMethod,
		"client_name":                client.ClientName,
		"scope":                      client.Scope,
	}
	if secret != "" {
		resp["client_secret"] = secret
		resp["client_secret_expires_at"] = 0
	}

	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) checkDCRAccess(r *http.Request) bool {
	if s.cfg.DCRAccessToken == "" {
		return false
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.DCRAccessToken)) == 1
}

func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, description string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, code, description)
		return
	}
	q := u.Query()
	q.Set("error", code)
	q.Set("error_description", description)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func writeTokens(w http.ResponseWriter, tokens *broker.TokenResponse) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, tokens)
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
