package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/providentiaww/mcp-auth-broker/internal/events"
)

var (
	ErrInvalidClientMetadata = errors.New("invalid client metadata")
	ErrInvalidClient         = errors.New("invalid client")
)

// Registry layers dynamic client registration on the Store. Registration is
// append-only: there is no update or delete.
type Registry struct {
	store  Store
	events events.Publisher
	logger *zap.Logger
}

// NewRegistry creates a client registry.
func NewRegistry(store Store, publisher events.Publisher, logger *zap.Logger) *Registry {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Registry{store: store, events: publisher, logger: logger}
}

// Register validates and persists client metadata. For confidential clients
// the generated secret is returned once; only its bcrypt hash is stored.
func (r *Registry) Register(ctx context.Context, meta ClientMetadata) (*Client, string, error) {
	if len(meta.RedirectURIs) == 0 {
		return nil, "", fmt.Errorf("%w: redirect_uris is required", ErrInvalidClientMetadata)
	}
	for _, uri := range meta.RedirectURIs {
		if err := ValidateRedirectURI(uri); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidClientMetadata, err)
		}
	}

	if len(meta.GrantTypes) == 0 {
		meta.GrantTypes = []string{"authorization_code", "refresh_token"}
	}
	for _, gt := range meta.GrantTypes {
		if gt != "authorization_code" && gt != "refresh_token" {
			return nil, "", fmt.Errorf("%w: unsupported grant_type %q", ErrInvalidClientMetadata, gt)
		}
	}
	if len(meta.ResponseTypes) == 0 {
		meta.ResponseTypes = []string{"code"}
	}
	if meta.TokenEndpointAuthMethod == "" {
		meta.TokenEndpointAuthMethod = "none"
	}

	var secret string
	meta.ClientSecretHash = ""
	switch meta.TokenEndpointAuthMethod {
	case "none":
	case "client_secret_post", "client_secret_basic":
		var err error
		secret, err = RandomString(48)
		if err != nil {
			return nil, "", fmt.Errorf("generating client secret: %w", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", fmt.Errorf("hashing client secret: %w", err)
		}
		meta.ClientSecretHash = string(hash)
	default:
		return nil, "", fmt.Errorf("%w: unsupported token_endpoint_auth_method %q", ErrInvalidClientMetadata, meta.TokenEndpointAuthMethod)
	}

	client, err := r.store.RegisterClient(ctx, meta)
	if err != nil {
		return nil, "", fmt.Errorf("registering client: %w", err)
	}

	r.logger.Info("Registered OAuth client",
		zap.String("client_id", client.ClientID),
		zap.String("client_name", client.ClientName),
		zap.String("auth_method", client.TokenEndpointAuthMethod))
	r.publish(ctx, events.New(events.ClientRegistered, client.ClientID, ""))

	return client, secret, nil
}

// Get looks up a client. A nil client means it is not registered.
func (r *Registry) Get(ctx context.Context, clientID string) (*Client, error) {
	if clientID == "" {
		return nil, nil
	}
	return r.store.GetClient(ctx, clientID)
}

// Authenticate resolves a client and checks its secret when it has one.
func (r *Registry) Authenticate(ctx context.Context, clientID, secret string) (*Client, error) {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("%w: unknown client_id", ErrInvalidClient)
	}
	if client.IsPublic() {
		return client, nil
	}
	if secret == "" {
		return nil, fmt.Errorf("%w: client_secret required", ErrInvalidClient)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)); err != nil {
		return nil, fmt.Errorf("%w: invalid client_secret", ErrInvalidClient)
	}
	return client, nil
}

func (r *Registry) publish(ctx context.Context, ev events.Event) {
	if err := r.events.Publish(ctx, ev); err != nil {
		r.logger.Warn("Failed to publish event", zap.String("type", ev.Type), zap.Error(err))
	}
}

// HasRedirectURI reports whether uri is one of the client's registered redirect URIs.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// ValidateRedirectURI accepts https URIs and plain http on loopback hosts.
func ValidateRedirectURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid redirect_uri: %s", raw)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain a fragment: %s", raw)
	}
	if parsed.Scheme == "https" {
		return nil
	}
	host := parsed.Hostname()
	if parsed.Scheme == "http" && (host == "localhost" || host == "127.0.0.1" || host == "::1") {
		return nil
	}
	return fmt.Errorf("redirect_uri must use https (or localhost http): %s", raw)
}

// ParseScope splits a space-delimited scope string.
func ParseScope(scope string) []string {
	return strings.Fields(scope)
}
