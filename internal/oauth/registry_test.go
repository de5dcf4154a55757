package oauth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/providentiaww/mcp-auth-broker/internal/events"
	"github.com/providentiaww/mcp-auth-broker/internal/oauth"
	"github.com/providentiaww/mcp-auth-broker/internal/storage"
)

type capturePublisher struct {
	events []events.Event
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, ev events.Event) error {
	p.events = append(p.events, ev)
	return p.err
}

func (p *capturePublisher) Close() error { return nil }

func newRegistry(t *testing.T) (*oauth.Registry, *capturePublisher) {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	pub := &capturePublisher{}
	return oauth.NewRegistry(store, pub, zap.NewNop()), pub
}

func TestRegistry_RegisterPublicClientDefaults(t *testing.T) {
	registry, pub := newRegistry(t)
	ctx := context.Background()

	client, secret, err := registry.Register(ctx, oauth.ClientMetadata{
		RedirectURIs: []string{"https://claude.ai/api/mcp/auth_callback"},
		ClientName:   "Claude",
	})
	require.NoError(t, err)
	assert.Empty(t, secret)
	assert.NotEmpty(t, client.ClientID)
	assert.NotZero(t, client.ClientIDIssuedAt)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, client.GrantTypes)
	assert.Equal(t, []string{"code"}, client.ResponseTypes)
	assert.Equal(t, "none", client.TokenEndpointAuthMethod)
	assert.True(t, client.IsPublic())

	got, err := registry.Get(ctx, client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, client, got)

	require.Len(t, pub.events, 1)
	assert.Equal(t, events.ClientRegistered, pub.events[0].Type)
	assert.Equal(t, client.ClientID, pub.events[0].ClientID)
}

func TestRegistry_RegisterConfidentialClient(t *testing.T) {
	registry, _ := newRegistry(t)
	ctx := context.Background()

	client, secret, err := registry.Register(ctx, oauth.ClientMetadata{
		RedirectURIs:            []string{"https://app/cb"},
		TokenEndpointAuthMethod: "client_secret_post",
		ClientSecretHash:        "attacker-supplied",
	})
	require.NoError(t, err)
	require.NotEmpty(t, secret)
	assert.False(t, client.IsPublic())
	assert.NotEqual(t, "attacker-supplied", client.ClientSecretHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)))

	authed, err := registry.Authenticate(ctx, client.ClientID, secret)
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, authed.ClientID)

	_, err = registry.Authenticate(ctx, client.ClientID, "wrong")
	assert.ErrorIs(t, err, oauth.ErrInvalidClient)
	_, err = registry.Authenticate(ctx, client.ClientID, "")
	assert.ErrorIs(t, err, oauth.ErrInvalidClient)
}

func TestRegistry_RegisterRejectsInvalidMetadata(t *testing.T) {
	registry, pub := newRegistry(t)

	cases := map[string]oauth.ClientMetadata{
		"no redirect":    {},
		"http remote":    {RedirectURIs: []string{"http://app.example.com/cb"}},
		"relative":       {RedirectURIs: []string{"/cb"}},
		"fragment":       {RedirectURIs: []string{"https://app/cb#frag"}},
		"implicit grant": {RedirectURIs: []string{"https://app/cb"}, GrantTypes: []string{"implicit"}},
		"auth method":    {RedirectURIs: []string{"https://app/cb"}, TokenEndpointAuthMethod: "private_key_jwt"},
	}
	for name, meta := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := registry.Register(context.Background(), meta)
			assert.ErrorIs(t, err, oauth.ErrInvalidClientMetadata)
		})
	}
	assert.Empty(t, pub.events)
}

func TestRegistry_PublishFailureIsIgnored(t *testing.T) {
	registry, pub := newRegistry(t)
	pub.err = errors.New("amqp closed")

	_, _, err := registry.Register(context.Background(), oauth.ClientMetadata{RedirectURIs: []string{"https://app/cb"}})
	assert.NoError(t, err)
}

func TestRegistry_AuthenticateUnknownClient(t *testing.T) {
	registry, _ := newRegistry(t)
	ctx := context.Background()

	_, err := registry.Authenticate(ctx, "missing", "")
	assert.ErrorIs(t, err, oauth.ErrInvalidClient)

	client, err := registry.Get(ctx, "")
	assert.NoError(t, err)
	assert.Nil(t, client)
}

func TestValidateRedirectURI(t *testing.T) {
	valid := []string{
		"https://app/cb",
		"http://localhost:6274/oauth/callback",
		"http://127.0.0.1/cb",
		"http://[::1]:8080/cb",
	}
	for _, uri := range valid {
		assert.NoError(t, oauth.ValidateRedirectURI(uri), uri)
	}

	invalid := []string{"", "app/cb", "http://example.com/cb", "ftp://host/cb"}
	for _, uri := range invalid {
		assert.Error(t, oauth.ValidateRedirectURI(uri), uri)
	}
}

func TestClientHasRedirectURI(t *testing.T) {
	client := &oauth.Client{ClientMetadata: oauth.ClientMetadata{RedirectURIs: []string{"https://app/cb"}}}
	assert.True(t, client.HasRedirectURI("https://app/cb"))
	assert.False(t, client.HasRedirectURI("https://app/cb/"))
}

func TestParseScope(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, oauth.ParseScope("  a   b "))
	assert.Empty(t, oauth.ParseScope(""))
}
