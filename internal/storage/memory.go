package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/providentiaww/mcp-auth-broker/internal/oauth"
)

type challengeEntry struct {
	challenge string
	expiresAt int64
}

// MemoryStore implements oauth.Store with in-process maps. State is lost on
// restart, so it only suits single-instance deployments.
type MemoryStore struct {
	mu sync.Mutex

	clients       map[string]*oauth.Client
	pendingAuths  map[string]*oauth.PendingAuthorization
	authCodes     map[string]*oauth.StoredAuthCode
	challenges    map[string]challengeEntry
	accessTokens  map[string]*oauth.StoredToken
	refreshTokens map[string]*oauth.StoredRefreshToken

	now             func() time.Time
	logger          *zap.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// NewMemoryStore creates a MemoryStore and starts its background sweep.
// Call Close to stop it.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := newOptions(opts)
	s := &MemoryStore{
		clients:         make(map[string]*oauth.Client),
		pendingAuths:    make(map[string]*oauth.PendingAuthorization),
		authCodes:       make(map[string]*oauth.StoredAuthCode),
		challenges:      make(map[string]challengeEntry),
		accessTokens:    make(map[string]*oauth.StoredToken),
		refreshTokens:   make(map[string]*oauth.StoredRefreshToken),
		now:             o.now,
		logger:          o.logger,
		cleanupInterval: o.cleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// GetClient fetches a client by id.
func (s *MemoryStore) GetClient(_ context.Context, clientID string) (*oauth.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, nil
	}
	return cloneClient(client), nil
}

// RegisterClient stores a new client under a generated id.
func (s *MemoryStore) RegisterClient(_ context.Context, metadata oauth.ClientMetadata) (*oauth.Client, error) {
	client := newClient(metadata, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[client.ClientID] = client
	return cloneClient(client), nil
}

// StorePendingAuth stores a pending authorization for PendingAuthTTL.
func (s *MemoryStore) StorePendingAuth(_ context.Context, idpState string, auth *oauth.PendingAuthorization) error {
	record := *auth
	record.Scopes = slices.Clone(auth.Scopes)
	record.ExpiresAt = oauth.ExpiresAtMillis(s.now(), oauth.PendingAuthTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pendingAuths[idpState] = &record
	return nil
}

// GetPendingAuth retrieves and deletes a pending authorization.
func (s *MemoryStore) GetPendingAuth(_ context.Context, idpState string) (*oauth.PendingAuthorization, error) {
	s.mu.Lock()
	auth, ok := s.pendingAuths[idpState]
	delete(s.pendingAuths, idpState)
	s.mu.Unlock()

	if !ok || oauth.Expired(auth.ExpiresAt, s.now()) {
		return nil, nil
	}
	return auth, nil
}

// StoreAuthCode stores an authorization code for AuthCodeTTL.
func (s *MemoryStore) StoreAuthCode(_ context.Context, code string, data *oauth.StoredAuthCode) error {
	record := *data
	record.ExpiresAt = oauth.ExpiresAtMillis(s.now(), oauth.AuthCodeTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.authCodes[code] = &record
	return nil
}

// GetAuthCode retrieves and deletes an authorization code.
func (s *MemoryStore) GetAuthCode(_ context.Context, code string) (*oauth.StoredAuthCode, error) {
	s.mu.Lock()
	stored, ok := s.authCodes[code]
	delete(s.authCodes, code) // single use
	s.mu.Unlock()

	if !ok || oauth.Expired(stored.ExpiresAt, s.now()) {
		return nil, nil
	}
	return stored, nil
}

// StoreCodeChallenge records the PKCE challenge bound to a broker code.
func (s *MemoryStore) StoreCodeChallenge(_ context.Context, code, challenge string) error {
	entry := challengeEntry{
		challenge: challenge,
		expiresAt: oauth.ExpiresAtMillis(s.now(), oauth.AuthCodeTTL),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.challenges[code] = entry
	return nil
}

// GetCodeChallenge returns the challenge bound to a code, or "".
func (s *MemoryStore) GetCodeChallenge(_ context.Context, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.challenges[code]
	if !ok || oauth.Expired(entry.expiresAt, s.now()) {
		return "", nil
	}
	return entry.challenge, nil
}

// DeleteCodeChallenge removes a code challenge.
func (s *MemoryStore) DeleteCodeChallenge(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.challenges, code)
	return nil
}

// StoreAccessToken stores an access token for AccessTokenTTL.
func (s *MemoryStore) StoreAccessToken(_ context.Context, token string, data *oauth.StoredToken) error {
	record := *data
	record.Scopes = slices.Clone(data.Scopes)
	record.ExpiresAt = oauth.ExpiresAtMillis(s.now(), oauth.AccessTokenTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessTokens[token] = &record
	return nil
}

// GetAccessToken returns a live access token, deleting it if expired.
func (s *MemoryStore) GetAccessToken(_ context.Context, token string) (*oauth.StoredToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.accessTokens[token]
	if !ok {
		return nil, nil
	}
	if oauth.Expired(stored.ExpiresAt, s.now()) {
		delete(s.accessTokens, token)
		return nil, nil
	}
	record := *stored
	record.Scopes = slices.Clone(stored.Scopes)
	return &record, nil
}

// StoreRefreshToken stores a refresh token. Refresh tokens do not expire.
func (s *MemoryStore) StoreRefreshToken(_ context.Context, token string, data *oauth.StoredRefreshToken) error {
	record := *data
	record.Scopes = slices.Clone(data.Scopes)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshTokens[token] = &record
	return nil
}

// GetRefreshToken returns a refresh token record.
func (s *MemoryStore) GetRefreshToken(_ context.Context, token string) (*oauth.StoredRefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.refreshTokens[token]
	if !ok {
		return nil, nil
	}
	record := *stored
	record.Scopes = slices.Clone(stored.Scopes)
	return &record, nil
}

// DeleteRefreshToken removes a refresh token.
func (s *MemoryStore) DeleteRefreshToken(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.refreshTokens[token]
	delete(s.refreshTokens, token)
	return ok, nil
}

// Ping always succeeds.
func (*MemoryStore) Ping(context.Context) error {
	return nil
}

// Close stops the sweep and waits for it to exit.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired drops expired auth codes, code challenges and access tokens.
// Pending authorizations and refresh tokens are only reclaimed on read.
func (s *MemoryStore) cleanupExpired() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, val := range s.authCodes {
		if oauth.Expired(val.ExpiresAt, now) {
			delete(s.authCodes, key)
			removed++
		}
	}
	for key, val := range s.challenges {
		if oauth.Expired(val.expiresAt, now) {
			delete(s.challenges, key)
			removed++
		}
	}
	for key, val := range s.accessTokens {
		if oauth.Expired(val.ExpiresAt, now) {
			delete(s.accessTokens, key)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Swept expired entries", zap.Int("removed", removed))
	}
}

func newClient(metadata oauth.ClientMetadata, now time.Time) *oauth.Client {
	return &oauth.Client{
		ClientMetadata:   metadata,
		ClientID:         uuid.NewString(),
		ClientIDIssuedAt: now.Unix(),
	}
}

func cloneClient(c *oauth.Client) *oauth.Client {
	out := *c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.GrantTypes = slices.Clone(c.GrantTypes)
	out.ResponseTypes = slices.Clone(c.ResponseTypes)
	return &out
}

var _ oauth.Store = (*MemoryStore)(nil)
