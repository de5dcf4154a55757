package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/providentiaww/mcp-auth-broker/internal/oauth"
)

// key prefixes for different types of data
const (
	clientPrefix        = "oauth:client:"
	pendingAuthPrefix   = "oauth:pending:"
	authCodePrefix      = "oauth:code:"
	codeChallengePrefix = "oauth:challenge:"
	accessTokenPrefix   = "oauth:token:"
	refreshTokenPrefix  = "oauth:refresh:"
)

// RedisStore implements oauth.Store on Redis. Records carry a native TTL and
// are re-checked against expiresAt on read. Read-once lookups use GETDEL.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
	logger *zap.Logger
}

// OpenRedis connects to the server described by a redis:// URL.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisStore wraps a connected client.
func NewRedisStore(client *redis.Client, opts ...Option) *RedisStore {
	o := newOptions(opts)
	return &RedisStore{client: client, now: o.now, logger: o.logger}
}

func secretKey(prefix, secret string) string {
	return prefix + oauth.HashToken(secret)
}

// GetClient fetches a client by id.
func (s *RedisStore) GetClient(ctx context.Context, clientID string) (*oauth.Client, error) {
	var client oauth.Client
	found, err := s.get(ctx, clientPrefix+clientID, &client)
	if err != nil || !found {
		return nil, err
	}
	return &client, nil
}

// RegisterClient stores a new client under a generated id. Clients never expire.
func (s *RedisStore) RegisterClient(ctx context.Context, metadata oauth.ClientMetadata) (*oauth.Client, error) {
	client := newClient(metadata, s.now())
	if err := s.set(ctx, clientPrefix+client.ClientID, client, 0); err != nil {
		return nil, err
	}
	return client, nil
}

// StorePendingAuth stores a pending authorization for PendingAuthTTL.
func (s *RedisStore) StorePendingAuth(ctx context.Context, idpState string, auth *oauth.PendingAuthorization) error {
	record := *auth
	record.ExpiresAt = oauth.ExpiresAtMillis(s.now(), oauth.PendingAuthTTL)
	return s.set(ctx, secretKey(pendingAuthPrefix, idpState), &record, oauth.PendingAuthTTL)
}

// GetPendingAuth retrieves and deletes a pending authorization.
func (s *RedisStore) GetPendingAuth(ctx context.Context, idpState string) (*oauth.PendingAuthorization, error) {
	var auth oauth.PendingAuthorization
	found, err := s.getDel(ctx, secretKey(pendingAuthPrefix, idpState), &auth)
	if err != nil || !found || oauth.Expired(auth.ExpiresAt, s.now()) {
		return nil, err
	}
	return &auth, nil
}

// StoreAuthCode stores an authorization code for AuthCodeTTL.
func (s *RedisStore) StoreAuthCode(ctx context.Context, code string, data *oauth.StoredAuthCode) error {
	record := *data
	record.ExpiresAt = oauth.ExpiresAtMillis(s.now(), oauth.AuthCodeTTL)
	return s.set(ctx, secretKey(authCodePrefix, code), &record, oauth.AuthCodeTTL)
}

// GetAuthCode retrieves and deletes an authorization code.
func (s *RedisStore) GetAuthCode(ctx context.Context, code string) (*oauth.StoredAuthCode, error) {
	var stored oauth.StoredAuthCode
	found, err := s.getDel(ctx, secretKey(authCodePrefix, code), &stored)
	if err != nil || !found || oauth.Expired(stored.ExpiresAt, s.now()) {
		return nil, err
	}
	return &stored, nil
}

// StoreCodeChallenge records the PKCE challenge bound to a broker code.
func (s *RedisStore) StoreCodeChallenge(ctx context.Context, code, challenge string) error {
	err := s.client.Set(ctx, secretKey(codeChallengePrefix, code), challenge, oauth.AuthCodeTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to store code challenge: %w", err)
	}
	return nil
}

// GetCodeChallenge returns the challenge bound to a code, or "".
func (s *RedisStore) GetCodeChallenge(ctx context.Context, code string) (string, error) {
	challenge, err := s.client.Get(ctx, secretKey(codeChallengePrefix, code)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read code challenge: %w", err)
	}
	return challenge, nil
}

// DeleteCodeChallenge removes a code challenge.
func (s *RedisStore) DeleteCodeChallenge(ctx context.Context, code string) error {
	if err := s.client.Del(ctx, secretKey(codeChallengePrefix, code)).Err(); err != nil {
		return fmt.Errorf("failed to delete code challenge: %w", err)
	}
	return nil
}

// StoreAccessToken stores an access token for AccessTokenTTL.
func (s *RedisStore) StoreAccessToken(ctx context.Context, token string, data *oauth.StoredToken) error {
	record := *data
	record.ExpiresAt = oauth.ExpiresAtMillis(s.now(), oauth.AccessTokenTTL)
	return s.set(ctx, secretKey(accessTokenPrefix, token), &record, oauth.AccessTokenTTL)
}

// GetAccessToken returns a live access token, deleting it if expired.
func (s *RedisStore) GetAccessToken(ctx context.Context, token string) (*oauth.StoredToken, error) {
	key := secretKey(accessTokenPrefix, token)
	var stored oauth.StoredToken
	found, err := s.get(ctx, key, &stored)
	if err != nil || !found {
		return nil, err
	}
	if oauth.Expired(stored.ExpiresAt, s.now()) {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			s.logger.Warn("Failed to delete expired access token", zap.Error(err))
		}
		return nil, nil
	}
	return &stored, nil
}

// StoreRefreshToken stores a refresh token with no expiry.
func (s *RedisStore) StoreRefreshToken(ctx context.Context, token string, data *oauth.StoredRefreshToken) error {
	return s.set(ctx, secretKey(refreshTokenPrefix, token), data, 0)
}

// GetRefreshToken returns a refresh token record.
func (s *RedisStore) GetRefreshToken(ctx context.Context, token string) (*oauth.StoredRefreshToken, error) {
	var stored oauth.StoredRefreshToken
	found, err := s.get(ctx, secretKey(refreshTokenPrefix, token), &stored)
	if err != nil || !found {
		return nil, err
	}
	return &stored, nil
}

// DeleteRefreshToken removes a refresh token and reports whether this call did.
func (s *RedisStore) DeleteRefreshToken(ctx context.Context, token string) (bool, error) {
	n, err := s.client.Del(ctx, secretKey(refreshTokenPrefix, token)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return n > 0, nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) set(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	return s.decode(data, err, v)
}

func (s *RedisStore) getDel(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.client.GetDel(ctx, key).Bytes()
	return s.decode(data, err, v)
}

func (s *RedisStore) decode(data []byte, err error, v any) (bool, error) {
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read record: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode record: %w", err)
	}
	return true, nil
}

var _ oauth.Store = (*RedisStore)(nil)
