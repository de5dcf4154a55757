package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/providentiaww/mcp-auth-broker/internal/oauth"
	"github.com/providentiaww/mcp-auth-broker/internal/storage/tables"
)

// Logical table names and their single partition key.
const (
	TableClients        = "clients"
	TablePendingAuths   = "pendingauths"
	TableAuthCodes      = "authcodes"
	TableAccessTokens   = "accesstokens"
	TableCodeChallenges = "codechallenges"
	TableRefreshTokens  = "refreshtokens"

	partitionClient    = "client"
	partitionPending   = "pending"
	partitionCode      = "code"
	partitionToken     = "token"
	partitionChallenge = "challenge"
	partitionRefresh   = "refresh"
)

type storedChallenge struct {
	Challenge string `json:"challenge"`
}

// TableStore implements oauth.Store on a partitioned table service. Expiry is
// enforced on read; the backend has no native TTL. Row keys for secrets are
// their SHA-256 so raw credentials never reach the backend.
type TableStore struct {
	service tables.Service

	clients        tables.Table
	pendingAuths   tables.Table
	authCodes      tables.Table
	accessTokens   tables.Table
	codeChallenges tables.Table
	refreshTokens  tables.Table

	now    func() time.Time
	logger *zap.Logger
}

// NewTableStore creates a store over service. Call Init before use.
func NewTableStore(service tables.Service, opts ...Option) *TableStore {
	o := newOptions(opts)
	return &TableStore{
		service:        service,
		clients:        service.Table(TableClients),
		pendingAuths:   service.Table(TablePendingAuths),
		authCodes:      service.Table(TableAuthCodes),
		accessTokens:   service.Table(TableAccessTokens),
		codeChallenges: service.Table(TableCodeChallenges),
		refreshTokens:  service.Table(TableRefreshTokens),
		now:            o.now,
		logger:         o.logger,
	}
}

// Init creates every table. It is idempotent.
func (s *TableStore) Init(ctx context.Context) error {
	for _, t := range s.all() {
		if err := t.CreateIfNotExists(ctx); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.Name(), err)
		}
	}
	s.logger.Info("Table store initialized", zap.Int("tables", len(s.all())))
	return nil
}

func (s *TableStore) all() []tables.Table {
	return []tables.Table{
		s.clients,
		s.pendingAuths,
		s.authCodes,
		s.accessTokens,
		s.codeChallenges,
		s.refreshTokens,
	}
}

// GetClient fetches a client by id.
func (s *TableStore) GetClient(ctx context.Context, clientID string) (*oauth.Client, error) {
	var client oauth.Client
	found, err := s.read(ctx, s.clients, partitionClient, clientID, &client)
	if err != nil || !found {
		return nil, err
	}
	return &client, nil
}

// RegisterClient stores a new client under a generated id.
func (s *TableStore) RegisterClient(ctx context.Context, metadata oauth.ClientMetadata) (*oauth.Client, error) {
	client := newClient(metadata, s.now())
	if err := s.write(ctx, s.clients, partitionClient, client.ClientID, client, 0); err != nil {
		return nil, err
	}
	return client, nil
}

// StorePendingAuth stores a pending authorization for PendingAuthTTL.
func (s *TableStore) StorePendingAuth(ctx context.Context, idpState string, auth *oauth.PendingAuthorization) error {
	record := *auth
	record.ExpiresAt = oauth.ExpiresAtMillis(s.now(), oauth.PendingAuthTTL)
	return s.write(ctx, s.pendingAuths, partitionPending, oauth.HashToken(idpState), &record, record.ExpiresAt)
}

// GetPendingAuth retrieves and deletes a pending authorization.
func (s *TableStore) GetPendingAuth(ctx context.Context, idpState string) (*oauth.PendingAuthorization, error) {
	var auth oauth.PendingAuthorization
	found, err := s.take(ctx, s.pendingAuths, partitionPending, oauth.HashToken(idpState), &auth)
	if err != nil || !found {
		return nil, err
	}
	return &auth, nil
}

// StoreAuthCode stores an authorization code for AuthCodeTTL.
func (s *TableStore) StoreAuthCode(ctx context.Context, code string, data *oauth.StoredAuthCode) error {
	record := *data
	record.ExpiresAt = oauth.ExpiresAtMillis(s.now(), oauth.AuthCodeTTL)
	return s.write(ctx, s.authCodes, partitionCode, oauth.HashToken(code), &record, record.ExpiresAt)
}

// GetAuthCode retrieves and deletes an authorization code.
func (s *TableStore) GetAuthCode(ctx context.Context, code string) (*oauth.StoredAuthCode, error) {
	var stored oauth.StoredAuthCode
	found, err := s.take(ctx, s.authCodes, partitionCode, oauth.HashToken(code), &stored)
	if err != nil || !found {
		return nil, err
	}
	return &stored, nil
}

// StoreCodeChallenge records the PKCE challenge bound to a broker code.
func (s *TableStore) StoreCodeChallenge(ctx context.Context, code, challenge string) error {
	expiresAt := oauth.ExpiresAtMillis(s.now(), oauth.AuthCodeTTL)
	return s.write(ctx, s.codeChallenges, partitionChallenge, oauth.HashToken(code), storedChallenge{Challenge: challenge}, expiresAt)
}

// GetCodeChallenge returns the challenge bound to a code, or "".
func (s *TableStore) GetCodeChallenge(ctx context.Context, code string) (string, error) {
	var stored storedChallenge
	found, err := s.read(ctx, s.codeChallenges, partitionChallenge, oauth.HashToken(code), &stored)
	if err != nil || !found {
		return "", err
	}
	return stored.Challenge, nil
}

// DeleteCodeChallenge removes a code challenge.
func (s *TableStore) DeleteCodeChallenge(ctx context.Context, code string) error {
	_, err := s.remove(ctx, s.codeChallenges, partitionChallenge, oauth.HashToken(code))
	return err
}

// StoreAccessToken stores an access token for AccessTokenTTL.
func (s *TableStore) StoreAccessToken(ctx context.Context, token string, data *oauth.StoredToken) error {
	record := *data
	record.ExpiresAt = oauth.ExpiresAtMillis(s.now(), oauth.AccessTokenTTL)
	return s.write(ctx, s.accessTokens, partitionToken, oauth.HashToken(token), &record, record.ExpiresAt)
}

// GetAccessToken returns a live access token. Expired rows are deleted on sight.
func (s *TableStore) GetAccessToken(ctx context.Context, token string) (*oauth.StoredToken, error) {
	var stored oauth.StoredToken
	found, err := s.read(ctx, s.accessTokens, partitionToken, oauth.HashToken(token), &stored)
	if err != nil || !found {
		return nil, err
	}
	return &stored, nil
}

// StoreRefreshToken stores a refresh token with no expiry.
func (s *TableStore) StoreRefreshToken(ctx context.Context, token string, data *oauth.StoredRefreshToken) error {
	return s.write(ctx, s.refreshTokens, partitionRefresh, oauth.HashToken(token), data, 0)
}

// GetRefreshToken returns a refresh token record.
func (s *TableStore) GetRefreshToken(ctx context.Context, token string) (*oauth.StoredRefreshToken, error) {
	var stored oauth.StoredRefreshToken
	found, err := s.read(ctx, s.refreshTokens, partitionRefresh, oauth.HashToken(token), &stored)
	if err != nil || !found {
		return nil, err
	}
	return &stored, nil
}

// DeleteRefreshToken removes a refresh token and reports whether this call did.
func (s *TableStore) DeleteRefreshToken(ctx context.Context, token string) (bool, error) {
	return s.remove(ctx, s.refreshTokens, partitionRefresh, oauth.HashToken(token))
}

// Ping checks the backend.
func (s *TableStore) Ping(ctx context.Context) error {
	return s.service.Ping(ctx)
}

// Close releases the backend.
func (s *TableStore) Close() error {
	return s.service.Close()
}

func (s *TableStore) write(ctx context.Context, t tables.Table, pk, rk string, v any, expiresAt int64) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", t.Name(), err)
	}
	err = t.UpsertEntity(ctx, tables.Entity{
		PartitionKey: pk,
		RowKey:       rk,
		Data:         string(data),
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to store %s record: %w", t.Name(), err)
	}
	return nil
}

// read fetches a live row into v. Expired rows are deleted and reported absent.
func (s *TableStore) read(ctx context.Context, t tables.Table, pk, rk string, v any) (bool, error) {
	entity, err := t.GetEntity(ctx, pk, rk)
	if errors.Is(err, tables.ErrEntityNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s record: %w", t.Name(), err)
	}

	if oauth.Expired(entity.ExpiresAt, s.now()) {
		if err := t.DeleteEntity(ctx, pk, rk, entity.ETag); err != nil && !isAbsent(err) {
			s.logger.Warn("Failed to delete expired record", zap.String("table", t.Name()), zap.Error(err))
		}
		return false, nil
	}

	return true, s.decode(t, entity, v)
}

// take is a read-once read: the row is deleted conditionally on its ETag and
// only the caller whose delete succeeds sees it.
func (s *TableStore) take(ctx context.Context, t tables.Table, pk, rk string, v any) (bool, error) {
	entity, err := t.GetEntity(ctx, pk, rk)
	if errors.Is(err, tables.ErrEntityNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s record: %w", t.Name(), err)
	}

	if err := t.DeleteEntity(ctx, pk, rk, entity.ETag); err != nil {
		if isAbsent(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to consume %s record: %w", t.Name(), err)
	}

	if oauth.Expired(entity.ExpiresAt, s.now()) {
		return false, nil
	}
	return true, s.decode(t, entity, v)
}

func (s *TableStore) remove(ctx context.Context, t tables.Table, pk, rk string) (bool, error) {
	err := t.DeleteEntity(ctx, pk, rk, "")
	if errors.Is(err, tables.ErrEntityNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete %s record: %w", t.Name(), err)
	}
	return true, nil
}

func (s *TableStore) decode(t tables.Table, entity *tables.Entity, v any) error {
	if err := json.Unmarshal([]byte(entity.Data), v); err != nil {
		return fmt.Errorf("failed to decode %s record: %w", t.Name(), err)
	}
	return nil
}

func isAbsent(err error) bool {
	return errors.Is(err, tables.ErrEntityNotFound) || errors.Is(err, tables.ErrConditionNotMet)
}

var _ oauth.Store = (*TableStore)(nil)
