package oauth

import (
	"context"
	"time"
)

const (
	PendingAuthTTL  = 10 * time.Minute
	AuthCodeTTL     = 10 * time.Minute
	AccessTokenTTL  = 60 * time.Minute
	CleanupInterval = 5 * time.Minute
)

// Store provides persistence for every record the broker owns.
//
// Lookups return a nil record (or an empty challenge) when nothing usable is
// stored; expired records are reported the same way. Errors are reserved for
// backend failures. Implementations must be safe for concurrent use, and the
// read-once lookups (GetPendingAuth, GetAuthCode) must hand a live record to at
// most one caller.
type Store interface {
	GetClient(ctx context.Context, clientID string) (*Client, error)
	// RegisterClient assigns a fresh client id and issue time, persists and
	// returns the full record.
	RegisterClient(ctx context.Context, metadata ClientMetadata) (*Client, error)

	StorePendingAuth(ctx context.Context, idpState string, auth *PendingAuthorization) error
	GetPendingAuth(ctx context.Context, idpState string) (*PendingAuthorization, error)

	StoreAuthCode(ctx context.Context, code string, data *StoredAuthCode) error
	GetAuthCode(ctx context.Context, code string) (*StoredAuthCode, error)

	StoreCodeChallenge(ctx context.Context, code, challenge string) error
	GetCodeChallenge(ctx context.Context, code string) (string, error)
	DeleteCodeChallenge(ctx context.Context, code string) error

	StoreAccessToken(ctx context.Context, token string, data *StoredToken) error
	// GetAccessToken is not read-once. Expired tokens are deleted on sight.
	GetAccessToken(ctx context.Context, token string) (*StoredToken, error)

	StoreRefreshToken(ctx context.Context, token string, data *StoredRefreshToken) error
	GetRefreshToken(ctx context.Context, token string) (*StoredRefreshToken, error)
	// DeleteRefreshToken reports whether this call removed the token. Only one
	// of several concurrent callers observes true.
	DeleteRefreshToken(ctx context.Context, token string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}
