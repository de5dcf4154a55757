package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/providentiaww/mcp-auth-broker/internal/oauth"
	"github.com/providentiaww/mcp-auth-broker/internal/storage/tables"
)

// NewStoreFromConfig builds the configured store. Durable table stores are
// initialized before they are returned.
func NewStoreFromConfig(ctx context.Context, cfg Config, logger *zap.Logger) (oauth.Store, error) {
	logger.Info("Initializing credential store", zap.String("backend", cfg.Backend))
	opts := []Option{WithLogger(logger), WithCleanupInterval(cfg.CleanupInterval)}

	switch cfg.Backend {
	case BackendMemory, "":
		logger.Warn("Using in-memory credential store; state is lost on restart")
		return NewMemoryStore(opts...), nil

	case BackendAzure:
		svc, err := tables.NewAzureService(cfg.AzureConnectionString)
		if err != nil {
			return nil, err
		}
		return initTableStore(ctx, svc, opts)

	case BackendPostgres:
		db, err := tables.OpenPostgres(ctx, cfg.DatabaseURL, cfg.Pool)
		if err != nil {
			return nil, err
		}
		return initTableStore(ctx, tables.NewPostgresService(db), opts)

	case BackendRedis:
		client, err := OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, opts...), nil

	default:
		return nil, fmt.Errorf("unsupported credential store backend: %s", cfg.Backend)
	}
}

func initTableStore(ctx context.Context, svc tables.Service, opts []Option) (*TableStore, error) {
	store := NewTableStore(svc, opts...)
	if err := store.Init(ctx); err != nil {
		_ = svc.Close()
		return nil, err
	}
	return store, nil
}
