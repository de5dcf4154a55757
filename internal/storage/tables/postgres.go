package tables

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS oauth_entities (
		table_name VARCHAR(64) NOT NULL,
		partition_key VARCHAR(64) NOT NULL,
		row_key VARCHAR(255) NOT NULL,
		data TEXT NOT NULL,
		expires_at BIGINT NOT NULL DEFAULT 0,
		etag VARCHAR(64) NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
		PRIMARY KEY (table_name, partition_key, row_key)
	);

	CREATE INDEX IF NOT EXISTS idx_oauth_entities_expires_at ON oauth_entities(expires_at);
	`

// PoolConfig bounds the database connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig returns pool limits suitable for a small cloud database.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// PostgresService stores every logical table as rows of one oauth_entities
// table, discriminated by table_name.
type PostgresService struct {
	db         *sql.DB
	schemaOnce sync.Once
	schemaErr  error
}

// OpenPostgres opens and pings a PostgreSQL database.
func OpenPostgres(ctx context.Context, connectionString string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

// NewPostgresService wraps an open database.
func NewPostgresService(db *sql.DB) *PostgresService {
	return &PostgresService{db: db}
}

// Table returns a handle on one logical table.
func (s *PostgresService) Table(name string) Table {
	return &postgresTable{name: name, service: s}
}

// Ping checks the database connection.
func (s *PostgresService) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *PostgresService) Close() error {
	return s.db.Close()
}

func (s *PostgresService) initSchema(ctx context.Context) error {
	s.schemaOnce.Do(func() {
		if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
			s.schemaErr = fmt.Errorf("failed to initialize schema: %w", err)
		}
	})
	return s.schemaErr
}

type postgresTable struct {
	name    string
	service *PostgresService
}

func (t *postgresTable) Name() string { return t.name }

// CreateIfNotExists makes sure the shared schema exists. Logical tables need
// no DDL of their own.
func (t *postgresTable) CreateIfNotExists(ctx context.Context) error {
	return t.service.initSchema(ctx)
}

func (t *postgresTable) GetEntity(ctx context.Context, partitionKey, rowKey string) (*Entity, error) {
	query := `
		SELECT data, expires_at, etag
		FROM oauth_entities
		WHERE table_name = $1 AND partition_key = $2 AND row_key = $3
	`

	entity := &Entity{PartitionKey: partitionKey, RowKey: rowKey}
	err := t.service.db.QueryRowContext(ctx, query, t.name, partitionKey, rowKey).
		Scan(&entity.Data, &entity.ExpiresAt, &entity.ETag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity from %s: %w", t.name, err)
	}
	return entity, nil
}

func (t *postgresTable) UpsertEntity(ctx context.Context, entity Entity) error {
	query := `
		INSERT INTO oauth_entities
			(table_name, partition_key, row_key, data, expires_at, etag, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (table_name, partition_key, row_key)
		DO UPDATE SET
			data = EXCLUDED.data,
			expires_at = EXCLUDED.expires_at,
			etag = EXCLUDED.etag,
			updated_at = NOW()
	`

	_, err := t.service.db.ExecContext(ctx, query,
		t.name, entity.PartitionKey, entity.RowKey, entity.Data, entity.ExpiresAt, uuid.NewString())
	if err != nil {
		return fmt.Errorf("failed to upsert entity into %s: %w", t.name, err)
	}
	return nil
}

func (t *postgresTable) DeleteEntity(ctx context.Context, partitionKey, rowKey, etag string) error {
	var (
		res sql.Result
		err error
	)
	if etag == "" {
		res, err = t.service.db.ExecContext(ctx,
			`DELETE FROM oauth_entities WHERE table_name = $1 AND partition_key = $2 AND row_key = $3`,
			t.name, partitionKey, rowKey)
	} else {
		res, err = t.service.db.ExecContext(ctx,
			`DELETE FROM oauth_entities WHERE table_name = $1 AND partition_key = $2 AND row_key = $3 AND etag = $4`,
			t.name, partitionKey, rowKey, etag)
	}
	if err != nil {
		return fmt.Errorf("failed to delete entity from %s: %w", t.name, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete entity from %s: %w", t.name, err)
	}
	if affected > 0 {
		return nil
	}
	if etag == "" {
		return ErrEntityNotFound
	}

	var exists bool
	err = t.service.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM oauth_entities WHERE table_name = $1 AND partition_key = $2 AND row_key = $3)`,
		t.name, partitionKey, rowKey).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to delete entity from %s: %w", t.name, err)
	}
	if exists {
		return ErrConditionNotMet
	}
	return ErrEntityNotFound
}
