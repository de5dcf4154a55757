// Package tables abstracts a partitioned key/value table service: rows are
// addressed by (partition key, row key) and carry an opaque ETag used for
// optimistic concurrency.
package tables

import (
	"context"
	"errors"
)

var (
	// ErrEntityNotFound is returned when no row matches the keys.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrConditionNotMet is returned when a conditional write loses to a
	// concurrent change (the ETag no longer matches).
	ErrConditionNotMet = errors.New("entity condition not met")
)

// Entity is one row. Data is an opaque JSON payload; ExpiresAt is epoch
// milliseconds, 0 meaning no expiry.
type Entity struct {
	PartitionKey string
	RowKey       string
	Data         string
	ExpiresAt    int64
	ETag         string
}

// Table is a single logical table.
type Table interface {
	Name() string
	// CreateIfNotExists creates the table. An existing table is not an error.
	CreateIfNotExists(ctx context.Context) error
	GetEntity(ctx context.Context, partitionKey, rowKey string) (*Entity, error)
	// UpsertEntity inserts or replaces a row.
	UpsertEntity(ctx context.Context, entity Entity) error
	// DeleteEntity removes a row. A non-empty etag makes the delete
	// conditional on the row being unchanged.
	DeleteEntity(ctx context.Context, partitionKey, rowKey, etag string) error
}

// Service hands out tables backed by one account or database.
type Service interface {
	Table(name string) Table
	Ping(ctx context.Context) error
	Close() error
}
