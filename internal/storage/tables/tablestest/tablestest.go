// Package tablestest provides an in-memory tables.Service for tests.
package tablestest

import (
	"context"
	"strconv"
	"sync"

	"github.com/providentiaww/mcp-auth-broker/internal/storage/tables"
)

// Service is an in-memory tables.Service. ETags change on every write, so
// conditional deletes behave like the real services.
type Service struct {
	mu     sync.Mutex
	tables map[string]*Table
	etag   int64

	// PingErr is returned by Ping when set.
	PingErr error
}

// NewService creates an empty service.
func NewService() *Service {
	return &Service{tables: make(map[string]*Table)}
}

// Table returns the named table, creating the handle on first use.
func (s *Service) Table(name string) tables.Table {
	return s.table(name)
}

// Lookup returns the named table handle for inspection.
func (s *Service) Lookup(name string) *Table {
	return s.table(name)
}

func (s *Service) table(name string) *Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		t = &Table{name: name, service: s, rows: make(map[string]tables.Entity)}
		s.tables[name] = t
	}
	return t
}

func (s *Service) nextETag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.etag++
	return `W/"` + strconv.FormatInt(s.etag, 10) + `"`
}

func (s *Service) Ping(context.Context) error { return s.PingErr }
func (s *Service) Close() error                { return nil }

// Table is one in-memory table.
type Table struct {
	name    string
	service *Service

	mu      sync.Mutex
	created bool
	rows    map[string]tables.Entity

	// CreateErr, GetErr, UpsertErr and DeleteErr are returned by the matching
	// operation when set.
	CreateErr error
	GetErr    error
	UpsertErr error
	DeleteErr error
}

func rowID(pk, rk string) string { return pk + "\x00" + rk }

func (t *Table) Name() string { return t.name }

func (t *Table) CreateIfNotExists(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.CreateErr != nil {
		return t.CreateErr
	}
	t.created = true
	return nil
}

// Created reports whether CreateIfNotExists has succeeded.
func (t *Table) Created() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.created
}

func (t *Table) GetEntity(_ context.Context, pk, rk string) (*tables.Entity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.GetErr != nil {
		return nil, t.GetErr
	}
	e, ok := t.rows[rowID(pk, rk)]
	if !ok {
		return nil, tables.ErrEntityNotFound
	}
	return &e, nil
}

func (t *Table) UpsertEntity(_ context.Context, e tables.Entity) error {
	etag := t.service.nextETag()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.UpsertErr != nil {
		return t.UpsertErr
	}
	e.ETag = etag
	t.rows[rowID(e.PartitionKey, e.RowKey)] = e
	return nil
}

func (t *Table) DeleteEntity(_ context.Context, pk, rk, etag string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.DeleteErr != nil {
		return t.DeleteErr
	}
	id := rowID(pk, rk)
	e, ok := t.rows[id]
	if !ok {
		return tables.ErrEntityNotFound
	}
	if etag != "" && etag != e.ETag {
		return tables.ErrConditionNotMet
	}
	delete(t.rows, id)
	return nil
}

// Rows returns a snapshot of every row.
func (t *Table) Rows() []tables.Entity {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]tables.Entity, 0, len(t.rows))
	for _, e := range t.rows {
		out = append(out, e)
	}
	return out
}

// Put writes a row verbatim, bypassing ETag assignment.
func (t *Table) Put(e tables.Entity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[rowID(e.PartitionKey, e.RowKey)] = e
}

var _ tables.Service = (*Service)(nil)
