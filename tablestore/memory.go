package tablestore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/apache/iceberg-go"

	"github.com/colrep/colrep/model"
)

// MemoryStore is an in-memory Store implementation. It is primarily
// useful for tests and for dry-running a replication config without a
// real destination.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[Ident]*memoryTable
}

type memoryTable struct {
	store  *MemoryStore
	id     Ident
	schema *iceberg.Schema
	rows   []map[string]any
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[Ident]*memoryTable)}
}

func (s *MemoryStore) Create(_ context.Context, id Ident, schema *iceberg.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[id]; ok {
		return fmt.Errorf("creating table %q: %w", id.String(), ErrTableExists)
	}
	s.tables[id] = &memoryTable{store: s, id: id, schema: schema}
	return nil
}

func (s *MemoryStore) Drop(_ context.Context, id Ident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, id)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id Ident) (Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tbl, ok = s.tables[id]
	if !ok {
		return nil, fmt.Errorf("loading table %q: %w", id.String(), ErrTableNotFound)
	}
	return tbl, nil
}

func (s *MemoryStore) Close() error { return nil }

// Rows returns a copy of the current contents of a table, or nil if the
// table does not exist.
func (s *MemoryStore) Rows(id Ident) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tbl, ok = s.tables[id]
	if !ok {
		return nil
	}
	return append([]map[string]any(nil), tbl.rows...)
}

func (t *memoryTable) guard() error {
	if _, ok := t.store.tables[t.id]; !ok {
		return fmt.Errorf("writing to table %q: %w", t.id.String(), ErrTableNotFound)
	}
	return nil
}

func (t *memoryTable) Append(_ context.Context, batch *model.Batch) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if err := t.guard(); err != nil {
		return err
	}
	t.rows = append(t.rows, batch.Rows...)
	return nil
}

func (t *memoryTable) Overwrite(_ context.Context, batch *model.Batch) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if err := t.guard(); err != nil {
		return err
	}
	t.rows = append([]map[string]any(nil), batch.Rows...)
	return nil
}

func (t *memoryTable) Merge(_ context.Context, batch *model.Batch, keys []string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if err := t.guard(); err != nil {
		return err
	}
	var incoming = make(map[string]struct{}, len(batch.Rows))
	for _, row := range batch.Rows {
		incoming[keyTuple(row, keys)] = struct{}{}
	}
	var kept = t.rows[:0]
	for _, row := range t.rows {
		if _, ok := incoming[keyTuple(row, keys)]; !ok {
			kept = append(kept, row)
		}
	}
	t.rows = append(kept, batch.Rows...)
	return nil
}

func keyTuple(row map[string]any, keys []string) string {
	var parts = make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%v", row[k])
	}
	return strings.Join(parts, "\x00")
}
