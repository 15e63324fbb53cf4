// Package tablestore defines the destination interface for replicated
// tables. A Store manages namespaced columnar tables keyed by Ident and
// hands out Table handles for writing row batches.
package tablestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/iceberg-go"

	"github.com/colrep/colrep/model"
)

var (
	// ErrTableExists is returned by Create when the target table is
	// already present in the store.
	ErrTableExists = errors.New("table already exists")
	// ErrTableNotFound is returned by Load and by Table writes when the
	// target table does not exist.
	ErrTableNotFound = errors.New("table not found")
)

// Ident identifies a table within a store.
type Ident struct {
	Namespace string
	Name      string
}

func (id Ident) String() string {
	return fmt.Sprintf("%s.%s", id.Namespace, id.Name)
}

// Store is a collection of columnar tables.
type Store interface {
	// Create makes a new table with the provided schema, creating the
	// namespace as needed. It returns ErrTableExists if the table is
	// already present.
	Create(ctx context.Context, id Ident, schema *iceberg.Schema) error
	// Drop removes a table. Dropping a table which does not exist is
	// not an error.
	Drop(ctx context.Context, id Ident) error
	// Load returns a handle for writing to an existing table, or
	// ErrTableNotFound.
	Load(ctx context.Context, id Ident) (Table, error)
	// Close releases any resources held by the store.
	Close() error
}

// Table is a writable handle on a single destination table.
type Table interface {
	// Append adds the rows of the batch to the table.
	Append(ctx context.Context, batch *model.Batch) error
	// Overwrite replaces the entire contents of the table with the rows
	// of the batch, atomically.
	Overwrite(ctx context.Context, batch *model.Batch) error
	// Merge deletes any existing rows whose key columns match a row of
	// the batch and then appends the batch, atomically.
	Merge(ctx context.Context, batch *model.Batch, keys []string) error
}
