// Package source defines the capability set a replication source must
// implement: schema resolution, query building and batch extraction.
// Source-kind specific implementations live in subpackages.
package source

import (
	"context"

	"github.com/colrep/colrep/model"
)

// Extraction is a finite, non-restartable stream of row batches from one
// table. A fresh extraction requires a fresh call to Source.Extract.
type Extraction interface {
	// Next returns the next batch, or (nil, nil) once the stream is
	// exhausted. Batches already returned are never retracted, even if a
	// later call fails.
	Next(ctx context.Context) (*model.Batch, error)

	// Close releases the underlying statement and transaction. It is safe to
	// call after exhaustion or after an error.
	Close() error

	// RowCount is the number of matching rows counted by the pre-scan query.
	RowCount() int64

	// CursorValue is the high-water mark computed by the pre-scan query, to
	// which the table's cursor may be advanced after a clean stream. It is
	// nil for non-incremental tables and when no rows matched.
	CursorValue() any
}

// Source is a replication source holding one connection for the life of a run.
type Source interface {
	// Name identifies the source for logging, e.g. "host:port/database".
	Name() string

	// Resolve expands the table's requested columns against the source's
	// metadata catalog, rewrites column expressions, derives the canonical
	// schema and computes the cursor predicate for incremental tables.
	Resolve(ctx context.Context, table *model.Table) error

	// Extract runs the pre-scan and opens a streaming cursor over the
	// table's extraction query.
	Extract(ctx context.Context, table *model.Table) (Extraction, error)

	Close() error
}
