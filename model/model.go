// Package model holds the canonical representations of a replicable table,
// its destination counterpart, and the row batches which flow between them.
package model

import (
	"fmt"
	"strings"

	"github.com/apache/iceberg-go"
)

// DefaultBatchSize is the number of rows fetched per chunk when a table spec
// does not override it.
const DefaultBatchSize = 10000

// AccessMode is the write strategy applied to a destination table.
type AccessMode string

const (
	ModeReadOnly  = AccessMode("readonly")
	ModeAppend    = AccessMode("append")
	ModeUpsert    = AccessMode("upsert")
	ModeOverwrite = AccessMode("overwrite")
	ModeReplace   = AccessMode("replace")
)

// ParseAccessMode maps a configuration string onto an AccessMode.
func ParseAccessMode(s string) (AccessMode, error) {
	var mode = AccessMode(strings.ToLower(strings.TrimSpace(s)))
	switch mode {
	case ModeReadOnly, ModeAppend, ModeUpsert, ModeOverwrite, ModeReplace:
		return mode, nil
	}
	return "", fmt.Errorf("invalid access mode %q", s)
}

// Column is a single resolved projection of the source table: the expression
// to select (possibly a cast rewrite such as `"x"::text AS "x"`) and the
// source type name it was resolved from.
type Column struct {
	Expr       string
	SourceType string
}

// Cursor describes the incremental-loading predicate of a table: rows with
// `Field Operator Value` are extracted on the next run.
type Cursor struct {
	Field    string
	Operator string
	Value    any
}

// Target identifies the destination table and how batches are written to it.
type Target struct {
	Namespace string
	Name      string
	Mode      AccessMode
	Keys      []string // Merge key columns, required for ModeUpsert.
}

// Table is a replicable table after (or in the process of) schema resolution.
// The Columns, CursorExpr and Schema fields are populated by the source's
// schema introspection and are read-only for the rest of the run.
type Table struct {
	Namespace string
	Name      string

	Columns    []Column
	Filter     string
	Cursor     *Cursor
	CursorExpr string
	BatchSize  int

	Target Target

	// Schema is the canonical columnar schema of the table, derived 1:1 from
	// Columns via the source's type mapping table.
	Schema *iceberg.Schema
}

// Ident returns the `namespace.name` identity of the source table.
func (t *Table) Ident() string {
	return t.Namespace + "." + t.Name
}

// Incremental reports whether the table uses cursor-based incremental loading.
func (t *Table) Incremental() bool {
	return t.Cursor != nil
}

// Wildcard reports whether the requested column list still contains a `*`
// marker which schema resolution must expand.
func (t *Table) Wildcard() bool {
	for _, col := range t.Columns {
		if col.Expr == "*" {
			return true
		}
	}
	return false
}

// Batch is a bounded, ordered chunk of rows bound to a canonical schema. Rows
// map canonical field names to values decoded positionally from the source.
type Batch struct {
	Schema *iceberg.Schema
	Rows   []map[string]any
}

// Len returns the number of rows in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}
