// Package duckdb implements tablestore.Store on top of a DuckDB
// database file. Replicated tables land as native DuckDB tables, one
// schema per source namespace.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/apache/iceberg-go"
	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/colrep/colrep/model"
	"github.com/colrep/colrep/tablestore"
)

// Store is a DuckDB-backed tablestore.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the DuckDB database at path. An
// empty path opens an in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	var db, err = sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("opening duckdb database %q: %w", path, err)
	} else if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening duckdb database %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) exists(ctx context.Context, id tablestore.Ident) (bool, error) {
	var count int
	var err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = ? AND table_name = ?",
		id.Namespace, id.Name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking for table %q: %w", id.String(), err)
	}
	return count > 0, nil
}

func (s *Store) Create(ctx context.Context, id tablestore.Ident, schema *iceberg.Schema) error {
	if exists, err := s.exists(ctx, id); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("creating table %q: %w", id.String(), tablestore.ErrTableExists)
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdentifier(id.Namespace))); err != nil {
		return fmt.Errorf("creating schema %q: %w", id.Namespace, err)
	}
	if _, err := s.db.ExecContext(ctx, createTableStatement(id, schema)); err != nil {
		return fmt.Errorf("creating table %q: %w", id.String(), err)
	}
	return nil
}

func (s *Store) Drop(ctx context.Context, id tablestore.Ident) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", qualifiedName(id))); err != nil {
		return fmt.Errorf("dropping table %q: %w", id.String(), err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id tablestore.Ident) (tablestore.Table, error) {
	if exists, err := s.exists(ctx, id); err != nil {
		return nil, err
	} else if !exists {
		return nil, fmt.Errorf("loading table %q: %w", id.String(), tablestore.ErrTableNotFound)
	}
	return &table{store: s, id: id}, nil
}

type table struct {
	store *Store
	id    tablestore.Ident
}

// insertChunkRows bounds the number of rows per INSERT statement so the
// placeholder count stays manageable.
const insertChunkRows = 500

func (t *table) Append(ctx context.Context, batch *model.Batch) error {
	return t.reclassify(ctx, t.insert(ctx, t.store.db, batch))
}

func (t *table) Overwrite(ctx context.Context, batch *model.Batch) error {
	return t.reclassify(ctx, t.inTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", qualifiedName(t.id))); err != nil {
			return fmt.Errorf("clearing table %q: %w", t.id.String(), err)
		}
		return t.insert(ctx, tx, batch)
	}))
}

func (t *table) Merge(ctx context.Context, batch *model.Batch, keys []string) error {
	return t.reclassify(ctx, t.inTransaction(ctx, func(tx *sql.Tx) error {
		if err := t.deleteMatching(ctx, tx, batch, keys); err != nil {
			return err
		}
		return t.insert(ctx, tx, batch)
	}))
}

// reclassify maps a failed write against a table which has been dropped since
// the handle was loaded onto ErrTableNotFound, so callers can distinguish a
// vanished table from a genuine write failure.
func (t *table) reclassify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if exists, checkErr := t.store.exists(ctx, t.id); checkErr == nil && !exists {
		return fmt.Errorf("writing to table %q: %w", t.id.String(), tablestore.ErrTableNotFound)
	}
	return err
}

func (t *table) inTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var tx, err = t.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction on %q: %w", t.id.String(), err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction on %q: %w", t.id.String(), err)
	}
	return nil
}

// execer lets insert and deleteMatching run either directly against the
// database or inside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (t *table) insert(ctx context.Context, db execer, batch *model.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	var fields = batch.Schema.Fields()
	var names = make([]string, len(fields))
	for i, f := range fields {
		names[i] = quoteIdentifier(f.Name)
	}
	var rowPlaceholder = "(" + strings.TrimSuffix(strings.Repeat("?,", len(fields)), ",") + ")"

	for start := 0; start < batch.Len(); start += insertChunkRows {
		var end = start + insertChunkRows
		if end > batch.Len() {
			end = batch.Len()
		}
		var chunk = batch.Rows[start:end]

		var placeholders = make([]string, len(chunk))
		var args = make([]any, 0, len(chunk)*len(fields))
		for i, row := range chunk {
			placeholders[i] = rowPlaceholder
			for _, f := range fields {
				args = append(args, row[f.Name])
			}
		}
		var stmt = fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
			qualifiedName(t.id), strings.Join(names, ", "), strings.Join(placeholders, ", "))
		if _, err := db.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("inserting %d rows into %q: %w", len(chunk), t.id.String(), err)
		}
	}
	return nil
}

func (t *table) deleteMatching(ctx context.Context, db execer, batch *model.Batch, keys []string) error {
	if batch.Len() == 0 || len(keys) == 0 {
		return nil
	}
	var names = make([]string, len(keys))
	for i, k := range keys {
		names[i] = quoteIdentifier(k)
	}
	var tuplePlaceholder = "(" + strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",") + ")"

	for start := 0; start < batch.Len(); start += insertChunkRows {
		var end = start + insertChunkRows
		if end > batch.Len() {
			end = batch.Len()
		}
		var chunk = batch.Rows[start:end]

		var placeholders = make([]string, len(chunk))
		var args = make([]any, 0, len(chunk)*len(keys))
		for i, row := range chunk {
			placeholders[i] = tuplePlaceholder
			for _, k := range keys {
				args = append(args, row[k])
			}
		}
		var stmt = fmt.Sprintf("DELETE FROM %s WHERE (%s) IN (%s)",
			qualifiedName(t.id), strings.Join(names, ", "), strings.Join(placeholders, ", "))
		if _, err := db.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("deleting matched rows from %q: %w", t.id.String(), err)
		}
	}
	return nil
}
