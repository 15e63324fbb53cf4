package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/colrep/colrep/model"
	"github.com/colrep/colrep/source"
)

// Name of the server-side cursor used for streaming extraction. The cursor is
// scoped to its transaction, so a fixed name is fine for a sequential run.
const streamCursorName = "colrep_stream"

// Extract runs the pre-scan count query and then opens a server-side cursor
// over the extraction statement. The returned stream yields batches of at
// most the table's configured batch size, decoded positionally against the
// table's canonical schema.
func (s *Source) Extract(ctx context.Context, t *model.Table) (source.Extraction, error) {
	var logger = s.logger.WithField("table", t.Ident())

	var query, err = source.BuildQuery(t)
	if err != nil {
		return nil, err
	}

	count, cursorValue, err := s.prescan(ctx, t)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"rows":   count,
		"target": cursorValue,
	}).Info("pre-scanned table")

	var ext = &extraction{
		table:       t,
		rowCount:    count,
		cursorValue: cursorValue,
		batchSize:   t.BatchSize,
		logger:      logger,
	}
	if ext.batchSize <= 0 {
		ext.batchSize = model.DefaultBatchSize
	}
	if count == 0 {
		// Nothing matched: the stream is empty and no cursor update is
		// proposed, without ever opening a transaction.
		ext.done = true
		return ext, nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("error beginning extraction transaction for %s: %w", t.Ident(), err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DECLARE %s NO SCROLL CURSOR FOR %s", streamCursorName, query)); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("error declaring extraction cursor for %s: %w", t.Ident(), err)
	}
	logger.WithField("query", query).Debug("opened extraction cursor")

	ext.tx = tx
	return ext, nil
}

type extraction struct {
	table       *model.Table
	tx          *sql.Tx
	rowCount    int64
	cursorValue any
	batchSize   int
	done        bool
	logger      *logrus.Entry
}

func (e *extraction) RowCount() int64  { return e.rowCount }
func (e *extraction) CursorValue() any { return e.cursorValue }

// Next fetches the next chunk from the server-side cursor. It returns
// (nil, nil) on clean exhaustion; any error closes the stream.
func (e *extraction) Next(ctx context.Context) (*model.Batch, error) {
	if e.done {
		return nil, nil
	}

	var batch, err = e.fetch(ctx)
	if err != nil {
		e.release()
		return nil, fmt.Errorf("error streaming %s: %w", e.table.Ident(), err)
	}
	if batch == nil {
		e.release()
		return nil, nil
	}
	return batch, nil
}

func (e *extraction) fetch(ctx context.Context) (*model.Batch, error) {
	rows, err := e.tx.QueryContext(ctx, fmt.Sprintf("FETCH FORWARD %d FROM %s", e.batchSize, streamCursorName))
	if err != nil {
		return nil, fmt.Errorf("error fetching from cursor: %w", err)
	}
	defer rows.Close()

	var fields = e.table.Schema.Fields()
	var batch = &model.Batch{Schema: e.table.Schema}

	var values = make([]any, len(fields))
	var pointers = make([]any, len(values))
	for i := range pointers {
		pointers[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("error scanning result row: %w", err)
		}
		// Field values are taken positionally by catalog order; types were
		// fixed at schema-resolution time, not re-derived per row.
		var row = make(map[string]any, len(fields))
		for idx, field := range fields {
			row[field.Name] = translateValue(values[idx])
		}
		batch.Rows = append(batch.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading cursor results: %w", err)
	}

	if len(batch.Rows) == 0 {
		return nil, nil
	}
	return batch, nil
}

// release closes the cursor's transaction exactly once, on both clean
// exhaustion and error exit.
func (e *extraction) release() {
	e.done = true
	if e.tx == nil {
		return
	}
	if err := e.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		e.logger.WithError(err).Warn("failed to release extraction cursor")
	}
	e.tx = nil
}

// Close releases the stream. Safe to call at any point.
func (e *extraction) Close() error {
	e.release()
	return nil
}

// translateValue normalizes driver values for canonical batches: byte slices
// become strings (every cast rewrite already produces text on the wire).
func translateValue(val any) any {
	if b, ok := val.([]byte); ok {
		return string(b)
	}
	return val
}
