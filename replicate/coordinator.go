// Package replicate drives the table-by-table replication run: it
// extracts row batches from the source, applies them to the destination
// store under the table's access mode, and advances incremental cursors
// once a table's stream completes cleanly.
package replicate

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/colrep/colrep/model"
	"github.com/colrep/colrep/source"
	"github.com/colrep/colrep/tablestore"
)

// TableStatus summarizes the outcome of replicating one table.
type TableStatus string

const (
	// StatusReplicated means every extracted batch was applied.
	StatusReplicated = TableStatus("REPLICATED")
	// StatusPartial means the stream completed but one or more batches
	// failed to apply and were dumped instead.
	StatusPartial = TableStatus("PARTIAL")
	// StatusFailed means the table could not be replicated at all.
	StatusFailed = TableStatus("FAILED")
	// StatusSkipped means the table is read-only and extraction was
	// never attempted.
	StatusSkipped = TableStatus("SKIPPED")
)

// StateStore persists incremental cursor positions across runs.
type StateStore interface {
	// SetCursor records a new cursor value for the named source table.
	// It reports whether the table was known to the state store.
	SetCursor(namespace, name string, value any) bool
	// Save persists all recorded cursor values.
	Save() error
}

// TableResult reports the outcome for one table of a run.
type TableResult struct {
	Table   string
	Status  TableStatus
	Rows    int64
	Written int64
	Err     error
}

// RunResult aggregates the per-table outcomes of a run.
type RunResult struct {
	Tables []TableResult
}

// Failed reports whether any table of the run ended in StatusFailed.
func (r *RunResult) Failed() bool {
	for _, t := range r.Tables {
		if t.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Coordinator replicates a set of tables from a source into a store.
type Coordinator struct {
	Source  source.Source
	Store   tablestore.Store
	State   StateStore
	DumpDir string
	Logger  *log.Entry
}

// Run replicates the listed tables in order. Individual table failures
// are reported in the result rather than aborting the run. Cursor state
// is saved once at the end regardless of per-table outcomes.
func (c *Coordinator) Run(ctx context.Context, tables []*model.Table) (*RunResult, error) {
	var result = &RunResult{}
	for _, t := range tables {
		var outcome = c.replicateTable(ctx, t)
		result.Tables = append(result.Tables, outcome)

		var logger = c.Logger.WithFields(log.Fields{
			"table":   t.Ident(),
			"status":  outcome.Status,
			"rows":    outcome.Rows,
			"written": outcome.Written,
		})
		switch outcome.Status {
		case StatusFailed:
			logger.WithField("error", outcome.Err).Error("table replication failed")
		case StatusPartial:
			logger.Warn("table replicated with failed batches")
		default:
			logger.Info("table replicated")
		}

		if ctx.Err() != nil {
			break
		}
	}

	if err := c.State.Save(); err != nil {
		return result, fmt.Errorf("saving cursor state: %w", err)
	}
	return result, nil
}

func (c *Coordinator) replicateTable(ctx context.Context, t *model.Table) TableResult {
	var res = TableResult{Table: t.Ident()}

	if t.Target.Mode == model.ModeReadOnly {
		res.Status = StatusSkipped
		return res
	}

	if err := c.Source.Resolve(ctx, t); err != nil {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("resolving table %q: %w", t.Ident(), err)
		return res
	}

	var writer, err = newTableWriter(c.Store, t, &dumper{dir: c.DumpDir, logger: c.Logger}, c.Logger)
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		return res
	}
	if err := writer.prepare(ctx); err != nil {
		res.Status = StatusFailed
		res.Err = err
		return res
	}

	ext, err := c.Source.Extract(ctx, t)
	if err != nil {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("extracting table %q: %w", t.Ident(), err)
		return res
	}
	defer ext.Close()
	res.Rows = ext.RowCount()

	// Extraction and writing are pipelined: the source keeps fetching
	// the next batch while the previous one is applied.
	var batches = make(chan *model.Batch)
	var group, groupCtx = errgroup.WithContext(ctx)
	group.Go(func() error {
		defer close(batches)
		for {
			var batch, err = ext.Next(groupCtx)
			if err != nil {
				return err
			} else if batch == nil {
				return nil
			}
			select {
			case batches <- batch:
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
		}
	})
	group.Go(func() error {
		for batch := range batches {
			if err := writer.write(groupCtx, batch); err != nil {
				return err
			}
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("replicating table %q: %w", t.Ident(), err)
		res.Written = writer.written
		return res
	}
	res.Written = writer.written

	if writer.failed {
		res.Status = StatusPartial
		return res
	}
	res.Status = StatusReplicated

	// The cursor only advances after an error-free pass, so a
	// subsequent run can re-read rows but never skip them.
	if t.Incremental() {
		if value := ext.CursorValue(); value != nil {
			if !c.State.SetCursor(t.Namespace, t.Name, value) {
				c.Logger.WithField("table", t.Ident()).Warn("cursor state has no entry for table")
			}
		}
	}
	return res
}
