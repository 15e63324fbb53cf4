package replicate

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/colrep/colrep/model"
	"github.com/colrep/colrep/tablestore"
)

// tableWriter applies extracted batches to one destination table. Write
// failures are contained: the failing batch is dumped to the side
// channel and the stream continues, so one bad batch never aborts the
// rest of a table (or a run).
type tableWriter struct {
	store  tablestore.Store
	id     tablestore.Ident
	table  *model.Table
	mode   writeMode
	dumper *dumper
	logger *log.Entry

	handle  tablestore.Table
	wrote   bool // at least one batch applied
	failed  bool // at least one batch failed to apply
	written int64
}

func newTableWriter(store tablestore.Store, t *model.Table, dumper *dumper, logger *log.Entry) (*tableWriter, error) {
	var mode, err = modeFor(t.Target)
	if err != nil {
		return nil, err
	}
	return &tableWriter{
		store:  store,
		id:     tablestore.Ident{Namespace: t.Target.Namespace, Name: t.Target.Name},
		table:  t,
		mode:   mode,
		dumper: dumper,
		logger: logger,
	}, nil
}

// prepare readies the destination table before the first batch. All
// modes create the table if it is absent; replace mode drops any
// existing table first.
func (w *tableWriter) prepare(ctx context.Context) error {
	if w.mode.recreate() {
		if err := w.store.Drop(ctx, w.id); err != nil {
			return fmt.Errorf("dropping table %q for replacement: %w", w.id.String(), err)
		}
	}
	if err := w.store.Create(ctx, w.id, w.table.Schema); err != nil {
		if !errors.Is(err, tablestore.ErrTableExists) {
			return fmt.Errorf("creating table %q: %w", w.id.String(), err)
		}
		w.logger.WithField("table", w.id.String()).Debug("destination table already exists")
	} else {
		w.logger.WithField("table", w.id.String()).Info("created destination table")
	}

	var handle, err = w.store.Load(ctx, w.id)
	if err != nil {
		return fmt.Errorf("loading table %q: %w", w.id.String(), err)
	}
	w.handle = handle
	return nil
}

// write applies one batch. A nil return does not mean the batch was
// applied, only that the stream may continue; check failed for the
// final status. If the destination table vanished out from under us the
// write is retried once after recreating it.
func (w *tableWriter) write(ctx context.Context, batch *model.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	var err = w.mode.apply(ctx, w.handle, batch, !w.wrote)
	if errors.Is(err, tablestore.ErrTableNotFound) {
		w.logger.WithField("table", w.id.String()).Warn("destination table disappeared, recreating")
		if err = w.prepare(ctx); err != nil {
			return err
		}
		err = w.mode.apply(ctx, w.handle, batch, !w.wrote)
	}
	if err != nil {
		w.failed = true
		w.logger.WithFields(log.Fields{
			"table": w.id.String(),
			"rows":  batch.Len(),
			"error": err,
		}).Error("failed to write batch")
		w.dumper.dump(w.id, batch)
		return nil
	}
	w.wrote = true
	w.written += int64(batch.Len())
	return nil
}
