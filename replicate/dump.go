package replicate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/segmentio/encoding/json"
	log "github.com/sirupsen/logrus"

	"github.com/colrep/colrep/model"
	"github.com/colrep/colrep/tablestore"
)

// dumper writes batches which failed to apply to the destination out to
// newline-delimited JSON files for later inspection. Dump failures are
// logged but never propagated, since the dump is a best-effort side
// channel of an already-failing write path.
type dumper struct {
	dir    string
	logger *log.Entry
}

func (d *dumper) dump(id tablestore.Ident, batch *model.Batch) {
	if d.dir == "" {
		return
	}
	var path = filepath.Join(d.dir, fmt.Sprintf("%s.%s_error_sample.json", id.Namespace, id.Name))
	if err := d.write(path, batch); err != nil {
		d.logger.WithFields(log.Fields{"path": path, "error": err}).Warn("failed to dump batch")
		return
	}
	d.logger.WithFields(log.Fields{"path": path, "rows": batch.Len()}).Info("dumped failed batch")
}

func (d *dumper) write(path string, batch *model.Batch) error {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return err
	}
	var f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var enc = json.NewEncoder(f)
	for _, row := range batch.Rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}
