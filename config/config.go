// Package config loads and persists the replication run configuration.
// The document is a single JSON file; the only mutation this program
// ever makes to it is advancing incremental cursor values at run end,
// and the rewrite is atomic so a crash can only leave a cursor at its
// pre-run value.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/segmentio/encoding/json"

	"github.com/colrep/colrep/model"
	"github.com/colrep/colrep/source/postgres"
)

// SourceTypePostgres is the only source kind discriminator this program
// understands.
const SourceTypePostgres = "postgres"

// DestinationKind selects the destination table-store implementation.
type DestinationKind string

const (
	DestinationDuckDB = DestinationKind("duckdb")
	DestinationMemory = DestinationKind("memory")
)

// Document is the full run configuration.
type Document struct {
	Type        string          `json:"type" jsonschema:"title=Source Type,description=Source kind discriminator. Must be \"postgres\".,enum=postgres"`
	Database    postgres.Config `json:"database" jsonschema:"title=Database,description=Source database connection parameters."`
	Destination Destination     `json:"destination" jsonschema:"title=Destination,description=Destination table store."`
	DumpDir     string          `json:"dump_dir,omitempty" jsonschema:"title=Dump Directory,description=Directory for failed-batch dump artifacts. Defaults to \"debug\".,default=debug"`
	Tables      []*TableSpec    `json:"tables" jsonschema:"title=Tables,description=Tables to replicate, in order."`

	path string
}

// Destination selects and parameterizes the destination table store.
type Destination struct {
	Kind DestinationKind `json:"kind" jsonschema:"title=Kind,description=Table store implementation.,enum=duckdb,enum=memory"`
	Path string          `json:"path,omitempty" jsonschema:"title=Path,description=Database file path for the duckdb store. An empty path opens an in-memory DuckDB database."`
}

// TableSpec describes one table to replicate.
type TableSpec struct {
	Namespace string      `json:"namespace" jsonschema:"title=Namespace,description=Source schema of the table."`
	Name      string      `json:"name" jsonschema:"title=Name,description=Source table name."`
	Columns   string      `json:"columns,omitempty" jsonschema:"title=Columns,description=Comma-separated column list. Omit to replicate all columns."`
	FilterExp string      `json:"filter_exp,omitempty" jsonschema:"title=Filter,description=SQL predicate restricting the rows replicated."`
	Cursor    *CursorSpec `json:"cursor,omitempty" jsonschema:"title=Cursor,description=Incremental extraction cursor. Omit for full loads."`
	BatchSize int         `json:"batch_size,omitempty" jsonschema:"title=Batch Size,description=Rows fetched per batch. Defaults to 10000.,default=10000"`
	Target    TargetSpec  `json:"target" jsonschema:"title=Target,description=Destination table and write mode."`
}

// CursorSpec describes an incremental cursor predicate. Value is kept
// as decoded (json.Number for numerics) so large integer cursors
// round-trip through the document without loss.
type CursorSpec struct {
	Field    string `json:"field" jsonschema:"title=Field,description=Cursor column. The pseudo-column \"xid\" orders by transaction id."`
	Operator string `json:"operator" jsonschema:"title=Operator,description=Comparison operator, e.g. \">\" or \">=\"."`
	Value    any    `json:"value" jsonschema:"title=Value,description=Current high-water mark. Advanced automatically after each successful run."`
}

// TargetSpec describes the destination side of a table spec.
type TargetSpec struct {
	Namespace  string   `json:"namespace" jsonschema:"title=Namespace,description=Destination namespace (schema)."`
	Name       string   `json:"name,omitempty" jsonschema:"title=Name,description=Destination table name. Defaults to the source table name."`
	AccessMode string   `json:"access_mode,omitempty" jsonschema:"title=Access Mode,description=One of readonly, append, upsert, overwrite, replace. Defaults to overwrite."`
	Key        []string `json:"key,omitempty" jsonschema:"title=Key,description=Key columns for upsert mode."`
}

// Load reads and validates the configuration document at path.
func Load(path string) (*Document, error) {
	var data, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var doc = &Document{path: path}
	var dec = json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(doc); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %q: %w", path, err)
	}
	doc.SetDefaults()
	return doc, nil
}

// Validate checks the document for fatal configuration errors.
func (d *Document) Validate() error {
	if d.Type != SourceTypePostgres {
		return fmt.Errorf("unsupported source type %q", d.Type)
	}
	if err := d.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	switch d.Destination.Kind {
	case DestinationDuckDB, DestinationMemory:
	default:
		return fmt.Errorf("unsupported destination kind %q", d.Destination.Kind)
	}
	if len(d.Tables) == 0 {
		return fmt.Errorf("no tables configured")
	}
	for _, spec := range d.Tables {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("table %q: %w", spec.Namespace+"."+spec.Name, err)
		}
	}
	return nil
}

// SetDefaults fills in optional parameters across the document.
func (d *Document) SetDefaults() {
	d.Database.SetDefaults()
	if d.DumpDir == "" {
		d.DumpDir = "debug"
	}
}

func (s *TableSpec) Validate() error {
	if s.Namespace == "" {
		return fmt.Errorf("missing 'namespace'")
	}
	if s.Name == "" {
		return fmt.Errorf("missing 'name'")
	}
	if s.Cursor != nil {
		if s.Cursor.Field == "" || s.Cursor.Operator == "" {
			return fmt.Errorf("cursor requires 'field' and 'operator'")
		}
		if s.Cursor.Value == nil {
			return fmt.Errorf("cursor requires a 'value'")
		}
	}
	if s.Target.Namespace == "" {
		return fmt.Errorf("target requires a 'namespace'")
	}
	if s.Target.AccessMode != "" {
		var mode, err = model.ParseAccessMode(s.Target.AccessMode)
		if err != nil {
			return err
		}
		if mode == model.ModeUpsert && len(s.Target.Key) == 0 {
			return fmt.Errorf("upsert mode requires at least one 'key' column")
		}
	}
	return nil
}

// Table resolves the spec into the model used by the replication run.
func (s *TableSpec) Table() (*model.Table, error) {
	var t = &model.Table{
		Namespace: strings.TrimSpace(s.Namespace),
		Name:      strings.TrimSpace(s.Name),
		Filter:    strings.TrimSpace(s.FilterExp),
		BatchSize: s.BatchSize,
	}

	if s.Columns == "" {
		t.Columns = []model.Column{{Expr: "*"}}
	} else {
		for _, col := range strings.Split(s.Columns, ",") {
			t.Columns = append(t.Columns, model.Column{Expr: strings.TrimSpace(col)})
		}
	}

	if s.Cursor != nil {
		t.Cursor = &model.Cursor{
			Field:    s.Cursor.Field,
			Operator: s.Cursor.Operator,
			Value:    s.Cursor.Value,
		}
	}

	t.Target = model.Target{
		Namespace: s.Target.Namespace,
		Name:      s.Target.Name,
		Keys:      s.Target.Key,
		Mode:      model.ModeOverwrite,
	}
	if t.Target.Name == "" {
		t.Target.Name = t.Name
	}
	if s.Target.AccessMode != "" {
		var mode, err = model.ParseAccessMode(s.Target.AccessMode)
		if err != nil {
			return nil, err
		}
		t.Target.Mode = mode
	}
	return t, nil
}

// SetCursor records a new cursor value for the named table. It reports
// whether a matching incremental table spec was found.
func (d *Document) SetCursor(namespace, name string, value any) bool {
	for _, spec := range d.Tables {
		if spec.Namespace == namespace && spec.Name == name && spec.Cursor != nil {
			spec.Cursor.Value = value
			return true
		}
	}
	return false
}

// Save atomically rewrites the configuration document in place,
// preserving the advanced cursor values for the next run.
func (d *Document) Save() error {
	var data, err = json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	data = append(data, '\n')

	var tmp = d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing config file %q: %w", d.path, err)
	}
	return nil
}

// Path returns the file the document was loaded from.
func (d *Document) Path() string { return d.path }

// DumpPath returns the failed-batch dump directory, resolved relative
// to the config file's directory when not absolute.
func (d *Document) DumpPath() string {
	if filepath.IsAbs(d.DumpDir) {
		return d.DumpDir
	}
	return filepath.Join(filepath.Dir(d.path), d.DumpDir)
}
