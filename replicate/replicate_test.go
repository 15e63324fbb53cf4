package replicate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/iceberg-go"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/colrep/colrep/model"
	"github.com/colrep/colrep/source"
	"github.com/colrep/colrep/tablestore"
)

// fakeSource serves a fixed set of rows for any table, split into
// batches of the table's batch size.
type fakeSource struct {
	rows        []map[string]any
	cursorValue any
	extractErr  error
}

func (s *fakeSource) Name() string { return "fake" }
func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) Resolve(_ context.Context, t *model.Table) error {
	t.Schema = iceberg.NewSchemaWithIdentifiers(0, []int{1},
		iceberg.NestedField{ID: 1, Name: "id", Type: iceberg.Int64Type{}, Required: true},
		iceberg.NestedField{ID: 2, Name: "data", Type: iceberg.StringType{}},
	)
	return nil
}

func (s *fakeSource) Extract(_ context.Context, t *model.Table) (source.Extraction, error) {
	if s.extractErr != nil {
		return nil, s.extractErr
	}
	var size = t.BatchSize
	if size <= 0 {
		size = model.DefaultBatchSize
	}
	return &fakeExtraction{source: s, schema: t.Schema, size: size}, nil
}

type fakeExtraction struct {
	source *fakeSource
	schema *iceberg.Schema
	size   int
	offset int
}

func (e *fakeExtraction) Next(context.Context) (*model.Batch, error) {
	if e.offset >= len(e.source.rows) {
		return nil, nil
	}
	var end = e.offset + e.size
	if end > len(e.source.rows) {
		end = len(e.source.rows)
	}
	var batch = &model.Batch{Schema: e.schema, Rows: e.source.rows[e.offset:end]}
	e.offset = end
	return batch, nil
}

func (e *fakeExtraction) Close() error { return nil }

func (e *fakeExtraction) RowCount() int64 { return int64(len(e.source.rows)) }

func (e *fakeExtraction) CursorValue() any { return e.source.cursorValue }

// recordingStore wraps a MemoryStore and records the sequence of write
// operations, optionally failing specific writes or dropping the table out
// from under the writer after a chosen write.
type recordingStore struct {
	*tablestore.MemoryStore
	ops           []string
	failOnOp      map[int]error // 1-based index into the write sequence
	vanishAfterOp int           // drop the written table after this write
	writes        int
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: tablestore.NewMemoryStore(), failOnOp: make(map[int]error)}
}

func (s *recordingStore) Create(ctx context.Context, id tablestore.Ident, schema *iceberg.Schema) error {
	s.ops = append(s.ops, "create "+id.String())
	return s.MemoryStore.Create(ctx, id, schema)
}

func (s *recordingStore) Drop(ctx context.Context, id tablestore.Ident) error {
	s.ops = append(s.ops, "drop "+id.String())
	return s.MemoryStore.Drop(ctx, id)
}

func (s *recordingStore) Load(ctx context.Context, id tablestore.Ident) (tablestore.Table, error) {
	var inner, err = s.MemoryStore.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &recordingTable{store: s, id: id, inner: inner}, nil
}

type recordingTable struct {
	store *recordingStore
	id    tablestore.Ident
	inner tablestore.Table
}

func (t *recordingTable) record(op string, rows int) error {
	t.store.writes++
	t.store.ops = append(t.store.ops, fmt.Sprintf("%s %d", op, rows))
	return t.store.failOnOp[t.store.writes]
}

// vanish drops the table after a configured write has been applied, so the
// next write observes a missing table.
func (t *recordingTable) vanish(ctx context.Context) {
	if t.store.vanishAfterOp == t.store.writes {
		t.store.MemoryStore.Drop(ctx, t.id)
	}
}

func (t *recordingTable) Append(ctx context.Context, b *model.Batch) error {
	if err := t.record("append", b.Len()); err != nil {
		return err
	}
	if err := t.inner.Append(ctx, b); err != nil {
		return err
	}
	t.vanish(ctx)
	return nil
}

func (t *recordingTable) Overwrite(ctx context.Context, b *model.Batch) error {
	if err := t.record("overwrite", b.Len()); err != nil {
		return err
	}
	if err := t.inner.Overwrite(ctx, b); err != nil {
		return err
	}
	t.vanish(ctx)
	return nil
}

func (t *recordingTable) Merge(ctx context.Context, b *model.Batch, keys []string) error {
	if err := t.record("merge", b.Len()); err != nil {
		return err
	}
	if err := t.inner.Merge(ctx, b, keys); err != nil {
		return err
	}
	t.vanish(ctx)
	return nil
}

type fakeState struct {
	cursors map[string]any
	saved   bool
}

func newFakeState() *fakeState { return &fakeState{cursors: make(map[string]any)} }

func (s *fakeState) SetCursor(namespace, name string, value any) bool {
	s.cursors[namespace+"."+name] = value
	return true
}

func (s *fakeState) Save() error {
	s.saved = true
	return nil
}

func testRows(n int) []map[string]any {
	var rows []map[string]any
	for i := 0; i < n; i++ {
		rows = append(rows, map[string]any{"id": int64(i + 1), "data": fmt.Sprintf("row %d", i+1)})
	}
	return rows
}

func testLogger() *log.Entry {
	var logger = log.New()
	logger.SetOutput(io.Discard)
	return log.NewEntry(logger)
}

func testTable(mode model.AccessMode) *model.Table {
	return &model.Table{
		Namespace: "public",
		Name:      "users",
		Columns:   []model.Column{{Expr: "*"}},
		BatchSize: 3,
		Target:    model.Target{Namespace: "analytics", Name: "users", Mode: mode},
	}
}

func runOne(t *testing.T, src *fakeSource, store *recordingStore, tbl *model.Table) (*RunResult, *fakeState) {
	t.Helper()
	var state = newFakeState()
	var coord = &Coordinator{Source: src, Store: store, State: state, DumpDir: t.TempDir(), Logger: testLogger()}
	var result, err = coord.Run(context.Background(), []*model.Table{tbl})
	require.NoError(t, err)
	require.True(t, state.saved)
	return result, state
}

func TestOverwriteModeFirstBatchClears(t *testing.T) {
	var src = &fakeSource{rows: testRows(7)}
	var store = newRecordingStore()
	var result, _ = runOne(t, src, store, testTable(model.ModeOverwrite))

	require.Equal(t, StatusReplicated, result.Tables[0].Status)
	require.Equal(t, int64(7), result.Tables[0].Written)
	require.Equal(t, []string{"create analytics.users", "overwrite 3", "append 3", "append 1"}, store.ops)
	require.Len(t, store.Rows(tablestore.Ident{Namespace: "analytics", Name: "users"}), 7)
}

func TestAppendModeAppendsEveryBatch(t *testing.T) {
	var src = &fakeSource{rows: testRows(7)}
	var store = newRecordingStore()
	var result, _ = runOne(t, src, store, testTable(model.ModeAppend))

	require.Equal(t, StatusReplicated, result.Tables[0].Status)
	require.Equal(t, []string{"create analytics.users", "append 3", "append 3", "append 1"}, store.ops)
}

func TestReplaceModeDropsAndRecreates(t *testing.T) {
	var src = &fakeSource{rows: testRows(4)}
	var store = newRecordingStore()
	var id = tablestore.Ident{Namespace: "analytics", Name: "users"}
	require.NoError(t, store.MemoryStore.Create(context.Background(), id, nil))

	var result, _ = runOne(t, src, store, testTable(model.ModeReplace))
	require.Equal(t, StatusReplicated, result.Tables[0].Status)
	require.Equal(t, []string{"drop analytics.users", "create analytics.users", "append 3", "append 1"}, store.ops)
	require.Len(t, store.Rows(id), 4)
}

func TestUpsertModeMergesWithKeys(t *testing.T) {
	var src = &fakeSource{rows: testRows(4)}
	var store = newRecordingStore()
	var tbl = testTable(model.ModeUpsert)
	tbl.Target.Keys = []string{"id"}

	var result, _ = runOne(t, src, store, tbl)
	require.Equal(t, StatusReplicated, result.Tables[0].Status)
	require.Equal(t, []string{"create analytics.users", "merge 3", "merge 1"}, store.ops)
}

func TestUpsertModeRequiresKeys(t *testing.T) {
	var src = &fakeSource{rows: testRows(1)}
	var store = newRecordingStore()
	var result, _ = runOne(t, src, store, testTable(model.ModeUpsert))

	require.Equal(t, StatusFailed, result.Tables[0].Status)
	require.ErrorContains(t, result.Tables[0].Err, "requires at least one key")
}

func TestReadOnlyModeSkipsExtraction(t *testing.T) {
	var src = &fakeSource{extractErr: errors.New("extraction should not happen")}
	var store = newRecordingStore()
	var result, _ = runOne(t, src, store, testTable(model.ModeReadOnly))

	require.Equal(t, StatusSkipped, result.Tables[0].Status)
	require.Empty(t, store.ops)
}

func TestFailedBatchIsDumpedAndRunContinues(t *testing.T) {
	var src = &fakeSource{rows: testRows(7), cursorValue: int64(7)}
	var store = newRecordingStore()
	store.failOnOp[2] = errors.New("destination hiccup")

	var tbl = testTable(model.ModeAppend)
	tbl.Cursor = &model.Cursor{Field: "id", Operator: ">", Value: 0}
	var state = newFakeState()
	var dumpDir = t.TempDir()
	var coord = &Coordinator{Source: src, Store: store, State: state, DumpDir: dumpDir, Logger: testLogger()}
	var result, err = coord.Run(context.Background(), []*model.Table{tbl})
	require.NoError(t, err)

	require.Equal(t, StatusPartial, result.Tables[0].Status)
	require.Equal(t, int64(4), result.Tables[0].Written)
	// The batch after the failed one is still attempted.
	require.Equal(t, []string{"create analytics.users", "append 3", "append 3", "append 1"}, store.ops)

	// The failed batch lands in the dump file as one JSON object per row.
	var data, readErr = os.ReadFile(filepath.Join(dumpDir, "analytics.users_error_sample.json"))
	require.NoError(t, readErr)
	require.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 3)

	// A partial table must not advance its cursor.
	require.Empty(t, state.cursors)
}

func TestVanishedTableIsRecreatedAndWriteRetried(t *testing.T) {
	var src = &fakeSource{rows: testRows(7)}
	var store = newRecordingStore()
	// The destination table disappears after the first batch lands.
	store.vanishAfterOp = 1

	var state = newFakeState()
	var dumpDir = t.TempDir()
	var coord = &Coordinator{Source: src, Store: store, State: state, DumpDir: dumpDir, Logger: testLogger()}
	var result, err = coord.Run(context.Background(), []*model.Table{testTable(model.ModeAppend)})
	require.NoError(t, err)

	// The failed write recreates the table and is retried once, successfully.
	require.Equal(t, StatusReplicated, result.Tables[0].Status)
	require.Equal(t, int64(7), result.Tables[0].Written)
	require.Equal(t, []string{
		"create analytics.users",
		"append 3", // applied, then the table vanishes
		"append 3", // fails with a missing table
		"create analytics.users",
		"append 3", // the retry
		"append 1",
	}, store.ops)

	// A retried-and-successful batch never reaches the dump channel.
	_, statErr := os.Stat(filepath.Join(dumpDir, "analytics.users_error_sample.json"))
	require.True(t, os.IsNotExist(statErr))
}

func TestCursorAdvancesOnCleanRun(t *testing.T) {
	var src = &fakeSource{rows: testRows(5), cursorValue: int64(5)}
	var store = newRecordingStore()
	var tbl = testTable(model.ModeAppend)
	tbl.Cursor = &model.Cursor{Field: "id", Operator: ">", Value: 0}

	var result, state = runOne(t, src, store, tbl)
	require.Equal(t, StatusReplicated, result.Tables[0].Status)
	require.Equal(t, map[string]any{"public.users": int64(5)}, state.cursors)
}

func TestEmptyTableWritesNothing(t *testing.T) {
	var src = &fakeSource{rows: nil}
	var store = newRecordingStore()
	var result, _ = runOne(t, src, store, testTable(model.ModeOverwrite))

	require.Equal(t, StatusReplicated, result.Tables[0].Status)
	require.Equal(t, int64(0), result.Tables[0].Rows)
	require.Equal(t, []string{"create analytics.users"}, store.ops)
}

func TestExtractFailureFailsTableNotRun(t *testing.T) {
	var failing = &fakeSource{extractErr: errors.New("connection reset")}
	var store = newRecordingStore()
	var tbl = testTable(model.ModeAppend)
	var tbl2 = testTable(model.ModeAppend)
	tbl2.Name = "orders"
	tbl2.Target.Name = "orders"

	var state = newFakeState()
	var coord = &Coordinator{Source: failing, Store: store, State: state, DumpDir: t.TempDir(), Logger: testLogger()}
	var result, err = coord.Run(context.Background(), []*model.Table{tbl, tbl2})
	require.NoError(t, err)

	require.True(t, result.Failed())
	require.Equal(t, StatusFailed, result.Tables[0].Status)
	require.Equal(t, StatusFailed, result.Tables[1].Status)
	require.True(t, state.saved)
}
