package scan

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/quarrydb/quarry/internal/batch"
	"github.com/quarrydb/quarry/internal/dict"
	qerrors "github.com/quarrydb/quarry/internal/errors"
	"github.com/quarrydb/quarry/internal/manifest"
	"github.com/quarrydb/quarry/internal/predicate"
	"github.com/quarrydb/quarry/internal/storage"
	"github.com/quarrydb/quarry/internal/tablet"
	"github.com/quarrydb/quarry/pkg/types"
)

// scanFixture is a written and registered tablet reachable through a
// store: ids 0..29 over three blocks, region cycling ca/ny/tx, tag
// "tag-<id>", amount null every seventh row.
type scanFixture struct {
	store  *tablet.Store
	handle tablet.Handle
	schema *types.TabletSchema
}

func newScanFixture(t *testing.T) *scanFixture {
	t.Helper()
	schema := &types.TabletSchema{
		Version: 1,
		Columns: []types.ColumnDef{
			{ID: 1, Name: "id", Type: types.KindInt, IsKey: true},
			{ID: 2, Name: "region", Type: types.KindString, DictEncoded: true, BitmapIndexed: true},
			{ID: 3, Name: "tag", Type: types.KindString, Indexed: true},
			{ID: 4, Name: "amount", Type: types.KindFloat, Nullable: true},
		},
	}
	regions := []string{"ca", "ny", "tx"}
	rows := make([][]types.Value, 0, 30)
	for i := 0; i < 30; i++ {
		amount := types.FloatValue(float64(i) * 1.5)
		if i%7 == 0 {
			amount = types.NullValue()
		}
		rows = append(rows, []types.Value{
			types.IntValue(int64(i)),
			types.StringValue(regions[i%3]),
			types.StringValue(fmt.Sprintf("tag-%d", i)),
			amount,
		})
	}
	store, handle := writeTablet(t, schema, rows)
	return &scanFixture{store: store, handle: handle, schema: schema}
}

// writeTablet builds a tablet from rows and registers it, returning a store
// and a read handle at version 10.
func writeTablet(t *testing.T, schema *types.TabletSchema, rows [][]types.Value) (*tablet.Store, tablet.Handle) {
	t.Helper()
	ctx := context.Background()

	catalog, err := manifest.NewCatalog(filepath.Join(t.TempDir(), "manifest.db"))
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	t.Cleanup(func() { catalog.Close() })

	objStore, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	tabletID := uuid.New()
	w, err := tablet.NewWriter(tabletID, schema, objStore, "tablets/t1", tablet.WriterOptions{BlockRows: 10})
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	for i, row := range rows {
		if err := w.Append(row...); err != nil {
			t.Fatalf("append row %d failed: %v", i, err)
		}
	}
	rec, err := w.Finish(ctx, 1, 10)
	if err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	if err := catalog.RegisterTablet(ctx, rec); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	store := tablet.NewStore(catalog, objStore, t.TempDir(), 2)
	return store, tablet.Handle{TabletID: tabletID, SchemaHash: schema.Hash(), Version: 10}
}

func runScanner(t *testing.T, s *Scanner) []*batch.Batch {
	t.Helper()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if err := s.Open(ctx); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	var out []*batch.Batch
	for {
		b, err := s.GetChunk(ctx)
		if err != nil {
			t.Fatalf("get chunk failed: %v", err)
		}
		if b == nil {
			return out
		}
		if b.NumRows() == 0 {
			t.Fatal("scanner returned an empty batch before end of stream")
		}
		out = append(out, b)
	}
}

func TestScannerEndToEnd(t *testing.T) {
	f := newScanFixture(t)
	sink := NewMapSink()
	s := NewTabletScanner(f.store, Request{
		Handle:     f.handle,
		Columns:    []string{"amount", "id"},
		Predicates: []*predicate.Predicate{predicate.Cmp("id", ">=", types.IntValue(10))},
	}, Options{ChunkSize: 8, Metrics: sink})
	defer s.Close()

	batches := runScanner(t, s)

	var total int
	for _, b := range batches {
		// Output order follows the selection, not the physical layout.
		if b.Column(0).Def.Name != "amount" || b.Column(1).Def.Name != "id" {
			t.Fatalf("column order = [%s, %s], want [amount, id]",
				b.Column(0).Def.Name, b.Column(1).Def.Name)
		}
		if b.NumColumns() != 2 {
			t.Fatalf("expected 2 columns, got %d", b.NumColumns())
		}
		total += b.NumRows()
	}
	if total != 20 {
		t.Fatalf("expected 20 rows, got %d", total)
	}
	first := batches[0].Row(0)
	if first[1].Int != 10 {
		t.Errorf("first id = %d, want 10", first[1].Int)
	}

	s.Close()
	if got := sink.Get("scan.rows_returned"); got != 20 {
		t.Errorf("sink rows_returned = %d, want 20", got)
	}
	if got := sink.Get("reader.rows_zone_map_filtered"); got != 10 {
		t.Errorf("sink zone map filtered = %d, want 10", got)
	}
	if got := sink.Get("reader.blocks_read"); got != 2 {
		t.Errorf("sink blocks read = %d, want 2", got)
	}
}

func TestScannerSlotBinding(t *testing.T) {
	f := newScanFixture(t)
	s := NewTabletScanner(f.store, Request{
		Handle:  f.handle,
		Columns: []string{"tag", "id"},
	}, Options{})
	defer s.Close()

	batches := runScanner(t, s)
	// Logical column ids survive projection, so downstream operators can
	// bind by slot.
	b := batches[0]
	if idx, ok := b.SlotIndex(3); !ok || idx != 0 {
		t.Errorf("slot 3 (tag) = %d,%v, want 0,true", idx, ok)
	}
	if idx, ok := b.SlotIndex(1); !ok || idx != 1 {
		t.Errorf("slot 1 (id) = %d,%v, want 1,true", idx, ok)
	}
}

func TestScannerResidualPredicate(t *testing.T) {
	// The source produces [5,15] and [25]; "val > 10" is residual and
	// trims the first batch without emptying it.
	defs := []types.ColumnDef{{ID: 1, Name: "val", Type: types.KindInt}}
	src := newFakeSource(t, defs, [][]int64{{5, 15}, {25}})
	s := NewSourceScanner(src, []*predicate.Predicate{
		predicate.Cmp("val", ">", types.IntValue(10)),
	}, Options{})
	defer s.Close()

	batches := runScanner(t, s)
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if batches[0].NumRows() != 1 || batches[0].Row(0)[0].Int != 15 {
		t.Errorf("first batch = %v, want [15]", batches[0].Row(0))
	}
	if batches[1].NumRows() != 1 || batches[1].Row(0)[0].Int != 25 {
		t.Errorf("second batch = %v, want [25]", batches[1].Row(0))
	}
	if got := s.Counters().ResidualRowsFiltered; got != 1 {
		t.Errorf("residual filtered = %d, want 1", got)
	}
}

func TestScannerRetriesEmptyBatches(t *testing.T) {
	defs := []types.ColumnDef{{ID: 1, Name: "val", Type: types.KindInt}}
	src := newFakeSource(t, defs, [][]int64{{}, {}, {42}})
	s := NewSourceScanner(src, nil, Options{})
	defer s.Close()

	batches := runScanner(t, s)
	if len(batches) != 1 || batches[0].Row(0)[0].Int != 42 {
		t.Fatalf("expected single batch [42], got %d batches", len(batches))
	}
	if got := s.Counters().EmptyBatches; got != 2 {
		t.Errorf("empty batches = %d, want 2", got)
	}
	if !src.opened {
		t.Error("scanner never opened the source")
	}
	s.Close()
	if !src.closed {
		t.Error("scanner close did not reach the source")
	}
}

func TestScannerMaxEmptyBatchesGuard(t *testing.T) {
	defs := []types.ColumnDef{{ID: 1, Name: "val", Type: types.KindInt}}
	empties := make([][]int64, 10)
	for i := range empties {
		empties[i] = []int64{}
	}
	src := newFakeSource(t, defs, empties)
	s := NewSourceScanner(src, nil, Options{MaxEmptyBatches: 3})
	defer s.Close()

	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if err := s.Open(ctx); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	_, err := s.GetChunk(ctx)
	if qerrors.GetCode(err) != qerrors.CodeScanStalled {
		t.Errorf("code = %s, want %s", qerrors.GetCode(err), qerrors.CodeScanStalled)
	}
}

func TestScannerCancellationBetweenPulls(t *testing.T) {
	f := newScanFixture(t)
	s := NewTabletScanner(f.store, Request{
		Handle:  f.handle,
		Columns: []string{"id"},
	}, Options{ChunkSize: 5})
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if err := s.Open(ctx); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := s.GetChunk(ctx); err != nil {
		t.Fatalf("first pull failed: %v", err)
	}
	cancel()
	_, err := s.GetChunk(ctx)
	if !qerrors.IsCancelled(err) {
		t.Errorf("expected cancelled error, got %v", err)
	}
}

func TestScannerLifecycle(t *testing.T) {
	f := newScanFixture(t)
	ctx := context.Background()

	s := NewTabletScanner(f.store, Request{Handle: f.handle, Columns: []string{"id"}}, Options{})
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if err := s.Init(ctx); err == nil {
		t.Error("expected error from second init")
	}
	if err := s.Open(ctx); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := s.Open(ctx); err != nil {
		t.Errorf("second open should be a no-op, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}

	// Close after a failed init never fails.
	bad := NewTabletScanner(f.store, Request{
		Handle:  tablet.Handle{TabletID: uuid.New(), SchemaHash: 1, Version: 1},
		Columns: []string{"id"},
	}, Options{})
	if err := bad.Init(ctx); err == nil {
		t.Fatal("expected init failure for unknown tablet")
	}
	if err := bad.Close(); err != nil {
		t.Errorf("close after failed init returned %v", err)
	}
}

func TestScannerUnknownColumn(t *testing.T) {
	f := newScanFixture(t)
	s := NewTabletScanner(f.store, Request{
		Handle:  f.handle,
		Columns: []string{"id", "nope"},
	}, Options{})
	defer s.Close()

	err := s.Init(context.Background())
	if qerrors.GetCode(err) != qerrors.CodeColumnNotFound {
		t.Errorf("code = %s, want %s", qerrors.GetCode(err), qerrors.CodeColumnNotFound)
	}
}

func TestScannerDictFallbackIsPerColumn(t *testing.T) {
	schema := &types.TabletSchema{
		Version: 1,
		Columns: []types.ColumnDef{
			{ID: 1, Name: "k", Type: types.KindInt, IsKey: true},
			{ID: 2, Name: "c1", Type: types.KindString, DictEncoded: true},
			{ID: 3, Name: "c2", Type: types.KindString, DictEncoded: true},
			{ID: 4, Name: "c3", Type: types.KindString, DictEncoded: true},
		},
	}
	var rows [][]types.Value
	for i := 0; i < 10; i++ {
		rows = append(rows, []types.Value{
			types.IntValue(int64(i)),
			types.StringValue(fmt.Sprintf("a%d", i%2)),
			types.StringValue(fmt.Sprintf("b%d", i%2)),
			types.StringValue(fmt.Sprintf("c%d", i%2)),
		})
	}
	store, handle := writeTablet(t, schema, rows)

	// c1 and c2 are covered by global dictionaries; c3's misses "c1", so
	// only c3 falls back to plain strings.
	dicts := dict.SnapshotSet{
		2: dict.NewSnapshot([]string{"a0", "a1"}),
		3: dict.NewSnapshot([]string{"b0", "b1", "b2"}),
		4: dict.NewSnapshot([]string{"c0"}),
	}
	s := NewTabletScanner(store, Request{
		Handle:      handle,
		Columns:     []string{"k", "c1", "c2", "c3"},
		GlobalDicts: dicts,
	}, Options{})
	defer s.Close()

	batches := runScanner(t, s)
	var total int
	for _, b := range batches {
		total += b.NumRows()
		if b.Column(1).Def.Type != types.KindInt {
			t.Errorf("c1 should scan encoded, got %s", b.Column(1).Def.Type)
		}
		if b.Column(2).Def.Type != types.KindInt {
			t.Errorf("c2 should scan encoded, got %s", b.Column(2).Def.Type)
		}
		if b.Column(3).Def.Type != types.KindString {
			t.Errorf("c3 should fall back to strings, got %s", b.Column(3).Def.Type)
		}
	}
	if total != 10 {
		t.Errorf("expected 10 rows, got %d", total)
	}
}

func TestScannerEncodedResidualTranslation(t *testing.T) {
	f := newScanFixture(t)
	snap := dict.NewSnapshot([]string{"az", "ca", "ny", "tx"})

	// A negated predicate cannot be translated into the code domain, so
	// the scanner drops the mapping and the column scans un-encoded.
	s := NewTabletScanner(f.store, Request{
		Handle:      f.handle,
		Columns:     []string{"id", "region"},
		GlobalDicts: dict.SnapshotSet{2: snap},
		Predicates: []*predicate.Predicate{
			predicate.Ne("region", types.StringValue("tx")),
		},
	}, Options{})
	defer s.Close()

	batches := runScanner(t, s)
	var total int
	for _, b := range batches {
		if b.Column(1).Def.Type != types.KindString {
			t.Fatalf("region should scan un-encoded under a negated residual, got %s", b.Column(1).Def.Type)
		}
		for i := 0; i < b.NumRows(); i++ {
			if b.Row(i)[1].Str == "tx" {
				t.Fatal("residual != tx leaked a tx row")
			}
		}
		total += b.NumRows()
	}
	if total != 20 {
		t.Errorf("expected 20 rows, got %d", total)
	}
}

func TestScannerMemScopeNetsToRetained(t *testing.T) {
	defs := []types.ColumnDef{{ID: 1, Name: "val", Type: types.KindInt}}
	src := newFakeSource(t, defs, [][]int64{{5, 15, 25}})
	s := NewSourceScanner(src, []*predicate.Predicate{
		predicate.Cmp("val", ">", types.IntValue(10)),
	}, Options{})
	defer s.Close()

	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if err := s.Open(ctx); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	b, err := s.GetChunk(ctx)
	if err != nil {
		t.Fatalf("get chunk failed: %v", err)
	}
	if got := s.MemScope().Used(); got != b.MemoryUsage() {
		t.Errorf("mem used = %d, want retained batch size %d", got, b.MemoryUsage())
	}
	if _, err := s.GetChunk(ctx); err != nil {
		t.Fatalf("final pull failed: %v", err)
	}
	s.Close()
	if got := s.MemScope().Used(); got != 0 {
		t.Errorf("mem used after close = %d, want 0", got)
	}
}

func TestCountersFlushOnce(t *testing.T) {
	sink := NewMapSink()
	c := &Counters{RowsReturned: 7}
	c.FlushTo(sink)
	c.FlushTo(sink)
	if got := sink.Get("scan.rows_returned"); got != 7 {
		t.Errorf("rows_returned = %d, want 7 (double flush)", got)
	}
	if !c.Flushed() {
		t.Error("counters should report flushed")
	}
}

// fakeSource replays canned single-column int batches.
type fakeSource struct {
	batches []*batch.Batch
	i       int
	opened  bool
	closed  bool
}

func newFakeSource(t *testing.T, defs []types.ColumnDef, data [][]int64) *fakeSource {
	t.Helper()
	src := &fakeSource{}
	for _, rows := range data {
		b := batch.New(defs, len(rows))
		for _, v := range rows {
			if err := b.AppendRow([]types.Value{types.IntValue(v)}); err != nil {
				t.Fatalf("failed to build fake batch: %v", err)
			}
		}
		src.batches = append(src.batches, b)
	}
	return src
}

func (f *fakeSource) Open(ctx context.Context) error {
	f.opened = true
	return nil
}

func (f *fakeSource) Next(ctx context.Context) (*batch.Batch, error) {
	if f.i >= len(f.batches) {
		return nil, nil
	}
	b := f.batches[f.i]
	f.i++
	return b, nil
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}
