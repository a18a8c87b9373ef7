package batch

import (
	"testing"

	"github.com/quarrydb/quarry/pkg/types"
)

func testDefs() []types.ColumnDef {
	return []types.ColumnDef{
		{ID: 10, Name: "user_id", Type: types.KindInt, IsKey: true},
		{ID: 11, Name: "event_type", Type: types.KindString},
		{ID: 12, Name: "amount", Type: types.KindFloat},
	}
}

func fillRows(t *testing.T, b *Batch, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := b.AppendRow([]types.Value{
			types.IntValue(int64(i)),
			types.StringValue("click"),
			types.FloatValue(float64(i) * 1.5),
		})
		if err != nil {
			t.Fatalf("append row %d: %v", i, err)
		}
	}
}

func TestAppendAndLookup(t *testing.T) {
	b := New(testDefs(), 16)
	fillRows(t, b, 4)

	if b.NumRows() != 4 || b.NumColumns() != 3 {
		t.Fatalf("unexpected shape: %d rows, %d cols", b.NumRows(), b.NumColumns())
	}
	if c := b.ColumnByName("event_type"); c == nil || c.Values[0].Str != "click" {
		t.Error("ColumnByName lookup failed")
	}
	if c := b.ColumnBySlot(12); c == nil || c.Def.Name != "amount" {
		t.Error("ColumnBySlot lookup failed")
	}
	if idx, ok := b.SlotIndex(10); !ok || idx != 0 {
		t.Errorf("SlotIndex(10) = %d, %v", idx, ok)
	}
	if c := b.ColumnByName("missing"); c != nil {
		t.Error("expected nil for unknown column")
	}
}

func TestFilterInPlace(t *testing.T) {
	b := New(testDefs(), 16)
	fillRows(t, b, 5)

	// Keep rows 1 and 3 only.
	if err := b.Filter([]bool{false, true, false, true, false}); err != nil {
		t.Fatalf("filter: %v", err)
	}
	if b.NumRows() != 2 {
		t.Fatalf("expected 2 rows after filter, got %d", b.NumRows())
	}
	ids := b.ColumnByName("user_id").Values
	if ids[0].Int != 1 || ids[1].Int != 3 {
		t.Errorf("wrong rows kept: %v %v", ids[0], ids[1])
	}

	// Mismatched selection vector is rejected.
	if err := b.Filter([]bool{true}); err == nil {
		t.Error("expected error for wrong selection length")
	}
}

func TestFilterAllKeptIsNoop(t *testing.T) {
	b := New(testDefs(), 16)
	fillRows(t, b, 3)
	before := b.MemoryUsage()
	if err := b.Filter([]bool{true, true, true}); err != nil {
		t.Fatalf("filter: %v", err)
	}
	if b.NumRows() != 3 || b.MemoryUsage() != before {
		t.Error("all-true selection should not change the batch")
	}
}

func TestMemoryShrinksWithFilter(t *testing.T) {
	b := New(testDefs(), 16)
	fillRows(t, b, 8)
	before := b.MemoryUsage()
	if err := b.Filter([]bool{true, false, false, false, false, false, false, false}); err != nil {
		t.Fatalf("filter: %v", err)
	}
	if after := b.MemoryUsage(); after >= before {
		t.Errorf("expected memory usage to shrink: before=%d after=%d", before, after)
	}
}

func TestProjectAliasesColumns(t *testing.T) {
	b := New(testDefs(), 16)
	fillRows(t, b, 2)

	p, err := b.Project([]int{2, 0})
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if p.NumColumns() != 2 || p.NumRows() != 2 {
		t.Fatalf("unexpected projected shape")
	}
	if p.Column(0).Def.Name != "amount" || p.Column(1).Def.Name != "user_id" {
		t.Error("projection order wrong")
	}
	// Aliased, not copied: mutating the source shows through.
	b.ColumnByName("amount").Values[0] = types.FloatValue(99)
	if p.Column(0).Values[0].Float != 99 {
		t.Error("projected column is a copy, expected alias")
	}
	// Slot binding follows the projection.
	if idx, ok := p.SlotIndex(12); !ok || idx != 0 {
		t.Errorf("slot 12 should map to projected index 0, got %d, %v", idx, ok)
	}

	if _, err := b.Project([]int{5}); err == nil {
		t.Error("expected error for out-of-range projection index")
	}
}

func TestResetKeepsLayout(t *testing.T) {
	b := New(testDefs(), 16)
	fillRows(t, b, 3)
	b.Reset()
	if b.NumRows() != 0 {
		t.Error("reset should clear rows")
	}
	fillRows(t, b, 1)
	if b.NumRows() != 1 {
		t.Error("batch unusable after reset")
	}
}

func TestSetNumRowsValidates(t *testing.T) {
	b := New(testDefs(), 16)
	b.Column(0).Append(types.IntValue(1))
	if err := b.SetNumRows(1); err == nil {
		t.Error("expected error when columns have uneven lengths")
	}
	b.Column(1).Append(types.StringValue("x"))
	b.Column(2).Append(types.FloatValue(1))
	if err := b.SetNumRows(1); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
