// Package batch provides the columnar batch container produced by tablet
// scans. A batch owns one value vector per column; filters remove rows in
// place through a selection vector, and projection reorders columns by
// aliasing the underlying vectors without copying values.
package batch

import (
	"fmt"

	"github.com/quarrydb/quarry/pkg/types"
)

// Column is a single column vector within a batch.
type Column struct {
	Def    types.ColumnDef
	Values []types.Value
}

// Append appends one value to the column vector.
func (c *Column) Append(v types.Value) {
	c.Values = append(c.Values, v)
}

// MemSize approximates the retained heap size of the vector in bytes.
func (c *Column) MemSize() int64 {
	var total int64
	for i := range c.Values {
		total += c.Values[i].MemSize()
	}
	return total
}

// Batch is a fixed-capacity columnar row container. Ownership transfers to
// the caller on each successful scanner pull.
type Batch struct {
	cols     []*Column
	byName   map[string]int
	slots    map[int]int // logical column id -> output column index
	numRows  int
	capacity int
}

// New creates an empty batch for the given column layout and row capacity.
func New(defs []types.ColumnDef, capacity int) *Batch {
	b := &Batch{
		cols:     make([]*Column, len(defs)),
		byName:   make(map[string]int, len(defs)),
		slots:    make(map[int]int, len(defs)),
		capacity: capacity,
	}
	for i, def := range defs {
		b.cols[i] = &Column{
			Def:    def,
			Values: make([]types.Value, 0, capacity),
		}
		b.byName[def.Name] = i
		b.slots[def.ID] = i
	}
	return b
}

// Capacity returns the row capacity the batch was created with.
func (b *Batch) Capacity() int { return b.capacity }

// NumRows returns the current row count.
func (b *Batch) NumRows() int { return b.numRows }

// NumColumns returns the column count.
func (b *Batch) NumColumns() int { return len(b.cols) }

// Column returns the column at output index i.
func (b *Batch) Column(i int) *Column { return b.cols[i] }

// ColumnByName returns the named column, or nil.
func (b *Batch) ColumnByName(name string) *Column {
	if i, ok := b.byName[name]; ok {
		return b.cols[i]
	}
	return nil
}

// ColumnBySlot returns the column bound to a logical column id, or nil.
// This is how the execution pipeline binds output slots to columns.
func (b *Batch) ColumnBySlot(id int) *Column {
	if i, ok := b.slots[id]; ok {
		return b.cols[i]
	}
	return nil
}

// SlotIndex returns the output index bound to a logical column id.
func (b *Batch) SlotIndex(id int) (int, bool) {
	i, ok := b.slots[id]
	return i, ok
}

// AppendRow appends one row across all columns. The value count must match
// the column count.
func (b *Batch) AppendRow(vals []types.Value) error {
	if len(vals) != len(b.cols) {
		return fmt.Errorf("batch: row has %d values, batch has %d columns", len(vals), len(b.cols))
	}
	for i, v := range vals {
		b.cols[i].Append(v)
	}
	b.numRows++
	return nil
}

// SetNumRows declares the row count after columns were filled directly.
// Every column vector must already hold exactly n values.
func (b *Batch) SetNumRows(n int) error {
	for _, c := range b.cols {
		if len(c.Values) != n {
			return fmt.Errorf("batch: column %s has %d values, want %d", c.Def.Name, len(c.Values), n)
		}
	}
	b.numRows = n
	return nil
}

// Row copies row i into a fresh slice, for CLI output and tests.
func (b *Batch) Row(i int) []types.Value {
	row := make([]types.Value, len(b.cols))
	for j, c := range b.cols {
		row[j] = c.Values[i]
	}
	return row
}

// Filter compacts the batch in place, keeping only rows whose selection
// entry is true. The selection vector length must equal the row count.
func (b *Batch) Filter(sel []bool) error {
	if len(sel) != b.numRows {
		return fmt.Errorf("batch: selection vector has %d entries, batch has %d rows", len(sel), b.numRows)
	}
	kept := 0
	for _, keep := range sel {
		if keep {
			kept++
		}
	}
	if kept == b.numRows {
		return nil
	}
	for _, c := range b.cols {
		out := c.Values[:0]
		for i, keep := range sel {
			if keep {
				out = append(out, c.Values[i])
			}
		}
		c.Values = out
	}
	b.numRows = kept
	return nil
}

// MemoryUsage approximates the retained heap size of the batch in bytes.
func (b *Batch) MemoryUsage() int64 {
	var total int64
	for _, c := range b.cols {
		total += c.MemSize()
	}
	return total
}

// Reset clears all rows, keeping allocated capacity for reuse.
func (b *Batch) Reset() {
	for _, c := range b.cols {
		c.Values = c.Values[:0]
	}
	b.numRows = 0
}

// Project returns a batch exposing this batch's columns in a new order.
// Columns are aliased, not copied: both batches share the same vectors.
// order holds indices into the receiver's column list.
func (b *Batch) Project(order []int) (*Batch, error) {
	out := &Batch{
		cols:     make([]*Column, len(order)),
		byName:   make(map[string]int, len(order)),
		slots:    make(map[int]int, len(order)),
		numRows:  b.numRows,
		capacity: b.capacity,
	}
	for i, src := range order {
		if src < 0 || src >= len(b.cols) {
			return nil, fmt.Errorf("batch: projection index %d out of range [0,%d)", src, len(b.cols))
		}
		out.cols[i] = b.cols[src]
		out.byName[b.cols[src].Def.Name] = i
		out.slots[b.cols[src].Def.ID] = i
	}
	return out, nil
}

// Defs returns the column definitions in output order.
func (b *Batch) Defs() []types.ColumnDef {
	defs := make([]types.ColumnDef, len(b.cols))
	for i, c := range b.cols {
		defs[i] = c.Def
	}
	return defs
}
