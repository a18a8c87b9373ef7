package scan

import (
	"fmt"
	"sort"

	qerrors "github.com/quarrydb/quarry/internal/errors"
	"github.com/quarrydb/quarry/pkg/types"
)

// ColumnPlan is the resolved physical layout of a scan: which columns the
// reader materializes, in what order, and how the reader's output maps
// back to the caller's selection.
type ColumnPlan struct {
	// Selection is the caller's column names, in request order.
	Selection []string

	// ReaderColumns are the physical field indices the reader reads.
	// Ascending, except that with aggregation-on-read active the key
	// columns lead in schema order. The set is the union of the selected
	// columns, the predicate columns and, under aggregation, all keys.
	ReaderColumns []int

	// Output maps each selection entry to its position in the reader's
	// output.
	Output []int
}

// Identity reports whether the reader's output already is the selection:
// same columns, same order, nothing extra.
func (p *ColumnPlan) Identity() bool {
	if len(p.ReaderColumns) != len(p.Output) {
		return false
	}
	for i, pos := range p.Output {
		if pos != i {
			return false
		}
	}
	return true
}

// ResolveColumns binds a column selection against a schema.
//
// predColumns names columns referenced only by predicates; they are read
// but not returned. skipAggregation mirrors the reader parameter: when
// false every key column is read, keys first.
func ResolveColumns(schema *types.TabletSchema, selection, predColumns []string, skipAggregation bool) (*ColumnPlan, error) {
	if len(selection) == 0 {
		return nil, qerrors.NewInvalidSchema("scan requires a non-empty column selection")
	}

	fieldOf := make(map[string]int, len(selection))
	resolve := func(name string) (int, error) {
		if idx, ok := fieldOf[name]; ok {
			return idx, nil
		}
		idx := schema.FieldIndex(name)
		if idx < 0 {
			return 0, qerrors.NewColumnNotFound(name)
		}
		fieldOf[name] = idx
		return idx, nil
	}

	selected := make([]int, len(selection))
	seen := make(map[int]bool, len(selection))
	for i, name := range selection {
		idx, err := resolve(name)
		if err != nil {
			return nil, err
		}
		if seen[idx] {
			return nil, qerrors.NewInvalidSchema(fmt.Sprintf("column %s selected twice", name))
		}
		seen[idx] = true
		selected[i] = idx
	}

	need := make(map[int]bool, len(selected))
	for _, idx := range selected {
		need[idx] = true
	}
	for _, name := range predColumns {
		idx, err := resolve(name)
		if err != nil {
			return nil, err
		}
		need[idx] = true
	}

	numKeys := schema.NumKeyColumns()
	var readerCols []int
	if skipAggregation {
		for idx := range need {
			readerCols = append(readerCols, idx)
		}
		sort.Ints(readerCols)
	} else {
		// Keys lead in schema order; the merge path depends on it.
		var rest []int
		for idx := range need {
			if idx >= numKeys {
				rest = append(rest, idx)
			}
		}
		sort.Ints(rest)
		for k := 0; k < numKeys; k++ {
			readerCols = append(readerCols, k)
		}
		readerCols = append(readerCols, rest...)
	}

	posOf := make(map[int]int, len(readerCols))
	for pos, idx := range readerCols {
		posOf[idx] = pos
	}
	output := make([]int, len(selected))
	for i, idx := range selected {
		output[i] = posOf[idx]
	}

	return &ColumnPlan{
		Selection:     selection,
		ReaderColumns: readerCols,
		Output:        output,
	}, nil
}
