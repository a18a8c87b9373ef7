package predicate

import (
	qerrors "github.com/quarrydb/quarry/internal/errors"
	"github.com/quarrydb/quarry/pkg/types"
)

// Split partitions a predicate set into the pushdown and residual lists.
// Pushed predicates are handed to the reader's filter stage; residual
// predicates stay with the scanner and are evaluated against materialized
// batches. A predicate whose pushdown relies on a may-match index appears
// in BOTH lists: the pushed copy prunes blocks early, the residual copy
// guarantees correctness.
type Split struct {
	Pushed   []*Predicate
	Residual []*Predicate
}

// SplitPredicates decides pushdown eligibility for each predicate against
// a physical schema.
//
// Rules:
//   - a predicate over a column absent from the schema is invalid;
//   - negations (!=, NOT IN, NOT BETWEEN) and null checks are not
//     expressible as ranges and stay residual;
//   - equality, ordered comparison and BETWEEN are exactly evaluable by
//     the engine (zone maps plus row evaluation) and are pushed only;
//   - IN requires a supporting bloom or bitmap index to be worth pushing;
//     because those indexes only answer may-match, the predicate is pushed
//     for pruning and kept residual for the definitive re-check.
func SplitPredicates(preds []*Predicate, schema *types.TabletSchema) (Split, error) {
	var out Split
	for _, p := range preds {
		idx := schema.FieldIndex(p.Column)
		if idx < 0 {
			return Split{}, qerrors.NewInvalidPredicate("predicate references unknown column: " + p.Column)
		}
		col := &schema.Columns[idx]

		switch {
		case p.Type == IsNull || p.Not:
			out.Residual = append(out.Residual, p)
		case p.Type == Equality || p.Type == Range || p.Type == Between:
			p.Pushed = true
			out.Pushed = append(out.Pushed, p)
		case p.Type == In && (col.Indexed || col.BitmapIndexed):
			// May-match pushdown: duplicated, never pushed-only.
			p.Pushed = true
			out.Pushed = append(out.Pushed, p)
			out.Residual = append(out.Residual, p)
		default:
			out.Residual = append(out.Residual, p)
		}
	}
	return out, nil
}
