// Package predicate provides the predicate model for tablet scans:
// single-column conditions extracted from a query's WHERE clause, their
// evaluation against columnar batches, and the pushdown splitter.
package predicate

import (
	"fmt"
	"strings"

	"github.com/quarrydb/quarry/internal/batch"
	"github.com/quarrydb/quarry/pkg/types"
)

// Type represents the shape of a predicate.
type Type int

const (
	Equality Type = iota // column = value, column != value
	Range                // column < value, column > value, etc.
	In                   // column IN (v1, v2, ...)
	Between              // column BETWEEN low AND high
	IsNull               // column IS NULL / IS NOT NULL
)

// Predicate is a single-column condition.
type Predicate struct {
	Type     Type
	Column   string
	Operator string        // =, !=, <, >, <=, >=, IN, BETWEEN, IS NULL
	Value    types.Value   // single value for equality/range
	Values   []types.Value // multiple values for IN
	Low      types.Value   // low bound for BETWEEN
	High     types.Value   // high bound for BETWEEN
	Not      bool          // negation flag (NOT IN, NOT BETWEEN, IS NOT NULL)

	// Pushed is set by the splitter when the predicate is handed to the
	// reader's filter stage.
	Pushed bool
}

// Eq builds an equality predicate.
func Eq(column string, v types.Value) *Predicate {
	return &Predicate{Type: Equality, Column: column, Operator: "=", Value: v}
}

// Ne builds a not-equal predicate.
func Ne(column string, v types.Value) *Predicate {
	return &Predicate{Type: Equality, Column: column, Operator: "!=", Value: v, Not: true}
}

// Cmp builds a range predicate with one of <, >, <=, >=.
func Cmp(column, op string, v types.Value) *Predicate {
	return &Predicate{Type: Range, Column: column, Operator: op, Value: v}
}

// InList builds an IN predicate.
func InList(column string, vs ...types.Value) *Predicate {
	return &Predicate{Type: In, Column: column, Operator: "IN", Values: vs}
}

// BetweenRange builds a BETWEEN predicate, bounds inclusive.
func BetweenRange(column string, low, high types.Value) *Predicate {
	return &Predicate{Type: Between, Column: column, Operator: "BETWEEN", Low: low, High: high}
}

// Null builds an IS NULL (or IS NOT NULL when not is set) predicate.
func Null(column string, not bool) *Predicate {
	op := "IS NULL"
	if not {
		op = "IS NOT NULL"
	}
	return &Predicate{Type: IsNull, Column: column, Operator: op, Not: not}
}

// String renders the predicate for error messages and logs.
func (p *Predicate) String() string {
	switch p.Type {
	case In:
		vals := make([]string, len(p.Values))
		for i, v := range p.Values {
			vals[i] = v.String()
		}
		op := "IN"
		if p.Not {
			op = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", p.Column, op, strings.Join(vals, ", "))
	case Between:
		op := "BETWEEN"
		if p.Not {
			op = "NOT BETWEEN"
		}
		return fmt.Sprintf("%s %s %s AND %s", p.Column, op, p.Low, p.High)
	case IsNull:
		return fmt.Sprintf("%s %s", p.Column, p.Operator)
	default:
		return fmt.Sprintf("%s %s %s", p.Column, p.Operator, p.Value)
	}
}

// Matches evaluates the predicate against a single value. NULL input never
// matches except for IS NULL.
func (p *Predicate) Matches(v types.Value) bool {
	if p.Type == IsNull {
		if p.Not {
			return !v.IsNull()
		}
		return v.IsNull()
	}
	if v.IsNull() {
		return false
	}

	switch p.Type {
	case Equality:
		eq := types.Equal(v, p.Value)
		if p.Not {
			return !eq
		}
		return eq
	case Range:
		c := types.Compare(v, p.Value)
		switch p.Operator {
		case "<":
			return c < 0
		case "<=":
			return c <= 0
		case ">":
			return c > 0
		case ">=":
			return c >= 0
		}
		return false
	case In:
		found := false
		for i := range p.Values {
			if types.Equal(v, p.Values[i]) {
				found = true
				break
			}
		}
		if p.Not {
			return !found
		}
		return found
	case Between:
		in := types.Compare(v, p.Low) >= 0 && types.Compare(v, p.High) <= 0
		if p.Not {
			return !in
		}
		return in
	}
	return false
}

// Evaluate applies a conjunction of predicates to a batch, ANDing results
// into the selection vector. The vector must be pre-sized to the batch's
// row count; entries already false stay false.
func Evaluate(preds []*Predicate, b *batch.Batch, sel []bool) error {
	if len(sel) != b.NumRows() {
		return fmt.Errorf("predicate: selection vector has %d entries, batch has %d rows",
			len(sel), b.NumRows())
	}
	for _, p := range preds {
		col := b.ColumnByName(p.Column)
		if col == nil {
			return fmt.Errorf("predicate: column %s not present in batch", p.Column)
		}
		for i := range sel {
			if sel[i] && !p.Matches(col.Values[i]) {
				sel[i] = false
			}
		}
	}
	return nil
}
