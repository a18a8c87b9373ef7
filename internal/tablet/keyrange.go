package tablet

import (
	"github.com/quarrydb/quarry/pkg/types"
)

// KeyRange bounds a scan over the tablet's composite sort key. An empty
// Start or End leaves that side unbounded. Bounds may be a prefix of the
// full key; a prefix bound constrains only the columns it names.
type KeyRange struct {
	Start          []types.Value
	End            []types.Value
	StartInclusive bool
	EndInclusive   bool
}

// Unbounded reports whether the range covers the whole key space.
func (r KeyRange) Unbounded() bool {
	return len(r.Start) == 0 && len(r.End) == 0
}

// normalizeKeyRanges drops degenerate bounds. A start bound whose first
// value is the minimum-key sentinel constrains nothing below, so it is
// removed; the range stays and keeps its end bound.
func normalizeKeyRanges(ranges []KeyRange) []KeyRange {
	out := make([]KeyRange, 0, len(ranges))
	for _, r := range ranges {
		if len(r.Start) > 0 && r.Start[0].IsMinKey() {
			r.Start = nil
			r.StartInclusive = false
		}
		if len(r.End) > 0 && r.End[0].IsMinKey() {
			// An end bound at minimum key selects nothing.
			continue
		}
		out = append(out, r)
	}
	return out
}

// compareKeyPrefix compares a full row key against a bound, looking only
// at the columns the bound names. Zero means the row key matches the
// bound's prefix.
func compareKeyPrefix(key, bound []types.Value) int {
	n := len(bound)
	if len(key) < n {
		n = len(key)
	}
	for i := 0; i < n; i++ {
		if c := types.Compare(key[i], bound[i]); c != 0 {
			return c
		}
	}
	return 0
}

// containsKey reports whether a row key falls inside the range.
func (r KeyRange) containsKey(key []types.Value) bool {
	if len(r.Start) > 0 {
		c := compareKeyPrefix(key, r.Start)
		if c < 0 || (c == 0 && !r.StartInclusive) {
			return false
		}
	}
	if len(r.End) > 0 {
		c := compareKeyPrefix(key, r.End)
		if c > 0 || (c == 0 && !r.EndInclusive) {
			return false
		}
	}
	return true
}

// overlapsBlock reports whether any key in [blockMin, blockMax] can fall
// inside the range. Conservative: prefix bounds compare only their own
// columns.
func (r KeyRange) overlapsBlock(blockMin, blockMax []types.Value) bool {
	if len(blockMin) == 0 || len(blockMax) == 0 {
		return true
	}
	if len(r.Start) > 0 {
		c := compareKeyPrefix(blockMax, r.Start)
		if c < 0 || (c == 0 && !r.StartInclusive) {
			return false
		}
	}
	if len(r.End) > 0 {
		c := compareKeyPrefix(blockMin, r.End)
		if c > 0 || (c == 0 && !r.EndInclusive) {
			return false
		}
	}
	return true
}

// anyRangeContains evaluates the disjunction of ranges for a row key. An
// empty range list selects everything.
func anyRangeContains(ranges []KeyRange, key []types.Value) bool {
	if len(ranges) == 0 {
		return true
	}
	for _, r := range ranges {
		if r.containsKey(key) {
			return true
		}
	}
	return false
}

// anyRangeOverlaps evaluates the disjunction of ranges for a block.
func anyRangeOverlaps(ranges []KeyRange, blockMin, blockMax []types.Value) bool {
	if len(ranges) == 0 {
		return true
	}
	for _, r := range ranges {
		if r.overlapsBlock(blockMin, blockMax) {
			return true
		}
	}
	return false
}
