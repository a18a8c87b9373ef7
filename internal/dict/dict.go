// Package dict provides global dictionary snapshots and the per-tablet
// code mapping that lets filters and aggregations run on dictionary codes
// without decoding strings.
//
// Global dictionaries are process-wide state populated outside the scan
// engine. A scanner receives them as an injected read-only SnapshotSet and
// never owns their lifetime; published snapshots are immutable, so lookups
// need no locking.
package dict

import (
	"fmt"

	qerrors "github.com/quarrydb/quarry/internal/errors"
	"github.com/quarrydb/quarry/pkg/types"
)

// Snapshot is an immutable global dictionary for one logical column:
// a bidirectional value <-> code table. Codes are dense, starting at 0.
type Snapshot struct {
	values []string
	codes  map[string]uint32
}

// NewSnapshot builds a snapshot from the dictionary's value list; the code
// of a value is its position.
func NewSnapshot(values []string) *Snapshot {
	s := &Snapshot{
		values: append([]string(nil), values...),
		codes:  make(map[string]uint32, len(values)),
	}
	for i, v := range s.values {
		s.codes[v] = uint32(i)
	}
	return s
}

// Code returns the global code for a value.
func (s *Snapshot) Code(v string) (uint32, bool) {
	c, ok := s.codes[v]
	return c, ok
}

// Value returns the value for a global code.
func (s *Snapshot) Value(code uint32) (string, bool) {
	if int(code) >= len(s.values) {
		return "", false
	}
	return s.values[code], true
}

// Len returns the dictionary cardinality.
func (s *Snapshot) Len() int { return len(s.values) }

// SnapshotSet maps logical column ids to their global dictionaries.
type SnapshotSet map[int]*Snapshot

// Mapping translates one physical column's global codes to the tablet's
// local encoding. A negative local code means the value does not occur in
// this tablet version.
type Mapping struct {
	globalToLocal []int32
}

// Local returns the local code for a global code.
func (m *Mapping) Local(global uint32) (uint32, bool) {
	if int(global) >= len(m.globalToLocal) {
		return 0, false
	}
	l := m.globalToLocal[global]
	if l < 0 {
		return 0, false
	}
	return uint32(l), true
}

// LocalToGlobal builds the inverse table, local code to global code, sized
// for a local dictionary of numLocal entries. Local codes with no global
// counterpart map to -1.
func (m *Mapping) LocalToGlobal(numLocal int) []int32 {
	inv := make([]int32, numLocal)
	for i := range inv {
		inv[i] = -1
	}
	for g, l := range m.globalToLocal {
		if l >= 0 && int(l) < numLocal {
			inv[l] = int32(g)
		}
	}
	return inv
}

// ColumnMappings maps physical field indices to their code mappings.
type ColumnMappings map[int]*Mapping

// BuildResult is the outcome of mapping construction. Columns that failed
// to map (schema-evolution type change, missing local dictionary) land in
// Fallback and scan un-encoded; the failure is per-column and non-fatal.
type BuildResult struct {
	Mappings ColumnMappings
	Fallback map[int]error
}

// BuildMappings builds global-to-local code mappings for every selected
// physical column that has a global dictionary entry. locals holds the
// tablet's per-column local dictionaries keyed by physical field index.
//
// Must run before the reader is constructed: the reader consumes the
// mappings to translate pushed predicate values into the code domain.
func BuildMappings(set SnapshotSet, schema *types.TabletSchema, columns []int, locals map[int][]string) BuildResult {
	res := BuildResult{
		Mappings: make(ColumnMappings),
		Fallback: make(map[int]error),
	}
	for _, fieldIdx := range columns {
		col := &schema.Columns[fieldIdx]
		snap, ok := set[col.ID]
		if !ok {
			continue
		}
		if col.Type != types.KindString || !col.DictEncoded {
			// The column claimed global-dictionary eligibility but the
			// physical encoding is incompatible, e.g. a schema evolution
			// changed its type. Fall back to un-encoded filtering for this
			// column only.
			res.Fallback[fieldIdx] = qerrors.NewDictionaryMappingError(fmt.Sprintf(
				"column %s: physical encoding %s is not dictionary-compatible", col.Name, col.Type))
			continue
		}
		localValues, ok := locals[fieldIdx]
		if !ok {
			res.Fallback[fieldIdx] = qerrors.NewDictionaryMappingError(fmt.Sprintf(
				"column %s: tablet has no local dictionary", col.Name))
			continue
		}

		localCodes := make(map[string]uint32, len(localValues))
		for i, v := range localValues {
			localCodes[v] = uint32(i)
		}
		covered := 0
		m := &Mapping{globalToLocal: make([]int32, snap.Len())}
		for g := 0; g < snap.Len(); g++ {
			v, _ := snap.Value(uint32(g))
			if l, ok := localCodes[v]; ok {
				m.globalToLocal[g] = int32(l)
				covered++
			} else {
				m.globalToLocal[g] = -1
			}
		}
		if covered < len(localCodes) {
			// The tablet holds values the global dictionary has never
			// seen, so its codes cannot represent this column.
			res.Fallback[fieldIdx] = qerrors.NewDictionaryMappingError(fmt.Sprintf(
				"column %s: tablet dictionary has values outside the global dictionary", col.Name))
			continue
		}
		res.Mappings[fieldIdx] = m
	}
	return res
}
