package types

import (
	"encoding/json"
	"hash/fnv"
)

// ColumnDef defines a single column of a tablet schema.
type ColumnDef struct {
	// ID is the logical column id used for slot binding by the execution
	// pipeline. Stable across schema versions.
	ID int `json:"id"`

	// Name is the column name.
	Name string `json:"name"`

	// Type is the physical value kind.
	Type Kind `json:"type"`

	// Nullable indicates whether the column can contain NULL values.
	Nullable bool `json:"nullable"`

	// IsKey indicates whether this column is part of the sort key. Key
	// columns form a prefix of the schema.
	IsKey bool `json:"is_key"`

	// DictEncoded indicates the column is stored dictionary-encoded and is
	// eligible for global-dictionary mapping.
	DictEncoded bool `json:"dict_encoded,omitempty"`

	// Indexed indicates a bloom filter is maintained for the column.
	Indexed bool `json:"indexed,omitempty"`

	// BitmapIndexed indicates a per-block bitmap index is maintained.
	BitmapIndexed bool `json:"bitmap_indexed,omitempty"`
}

// TabletSchema describes one on-disk schema version of a tablet.
type TabletSchema struct {
	// Version tracks schema evolution.
	Version int `json:"version"`

	// Columns in physical order. Key columns precede value columns.
	Columns []ColumnDef `json:"columns"`
}

// FieldIndex returns the physical field index of a column by name, or -1.
func (s *TabletSchema) FieldIndex(name string) int {
	for i := range s.Columns {
		if s.Columns[i].Name == name {
			return i
		}
	}
	return -1
}

// NumKeyColumns returns the length of the key-column prefix.
func (s *TabletSchema) NumKeyColumns() int {
	n := 0
	for i := range s.Columns {
		if !s.Columns[i].IsKey {
			break
		}
		n++
	}
	return n
}

// Valid reports whether the schema is well formed: non-empty, unique
// column names, and all key columns forming a prefix.
func (s *TabletSchema) Valid() bool {
	if len(s.Columns) == 0 {
		return false
	}
	seen := make(map[string]bool, len(s.Columns))
	keyDone := false
	for i := range s.Columns {
		c := &s.Columns[i]
		if c.Name == "" || seen[c.Name] {
			return false
		}
		seen[c.Name] = true
		if c.IsKey {
			if keyDone {
				return false
			}
		} else {
			keyDone = true
		}
	}
	return true
}

// Hash returns a stable hash of the schema layout, used to detect a
// caller holding a stale schema version for a tablet.
func (s *TabletSchema) Hash() uint64 {
	h := fnv.New64a()
	data, _ := json.Marshal(s)
	h.Write(data)
	return h.Sum64()
}
