package tablet

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	qerrors "github.com/quarrydb/quarry/internal/errors"
	"github.com/quarrydb/quarry/internal/predicate"
	"github.com/quarrydb/quarry/pkg/types"
)

// ColumnStats is the zone map entry for one column within a block. Min
// and Max cover the non-null values; nil Min means the column holds only
// nulls in this block.
type ColumnStats struct {
	Min     *types.Value `json:"min,omitempty"`
	Max     *types.Value `json:"max,omitempty"`
	HasNull bool         `json:"has_null,omitempty"`
}

// mayMatch answers whether a pushed predicate can possibly select a row
// given this zone map entry. Pushed predicates never match nulls, so an
// all-null column rules the block out.
func (s *ColumnStats) mayMatch(p *predicate.Predicate) bool {
	if s == nil {
		return true
	}
	if s.Min == nil || s.Max == nil {
		return false
	}
	min, max := *s.Min, *s.Max
	switch p.Type {
	case predicate.Equality:
		return types.Compare(p.Value, min) >= 0 && types.Compare(p.Value, max) <= 0
	case predicate.Range:
		switch p.Operator {
		case "<":
			return types.Compare(min, p.Value) < 0
		case "<=":
			return types.Compare(min, p.Value) <= 0
		case ">":
			return types.Compare(max, p.Value) > 0
		case ">=":
			return types.Compare(max, p.Value) >= 0
		}
		return true
	case predicate.Between:
		return types.Compare(max, p.Low) >= 0 && types.Compare(min, p.High) <= 0
	case predicate.In:
		for _, v := range p.Values {
			if types.Compare(v, min) >= 0 && types.Compare(v, max) <= 0 {
				return true
			}
		}
		return false
	}
	return true
}

// BlockMeta describes one block of the tablet: its row window, key
// bounds, zone maps and the secondary index payloads used for may-match
// pruning.
type BlockMeta struct {
	Ordinal  int    `json:"ordinal"`
	StartRow int64  `json:"start_row"`
	RowCount int    `json:"row_count"`
	Path     string `json:"path"`

	KeyMin []types.Value `json:"key_min,omitempty"`
	KeyMax []types.Value `json:"key_max,omitempty"`

	Zones map[string]*ColumnStats `json:"zones,omitempty"`

	// Blooms holds serialized bloom filters keyed by column name.
	Blooms map[string][]byte `json:"blooms,omitempty"`

	// Bitmaps holds bitmap indexes: column name to value key to a
	// serialized roaring bitmap of block-relative row ordinals.
	Bitmaps map[string]map[string][]byte `json:"bitmaps,omitempty"`
}

// DeleteVectorRef points at one version's delete vector object.
type DeleteVectorRef struct {
	Version uint64 `json:"version"`
	Path    string `json:"path"`
}

// Meta is the tablet's metadata sidecar, stored as meta.json next to the
// block files.
type Meta struct {
	TabletID      uuid.UUID           `json:"tablet_id"`
	SchemaVersion int                 `json:"schema_version"`
	Schema        *types.TabletSchema `json:"schema"`
	RowCount      int64               `json:"row_count"`
	Blocks        []BlockMeta         `json:"blocks"`
	DeleteVectors []DeleteVectorRef   `json:"delete_vectors,omitempty"`

	// LocalDicts holds the per-column local dictionaries for
	// dictionary-encoded columns, keyed by column name. Code i maps to
	// the i-th entry.
	LocalDicts map[string][]string `json:"local_dicts,omitempty"`
}

// columnPage holds one column's values within a block file. Exactly one
// of the value arrays is populated, chosen by the column's type; dict
// encoded string columns store local codes instead of strings. Null rows
// are listed by ordinal and carry a zero placeholder in the value array.
type columnPage struct {
	Name    string   `json:"name"`
	Nulls   []int    `json:"nulls,omitempty"`
	Ints    []int64  `json:"ints,omitempty"`
	Floats  []float64 `json:"floats,omitempty"`
	Strings []string `json:"strings,omitempty"`
	Bytes   [][]byte `json:"bytes,omitempty"`
	Codes   []uint32 `json:"codes,omitempty"`
}

// blockFile is the decoded form of a block object: snappy-compressed
// JSON, one page per column.
type blockFile struct {
	Ordinal  int          `json:"ordinal"`
	RowCount int          `json:"row_count"`
	Pages    []columnPage `json:"pages"`
}

func (bf *blockFile) page(name string) *columnPage {
	for i := range bf.Pages {
		if bf.Pages[i].Name == name {
			return &bf.Pages[i]
		}
	}
	return nil
}

// nullMask expands the null ordinal list into a per-row mask.
func (p *columnPage) nullMask(rowCount int) []bool {
	mask := make([]bool, rowCount)
	for _, i := range p.Nulls {
		if i >= 0 && i < rowCount {
			mask[i] = true
		}
	}
	return mask
}

// value materializes row i of the page. Dict-encoded pages need the
// column's local dictionary to decode.
func (p *columnPage) value(i int, def *types.ColumnDef, localDict []string) (types.Value, error) {
	for _, n := range p.Nulls {
		if n == i {
			return types.NullValue(), nil
		}
	}
	switch {
	case len(p.Codes) > 0:
		code := p.Codes[i]
		if int(code) >= len(localDict) {
			return types.Value{}, qerrors.New(qerrors.ErrCategoryStorage, qerrors.CodeCorruptionDetected,
				fmt.Sprintf("column %s: local code %d outside dictionary of %d entries", def.Name, code, len(localDict)))
		}
		return types.StringValue(localDict[code]), nil
	case def.Type == types.KindInt:
		return types.IntValue(p.Ints[i]), nil
	case def.Type == types.KindFloat:
		return types.FloatValue(p.Floats[i]), nil
	case def.Type == types.KindString:
		return types.StringValue(p.Strings[i]), nil
	case def.Type == types.KindBytes:
		return types.BytesValue(p.Bytes[i]), nil
	}
	return types.Value{}, qerrors.NewInternalError(fmt.Sprintf("column %s: unhandled type %s", def.Name, def.Type), nil)
}

// encodeBlock serializes a block file with snappy compression.
func encodeBlock(bf *blockFile) ([]byte, error) {
	raw, err := json.Marshal(bf)
	if err != nil {
		return nil, qerrors.NewIOError("failed to encode block", err)
	}
	return snappy.Encode(nil, raw), nil
}

// decodeBlock parses a snappy-compressed block object.
func decodeBlock(data []byte) (*blockFile, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, qerrors.NewIOError("failed to decompress block", err)
	}
	var bf blockFile
	if err := json.Unmarshal(raw, &bf); err != nil {
		return nil, qerrors.NewIOError("failed to decode block", err)
	}
	return &bf, nil
}
