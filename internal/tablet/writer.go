package tablet

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"

	"github.com/quarrydb/quarry/internal/bloom"
	qerrors "github.com/quarrydb/quarry/internal/errors"
	"github.com/quarrydb/quarry/internal/manifest"
	"github.com/quarrydb/quarry/internal/storage"
	"github.com/quarrydb/quarry/pkg/types"
)

// WriterOptions tunes tablet construction.
type WriterOptions struct {
	// BlockRows caps rows per block. Defaults to 1024.
	BlockRows int
	// BloomFPR is the target false positive rate for per-block bloom
	// filters on indexed columns. Defaults to 0.01.
	BloomFPR float64
}

// Writer builds one tablet version: buffers rows, then lays them out as
// sorted blocks with zone maps, secondary indexes and local dictionaries,
// and uploads the result to object storage.
type Writer struct {
	tabletID   uuid.UUID
	schema     *types.TabletSchema
	storage    storage.ObjectStorage
	objectPath string
	opts       WriterOptions

	rows    [][]types.Value
	deletes map[uint64]*DeleteVector
}

// NewWriter creates a Writer for the given schema, writing under
// objectPath in storage.
func NewWriter(tabletID uuid.UUID, schema *types.TabletSchema, objStorage storage.ObjectStorage, objectPath string, opts WriterOptions) (*Writer, error) {
	if !schema.Valid() {
		return nil, qerrors.NewInvalidSchema("writer requires a valid schema")
	}
	if opts.BlockRows <= 0 {
		opts.BlockRows = 1024
	}
	if opts.BloomFPR <= 0 {
		opts.BloomFPR = 0.01
	}
	return &Writer{
		tabletID:   tabletID,
		schema:     schema,
		storage:    objStorage,
		objectPath: objectPath,
		opts:       opts,
		deletes:    make(map[uint64]*DeleteVector),
	}, nil
}

// Append buffers one row. Values must match the schema's column order.
func (w *Writer) Append(vals ...types.Value) error {
	if len(vals) != len(w.schema.Columns) {
		return qerrors.NewInvalidSchema(fmt.Sprintf(
			"row has %d values, schema has %d columns", len(vals), len(w.schema.Columns)))
	}
	for i, v := range vals {
		def := &w.schema.Columns[i]
		if v.IsNull() {
			if !def.Nullable {
				return qerrors.NewInvalidSchema(fmt.Sprintf("column %s is not nullable", def.Name))
			}
			continue
		}
		if v.Kind != def.Type {
			return qerrors.NewInvalidSchema(fmt.Sprintf(
				"column %s: value kind %s does not match column type %s", def.Name, v.Kind, def.Type))
		}
	}
	row := make([]types.Value, len(vals))
	copy(row, vals)
	w.rows = append(w.rows, row)
	return nil
}

// Delete records deleted global row ordinals effective at a version.
func (w *Writer) Delete(version uint64, rows ...uint64) {
	dv, ok := w.deletes[version]
	if !ok {
		dv = NewDeleteVector()
		w.deletes[version] = dv
	}
	dv.MarkDeleted(rows...)
}

// bitmapKey renders a value as a bitmap index map key.
func bitmapKey(v types.Value) string {
	switch v.Kind {
	case types.KindInt:
		return strconv.FormatInt(v.Int, 10)
	case types.KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case types.KindString:
		return v.Str
	default:
		return string(v.KeyBytes())
	}
}

// Finish sorts the buffered rows by key, writes blocks, delete vectors
// and the metadata sidecar, and returns the catalog record describing the
// tablet version.
func (w *Writer) Finish(ctx context.Context, minVersion, maxVersion uint64) (*manifest.TabletRecord, error) {
	numKeys := w.schema.NumKeyColumns()
	sort.SliceStable(w.rows, func(i, j int) bool {
		return compareKeyPrefix(w.rows[i][:numKeys], w.rows[j][:numKeys]) < 0
	})

	localDicts := w.buildLocalDicts()

	meta := &Meta{
		TabletID:      w.tabletID,
		SchemaVersion: w.schema.Version,
		Schema:        w.schema,
		RowCount:      int64(len(w.rows)),
		LocalDicts:    localDicts,
	}

	tmpDir, err := os.MkdirTemp("", "quarry-writer-*")
	if err != nil {
		return nil, qerrors.NewIOError("failed to create staging directory", err)
	}
	defer os.RemoveAll(tmpDir)

	for start := 0; start < len(w.rows); start += w.opts.BlockRows {
		end := start + w.opts.BlockRows
		if end > len(w.rows) {
			end = len(w.rows)
		}
		bm, data, err := w.buildBlock(len(meta.Blocks), start, w.rows[start:end], localDicts)
		if err != nil {
			return nil, err
		}
		if err := w.upload(ctx, tmpDir, bm.Path, data); err != nil {
			return nil, err
		}
		meta.Blocks = append(meta.Blocks, *bm)
	}

	versions := make([]uint64, 0, len(w.deletes))
	for v := range w.deletes {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	for _, v := range versions {
		data, err := w.deletes[v].Serialize()
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("delvec_%d.bin", v)
		if err := w.upload(ctx, tmpDir, name, data); err != nil {
			return nil, err
		}
		meta.DeleteVectors = append(meta.DeleteVectors, DeleteVectorRef{Version: v, Path: name})
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, qerrors.NewIOError("failed to encode tablet metadata", err)
	}
	if err := w.upload(ctx, tmpDir, "meta.json", metaJSON); err != nil {
		return nil, err
	}

	return &manifest.TabletRecord{
		TabletID:      w.tabletID,
		SchemaHash:    w.schema.Hash(),
		SchemaVersion: w.schema.Version,
		MinVersion:    minVersion,
		MaxVersion:    maxVersion,
		ObjectPath:    w.objectPath,
		BlockCount:    len(meta.Blocks),
		RowCount:      int64(len(w.rows)),
		CreatedAt:     time.Now(),
	}, nil
}

// buildLocalDicts collects sorted distinct values for dictionary encoded
// string columns.
func (w *Writer) buildLocalDicts() map[string][]string {
	dicts := make(map[string][]string)
	for i := range w.schema.Columns {
		def := &w.schema.Columns[i]
		if !def.DictEncoded || def.Type != types.KindString {
			continue
		}
		seen := make(map[string]struct{})
		for _, row := range w.rows {
			if v := row[i]; !v.IsNull() {
				seen[v.Str] = struct{}{}
			}
		}
		values := make([]string, 0, len(seen))
		for v := range seen {
			values = append(values, v)
		}
		sort.Strings(values)
		dicts[def.Name] = values
	}
	return dicts
}

func (w *Writer) buildBlock(ordinal, startRow int, rows [][]types.Value, localDicts map[string][]string) (*BlockMeta, []byte, error) {
	numKeys := w.schema.NumKeyColumns()
	bm := &BlockMeta{
		Ordinal:  ordinal,
		StartRow: int64(startRow),
		RowCount: len(rows),
		Path:     fmt.Sprintf("block_%d.bin", ordinal),
		Zones:    make(map[string]*ColumnStats),
	}
	if len(rows) > 0 {
		bm.KeyMin = append([]types.Value(nil), rows[0][:numKeys]...)
		bm.KeyMax = append([]types.Value(nil), rows[len(rows)-1][:numKeys]...)
	}

	bf := &blockFile{Ordinal: ordinal, RowCount: len(rows)}

	for ci := range w.schema.Columns {
		def := &w.schema.Columns[ci]
		page := columnPage{Name: def.Name}
		stats := &ColumnStats{}
		dictValues, dictEncoded := localDicts[def.Name]

		var localCodes map[string]uint32
		if dictEncoded {
			localCodes = make(map[string]uint32, len(dictValues))
			for i, v := range dictValues {
				localCodes[v] = uint32(i)
			}
		}

		var filter *bloom.Filter
		if def.Indexed {
			filter = bloom.NewWithEstimates(len(rows), w.opts.BloomFPR)
		}
		var bitmaps map[string]*roaring.Bitmap
		if def.BitmapIndexed {
			bitmaps = make(map[string]*roaring.Bitmap)
		}

		for ri, row := range rows {
			v := row[ci]
			if v.IsNull() {
				stats.HasNull = true
				page.Nulls = append(page.Nulls, ri)
				w.appendPlaceholder(&page, def, dictEncoded)
				continue
			}

			if stats.Min == nil || types.Compare(v, *stats.Min) < 0 {
				vc := v
				stats.Min = &vc
			}
			if stats.Max == nil || types.Compare(v, *stats.Max) > 0 {
				vc := v
				stats.Max = &vc
			}
			if filter != nil {
				filter.Add(v.KeyBytes())
			}
			if bitmaps != nil {
				key := bitmapKey(v)
				b, ok := bitmaps[key]
				if !ok {
					b = roaring.New()
					bitmaps[key] = b
				}
				b.Add(uint32(ri))
			}

			switch {
			case dictEncoded:
				page.Codes = append(page.Codes, localCodes[v.Str])
			case def.Type == types.KindInt:
				page.Ints = append(page.Ints, v.Int)
			case def.Type == types.KindFloat:
				page.Floats = append(page.Floats, v.Float)
			case def.Type == types.KindString:
				page.Strings = append(page.Strings, v.Str)
			case def.Type == types.KindBytes:
				page.Bytes = append(page.Bytes, v.Bytes)
			}
		}

		bm.Zones[def.Name] = stats
		if filter != nil && filter.Count() > 0 {
			if bm.Blooms == nil {
				bm.Blooms = make(map[string][]byte)
			}
			bm.Blooms[def.Name] = filter.Serialize()
		}
		if len(bitmaps) > 0 {
			serialized := make(map[string][]byte, len(bitmaps))
			for key, b := range bitmaps {
				data, err := b.MarshalBinary()
				if err != nil {
					return nil, nil, qerrors.NewIOError(fmt.Sprintf("failed to encode bitmap index for %s", def.Name), err)
				}
				serialized[key] = data
			}
			if bm.Bitmaps == nil {
				bm.Bitmaps = make(map[string]map[string][]byte)
			}
			bm.Bitmaps[def.Name] = serialized
		}

		bf.Pages = append(bf.Pages, page)
	}

	data, err := encodeBlock(bf)
	if err != nil {
		return nil, nil, err
	}
	return bm, data, nil
}

// appendPlaceholder keeps value arrays row-aligned across nulls.
func (w *Writer) appendPlaceholder(page *columnPage, def *types.ColumnDef, dictEncoded bool) {
	switch {
	case dictEncoded:
		page.Codes = append(page.Codes, 0)
	case def.Type == types.KindInt:
		page.Ints = append(page.Ints, 0)
	case def.Type == types.KindFloat:
		page.Floats = append(page.Floats, 0)
	case def.Type == types.KindString:
		page.Strings = append(page.Strings, "")
	case def.Type == types.KindBytes:
		page.Bytes = append(page.Bytes, nil)
	}
}

func (w *Writer) upload(ctx context.Context, tmpDir, name string, data []byte) error {
	local := filepath.Join(tmpDir, name)
	if err := os.WriteFile(local, data, 0o644); err != nil {
		return qerrors.NewIOError(fmt.Sprintf("failed to stage %s", name), err)
	}
	if err := w.storage.Upload(ctx, local, path.Join(w.objectPath, name)); err != nil {
		return qerrors.NewIOError(fmt.Sprintf("failed to upload %s", name), err)
	}
	return nil
}
