package tablet

import (
	"context"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/quarrydb/quarry/internal/batch"
	"github.com/quarrydb/quarry/internal/bloom"
	"github.com/quarrydb/quarry/internal/dict"
	qerrors "github.com/quarrydb/quarry/internal/errors"
	"github.com/quarrydb/quarry/internal/predicate"
	"github.com/quarrydb/quarry/pkg/types"
)

// ReaderStats counts the reader's work. Row counters attribute each
// removed row to the first stage that removed it; a row pruned at block
// granularity is charged to the pruning stage without being read.
type ReaderStats struct {
	CompressedBytesRead int64
	IOTime              time.Duration
	BlocksRead          int64
	BlocksPruned        int64
	CacheHits           int64
	CacheMisses         int64

	RawRowsRead          int64
	RowsKeyRangeFiltered int64
	RowsZoneMapFiltered  int64
	RowsBloomFiltered    int64
	RowsBitmapFiltered   int64
	RowsDelVecFiltered   int64
	RowsPredFiltered     int64
	RowsRead             int64
}

// ReaderParams configures one tablet read.
type ReaderParams struct {
	// Columns lists the physical field indices to return, in output
	// order. With aggregation-on-read active the key columns must come
	// first, in schema order.
	Columns []int

	// KeyRanges bound the scan over the sort key; the disjunction of
	// ranges is scanned. Empty means full scan.
	KeyRanges []KeyRange

	// Pushed holds the predicates the reader evaluates exactly during
	// the scan.
	Pushed []*predicate.Predicate

	// DictMappings are global-to-local code mappings by physical field
	// index. A column with a mapping is returned as global codes.
	DictMappings dict.ColumnMappings

	// ChunkSize caps rows per returned batch. Defaults to 4096.
	ChunkSize int

	// SkipAggregation is set when the tablet holds at most one row per
	// key at the read version, letting the engine skip the merge path.
	SkipAggregation bool
}

type readerState int

const (
	stateCreated readerState = iota
	statePrepared
	stateOpened
	stateClosed
)

// pushedEval is the per-predicate evaluation plan built at prepare time.
type pushedEval struct {
	pred     *predicate.Predicate
	fieldIdx int
	def      *types.ColumnDef

	// localCodes is the set of matching local dictionary codes for
	// equality and IN predicates over dict-encoded columns. nil means
	// the predicate evaluates on materialized values.
	localCodes map[uint32]struct{}
}

// outColumn describes one output column of the reader.
type outColumn struct {
	fieldIdx int
	def      types.ColumnDef

	// localToGlobal is set for dictionary-mapped columns; the output
	// carries global codes as integers.
	localToGlobal []int32
}

// Reader scans one opened tablet version. The lifecycle is strict:
// NewReader, Prepare, Open, repeated Next until it returns a nil batch,
// Close. Open and Close are idempotent.
type Reader struct {
	tablet *Tablet
	params ReaderParams
	state  readerState

	evals   []pushedEval
	outCols []outColumn
	ranges  []KeyRange
	numKeys int

	deletes  *DeleteVector
	blockIdx int
	buffered [][]types.Value
	stats    ReaderStats
}

// NewReader creates a reader over an opened tablet.
func NewReader(t *Tablet) *Reader {
	return &Reader{tablet: t}
}

// Prepare validates parameters and builds the evaluation plan. Must be
// called exactly once, before Open.
func (r *Reader) Prepare(params ReaderParams) error {
	if r.state != stateCreated {
		return qerrors.NewInternalError("reader prepared twice", nil)
	}
	schema := r.tablet.meta.Schema
	if params.ChunkSize <= 0 {
		params.ChunkSize = 4096
	}
	if len(params.Columns) == 0 {
		return qerrors.NewInvalidSchema("reader requires at least one column")
	}

	numKeys := schema.NumKeyColumns()
	seen := make(map[int]bool, len(params.Columns))
	for i, fieldIdx := range params.Columns {
		if fieldIdx < 0 || fieldIdx >= len(schema.Columns) {
			return qerrors.NewColumnNotFound(fmt.Sprintf("field index %d", fieldIdx))
		}
		if seen[fieldIdx] {
			return qerrors.NewInvalidSchema(fmt.Sprintf(
				"column %s selected twice", schema.Columns[fieldIdx].Name))
		}
		seen[fieldIdx] = true
		if !params.SkipAggregation && i < numKeys && fieldIdx != i {
			return qerrors.NewInternalError(
				"aggregation-on-read requires key columns first in the read set", nil)
		}
	}
	if !params.SkipAggregation && len(params.Columns) < numKeys {
		return qerrors.NewInternalError(
			"aggregation-on-read requires all key columns in the read set", nil)
	}

	evals, err := r.buildEvals(params.Pushed, schema)
	if err != nil {
		return err
	}
	outCols, err := r.buildOutColumns(params, schema)
	if err != nil {
		return err
	}

	r.params = params
	r.evals = evals
	r.outCols = outCols
	r.ranges = normalizeKeyRanges(params.KeyRanges)
	r.numKeys = numKeys
	r.state = statePrepared
	return nil
}

func (r *Reader) buildEvals(pushed []*predicate.Predicate, schema *types.TabletSchema) ([]pushedEval, error) {
	evals := make([]pushedEval, 0, len(pushed))
	for _, p := range pushed {
		fieldIdx := schema.FieldIndex(p.Column)
		if fieldIdx < 0 {
			return nil, qerrors.NewColumnNotFound(p.Column)
		}
		ev := pushedEval{pred: p, fieldIdx: fieldIdx, def: &schema.Columns[fieldIdx]}

		// Equality and IN over a dict-encoded column compare in the code
		// domain: translate the predicate values through the local
		// dictionary once, here, instead of decoding every row.
		if localDict := r.tablet.LocalDict(p.Column); localDict != nil &&
			(p.Type == predicate.Equality || p.Type == predicate.In) && !p.Not {
			codes := make(map[uint32]struct{})
			lookup := make(map[string]uint32, len(localDict))
			for i, v := range localDict {
				lookup[v] = uint32(i)
			}
			values := p.Values
			if p.Type == predicate.Equality {
				values = []types.Value{p.Value}
			}
			for _, v := range values {
				if v.Kind != types.KindString {
					codes = nil
					break
				}
				if c, ok := lookup[v.Str]; ok {
					codes[c] = struct{}{}
				}
			}
			ev.localCodes = codes
		}
		evals = append(evals, ev)
	}
	return evals, nil
}

func (r *Reader) buildOutColumns(params ReaderParams, schema *types.TabletSchema) ([]outColumn, error) {
	outCols := make([]outColumn, 0, len(params.Columns))
	for _, fieldIdx := range params.Columns {
		def := schema.Columns[fieldIdx]
		oc := outColumn{fieldIdx: fieldIdx, def: def}
		if m, ok := params.DictMappings[fieldIdx]; ok && m != nil {
			localDict := r.tablet.LocalDict(def.Name)
			if localDict == nil {
				return nil, qerrors.NewDictionaryMappingError(fmt.Sprintf(
					"column %s: mapping supplied but tablet has no local dictionary", def.Name))
			}
			oc.localToGlobal = m.LocalToGlobal(len(localDict))
			for _, g := range oc.localToGlobal {
				if g < 0 {
					return nil, qerrors.NewDictionaryMappingError(fmt.Sprintf(
						"column %s: local dictionary value missing from global dictionary", def.Name))
				}
			}
			// The wire form of a mapped column is its global code.
			oc.def.Type = types.KindInt
		}
		outCols = append(outCols, oc)
	}
	return outCols, nil
}

// Open loads the delete vector and positions the reader at the first
// block. Calling Open on an already opened reader is a no-op.
func (r *Reader) Open(ctx context.Context) error {
	switch r.state {
	case stateOpened:
		return nil
	case statePrepared:
	default:
		return qerrors.NewInternalError("reader opened before prepare or after close", nil)
	}
	if err := ctx.Err(); err != nil {
		return qerrors.NewCancelled("tablet read cancelled")
	}

	// Warm the cache before the first pull; blocks that fail here report
	// their error when the scan reaches them.
	prefetch, err := r.tablet.PrefetchBlocks(ctx)
	if err != nil {
		return qerrors.NewCancelled("tablet read cancelled")
	}
	r.stats.CacheHits += int64(prefetch.Skipped)
	r.stats.CacheMisses += int64(prefetch.Fetched)

	dv, err := r.tablet.loadDeleteVector(ctx, r.tablet.handle.Version)
	if err != nil {
		return err
	}
	r.deletes = dv
	r.blockIdx = 0
	r.state = stateOpened
	return nil
}

// Next returns the next batch of at most ChunkSize rows. End of stream
// is a nil batch with a nil error.
func (r *Reader) Next(ctx context.Context) (*batch.Batch, error) {
	if r.state != stateOpened {
		return nil, qerrors.NewInternalError("reader not opened", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, qerrors.NewCancelled("tablet read cancelled")
	}

	for len(r.buffered) == 0 {
		if r.blockIdx >= len(r.tablet.meta.Blocks) {
			return nil, nil
		}
		bm := &r.tablet.meta.Blocks[r.blockIdx]
		r.blockIdx++
		if err := r.processBlock(ctx, bm); err != nil {
			return nil, err
		}
	}

	n := len(r.buffered)
	if n > r.params.ChunkSize {
		n = r.params.ChunkSize
	}
	defs := make([]types.ColumnDef, len(r.outCols))
	for i, oc := range r.outCols {
		defs[i] = oc.def
	}
	out := batch.New(defs, n)
	for _, row := range r.buffered[:n] {
		if err := out.AppendRow(row); err != nil {
			return nil, qerrors.NewInternalError("failed to assemble batch", err)
		}
	}
	r.buffered = r.buffered[n:]
	r.stats.RowsRead += int64(n)
	return out, nil
}

// processBlock runs one block through the filter stages and buffers the
// surviving rows.
func (r *Reader) processBlock(ctx context.Context, bm *BlockMeta) error {
	// Stage 1: key range pruning on block bounds.
	if !anyRangeOverlaps(r.ranges, bm.KeyMin, bm.KeyMax) {
		r.stats.BlocksPruned++
		r.stats.RowsKeyRangeFiltered += int64(bm.RowCount)
		return nil
	}

	// Stage 2: zone maps.
	for _, ev := range r.evals {
		if !bm.Zones[ev.pred.Column].mayMatch(ev.pred) {
			r.stats.BlocksPruned++
			r.stats.RowsZoneMapFiltered += int64(bm.RowCount)
			return nil
		}
	}

	// Stage 3: may-match indexes at block granularity.
	for _, ev := range r.evals {
		if prune, stage := r.indexPrunes(bm, ev); prune {
			r.stats.BlocksPruned++
			if stage == stageBloom {
				r.stats.RowsBloomFiltered += int64(bm.RowCount)
			} else {
				r.stats.RowsBitmapFiltered += int64(bm.RowCount)
			}
			return nil
		}
	}

	bf, compressed, ioTime, err := r.tablet.loadBlock(ctx, bm)
	if err != nil {
		return err
	}
	r.stats.BlocksRead++
	r.stats.CompressedBytesRead += compressed
	r.stats.IOTime += ioTime
	r.stats.RawRowsRead += int64(bm.RowCount)

	sel := make([]bool, bm.RowCount)
	for i := range sel {
		sel[i] = true
	}

	// Stage 1 again at row granularity.
	if len(r.ranges) > 0 {
		if err := r.filterKeyRanges(bf, sel); err != nil {
			return err
		}
	}

	// Stage 4: delete vector.
	for i := range sel {
		if sel[i] && r.deletes.IsDeleted(uint64(bm.StartRow)+uint64(i)) {
			sel[i] = false
			r.stats.RowsDelVecFiltered++
		}
	}

	// Row-level bitmap application for indexed equality and IN.
	for _, ev := range r.evals {
		if err := r.filterByBitmap(bm, ev, sel); err != nil {
			return err
		}
	}

	// Stage 5: exact evaluation of the pushed predicates.
	if err := r.filterPushed(bf, sel); err != nil {
		return err
	}

	// Stage 6: materialize output columns for surviving rows only.
	return r.materialize(bf, sel)
}

type indexStage int

const (
	stageBloom indexStage = iota
	stageBitmap
)

// indexPrunes answers whether a may-match index proves the block holds no
// matching row for an equality or IN predicate.
func (r *Reader) indexPrunes(bm *BlockMeta, ev pushedEval) (bool, indexStage) {
	p := ev.pred
	if p.Not || (p.Type != predicate.Equality && p.Type != predicate.In) {
		return false, 0
	}
	values := p.Values
	if p.Type == predicate.Equality {
		values = []types.Value{p.Value}
	}

	if data, ok := bm.Blooms[p.Column]; ok {
		filter, err := bloom.Deserialize(data)
		if err == nil {
			any := false
			for _, v := range values {
				if filter.MayContain(v.KeyBytes()) {
					any = true
					break
				}
			}
			if !any {
				return true, stageBloom
			}
		}
	}

	if perValue, ok := bm.Bitmaps[p.Column]; ok {
		any := false
		for _, v := range values {
			if _, present := perValue[bitmapKey(v)]; present {
				any = true
				break
			}
		}
		if !any {
			return true, stageBitmap
		}
	}
	return false, 0
}

// filterByBitmap intersects the selection with the union of the bitmap
// postings for the predicate's values.
func (r *Reader) filterByBitmap(bm *BlockMeta, ev pushedEval, sel []bool) error {
	p := ev.pred
	if p.Not || (p.Type != predicate.Equality && p.Type != predicate.In) {
		return nil
	}
	perValue, ok := bm.Bitmaps[p.Column]
	if !ok {
		return nil
	}
	values := p.Values
	if p.Type == predicate.Equality {
		values = []types.Value{p.Value}
	}
	union := roaring.New()
	for _, v := range values {
		data, present := perValue[bitmapKey(v)]
		if !present {
			continue
		}
		b := roaring.New()
		if err := b.UnmarshalBinary(data); err != nil {
			return qerrors.NewIOError(fmt.Sprintf("failed to decode bitmap index for %s", p.Column), err)
		}
		union.Or(b)
	}
	for i := range sel {
		if sel[i] && !union.Contains(uint32(i)) {
			sel[i] = false
			r.stats.RowsBitmapFiltered++
		}
	}
	return nil
}

func (r *Reader) filterKeyRanges(bf *blockFile, sel []bool) error {
	schema := r.tablet.meta.Schema
	key := make([]types.Value, r.numKeys)
	for i := range sel {
		if !sel[i] {
			continue
		}
		for k := 0; k < r.numKeys; k++ {
			def := &schema.Columns[k]
			page := bf.page(def.Name)
			if page == nil {
				return qerrors.NewInternalError(fmt.Sprintf("block missing key column %s", def.Name), nil)
			}
			v, err := page.value(i, def, r.tablet.LocalDict(def.Name))
			if err != nil {
				return err
			}
			key[k] = v
		}
		if !anyRangeContains(r.ranges, key) {
			sel[i] = false
			r.stats.RowsKeyRangeFiltered++
		}
	}
	return nil
}

func (r *Reader) filterPushed(bf *blockFile, sel []bool) error {
	for _, ev := range r.evals {
		page := bf.page(ev.pred.Column)
		if page == nil {
			return qerrors.NewInternalError(fmt.Sprintf("block missing column %s", ev.pred.Column), nil)
		}
		localDict := r.tablet.LocalDict(ev.pred.Column)

		if ev.localCodes != nil && len(page.Codes) > 0 {
			nulls := page.nullMask(len(sel))
			for i := range sel {
				if !sel[i] {
					continue
				}
				if nulls[i] {
					sel[i] = false
					r.stats.RowsPredFiltered++
					continue
				}
				if _, ok := ev.localCodes[page.Codes[i]]; !ok {
					sel[i] = false
					r.stats.RowsPredFiltered++
				}
			}
			continue
		}

		for i := range sel {
			if !sel[i] {
				continue
			}
			v, err := page.value(i, ev.def, localDict)
			if err != nil {
				return err
			}
			if !ev.pred.Matches(v) {
				sel[i] = false
				r.stats.RowsPredFiltered++
			}
		}
	}
	return nil
}

func (r *Reader) materialize(bf *blockFile, sel []bool) error {
	schema := r.tablet.meta.Schema

	pages := make([]*columnPage, len(r.outCols))
	nulls := make([][]bool, len(r.outCols))
	for c, oc := range r.outCols {
		def := &schema.Columns[oc.fieldIdx]
		page := bf.page(def.Name)
		if page == nil {
			return qerrors.NewInternalError(fmt.Sprintf("block missing column %s", def.Name), nil)
		}
		pages[c] = page
		nulls[c] = page.nullMask(len(sel))
	}

	for i := range sel {
		if !sel[i] {
			continue
		}
		row := make([]types.Value, len(r.outCols))
		for c, oc := range r.outCols {
			def := &schema.Columns[oc.fieldIdx]
			page := pages[c]
			if oc.localToGlobal != nil {
				if nulls[c][i] {
					row[c] = types.NullValue()
					continue
				}
				code := page.Codes[i]
				if int(code) >= len(oc.localToGlobal) {
					return qerrors.NewDictionaryMappingError(fmt.Sprintf(
						"column %s: local code %d outside mapping", def.Name, code))
				}
				row[c] = types.IntValue(int64(oc.localToGlobal[code]))
				continue
			}
			v, err := page.value(i, def, r.tablet.LocalDict(def.Name))
			if err != nil {
				return err
			}
			row[c] = v
		}
		r.buffered = append(r.buffered, row)
	}
	return nil
}

// Stats returns a snapshot of the reader's counters.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// Close releases the reader. Idempotent; safe to call from any state.
func (r *Reader) Close() error {
	r.state = stateClosed
	r.buffered = nil
	r.deletes = nil
	return nil
}
