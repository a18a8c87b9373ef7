// Package scan orchestrates tablet scans: it resolves columns, splits
// predicates between the reader and the residual stage, builds dictionary
// mappings, and drives a batch source through the
// Init/Open/GetChunk/Close lifecycle.
package scan

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quarrydb/quarry/internal/batch"
	"github.com/quarrydb/quarry/internal/dict"
	qerrors "github.com/quarrydb/quarry/internal/errors"
	"github.com/quarrydb/quarry/internal/predicate"
	"github.com/quarrydb/quarry/internal/tablet"
	"github.com/quarrydb/quarry/pkg/types"
)

// Source is the capability the scanner needs from a batch producer: a
// native tablet reader or an external connector client. End of stream is
// a nil batch with a nil error.
type Source interface {
	Open(ctx context.Context) error
	Next(ctx context.Context) (*batch.Batch, error)
	Close() error
}

// StatsSource is implemented by sources that track reader statistics; the
// scanner drains them incrementally into its counters.
type StatsSource interface {
	Stats() tablet.ReaderStats
}

// Request describes one tablet scan.
type Request struct {
	Handle          tablet.Handle
	Columns         []string
	Predicates      []*predicate.Predicate
	KeyRanges       []tablet.KeyRange
	GlobalDicts     dict.SnapshotSet
	SkipAggregation bool
}

// Options carry the ambient scanner settings.
type Options struct {
	// ChunkSize caps rows per batch. Defaults to 4096.
	ChunkSize int

	// MaxEmptyBatches bounds consecutive empty pulls before the scan is
	// declared stalled. 0 means unbounded.
	MaxEmptyBatches int

	Logger  *zap.Logger
	Metrics MetricsSink
}

type scannerState int

const (
	scanCreated scannerState = iota
	scanInited
	scanOpened
	scanClosed
)

// Scanner drives one scan on one goroutine. Lifecycle: Init once, Open
// (idempotent), GetChunk until it returns a nil batch, Close (idempotent,
// never fails, safe after a failed Init).
type Scanner struct {
	opts   Options
	logger *zap.Logger

	store *tablet.Store
	req   Request

	state      scannerState
	tab        *tablet.Tablet
	src        Source
	plan       *ColumnPlan
	residual   []*predicate.Predicate
	neverMatch bool
	statsFn    func() tablet.ReaderStats

	counters  Counters
	lastStats tablet.ReaderStats
	mem       MemScope
	pending   int64
}

// NewTabletScanner creates a scanner over the native tablet source.
func NewTabletScanner(store *tablet.Store, req Request, opts Options) *Scanner {
	return newScanner(opts, func(s *Scanner) { s.store = store; s.req = req })
}

// NewSourceScanner creates a scanner over an externally provided source,
// such as a connector client. The source must already produce batches in
// the caller's column order; residual predicates are still evaluated here.
func NewSourceScanner(src Source, residual []*predicate.Predicate, opts Options) *Scanner {
	return newScanner(opts, func(s *Scanner) {
		s.residual = residual
		s.src = &residualSource{scanner: s, inner: src}
		if ss, ok := src.(StatsSource); ok {
			s.statsFn = ss.Stats
		}
	})
}

func newScanner(opts Options, configure func(*Scanner)) *Scanner {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 4096
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scanner{opts: opts, logger: logger}
	configure(s)
	return s
}

// Init resolves the scan against the catalog and builds the source
// pipeline. For externally sourced scanners it only transitions state.
func (s *Scanner) Init(ctx context.Context) error {
	if s.state != scanCreated {
		return qerrors.NewInternalError("scanner initialized twice", nil)
	}
	if s.store == nil {
		// External source, already wired by the constructor.
		s.state = scanInited
		return nil
	}

	tab, err := s.store.Open(ctx, s.req.Handle)
	if err != nil {
		return err
	}
	s.tab = tab
	schema := tab.Meta().Schema

	split, err := predicate.SplitPredicates(s.req.Predicates, schema)
	if err != nil {
		return err
	}
	s.residual = split.Residual

	predCols := make([]string, 0, len(s.req.Predicates))
	for _, p := range s.req.Predicates {
		predCols = append(predCols, p.Column)
	}
	plan, err := ResolveColumns(schema, s.req.Columns, predCols, s.req.SkipAggregation)
	if err != nil {
		return err
	}
	s.plan = plan

	mappings := s.buildMappings(schema, plan)
	s.pruneIncompatibleMappings(schema, mappings)
	s.translateResidual(schema, mappings)

	reader := tablet.NewReader(tab)
	err = reader.Prepare(tablet.ReaderParams{
		Columns:         plan.ReaderColumns,
		KeyRanges:       s.req.KeyRanges,
		Pushed:          split.Pushed,
		DictMappings:    mappings,
		ChunkSize:       s.opts.ChunkSize,
		SkipAggregation: s.req.SkipAggregation,
	})
	if err != nil {
		return fmt.Errorf("tablet %s: reader prepare: %w", s.req.Handle, err)
	}

	s.statsFn = reader.Stats
	s.src = NewProjection(&residualSource{scanner: s, inner: reader}, plan)
	s.state = scanInited
	return nil
}

// buildMappings constructs dictionary mappings for the reader columns.
// Mapping failures are per-column and recoverable: the column scans
// un-encoded and the failure is logged, not returned.
func (s *Scanner) buildMappings(schema *types.TabletSchema, plan *ColumnPlan) dict.ColumnMappings {
	if len(s.req.GlobalDicts) == 0 {
		return nil
	}
	locals := make(map[int][]string)
	for _, fieldIdx := range plan.ReaderColumns {
		name := schema.Columns[fieldIdx].Name
		if d := s.tab.LocalDict(name); d != nil {
			locals[fieldIdx] = d
		}
	}
	res := dict.BuildMappings(s.req.GlobalDicts, schema, plan.ReaderColumns, locals)
	for fieldIdx, ferr := range res.Fallback {
		s.logger.Warn("dictionary mapping fallback",
			zap.String("tablet", s.req.Handle.String()),
			zap.String("column", schema.Columns[fieldIdx].Name),
			zap.Error(ferr))
	}
	return res.Mappings
}

// pruneIncompatibleMappings drops mappings for columns whose residual
// predicates cannot compare in the code domain; those columns scan as
// plain strings.
func (s *Scanner) pruneIncompatibleMappings(schema *types.TabletSchema, mappings dict.ColumnMappings) {
	for _, p := range s.residual {
		if (p.Type == predicate.Equality || p.Type == predicate.In) && !p.Not {
			continue
		}
		fieldIdx := schema.FieldIndex(p.Column)
		if fieldIdx < 0 {
			continue
		}
		if _, ok := mappings[fieldIdx]; ok {
			delete(mappings, fieldIdx)
		}
	}
}

// translateResidual rewrites residual equality and IN predicates over
// dict-mapped columns into the global code domain, since those columns
// surface as codes. A value the global dictionary has never seen can
// match nothing, which short-circuits the whole conjunction.
func (s *Scanner) translateResidual(schema *types.TabletSchema, mappings dict.ColumnMappings) {
	if len(mappings) == 0 {
		return
	}
	out := make([]*predicate.Predicate, 0, len(s.residual))
	for _, p := range s.residual {
		fieldIdx := schema.FieldIndex(p.Column)
		if fieldIdx < 0 {
			out = append(out, p)
			continue
		}
		if _, mapped := mappings[fieldIdx]; !mapped {
			out = append(out, p)
			continue
		}
		snap := s.req.GlobalDicts[schema.Columns[fieldIdx].ID]
		switch p.Type {
		case predicate.Equality:
			code, ok := snap.Code(p.Value.Str)
			if !ok {
				s.neverMatch = true
				continue
			}
			out = append(out, predicate.Eq(p.Column, types.IntValue(int64(code))))
		case predicate.In:
			var codes []types.Value
			for _, v := range p.Values {
				if c, ok := snap.Code(v.Str); ok {
					codes = append(codes, types.IntValue(int64(c)))
				}
			}
			if len(codes) == 0 {
				s.neverMatch = true
				continue
			}
			out = append(out, predicate.InList(p.Column, codes...))
		default:
			out = append(out, p)
		}
	}
	s.residual = out
}

// Open activates the source. Idempotent.
func (s *Scanner) Open(ctx context.Context) error {
	switch s.state {
	case scanOpened:
		return nil
	case scanInited:
	default:
		return qerrors.NewInternalError("scanner opened before init or after close", nil)
	}
	if err := s.src.Open(ctx); err != nil {
		return err
	}
	s.state = scanOpened
	return nil
}

// GetChunk returns the next non-empty batch, or a nil batch at end of
// stream. Empty batches from the source are retried internally, bounded
// by MaxEmptyBatches when set. Ownership of the returned batch transfers
// to the caller.
func (s *Scanner) GetChunk(ctx context.Context) (*batch.Batch, error) {
	if s.state != scanOpened {
		return nil, qerrors.NewInternalError("scanner not opened", nil)
	}
	start := time.Now()
	defer func() { s.counters.ScanTime += time.Since(start) }()

	// The previous batch now belongs to the caller.
	s.mem.Debit(s.pending)
	s.pending = 0

	empties := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, qerrors.NewCancelled(fmt.Sprintf("scan of tablet %s cancelled", s.req.Handle))
		}

		b, err := s.src.Next(ctx)
		s.drainStats()
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, nil
		}

		s.counters.Batches++
		if b.NumRows() > 0 {
			s.counters.RowsReturned += int64(b.NumRows())
			return b, nil
		}

		s.mem.Debit(s.pending)
		s.pending = 0
		s.counters.EmptyBatches++
		empties++
		if s.opts.MaxEmptyBatches > 0 && empties >= s.opts.MaxEmptyBatches {
			return nil, qerrors.New(qerrors.ErrCategoryScan, qerrors.CodeScanStalled,
				fmt.Sprintf("scan of tablet %s produced %d consecutive empty batches", s.req.Handle, empties))
		}
	}
}

func (s *Scanner) drainStats() {
	if s.statsFn != nil {
		s.counters.Drain(s.statsFn(), &s.lastStats)
	}
}

// Counters returns the scanner's counters. Totals are final after Close.
func (s *Scanner) Counters() *Counters { return &s.counters }

// MemScope returns the scanner's memory accounting scope.
func (s *Scanner) MemScope() *MemScope { return &s.mem }

// Close tears the scanner down: closes the source, drains the last
// counter deltas and flushes them to the metrics sink exactly once.
// Always returns nil; cleanup failures are logged. Safe to call at any
// point, including after a failed Init, and safe to call twice.
func (s *Scanner) Close() error {
	if s.state == scanClosed {
		return nil
	}
	s.state = scanClosed

	s.mem.Debit(s.pending)
	s.pending = 0

	if s.src != nil {
		if err := s.src.Close(); err != nil {
			s.logger.Warn("scan source close failed",
				zap.String("tablet", s.req.Handle.String()),
				zap.Error(err))
		}
	}
	s.drainStats()
	s.counters.FlushTo(s.opts.Metrics)
	return nil
}

// residualSource applies the residual predicate stage to every batch the
// inner source produces, with symmetric memory accounting: the full batch
// is credited, the filtered-away share debited, and the retained share
// released when the scanner hands the batch on.
type residualSource struct {
	scanner *Scanner
	inner   Source
}

func (r *residualSource) Open(ctx context.Context) error {
	return r.inner.Open(ctx)
}

func (r *residualSource) Next(ctx context.Context) (*batch.Batch, error) {
	b, err := r.inner.Next(ctx)
	if err != nil || b == nil {
		return nil, err
	}
	s := r.scanner

	full := b.MemoryUsage()
	s.mem.Credit(full)

	n := b.NumRows()
	if s.neverMatch {
		sel := make([]bool, n)
		if err := b.Filter(sel); err != nil {
			return nil, qerrors.NewInternalError("residual filter failed", err)
		}
		s.counters.ResidualRowsFiltered += int64(n)
	} else if len(s.residual) > 0 && n > 0 {
		sel := make([]bool, n)
		for i := range sel {
			sel[i] = true
		}
		if err := predicate.Evaluate(s.residual, b, sel); err != nil {
			return nil, err
		}
		if err := b.Filter(sel); err != nil {
			return nil, qerrors.NewInternalError("residual filter failed", err)
		}
		s.counters.ResidualRowsFiltered += int64(n - b.NumRows())
	}

	retained := b.MemoryUsage()
	s.mem.Debit(full - retained)
	s.pending = retained
	return b, nil
}

func (r *residualSource) Close() error {
	return r.inner.Close()
}
