package scan

import (
	"sync"
	"time"

	"github.com/quarrydb/quarry/internal/tablet"
)

// MetricsSink receives counter totals. Implementations must be safe for
// use from multiple scanners.
type MetricsSink interface {
	Add(name string, delta int64)
}

// MapSink is an in-memory MetricsSink keyed by metric name.
type MapSink struct {
	mu sync.Mutex
	m  map[string]int64
}

// NewMapSink returns an empty MapSink.
func NewMapSink() *MapSink {
	return &MapSink{m: make(map[string]int64)}
}

func (s *MapSink) Add(name string, delta int64) {
	s.mu.Lock()
	s.m[name] += delta
	s.mu.Unlock()
}

// Get returns the accumulated value for a metric.
func (s *MapSink) Get(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[name]
}

// Names returns the names of all metrics seen so far.
func (s *MapSink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.m))
	for name := range s.m {
		names = append(names, name)
	}
	return names
}

// Counters accumulates one scanner's work. It is written by the scanner
// goroutine only and flushed to a sink exactly once, at close.
type Counters struct {
	Reader tablet.ReaderStats

	Batches              int64
	EmptyBatches         int64
	RowsReturned         int64
	ResidualRowsFiltered int64
	ScanTime             time.Duration

	flushed bool
}

// Drain folds the delta between the reader's current stats and the last
// drained snapshot into the counters. Called per returned batch so
// observers see progress during long scans, not only at close.
func (c *Counters) Drain(cur tablet.ReaderStats, last *tablet.ReaderStats) {
	c.Reader.CompressedBytesRead += cur.CompressedBytesRead - last.CompressedBytesRead
	c.Reader.IOTime += cur.IOTime - last.IOTime
	c.Reader.BlocksRead += cur.BlocksRead - last.BlocksRead
	c.Reader.BlocksPruned += cur.BlocksPruned - last.BlocksPruned
	c.Reader.CacheHits += cur.CacheHits - last.CacheHits
	c.Reader.CacheMisses += cur.CacheMisses - last.CacheMisses
	c.Reader.RawRowsRead += cur.RawRowsRead - last.RawRowsRead
	c.Reader.RowsKeyRangeFiltered += cur.RowsKeyRangeFiltered - last.RowsKeyRangeFiltered
	c.Reader.RowsZoneMapFiltered += cur.RowsZoneMapFiltered - last.RowsZoneMapFiltered
	c.Reader.RowsBloomFiltered += cur.RowsBloomFiltered - last.RowsBloomFiltered
	c.Reader.RowsBitmapFiltered += cur.RowsBitmapFiltered - last.RowsBitmapFiltered
	c.Reader.RowsDelVecFiltered += cur.RowsDelVecFiltered - last.RowsDelVecFiltered
	c.Reader.RowsPredFiltered += cur.RowsPredFiltered - last.RowsPredFiltered
	c.Reader.RowsRead += cur.RowsRead - last.RowsRead
	*last = cur
}

// FlushTo writes the totals to the sink. Only the first call has effect.
func (c *Counters) FlushTo(sink MetricsSink) {
	if c.flushed || sink == nil {
		c.flushed = true
		return
	}
	c.flushed = true

	sink.Add("scan.batches", c.Batches)
	sink.Add("scan.empty_batches", c.EmptyBatches)
	sink.Add("scan.rows_returned", c.RowsReturned)
	sink.Add("scan.residual_rows_filtered", c.ResidualRowsFiltered)
	sink.Add("scan.time_ns", int64(c.ScanTime))

	sink.Add("reader.compressed_bytes_read", c.Reader.CompressedBytesRead)
	sink.Add("reader.io_time_ns", int64(c.Reader.IOTime))
	sink.Add("reader.blocks_read", c.Reader.BlocksRead)
	sink.Add("reader.blocks_pruned", c.Reader.BlocksPruned)
	sink.Add("reader.cache_hits", c.Reader.CacheHits)
	sink.Add("reader.cache_misses", c.Reader.CacheMisses)
	sink.Add("reader.raw_rows_read", c.Reader.RawRowsRead)
	sink.Add("reader.rows_key_range_filtered", c.Reader.RowsKeyRangeFiltered)
	sink.Add("reader.rows_zone_map_filtered", c.Reader.RowsZoneMapFiltered)
	sink.Add("reader.rows_bloom_filtered", c.Reader.RowsBloomFiltered)
	sink.Add("reader.rows_bitmap_filtered", c.Reader.RowsBitmapFiltered)
	sink.Add("reader.rows_delvec_filtered", c.Reader.RowsDelVecFiltered)
	sink.Add("reader.rows_pred_filtered", c.Reader.RowsPredFiltered)
	sink.Add("reader.rows_read", c.Reader.RowsRead)
}

// Flushed reports whether the counters already reached the sink.
func (c *Counters) Flushed() bool { return c.flushed }

// MemScope tracks the memory a scanner currently holds in flight. Credits
// and debits must pair up; Used reports the retained size.
type MemScope struct {
	used int64
	peak int64
}

// Credit records newly held bytes.
func (m *MemScope) Credit(n int64) {
	m.used += n
	if m.used > m.peak {
		m.peak = m.used
	}
}

// Debit releases held bytes.
func (m *MemScope) Debit(n int64) {
	m.used -= n
}

// Used returns the currently retained size.
func (m *MemScope) Used() int64 { return m.used }

// Peak returns the high-water mark.
func (m *MemScope) Peak() int64 { return m.peak }
