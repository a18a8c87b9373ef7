// Package main implements the quarry-scan command line tool. It scans one
// or more tablets (or an external connector table) and prints the
// resulting rows, with per-scan counters on demand.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/quarrydb/quarry/internal/batch"
	"github.com/quarrydb/quarry/internal/config"
	"github.com/quarrydb/quarry/internal/connector"
	"github.com/quarrydb/quarry/internal/logutil"
	"github.com/quarrydb/quarry/internal/manifest"
	"github.com/quarrydb/quarry/internal/predicate"
	"github.com/quarrydb/quarry/internal/scan"
	"github.com/quarrydb/quarry/internal/storage"
	"github.com/quarrydb/quarry/internal/tablet"
	"github.com/quarrydb/quarry/pkg/types"
)

type flags struct {
	configPath string
	tablets    string
	table      string
	columns    string
	version    uint64
	where      string
	counters   bool
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "Path to config file (YAML or JSON)")
	flag.StringVar(&f.tablets, "tablets", "", "Comma-separated tablet ids to scan")
	flag.StringVar(&f.table, "table", "", "Connector table to scan instead of tablets")
	flag.StringVar(&f.columns, "columns", "", "Comma-separated column names (required)")
	flag.Uint64Var(&f.version, "version", 0, "Read version (required for tablet scans)")
	flag.StringVar(&f.where, "where", "", "Predicates, semicolon-separated: col OP value")
	flag.BoolVar(&f.counters, "counters", false, "Print scan counters after each scan")
	flag.Parse()

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quarry-scan: %v\n", err)
		os.Exit(1)
	}
	logger, err := logutil.Setup(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quarry-scan: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, f); err != nil {
		logger.Error("scan failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, f flags) error {
	columns := splitList(f.columns)
	if len(columns) == 0 {
		return fmt.Errorf("at least one column is required")
	}
	preds, err := parsePredicates(f.where)
	if err != nil {
		return err
	}

	if f.table != "" {
		return runConnectorScan(ctx, cfg, logger, f, columns, preds)
	}
	return runTabletScans(ctx, cfg, logger, f, columns, preds)
}

func runTabletScans(ctx context.Context, cfg *config.Config, logger *zap.Logger, f flags, columns []string, preds []*predicate.Predicate) error {
	ids := splitList(f.tablets)
	if len(ids) == 0 {
		return fmt.Errorf("either -tablets or -table is required")
	}
	if f.version == 0 {
		return fmt.Errorf("-version is required for tablet scans")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	objStore, err := buildStorage(ctx, cfg)
	if err != nil {
		return err
	}
	catalog, err := manifest.NewCatalog(cfg.ManifestPath())
	if err != nil {
		return err
	}
	defer catalog.Close()

	store := tablet.NewStore(catalog, objStore, cfg.Scan.CacheDir, cfg.Scan.PrefetchConcurrency)

	// Fan out over tablets, bounded by the configured concurrency. Output
	// is serialized per tablet so rows never interleave.
	sem := semaphore.NewWeighted(int64(cfg.Scan.Concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, raw := range ids {
		tabletID, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("bad tablet id %q: %w", raw, err)
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			defer sem.Release(1)
			if err := scanOneTablet(ctx, cfg, logger, store, catalog, id, f, columns, preds, &mu); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				logger.Error("tablet scan failed", zap.String("tablet", id.String()), zap.Error(err))
			}
		}(tabletID)
	}
	wg.Wait()
	return firstErr
}

func scanOneTablet(ctx context.Context, cfg *config.Config, logger *zap.Logger, store *tablet.Store, catalog manifest.Catalog, id uuid.UUID, f flags, columns []string, preds []*predicate.Predicate, mu *sync.Mutex) error {
	rec, err := catalog.GetTablet(ctx, id)
	if err != nil {
		return err
	}

	sink := scan.NewMapSink()
	s := scan.NewTabletScanner(store, scan.Request{
		Handle:     tablet.Handle{TabletID: id, SchemaHash: rec.SchemaHash, Version: f.version},
		Columns:    columns,
		Predicates: preds,
	}, scan.Options{
		ChunkSize:       cfg.Scan.ChunkSize,
		MaxEmptyBatches: cfg.Scan.MaxEmptyBatches,
		Logger:          logger,
		Metrics:         sink,
	})
	defer s.Close()

	if err := s.Init(ctx); err != nil {
		return err
	}
	if err := s.Open(ctx); err != nil {
		return err
	}

	var rows []string
	for {
		b, err := s.GetChunk(ctx)
		if err != nil {
			return err
		}
		if b == nil {
			break
		}
		rows = append(rows, renderBatch(b)...)
	}
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	fmt.Printf("-- tablet %s@%d (%d rows)\n", id, f.version, len(rows))
	for _, row := range rows {
		fmt.Println(row)
	}
	if f.counters {
		printCounters(sink)
	}
	return nil
}

func runConnectorScan(ctx context.Context, cfg *config.Config, logger *zap.Logger, f flags, columns []string, preds []*predicate.Predicate) error {
	if cfg.Connector.Endpoint == "" {
		return fmt.Errorf("connector.endpoint is not configured")
	}

	client, err := connector.Dial(cfg.Connector.Endpoint, connector.Session{
		Table:      f.table,
		Columns:    columns,
		Predicates: preds,
		ChunkSize:  cfg.Scan.ChunkSize,
	}, logger)
	if err != nil {
		return err
	}

	sink := scan.NewMapSink()
	s := scan.NewSourceScanner(client, preds, scan.Options{
		ChunkSize:       cfg.Scan.ChunkSize,
		MaxEmptyBatches: cfg.Scan.MaxEmptyBatches,
		Logger:          logger,
		Metrics:         sink,
	})
	defer s.Close()

	if err := s.Init(ctx); err != nil {
		return err
	}
	if err := s.Open(ctx); err != nil {
		return err
	}

	total := 0
	for {
		b, err := s.GetChunk(ctx)
		if err != nil {
			return err
		}
		if b == nil {
			break
		}
		for _, row := range renderBatch(b) {
			fmt.Println(row)
		}
		total += b.NumRows()
	}
	s.Close()

	fmt.Printf("-- table %s (%d rows)\n", f.table, total)
	if f.counters {
		printCounters(sink)
	}
	return nil
}

func buildStorage(ctx context.Context, cfg *config.Config) (storage.ObjectStorage, error) {
	if cfg.Storage.Type == "s3" {
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:         cfg.Storage.S3.Bucket,
			Region:         cfg.Storage.S3.Region,
			Endpoint:       cfg.Storage.S3.Endpoint,
			ForcePathStyle: cfg.Storage.S3.ForcePathStyle,
		})
	}
	return storage.NewLocalStorage(cfg.Storage.Path)
}

func renderBatch(b *batch.Batch) []string {
	rows := make([]string, 0, b.NumRows())
	for i := 0; i < b.NumRows(); i++ {
		parts := make([]string, b.NumColumns())
		for j, v := range b.Row(i) {
			parts[j] = v.String()
		}
		rows = append(rows, strings.Join(parts, "\t"))
	}
	return rows
}

func printCounters(sink *scan.MapSink) {
	names := sink.Names()
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("   %s=%d\n", name, sink.Get(name))
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parsePredicates parses "col OP value" conditions separated by
// semicolons. OP is one of =, !=, <, <=, >, >=. Values parse as integer,
// then float, then string.
func parsePredicates(where string) ([]*predicate.Predicate, error) {
	if strings.TrimSpace(where) == "" {
		return nil, nil
	}
	ops := []string{"!=", ">=", "<=", "=", ">", "<"}
	var preds []*predicate.Predicate
	for _, clause := range strings.Split(where, ";") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		var col, op, raw string
		for _, candidate := range ops {
			if i := strings.Index(clause, candidate); i > 0 {
				col = strings.TrimSpace(clause[:i])
				op = candidate
				raw = strings.TrimSpace(clause[i+len(candidate):])
				break
			}
		}
		if op == "" {
			return nil, fmt.Errorf("cannot parse predicate %q", clause)
		}
		v := parseValue(raw)
		switch op {
		case "=":
			preds = append(preds, predicate.Eq(col, v))
		case "!=":
			preds = append(preds, predicate.Ne(col, v))
		default:
			preds = append(preds, predicate.Cmp(col, op, v))
		}
	}
	return preds, nil
}

func parseValue(raw string) types.Value {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return types.IntValue(n)
	}
	if x, err := strconv.ParseFloat(raw, 64); err == nil {
		return types.FloatValue(x)
	}
	return types.StringValue(strings.Trim(raw, `'"`))
}
