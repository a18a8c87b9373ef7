package tablet

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/google/uuid"

	qerrors "github.com/quarrydb/quarry/internal/errors"
	"github.com/quarrydb/quarry/internal/manifest"
	"github.com/quarrydb/quarry/internal/storage"
)

// Handle identifies one tablet version for reading. SchemaHash guards
// against stale routing: a scan arriving with a hash the catalog does not
// recognize for the tablet fails as not-found.
type Handle struct {
	TabletID   uuid.UUID
	SchemaHash uint64
	Version    uint64
}

func (h Handle) String() string {
	return fmt.Sprintf("%s@%d", h.TabletID, h.Version)
}

// Store opens tablets by handle. It resolves the handle through the
// manifest catalog, then fetches the tablet's metadata and block objects
// into a local cache.
type Store struct {
	catalog  manifest.Catalog
	storage  storage.ObjectStorage
	prefetch *storage.Prefetcher
}

// NewStore creates a Store caching fetched objects under cacheDir with
// the given download concurrency.
func NewStore(catalog manifest.Catalog, objStorage storage.ObjectStorage, cacheDir string, concurrency int) *Store {
	return &Store{
		catalog:  catalog,
		storage:  objStorage,
		prefetch: storage.NewPrefetcher(objStorage, cacheDir, concurrency),
	}
}

// Open resolves a handle and loads the tablet's metadata. Block data is
// fetched lazily as the reader touches it.
func (s *Store) Open(ctx context.Context, h Handle) (*Tablet, error) {
	rec, err := s.catalog.ResolveForRead(ctx, h.TabletID, h.SchemaHash, h.Version)
	if err != nil {
		return nil, err
	}

	metaPath := path.Join(rec.ObjectPath, "meta.json")
	local, err := s.fetch(ctx, metaPath)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(local)
	if err != nil {
		return nil, qerrors.NewIOError(fmt.Sprintf("failed to read tablet metadata %s", metaPath), err)
	}

	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, qerrors.New(qerrors.ErrCategoryStorage, qerrors.CodeCorruptionDetected,
			fmt.Sprintf("corrupt tablet metadata %s: %v", metaPath, err))
	}
	if meta.TabletID != h.TabletID {
		return nil, qerrors.New(qerrors.ErrCategoryStorage, qerrors.CodeCorruptionDetected,
			fmt.Sprintf("tablet metadata %s belongs to %s, expected %s", metaPath, meta.TabletID, h.TabletID))
	}

	return &Tablet{
		handle: h,
		record: rec,
		meta:   &meta,
		store:  s,
	}, nil
}

func (s *Store) fetch(ctx context.Context, objectPath string) (string, error) {
	res, err := s.prefetch.Fetch(ctx, []string{objectPath})
	if err != nil {
		return "", qerrors.NewCancelled("tablet fetch cancelled")
	}
	if ferr, ok := res.Errors[objectPath]; ok {
		return "", qerrors.NewIOError(fmt.Sprintf("failed to fetch %s", objectPath), ferr)
	}
	return s.prefetch.LocalPath(objectPath), nil
}

// Tablet is an opened tablet version: resolved catalog record plus parsed
// metadata, with block data reachable through the store's cache.
type Tablet struct {
	handle Handle
	record *manifest.TabletRecord
	meta   *Meta
	store  *Store
}

// Handle returns the handle the tablet was opened with.
func (t *Tablet) Handle() Handle { return t.handle }

// Meta returns the tablet's parsed metadata.
func (t *Tablet) Meta() *Meta { return t.meta }

// LocalDict returns the local dictionary for a column, nil when the
// column is not dictionary encoded in this tablet version.
func (t *Tablet) LocalDict(column string) []string {
	return t.meta.LocalDicts[column]
}

// PrefetchBlocks pulls every block object into the local cache up front.
// Per-object failures surface later when the reader touches the block.
func (t *Tablet) PrefetchBlocks(ctx context.Context) (*storage.PrefetchResult, error) {
	paths := make([]string, 0, len(t.meta.Blocks))
	for _, b := range t.meta.Blocks {
		paths = append(paths, path.Join(t.record.ObjectPath, b.Path))
	}
	return t.store.prefetch.Fetch(ctx, paths)
}

// loadBlock fetches and decodes one block, reporting the compressed size
// and I/O wall time for the reader's counters.
func (t *Tablet) loadBlock(ctx context.Context, bm *BlockMeta) (*blockFile, int64, time.Duration, error) {
	start := time.Now()
	objectPath := path.Join(t.record.ObjectPath, bm.Path)
	local, err := t.store.fetch(ctx, objectPath)
	if err != nil {
		return nil, 0, time.Since(start), err
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return nil, 0, time.Since(start), qerrors.NewIOError(fmt.Sprintf("failed to read block %s", objectPath), err)
	}
	ioTime := time.Since(start)

	bf, err := decodeBlock(data)
	if err != nil {
		return nil, int64(len(data)), ioTime, err
	}
	if bf.RowCount != bm.RowCount {
		return nil, int64(len(data)), ioTime, qerrors.New(qerrors.ErrCategoryStorage, qerrors.CodeCorruptionDetected,
			fmt.Sprintf("block %s has %d rows, metadata says %d", objectPath, bf.RowCount, bm.RowCount))
	}
	return bf, int64(len(data)), ioTime, nil
}

// loadDeleteVector assembles the delete vector visible at the given read
// version: the union of every stored vector at or below it.
func (t *Tablet) loadDeleteVector(ctx context.Context, version uint64) (*DeleteVector, error) {
	dv := NewDeleteVector()
	for _, ref := range t.meta.DeleteVectors {
		if ref.Version > version {
			continue
		}
		objectPath := path.Join(t.record.ObjectPath, ref.Path)
		local, err := t.store.fetch(ctx, objectPath)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(local)
		if err != nil {
			return nil, qerrors.NewIOError(fmt.Sprintf("failed to read delete vector %s", objectPath), err)
		}
		if err := dv.Merge(data); err != nil {
			return nil, err
		}
	}
	return dv, nil
}
