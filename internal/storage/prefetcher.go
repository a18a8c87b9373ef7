package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Prefetcher downloads a set of objects into a local cache directory with
// bounded concurrency. Objects already present in the cache are skipped,
// so repeated scans of the same tablet hit the local copy.
type Prefetcher struct {
	storage     ObjectStorage
	cacheDir    string
	concurrency int64
}

// PrefetchResult reports the outcome of a prefetch pass.
type PrefetchResult struct {
	Fetched int
	Skipped int
	// Errors maps object path to the error that prevented its download.
	Errors map[string]error
}

// NewPrefetcher creates a Prefetcher that caches objects under cacheDir.
// Concurrency values below 1 are clamped to 1.
func NewPrefetcher(storage ObjectStorage, cacheDir string, concurrency int) *Prefetcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Prefetcher{
		storage:     storage,
		cacheDir:    cacheDir,
		concurrency: int64(concurrency),
	}
}

// LocalPath returns the cache path an object will occupy after prefetch.
func (p *Prefetcher) LocalPath(objectPath string) string {
	return filepath.Join(p.cacheDir, filepath.FromSlash(objectPath))
}

// Fetch downloads the given objects into the cache. It continues past
// per-object failures and reports them in the result; the returned error
// is non-nil only when the context is cancelled.
func (p *Prefetcher) Fetch(ctx context.Context, objectPaths []string) (*PrefetchResult, error) {
	result := &PrefetchResult{Errors: make(map[string]error)}

	sem := semaphore.NewWeighted(p.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, objectPath := range objectPaths {
		localPath := p.LocalPath(objectPath)
		if _, err := os.Stat(localPath); err == nil {
			result.Skipped++
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return result, err
		}

		wg.Add(1)
		go func(objectPath, localPath string) {
			defer wg.Done()
			defer sem.Release(1)

			err := p.storage.Download(ctx, objectPath, localPath)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[objectPath] = err
			} else {
				result.Fetched++
			}
		}(objectPath, localPath)
	}

	wg.Wait()
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}
