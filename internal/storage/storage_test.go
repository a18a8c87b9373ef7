package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestLocalStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	src := writeTemp(t, t.TempDir(), "block.bin", "block data")
	if err := store.Upload(ctx, src, "tablets/t1/block_0.bin"); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	exists, err := store.Exists(ctx, "tablets/t1/block_0.bin")
	if err != nil {
		t.Fatalf("exists failed: %v", err)
	}
	if !exists {
		t.Fatal("expected object to exist after upload")
	}

	dst := filepath.Join(t.TempDir(), "fetched.bin")
	if err := store.Download(ctx, "tablets/t1/block_0.bin", dst); err != nil {
		t.Fatalf("download failed: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(data) != "block data" {
		t.Errorf("downloaded content = %q, want %q", data, "block data")
	}
}

func TestLocalStorageDownloadMissing(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	err = store.Download(ctx, "tablets/missing.bin", filepath.Join(t.TempDir(), "out"))
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalStorageDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	src := writeTemp(t, t.TempDir(), "a.bin", "x")
	if err := store.Upload(ctx, src, "a.bin"); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if err := store.Delete(ctx, "a.bin"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.Delete(ctx, "a.bin"); err != nil {
		t.Errorf("second delete should be a no-op, got %v", err)
	}
}

func TestLocalStorageRejectsEscapingPaths(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	if err := store.Download(ctx, "../outside.bin", filepath.Join(t.TempDir(), "out")); err == nil {
		t.Error("expected error for path escaping base directory")
	}
}

func TestLocalStorageListObjects(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	tmp := t.TempDir()
	for _, name := range []string{"tablets/t1/block_0.bin", "tablets/t1/block_1.bin", "tablets/t2/block_0.bin"} {
		src := writeTemp(t, tmp, filepath.Base(name)+".src", "x")
		if err := store.Upload(ctx, src, name); err != nil {
			t.Fatalf("upload %s failed: %v", name, err)
		}
	}

	objects, err := store.ListObjects(ctx, "tablets/t1/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(objects) != 2 {
		t.Errorf("expected 2 objects under tablets/t1/, got %d: %v", len(objects), objects)
	}
}

func TestPrefetcherFetchesAndSkips(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	tmp := t.TempDir()
	paths := []string{"t1/block_0.bin", "t1/block_1.bin", "t1/block_2.bin"}
	for i, p := range paths {
		src := writeTemp(t, tmp, filepath.Base(p)+".src", string(rune('a'+i)))
		if err := store.Upload(ctx, src, p); err != nil {
			t.Fatalf("upload failed: %v", err)
		}
	}

	cacheDir := t.TempDir()
	pf := NewPrefetcher(store, cacheDir, 2)

	result, err := pf.Fetch(ctx, paths)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if result.Fetched != 3 || result.Skipped != 0 {
		t.Errorf("first pass: fetched=%d skipped=%d, want 3/0", result.Fetched, result.Skipped)
	}
	for _, p := range paths {
		if _, err := os.Stat(pf.LocalPath(p)); err != nil {
			t.Errorf("expected %s in cache: %v", p, err)
		}
	}

	result, err = pf.Fetch(ctx, paths)
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if result.Fetched != 0 || result.Skipped != 3 {
		t.Errorf("second pass: fetched=%d skipped=%d, want 0/3", result.Fetched, result.Skipped)
	}
}

func TestPrefetcherReportsPerObjectErrors(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	src := writeTemp(t, t.TempDir(), "b.src", "x")
	if err := store.Upload(ctx, src, "t1/block_0.bin"); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	pf := NewPrefetcher(store, t.TempDir(), 2)
	result, err := pf.Fetch(ctx, []string{"t1/block_0.bin", "t1/missing.bin"})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if result.Fetched != 1 {
		t.Errorf("fetched = %d, want 1", result.Fetched)
	}
	if _, ok := result.Errors["t1/missing.bin"]; !ok {
		t.Error("expected error recorded for missing object")
	}
}
