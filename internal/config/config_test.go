package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4096, cfg.Scan.ChunkSize)
	assert.Equal(t, "local", cfg.Storage.Type)
	assert.Equal(t, filepath.Join(cfg.DataDir, "cache"), cfg.Scan.CacheDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "manifest.db"), cfg.ManifestPath())
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarry.yaml")
	content := `
data_dir: /var/lib/quarry
log_level: debug
scan:
  chunk_size: 1024
  max_empty_batches: 16
  concurrency: 8
storage:
  type: s3
  s3:
    bucket: quarry-tablets
    region: us-east-1
    force_path_style: true
connector:
  endpoint: localhost:9090
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/lib/quarry", cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 1024, cfg.Scan.ChunkSize)
	assert.Equal(t, 16, cfg.Scan.MaxEmptyBatches)
	assert.Equal(t, 8, cfg.Scan.Concurrency)
	assert.Equal(t, "s3", cfg.Storage.Type)
	assert.Equal(t, "quarry-tablets", cfg.Storage.S3.Bucket)
	assert.True(t, cfg.Storage.S3.ForcePathStyle)
	assert.Equal(t, "localhost:9090", cfg.Connector.Endpoint)

	// Unset fields keep defaults.
	assert.Equal(t, 4, cfg.Scan.PrefetchConcurrency)
}

func TestLoadFromJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarry.json")
	content := `{"data_dir": "/tmp/q", "scan": {"chunk_size": 256}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/q", cfg.DataDir)
	assert.Equal(t, 256, cfg.Scan.ChunkSize)
}

func TestLoadFromFileRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarry.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0644))
	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("QUARRY_DATA_DIR", "/env/data")
	t.Setenv("QUARRY_SCAN_CHUNK_SIZE", "512")
	t.Setenv("QUARRY_STORAGE_TYPE", "s3")
	t.Setenv("QUARRY_S3_BUCKET", "env-bucket")
	t.Setenv("QUARRY_CONNECTOR_ENDPOINT", "remote:7070")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	assert.Equal(t, "/env/data", cfg.DataDir)
	assert.Equal(t, 512, cfg.Scan.ChunkSize)
	assert.Equal(t, "s3", cfg.Storage.Type)
	assert.Equal(t, "env-bucket", cfg.Storage.S3.Bucket)
	assert.Equal(t, "remote:7070", cfg.Connector.Endpoint)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"bad storage type", func(c *Config) { c.Storage.Type = "ftp" }},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = "s3" }},
		{"zero chunk size", func(c *Config) { c.Scan.ChunkSize = 0 }},
		{"negative empty batch bound", func(c *Config) { c.Scan.MaxEmptyBatches = -1 }},
		{"zero concurrency", func(c *Config) { c.Scan.Concurrency = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "quarry")
	cfg.Resolve()
	require.NoError(t, cfg.EnsureDirectories())

	for _, dir := range []string{cfg.DataDir, cfg.Scan.CacheDir, cfg.Storage.Path} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
