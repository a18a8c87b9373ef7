// Package config provides unified configuration for the Quarry scan
// engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the scan engine configuration.
type Config struct {
	// DataDir is the base directory for all local data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// LogLevel is the zap log level: debug, info, warn, error
	LogLevel string `json:"log_level" yaml:"log_level"`

	// Scan configuration
	Scan ScanConfig `json:"scan" yaml:"scan"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Connector configuration
	Connector ConnectorConfig `json:"connector" yaml:"connector"`
}

// ScanConfig holds scanner tuning.
type ScanConfig struct {
	// ChunkSize is the row capacity of each scan batch
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`

	// MaxEmptyBatches bounds consecutive empty batches before a scan is
	// declared stalled; 0 disables the guard
	MaxEmptyBatches int `json:"max_empty_batches" yaml:"max_empty_batches"`

	// Concurrency is the number of tablets scanned in parallel
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// CacheDir is the directory for downloaded tablet blocks
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`

	// PrefetchConcurrency is the number of parallel block downloads
	PrefetchConcurrency int `json:"prefetch_concurrency" yaml:"prefetch_concurrency"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// ForcePathStyle enables path-style addressing (MinIO and friends)
	ForcePathStyle bool `json:"force_path_style" yaml:"force_path_style"`
}

// ConnectorConfig holds external connector configuration.
type ConnectorConfig struct {
	// Endpoint is the connector gRPC address; empty disables the connector
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir:  "./data/quarry",
		LogLevel: "info",
		Scan: ScanConfig{
			ChunkSize:           4096,
			MaxEmptyBatches:     0,
			Concurrency:         4,
			PrefetchConcurrency: 4,
		},
		Storage: StorageConfig{
			Type: "local",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/quarry"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Scan.CacheDir == "" {
		c.Scan.CacheDir = filepath.Join(c.DataDir, "cache")
	}
}

// ManifestPath returns the path to the manifest database.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.DataDir, "manifest.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Scan.ChunkSize <= 0 {
		return fmt.Errorf("scan.chunk_size must be positive, got %d", c.Scan.ChunkSize)
	}

	if c.Scan.MaxEmptyBatches < 0 {
		return fmt.Errorf("scan.max_empty_batches must not be negative, got %d", c.Scan.MaxEmptyBatches)
	}

	if c.Scan.Concurrency <= 0 {
		return fmt.Errorf("scan.concurrency must be positive, got %d", c.Scan.Concurrency)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the QUARRY_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("QUARRY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("QUARRY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	// Scan configuration
	if v := os.Getenv("QUARRY_SCAN_CHUNK_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Scan.ChunkSize)
	}
	if v := os.Getenv("QUARRY_SCAN_MAX_EMPTY_BATCHES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Scan.MaxEmptyBatches)
	}
	if v := os.Getenv("QUARRY_SCAN_CONCURRENCY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Scan.Concurrency)
	}
	if v := os.Getenv("QUARRY_SCAN_CACHE_DIR"); v != "" {
		cfg.Scan.CacheDir = v
	}
	if v := os.Getenv("QUARRY_SCAN_PREFETCH_CONCURRENCY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Scan.PrefetchConcurrency)
	}

	// Storage configuration
	if v := os.Getenv("QUARRY_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("QUARRY_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("QUARRY_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("QUARRY_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("QUARRY_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("QUARRY_S3_FORCE_PATH_STYLE"); v != "" {
		cfg.Storage.S3.ForcePathStyle = v == "true" || v == "1"
	}

	// Connector configuration
	if v := os.Getenv("QUARRY_CONNECTOR_ENDPOINT"); v != "" {
		cfg.Connector.Endpoint = v
	}
}

// Load builds the effective configuration: .env file if present, then the
// config file when given, then environment overrides, then path
// resolution and validation.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg *Config
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = DefaultConfig()
	}

	LoadFromEnv(cfg)
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnsureDirectories creates all required local directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.Scan.CacheDir}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
