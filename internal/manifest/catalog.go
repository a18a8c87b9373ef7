// Package manifest manages tablet metadata in manifest.db. The catalog is
// the source of truth for which tablet versions exist, where their data
// objects live, and which schema versions they carry.
package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	qerrors "github.com/quarrydb/quarry/internal/errors"
	"github.com/quarrydb/quarry/pkg/types"
)

// Catalog manages tablet metadata.
type Catalog interface {
	// RegisterTablet adds a tablet version to the catalog.
	RegisterTablet(ctx context.Context, rec *TabletRecord) error

	// ResolveForRead validates a read request against the catalog and
	// returns the matching tablet record. It fails with a tablet error
	// when the tablet is missing, the schema hash does not match, or the
	// requested version is outside the tablet's visible window.
	ResolveForRead(ctx context.Context, tabletID uuid.UUID, schemaHash uint64, version uint64) (*TabletRecord, error)

	// GetTablet retrieves a tablet record by ID without version checks.
	GetTablet(ctx context.Context, tabletID uuid.UUID) (*TabletRecord, error)

	// RegisterSchema stores a schema version.
	RegisterSchema(ctx context.Context, schema *types.TabletSchema) error

	// GetSchemaVersion retrieves a stored schema by version.
	GetSchemaVersion(ctx context.Context, version int) (*types.TabletSchema, error)

	// Close closes the catalog database connections.
	Close() error
}

// TabletRecord represents a tablet in the manifest.
type TabletRecord struct {
	TabletID      uuid.UUID
	SchemaHash    uint64
	SchemaVersion int
	MinVersion    uint64
	MaxVersion    uint64
	ObjectPath    string
	BlockCount    int
	RowCount      int64
	CreatedAt     time.Time
}

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)

	insertTabletStmt *sql.Stmt
}

// NewCatalog creates a new SQLite-based catalog.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("manifest: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Read connection pool: concurrent readers
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	catalog := &SQLiteCatalog{
		db:     db,
		readDB: readDB,
		dbPath: dbPath,
	}

	if err := catalog.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("manifest: failed to initialize schema: %w", err)
	}

	insertStmt, err := db.Prepare(`
		INSERT INTO tablets (
			tablet_id, schema_hash, schema_version,
			min_version, max_version,
			object_path, block_count, row_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tablet_id) DO UPDATE SET
			schema_hash = excluded.schema_hash,
			schema_version = excluded.schema_version,
			min_version = excluded.min_version,
			max_version = excluded.max_version,
			object_path = excluded.object_path,
			block_count = excluded.block_count,
			row_count = excluded.row_count`)
	if err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("manifest: failed to prepare insert statement: %w", err)
	}
	catalog.insertTabletStmt = insertStmt

	return catalog, nil
}

// initSchema creates all required tables and indexes.
func (c *SQLiteCatalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tablets (
			tablet_id TEXT PRIMARY KEY,
			schema_hash INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			min_version INTEGER NOT NULL,
			max_version INTEGER NOT NULL,
			object_path TEXT NOT NULL,
			block_count INTEGER NOT NULL,
			row_count INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tablets_version ON tablets(min_version, max_version)`,
		`CREATE TABLE IF NOT EXISTS schema_versions (
			version INTEGER PRIMARY KEY,
			columns_json TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// RegisterTablet adds a tablet version to the catalog.
func (c *SQLiteCatalog) RegisterTablet(ctx context.Context, rec *TabletRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := c.insertTabletStmt.ExecContext(ctx,
		rec.TabletID.String(), int64(rec.SchemaHash), rec.SchemaVersion,
		int64(rec.MinVersion), int64(rec.MaxVersion),
		rec.ObjectPath, rec.BlockCount, rec.RowCount, createdAt.Unix(),
	)
	if err != nil {
		return qerrors.NewManifestError(qerrors.CodeManifestQuery,
			fmt.Sprintf("failed to register tablet %s", rec.TabletID), err)
	}
	return nil
}

// GetTablet retrieves a tablet record by ID without version checks.
func (c *SQLiteCatalog) GetTablet(ctx context.Context, tabletID uuid.UUID) (*TabletRecord, error) {
	row := c.readDB.QueryRowContext(ctx, `
		SELECT tablet_id, schema_hash, schema_version,
		       min_version, max_version,
		       object_path, block_count, row_count, created_at
		FROM tablets WHERE tablet_id = ?`, tabletID.String())
	return scanTabletRow(row, tabletID)
}

// ResolveForRead validates a read request and returns the tablet record.
func (c *SQLiteCatalog) ResolveForRead(ctx context.Context, tabletID uuid.UUID, schemaHash uint64, version uint64) (*TabletRecord, error) {
	rec, err := c.GetTablet(ctx, tabletID)
	if err != nil {
		return nil, err
	}
	if rec.SchemaHash != schemaHash {
		return nil, qerrors.NewTabletNotFound(
			fmt.Sprintf("tablet %s: schema hash mismatch (have %d, want %d)", tabletID, rec.SchemaHash, schemaHash))
	}
	if version < rec.MinVersion || version > rec.MaxVersion {
		return nil, qerrors.NewVersionNotAvailable(
			fmt.Sprintf("tablet %s: version %d outside visible window [%d, %d]", tabletID, version, rec.MinVersion, rec.MaxVersion))
	}
	return rec, nil
}

func scanTabletRow(row *sql.Row, tabletID uuid.UUID) (*TabletRecord, error) {
	var (
		idStr      string
		schemaHash int64
		schemaVer  int
		minVer     int64
		maxVer     int64
		objectPath string
		blockCount int
		rowCount   int64
		createdAt  int64
	)
	err := row.Scan(&idStr, &schemaHash, &schemaVer, &minVer, &maxVer,
		&objectPath, &blockCount, &rowCount, &createdAt)
	if err == sql.ErrNoRows {
		return nil, qerrors.NewTabletNotFound(fmt.Sprintf("tablet %s not found", tabletID))
	}
	if err != nil {
		return nil, qerrors.NewManifestError(qerrors.CodeManifestQuery,
			fmt.Sprintf("failed to read tablet %s", tabletID), err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, qerrors.NewManifestError(qerrors.CodeCorruptionDetected,
			fmt.Sprintf("corrupt tablet id %q", idStr), err)
	}
	return &TabletRecord{
		TabletID:      id,
		SchemaHash:    uint64(schemaHash),
		SchemaVersion: schemaVer,
		MinVersion:    uint64(minVer),
		MaxVersion:    uint64(maxVer),
		ObjectPath:    objectPath,
		BlockCount:    blockCount,
		RowCount:      rowCount,
		CreatedAt:     time.Unix(createdAt, 0),
	}, nil
}

// RegisterSchema stores a schema version. Registering the same version
// twice is allowed only when the column definitions are identical.
func (c *SQLiteCatalog) RegisterSchema(ctx context.Context, schema *types.TabletSchema) error {
	if !schema.Valid() {
		return qerrors.NewInvalidSchema(fmt.Sprintf("schema version %d is not valid", schema.Version))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	columnsJSON, err := json.Marshal(schema.Columns)
	if err != nil {
		return qerrors.NewManifestError(qerrors.CodeManifestQuery, "failed to encode schema columns", err)
	}

	var existing string
	err = c.db.QueryRowContext(ctx,
		`SELECT columns_json FROM schema_versions WHERE version = ?`, schema.Version).Scan(&existing)
	if err == nil {
		if existing != string(columnsJSON) {
			return qerrors.NewManifestError(qerrors.CodeCorruptionDetected,
				fmt.Sprintf("schema version %d already registered with different columns", schema.Version), nil)
		}
		return nil
	}
	if err != sql.ErrNoRows {
		return qerrors.NewManifestError(qerrors.CodeManifestQuery, "failed to check existing schema version", err)
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO schema_versions (version, columns_json, created_at) VALUES (?, ?, ?)`,
		schema.Version, string(columnsJSON), time.Now().Unix())
	if err != nil {
		return qerrors.NewManifestError(qerrors.CodeManifestQuery,
			fmt.Sprintf("failed to register schema version %d", schema.Version), err)
	}
	return nil
}

// GetSchemaVersion retrieves a stored schema by version.
func (c *SQLiteCatalog) GetSchemaVersion(ctx context.Context, version int) (*types.TabletSchema, error) {
	var columnsJSON string
	err := c.readDB.QueryRowContext(ctx,
		`SELECT columns_json FROM schema_versions WHERE version = ?`, version).Scan(&columnsJSON)
	if err == sql.ErrNoRows {
		return nil, qerrors.NewManifestError(qerrors.CodeManifestQuery,
			fmt.Sprintf("schema version %d not found", version), nil)
	}
	if err != nil {
		return nil, qerrors.NewManifestError(qerrors.CodeManifestQuery, "failed to read schema version", err)
	}

	var columns []types.ColumnDef
	if err := json.Unmarshal([]byte(columnsJSON), &columns); err != nil {
		return nil, qerrors.NewManifestError(qerrors.CodeCorruptionDetected,
			fmt.Sprintf("corrupt schema version %d", version), err)
	}
	return &types.TabletSchema{Version: version, Columns: columns}, nil
}

// Close closes the catalog database connections.
func (c *SQLiteCatalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.insertTabletStmt != nil {
		c.insertTabletStmt.Close()
	}
	if err := c.readDB.Close(); err != nil {
		c.db.Close()
		return err
	}
	return c.db.Close()
}
