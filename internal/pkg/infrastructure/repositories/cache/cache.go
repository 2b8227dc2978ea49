// Package cache is the storage engine for downloaded resources. It owns the
// on-disk database file and every table inside it; no other component opens
// a connection to that file.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/candata/api-datagateway/internal/pkg/application/tabular"
	"github.com/cenkalti/backoff/v4"

	_ "modernc.org/sqlite"
)

// Entry is the metadata bookkeeping row for one cached resource.
type Entry struct {
	ResourceID   string     `json:"resource_id"`
	DatasetID    string     `json:"dataset_id"`
	TableName    string     `json:"table_name"`
	DownloadedAt time.Time  `json:"downloaded_at"`
	RowCount     int64      `json:"row_count"`
	SizeBytes    int64      `json:"size_bytes"`
	SourceURL    string     `json:"source_url"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

type Stats struct {
	TableCount     int64  `json:"table_count"`
	TotalRows      int64  `json:"total_rows"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
	DBPath         string `json:"db_path"`
}

// NotCachedError is returned when an operation requires a resource that has
// not been downloaded yet. The message names the remedial call.
type NotCachedError struct {
	ResourceID string
}

func (e *NotCachedError) Error() string {
	return fmt.Sprintf(
		"resource %s is not cached. Download it first: POST /api/resources/%s/download",
		e.ResourceID, e.ResourceID)
}

// SpatialUnavailableError is returned before attempting a spatial operation
// when the engine's spatial extension could not be loaded.
type SpatialUnavailableError struct{}

func (e *SpatialUnavailableError) Error() string {
	return "spatial extension is not available in this environment"
}

const (
	lockRetryAttempts = 3
	lockRetryInterval = 150 * time.Millisecond
)

// Manager is the cache manager. Safe for concurrent use; the embedded
// database file may also be shared with other processes, so mutating
// operations retry briefly on lock contention instead of holding locks.
type Manager struct {
	db         *sql.DB
	dbPath     string
	hasSpatial bool
}

// New opens (and creates, if needed) the database file. With an empty path
// the file lands under the per-user cache directory.
func New(dbPath string) (*Manager, error) {
	if dbPath == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate user cache dir: %w", err)
		}
		dir := filepath.Join(base, "api-datagateway")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache dir %s: %w", dir, err)
		}
		dbPath = filepath.Join(dir, "datagateway.db")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}

	// WAL allows readers from other processes while one process writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Manager{db: db, dbPath: dbPath}, nil
}

// Initialize creates the metadata tables and probes optional engine
// capabilities. Idempotent; safe to call on every startup.
func (m *Manager) Initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_metadata (
		resource_id TEXT PRIMARY KEY,
		dataset_id TEXT,
		table_name TEXT,
		downloaded_at TEXT,
		row_count INTEGER,
		size_bytes INTEGER,
		source_url TEXT,
		expires_at TEXT
	);

	CREATE TABLE IF NOT EXISTS dataset_metadata_cache (
		dataset_id TEXT PRIMARY KEY,
		metadata TEXT,
		cached_at TEXT
	);
	`
	if _, err := m.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create metadata tables: %w", err)
	}

	// JSON support ships with the engine but probe anyway so a stripped-down
	// build fails loudly here instead of mid-query.
	var probe string
	if err := m.db.QueryRowContext(ctx, "SELECT json('{}')").Scan(&probe); err != nil {
		return fmt.Errorf("engine is missing json support: %w", err)
	}

	// Spatial support is tracked as a capability flag; SpatialQuery refuses
	// with SpatialUnavailableError when the extension is missing.
	m.hasSpatial = m.db.QueryRowContext(ctx, "SELECT spatialite_version()").Scan(&probe) == nil

	return nil
}

func (m *Manager) HasSpatial() bool {
	return m.hasSpatial
}

func (m *Manager) DBPath() string {
	return m.dbPath
}

func (m *Manager) Close() error {
	return m.db.Close()
}

// QuoteIdent quotes an identifier for interpolation into SQL text. Upstream
// portals supply arbitrary column names, so every identifier is quoted, with
// embedded quotes doubled. Callers building trusted SQL against cached
// tables must use this rather than rolling their own quoting.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withLockRetry retries op on file-lock contention with a short fixed
// backoff; any other error, or lock errors past the attempt budget,
// propagate unchanged.
func withLockRetry(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(lockRetryInterval), lockRetryAttempts),
		ctx)

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isLockError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

// StoreResource persists a tabular payload as a named table and records its
// metadata, superseding any previous cache of the same resource id. Safe to
// call repeatedly for the same resource (refresh).
func (m *Manager) StoreResource(ctx context.Context, resourceID, datasetID, tableName string, data *tabular.Table, sourceURL string) error {
	if data == nil || len(data.Columns) == 0 {
		return fmt.Errorf("resource %s has no columns; the payload is empty or could not be parsed as tabular data", resourceID)
	}

	return withLockRetry(ctx, func() error {
		return m.storeResourceOnce(ctx, resourceID, datasetID, tableName, data, sourceURL)
	})
}

func (m *Manager) storeResourceOnce(ctx context.Context, resourceID, datasetID, tableName string, data *tabular.Table, sourceURL string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var oldTable sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT table_name FROM cache_metadata WHERE resource_id = ?", resourceID,
	).Scan(&oldTable)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if oldTable.Valid && oldTable.String != "" {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+QuoteIdent(oldTable.String)); err != nil {
			return fmt.Errorf("failed to drop superseded table %s: %w", oldTable.String, err)
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_metadata WHERE resource_id = ?", resourceID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+QuoteIdent(tableName)); err != nil {
		return err
	}

	columnDefs := make([]string, 0, len(data.Columns))
	for _, c := range data.Columns {
		columnDefs = append(columnDefs, QuoteIdent(c))
	}
	createStmt := fmt.Sprintf("CREATE TABLE %s (%s)", QuoteIdent(tableName), strings.Join(columnDefs, ", "))
	if _, err := tx.ExecContext(ctx, createStmt); err != nil {
		return fmt.Errorf("failed to create table %s: %w", tableName, err)
	}

	if len(data.Columns) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(data.Columns)), ", ")
		insertStmt := fmt.Sprintf("INSERT INTO %s VALUES (%s)", QuoteIdent(tableName), placeholders)

		stmt, err := tx.PrepareContext(ctx, insertStmt)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, row := range data.Rows {
			args := make([]any, len(row))
			for i, v := range row {
				args[i] = normalizeValue(v)
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("failed to insert row into %s: %w", tableName, err)
			}
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cache_metadata
		  (resource_id, dataset_id, table_name, downloaded_at, row_count, size_bytes, source_url)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		resourceID, datasetID, tableName, now, data.RowCount(), data.SizeBytes(), sourceURL)
	if err != nil {
		return fmt.Errorf("failed to record cache metadata: %w", err)
	}

	return tx.Commit()
}

// normalizeValue maps loosely-typed payload values onto driver-storable ones.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil, string, int, int64, float64, bool, []byte:
		return val
	case json.Number:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

func (m *Manager) IsCached(ctx context.Context, resourceID string) (bool, error) {
	var one int
	err := m.db.QueryRowContext(ctx,
		"SELECT 1 FROM cache_metadata WHERE resource_id = ?", resourceID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// TableName returns the physical table name for a cached resource, or ""
// when the resource is not cached.
func (m *Manager) TableName(ctx context.Context, resourceID string) (string, error) {
	var name string
	err := m.db.QueryRowContext(ctx,
		"SELECT table_name FROM cache_metadata WHERE resource_id = ?", resourceID,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return name, nil
}

// RequireCached returns the physical table name or a NotCachedError naming
// the remedial download call.
func (m *Manager) RequireCached(ctx context.Context, resourceID string) (string, error) {
	name, err := m.TableName(ctx, resourceID)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", &NotCachedError{ResourceID: resourceID}
	}
	return name, nil
}

func (m *Manager) Meta(ctx context.Context, resourceID string) (*Entry, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT resource_id, dataset_id, table_name, downloaded_at, row_count, size_bytes, source_url, expires_at
		FROM cache_metadata WHERE resource_id = ?`, resourceID)

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (m *Manager) ListCached(ctx context.Context) ([]Entry, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT resource_id, dataset_id, table_name, downloaded_at, row_count, size_bytes, source_url, expires_at
		FROM cache_metadata ORDER BY downloaded_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}

	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var downloadedAt string
	var expiresAt sql.NullString
	var datasetID, sourceURL sql.NullString

	err := row.Scan(&e.ResourceID, &datasetID, &e.TableName, &downloadedAt,
		&e.RowCount, &e.SizeBytes, &sourceURL, &expiresAt)
	if err != nil {
		return nil, err
	}

	e.DatasetID = datasetID.String
	e.SourceURL = sourceURL.String
	e.DownloadedAt = parseStoredTime(downloadedAt)
	if expiresAt.Valid && expiresAt.String != "" {
		t := parseStoredTime(expiresAt.String)
		e.ExpiresAt = &t
	}

	return &e, nil
}

// parseStoredTime normalizes a stored timestamp to UTC. Timestamps written
// by older cache files may lack a zone; those are defined to be UTC.
func parseStoredTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{DBPath: m.dbPath}
	err := m.db.QueryRowContext(ctx, `
		SELECT count(*), coalesce(sum(row_count), 0), coalesce(sum(size_bytes), 0)
		FROM cache_metadata`,
	).Scan(&s.TableCount, &s.TotalRows, &s.TotalSizeBytes)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// RemoveResource drops the physical table and deletes the metadata row.
// Removing an uncached resource is a no-op.
func (m *Manager) RemoveResource(ctx context.Context, resourceID string) error {
	return withLockRetry(ctx, func() error {
		tableName, err := m.TableName(ctx, resourceID)
		if err != nil {
			return err
		}
		if tableName != "" {
			if _, err := m.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+QuoteIdent(tableName)); err != nil {
				return err
			}
		}
		_, err = m.db.ExecContext(ctx, "DELETE FROM cache_metadata WHERE resource_id = ?", resourceID)
		return err
	})
}

func (m *Manager) RemoveAll(ctx context.Context) error {
	return withLockRetry(ctx, func() error {
		entries, err := m.ListCached(ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if _, err := m.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+QuoteIdent(e.TableName)); err != nil {
				return err
			}
		}
		_, err = m.db.ExecContext(ctx, "DELETE FROM cache_metadata")
		return err
	})
}

// UpdateExpiresAt sets the staleness deadline. Separate from StoreResource
// because the deadline depends on dataset-level update-frequency metadata
// fetched later in the download workflow.
func (m *Manager) UpdateExpiresAt(ctx context.Context, resourceID string, expiresAt time.Time) error {
	return withLockRetry(ctx, func() error {
		_, err := m.db.ExecContext(ctx,
			"UPDATE cache_metadata SET expires_at = ? WHERE resource_id = ?",
			expiresAt.UTC().Format(time.RFC3339), resourceID)
		return err
	})
}

// Query runs validated, read-only SQL against the cached tables and returns
// rows as column-keyed maps. This is the only execution path reachable from
// external input.
func (m *Manager) Query(ctx context.Context, sqlText string) ([]map[string]any, error) {
	if err := ValidateSQL(sqlText); err != nil {
		return nil, err
	}
	return m.ExecuteSQLDict(ctx, sqlText)
}

// SpatialQuery is Query for statements that use spatial functions. It fails
// up front with SpatialUnavailableError when the engine lacks the spatial
// extension, instead of surfacing an opaque unknown-function error.
func (m *Manager) SpatialQuery(ctx context.Context, sqlText string) ([]map[string]any, error) {
	if !m.hasSpatial {
		return nil, &SpatialUnavailableError{}
	}
	return m.Query(ctx, sqlText)
}

// ExecuteSQLDict runs SQL without validation and returns column-keyed maps.
// For internal callers building trusted SQL only; never expose to user input.
func (m *Manager) ExecuteSQLDict(ctx context.Context, sqlText string, args ...any) ([]map[string]any, error) {
	rows, err := m.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	results := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		record := make(map[string]any, len(columns))
		for i, c := range columns {
			if b, ok := values[i].([]byte); ok {
				record[c] = string(b)
			} else {
				record[c] = values[i]
			}
		}
		results = append(results, record)
	}

	return results, rows.Err()
}

// ExecuteSQL runs SQL without validation and returns positional rows.
// Trusted internal SQL only.
func (m *Manager) ExecuteSQL(ctx context.Context, sqlText string, args ...any) ([][]any, error) {
	rows, err := m.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	results := [][]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		results = append(results, values)
	}

	return results, rows.Err()
}

// StoreDatasetMetadata upserts the opaque metadata blob for a dataset. Pure
// cache: always considered fresh once stored, invalidated only by overwrite.
func (m *Manager) StoreDatasetMetadata(ctx context.Context, datasetID string, metadata any) error {
	blob, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal dataset metadata: %w", err)
	}

	return withLockRetry(ctx, func() error {
		_, err := m.db.ExecContext(ctx, `
			INSERT INTO dataset_metadata_cache (dataset_id, metadata, cached_at)
			VALUES (?, ?, ?)
			ON CONFLICT(dataset_id) DO UPDATE SET
				metadata = excluded.metadata,
				cached_at = excluded.cached_at`,
			datasetID, string(blob), time.Now().UTC().Format(time.RFC3339))
		return err
	})
}

// DatasetMetadata returns the cached metadata blob, or nil when absent.
func (m *Manager) DatasetMetadata(ctx context.Context, datasetID string) (json.RawMessage, error) {
	var blob string
	err := m.db.QueryRowContext(ctx,
		"SELECT metadata FROM dataset_metadata_cache WHERE dataset_id = ?", datasetID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(blob), nil
}
