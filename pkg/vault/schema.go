package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"
)

// Schema version constants
const (
	// SchemaVersion1 holds vault_keys and notes
	SchemaVersion1 = 1
	// SchemaVersion2 adds the plaintext tags column and the list index
	SchemaVersion2 = 2
	// CurrentSchemaVersion is the current schema version
	CurrentSchemaVersion = SchemaVersion2
)

// ErrSchemaTooNew is returned for a database written by a newer knot.
var ErrSchemaTooNew = errors.New("vault: database schema is newer than this build supports")

// openDB opens knot.db with a single connection, WAL journaling and a busy
// timeout.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("vault: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := os.Chmod(path, FileMode); err != nil && !os.IsNotExist(err) {
		db.Close()
		return nil, fmt.Errorf("vault: failed to set database permissions: %w", err)
	}
	return db, nil
}

// getSchemaVersion returns the stored schema version, 0 for an empty database.
func getSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRowContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableName)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("vault: failed to check schema_version table: %w", err)
	}

	var version int
	err = db.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("vault: failed to get schema version: %w", err)
	}
	return version, nil
}

// setSchemaVersion records version inside tx.
func setSchemaVersion(ctx context.Context, tx *sql.Tx, version int) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			migrated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// migrateSchema brings the database up to CurrentSchemaVersion.
func migrateSchema(ctx context.Context, db *sql.DB) error {
	version, err := getSchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("%w: %d", ErrSchemaTooNew, version)
	}

	steps := []struct {
		version int
		apply   func(context.Context, *sql.Tx) error
	}{
		{SchemaVersion1, createV1},
		{SchemaVersion2, migrateToV2},
	}
	for _, step := range steps {
		if version >= step.version {
			continue
		}
		if err := applyMigration(ctx, db, step.version, step.apply); err != nil {
			return fmt.Errorf("vault: migration to v%d failed: %w", step.version, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, version int, apply func(context.Context, *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := apply(ctx, tx); err != nil {
		return err
	}
	if err := setSchemaVersion(ctx, tx, version); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// createV1 creates the key and note tables.
// - vault_keys: one row per sealed copy of the DEK
// - notes: encrypted_data is the sealed JSON note; pinned and updated_at are
//   plaintext so lists can be ordered without decrypting
func createV1(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vault_keys (
			kind TEXT PRIMARY KEY,
			salt BLOB,
			sealed_dek BLOB NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create vault_keys table: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS notes (
			id TEXT PRIMARY KEY,
			encrypted_data BLOB NOT NULL,
			pinned INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create notes table: %w", err)
	}
	return nil
}

// migrateToV2 adds the tags column (JSON array) and the ordering index.
func migrateToV2(ctx context.Context, tx *sql.Tx) error {
	columns, err := getTableColumns(ctx, tx, "notes")
	if err != nil {
		return fmt.Errorf("failed to get table columns: %w", err)
	}
	if !columns["tags"] {
		if _, err := tx.ExecContext(ctx, "ALTER TABLE notes ADD COLUMN tags TEXT NOT NULL DEFAULT '[]'"); err != nil {
			return fmt.Errorf("failed to add tags column: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_notes_order ON notes(pinned DESC, updated_at DESC)"); err != nil {
		return fmt.Errorf("failed to create notes index: %w", err)
	}
	return nil
}

// getTableColumns returns a map of column names for a table.
func getTableColumns(ctx context.Context, tx *sql.Tx, tableName string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		columns[name] = true
	}
	return columns, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// getKey reads a sealed DEK row. A missing row is ErrDEKNotFound.
func getKey(ctx context.Context, q queryer, kind string) (salt, sealed []byte, err error) {
	err = q.QueryRowContext(ctx, "SELECT salt, sealed_dek FROM vault_keys WHERE kind = ?", kind).
		Scan(&salt, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrDEKNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("vault: failed to read sealed DEK: %w", err)
	}
	return salt, sealed, nil
}

// putKey upserts a sealed DEK row.
func putKey(ctx context.Context, tx *sql.Tx, kind string, salt, sealed []byte) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO vault_keys (kind, salt, sealed_dek, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET
			salt = excluded.salt,
			sealed_dek = excluded.sealed_dek,
			updated_at = excluded.updated_at
	`, kind, salt, sealed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("vault: failed to save sealed DEK: %w", err)
	}
	return nil
}
