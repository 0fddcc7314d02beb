package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"taskline/internal/safety"
)

// LatestSchemaVersion is the version fresh databases are stamped with and
// the target for migrating legacy databases.
const LatestSchemaVersion = 3

//go:embed schema.sql
var schemaSQL string

//go:embed patches/*.sql
var patchesFS embed.FS

// EnsureSchema brings the database at dbPath up to LatestSchemaVersion.
// Fresh databases get the base schema directly. Legacy databases are upgraded
// through the safety pipeline: verified backup, trial migration on a copy,
// row-count validation, and only then patches against the live file. A
// non-success migration outcome is fatal to the open and surfaced verbatim.
// Returns the backup path when a migration ran, "" otherwise.
func EnsureSchema(ctx context.Context, conn *sql.DB, dbPath string) (string, error) {
	fresh, err := isFreshDatabase(ctx, conn)
	if err != nil {
		return "", err
	}
	if fresh {
		if _, err := conn.ExecContext(ctx, schemaSQL); err != nil {
			return "", fmt.Errorf("apply base schema: %w", err)
		}
		if err := ensureIndexes(ctx, conn); err != nil {
			return "", err
		}
		return "", SetSchemaVersion(ctx, conn, LatestSchemaVersion)
	}

	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    version INTEGER NOT NULL,
    updated_at TEXT NOT NULL
)`); err != nil {
		return "", err
	}

	version, ok, err := GetSchemaVersion(ctx, conn)
	if err != nil {
		return "", err
	}
	if !ok {
		version, err = inferSchemaVersion(ctx, conn)
		if err != nil {
			return "", err
		}
		if err := SetSchemaVersion(ctx, conn, version); err != nil {
			return "", err
		}
	}

	backupPath := ""
	if version < LatestSchemaVersion {
		patchesDir := filepath.Join(filepath.Dir(dbPath), patchesDirName)
		if err := MaterializePatches(patchesDir); err != nil {
			return "", err
		}
		backupPath, err = safety.SafeMigrate(ctx, dbPath, version, LatestSchemaVersion, patchesDir)
		if err != nil && !errors.Is(err, safety.ErrNoMigrationNeeded) {
			return "", fmt.Errorf("schema migration aborted: %w", err)
		}
	}

	// Any tables a legacy database never had are filled in at the latest
	// shape; existing tables already reached it through the patches.
	if _, err := conn.ExecContext(ctx, schemaSQL); err != nil {
		return "", fmt.Errorf("apply base schema: %w", err)
	}
	if err := ensureIndexes(ctx, conn); err != nil {
		return "", err
	}
	return backupPath, nil
}

// MaterializePatches writes the embedded patch scripts into dir so the patch
// applier discovers them as plain files. Existing files are left alone;
// operators may drop additional patches into the directory.
func MaterializePatches(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	entries, err := fs.ReadDir(patchesFS, "patches")
	if err != nil {
		return err
	}
	for _, e := range entries {
		target := filepath.Join(dir, e.Name())
		if _, err := os.Stat(target); err == nil {
			continue
		}
		data, err := patchesFS.ReadFile("patches/" + e.Name())
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// GetSchemaVersion reads the single-row version marker. ok is false when the
// marker row does not exist yet.
func GetSchemaVersion(ctx context.Context, conn *sql.DB) (int, bool, error) {
	var version int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_version WHERE id = 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return version, true, nil
}

// SetSchemaVersion stamps the version marker with the current time.
func SetSchemaVersion(ctx context.Context, conn *sql.DB, version int) error {
	_, err := conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO schema_version (id, version, updated_at) VALUES (1, ?, ?)`,
		version, time.Now().UTC().Format(time.RFC3339))
	return err
}

func isFreshDatabase(ctx context.Context, conn *sql.DB) (bool, error) {
	var n int
	err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`).Scan(&n)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// inferSchemaVersion dates a legacy database without a version marker by the
// columns it carries.
func inferSchemaVersion(ctx context.Context, conn *sql.DB) (int, error) {
	hasNumber, err := tableHasColumn(ctx, conn, "tasks", "task_number")
	if err != nil {
		return 0, err
	}
	hasKind, err := tableHasColumn(ctx, conn, "context_notes", "kind")
	if err != nil {
		return 0, err
	}
	switch {
	case hasNumber && hasKind:
		return LatestSchemaVersion, nil
	case hasNumber:
		return 2, nil
	default:
		return 1, nil
	}
}

func tableHasColumn(ctx context.Context, conn *sql.DB, table, column string) (bool, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// ensureIndexes runs after the schema has reached the latest version; some of
// these reference columns older databases only gain through patches.
func ensureIndexes(ctx context.Context, conn *sql.DB) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_context_number ON tasks(context_id, task_number)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_context_deleted ON tasks(context_id, is_deleted)`,
		`CREATE INDEX IF NOT EXISTS idx_changelog_context_created ON changelog(context_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_context_notes_kind ON context_notes(context_id, kind)`,
		`CREATE INDEX IF NOT EXISTS idx_contexts_project ON contexts(project_id)`,
	}
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
