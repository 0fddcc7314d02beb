package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func openWorkspace(t *testing.T, workspace string) *sql.DB {
	t.Helper()
	conn, err := Open(Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// seedLegacyV1 builds a database the way the tracker looked before step
// numbering and typed notes existed, with rows in every table a patch later
// rewrites.
func seedLegacyV1(t *testing.T, conn *sql.DB) {
	t.Helper()
	stmts := []string{
		`CREATE TABLE contexts (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL, status TEXT NOT NULL DEFAULT 'active', description_md TEXT, created_at TEXT NOT NULL, updated_at TEXT NOT NULL)`,
		`CREATE TABLE tasks (id INTEGER PRIMARY KEY AUTOINCREMENT, context_id INTEGER NOT NULL, title TEXT NOT NULL, description_md TEXT, status TEXT NOT NULL DEFAULT 'planned', is_deleted INTEGER NOT NULL DEFAULT 0, parent_id INTEGER, sort_index INTEGER, sub_index INTEGER, created_at TEXT NOT NULL, updated_at TEXT NOT NULL, completed_at TEXT)`,
		`CREATE TABLE context_notes (id INTEGER PRIMARY KEY AUTOINCREMENT, context_id INTEGER NOT NULL, note_md TEXT NOT NULL, created_at TEXT NOT NULL, actor TEXT)`,
		`CREATE TABLE task_notes (id INTEGER PRIMARY KEY AUTOINCREMENT, task_id INTEGER NOT NULL, note_md TEXT NOT NULL, created_at TEXT NOT NULL)`,
		`INSERT INTO contexts (name, created_at, updated_at) VALUES ('legacy', 't', 't')`,
	}
	for _, s := range stmts {
		if _, err := conn.Exec(s); err != nil {
			t.Fatalf("seed legacy: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := conn.Exec(`INSERT INTO tasks (context_id, title, created_at, updated_at) VALUES (1, ?, 't', 't')`, fmt.Sprintf("task-%d", i)); err != nil {
			t.Fatalf("seed task: %v", err)
		}
	}
	if _, err := conn.Exec(`INSERT INTO context_notes (context_id, note_md, created_at) VALUES (1, 'old note', 't')`); err != nil {
		t.Fatalf("seed note: %v", err)
	}
}

func TestEnsureSchemaFreshDatabase(t *testing.T) {
	workspace := t.TempDir()
	conn := openWorkspace(t, workspace)
	ctx := context.Background()

	backup, err := EnsureSchema(ctx, conn, Path(workspace))
	if err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if backup != "" {
		t.Fatalf("fresh bootstrap must not back up, got %s", backup)
	}
	version, ok, err := GetSchemaVersion(ctx, conn)
	if err != nil || !ok || version != LatestSchemaVersion {
		t.Fatalf("expected version %d, got %d ok=%v err=%v", LatestSchemaVersion, version, ok, err)
	}
	// bootstrap is idempotent
	if _, err := EnsureSchema(ctx, conn, Path(workspace)); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
}

func TestEnsureSchemaMigratesLegacy(t *testing.T) {
	workspace := t.TempDir()
	conn := openWorkspace(t, workspace)
	ctx := context.Background()
	seedLegacyV1(t, conn)

	backup, err := EnsureSchema(ctx, conn, Path(workspace))
	if err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if backup == "" {
		t.Fatalf("expected a migration backup path")
	}
	if _, err := os.Stat(backup); err != nil {
		t.Fatalf("backup missing: %v", err)
	}

	version, ok, err := GetSchemaVersion(ctx, conn)
	if err != nil || !ok || version != LatestSchemaVersion {
		t.Fatalf("expected version %d, got %d ok=%v err=%v", LatestSchemaVersion, version, ok, err)
	}

	// step numbers backfilled in id order, typed notes defaulted
	rows, err := conn.QueryContext(ctx, `SELECT task_number FROM tasks ORDER BY id`)
	if err != nil {
		t.Fatalf("query tasks: %v", err)
	}
	defer rows.Close()
	want := 1
	for rows.Next() {
		var number int
		if err := rows.Scan(&number); err != nil {
			t.Fatal(err)
		}
		if number != want {
			t.Fatalf("expected task_number %d, got %d", want, number)
		}
		want++
	}
	if want != 4 {
		t.Fatalf("expected 3 numbered tasks, saw %d", want-1)
	}
	var kind string
	if err := conn.QueryRowContext(ctx, `SELECT kind FROM context_notes WHERE id=1`).Scan(&kind); err != nil {
		t.Fatalf("query note kind: %v", err)
	}
	if kind != "note" {
		t.Fatalf("expected legacy note kind 'note', got %q", kind)
	}

	// tables the legacy database never had exist afterwards
	var n int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='global_state'`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("expected global_state table, n=%d err=%v", n, err)
	}
}

func TestInferSchemaVersion(t *testing.T) {
	workspace := t.TempDir()
	conn := openWorkspace(t, workspace)
	ctx := context.Background()
	seedLegacyV1(t, conn)

	// v1: neither task_number nor note kind
	version, err := inferSchemaVersion(ctx, conn)
	if err != nil || version != 1 {
		t.Fatalf("expected inferred version 1, got %d (%v)", version, err)
	}

	if _, err := conn.Exec(`ALTER TABLE tasks ADD COLUMN task_number INTEGER`); err != nil {
		t.Fatal(err)
	}
	version, err = inferSchemaVersion(ctx, conn)
	if err != nil || version != 2 {
		t.Fatalf("expected inferred version 2, got %d (%v)", version, err)
	}

	if _, err := conn.Exec(`ALTER TABLE context_notes ADD COLUMN kind TEXT NOT NULL DEFAULT 'note'`); err != nil {
		t.Fatal(err)
	}
	version, err = inferSchemaVersion(ctx, conn)
	if err != nil || version != LatestSchemaVersion {
		t.Fatalf("expected inferred version %d, got %d (%v)", LatestSchemaVersion, version, err)
	}
}

func TestMaterializePatches(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "schema_patches")
	if err := MaterializePatches(dir); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	for _, name := range []string{"patch-2.sql", "patch-3.sql"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	// operator edits survive re-materialization
	custom := filepath.Join(dir, "patch-2.sql")
	if err := os.WriteFile(custom, []byte("-- edited"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := MaterializePatches(dir); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(custom)
	if err != nil || string(data) != "-- edited" {
		t.Fatalf("expected existing patch preserved, got %q (%v)", data, err)
	}
}
