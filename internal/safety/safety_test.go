package safety

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// newSeededDB creates a database file with a populated items table and the
// schema_version marker the patch runner records into.
func newSeededDB(t *testing.T, dir string, rows int) string {
	t.Helper()
	dbPath := filepath.Join(dir, "tracker.db")
	conn, err := sql.Open("sqlite", "file:"+dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	stmts := []string{
		`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		`CREATE TABLE schema_version (id INTEGER PRIMARY KEY CHECK (id = 1), version INTEGER NOT NULL, updated_at TEXT NOT NULL)`,
		`INSERT INTO schema_version (id, version, updated_at) VALUES (1, 1, '2026-01-01T00:00:00Z')`,
	}
	for _, s := range stmts {
		if _, err := conn.Exec(s); err != nil {
			t.Fatalf("seed schema: %v", err)
		}
	}
	for i := 0; i < rows; i++ {
		if _, err := conn.Exec(`INSERT INTO items (name) VALUES (?)`, fmt.Sprintf("item-%d", i)); err != nil {
			t.Fatalf("seed rows: %v", err)
		}
	}
	return dbPath
}

func writePatch(t *testing.T, dir string, version int, script string) string {
	t.Helper()
	patchesDir := filepath.Join(dir, "schema_patches")
	if err := os.MkdirAll(patchesDir, 0o755); err != nil {
		t.Fatalf("mkdir patches: %v", err)
	}
	path := filepath.Join(patchesDir, fmt.Sprintf("patch-%d.sql", version))
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		t.Fatalf("write patch: %v", err)
	}
	return patchesDir
}

func countRows(t *testing.T, dbPath, table string) int64 {
	t.Helper()
	conn, err := sql.Open("sqlite", "file:"+dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	var n int64
	if err := conn.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %q`, table)).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func schemaVersion(t *testing.T, dbPath string) int {
	t.Helper()
	conn, err := sql.Open("sqlite", "file:"+dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	var v int
	if err := conn.QueryRow(`SELECT version FROM schema_version WHERE id=1`).Scan(&v); err != nil {
		t.Fatalf("read version: %v", err)
	}
	return v
}

func TestSHA256File(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	if err := os.WriteFile(a, []byte("same content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("same content"), 0o644); err != nil {
		t.Fatal(err)
	}
	ha, err := SHA256File(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := SHA256File(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if len(ha) != 64 || ha != hb {
		t.Fatalf("expected equal 64-char digests, got %q and %q", ha, hb)
	}
	if err := os.WriteFile(b, []byte("different content"), 0o644); err != nil {
		t.Fatal(err)
	}
	hb2, err := SHA256File(b)
	if err != nil {
		t.Fatal(err)
	}
	if hb2 == ha {
		t.Fatalf("expected digest to change with content")
	}
}

func TestCreateVerifiedBackupSlots(t *testing.T) {
	dir := t.TempDir()
	dbPath := newSeededDB(t, dir, 3)

	first, err := CreateVerifiedBackup(dbPath)
	if err != nil {
		t.Fatalf("first backup: %v", err)
	}
	date := time.Now().Format("060102")
	wantFirst := filepath.Join(dir, BackupDirName, "tracker.db."+date+"a")
	if first.Path != wantFirst {
		t.Fatalf("expected slot a at %s, got %s", wantFirst, first.Path)
	}
	liveHash, err := SHA256File(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if first.SHA256 != liveHash {
		t.Fatalf("backup digest %s does not match live %s", first.SHA256, liveHash)
	}

	second, err := CreateVerifiedBackup(dbPath)
	if err != nil {
		t.Fatalf("second backup: %v", err)
	}
	if filepath.Base(second.Path) != "tracker.db."+date+"b" {
		t.Fatalf("expected slot b, got %s", second.Path)
	}
}

func TestBackupSlotsExhausted(t *testing.T) {
	dir := t.TempDir()
	dbPath := newSeededDB(t, dir, 1)
	backupDir := filepath.Join(dir, BackupDirName)
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		t.Fatal(err)
	}
	date := time.Now().Format("060102")
	for letter := 'a'; letter <= 'z'; letter++ {
		name := fmt.Sprintf("tracker.db.%s%c", date, letter)
		if err := os.WriteFile(filepath.Join(backupDir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	_, err := CreateVerifiedBackup(dbPath)
	if !errors.Is(err, ErrBackupSlotsExhausted) {
		t.Fatalf("expected ErrBackupSlotsExhausted, got %v", err)
	}
}

func TestBackupMissingDatabase(t *testing.T) {
	dir := t.TempDir()
	_, err := CreateVerifiedBackup(filepath.Join(dir, "absent.db"))
	if err == nil {
		t.Fatalf("expected error for missing database")
	}
}

func TestListAndPruneBackups(t *testing.T) {
	dir := t.TempDir()
	dbPath := newSeededDB(t, dir, 1)
	if _, err := CreateVerifiedBackup(dbPath); err != nil {
		t.Fatal(err)
	}
	if _, err := CreateVerifiedBackup(dbPath); err != nil {
		t.Fatal(err)
	}
	backups, err := ListBackups(dbPath)
	if err != nil || len(backups) != 2 {
		t.Fatalf("expected 2 backups, got %d (%v)", len(backups), err)
	}

	// fresh backups survive the retention window
	removed, err := PruneBackups(dbPath, 7)
	if err != nil || removed != 0 {
		t.Fatalf("expected nothing pruned, got %d (%v)", removed, err)
	}

	// age one past the cutoff
	old := time.Now().AddDate(0, 0, -10)
	if err := os.Chtimes(backups[0], old, old); err != nil {
		t.Fatal(err)
	}
	removed, err = PruneBackups(dbPath, 7)
	if err != nil || removed != 1 {
		t.Fatalf("expected 1 pruned, got %d (%v)", removed, err)
	}
	remaining, err := ListBackups(dbPath)
	if err != nil || len(remaining) != 1 {
		t.Fatalf("expected 1 backup left, got %d (%v)", len(remaining), err)
	}
}

func TestValidateRowCounts(t *testing.T) {
	before := RowCounts{"items": 10, "notes": 5, "staging_new": 3}
	after := RowCounts{"items": 12, "extra": 1}

	errs := ValidateRowCounts(before, after)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
	}
	if errs[0].Table != "notes" || !errs[0].Missing {
		t.Fatalf("expected notes reported missing, got %+v", errs[0])
	}

	after["notes"] = 4
	errs = ValidateRowCounts(before, after)
	if len(errs) != 1 || errs[0].Missing || errs[0].After != 4 {
		t.Fatalf("expected shrink error for notes, got %v", errs)
	}

	after["notes"] = 5
	if errs := ValidateRowCounts(before, after); len(errs) != 0 {
		t.Fatalf("expected clean validation, got %v", errs)
	}
}

func TestApplyPatchesOrderAndSkip(t *testing.T) {
	dir := t.TempDir()
	dbPath := newSeededDB(t, dir, 2)
	patchesDir := writePatch(t, dir, 2, `CREATE TABLE tags (id INTEGER PRIMARY KEY, label TEXT)`)
	writePatch(t, dir, 3, `ALTER TABLE tags ADD COLUMN color TEXT`)

	conn, err := sql.Open("sqlite", "file:"+dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	ctx := context.Background()

	// target below the highest patch leaves it unapplied
	version, err := ApplyPatches(ctx, conn, 1, 2, patchesDir)
	if err != nil || version != 2 {
		t.Fatalf("expected version 2, got %d (%v)", version, err)
	}
	version, err = ApplyPatches(ctx, conn, 2, 3, patchesDir)
	if err != nil || version != 3 {
		t.Fatalf("expected version 3, got %d (%v)", version, err)
	}
	if v := schemaVersion(t, dbPath); v != 3 {
		t.Fatalf("expected recorded version 3, got %d", v)
	}
}

func TestSafeMigrateBenignPatch(t *testing.T) {
	dir := t.TempDir()
	dbPath := newSeededDB(t, dir, 5)
	patchesDir := writePatch(t, dir, 2, `
CREATE TABLE labels (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
ALTER TABLE items ADD COLUMN note TEXT;
`)

	backupPath, err := SafeMigrate(context.Background(), dbPath, 1, 2, patchesDir)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, statErr := os.Stat(backupPath); statErr != nil {
		t.Fatalf("expected backup at %s: %v", backupPath, statErr)
	}
	if n := countRows(t, dbPath, "items"); n != 5 {
		t.Fatalf("expected 5 items after migration, got %d", n)
	}
	if n := countRows(t, dbPath, "labels"); n != 0 {
		t.Fatalf("expected empty labels table, got %d", n)
	}
	if v := schemaVersion(t, dbPath); v != 2 {
		t.Fatalf("expected version 2, got %d", v)
	}
}

func TestSafeMigrateDestructivePatchAborts(t *testing.T) {
	dir := t.TempDir()
	dbPath := newSeededDB(t, dir, 5)
	patchesDir := writePatch(t, dir, 2, `DELETE FROM items;`)

	preHash, err := SHA256File(dbPath)
	if err != nil {
		t.Fatal(err)
	}

	_, err = SafeMigrate(context.Background(), dbPath, 1, 2, patchesDir)
	var abort *AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("expected AbortError, got %v", err)
	}
	if abort.LiveTouched {
		t.Fatalf("trial failure must not touch the live database: %+v", abort)
	}
	if len(abort.Errors) == 0 {
		t.Fatalf("expected validation errors, got %+v", abort)
	}
	if abort.BackupPath == "" {
		t.Fatalf("expected backup path in abort")
	}

	postHash, err := SHA256File(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if postHash != preHash {
		t.Fatalf("live database changed during aborted migration")
	}
	if n := countRows(t, dbPath, "items"); n != 5 {
		t.Fatalf("expected rows intact, got %d", n)
	}
}

func TestSafeMigrateSQLErrorAborts(t *testing.T) {
	dir := t.TempDir()
	dbPath := newSeededDB(t, dir, 3)
	patchesDir := writePatch(t, dir, 2, `THIS IS NOT SQL;`)

	preHash, err := SHA256File(dbPath)
	if err != nil {
		t.Fatal(err)
	}

	_, err = SafeMigrate(context.Background(), dbPath, 1, 2, patchesDir)
	var abort *AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("expected AbortError, got %v", err)
	}
	if abort.LiveTouched {
		t.Fatalf("SQL error on the copy must not touch the live database")
	}

	postHash, err := SHA256File(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if postHash != preHash {
		t.Fatalf("live database changed after SQL error on copy")
	}
}

func TestSafeMigrateNoMigrationNeeded(t *testing.T) {
	dir := t.TempDir()
	dbPath := newSeededDB(t, dir, 1)
	patchesDir := writePatch(t, dir, 2, `SELECT 1;`)

	_, err := SafeMigrate(context.Background(), dbPath, 2, 2, patchesDir)
	if !errors.Is(err, ErrNoMigrationNeeded) {
		t.Fatalf("expected ErrNoMigrationNeeded, got %v", err)
	}
}

func TestSafeMigrateMissingDatabase(t *testing.T) {
	dir := t.TempDir()
	patchesDir := writePatch(t, dir, 2, `SELECT 1;`)
	_, err := SafeMigrate(context.Background(), filepath.Join(dir, "absent.db"), 1, 2, patchesDir)
	if err == nil {
		t.Fatalf("expected error for missing database")
	}
}
