package safety

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"
)

var patchNamePattern = regexp.MustCompile(`^patch-(\d+)\.sql$`)

type patchFile struct {
	version int
	path    string
}

// ApplyPatches applies the schema patch scripts in patchesDir to the
// connection, in strictly increasing version order. Patches at or below
// currentVersion, or above targetVersion, are skipped; files that don't match
// the patch-<N>.sql naming convention are ignored. Each patch runs with
// foreign-key enforcement relaxed (patches may recreate tables in ways that
// transiently violate referential integrity) and records its version in the
// schema_version marker. Returns the final version reached, which may be
// below targetVersion when no eligible patches exist.
//
// SQL errors propagate to the caller; interpreting them as an abort signal is
// the orchestrator's job.
func ApplyPatches(ctx context.Context, db *sql.DB, currentVersion, targetVersion int, patchesDir string) (int, error) {
	entries, err := os.ReadDir(patchesDir)
	if err != nil {
		return currentVersion, err
	}
	var patches []patchFile
	for _, e := range entries {
		m := patchNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		patches = append(patches, patchFile{version: v, path: filepath.Join(patchesDir, e.Name())})
	}
	sort.Slice(patches, func(i, j int) bool { return patches[i].version < patches[j].version })

	// Pin a single connection so the foreign_keys pragma and the script
	// batches all run on it.
	conn, err := db.Conn(ctx)
	if err != nil {
		return currentVersion, err
	}
	defer conn.Close()

	for _, p := range patches {
		if p.version <= currentVersion || p.version > targetVersion {
			continue
		}
		script, err := os.ReadFile(p.path)
		if err != nil {
			return currentVersion, err
		}
		if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
			return currentVersion, err
		}
		if _, err := conn.ExecContext(ctx, string(script)); err != nil {
			return currentVersion, fmt.Errorf("patch %d: %w", p.version, err)
		}
		if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			return currentVersion, err
		}
		if _, err := conn.ExecContext(ctx,
			`INSERT OR REPLACE INTO schema_version (id, version, updated_at) VALUES (1, ?, ?)`,
			p.version, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return currentVersion, fmt.Errorf("record version %d: %w", p.version, err)
		}
		currentVersion = p.version
	}
	return currentVersion, nil
}
