// Package safety implements the database backup and migration safety
// pipeline: checksum-verified backups, a trial migration on a disposable
// copy, and post-migration row-count validation. No patch touches the live
// database until a verified backup exists and the trial run has passed; a
// failure at any step aborts the whole migration with the live database left
// untouched.
package safety

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// ErrNoMigrationNeeded signals that the database is already at or past the
// requested version. It is an early-exit condition, not a failure.
var ErrNoMigrationNeeded = errors.New("no migration needed: already at requested version")

// AbortError is a controlled abort of the migration protocol, raised when the
// trial or live run reveals a SQL error or data loss. LiveTouched
// distinguishes the severe post-live case: when false the live database is
// guaranteed untouched; when true the operator must recover from BackupPath
// by hand, since automatic rollback of a partially applied patch is unsafe.
type AbortError struct {
	Reason      string
	Errors      []ValidationError
	BackupPath  string
	LiveTouched bool
	Err         error
}

func (e *AbortError) Error() string {
	msg := e.Reason
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if len(e.Errors) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, joinValidationErrors(e.Errors))
	}
	if e.LiveTouched {
		return fmt.Sprintf("%s. Backup available at: %s", msg, e.BackupPath)
	}
	return fmt.Sprintf("%s. Live database NOT touched. Backup at: %s", msg, e.BackupPath)
}

func (e *AbortError) Unwrap() error { return e.Err }

// SafeMigrate runs the full safety protocol for upgrading the database at
// dbPath from currentVersion to targetVersion using the patch scripts in
// patchesDir:
//
//  1. Create a verified backup of the live database.
//  2. Snapshot row counts from the live database (the baseline).
//  3. Copy the live file to a throwaway scratch file.
//  4. Apply the patches to the scratch copy.
//  5. Validate the scratch copy against the baseline.
//  6. Only then apply the patches to the live database.
//  7. Validate the live database against the same baseline.
//
// The live database is mutated at most once, in step 6, and only after an
// identical patch sequence has been proven safe on the scratch copy. Returns
// the backup path on success. Failures before step 6 return an *AbortError
// with LiveTouched=false (or an infrastructure error when no backup exists
// yet); failures at or after step 6 return an *AbortError with
// LiveTouched=true and no automatic rollback.
func SafeMigrate(ctx context.Context, dbPath string, currentVersion, targetVersion int, patchesDir string) (string, error) {
	if currentVersion >= targetVersion {
		return "", ErrNoMigrationNeeded
	}
	if _, err := os.Stat(dbPath); err != nil {
		return "", fmt.Errorf("database does not exist: %w", err)
	}
	if _, err := os.Stat(patchesDir); err != nil {
		return "", fmt.Errorf("patches directory does not exist: %w", err)
	}

	bkp, err := CreateVerifiedBackup(dbPath)
	if err != nil {
		return "", err
	}

	// The baseline both the trial and live validations compare against. Taken
	// strictly after the backup and strictly before any patch runs.
	preCounts, err := snapshotFile(ctx, dbPath)
	if err != nil {
		return "", err
	}

	if err := trialMigrate(ctx, dbPath, currentVersion, targetVersion, patchesDir, preCounts, bkp.Path); err != nil {
		return "", err
	}

	liveDB, err := openFile(dbPath)
	if err != nil {
		return "", err
	}
	if _, err := ApplyPatches(ctx, liveDB, currentVersion, targetVersion, patchesDir); err != nil {
		liveDB.Close()
		return "", &AbortError{
			Reason:      "live migration failed with SQL error",
			BackupPath:  bkp.Path,
			LiveTouched: true,
			Err:         err,
		}
	}
	postCounts, err := TableRowCounts(ctx, liveDB)
	liveDB.Close()
	if err != nil {
		return "", &AbortError{
			Reason:      "live migration could not be validated",
			BackupPath:  bkp.Path,
			LiveTouched: true,
			Err:         err,
		}
	}
	if errs := ValidateRowCounts(preCounts, postCounts); len(errs) > 0 {
		return "", &AbortError{
			Reason:      "live migration failed validation, data loss detected",
			Errors:      errs,
			BackupPath:  bkp.Path,
			LiveTouched: true,
		}
	}

	return bkp.Path, nil
}

// trialMigrate proves the patch sequence safe on a scratch copy. Any returned
// *AbortError has LiveTouched=false. The scratch file is removed on every
// exit path.
func trialMigrate(ctx context.Context, dbPath string, currentVersion, targetVersion int, patchesDir string, preCounts RowCounts, backupPath string) error {
	scratch := filepath.Join(os.TempDir(), fmt.Sprintf("taskline_migrate_%s.db", uuid.NewString()))
	defer os.Remove(scratch)

	if err := copyFile(dbPath, scratch); err != nil {
		return fmt.Errorf("copy to scratch file: %w", err)
	}

	db, err := openFile(scratch)
	if err != nil {
		return err
	}
	if _, err := ApplyPatches(ctx, db, currentVersion, targetVersion, patchesDir); err != nil {
		db.Close()
		return &AbortError{
			Reason:     "trial migration failed with SQL error on copy",
			BackupPath: backupPath,
			Err:        err,
		}
	}
	postCounts, err := TableRowCounts(ctx, db)
	db.Close()
	if err != nil {
		return err
	}

	if errs := ValidateRowCounts(preCounts, postCounts); len(errs) > 0 {
		return &AbortError{
			Reason:     "trial migration failed, data loss detected on copy",
			Errors:     errs,
			BackupPath: backupPath,
		}
	}
	return nil
}

func snapshotFile(ctx context.Context, path string) (RowCounts, error) {
	db, err := openFile(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return TableRowCounts(ctx, db)
}

// openFile opens a short-lived connection owned for a single phase of the
// protocol. Each phase opens and closes its own.
func openFile(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, err
	}
	return db, nil
}
