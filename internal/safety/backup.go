package safety

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// BackupDirName is the backup directory created next to the live database.
const BackupDirName = ".backups"

// ErrBackupSlotsExhausted means all 26 a-z slots for today's date are taken.
var ErrBackupSlotsExhausted = errors.New("exhausted backup slots")

// ChecksumMismatchError means the backup copy did not byte-match the live
// database. The bad copy is deleted before this error is returned.
type ChecksumMismatchError struct {
	Live   string
	Backup string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("backup checksum mismatch: live=%s backup=%s", e.Live, e.Backup)
}

// Backup is a checksum-verified copy of the live database file. A Backup is
// only ever returned after its digest has been confirmed equal to the live
// file's digest taken immediately before the copy.
type Backup struct {
	Path   string
	SHA256 string
}

// CreateVerifiedBackup copies the live database into the sibling .backups
// directory under a dated slot name (<name>.<YYMMDD><a-z>) and verifies the
// copy byte-matches the source. Checksumming both sides, rather than trusting
// the copy, catches silent corruption from disk errors or concurrent writers.
func CreateVerifiedBackup(dbPath string) (Backup, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return Backup{}, fmt.Errorf("database file does not exist: %w", err)
	}

	backupDir := filepath.Join(filepath.Dir(dbPath), BackupDirName)
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return Backup{}, fmt.Errorf("create backup dir: %w", err)
	}

	base := fmt.Sprintf("%s.%s", filepath.Base(dbPath), time.Now().Format("060102"))
	var backupPath string
	for letter := 'a'; letter <= 'z'; letter++ {
		candidate := filepath.Join(backupDir, base+string(letter))
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			backupPath = candidate
			break
		}
	}
	if backupPath == "" {
		return Backup{}, fmt.Errorf("%w for %s[a-z]", ErrBackupSlotsExhausted, base)
	}

	// Fingerprint the live file BEFORE copying; the copy must match this.
	liveHash, err := SHA256File(dbPath)
	if err != nil {
		return Backup{}, err
	}

	if err := copyFile(dbPath, backupPath); err != nil {
		return Backup{}, fmt.Errorf("copy to backup: %w", err)
	}

	backupHash, err := SHA256File(backupPath)
	if err != nil {
		os.Remove(backupPath)
		return Backup{}, err
	}
	if backupHash != liveHash {
		// The copy cannot be trusted; it must not survive.
		os.Remove(backupPath)
		return Backup{}, &ChecksumMismatchError{Live: liveHash, Backup: backupHash}
	}

	return Backup{Path: backupPath, SHA256: backupHash}, nil
}

// ListBackups returns the backup files for dbPath, oldest first.
func ListBackups(dbPath string) ([]string, error) {
	backupDir := filepath.Join(filepath.Dir(dbPath), BackupDirName)
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	prefix := filepath.Base(dbPath) + "."
	var paths []string
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) <= len(prefix) || e.Name()[:len(prefix)] != prefix {
			continue
		}
		paths = append(paths, filepath.Join(backupDir, e.Name()))
	}
	return paths, nil
}

// PruneBackups deletes backups of dbPath older than retainDays. Retention is
// a caller policy; the migration pipeline itself never expires backups.
func PruneBackups(dbPath string, retainDays int) (int, error) {
	if retainDays <= 0 {
		return 0, nil
	}
	paths, err := ListBackups(dbPath)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().AddDate(0, 0, -retainDays)
	removed := 0
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(p); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// copyFile copies src to dst preserving mode and modification time.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Chtimes(dst, time.Now(), info.ModTime())
}
