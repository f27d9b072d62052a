// Package libswap hot-swaps versioned shared-library artifacts into a live
// installation directory, preserving the displaced files in a backup area so
// the swap can be undone exactly.
package libswap

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"avforge/internal/logfields"
)

// BackupDirName is the subdirectory of the target that records displaced files.
// Its presence is the durable marker of an outstanding, un-restored swap.
const BackupDirName = "backup"

const soMarker = ".so"

// NoBackupError indicates a restore was requested with nothing to restore.
type NoBackupError struct {
	Dir string
}

func (e *NoBackupError) Error() string {
	return fmt.Sprintf("no backup directory in %s: nothing to restore", e.Dir)
}

// BaseName returns the shared-library base name (everything up to and
// including the first ".so") and whether name follows the
// <base>.so[.<version>...] convention.
func BaseName(name string) (string, bool) {
	idx := strings.Index(name, soMarker)
	if idx < 1 {
		return "", false
	}
	rest := name[idx+len(soMarker):]
	if rest != "" && !strings.HasPrefix(rest, ".") {
		return "", false
	}
	return name[:idx+len(soMarker)], true
}

// Swap replaces every artifact in targetDir whose base name matches an
// incoming artifact from sourceDir. Displaced files are moved into
// targetDir/backup before the replacement is copied in; nothing is ever
// overwritten in place.
func Swap(sourceDir, targetDir string) error {
	candidates, err := listArtifacts(sourceDir)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return fmt.Errorf("no shared-library artifacts found in %s", sourceDir)
	}
	if _, err := os.Stat(targetDir); err != nil {
		return fmt.Errorf("target directory: %w", err)
	}

	backupDir := filepath.Join(targetDir, BackupDirName)
	for _, name := range candidates {
		base, _ := BaseName(name)

		displaced, err := matchingFiles(targetDir, base)
		if err != nil {
			return err
		}
		for _, old := range displaced {
			if err := os.MkdirAll(backupDir, 0o755); err != nil {
				return fmt.Errorf("create backup directory: %w", err)
			}
			if err := os.Rename(filepath.Join(targetDir, old), filepath.Join(backupDir, old)); err != nil {
				return fmt.Errorf("move %s to backup: %w", old, err)
			}
			slog.Info("Moved existing artifact to backup", slog.String("file", old), logfields.Path(backupDir))
		}

		if err := copyPreserving(filepath.Join(sourceDir, name), filepath.Join(targetDir, name)); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
		slog.Info("Installed artifact", slog.String("file", name), logfields.Path(targetDir))
	}
	return nil
}

// Restore moves every file from targetDir/backup back into targetDir,
// overwriting whatever replaced it, and removes the backup directory once
// empty. It is the inverse of the immediately preceding Swap.
func Restore(targetDir string) error {
	backupDir := filepath.Join(targetDir, BackupDirName)
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &NoBackupError{Dir: targetDir}
		}
		return fmt.Errorf("read backup directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if err := os.Rename(filepath.Join(backupDir, name), filepath.Join(targetDir, name)); err != nil {
			return fmt.Errorf("restore %s: %w", name, err)
		}
		slog.Info("Restored artifact", slog.String("file", name), logfields.Path(targetDir))
	}

	// Removal fails when residual entries remain; that is not fatal.
	if err := os.Remove(backupDir); err != nil {
		slog.Debug("Backup directory not removed", logfields.Path(backupDir), logfields.Error(err))
	}
	return nil
}

// listArtifacts returns the versioned shared-library files in dir, sorted.
func listArtifacts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read source directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := BaseName(entry.Name()); ok {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// matchingFiles returns every file in dir whose name starts with the given
// base name, whatever its suffix. The prefix match displaces stray
// non-standard suffixes (libfoo.so-debug) along with the versioned files.
func matchingFiles(dir, base string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read target directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), base) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// copyPreserving copies src to dst keeping mode and modification time.
func copyPreserving(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
