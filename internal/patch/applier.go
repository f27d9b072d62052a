// Package patch applies ordered sets of unified-diff files to a working tree.
package patch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"avforge/internal/execx"
	"avforge/internal/logfields"
)

// Set is an ordered group of patch files applied for one logical purpose.
// Sets are applied strictly in the order given to Apply; official
// plugin-integration patches must precede user patches because the latter
// may assume the former already landed.
type Set struct {
	Name string
	Dir  string
}

// ApplyError names the first patch that failed to apply.
type ApplyError struct {
	Set  string
	File string
	Err  error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("patch %s from set %q failed: %v", e.File, e.Set, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Applier applies patch sets to a single working tree.
type Applier struct {
	runner  execx.Runner
	workDir string
}

// NewApplier creates an applier for the given working tree.
func NewApplier(runner execx.Runner, workDir string) *Applier {
	return &Applier{runner: runner, workDir: workDir}
}

// Apply applies each set in order. A set whose directory is absent or holds
// no patch files is skipped; within a set, files apply in sorted order and
// the first failure aborts with an ApplyError.
func (a *Applier) Apply(ctx context.Context, sets []Set) error {
	for _, set := range sets {
		files, err := listPatches(set.Dir)
		if err != nil {
			return fmt.Errorf("patch set %q: %w", set.Name, err)
		}
		if len(files) == 0 {
			slog.Debug("Patch set empty or absent, skipping", logfields.PatchSet(set.Name), logfields.Path(set.Dir))
			continue
		}

		slog.Info("Applying patch set", logfields.PatchSet(set.Name), slog.Int("patches", len(files)))
		for _, file := range files {
			slog.Info("Applying patch", logfields.PatchSet(set.Name), logfields.Patch(filepath.Base(file)))
			cmd := execx.Command{
				Name: "git",
				Args: []string{"apply", "--ignore-whitespace", file},
				Dir:  a.workDir,
			}
			if err := a.runner.Run(ctx, cmd); err != nil {
				return &ApplyError{Set: set.Name, File: filepath.Base(file), Err: err}
			}
		}
	}
	return nil
}

// listPatches returns the absolute paths of *.patch files in dir, sorted.
// A missing directory yields an empty list, not an error.
func listPatches(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read patch directory %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".patch") {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, abs)
	}
	sort.Strings(files)
	return files, nil
}
