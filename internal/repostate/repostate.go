// Package repostate normalizes external source repositories to a known
// state: present on disk, tracking their remote, hard-reset to the target
// reference and free of uncommitted or untracked files.
package repostate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"avforge/internal/config"
	"avforge/internal/logfields"
)

// resetFallbackDepth bounds how far back from HEAD the reset falls when the
// target reference cannot be resolved.
const resetFallbackDepth = 10

// CloneError indicates a repository could not be brought onto disk.
type CloneError struct {
	Name string
	URL  string
	Err  error
}

func (e *CloneError) Error() string {
	return fmt.Sprintf("clone %s from %s: %v", e.Name, e.URL, e.Err)
}

func (e *CloneError) Unwrap() error { return e.Err }

// CleanError indicates untracked files could not be removed. An unclean tree
// invalidates subsequent patch application, so this is fatal.
type CleanError struct {
	Name string
	Err  error
}

func (e *CleanError) Error() string {
	return fmt.Sprintf("clean %s: %v", e.Name, e.Err)
}

func (e *CleanError) Unwrap() error { return e.Err }

// Manager drives repository state transitions.
type Manager struct{}

// NewManager creates a repository state manager.
func NewManager() *Manager { return &Manager{} }

// Ensure clones repo.URL into repo.Path when the path does not exist. An
// existing path is accepted as-is, whatever its content; Reset is the
// operation that re-establishes a known state.
func (m *Manager) Ensure(ctx context.Context, repo config.Repository) error {
	if _, err := os.Stat(repo.Path); err == nil {
		slog.Debug("Repository already present", logfields.Repository(repo.Name), logfields.Path(repo.Path))
		return nil
	}

	slog.Info("Cloning repository", logfields.Repository(repo.Name), logfields.URL(repo.URL), logfields.Path(repo.Path))
	repository, err := git.PlainCloneContext(ctx, repo.Path, false, &git.CloneOptions{
		URL: repo.URL,
	})
	if err != nil {
		return &CloneError{Name: repo.Name, URL: repo.URL, Err: err}
	}

	if ref, err := repository.Head(); err == nil {
		slog.Info("Repository cloned", logfields.Repository(repo.Name), slog.String("commit", shortHash(ref.Hash())))
	} else {
		slog.Info("Repository cloned", logfields.Repository(repo.Name))
	}
	return nil
}

// Reset brings the working tree to a clean state at repo.Ref:
// in-progress merge/rebase/apply markers are discarded best-effort, all
// remotes are fetched (failures are warnings), the tree is hard-reset to
// the remote-qualified target ref with bounded fallbacks, and untracked
// files are removed. Only the final clean step is fatal.
func (m *Manager) Reset(ctx context.Context, repo config.Repository) error {
	repository, err := git.PlainOpen(repo.Path)
	if err != nil {
		return fmt.Errorf("open repository %s: %w", repo.Name, err)
	}

	m.abortInProgressOps(repo)
	m.fetchAll(ctx, repository, repo)

	wt, err := repository.Worktree()
	if err != nil {
		return fmt.Errorf("worktree %s: %w", repo.Name, err)
	}

	m.hardReset(repository, wt, repo)

	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return &CleanError{Name: repo.Name, Err: err}
	}
	slog.Debug("Removed untracked files", logfields.Repository(repo.Name))
	return nil
}

// abortInProgressOps discards merge/rebase/apply state left by an interrupted
// operation. Failures are swallowed: the operation may simply not have been
// active.
func (m *Manager) abortInProgressOps(repo config.Repository) {
	gitDir := filepath.Join(repo.Path, ".git")
	markers := []string{
		"MERGE_HEAD", "MERGE_MSG", "MERGE_MODE",
		"CHERRY_PICK_HEAD", "REBASE_HEAD",
		"rebase-merge", "rebase-apply",
	}
	for _, marker := range markers {
		path := filepath.Join(gitDir, marker)
		if _, err := os.Lstat(path); err != nil {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			slog.Debug("Could not discard in-progress marker", logfields.Repository(repo.Name), logfields.Path(path), logfields.Error(err))
		} else {
			slog.Info("Discarded in-progress operation marker", logfields.Repository(repo.Name), slog.String("marker", marker))
		}
	}
}

// fetchAll fetches every configured remote. A failed fetch is a warning, not
// fatal: the reset proceeds against local state.
func (m *Manager) fetchAll(ctx context.Context, repository *git.Repository, repo config.Repository) {
	remotes, err := repository.Remotes()
	if err != nil {
		slog.Warn("Could not list remotes", logfields.Repository(repo.Name), logfields.Error(err))
		return
	}
	for _, remote := range remotes {
		err := remote.FetchContext(ctx, &git.FetchOptions{Tags: git.AllTags})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			slog.Warn("Fetch failed, proceeding with local state",
				logfields.Repository(repo.Name),
				slog.String("remote", remote.Config().Name),
				logfields.Error(err))
		}
	}
}

// hardReset tries the remote-qualified target ref first, then a bounded
// number of commits back from HEAD, then HEAD itself. The last variant is a
// no-op reset that still discards uncommitted changes, so the tree always
// ends up clean even when the target ref is unreachable.
func (m *Manager) hardReset(repository *git.Repository, wt *git.Worktree, repo config.Repository) {
	if hash, err := resolveTarget(repository, repo.Ref); err == nil {
		if err := wt.Reset(&git.ResetOptions{Commit: hash, Mode: git.HardReset}); err == nil {
			slog.Info("Reset repository", logfields.Repository(repo.Name), logfields.Ref(repo.Ref), slog.String("commit", shortHash(hash)))
			return
		}
	}

	if hash, err := ancestorOfHead(repository, resetFallbackDepth); err == nil {
		if err := wt.Reset(&git.ResetOptions{Commit: hash, Mode: git.HardReset}); err == nil {
			slog.Warn("Target ref unreachable, reset to earlier commit",
				logfields.Repository(repo.Name), logfields.Ref(repo.Ref), slog.String("commit", shortHash(hash)))
			return
		}
	}

	if head, err := repository.Head(); err == nil {
		if err := wt.Reset(&git.ResetOptions{Commit: head.Hash(), Mode: git.HardReset}); err == nil {
			slog.Warn("Reset to current HEAD only", logfields.Repository(repo.Name), slog.String("commit", shortHash(head.Hash())))
			return
		}
	}
	slog.Warn("Could not reset repository, relying on clean step", logfields.Repository(repo.Name))
}

// resolveTarget resolves ref against remote branches first, then tags, then
// as a raw revision.
func resolveTarget(repository *git.Repository, ref string) (plumbing.Hash, error) {
	candidates := []string{
		"refs/remotes/origin/" + ref,
		"refs/tags/" + ref,
		ref,
	}
	var lastErr error
	for _, candidate := range candidates {
		hash, err := repository.ResolveRevision(plumbing.Revision(candidate))
		if err == nil {
			return *hash, nil
		}
		lastErr = err
	}
	return plumbing.ZeroHash, fmt.Errorf("resolve %q: %w", ref, lastErr)
}

// ancestorOfHead walks first parents up to depth commits back, returning the
// oldest commit reached.
func ancestorOfHead(repository *git.Repository, depth int) (plumbing.Hash, error) {
	head, err := repository.Head()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	commit, err := repository.CommitObject(head.Hash())
	if err != nil {
		return plumbing.ZeroHash, err
	}
	for i := 0; i < depth; i++ {
		parent, err := commit.Parent(0)
		if err != nil {
			if errors.Is(err, object.ErrParentNotFound) {
				break
			}
			return plumbing.ZeroHash, err
		}
		commit = parent
	}
	return commit.Hash, nil
}

func shortHash(h plumbing.Hash) string {
	return h.String()[:8]
}
