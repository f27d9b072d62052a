package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"avforge/internal/logfields"
)

// PatchWatcher monitors the user patch directory and invokes its callback
// after changes settle.
type PatchWatcher struct {
	dir          string
	onChange     func()
	watcher      *fsnotify.Watcher
	mu           sync.Mutex
	stopChan     chan struct{}
	changeChan   chan struct{}
	debounceTime time.Duration
	stopped      bool
	// timer is the pending debounce timer, guarded by mu so Stop can
	// cancel it before it fires.
	timer *time.Timer
}

// NewPatchWatcher creates a watcher for the given patch directory.
func NewPatchWatcher(dir string, onChange func()) (*PatchWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("resolve patch directory: %w", err)
	}

	return &PatchWatcher{
		dir:          absDir,
		onChange:     onChange,
		watcher:      watcher,
		stopChan:     make(chan struct{}),
		changeChan:   make(chan struct{}, 1),
		debounceTime: 2 * time.Second,
	}, nil
}

// Start begins monitoring. The directory must exist.
func (pw *PatchWatcher) Start(ctx context.Context) error {
	if err := pw.watcher.Add(pw.dir); err != nil {
		return fmt.Errorf("watch patch directory %s: %w", pw.dir, err)
	}

	slog.Info("Watching patch directory", logfields.Path(pw.dir))

	go pw.watchLoop(ctx)
	go pw.debounceLoop(ctx)
	return nil
}

// Stop stops the watcher. It is safe to call once.
func (pw *PatchWatcher) Stop() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.stopped {
		return nil
	}
	pw.stopped = true
	close(pw.stopChan)
	if pw.timer != nil {
		pw.timer.Stop()
	}
	return pw.watcher.Close()
}

func (pw *PatchWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-pw.stopChan:
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if !isPatchEvent(event) {
				continue
			}
			slog.Debug("Patch change detected",
				logfields.Path(event.Name), slog.String("op", event.Op.String()))
			pw.notify()
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Patch watcher error", logfields.Error(err))
		}
	}
}

// debounceLoop collapses bursts of change notifications into a single
// callback once changes stop arriving for the debounce window.
func (pw *PatchWatcher) debounceLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			pw.stopTimer()
			return
		case <-pw.stopChan:
			pw.stopTimer()
			return
		case <-pw.changeChan:
			pw.armTimer()
		}
	}
}

func (pw *PatchWatcher) armTimer() {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.stopped {
		return
	}
	if pw.timer != nil {
		pw.timer.Stop()
	}
	pw.timer = time.AfterFunc(pw.debounceTime, pw.onChange)
}

func (pw *PatchWatcher) stopTimer() {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.timer != nil {
		pw.timer.Stop()
	}
}

func (pw *PatchWatcher) notify() {
	select {
	case pw.changeChan <- struct{}{}:
	default:
	}
}

// isPatchEvent reports whether the event concerns a patch file in a way that
// should trigger a rebuild. Removals count: deleting a patch changes the set.
func isPatchEvent(event fsnotify.Event) bool {
	if !strings.HasSuffix(event.Name, ".patch") {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0
}
