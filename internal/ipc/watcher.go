package ipc

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/pynchy/internal/telemetry"
	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

// MaxRequestBytes caps a single task file. Larger files are rejected and
// deleted without dispatch.
const MaxRequestBytes = 1 << 20

// TaskFunc receives one consumed task file. The file is already deleted;
// data is its full content. Called on the watcher goroutine, in
// filename-sort order per drain, so implementations must not block.
type TaskFunc func(folder, name string, data []byte)

// DecisionFunc receives one consumed approval decision file.
type DecisionFunc func(folder, requestID string, data []byte)

// Watcher consumes container-emitted files under <root>/<folder>/. It
// watches the tasks and approval_decisions directories of every workspace,
// discovers new workspace directories as they appear, and drains files in
// filename-sort order. Every consumed file is read then deleted before its
// callback fires, so a file is handed over at most once.
type Watcher struct {
	root       string
	onTask     TaskFunc
	onDecision DecisionFunc

	fw   *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup

	// Serializes drains so AddFolder and the event loop cannot hand the
	// same file to a callback twice.
	drainMu sync.Mutex

	closeOnce sync.Once
}

// NewWatcher builds a watcher over the IPC root directory (<data>/ipc).
func NewWatcher(root string, onTask TaskFunc, onDecision DecisionFunc) *Watcher {
	return &Watcher{
		root:       filepath.Clean(root),
		onTask:     onTask,
		onDecision: onDecision,
		done:       make(chan struct{}),
	}
}

// Start scans existing workspace directories, drains any files written while
// the host was down, and begins watching for new ones.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return fmt.Errorf("create ipc root: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	w.fw = fw

	if err := fw.Add(w.root); err != nil {
		fw.Close()
		return fmt.Errorf("watch ipc root: %w", err)
	}

	entries, err := os.ReadDir(w.root)
	if err != nil {
		fw.Close()
		return fmt.Errorf("scan ipc root: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			w.addFolderWatches(e.Name())
		}
	}

	w.wg.Add(1)
	go w.run()
	return nil
}

// AddFolder registers a workspace directory explicitly. Idempotent; used by
// the registration path right after the directory tree is created so no
// discovery race can drop an early request.
func (w *Watcher) AddFolder(folder string) {
	w.addFolderWatches(folder)
}

// Close stops the watcher and waits for the event loop to exit. No callback
// fires after Close returns.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		if w.fw != nil {
			err = w.fw.Close()
		}
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Error("ipc.watch.error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}
	dir := filepath.Dir(event.Name)
	switch {
	case dir == w.root:
		// New workspace directory under the root.
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			w.addFolderWatches(filepath.Base(event.Name))
		}
	case filepath.Dir(dir) == w.root:
		// Subdirectory created inside a workspace directory.
		base := filepath.Base(event.Name)
		if base == protocol.DirTasks || base == protocol.DirApprovalDecisions {
			w.watchDir(event.Name)
			w.drainDir(filepath.Base(dir), base)
		}
	case filepath.Dir(filepath.Dir(dir)) == w.root:
		// File activity inside tasks/ or approval_decisions/.
		folder := filepath.Base(filepath.Dir(dir))
		switch filepath.Base(dir) {
		case protocol.DirTasks:
			w.drainDir(folder, protocol.DirTasks)
		case protocol.DirApprovalDecisions:
			w.drainDir(folder, protocol.DirApprovalDecisions)
		}
	}
}

// addFolderWatches wires up one workspace: the folder directory itself (so
// later subdirectory creation is seen) plus whichever consumed subdirs
// already exist, then drains them.
func (w *Watcher) addFolderWatches(folder string) {
	folderDir := filepath.Join(w.root, folder)
	w.watchDir(folderDir)
	for _, sub := range []string{protocol.DirTasks, protocol.DirApprovalDecisions} {
		dir := filepath.Join(folderDir, sub)
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			continue
		}
		w.watchDir(dir)
		w.drainDir(folder, sub)
	}
}

func (w *Watcher) watchDir(dir string) {
	if w.fw == nil {
		return
	}
	if err := w.fw.Add(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("ipc.watch.add_failed", "dir", dir, "error", err)
	}
}

// drainDir consumes every *.json file in <root>/<folder>/<sub>, oldest
// filename first. os.ReadDir returns entries sorted by name, and task
// filenames are monotonic counters, so sort order is emit order.
func (w *Watcher) drainDir(folder, sub string) {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()

	dir := filepath.Join(w.root, folder, sub)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Error("ipc.drain.failed", "dir", dir, "error", err)
		}
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(dir, name)

		if sub == protocol.DirTasks {
			if fi, err := e.Info(); err == nil && fi.Size() > MaxRequestBytes {
				slog.Warn("ipc.request.oversize", "folder", folder, "file", name, "size", fi.Size())
				telemetry.IPCRejected.WithLabelValues("oversize").Inc()
				w.removeConsumed(path)
				continue
			}
		}

		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				slog.Error("ipc.drain.read_failed", "file", path, "error", err)
			}
			continue
		}
		if !w.removeConsumed(path) {
			continue
		}
		switch sub {
		case protocol.DirTasks:
			w.onTask(folder, name, data)
		case protocol.DirApprovalDecisions:
			w.onDecision(folder, strings.TrimSuffix(name, ".json"), data)
		}
	}
}

// removeConsumed deletes a consumed file. Returns false when the file could
// not be removed, in which case the callback is skipped so a later drain
// does not dispatch it twice.
func (w *Watcher) removeConsumed(path string) bool {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false
		}
		slog.Error("ipc.drain.remove_failed", "file", path, "error", err)
		return false
	}
	return true
}
