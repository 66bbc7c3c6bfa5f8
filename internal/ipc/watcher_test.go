package ipc

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

type consumed struct {
	folder string
	name   string
	data   []byte
}

func newTestWatcher(t *testing.T) (*Watcher, string, chan consumed, chan consumed) {
	t.Helper()
	root := t.TempDir()
	tasks := make(chan consumed, 16)
	decisions := make(chan consumed, 16)
	w := NewWatcher(root,
		func(folder, name string, data []byte) {
			tasks <- consumed{folder, name, data}
		},
		func(folder, requestID string, data []byte) {
			decisions <- consumed{folder, requestID, data}
		})
	t.Cleanup(func() { w.Close() })
	return w, root, tasks, decisions
}

func mkWorkspace(t *testing.T, root, folder string) {
	t.Helper()
	for _, sub := range []string{protocol.DirTasks, protocol.DirApprovalDecisions} {
		if err := os.MkdirAll(filepath.Join(root, folder, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}
}

func waitConsumed(t *testing.T, ch <-chan consumed) consumed {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for watcher callback")
		return consumed{}
	}
}

func TestWatcherStartupScanOrder(t *testing.T) {
	w, root, tasks, _ := newTestWatcher(t)
	mkWorkspace(t, root, "alpha")

	// Written out of order; drain must follow filename sort.
	for _, name := range []string{"0003.json", "0001.json", "0002.json"} {
		path := filepath.Join(root, "alpha", protocol.DirTasks, name)
		if err := WriteAtomic(path, []byte(`{"type":"finished_work"}`)); err != nil {
			t.Fatal(err)
		}
	}

	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	want := []string{"0001.json", "0002.json", "0003.json"}
	for i, wantName := range want {
		c := waitConsumed(t, tasks)
		if c.name != wantName {
			t.Errorf("drain %d = %q, want %q", i, c.name, wantName)
		}
		if c.folder != "alpha" {
			t.Errorf("drain %d folder = %q", i, c.folder)
		}
	}

	entries, err := os.ReadDir(filepath.Join(root, "alpha", protocol.DirTasks))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("tasks dir still has %d files after drain", len(entries))
	}
}

func TestWatcherDeliversNewFiles(t *testing.T) {
	w, root, tasks, _ := newTestWatcher(t)
	mkWorkspace(t, root, "alpha")
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	path := filepath.Join(root, "alpha", protocol.DirTasks, "00aa.json")
	if err := WriteAtomic(path, []byte(`{"type":"reset_context"}`)); err != nil {
		t.Fatal(err)
	}

	c := waitConsumed(t, tasks)
	if c.name != "00aa.json" || string(c.data) != `{"type":"reset_context"}` {
		t.Errorf("consumed = %q %q", c.name, c.data)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("consumed file still exists: %v", err)
	}
}

func TestWatcherDeliversDecisions(t *testing.T) {
	w, root, _, decisions := newTestWatcher(t)
	mkWorkspace(t, root, "alpha")
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	path := filepath.Join(root, "alpha", protocol.DirApprovalDecisions, "0123456789abcdef.json")
	if err := WriteAtomicJSON(path, protocol.ApprovalDecision{Approved: true, DecidedBy: "user"}); err != nil {
		t.Fatal(err)
	}

	c := waitConsumed(t, decisions)
	if c.folder != "alpha" || c.name != "0123456789abcdef" {
		t.Errorf("decision = %q %q, want alpha 0123456789abcdef", c.folder, c.name)
	}
}

func TestWatcherRejectsOversize(t *testing.T) {
	w, root, tasks, _ := newTestWatcher(t)
	mkWorkspace(t, root, "alpha")

	big := filepath.Join(root, "alpha", protocol.DirTasks, "0001.json")
	if err := WriteAtomic(big, bytes.Repeat([]byte("a"), MaxRequestBytes+1)); err != nil {
		t.Fatal(err)
	}

	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A normal file written after proves the watcher kept going and the
	// oversize one was dropped, not queued.
	ok := filepath.Join(root, "alpha", protocol.DirTasks, "0002.json")
	if err := WriteAtomic(ok, []byte(`{"type":"finished_work"}`)); err != nil {
		t.Fatal(err)
	}

	c := waitConsumed(t, tasks)
	if c.name != "0002.json" {
		t.Errorf("consumed %q, want only 0002.json", c.name)
	}
	if _, err := os.Stat(big); !os.IsNotExist(err) {
		t.Errorf("oversize file not deleted: %v", err)
	}
}

func TestWatcherDiscoversNewWorkspace(t *testing.T) {
	w, root, tasks, _ := newTestWatcher(t)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	mkWorkspace(t, root, "beta")
	path := filepath.Join(root, "beta", protocol.DirTasks, "0001.json")
	if err := WriteAtomic(path, []byte(`{"type":"finished_work"}`)); err != nil {
		t.Fatal(err)
	}

	c := waitConsumed(t, tasks)
	if c.folder != "beta" || c.name != "0001.json" {
		t.Errorf("consumed = %q %q, want beta 0001.json", c.folder, c.name)
	}
}

func TestWatcherAddFolderExplicit(t *testing.T) {
	w, root, tasks, _ := newTestWatcher(t)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	mkWorkspace(t, root, "gamma")
	path := filepath.Join(root, "gamma", protocol.DirTasks, "0001.json")
	if err := WriteAtomic(path, []byte(`{"type":"finished_work"}`)); err != nil {
		t.Fatal(err)
	}
	w.AddFolder("gamma")

	c := waitConsumed(t, tasks)
	if c.folder != "gamma" {
		t.Errorf("consumed folder = %q, want gamma", c.folder)
	}
}

func TestWatcherIgnoresTmpFiles(t *testing.T) {
	w, root, tasks, _ := newTestWatcher(t)
	mkWorkspace(t, root, "alpha")
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	tmp := filepath.Join(root, "alpha", protocol.DirTasks, "0001.json.tmp")
	if err := os.WriteFile(tmp, []byte(`{"type":"partial`), 0o644); err != nil {
		t.Fatal(err)
	}
	finished := filepath.Join(root, "alpha", protocol.DirTasks, "0002.json")
	if err := WriteAtomic(finished, []byte(`{"type":"finished_work"}`)); err != nil {
		t.Fatal(err)
	}

	c := waitConsumed(t, tasks)
	if c.name != "0002.json" {
		t.Errorf("consumed %q, want 0002.json", c.name)
	}
	if _, err := os.Stat(tmp); err != nil {
		t.Errorf("tmp file should be untouched: %v", err)
	}
}
