package approval

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/pynchy/internal/store"
	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

// SweepExpired walks every workspace and resolves pending entries older
// than their timeout: the blocked request gets an error response and the
// pending file is removed. Returns the number of entries expired.
func (m *Manager) SweepExpired() int {
	folders, err := os.ReadDir(m.root)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("approval.sweep.failed", "error", err)
		}
		return 0
	}

	now := m.now()
	expired := 0
	for _, f := range folders {
		if !f.IsDir() {
			continue
		}
		expired += m.sweepDir(f.Name(), protocol.DirPendingApprovals, m.approvalTimeout, now, "Approval request expired")
		expired += m.sweepDir(f.Name(), protocol.DirPendingQuestions, m.questionTimeout, now, "Question expired")
	}
	if expired > 0 {
		slog.Info("approval.sweep.expired", "count", expired)
	}
	return expired
}

func (m *Manager) sweepDir(folder, dir string, timeout time.Duration, now time.Time, msg string) int {
	path := filepath.Join(m.root, folder, dir)
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0
	}

	expired := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		full := filepath.Join(path, e.Name())
		createdAt, ok := readCreatedAt(full)
		if !ok {
			// Unreadable pending entries would otherwise block forever.
			os.Remove(full)
			continue
		}
		if now.Sub(createdAt) < timeout {
			continue
		}

		requestID := strings.TrimSuffix(e.Name(), ".json")
		m.respondError(folder, requestID, msg)
		os.Remove(full)
		slog.Info("approval.expired",
			"folder", folder, "request_id", requestID,
			"age", now.Sub(createdAt).Round(time.Second).String())
		expired++
	}
	return expired
}

func readCreatedAt(path string) (time.Time, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, false
	}
	var meta struct {
		CreatedAt string `json:"created_at"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil || meta.CreatedAt == "" {
		return time.Time{}, false
	}
	t, err := store.ParseTime(meta.CreatedAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// RunSweeper sweeps once immediately and then on every interval tick
// until ctx is cancelled. Intended to run as a gateway goroutine.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	m.SweepExpired()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepExpired()
		}
	}
}
