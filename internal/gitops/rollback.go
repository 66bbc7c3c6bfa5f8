package gitops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/nextlevelbuilder/pynchy/internal/ipc"
)

// Rollback is the continuation file written when startup validation
// fails after a deploy. The next start consumes it: reset the checkout
// to the previous commit and try again.
type Rollback struct {
	PreviousSHA string `json:"previous_sha"`
	Reason      string `json:"reason"`
	TS          string `json:"ts"`
}

// WriteRollback persists the continuation atomically. It must survive
// the process exiting with code 1 right after.
func WriteRollback(path string, r Rollback) error {
	return ipc.WriteAtomicJSON(path, r)
}

// ConsumeRollback applies a pending continuation, if any. It returns
// the rollback that was applied, or nil when there was none. The file
// is removed in every case: a continuation that cannot be parsed or
// applied must not wedge the process in a reset loop.
func (m *Manager) ConsumeRollback(ctx context.Context, path string) (*Rollback, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rollback file: %w", err)
	}
	defer os.Remove(path)

	var r Rollback
	if err := json.Unmarshal(data, &r); err != nil {
		slog.Error("git.rollback_unparseable", "path", path, "error", err)
		return nil, nil
	}
	if r.PreviousSHA == "" {
		slog.Error("git.rollback_missing_sha", "path", path)
		return nil, nil
	}
	if err := m.ResetHard(ctx, r.PreviousSHA); err != nil {
		return nil, fmt.Errorf("rollback to %s: %w", r.PreviousSHA, err)
	}
	slog.Warn("git.rolled_back", "sha", r.PreviousSHA, "reason", r.Reason)
	return &r, nil
}
