// Package handlers binds the tier-2 IPC request types to host behavior:
// workspace registration, task scheduling, session resets, git sync,
// agent questions, and the security-gated service tools.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/pynchy/internal/bus"
	"github.com/nextlevelbuilder/pynchy/internal/ipc"
	"github.com/nextlevelbuilder/pynchy/internal/security"
	"github.com/nextlevelbuilder/pynchy/internal/store"
	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

// Broadcaster posts messages to a chat across its connected channels.
type Broadcaster interface {
	// BroadcastHost sends an operational notice stored with sender "host";
	// it is never part of the LLM-visible history.
	BroadcastHost(ctx context.Context, chatJID, content string) error
	// BroadcastAgent sends agent-authored content to a chat.
	BroadcastAgent(ctx context.Context, chatJID, content string) error
}

// Approver parks requests awaiting a human verdict.
type Approver interface {
	RequestApproval(ctx context.Context, folder, chatJID, requestID, tool, reason string, request json.RawMessage) error
	AskQuestion(ctx context.Context, folder, chatJID, requestID string, blocks []protocol.QuestionBlock) error
}

// GitSync merges a workspace worktree back into main.
type GitSync interface {
	MergeWorktreeToMain(ctx context.Context, folder string) (protocol.MergeOutcome, error)
}

// ResultSink receives agent-reported results for scheduled task runs.
type ResultSink interface {
	Report(folder, taskID, result string)
}

// NextRunFunc computes the next fire time for a schedule, or an error
// when the schedule expression is invalid.
type NextRunFunc func(scheduleType, scheduleValue, timezone string, after time.Time) (time.Time, error)

// Deps carries every collaborator the tier-2 handlers need. Events and
// optional integrations may be nil; RegisterAll substitutes no-ops.
type Deps struct {
	Root      string
	Stores    *store.Stores
	Gates     *security.Registry
	Approvals Approver
	Broadcast Broadcaster
	Git       GitSync
	Results   ResultSink
	NextRun   NextRunFunc
	Events    bus.Publisher
}

// RegisterAll wires every handler group onto the dispatcher.
func RegisterAll(d *ipc.Dispatcher, deps Deps) {
	if deps.Events == nil {
		deps.Events = bus.Nop{}
	}
	NewWorkspaceMethods(deps).Register(d)
	NewTaskMethods(deps).Register(d)
	NewWorkMethods(deps).Register(d)
	NewServiceMethods(deps).Register(d)
}

func nowUTC() time.Time { return time.Now().UTC() }

// auditDenied records a privileged-operation denial for the audit trail.
func auditDenied(events bus.Publisher, req *ipc.Request, reason string) {
	slog.Warn("ipc.denied", "type", req.Type, "folder", req.Folder, "reason", reason)
	events.Broadcast(bus.Event{Name: protocol.EventSecurityDenied, Payload: map[string]any{
		"folder": req.Folder,
		"type":   req.Type,
		"reason": reason,
	}})
}

// requireAdmin rejects requests from non-admin workspaces with an error
// response and an audit entry.
func requireAdmin(events bus.Publisher, w *ipc.ResponseWriter, req *ipc.Request) bool {
	if req.IsAdmin {
		return true
	}
	auditDenied(events, req, "admin workspace required")
	w.Fail("admin workspace required")
	return false
}
