package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/pynchy/internal/bus"
	"github.com/nextlevelbuilder/pynchy/internal/ipc"
	"github.com/nextlevelbuilder/pynchy/internal/security"
	"github.com/nextlevelbuilder/pynchy/internal/store"
	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

// ServiceMethods routes service:* tool calls and security:bash_check
// through the caller's invocation gate. Every mutating tool is evaluated
// unless the request carries the human-approved flag.
type ServiceMethods struct {
	gates     *security.Registry
	approvals Approver
	broadcast Broadcaster
	memories  store.MemoryStore
	events    bus.Publisher
}

// NewServiceMethods builds the service handler group.
func NewServiceMethods(deps Deps) *ServiceMethods {
	return &ServiceMethods{
		gates:     deps.Gates,
		approvals: deps.Approvals,
		broadcast: deps.Broadcast,
		memories:  deps.Stores.Memories,
		events:    deps.Events,
	}
}

// Register wires the service prefix and the bash pre-flight check.
func (m *ServiceMethods) Register(d *ipc.Dispatcher) {
	d.Handle(protocol.TypeBashCheck, m.handleBashCheck)
	d.HandlePrefix(protocol.PrefixService, m.handleServiceTool)
}

func (m *ServiceMethods) handleServiceTool(ctx context.Context, w *ipc.ResponseWriter, req *ipc.Request) {
	tool := strings.TrimPrefix(req.Type, protocol.PrefixService)
	if tool == "" {
		w.Fail("missing tool name")
		return
	}

	// Memory tools are host-local state with no egress; they bypass the
	// write gate.
	switch tool {
	case "memory_add", "memory_list", "memory_remove":
		m.handleMemory(tool, w, req)
		return
	}

	if req.RequestID == "" {
		w.Fail("service calls require a request_id")
		return
	}

	if !req.CopApproved {
		gate := m.gates.ForGroup(req.Folder)
		if gate == nil {
			slog.Warn("service.no_gate", "folder", req.Folder, "tool", tool)
			w.Fail("no active invocation")
			return
		}
		verdict := gate.EvaluateWrite(ctx, tool, string(req.Raw))
		switch verdict.Decision {
		case security.DecisionDeny:
			m.denyTool(ctx, w, req, tool, verdict.Reason)
			return
		case security.DecisionNeedsHuman:
			if err := m.approvals.RequestApproval(ctx, req.Folder, req.ChatJID, req.RequestID, tool, verdict.Reason, req.Raw); err != nil {
				slog.Error("service.approval.failed", "folder", req.Folder, "tool", tool, "error", err)
				w.Fail("failed to request approval")
			}
			// The response arrives after the human decides.
			return
		}
	}

	m.execTool(ctx, w, req, tool)
}

// denyTool rejects the call and surfaces the denial in chat so the user
// sees what was blocked and why.
func (m *ServiceMethods) denyTool(ctx context.Context, w *ipc.ResponseWriter, req *ipc.Request, tool, reason string) {
	auditDenied(m.events, req, reason)
	notice := fmt.Sprintf("🚫 Blocked %s: %s", tool, reason)
	if err := m.broadcast.BroadcastHost(ctx, req.ChatJID, notice); err != nil {
		slog.Error("service.deny.notice_failed", "folder", req.Folder, "error", err)
	}
	w.Fail("denied by security policy: " + reason)
}

func (m *ServiceMethods) execTool(ctx context.Context, w *ipc.ResponseWriter, req *ipc.Request, tool string) {
	switch tool {
	case "send_message":
		var params struct {
			JID     string `json:"jid"`
			Message string `json:"message"`
		}
		if err := req.Decode(&params); err != nil || params.JID == "" || params.Message == "" {
			w.Fail("send_message requires jid and message")
			return
		}
		if err := m.broadcast.BroadcastAgent(ctx, params.JID, params.Message); err != nil {
			slog.Error("service.send.failed", "folder", req.Folder, "jid", params.JID, "error", err)
			w.Fail("failed to send message")
			return
		}
		slog.Info("service.sent", "folder", req.Folder, "jid", params.JID)
		w.OK(map[string]any{"sent": true})

	default:
		w.Fail(fmt.Sprintf("no handler for tool %q", tool))
	}
}

func (m *ServiceMethods) handleMemory(tool string, w *ipc.ResponseWriter, req *ipc.Request) {
	switch tool {
	case "memory_add":
		var params struct {
			Content string `json:"content"`
		}
		if err := req.Decode(&params); err != nil || params.Content == "" {
			w.Fail("memory_add requires content")
			return
		}
		id, err := m.memories.Add(req.Folder, params.Content, store.Now())
		if err != nil {
			slog.Error("memory.add.failed", "folder", req.Folder, "error", err)
			w.Fail("failed to store memory")
			return
		}
		w.OK(map[string]any{"id": id})

	case "memory_list":
		entries, err := m.memories.List(req.Folder)
		if err != nil {
			slog.Error("memory.list.failed", "folder", req.Folder, "error", err)
			w.Fail("failed to list memories")
			return
		}
		out := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			out = append(out, map[string]any{
				"id":         e.ID,
				"content":    e.Content,
				"created_at": e.CreatedAt,
			})
		}
		w.OK(map[string]any{"memories": out})

	case "memory_remove":
		var params struct {
			ID int64 `json:"id"`
		}
		if err := req.Decode(&params); err != nil || params.ID == 0 {
			w.Fail("memory_remove requires id")
			return
		}
		entries, err := m.memories.List(req.Folder)
		if err != nil {
			slog.Error("memory.list.failed", "folder", req.Folder, "error", err)
			w.Fail("failed to remove memory")
			return
		}
		owned := false
		for _, e := range entries {
			if e.ID == params.ID {
				owned = true
				break
			}
		}
		if !owned {
			w.Fail("no such memory")
			return
		}
		if err := m.memories.Remove(params.ID); err != nil {
			slog.Error("memory.remove.failed", "folder", req.Folder, "id", params.ID, "error", err)
			w.Fail("failed to remove memory")
			return
		}
		w.OK(map[string]any{"removed": true})
	}
}

// handleBashCheck answers the agent hook's pre-flight command evaluation.
// The response decision is advisory to the hook; deny and needs-human
// outcomes are policy results, not protocol errors.
func (m *ServiceMethods) handleBashCheck(ctx context.Context, w *ipc.ResponseWriter, req *ipc.Request) {
	var params struct {
		Command string `json:"command"`
	}
	if err := req.Decode(&params); err != nil || params.Command == "" {
		w.Fail("bash_check requires a command")
		return
	}

	if req.CopApproved {
		w.OK(map[string]any{"decision": "allow", "reason": "approved by user"})
		return
	}

	gate := m.gates.ForGroup(req.Folder)
	if gate == nil {
		// No invocation means no taints to evaluate.
		w.OK(map[string]any{"decision": "allow"})
		return
	}

	verdict := gate.EvaluateBash(ctx, params.Command)
	switch verdict.Decision {
	case security.DecisionAllow:
		w.OK(map[string]any{"decision": "allow"})
	case security.DecisionDeny:
		auditDenied(m.events, req, verdict.Reason)
		w.OK(map[string]any{"decision": "deny", "reason": verdict.Reason})
	case security.DecisionNeedsHuman:
		if req.RequestID == "" {
			w.OK(map[string]any{"decision": "deny", "reason": "approval required"})
			return
		}
		if err := m.approvals.RequestApproval(ctx, req.Folder, req.ChatJID, req.RequestID, "bash", verdict.Reason, req.Raw); err != nil {
			slog.Error("bash.approval.failed", "folder", req.Folder, "error", err)
			w.Fail("failed to request approval")
		}
	}
}
