package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/pynchy/internal/config"
	"github.com/nextlevelbuilder/pynchy/internal/container"
	"github.com/nextlevelbuilder/pynchy/internal/store"
	"github.com/nextlevelbuilder/pynchy/internal/tasks"
	"github.com/nextlevelbuilder/pynchy/internal/telemetry"
	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

var _ tasks.Invoker = (*Router)(nil)

// InvokeTask runs one scheduled task's prompt in the owning workspace.
// The textual result arrives separately when the agent reports
// finished_work over IPC.
func (r *Router) InvokeTask(ctx context.Context, t store.ScheduledTask) error {
	profile, err := r.stores.Groups.GetByFolder(t.Folder)
	if err != nil {
		return err
	}
	if profile == nil {
		return fmt.Errorf("task %s: no workspace registered for folder %q", t.ID, t.Folder)
	}
	return r.invoke(ctx, profile, taskPrompt(t))
}

// invoke runs one container for the workspace: resolve the security
// cascade, open a gate keyed by (folder, invocation ts), provision the
// project worktree and tool servers, spawn, and fan the stream out.
func (r *Router) invoke(ctx context.Context, p *store.WorkspaceProfile, prompt string) error {
	invocationTS := strconv.FormatInt(r.now().UnixMilli(), 10)
	channel := config.ChannelForJID(p.JID)

	ctx, span := r.tracer.Start(ctx, telemetry.SpanContainerInvoke,
		trace.WithAttributes(
			attribute.String(telemetry.AttrFolder, p.Folder),
			attribute.String(telemetry.AttrChatJID, p.JID),
		))
	defer span.End()

	policy := r.cfg.ResolveWorkspaceSecurity(channel, p.JID, p.Overrides.Sandbox)
	r.gates.Create(p.Folder, invocationTS, policy)
	defer r.gates.Destroy(p.Folder, invocationTS)

	var worktree string
	access := r.cfg.ProjectAccess(channel, p.JID, p.Overrides.Sandbox)
	if p.Overrides.ProjectAccess != nil {
		access = *p.Overrides.ProjectAccess
	}
	if access && r.worktrees != nil {
		wt, err := r.worktrees.EnsureWorktree(ctx, p.Folder)
		if err != nil {
			return fmt.Errorf("ensure worktree for %s: %w", p.Folder, err)
		}
		worktree = wt
	}

	proxyBase, instances := r.ensureToolServers(ctx, p, invocationTS)

	sessionID, err := r.stores.Sessions.Session(p.Folder)
	if err != nil {
		return err
	}

	slog.Info("agent.invoking", "folder", p.Folder, "chat_jid", p.JID,
		"invocation_ts", invocationTS, "resuming", sessionID != "")

	res, err := r.containers.Invoke(ctx, container.Invocation{
		Folder:       p.Folder,
		ChatJID:      p.JID,
		Prompt:       prompt,
		SessionID:    sessionID,
		IsAdmin:      p.IsAdmin,
		Timezone:     r.cfg.Timezone,
		MCPProxyBase: proxyBase,
		MCPInstances: instances,
		WorktreeDir:  worktree,
		Security:     policy,
		Overrides:    p.Overrides,
		Plugins:      r.plugins,
		OnEvent:      r.eventSink(ctx, p.JID),
	})
	if err != nil {
		r.channels.DiscardStream(p.JID)
		if errors.Is(err, container.ErrAgentTerminated) && ctx.Err() == nil {
			if herr := r.channels.BroadcastHost(ctx, p.JID, "⚠️ Agent terminated unexpectedly."); herr != nil {
				slog.Error("agent.notice_failed", "folder", p.Folder, "error", herr)
			}
		}
		return err
	}

	if res.SessionID != "" {
		if err := r.stores.Sessions.SetSession(p.Folder, res.SessionID); err != nil {
			slog.Error("agent.session_save_failed", "folder", p.Folder, "error", err)
		}
	}
	if err := r.channels.FinishStream(ctx, p.JID); err != nil {
		slog.Warn("agent.finish_stream_failed", "folder", p.Folder, "error", err)
	}
	if res.IsError {
		reason := res.ErrorMessage
		if reason == "" {
			reason = "unknown error"
		}
		if herr := r.channels.BroadcastHost(ctx, p.JID, "⚠️ Agent error: "+reason); herr != nil {
			slog.Error("agent.notice_failed", "folder", p.Folder, "error", herr)
		}
	}

	slog.Info("agent.invocation_done",
		"folder", p.Folder, "chat_jid", p.JID, "session_id", res.SessionID,
		"turns", res.NumTurns, "cost_usd", res.CostUSD, "duration_ms", res.DurationMS)
	return nil
}

// ensureToolServers brings up the workspace's MCP instances and
// returns the proxy base plus the server→instance map for the agent's
// client config. A server that fails to start is skipped; the run
// proceeds with the tools that came up.
func (r *Router) ensureToolServers(ctx context.Context, p *store.WorkspaceProfile, invocationTS string) (string, map[string]string) {
	if len(p.Overrides.MCPServers) == 0 || r.mcp == nil || r.proxy == nil {
		return "", nil
	}
	instances := make(map[string]string, len(p.Overrides.MCPServers))
	for _, ref := range p.Overrides.MCPServers {
		info, err := r.mcp.EnsureInstance(ctx, p.Folder, ref)
		if err != nil {
			slog.Warn("agent.mcp_unavailable", "folder", p.Folder, "server", ref.Server, "error", err)
			continue
		}
		instances[ref.Server] = info.ID
	}
	if len(instances) == 0 {
		return "", nil
	}
	return r.proxy.BaseURL(r.cfg.MCP.ProxyHost, p.Folder, invocationTS), instances
}

// eventSink adapts the container stream to the fan-out: text deltas
// drive the live preview, tool use posts an ephemeral trace line.
func (r *Router) eventSink(ctx context.Context, chatJID string) func(protocol.StreamEvent) {
	return func(ev protocol.StreamEvent) {
		switch ev.Type {
		case protocol.StreamText:
			r.channels.StreamDelta(ctx, chatJID, ev.Text)
		case protocol.StreamToolUse:
			if ev.ToolName != "" {
				r.channels.BroadcastTrace(ctx, chatJID, "🔧 "+ev.ToolName)
			}
		}
	}
}
