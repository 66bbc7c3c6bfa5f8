// Package agent turns pending chat input into container invocations.
// The Router is the host's binding point: the queue hands it a
// workspace jid, it assembles a prompt from stored messages, opens a
// security gate, provisions the worktree and tool servers, spawns the
// container and routes the event stream back into the channel fan-out.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/pynchy/internal/config"
	"github.com/nextlevelbuilder/pynchy/internal/container"
	"github.com/nextlevelbuilder/pynchy/internal/gitops"
	"github.com/nextlevelbuilder/pynchy/internal/mcp"
	"github.com/nextlevelbuilder/pynchy/internal/security"
	"github.com/nextlevelbuilder/pynchy/internal/store"
)

// Orchestrator runs one container invocation to completion. Satisfied
// by *container.Orchestrator.
type Orchestrator interface {
	Invoke(ctx context.Context, inv container.Invocation) (*container.Result, error)
}

// Messenger is the slice of the channel manager the router drives:
// live previews, final delivery and operational notices.
type Messenger interface {
	StreamDelta(ctx context.Context, chatJID, delta string)
	FinishStream(ctx context.Context, chatJID string) error
	DiscardStream(chatJID string)
	BroadcastHost(ctx context.Context, chatJID, content string) error
	BroadcastTrace(ctx context.Context, chatJID, content string)
}

// Worktrees provisions per-workspace project checkouts. Satisfied by
// *gitops.Manager.
type Worktrees interface {
	EnsureWorktree(ctx context.Context, folder string) (string, error)
}

// ToolServers starts or reuses MCP instances ahead of a spawn.
// Satisfied by *mcp.Manager.
type ToolServers interface {
	EnsureInstance(ctx context.Context, folder string, ref store.MCPServerRef) (mcp.InstanceInfo, error)
}

// ProxyInfo renders the per-invocation endpoint containers call tools
// through. Satisfied by *mcpproxy.Proxy.
type ProxyInfo interface {
	BaseURL(host, folder, invocationTS string) string
}

// Deps carries the router's collaborators. Config, Stores, Containers,
// Channels and Gates are required; Worktrees, MCP and Proxy may be nil,
// dropping project mounts respectively tool servers from invocations.
// A nil Approvals disables approve/deny/answer chat commands.
type Deps struct {
	Config     *config.Config
	Stores     *store.Stores
	Containers Orchestrator
	Channels   Messenger
	Gates      *security.Registry
	Worktrees  Worktrees
	MCP        ToolServers
	Proxy      ProxyInfo
	Approvals  Approvals
	Plugins    []container.Plugin
}

// Router drives agent invocations for registered workspaces. One
// router serves the whole host; per-workspace serialization is the
// queue's job, not the router's.
type Router struct {
	cfg        *config.Config
	stores     *store.Stores
	containers Orchestrator
	channels   Messenger
	gates      *security.Registry
	worktrees  Worktrees
	mcp        ToolServers
	proxy      ProxyInfo
	approvals  Approvals
	plugins    []container.Plugin

	historyLimit int
	tracer       trace.Tracer
	now          func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithHistoryLimit caps the conversation context included when a
// workspace starts a fresh session. Default 50.
func WithHistoryLimit(n int) Option {
	return func(r *Router) { r.historyLimit = n }
}

const defaultHistoryLimit = 50

// New builds a router over deps.
func New(deps Deps, opts ...Option) *Router {
	r := &Router{
		cfg:          deps.Config,
		stores:       deps.Stores,
		containers:   deps.Containers,
		channels:     deps.Channels,
		gates:        deps.Gates,
		worktrees:    deps.Worktrees,
		mcp:          deps.MCP,
		proxy:        deps.Proxy,
		approvals:    deps.Approvals,
		plugins:      deps.Plugins,
		historyLimit: defaultHistoryLimit,
		tracer:       otel.Tracer("pynchy"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// processedKey is the router_state key holding the timestamp of the
// last message presented to the agent for a chat.
func processedKey(jid string) string { return "processed." + jid }

// ProcessMessages handles one "messages pending" check for jid. It is
// the queue's MessageProcessor: an error schedules a backoff retry,
// true settles the check. The processed marker only advances after a
// successful invocation, so a crashed run re-presents the same rows.
func (r *Router) ProcessMessages(ctx context.Context, jid string) (bool, error) {
	profile, err := r.stores.Groups.Get(jid)
	if err != nil {
		return false, err
	}
	if profile == nil {
		// Unregistered chats collect messages but never wake an agent.
		slog.Debug("agent.skip_unregistered", "jid", jid)
		return true, nil
	}

	marker, err := r.stores.State.Get(processedKey(jid))
	if err != nil {
		return false, err
	}
	msgs, err := r.stores.Messages.Since(jid, marker)
	if err != nil {
		return false, err
	}
	fresh := agentInput(msgs)
	fresh = r.consumeCommands(ctx, jid, fresh)
	if len(fresh) == 0 {
		// Only our own output or resolved commands since the marker;
		// advance past them so the rows are not rescanned on every wake.
		if len(msgs) > 0 {
			if err := r.stores.State.Set(processedKey(jid), msgs[len(msgs)-1].Timestamp); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	prompt, err := r.messagesPrompt(profile, fresh)
	if err != nil {
		return false, err
	}
	if err := r.invoke(ctx, profile, prompt); err != nil {
		return false, err
	}

	// Messages that arrived during the run sit past the new marker and
	// trigger their own wake.
	if err := r.stores.State.Set(processedKey(jid), fresh[len(fresh)-1].Timestamp); err != nil {
		return false, err
	}
	return true, nil
}

// agentInput filters a page down to the rows that justify an
// invocation: inbound user messages and stored system notices.
func agentInput(msgs []store.Message) []store.Message {
	var out []store.Message
	for _, m := range msgs {
		if m.IsFromMe {
			continue
		}
		switch m.Type {
		case store.MessageUser, store.MessageSystem:
			out = append(out, m)
		}
	}
	return out
}

var _ gitops.Notifier = (*Router)(nil)

// NotifyWorkspace delivers a post-merge or deploy notice to a
// workspace. With a live session the notice lands in the transcript as
// a system row the agent reads on its next wake; otherwise it goes out
// as a host message.
func (r *Router) NotifyWorkspace(ctx context.Context, folder, message string) {
	profile, err := r.stores.Groups.GetByFolder(folder)
	if err != nil || profile == nil {
		slog.Warn("agent.notify.unknown_folder", "folder", folder, "error", err)
		return
	}
	sessionID, err := r.stores.Sessions.Session(folder)
	if err != nil {
		slog.Error("agent.notify.session_lookup_failed", "folder", folder, "error", err)
	}
	if sessionID == "" {
		if err := r.channels.BroadcastHost(ctx, profile.JID, message); err != nil {
			slog.Error("agent.notify.broadcast_failed", "folder", folder, "error", err)
		}
		return
	}
	if _, err := r.stores.Messages.Put(store.Message{
		ID:        "sys-" + uuid.NewString(),
		ChatJID:   profile.JID,
		Sender:    "system",
		Type:      store.MessageSystem,
		Content:   message,
		Timestamp: store.Now(),
	}); err != nil {
		slog.Error("agent.notify.store_failed", "folder", folder, "error", err)
	}
}
