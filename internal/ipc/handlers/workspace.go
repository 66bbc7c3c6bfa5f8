package handlers

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/pynchy/internal/bus"
	"github.com/nextlevelbuilder/pynchy/internal/ipc"
	"github.com/nextlevelbuilder/pynchy/internal/store"
	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

// Folder names become directory names, container names and trust keys,
// so they are restricted to a safe shape.
var folderRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// WorkspaceMethods handles workspace registration and session lifecycle.
type WorkspaceMethods struct {
	groups   store.GroupStore
	sessions store.SessionStore
	tasks    store.TaskStore
	nextRun  NextRunFunc
	events   bus.Publisher
}

// NewWorkspaceMethods builds the workspace handler group.
func NewWorkspaceMethods(deps Deps) *WorkspaceMethods {
	return &WorkspaceMethods{
		groups:   deps.Stores.Groups,
		sessions: deps.Stores.Sessions,
		tasks:    deps.Stores.Tasks,
		nextRun:  deps.NextRun,
		events:   deps.Events,
	}
}

// Register wires the workspace request types.
func (m *WorkspaceMethods) Register(d *ipc.Dispatcher) {
	d.Handle(protocol.TypeRegisterGroup, m.handleRegisterGroup)
	d.Handle(protocol.TypeCreatePeriodicAgent, m.handleCreatePeriodicAgent)
	d.Handle(protocol.TypeResetContext, m.handleResetContext)
}

func (m *WorkspaceMethods) handleRegisterGroup(ctx context.Context, w *ipc.ResponseWriter, req *ipc.Request) {
	if !requireAdmin(m.events, w, req) {
		return
	}

	var params struct {
		JID             string                   `json:"jid"`
		Name            string                   `json:"name"`
		Folder          string                   `json:"folder"`
		IsAdmin         bool                     `json:"is_admin"`
		RequireTag      bool                     `json:"require_tag"`
		TriggerPattern  string                   `json:"trigger_pattern"`
		ContainerConfig store.ContainerOverrides `json:"container_config"`
	}
	if err := req.Decode(&params); err != nil {
		w.Fail("malformed register_group request")
		return
	}
	if params.JID == "" || params.Folder == "" {
		w.Fail("register_group requires jid and folder")
		return
	}
	if !folderRe.MatchString(params.Folder) {
		w.Fail("invalid folder name")
		return
	}

	profile := store.WorkspaceProfile{
		JID:            params.JID,
		Folder:         params.Folder,
		Name:           params.Name,
		IsAdmin:        params.IsAdmin,
		RequireTag:     params.RequireTag,
		TriggerPattern: params.TriggerPattern,
		Overrides:      params.ContainerConfig,
		AddedAt:        store.Now(),
	}
	if err := m.groups.Register(profile); err != nil {
		slog.Error("group.register.failed", "folder", params.Folder, "error", err)
		w.Fail("failed to register group")
		return
	}

	slog.Info("group.registered", "folder", params.Folder, "jid", params.JID, "by", req.Folder)
	w.OK(map[string]any{"folder": params.Folder, "jid": params.JID})
}

func (m *WorkspaceMethods) handleCreatePeriodicAgent(ctx context.Context, w *ipc.ResponseWriter, req *ipc.Request) {
	if !requireAdmin(m.events, w, req) {
		return
	}

	var params struct {
		Folder        string `json:"folder"`
		Name          string `json:"name"`
		Prompt        string `json:"prompt"`
		ScheduleType  string `json:"schedule_type"`
		ScheduleValue string `json:"schedule_value"`
		Timezone      string `json:"timezone"`
	}
	if err := req.Decode(&params); err != nil {
		w.Fail("malformed create_periodic_agent request")
		return
	}
	if params.Folder == "" || params.Prompt == "" {
		w.Fail("create_periodic_agent requires folder and prompt")
		return
	}
	if !folderRe.MatchString(params.Folder) {
		w.Fail("invalid folder name")
		return
	}

	next, err := m.nextRun(params.ScheduleType, params.ScheduleValue, params.Timezone, nowUTC())
	if err != nil {
		w.Fail("invalid schedule: " + err.Error())
		return
	}

	name := params.Name
	if name == "" {
		name = params.Folder
	}
	// Periodic agents have no external chat; the synthetic jid keeps the
	// registration and ledger rows addressable.
	jid := "periodic:" + params.Folder
	profile := store.WorkspaceProfile{
		JID:      jid,
		Folder:   params.Folder,
		Name:     name,
		Periodic: true,
		AddedAt:  store.Now(),
	}
	if err := m.groups.Register(profile); err != nil {
		slog.Error("periodic.register.failed", "folder", params.Folder, "error", err)
		w.Fail("failed to register periodic agent")
		return
	}

	task := store.ScheduledTask{
		ID:            uuid.NewString(),
		Folder:        params.Folder,
		ChatJID:       jid,
		Prompt:        params.Prompt,
		ScheduleType:  params.ScheduleType,
		ScheduleValue: params.ScheduleValue,
		Timezone:      params.Timezone,
		Status:        store.TaskActive,
		CreatedAt:     store.Now(),
		NextRun:       store.FormatTime(next),
	}
	if err := m.tasks.Create(task); err != nil {
		slog.Error("periodic.task.failed", "folder", params.Folder, "error", err)
		w.Fail("failed to schedule periodic agent")
		return
	}

	slog.Info("periodic.created", "folder", params.Folder, "task_id", task.ID, "next_run", task.NextRun)
	w.OK(map[string]any{"folder": params.Folder, "task_id": task.ID, "next_run": task.NextRun})
}

func (m *WorkspaceMethods) handleResetContext(ctx context.Context, w *ipc.ResponseWriter, req *ipc.Request) {
	if err := m.sessions.ClearSession(req.Folder); err != nil {
		slog.Error("session.clear.failed", "folder", req.Folder, "error", err)
		w.Fail("failed to clear session")
		return
	}
	slog.Info("session.cleared", "folder", req.Folder)
	w.OK(map[string]any{"cleared": true})
}
