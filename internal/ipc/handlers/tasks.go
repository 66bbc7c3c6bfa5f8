package handlers

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/pynchy/internal/bus"
	"github.com/nextlevelbuilder/pynchy/internal/ipc"
	"github.com/nextlevelbuilder/pynchy/internal/store"
	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

// TaskMethods handles scheduled task CRUD from agents.
type TaskMethods struct {
	tasks   store.TaskStore
	nextRun NextRunFunc
	events  bus.Publisher
}

// NewTaskMethods builds the task handler group.
func NewTaskMethods(deps Deps) *TaskMethods {
	return &TaskMethods{
		tasks:   deps.Stores.Tasks,
		nextRun: deps.NextRun,
		events:  deps.Events,
	}
}

// Register wires the task request types.
func (m *TaskMethods) Register(d *ipc.Dispatcher) {
	d.Handle(protocol.TypeScheduleTask, m.handleScheduleTask)
	d.Handle(protocol.TypeScheduleHostJob, m.handleScheduleHostJob)
	d.Handle(protocol.TypePauseTask, m.handlePauseTask)
	d.Handle(protocol.TypeResumeTask, m.handleResumeTask)
	d.Handle(protocol.TypeCancelTask, m.handleCancelTask)
}

type schedulePayload struct {
	Prompt        string `json:"prompt"`
	Command       string `json:"command"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	Timezone      string `json:"timezone"`
}

func (m *TaskMethods) handleScheduleTask(ctx context.Context, w *ipc.ResponseWriter, req *ipc.Request) {
	var params schedulePayload
	if err := req.Decode(&params); err != nil {
		w.Fail("malformed schedule_task request")
		return
	}
	if params.Prompt == "" {
		w.Fail("schedule_task requires a prompt")
		return
	}
	m.createTask(w, req, uuid.NewString(), params, params.Prompt, "")
}

func (m *TaskMethods) handleScheduleHostJob(ctx context.Context, w *ipc.ResponseWriter, req *ipc.Request) {
	if !requireAdmin(m.events, w, req) {
		return
	}
	var params schedulePayload
	if err := req.Decode(&params); err != nil {
		w.Fail("malformed schedule_host_job request")
		return
	}
	if params.Command == "" {
		w.Fail("schedule_host_job requires a command")
		return
	}
	m.createTask(w, req, store.HostJobPrefix+uuid.NewString(), params, "", params.Command)
}

func (m *TaskMethods) createTask(w *ipc.ResponseWriter, req *ipc.Request, id string, params schedulePayload, prompt, command string) {
	next, err := m.nextRun(params.ScheduleType, params.ScheduleValue, params.Timezone, nowUTC())
	if err != nil {
		w.Fail("invalid schedule: " + err.Error())
		return
	}

	task := store.ScheduledTask{
		ID:            id,
		Folder:        req.Folder,
		ChatJID:       req.ChatJID,
		Prompt:        prompt,
		Command:       command,
		ScheduleType:  params.ScheduleType,
		ScheduleValue: params.ScheduleValue,
		Timezone:      params.Timezone,
		Status:        store.TaskActive,
		CreatedAt:     store.Now(),
		NextRun:       store.FormatTime(next),
	}
	if err := m.tasks.Create(task); err != nil {
		slog.Error("task.create.failed", "folder", req.Folder, "task_id", id, "error", err)
		w.Fail("failed to create task")
		return
	}

	slog.Info("task.created",
		"folder", req.Folder, "task_id", id,
		"schedule", params.ScheduleType, "next_run", task.NextRun)
	w.OK(map[string]any{"task_id": id, "next_run": task.NextRun})
}

// ownedTask loads a task and enforces that the caller owns it. Admin
// workspaces may manage any task.
func (m *TaskMethods) ownedTask(w *ipc.ResponseWriter, req *ipc.Request, taskID string) *store.ScheduledTask {
	if taskID == "" {
		w.Fail("task_id required")
		return nil
	}
	task, err := m.tasks.Get(taskID)
	if err != nil {
		slog.Error("task.load.failed", "task_id", taskID, "error", err)
		w.Fail("failed to load task")
		return nil
	}
	if task == nil {
		w.Fail("no such task")
		return nil
	}
	if task.Folder != req.Folder && !req.IsAdmin {
		auditDenied(m.events, req, "task owned by another workspace")
		w.Fail("task belongs to another workspace")
		return nil
	}
	return task
}

type taskIDPayload struct {
	TaskID string `json:"task_id"`
}

func (m *TaskMethods) handlePauseTask(ctx context.Context, w *ipc.ResponseWriter, req *ipc.Request) {
	var params taskIDPayload
	if err := req.Decode(&params); err != nil {
		w.Fail("malformed pause_task request")
		return
	}
	task := m.ownedTask(w, req, params.TaskID)
	if task == nil {
		return
	}
	if err := m.tasks.SetStatus(task.ID, store.TaskPaused); err != nil {
		slog.Error("task.pause.failed", "task_id", task.ID, "error", err)
		w.Fail("failed to pause task")
		return
	}
	slog.Info("task.paused", "folder", req.Folder, "task_id", task.ID)
	w.OK(map[string]any{"task_id": task.ID, "status": store.TaskPaused})
}

func (m *TaskMethods) handleResumeTask(ctx context.Context, w *ipc.ResponseWriter, req *ipc.Request) {
	var params taskIDPayload
	if err := req.Decode(&params); err != nil {
		w.Fail("malformed resume_task request")
		return
	}
	task := m.ownedTask(w, req, params.TaskID)
	if task == nil {
		return
	}
	if task.Status == store.TaskCompleted {
		w.Fail("task already completed")
		return
	}
	if err := m.tasks.SetStatus(task.ID, store.TaskActive); err != nil {
		slog.Error("task.resume.failed", "task_id", task.ID, "error", err)
		w.Fail("failed to resume task")
		return
	}
	slog.Info("task.resumed", "folder", req.Folder, "task_id", task.ID)
	w.OK(map[string]any{"task_id": task.ID, "status": store.TaskActive})
}

func (m *TaskMethods) handleCancelTask(ctx context.Context, w *ipc.ResponseWriter, req *ipc.Request) {
	var params taskIDPayload
	if err := req.Decode(&params); err != nil {
		w.Fail("malformed cancel_task request")
		return
	}
	task := m.ownedTask(w, req, params.TaskID)
	if task == nil {
		return
	}
	if err := m.tasks.Delete(task.ID); err != nil {
		slog.Error("task.cancel.failed", "task_id", task.ID, "error", err)
		w.Fail("failed to cancel task")
		return
	}
	slog.Info("task.cancelled", "folder", req.Folder, "task_id", task.ID)
	w.OK(map[string]any{"task_id": task.ID, "cancelled": true})
}
