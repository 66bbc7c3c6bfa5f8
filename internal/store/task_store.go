package store

import "strings"

// Schedule kinds.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Task statuses.
const (
	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
)

// HostJobPrefix marks tasks that run as shell commands on the host
// instead of agent prompts. They live in their own table and are only
// schedulable from admin workspaces.
const HostJobPrefix = "host-"

// ScheduledTask is one recurring or one-shot unit of scheduled work.
// Prompt is set for agent tasks, Command for host jobs; exactly one is
// non-empty.
type ScheduledTask struct {
	ID            string
	Folder        string
	ChatJID       string
	Prompt        string
	Command       string
	ScheduleType  string
	ScheduleValue string
	Timezone      string
	Status        string
	CreatedAt     string
	LastRun       string
	NextRun       string
	LastResult    string
}

// IsHostJob reports whether the task routes to host shell execution.
func (t ScheduledTask) IsHostJob() bool {
	return strings.HasPrefix(t.ID, HostJobPrefix)
}

// TaskRunLog is one execution record of a scheduled task.
type TaskRunLog struct {
	ID         int64
	TaskID     string
	StartedAt  string
	FinishedAt string
	Status     string
	Output     string
}

// TaskStore persists scheduled tasks, host jobs and their run logs.
// Host jobs share the API; the implementation routes on HostJobPrefix.
type TaskStore interface {
	// Create inserts t. The ID must be unique across tasks and jobs.
	Create(t ScheduledTask) error
	// Get returns the task with id, or nil when absent.
	Get(id string) (*ScheduledTask, error)
	// List returns tasks for folder, or every task when folder is
	// empty, ordered by created_at.
	List(folder string) ([]ScheduledTask, error)
	// Due returns active tasks whose next_run is at or before now,
	// soonest first.
	Due(now string) ([]ScheduledTask, error)
	// FinishRun records one completed run: last_run, last_result and
	// the recomputed next_run. status moves to completed for one-shot
	// tasks; pass TaskActive otherwise.
	FinishRun(id, lastRun, lastResult, nextRun, status string) error
	// SetStatus pauses, resumes or completes a task.
	SetStatus(id, status string) error
	// Delete removes the task and its run logs.
	Delete(id string) error
	// LogRun appends one run log entry.
	LogRun(l TaskRunLog) error
	// RunLogs returns the most recent run logs for taskID, newest
	// first, up to limit.
	RunLogs(taskID string, limit int) ([]TaskRunLog, error)
	// PruneRunLogs deletes all but the newest keep logs for taskID.
	PruneRunLogs(taskID string, keep int) (int64, error)
}
