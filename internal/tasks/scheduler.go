// Package tasks runs the scheduled-work loop: a poll over the task
// store dispatches due agent tasks onto the group queue and executes
// due host jobs directly. Run bookkeeping (last_run, last_result,
// next_run, run logs) lives here so the queue stays a pure serializer.
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/pynchy/internal/bus"
	"github.com/nextlevelbuilder/pynchy/internal/queue"
	"github.com/nextlevelbuilder/pynchy/internal/store"
	"github.com/nextlevelbuilder/pynchy/internal/telemetry"
	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

// Defaults mirror config.SchedulerConfig.
const (
	DefaultPollInterval   = 30 * time.Second
	DefaultHostJobTimeout = 5 * time.Minute
	DefaultRunLogKeep     = 500
)

// Run-log statuses.
const (
	RunOK      = "ok"
	RunError   = "error"
	RunTimeout = "timeout"
)

// Queue serializes agent work per chat jid. Satisfied by
// *queue.GroupQueue.
type Queue interface {
	EnqueueTask(jid, id string, run queue.TaskFunc)
}

// Invoker runs one agent container for a scheduled task. The textual
// result arrives separately through Report when the agent calls
// finished_work before exiting.
type Invoker interface {
	InvokeTask(ctx context.Context, t store.ScheduledTask) error
}

// Scheduler polls for due tasks and dispatches them: agent tasks ride
// the group queue under the usual per-workspace serialization, host
// jobs execute as shell commands with a timeout.
type Scheduler struct {
	tasks   store.TaskStore
	queue   Queue
	invoker Invoker
	events  bus.Publisher

	poll        time.Duration
	hostTimeout time.Duration
	runLogKeep  int
	now         func() time.Time

	mu      sync.Mutex
	running map[string]string // task id -> folder, claimed while in flight
	results map[string]string // task id -> result reported by the agent

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option adjusts scheduler behavior.
type Option func(*Scheduler)

// WithPollInterval overrides how often the due-task query runs.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithHostJobTimeout bounds host job shell execution.
func WithHostJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.hostTimeout = d
		}
	}
}

// WithRunLogKeep caps retained run-log rows per task.
func WithRunLogKeep(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.runLogKeep = n
		}
	}
}

// WithClock injects the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler builds a scheduler over the task store. events may be
// nil when nothing subscribes.
func NewScheduler(tasks store.TaskStore, q Queue, inv Invoker, events bus.Publisher, opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:       tasks,
		queue:       q,
		invoker:     inv,
		events:      events,
		poll:        DefaultPollInterval,
		hostTimeout: DefaultHostJobTimeout,
		runLogKeep:  DefaultRunLogKeep,
		now:         time.Now,
		running:     make(map[string]string),
		results:     make(map[string]string),
	}
	if events == nil {
		s.events = bus.Nop{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the poll loop. The first sweep runs immediately so
// tasks that came due while the host was down fire without waiting a
// full interval.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close stops the poll loop and kills in-flight host jobs through
// their context. Agent producers already handed to the queue finish
// under the queue's own shutdown.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// Tick runs one due-task sweep and returns how many tasks it
// dispatched. The loop calls it every poll interval; tests call it
// directly.
func (s *Scheduler) Tick(ctx context.Context) int {
	due, err := s.tasks.Due(store.FormatTime(s.now()))
	if err != nil {
		slog.Error("task.due_query_failed", "error", err)
		return 0
	}
	dispatched := 0
	for _, t := range due {
		if !s.claim(t.ID, t.Folder) {
			continue
		}
		dispatched++
		if t.IsHostJob() {
			s.wg.Add(1)
			go s.runHostJob(ctx, t)
			continue
		}
		s.queue.EnqueueTask(t.ChatJID, t.ID, func(runCtx context.Context) error {
			return s.runAgentTask(runCtx, t)
		})
	}
	return dispatched
}

// Report records the result an agent sent through finished_work. Only
// the workspace that owns the claimed run may report, so one workspace
// cannot write another's task result.
func (s *Scheduler) Report(folder, taskID, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.running[taskID]
	if !ok || owner != folder {
		slog.Warn("task.report_ignored", "task_id", taskID, "folder", folder)
		return
	}
	s.results[taskID] = result
}

func (s *Scheduler) claim(id, folder string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[id]; ok {
		return false
	}
	s.running[id] = folder
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.running, id)
	delete(s.results, id)
	s.mu.Unlock()
}

func (s *Scheduler) takeResult(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.results[id]
	delete(s.results, id)
	return r
}

// runAgentTask is the queue producer for one scheduled agent run. The
// error return lets the queue apply its usual failure backoff; the run
// itself is already recorded either way.
func (s *Scheduler) runAgentTask(ctx context.Context, t store.ScheduledTask) error {
	started := s.now()
	err := s.invoker.InvokeTask(ctx, t)
	result := s.takeResult(t.ID)

	status := RunOK
	if err != nil {
		status = RunError
		if result == "" {
			result = err.Error()
		}
	} else if result == "" {
		result = "completed"
	}
	s.finishRun(t, started, status, result)
	return err
}

func (s *Scheduler) runHostJob(ctx context.Context, t store.ScheduledTask) {
	defer s.wg.Done()
	started := s.now()

	runCtx, cancel := context.WithTimeout(ctx, s.hostTimeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "sh", "-c", t.Command)
	// Without WaitDelay, CombinedOutput blocks past the deadline while
	// orphaned children of sh hold the output pipe open.
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()

	status := RunOK
	result := strings.TrimSpace(string(out))
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		status = RunTimeout
		result = "host job timed out after " + s.hostTimeout.String()
	case err != nil:
		status = RunError
		if result == "" {
			result = err.Error()
		}
	case result == "":
		result = "completed"
	}
	s.finishRun(t, started, status, result)
}

// finishRun records one run and re-arms or retires the task. The claim
// is held until the row is updated so a poll in between cannot fire
// the stale next_run a second time.
func (s *Scheduler) finishRun(t store.ScheduledTask, started time.Time, status, result string) {
	defer s.release(t.ID)
	finished := s.now()

	next := ""
	taskStatus := store.TaskActive
	if t.ScheduleType == store.ScheduleOnce {
		taskStatus = store.TaskCompleted
	} else if nextAt, err := NextRun(t.ScheduleType, t.ScheduleValue, t.Timezone, finished); err != nil {
		// A schedule that no longer computes would refire at the stale
		// next_run on every poll; park the task instead.
		slog.Error("task.schedule_failed", "task_id", t.ID, "error", err)
		taskStatus = store.TaskPaused
	} else {
		next = store.FormatTime(nextAt)
	}

	if err := s.tasks.FinishRun(t.ID, store.FormatTime(started), result, next, taskStatus); err != nil {
		slog.Error("task.finish_failed", "task_id", t.ID, "error", err)
		return
	}
	if err := s.tasks.LogRun(store.TaskRunLog{
		TaskID:     t.ID,
		StartedAt:  store.FormatTime(started),
		FinishedAt: store.FormatTime(finished),
		Status:     status,
		Output:     result,
	}); err != nil {
		slog.Warn("task.run_log_failed", "task_id", t.ID, "error", err)
	}
	if _, err := s.tasks.PruneRunLogs(t.ID, s.runLogKeep); err != nil {
		slog.Warn("task.run_log_prune_failed", "task_id", t.ID, "error", err)
	}

	telemetry.TaskRuns.WithLabelValues(status).Inc()
	s.events.Broadcast(bus.Event{Name: protocol.EventTaskRun, Payload: map[string]any{
		"task_id": t.ID,
		"folder":  t.Folder,
		"status":  status,
	}})
	slog.Info("task.run_finished",
		"task_id", t.ID, "folder", t.Folder, "status", status, "next_run", next)
}
