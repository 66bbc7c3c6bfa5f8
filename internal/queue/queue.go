// Package queue serializes agent work per workspace while capping
// process-wide concurrency. Three rules hold across all work: one
// active container per workspace, at most maxConcurrent containers
// overall, and queued tasks drain before fresh message processing.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/pynchy/internal/telemetry"
)

// MessageProcessor handles one "messages pending" check for a
// workspace. Returning false (or an error) schedules a retry with
// exponential backoff.
type MessageProcessor func(ctx context.Context, jid string) (bool, error)

// TaskFunc runs one scheduled task to completion, container included.
type TaskFunc func(ctx context.Context) error

type pendingTask struct {
	id  string
	run TaskFunc
}

type groupState struct {
	tasks        []pendingTask
	needsCheck   bool
	active       bool
	activeTaskID string
	attempts     int
	retryTimer   *time.Timer
	cancel       context.CancelFunc
}

// GroupQueue schedules per-workspace work under a global semaphore.
type GroupQueue struct {
	process     MessageProcessor
	sem         *semaphore.Weighted
	baseRetry   time.Duration
	maxAttempts int

	acquireCtx    context.Context
	acquireCancel context.CancelFunc

	mu      sync.Mutex
	groups  map[string]*groupState
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a GroupQueue.
type Option func(*GroupQueue)

// WithRetryPolicy overrides the default backoff (60s base, 5 attempts).
func WithRetryPolicy(base time.Duration, maxAttempts int) Option {
	return func(q *GroupQueue) {
		q.baseRetry = base
		q.maxAttempts = maxAttempts
	}
}

// New builds a queue that runs at most maxConcurrent workspaces at
// once, handing message checks to process.
func New(process MessageProcessor, maxConcurrent int, opts ...Option) *GroupQueue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &GroupQueue{
		process:       process,
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		baseRetry:     60 * time.Second,
		maxAttempts:   5,
		acquireCtx:    ctx,
		acquireCancel: cancel,
		groups:        make(map[string]*groupState),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *GroupQueue) state(jid string) *groupState {
	st, ok := q.groups[jid]
	if !ok {
		st = &groupState{}
		q.groups[jid] = st
	}
	return st
}

// EnqueueMessageCheck flags jid as having unprocessed messages and
// starts a drain cycle if none is active. Enqueues after Shutdown are
// dropped.
func (q *GroupQueue) EnqueueMessageCheck(jid string) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		slog.Debug("queue.enqueue.dropped", "jid", jid, "reason", "stopped")
		return
	}
	st := q.state(jid)
	st.needsCheck = true
	q.mu.Unlock()
	q.maybeStart(jid)
}

// EnqueueTask appends a task to jid's queue. Tasks drain ahead of
// message checks within a cycle.
func (q *GroupQueue) EnqueueTask(jid, id string, run TaskFunc) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		slog.Debug("queue.enqueue.dropped", "jid", jid, "task", id, "reason", "stopped")
		return
	}
	st := q.state(jid)
	st.tasks = append(st.tasks, pendingTask{id: id, run: run})
	q.mu.Unlock()
	q.maybeStart(jid)
}

// ClearPendingTasks discards queued (not yet running) tasks for jid.
func (q *GroupQueue) ClearPendingTasks(jid string) {
	q.mu.Lock()
	if st, ok := q.groups[jid]; ok {
		st.tasks = nil
	}
	q.mu.Unlock()
}

// StopActiveProcess cancels the context of jid's running work, if any.
// The orchestrator translates the cancellation into a container stop.
func (q *GroupQueue) StopActiveProcess(jid string) {
	q.mu.Lock()
	st, ok := q.groups[jid]
	cancel := context.CancelFunc(nil)
	if ok && st.cancel != nil {
		cancel = st.cancel
	}
	q.mu.Unlock()
	if cancel != nil {
		slog.Info("queue.stop_active", "jid", jid)
		cancel()
	}
}

// IsActiveTask reports whether jid is currently running a task or has
// tasks queued.
func (q *GroupQueue) IsActiveTask(jid string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.groups[jid]
	if !ok {
		return false
	}
	return st.activeTaskID != "" || len(st.tasks) > 0
}

// Active reports how many workspaces are mid-cycle right now.
func (q *GroupQueue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, st := range q.groups {
		if st.active {
			n++
		}
	}
	return n
}

// maybeStart launches a drain cycle for jid unless one is running or
// there is nothing to do.
func (q *GroupQueue) maybeStart(jid string) {
	q.mu.Lock()
	st := q.state(jid)
	if q.stopped || st.active || (len(st.tasks) == 0 && !st.needsCheck) {
		q.mu.Unlock()
		return
	}
	st.active = true
	q.wg.Add(1)
	q.mu.Unlock()

	go q.drain(jid)
}

// drain runs one cycle for jid: acquire the global slot, drain tasks
// FIFO, run at most one message check, release. Work enqueued during
// the cycle triggers a fresh cycle after release.
func (q *GroupQueue) drain(jid string) {
	defer q.wg.Done()

	if err := q.sem.Acquire(q.acquireCtx, 1); err != nil {
		q.mu.Lock()
		q.state(jid).active = false
		q.mu.Unlock()
		return
	}
	defer q.sem.Release(1)

	failed := false
	for !failed {
		q.mu.Lock()
		st := q.state(jid)
		if len(st.tasks) == 0 {
			q.mu.Unlock()
			break
		}
		task := st.tasks[0]
		st.tasks = st.tasks[1:]
		st.activeTaskID = task.id
		runCtx, cancel := context.WithCancel(context.Background())
		st.cancel = cancel
		q.mu.Unlock()

		err := task.run(runCtx)
		cancel()

		q.mu.Lock()
		st.activeTaskID = ""
		st.cancel = nil
		if err != nil {
			slog.Error("queue.task.failed", "jid", jid, "task", task.id, "error", err)
			failed = true
		} else {
			st.attempts = 0
		}
		q.mu.Unlock()
	}

	if !failed {
		q.mu.Lock()
		st := q.state(jid)
		runCheck := st.needsCheck
		var runCtx context.Context
		if runCheck {
			st.needsCheck = false
			var cancel context.CancelFunc
			runCtx, cancel = context.WithCancel(context.Background())
			st.cancel = cancel
		}
		q.mu.Unlock()

		if runCheck {
			ok, err := q.process(runCtx, jid)
			q.mu.Lock()
			if st.cancel != nil {
				st.cancel()
				st.cancel = nil
			}
			if err != nil || !ok {
				if err != nil {
					slog.Error("queue.check.failed", "jid", jid, "error", err)
				}
				failed = true
			} else {
				st.attempts = 0
			}
			q.mu.Unlock()
		}
	}

	q.mu.Lock()
	st := q.state(jid)
	st.active = false
	if failed {
		q.scheduleRetryLocked(jid, st)
		q.mu.Unlock()
		return
	}
	more := len(st.tasks) > 0 || st.needsCheck
	q.mu.Unlock()

	if more {
		q.maybeStart(jid)
	}
}

// scheduleRetryLocked arms the backoff timer for jid. Callers hold mu.
func (q *GroupQueue) scheduleRetryLocked(jid string, st *groupState) {
	if q.stopped {
		return
	}
	if st.attempts >= q.maxAttempts {
		slog.Warn("queue.abandoned", "jid", jid, "attempts", st.attempts)
		st.attempts = 0
		return
	}
	delay := q.baseRetry * (1 << st.attempts)
	st.attempts++
	telemetry.QueueRetries.Inc()
	slog.Info("queue.retry.scheduled", "jid", jid, "attempt", st.attempts, "delay", delay)
	st.retryTimer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		if q.stopped {
			q.mu.Unlock()
			return
		}
		q.state(jid).needsCheck = true
		q.mu.Unlock()
		q.maybeStart(jid)
	})
}

// Shutdown stops intake, cancels retry timers, waits up to timeout for
// active cycles and then force-cancels whatever is still running.
func (q *GroupQueue) Shutdown(timeout time.Duration) {
	q.mu.Lock()
	q.stopped = true
	q.acquireCancel()
	for _, st := range q.groups {
		if st.retryTimer != nil {
			st.retryTimer.Stop()
			st.retryTimer = nil
		}
		st.tasks = nil
		st.needsCheck = false
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("queue.shutdown.clean")
		return
	case <-time.After(timeout):
	}

	slog.Warn("queue.shutdown.forcing")
	q.mu.Lock()
	for jid, st := range q.groups {
		if st.cancel != nil {
			slog.Info("queue.shutdown.cancel", "jid", jid)
			st.cancel()
		}
	}
	q.mu.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		slog.Error("queue.shutdown.stuck")
	}
}
