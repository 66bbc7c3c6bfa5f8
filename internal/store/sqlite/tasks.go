package sqlite

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/pynchy/internal/store"
)

type taskStore struct {
	db *sql.DB
}

func newTaskStore(db *sql.DB) *taskStore {
	return &taskStore{db: db}
}

// tableFor routes between agent tasks and host jobs; the two tables
// differ only in the payload column.
func tableFor(id string) (table, payload string) {
	if strings.HasPrefix(id, store.HostJobPrefix) {
		return "host_jobs", "command"
	}
	return "scheduled_tasks", "prompt"
}

func (s *taskStore) Create(t store.ScheduledTask) error {
	table, payload := tableFor(t.ID)
	body := t.Prompt
	if payload == "command" {
		body = t.Command
	}
	_, err := s.db.Exec(fmt.Sprintf(`INSERT INTO %s (id, folder, chat_jid, %s, schedule_type, schedule_value, timezone, status, created_at, last_run, next_run, last_result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table, payload),
		t.ID, t.Folder, t.ChatJID, body, t.ScheduleType, t.ScheduleValue, t.Timezone, t.Status, t.CreatedAt, t.LastRun, t.NextRun, t.LastResult)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

func (s *taskStore) scanTasks(table, payload, where string, args ...any) ([]store.ScheduledTask, error) {
	q := fmt.Sprintf(`SELECT id, folder, chat_jid, %s, schedule_type, schedule_value, timezone, status, created_at, last_run, next_run, last_result FROM %s %s`, payload, table, where)
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []store.ScheduledTask
	for rows.Next() {
		var t store.ScheduledTask
		var body string
		if err := rows.Scan(&t.ID, &t.Folder, &t.ChatJID, &body, &t.ScheduleType, &t.ScheduleValue, &t.Timezone, &t.Status, &t.CreatedAt, &t.LastRun, &t.NextRun, &t.LastResult); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		if payload == "command" {
			t.Command = body
		} else {
			t.Prompt = body
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *taskStore) both(where string, args ...any) ([]store.ScheduledTask, error) {
	tasks, err := s.scanTasks("scheduled_tasks", "prompt", where, args...)
	if err != nil {
		return nil, err
	}
	jobs, err := s.scanTasks("host_jobs", "command", where, args...)
	if err != nil {
		return nil, err
	}
	return append(tasks, jobs...), nil
}

func (s *taskStore) Get(id string) (*store.ScheduledTask, error) {
	table, payload := tableFor(id)
	ts, err := s.scanTasks(table, payload, "WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(ts) == 0 {
		return nil, nil
	}
	return &ts[0], nil
}

func (s *taskStore) List(folder string) ([]store.ScheduledTask, error) {
	var (
		ts  []store.ScheduledTask
		err error
	)
	if folder == "" {
		ts, err = s.both("")
	} else {
		ts, err = s.both("WHERE folder = ?", folder)
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].CreatedAt < ts[j].CreatedAt })
	return ts, nil
}

func (s *taskStore) Due(now string) ([]store.ScheduledTask, error) {
	ts, err := s.both(`WHERE status = ? AND next_run != '' AND next_run <= ?`, store.TaskActive, now)
	if err != nil {
		return nil, err
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].NextRun < ts[j].NextRun })
	return ts, nil
}

func (s *taskStore) FinishRun(id, lastRun, lastResult, nextRun, status string) error {
	table, _ := tableFor(id)
	_, err := s.db.Exec(fmt.Sprintf(`UPDATE %s SET last_run = ?, last_result = ?, next_run = ?, status = ? WHERE id = ?`, table),
		lastRun, lastResult, nextRun, status, id)
	if err != nil {
		return fmt.Errorf("finish run of %s: %w", id, err)
	}
	return nil
}

func (s *taskStore) SetStatus(id, status string) error {
	table, _ := tableFor(id)
	res, err := s.db.Exec(fmt.Sprintf(`UPDATE %s SET status = ? WHERE id = ?`, table), status, id)
	if err != nil {
		return fmt.Errorf("set status of %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s not found", id)
	}
	return nil
}

func (s *taskStore) Delete(id string) error {
	table, _ := tableFor(id)
	if _, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if _, err := s.db.Exec(`DELETE FROM task_run_logs WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete run logs of %s: %w", id, err)
	}
	return nil
}

func (s *taskStore) LogRun(l store.TaskRunLog) error {
	_, err := s.db.Exec(`INSERT INTO task_run_logs (task_id, started_at, finished_at, status, output)
		VALUES (?, ?, ?, ?, ?)`,
		l.TaskID, l.StartedAt, l.FinishedAt, l.Status, l.Output)
	if err != nil {
		return fmt.Errorf("log run of %s: %w", l.TaskID, err)
	}
	return nil
}

func (s *taskStore) RunLogs(taskID string, limit int) ([]store.TaskRunLog, error) {
	rows, err := s.db.Query(`SELECT id, task_id, started_at, finished_at, status, output
		FROM task_run_logs WHERE task_id = ? ORDER BY id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("run logs of %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []store.TaskRunLog
	for rows.Next() {
		var l store.TaskRunLog
		if err := rows.Scan(&l.ID, &l.TaskID, &l.StartedAt, &l.FinishedAt, &l.Status, &l.Output); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *taskStore) PruneRunLogs(taskID string, keep int) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM task_run_logs WHERE task_id = ? AND id NOT IN (
		SELECT id FROM task_run_logs WHERE task_id = ? ORDER BY id DESC LIMIT ?)`,
		taskID, taskID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune run logs of %s: %w", taskID, err)
	}
	return res.RowsAffected()
}
