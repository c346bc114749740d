package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/orchestrator/internal/bus"
	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskBlocked TaskStatus = "blocked"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// allowedTransitions is the single source of truth for legal task status
// transitions. The only deliberate violation is the retry escape hatch
// (failed->pending), which is itself listed here rather than bypassing the
// table, so every mutation in this package, including retries, goes through
// the same guarded path.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskPending: {TaskRunning: {}, TaskBlocked: {}},
	TaskBlocked: {TaskPending: {}},
	TaskRunning: {TaskDone: {}, TaskFailed: {}},
	TaskDone:    {},
	TaskFailed:  {TaskPending: {}},
}

// ErrIllegalTransition is returned (never panics) when a caller asks for a
// transition outside allowedTransitions: logged and rejected, never
// corrupting state.
type ErrIllegalTransition struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}

type Task struct {
	ID            string     `json:"id"`
	WorkerID      string     `json:"worker_id"`
	ParentID      string     `json:"parent_id,omitempty"`
	Title         string     `json:"title"`
	Prompt        string     `json:"prompt"`
	Status        TaskStatus `json:"status"`
	ExecMode      string     `json:"exec_mode"`
	ModelTier     string     `json:"model_tier,omitempty"`
	SessionHandle string     `json:"session_handle,omitempty"`
	DepIDs        []string   `json:"dep_ids"`
	SkillList     []string   `json:"skill_list"`
	CapabilityID  string     `json:"capability_id,omitempty"`
	Result        string     `json:"result,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Depth         int        `json:"depth"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsRoot reports whether this task has no parent.
func (t *Task) IsRoot() bool { return t.ParentID == "" }

// NewTaskInput describes one task in a transactional batch-create call.
type NewTaskInput struct {
	WorkerID     string
	ParentID     string // "" for a root task
	Title        string
	Prompt       string
	ExecMode     string
	ModelTier    string
	DepIDs       []string // must reference sibling tasks; see CreateTasksBatch
	SkillList    []string
	CapabilityID string
	Depth        int
}

// initialStatus implements invariant 1: non-empty deps begin blocked, empty
// deps begin pending.
func initialStatus(depIDs []string) TaskStatus {
	if len(depIDs) > 0 {
		return TaskBlocked
	}
	return TaskPending
}

// CreateRootTask creates a single root task (no parent, no deps) for worker,
// used by the CLI --prompt flag and by fired time triggers.
func (s *Store) CreateRootTask(ctx context.Context, workerID, title, prompt string) (*Task, error) {
	ids, err := s.CreateTasksBatch(ctx, []NewTaskInput{{
		WorkerID: workerID,
		Title:    title,
		Prompt:   prompt,
		ExecMode: "agent",
	}})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, ids[0])
}

// CreateTasksBatch inserts a batch of tasks all-or-nothing and returns their
// assigned ids in input order. Used directly for a single root task and by
// the decomposition driver for a root's children (whose dep lists reference
// each other by the returned ids only after a title->id resolution pass —
// see ApplyDependenciesBatch).
func (s *Store) CreateTasksBatch(ctx context.Context, inputs []NewTaskInput) ([]string, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(inputs))
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		for i, in := range inputs {
			if in.ParentID != "" {
				var exists int
				if err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ? AND worker_id = ?`, in.ParentID, in.WorkerID).Scan(&exists); err != nil {
					return fmt.Errorf("parent %s must exist and belong to worker %s: %w", in.ParentID, in.WorkerID, err)
				}
			}
			id := uuid.NewString()
			depJSON, _ := json.Marshal(in.DepIDs)
			skillJSON, _ := json.Marshal(in.SkillList)
			status := initialStatus(in.DepIDs)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (id, worker_id, parent_id, title, prompt, status, exec_mode, model_tier, dep_ids, skill_list, capability_id, depth)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, in.WorkerID, nullIfEmpty(in.ParentID), in.Title, in.Prompt, string(status), orDefault(in.ExecMode, "agent"),
				nullIfEmpty(in.ModelTier), string(depJSON), string(skillJSON), nullIfEmpty(in.CapabilityID), in.Depth); err != nil {
				return fmt.Errorf("insert task %q: %w", in.Title, err)
			}
			ids[i] = id
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ApplyDependenciesBatch applies a set of (task id, dep ids, new status)
// updates atomically. Used by the decomposition driver once title->id
// resolution is complete, to wire sibling dependency edges and flip
// depended-upon children to blocked.
type DependencyUpdate struct {
	TaskID    string
	DepIDs    []string
	NewStatus TaskStatus
}

func (s *Store) ApplyDependenciesBatch(ctx context.Context, updates []DependencyUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		for _, u := range updates {
			depJSON, _ := json.Marshal(u.DepIDs)
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET dep_ids = ?, status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
				string(depJSON), string(u.NewStatus), u.TaskID); err != nil {
				return fmt.Errorf("apply dependency update for %s: %w", u.TaskID, err)
			}
		}
		return tx.Commit()
	})
}

// TransitionTask applies a guarded status transition: consults
// allowedTransitions, applies or reports rejection. Rejections are returned
// as *ErrIllegalTransition and never silently succeed.
func (s *Store) TransitionTask(ctx context.Context, taskID string, to TaskStatus) error {
	var workerID, from string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT status, worker_id FROM tasks WHERE id = ?`, taskID).Scan(&from, &workerID); err != nil {
			return fmt.Errorf("lookup task %s: %w", taskID, err)
		}
		if _, ok := allowedTransitions[TaskStatus(from)][to]; !ok {
			return &ErrIllegalTransition{TaskID: taskID, From: TaskStatus(from), To: to}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(to), taskID); err != nil {
			return fmt.Errorf("apply transition for %s: %w", taskID, err)
		}
		return tx.Commit()
	})
	if err == nil {
		s.publishTaskTransition(taskID, workerID, from, string(to))
	}
	return err
}

// publishTaskTransition fans the transition out over the in-process bus for
// dashboards and in-flight log correlation; the events table (RecordEvent)
// remains the durable, cross-process record the notification dispatcher
// actually claims from.
func (s *Store) publishTaskTransition(taskID, workerID, from, to string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID: taskID, WorkerID: workerID, OldStatus: from, NewStatus: to,
	})
	switch to {
	case string(TaskRunning):
		s.bus.Publish(bus.TopicTaskStarted, taskID)
	case string(TaskDone):
		s.bus.Publish(bus.TopicTaskDone, taskID)
	case string(TaskFailed):
		s.bus.Publish(bus.TopicTaskFailed, taskID)
	case string(TaskPending):
		s.bus.Publish(bus.TopicTaskRetrying, taskID)
	}
}

// FailTask transitions a running task to failed and records the reason in
// one statement, guarded by the same transition table.
func (s *Store) FailTask(ctx context.Context, taskID, reason string) error {
	var workerID, from string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT status, worker_id FROM tasks WHERE id = ?`, taskID).Scan(&from, &workerID); err != nil {
			return fmt.Errorf("lookup task %s: %w", taskID, err)
		}
		if _, ok := allowedTransitions[TaskStatus(from)][TaskFailed]; !ok {
			return &ErrIllegalTransition{TaskID: taskID, From: TaskStatus(from), To: TaskFailed}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, failure_reason = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			string(TaskFailed), reason, taskID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err == nil {
		s.publishTaskTransition(taskID, workerID, from, string(TaskFailed))
	}
	return err
}

// CompleteTask transitions a running task to done and stores its result.
func (s *Store) CompleteTask(ctx context.Context, taskID, result string) error {
	var workerID, from string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT status, worker_id FROM tasks WHERE id = ?`, taskID).Scan(&from, &workerID); err != nil {
			return fmt.Errorf("lookup task %s: %w", taskID, err)
		}
		if _, ok := allowedTransitions[TaskStatus(from)][TaskDone]; !ok {
			return &ErrIllegalTransition{TaskID: taskID, From: TaskStatus(from), To: TaskDone}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, result = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			string(TaskDone), result, taskID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err == nil {
		s.publishTaskTransition(taskID, workerID, from, string(TaskDone))
	}
	return err
}

// RetryTask is the retry escape hatch: resets a failed task to pending,
// clears its result and session handle. If its parent is failed, the parent
// is also rewritten to running — the one legal case where a transition is
// applied outside the pure per-task table, because it unblocks aggregation.
func (s *Store) RetryTask(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var status, parentID string
		var parentNull sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT status, parent_id FROM tasks WHERE id = ?`, taskID).Scan(&status, &parentNull); err != nil {
			return fmt.Errorf("lookup task %s: %w", taskID, err)
		}
		if TaskStatus(status) != TaskFailed {
			return fmt.Errorf("retry: task %s is %s, not failed", taskID, status)
		}
		parentID = parentNull.String

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, result = NULL, session_handle = NULL, failure_reason = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			string(TaskPending), taskID); err != nil {
			return err
		}

		if parentID != "" {
			var parentStatus string
			if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, parentID).Scan(&parentStatus); err != nil {
				return fmt.Errorf("lookup parent %s: %w", parentID, err)
			}
			if TaskStatus(parentStatus) == TaskFailed {
				if _, err := tx.ExecContext(ctx, `
					UPDATE tasks SET status = ?, failure_reason = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
					string(TaskRunning), parentID); err != nil {
					return err
				}
			}
		}
		return tx.Commit()
	})
}

// SetSessionHandle records the agent session handle used for resumption.
func (s *Store) SetSessionHandle(ctx context.Context, taskID, handle string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET session_handle = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, handle, taskID)
		return err
	})
}

// ClearSessionHandle drops a task's session handle, used before retry/kill
// rebind a fresh session to the same task id.
func (s *Store) ClearSessionHandle(ctx context.Context, taskID string) error {
	return s.SetSessionHandle(ctx, taskID, "")
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelectQuery()+` WHERE id = ?`, id)
	return scanTask(row)
}

func taskSelectQuery() string {
	return `SELECT id, worker_id, parent_id, title, prompt, status, exec_mode, model_tier, session_handle, dep_ids, skill_list, capability_id, result, failure_reason, depth, created_at, updated_at FROM tasks`
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var parentID, modelTier, sessionHandle, capID, result, reason sql.NullString
	var status string
	var depJSON, skillJSON string
	if err := row.Scan(&t.ID, &t.WorkerID, &parentID, &t.Title, &t.Prompt, &status, &t.ExecMode, &modelTier,
		&sessionHandle, &depJSON, &skillJSON, &capID, &result, &reason, &t.Depth, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.ParentID = parentID.String
	t.ModelTier = modelTier.String
	t.SessionHandle = sessionHandle.String
	t.CapabilityID = capID.String
	t.Result = result.String
	t.FailureReason = reason.String
	_ = json.Unmarshal([]byte(depJSON), &t.DepIDs)
	_ = json.Unmarshal([]byte(skillJSON), &t.SkillList)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		var t Task
		var parentID, modelTier, sessionHandle, capID, result, reason sql.NullString
		var status string
		var depJSON, skillJSON string
		if err := rows.Scan(&t.ID, &t.WorkerID, &parentID, &t.Title, &t.Prompt, &status, &t.ExecMode, &modelTier,
			&sessionHandle, &depJSON, &skillJSON, &capID, &result, &reason, &t.Depth, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Status = TaskStatus(status)
		t.ParentID = parentID.String
		t.ModelTier = modelTier.String
		t.SessionHandle = sessionHandle.String
		t.CapabilityID = capID.String
		t.Result = result.String
		t.FailureReason = reason.String
		_ = json.Unmarshal([]byte(depJSON), &t.DepIDs)
		_ = json.Unmarshal([]byte(skillJSON), &t.SkillList)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// RootTaskForWorker returns the single root task (parent_id IS NULL) for a
// worker, used by the scheduler's root-decomposition step.
func (s *Store) RootTaskForWorker(ctx context.Context, workerID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelectQuery()+` WHERE worker_id = ? AND parent_id IS NULL ORDER BY created_at ASC LIMIT 1`, workerID)
	return scanTask(row)
}

// ChildrenOf returns a task's direct children in creation order — the order
// aggregation must preserve.
func (s *Store) ChildrenOf(ctx context.Context, parentID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectQuery()+` WHERE parent_id = ? ORDER BY created_at ASC`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// PendingTasksForWorker returns tasks in status pending, oldest first, for
// the scheduler's spawn-pending step.
func (s *Store) PendingTasksForWorker(ctx context.Context, workerID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectQuery()+` WHERE worker_id = ? AND status = ? ORDER BY created_at ASC`, workerID, string(TaskPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// RunningTasksForWorker returns in-flight tasks, used for kill/shutdown and
// idle detection.
func (s *Store) RunningTasksForWorker(ctx context.Context, workerID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectQuery()+` WHERE worker_id = ? AND status = ? ORDER BY created_at ASC`, workerID, string(TaskRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// HasLeafChildren reports whether a task has any children at all — a task
// with children is aggregated, not executed directly.
func (s *Store) HasChildren(ctx context.Context, taskID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE parent_id = ?`, taskID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// PromoteReadyDependents reads all blocked tasks for a worker, for each
// checks that every id in its dep list has status done, and flips it to
// pending atomically per task. Returns the promoted set.
func (s *Store) PromoteReadyDependents(ctx context.Context, workerID string) ([]*Task, error) {
	var promoted []*Task
	err := retryOnBusy(ctx, 5, func() error {
		promoted = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, taskSelectQuery()+` WHERE worker_id = ? AND status = ?`, workerID, string(TaskBlocked))
		if err != nil {
			return err
		}
		blocked, err := scanTasks(rows)
		rows.Close()
		if err != nil {
			return err
		}

		for _, t := range blocked {
			ready := true
			for _, depID := range t.DepIDs {
				var depStatus string
				if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, depID).Scan(&depStatus); err != nil {
					return fmt.Errorf("lookup dependency %s of %s: %w", depID, t.ID, err)
				}
				if TaskStatus(depStatus) != TaskDone {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(TaskPending), t.ID); err != nil {
				return err
			}
			t.Status = TaskPending
			promoted = append(promoted, t)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

// AllChildrenDone reports whether all children of parent P are done.
func (s *Store) AllChildrenDone(ctx context.Context, parentID string) (bool, error) {
	var total, done int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE parent_id = ?`, parentID).Scan(&total); err != nil {
		return false, err
	}
	if total == 0 {
		return false, nil
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE parent_id = ? AND status = ?`, parentID, string(TaskDone)).Scan(&done); err != nil {
		return false, err
	}
	return done == total, nil
}

// AnyChildFailed reports whether any child of parent P has failed.
func (s *Store) AnyChildFailed(ctx context.Context, parentID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE parent_id = ? AND status = ?`, parentID, string(TaskFailed)).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecoverOrphanedTasks transitions every running task owned by workerID back
// to a terminal failed state on worker startup, with reason "daemon
// shutdown (crash recovery)": a killed worker leaves tasks running until the
// next process fails them on startup.
func (s *Store) RecoverOrphanedTasks(ctx context.Context, workerID, reason string) (int, error) {
	running, err := s.RunningTasksForWorker(ctx, workerID)
	if err != nil {
		return 0, err
	}
	for _, t := range running {
		if err := s.FailTask(ctx, t.ID, reason); err != nil {
			return 0, fmt.Errorf("recover orphaned task %s: %w", t.ID, err)
		}
	}
	return len(running), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
