package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type WorkerStatus string

const (
	WorkerDormant WorkerStatus = "dormant"
	WorkerActive  WorkerStatus = "active"
	WorkerError   WorkerStatus = "error"
)

// Worker mirrors one worker record: lifecycle fields are owned by the
// supervisor, status transitions and cost by the worker's own scheduler.
// Both mutate through Store transactions.
type Worker struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	OSPid              sql.NullInt64
	LivenessSession    sql.NullString
	Status             WorkerStatus `json:"status"`
	AccumulatedCostUSD float64      `json:"accumulated_cost_usd"`
	ChatChannelHandle  string       `json:"chat_channel_handle,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

func (w *Worker) OSPidPtr() *int {
	if !w.OSPid.Valid {
		return nil
	}
	v := int(w.OSPid.Int64)
	return &v
}

func (w *Worker) LivenessSessionStr() string {
	if !w.LivenessSession.Valid {
		return ""
	}
	return w.LivenessSession.String
}

// GetOrCreateWorker is atomic: concurrent callers racing on the same name
// resolve to a single row. If chatHandle is non-empty and differs from the
// stored value, it is updated in the same transaction.
func (s *Store) GetOrCreateWorker(ctx context.Context, name, chatHandle string) (*Worker, error) {
	var result *Worker
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT id, name, os_pid, liveness_session, status, accumulated_cost_usd, chat_channel_handle, created_at, updated_at
			FROM workers WHERE name = ?`, name)
		var w Worker
		var status string
		var chatCol sql.NullString
		err = row.Scan(&w.ID, &w.Name, &w.OSPid, &w.LivenessSession, &status, &w.AccumulatedCostUSD, &chatCol, &w.CreatedAt, &w.UpdatedAt)
		switch {
		case err == sql.ErrNoRows:
			w = Worker{
				ID:     uuid.NewString(),
				Name:   name,
				Status: WorkerDormant,
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO workers (id, name, status, chat_channel_handle) VALUES (?, ?, ?, ?)`,
				w.ID, w.Name, string(w.Status), chatHandle); err != nil {
				return fmt.Errorf("insert worker: %w", err)
			}
			w.ChatChannelHandle = chatHandle
			result = &w
		case err != nil:
			return fmt.Errorf("lookup worker: %w", err)
		default:
			w.Status = WorkerStatus(status)
			w.ChatChannelHandle = chatCol.String
			if chatHandle != "" && chatHandle != w.ChatChannelHandle {
				if _, err := tx.ExecContext(ctx, `UPDATE workers SET chat_channel_handle = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, chatHandle, w.ID); err != nil {
					return fmt.Errorf("update chat handle: %w", err)
				}
				w.ChatChannelHandle = chatHandle
			}
			result = &w
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetWorker(ctx context.Context, id string) (*Worker, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, os_pid, liveness_session, status, accumulated_cost_usd, chat_channel_handle, created_at, updated_at
		FROM workers WHERE id = ?`, id)
	return s.scanWorkerRow(row)
}

func (s *Store) GetWorkerByName(ctx context.Context, name string) (*Worker, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, os_pid, liveness_session, status, accumulated_cost_usd, chat_channel_handle, created_at, updated_at
		FROM workers WHERE name = ?`, name)
	return s.scanWorkerRow(row)
}

// GetWorkerByChatHandle resolves the worker addressed by an inbound chat
// message, used by the chat channel adapter to route commands.
func (s *Store) GetWorkerByChatHandle(ctx context.Context, handle string) (*Worker, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, os_pid, liveness_session, status, accumulated_cost_usd, chat_channel_handle, created_at, updated_at
		FROM workers WHERE chat_channel_handle = ?`, handle)
	return s.scanWorkerRow(row)
}

// ListWorkers returns every worker, used by the notification dispatcher to
// fan out across all workers that have a chat channel configured.
func (s *Store) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, os_pid, liveness_session, status, accumulated_cost_usd, chat_channel_handle, created_at, updated_at
		FROM workers ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkers(rows)
}

func (s *Store) scanWorkerRow(row *sql.Row) (*Worker, error) {
	var w Worker
	var status string
	var chatCol sql.NullString
	if err := row.Scan(&w.ID, &w.Name, &w.OSPid, &w.LivenessSession, &status, &w.AccumulatedCostUSD, &chatCol, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Status = WorkerStatus(status)
	w.ChatChannelHandle = chatCol.String
	return &w, nil
}

// ListActiveWorkers returns every worker whose status is 'active', used by
// the supervisor's child-reconciliation pass.
func (s *Store) ListActiveWorkers(ctx context.Context) ([]*Worker, error) {
	return s.listWorkersByStatus(ctx, WorkerActive)
}

// ListDormantWorkersWithWork returns dormant workers that own at least one
// task in {pending, blocked, running}, for the supervisor's dormant-with-work
// sweep.
func (s *Store) ListDormantWorkersWithWork(ctx context.Context) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT w.id, w.name, w.os_pid, w.liveness_session, w.status, w.accumulated_cost_usd, w.chat_channel_handle, w.created_at, w.updated_at
		FROM workers w
		JOIN tasks t ON t.worker_id = w.id
		WHERE w.status = ? AND t.status IN (?, ?, ?)`,
		string(WorkerDormant), string(TaskPending), string(TaskBlocked), string(TaskRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkers(rows)
}

func (s *Store) listWorkersByStatus(ctx context.Context, status WorkerStatus) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, os_pid, liveness_session, status, accumulated_cost_usd, chat_channel_handle, created_at, updated_at
		FROM workers WHERE status = ?`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkers(rows)
}

func scanWorkers(rows *sql.Rows) ([]*Worker, error) {
	var out []*Worker
	for rows.Next() {
		var w Worker
		var status string
		var chatCol sql.NullString
		if err := rows.Scan(&w.ID, &w.Name, &w.OSPid, &w.LivenessSession, &status, &w.AccumulatedCostUSD, &chatCol, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		w.Status = WorkerStatus(status)
		w.ChatChannelHandle = chatCol.String
		out = append(out, &w)
	}
	return out, rows.Err()
}

// SetWorkerProcess records (or clears, passing pid=nil) the OS process id and
// liveness session for a worker. Non-null iff an OS process with that id is
// alive AND status is active — enforced by callers, not here.
func (s *Store) SetWorkerProcess(ctx context.Context, id string, pid *int, livenessSession string) error {
	return retryOnBusy(ctx, 5, func() error {
		var pidArg any
		if pid != nil {
			pidArg = *pid
		}
		var sessArg any
		if livenessSession != "" {
			sessArg = livenessSession
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE workers SET os_pid = ?, liveness_session = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			pidArg, sessArg, id)
		return err
	})
}

// SetWorkerStatus transitions a worker's global status (dormant/active/error).
// Unlike tasks, worker status has no guarded-transition table — the
// supervisor and scheduler are the two authorities and never race on the
// same worker's status field because spawn-gating serializes on os_pid.
func (s *Store) SetWorkerStatus(ctx context.Context, id string, status WorkerStatus) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE workers SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(status), id)
		return err
	})
}

// TouchWorker updates the heartbeat timestamp without changing other fields.
func (s *Store) TouchWorker(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE workers SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
		return err
	})
}

// AddWorkerCost adds delta (never negative) to the worker's accumulated
// cost. Accumulated cost is monotonically non-decreasing by construction.
func (s *Store) AddWorkerCost(ctx context.Context, id string, delta float64) error {
	if delta < 0 {
		return fmt.Errorf("negative cost delta %f would violate monotonicity", delta)
	}
	if delta == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE workers SET accumulated_cost_usd = accumulated_cost_usd + ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			delta, id)
		return err
	})
}

// WorkerStaleSince reports how long ago updated_at was touched, used by the
// supervisor to gate the spawn-storm guard.
func (w *Worker) StaleSince(now time.Time) time.Duration {
	return now.Sub(w.UpdatedAt)
}
