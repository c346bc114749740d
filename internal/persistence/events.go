package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

type EventType string

const (
	EventTaskStarted        EventType = "task_started"
	EventTaskDone            EventType = "task_done"
	EventTaskFailed          EventType = "task_failed"
	EventNeedsInput          EventType = "needs_input"
	EventAgentStop           EventType = "agent_stop"
	EventFileChanged         EventType = "file_changed"
	EventLoopDetected        EventType = "loop_detected"
	EventDuplicateQuestion   EventType = "duplicate_question"
	EventDepthLimitExceeded  EventType = "depth_limit_exceeded"
)

// userVisibleEventTypes are the types the notification dispatcher claims;
// internal bookkeeping types (none currently) would be excluded here.
var userVisibleEventTypes = map[EventType]struct{}{
	EventTaskDone:           {},
	EventTaskFailed:         {},
	EventNeedsInput:         {},
	EventDuplicateQuestion:  {},
	EventDepthLimitExceeded: {},
}

type Event struct {
	ID        int64     `json:"id"`
	WorkerID  string    `json:"worker_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Type      EventType `json:"type"`
	Payload   string    `json:"payload"`
	Notified  bool      `json:"notified"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordEvent appends an event row. Event ids are strictly increasing by
// construction (AUTOINCREMENT) and never reissued.
func (s *Store) RecordEvent(ctx context.Context, workerID, taskID string, typ EventType, payload any) (int64, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	var id int64
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO events (worker_id, task_id, event_type, payload) VALUES (?, ?, ?, ?)`,
			workerID, nullIfEmpty(taskID), string(typ), string(buf))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ClaimUnnotifiedEvents atomically selects a bounded batch of unnotified,
// user-visible events and marks them notified in the same transaction —
// exactly-once notification. Marking an event notified twice is a no-op
// because claimed events are excluded from the next claim by construction.
func (s *Store) ClaimUnnotifiedEvents(ctx context.Context, workerID string, limit int) ([]*Event, error) {
	var claimed []*Event
	err := retryOnBusy(ctx, 5, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		types := make([]string, 0, len(userVisibleEventTypes))
		for t := range userVisibleEventTypes {
			types = append(types, string(t))
		}
		placeholders := ""
		args := []any{workerID}
		for i, t := range types {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, t)
		}
		args = append(args, limit)

		rows, err := tx.QueryContext(ctx, `
			SELECT id, worker_id, task_id, event_type, payload, notified, created_at
			FROM events WHERE worker_id = ? AND notified = 0 AND event_type IN (`+placeholders+`)
			ORDER BY id ASC LIMIT ?`, args...)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var e Event
			var taskID sql.NullString
			var typ string
			var notifiedInt int
			if err := rows.Scan(&e.ID, &e.WorkerID, &taskID, &typ, &e.Payload, &notifiedInt, &e.CreatedAt); err != nil {
				rows.Close()
				return err
			}
			e.TaskID = taskID.String
			e.Type = EventType(typ)
			e.Notified = notifiedInt != 0
			claimed = append(claimed, &e)
			ids = append(ids, e.ID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE events SET notified = 1 WHERE id = ?`, id); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// TotalEventCount supports the doctor database check.
func (s *Store) TotalEventCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events`).Scan(&n)
	return n, err
}
