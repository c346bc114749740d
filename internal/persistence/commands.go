package persistence

import (
	"context"
	"encoding/json"
	"time"
)

type CommandType string

const (
	CommandAnswer  CommandType = "answer"
	CommandKill    CommandType = "kill"
	CommandPause   CommandType = "pause"
	CommandResume  CommandType = "resume"
	CommandRetry   CommandType = "retry"
)

type Command struct {
	ID        int64       `json:"id"`
	WorkerID  string      `json:"worker_id"`
	Type      CommandType `json:"type"`
	Payload   string      `json:"payload"`
	Handled   bool        `json:"handled"`
	CreatedAt time.Time   `json:"created_at"`
}

// AnswerPayload, RetryPayload are the structured payloads for the two
// commands that carry a task reference: payloads remain opaque blobs at the
// store layer and parse to structured fields at the call site.
type AnswerPayload struct {
	TaskID string `json:"task_id"`
	Text   string `json:"text"`
}

type RetryPayload struct {
	TaskID string `json:"task_id"`
}

// EnqueueCommand is written by the chat relay (out of scope here, but
// exercised by internal/channels) and read by the command's target worker.
func (s *Store) EnqueueCommand(ctx context.Context, workerID string, typ CommandType, payload any) (int64, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	var id int64
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO commands (worker_id, command_type, payload) VALUES (?, ?, ?)`,
			workerID, string(typ), string(buf))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// DequeueCommands returns unhandled commands for a worker in insertion
// order. The caller marks each
// handled via MarkCommandHandled only after dispatch returns, so a command
// whose handler panics is replayed on the next tick rather than lost.
func (s *Store) DequeueCommands(ctx context.Context, workerID string) ([]*Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, worker_id, command_type, payload, handled, created_at
		FROM commands WHERE worker_id = ? AND handled = 0 ORDER BY id ASC`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Command
	for rows.Next() {
		var c Command
		var typ string
		var handledInt int
		if err := rows.Scan(&c.ID, &c.WorkerID, &typ, &c.Payload, &handledInt, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Type = CommandType(typ)
		c.Handled = handledInt != 0
		out = append(out, &c)
	}
	return out, rows.Err()
}

// MarkCommandHandled is at-most-once per command id: marking twice is a
// no-op because the UPDATE is idempotent and DequeueCommands never returns
// an already-handled row again.
func (s *Store) MarkCommandHandled(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE commands SET handled = 1 WHERE id = ?`, id)
		return err
	})
}
