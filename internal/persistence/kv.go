package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// KVSet/KVGet back small per-process cached values that still need to
// survive a restart — the skill manifest fingerprint and the capability
// sync's last-run marker, grounded on the teacher repository's own
// kv_store table.
func (s *Store) KVSet(ctx context.Context, key, value string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`, key, value)
		return err
	})
}

func (s *Store) KVGet(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// LoopCheckpoint is a crash-recoverable snapshot of one agent session's
// bounded reasoning loop (internal/brain.LoopRunner), stored as a JSON blob
// under the KV store rather than a dedicated table: it is scoped to a single
// task attempt and superseded on every checkpoint, so it has none of the
// query needs (filtering, ordering, joins) that would justify a table.
type LoopCheckpoint struct {
	LoopID      string
	TaskID      string
	AgentID     string
	CurrentStep int
	MaxSteps    int
	TokensUsed  int
	MaxTokens   int
	StartedAt   time.Time
	MaxDuration time.Duration
	Status      string
	Messages    string
}

func loopCheckpointKey(taskID string) string {
	return "loop_checkpoint:" + taskID
}

// SaveLoopCheckpoint persists (overwriting any prior checkpoint for the same
// task) the current progress of an in-flight agent session.
func (s *Store) SaveLoopCheckpoint(cp *LoopCheckpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode loop checkpoint: %w", err)
	}
	return s.KVSet(context.Background(), loopCheckpointKey(cp.TaskID), string(data))
}

// LoadLoopCheckpoint returns sql.ErrNoRows if no checkpoint exists for the
// task, matching database/sql's convention so callers can distinguish "no
// checkpoint" from a real error.
func (s *Store) LoadLoopCheckpoint(taskID string) (*LoopCheckpoint, error) {
	raw, ok, err := s.KVGet(context.Background(), loopCheckpointKey(taskID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sql.ErrNoRows
	}
	var cp LoopCheckpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return nil, fmt.Errorf("decode loop checkpoint: %w", err)
	}
	return &cp, nil
}

// ClearLoopCheckpoint removes a task's checkpoint once its agent session
// finishes (successfully or not), so a later retry starts a fresh loop.
func (s *Store) ClearLoopCheckpoint(taskID string) error {
	return retryOnBusy(context.Background(), 5, func() error {
		_, err := s.db.ExecContext(context.Background(), `DELETE FROM kv_store WHERE key = ?`, loopCheckpointKey(taskID))
		return err
	})
}
