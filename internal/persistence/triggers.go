package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TriggerOverrides carries the optional skill list, model tier, and
// capability id a time trigger applies to the root task it creates.
type TriggerOverrides struct {
	Skills       []string `json:"skills,omitempty"`
	ModelTier    string   `json:"model_tier,omitempty"`
	CapabilityID string   `json:"capability_id,omitempty"`
}

type TimeTrigger struct {
	ID               string           `json:"id"`
	TargetWorkerName string           `json:"target_worker_name"`
	Title            string           `json:"title"`
	Prompt           string           `json:"prompt"`
	ScheduleExpr     string           `json:"schedule_expr"`
	Overrides        TriggerOverrides `json:"overrides"`
	Enabled          bool             `json:"enabled"`
	LastRun          *time.Time       `json:"last_run,omitempty"`
	NextRun          time.Time        `json:"next_run"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (s *Store) CreateTimeTrigger(ctx context.Context, t *TimeTrigger) (string, error) {
	id := uuid.NewString()
	buf, err := json.Marshal(t.Overrides)
	if err != nil {
		return "", err
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO time_triggers (id, target_worker_name, title, prompt, schedule_expr, overrides, enabled, next_run)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, t.TargetWorkerName, t.Title, t.Prompt, t.ScheduleExpr, string(buf), boolToInt(t.Enabled), t.NextRun)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// DueTimeTriggers returns enabled triggers whose next-run <= now.
func (s *Store) DueTimeTriggers(ctx context.Context, now time.Time) ([]*TimeTrigger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target_worker_name, title, prompt, schedule_expr, overrides, enabled, last_run, next_run, created_at, updated_at
		FROM time_triggers WHERE enabled = 1 AND next_run <= ? ORDER BY next_run ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TimeTrigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrigger(rows *sql.Rows) (*TimeTrigger, error) {
	var t TimeTrigger
	var overridesJSON string
	var enabledInt int
	var lastRun sql.NullTime
	if err := rows.Scan(&t.ID, &t.TargetWorkerName, &t.Title, &t.Prompt, &t.ScheduleExpr, &overridesJSON,
		&enabledInt, &lastRun, &t.NextRun, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Enabled = enabledInt != 0
	if lastRun.Valid {
		t.LastRun = &lastRun.Time
	}
	_ = json.Unmarshal([]byte(overridesJSON), &t.Overrides)
	return &t, nil
}

// UpdateTriggerRun records that a trigger fired at firedAt and recomputes
// its stored next-run; callers pass the already-computed nextRun (the cron
// parsing lives in internal/cron, not here, keeping the store schedule-format
// agnostic).
func (s *Store) UpdateTriggerRun(ctx context.Context, id string, firedAt, nextRun time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE time_triggers SET last_run = ?, next_run = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			firedAt, nextRun, id)
		return err
	})
}

// TryClaimCronFiring claims the idempotency key `cron:<trigger-id>:<iso-minute>`:
// returns true the first time a given trigger+minute combination is claimed,
// false on every subsequent attempt, so a supervisor crash-and-restart
// mid-minute cannot double-fire a trigger.
func (s *Store) TryClaimCronFiring(ctx context.Context, triggerID string, isoMinute string) (bool, error) {
	key := fmt.Sprintf("cron:%s:%s", triggerID, isoMinute)
	claimed := false
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO kv_store (key, value) VALUES (?, ?)`, key, "1")
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n > 0
		return nil
	})
	return claimed, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
