package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DecompositionRun is the observability record for one decomposition driver
// attempt: start/end, elapsed, model, timeout, request/prompt/result
// character counts, parse attempts, fallback flag, error code, first 1200
// chars of raw output.
type DecompositionRun struct {
	ID               string
	WorkerID         string
	TaskID           string
	StartedAt        time.Time
	EndedAt          *time.Time
	ElapsedMS        *int64
	Model            string
	TimeoutMS        int64
	RequestChars     int
	PromptChars      int
	ResultChars      int
	ParseAttempts    int
	Fallback         bool
	ErrorCode        string
	RawOutputExcerpt string
}

func (s *Store) StartDecompositionRun(ctx context.Context, workerID, taskID, model string, timeoutMS int64, requestChars int) (string, error) {
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO decomposition_runs (id, worker_id, task_id, started_at, model, timeout_ms, request_chars)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP, ?, ?, ?)`, id, workerID, taskID, model, timeoutMS, requestChars)
		return err
	})
	return id, err
}

func (s *Store) FinishDecompositionRun(ctx context.Context, id string, elapsed time.Duration, promptChars, resultChars, parseAttempts int, fallback bool, errorCode, rawExcerpt string) error {
	if len(rawExcerpt) > 1200 {
		rawExcerpt = rawExcerpt[:1200]
	}
	ms := elapsed.Milliseconds()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE decomposition_runs SET ended_at = CURRENT_TIMESTAMP, elapsed_ms = ?, prompt_chars = ?, result_chars = ?,
				parse_attempts = ?, fallback = ?, error_code = ?, raw_output_excerpt = ? WHERE id = ?`,
			ms, promptChars, resultChars, parseAttempts, boolToInt(fallback), nullIfEmpty(errorCode), rawExcerpt, id)
		return err
	})
}
