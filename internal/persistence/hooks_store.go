package persistence

import "context"

// RecordQuestionHash records a 16-hex-prefix SHA-256 hash for a task's
// question text, deduping repeated ask-user prompts. Returns true if the
// hash was already recorded for this task (the caller should emit
// duplicate_question instead).
func (s *Store) RecordQuestionHash(ctx context.Context, taskID, hash string) (alreadySeen bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO question_hashes (task_id, hash) VALUES (?, ?)`, taskID, hash)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		alreadySeen = n == 0
		return nil
	})
	return alreadySeen, err
}

// MarkImageSent / WasImageSent back the notification dispatcher's image
// sweep: tracks which workspace image paths have already been forwarded
// so a later sweep does not resend them.
func (s *Store) WasImageSent(ctx context.Context, workerID, path string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sent_images WHERE worker_id = ? AND path = ?`, workerID, path).Scan(&n)
	return n > 0, err
}

func (s *Store) MarkImageSent(ctx context.Context, workerID, path string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO sent_images (worker_id, path) VALUES (?, ?)`, workerID, path)
		return err
	})
}
