package persistence

import (
	"context"
	"fmt"
	"strings"
)

// Backup writes a consistent snapshot of the store to destPath using
// SQLite's VACUUM INTO. Exposed as a CLI subcommand on both the supervisor
// and worker binaries (SPEC_FULL.md supplemented features).
func (s *Store) Backup(ctx context.Context, destPath string) error {
	// VACUUM INTO does not support bound parameters for its target; destPath
	// is operator-supplied (a CLI flag), never task/user payload text.
	escaped := strings.ReplaceAll(destPath, "'", "''")
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s';", escaped))
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	return nil
}
