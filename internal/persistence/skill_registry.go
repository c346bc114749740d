package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DefaultQuarantineThreshold is the consecutive fault count at which a skill
// is auto-quarantined and excluded from eligibility checks until an operator
// clears it with ReenableSkill.
const DefaultQuarantineThreshold = 5

// SkillState is the health state tracked for an installed skill.
type SkillState string

const (
	SkillActive      SkillState = "active"
	SkillQuarantined SkillState = "quarantined"
)

// InstalledSkillRecord is the provenance row for a skill installed via the
// git-based installer (internal/skills.Installer): where it came from and
// what ref it was pinned to, plus fault-based health tracking.
type InstalledSkillRecord struct {
	SkillID     string     `json:"skill_id"`
	Source      string     `json:"source"` // "local" or "github"
	SourceURL   string     `json:"source_url"`
	Ref         string     `json:"ref,omitempty"`
	State       SkillState `json:"state"`
	FaultCount  int        `json:"fault_count"`
	LastFaultAt *time.Time `json:"last_fault_at,omitempty"`
	InstalledAt time.Time  `json:"installed_at"`
}

// RegisterInstalledSkill records (or re-records, on Update) a skill's
// provenance after a successful install swap. Re-installing resets the
// fault count and state back to active.
func (s *Store) RegisterInstalledSkill(ctx context.Context, skillID, source, sourceURL, ref string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO skill_registry (skill_id, source, source_url, ref, state, fault_count, installed_at)
			VALUES (?, ?, ?, ?, 'active', 0, CURRENT_TIMESTAMP)
			ON CONFLICT(skill_id) DO UPDATE SET
				source = excluded.source,
				source_url = excluded.source_url,
				ref = excluded.ref,
				state = 'active',
				fault_count = 0,
				last_fault_at = NULL,
				installed_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP`,
			skillID, source, nullIfEmpty(sourceURL), nullIfEmpty(ref))
		return err
	})
}

func (s *Store) ListInstalledSkills(ctx context.Context) ([]InstalledSkillRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT skill_id, source, source_url, ref, state, fault_count, last_fault_at, installed_at
		FROM skill_registry ORDER BY skill_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InstalledSkillRecord
	for rows.Next() {
		rec, err := scanInstalledSkillRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) RemoveInstalledSkill(ctx context.Context, skillID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM skill_registry WHERE skill_id = ?`, skillID)
		return err
	})
}

// IncrementSkillFault bumps a skill's fault count and auto-quarantines it
// once the count reaches DefaultQuarantineThreshold. The read-increment-write
// happens in one statement so concurrent worker schedulers reporting faults
// for the same skill can't race each other into an inconsistent count.
func (s *Store) IncrementSkillFault(ctx context.Context, skillID string) (InstalledSkillRecord, error) {
	var rec InstalledSkillRecord
	err := retryOnBusy(ctx, 5, func() error {
		row := s.db.QueryRowContext(ctx, `
			UPDATE skill_registry SET
				fault_count = fault_count + 1,
				last_fault_at = CURRENT_TIMESTAMP,
				state = CASE WHEN fault_count + 1 >= ? THEN 'quarantined' ELSE state END,
				updated_at = CURRENT_TIMESTAMP
			WHERE skill_id = ?
			RETURNING skill_id, source, source_url, ref, state, fault_count, last_fault_at, installed_at`,
			DefaultQuarantineThreshold, skillID)
		r, scanErr := scanInstalledSkillRecord(row)
		if scanErr != nil {
			return scanErr
		}
		rec = r
		return nil
	})
	if err != nil {
		return InstalledSkillRecord{}, fmt.Errorf("increment skill fault: %w", err)
	}
	return rec, nil
}

func (s *Store) IsSkillQuarantined(ctx context.Context, skillID string) (bool, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM skill_registry WHERE skill_id = ?`, skillID).Scan(&state)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return SkillState(state) == SkillQuarantined, nil
}

// ReenableSkill clears a quarantine and resets the fault count, for an
// operator that has fixed or manually verified a flagged skill.
func (s *Store) ReenableSkill(ctx context.Context, skillID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE skill_registry SET state = 'active', fault_count = 0, last_fault_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE skill_id = ?`, skillID)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstalledSkillRecord(row rowScanner) (InstalledSkillRecord, error) {
	var rec InstalledSkillRecord
	var sourceURL, ref, state sql.NullString
	var lastFault sql.NullTime
	if err := row.Scan(&rec.SkillID, &rec.Source, &sourceURL, &ref, &state, &rec.FaultCount, &lastFault, &rec.InstalledAt); err != nil {
		return InstalledSkillRecord{}, err
	}
	rec.SourceURL = sourceURL.String
	rec.Ref = ref.String
	rec.State = SkillState(state.String)
	if lastFault.Valid {
		rec.LastFaultAt = &lastFault.Time
	}
	return rec, nil
}
